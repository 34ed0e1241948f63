//go:build linux
// +build linux

package node

import (
	"context"

	"github.com/fzft/go-amted/log"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Reactor runs one Poll on its own goroutine and turns context
// cancellation into a stop event inside the loop.
type Reactor struct {
	endpoint *Endpoint
	poll     *Poll
	done     chan struct{}
}

// NewReactor takes ownership of endpoint. On error the endpoint is closed.
func NewReactor(endpoint *Endpoint, fs afero.Fs, pc PollConfig, dc PoolConfig, metrics *Metrics) (*Reactor, error) {
	done := make(chan struct{})
	pool := NewDiskPool(fs, dc, metrics)

	poll, err := NewPoll(endpoint, pool, pc, metrics, done)
	if err != nil {
		_ = pool.Close()
		_ = endpoint.Close()
		return nil, err
	}

	return &Reactor{
		endpoint: endpoint,
		poll:     poll,
		done:     done,
	}, nil
}

// Run blocks until the loop exits. Cancelling ctx starts a graceful drain;
// Run returns once every descriptor is closed.
func (r *Reactor) Run(ctx context.Context) error {
	go r.poll.poll()
	defer log.Logger.Info("reactor closed")

	select {
	case <-r.done:
		return r.poll.err
	case <-ctx.Done():
		log.Logger.Info("stop requested", zap.Error(context.Cause(ctx)))
		if err := r.poll.sendSignal(SignalStop); err != nil {
			log.Logger.Error("Failed to signal event loop", zap.Error(err))
		}
		<-r.done
		return r.poll.err
	}
}

// Addr is the bound listening address.
func (r *Reactor) Addr() string {
	return r.endpoint.String()
}
