//go:build linux
// +build linux

package node

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// gatedFs holds Open until gate is closed; for every path, or only for
// the path named by only when it is set.
type gatedFs struct {
	afero.Fs
	gate chan struct{}
	only string
}

func (g *gatedFs) Open(name string) (afero.File, error) {
	if g.only == "" || g.only == name {
		<-g.gate
	}
	return g.Fs.Open(name)
}

func startReactor(t *testing.T, fs afero.Fs, pc PollConfig) (*Reactor, context.CancelFunc, chan error) {
	t.Helper()
	return startReactorWith(t, fs, pc, PoolConfig{Workers: 2, QueueSize: 4}, nil)
}

func startReactorWith(t *testing.T, fs afero.Fs, pc PollConfig, dc PoolConfig, metrics *Metrics) (*Reactor, context.CancelFunc, chan error) {
	t.Helper()

	ep, err := Bind("127.0.0.1", 0)
	require.NoError(t, err)

	r, err := NewReactor(ep, fs, pc, dc, metrics)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	return r, cancel, errCh
}

func waitStopped(t *testing.T, r *Reactor, errCh chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reactor did not stop")
	}
	assert.Equal(t, 0, r.poll.SessionCount())
	assert.Equal(t, 0, r.poll.Registry.Len())
	assert.Equal(t, -1, r.endpoint.Fd())
}

func TestReactorDrainsInFlightSessions(t *testing.T) {
	fs := &gatedFs{Fs: newTestFs(t, map[string]string{"/slow": "slow content"}), gate: make(chan struct{})}
	pc := DefaultPollConfig()
	pc.DrainTimeout = 5 * time.Second
	r, cancel, errCh := startReactor(t, fs, pc)
	defer cancel()

	idle, err := net.Dial("tcp", r.Addr())
	require.NoError(t, err)
	defer idle.Close()

	busy, err := net.Dial("tcp", r.Addr())
	require.NoError(t, err)
	defer busy.Close()
	_, err = busy.Write([]byte("/slow\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.poll.pool.Running() == 1 }, 2*time.Second, time.Millisecond)

	cancel()

	// sessions without a request are closed at once
	assert.Empty(t, readAll(t, idle))

	// the listener is gone
	assert.Eventually(t, func() bool {
		c, err := net.Dial("tcp", r.Addr())
		if err == nil {
			c.Close()
			return false
		}
		return errors.Is(err, syscall.ECONNREFUSED)
	}, 2*time.Second, 5*time.Millisecond)

	close(fs.gate)
	assert.Equal(t, "slow content", string(readAll(t, busy)))

	waitStopped(t, r, errCh)
}

func TestReactorDrainTimeout(t *testing.T) {
	fs := &gatedFs{Fs: newTestFs(t, map[string]string{"/stuck": "never sent"}), gate: make(chan struct{})}
	pc := DefaultPollConfig()
	pc.DrainTimeout = 100 * time.Millisecond
	r, cancel, errCh := startReactor(t, fs, pc)
	defer cancel()

	conn, err := net.Dial("tcp", r.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("/stuck\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.poll.pool.Running() == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	// force-closed once the drain window is over
	assert.Empty(t, readAll(t, conn))

	// the pool still waits for the running read
	close(fs.gate)
	waitStopped(t, r, errCh)
}

func TestReactorBacklogAndReject(t *testing.T) {
	fs := &gatedFs{Fs: newTestFs(t, map[string]string{"/f": "data"}), gate: make(chan struct{})}
	pc := DefaultPollConfig()
	pc.MaxBacklog = 1
	metrics := NewMetrics(prometheus.NewRegistry())

	r, cancel, errCh := startReactorWith(t, fs, pc, PoolConfig{Workers: 1, QueueSize: 1}, metrics)
	defer cancel()

	request := func() net.Conn {
		c, err := net.Dial("tcp", r.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		_, err = c.Write([]byte("/f\n"))
		require.NoError(t, err)
		return c
	}

	running := request()
	require.Eventually(t, func() bool { return r.poll.pool.Running() == 1 }, 2*time.Second, time.Millisecond)
	queued := request()
	require.Eventually(t, func() bool { return r.poll.pool.Queued() == 1 }, 2*time.Second, time.Millisecond)
	backlogged := request()
	require.Eventually(t, func() bool { return testutil.ToFloat64(metrics.backlog) == 1 }, 2*time.Second, time.Millisecond)

	rejected := request()
	assert.Empty(t, readAll(t, rejected))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.aborted.WithLabelValues("rejected")) == 1
	}, time.Second, time.Millisecond)

	close(fs.gate)
	for _, c := range []net.Conn{running, queued, backlogged} {
		assert.Equal(t, "data", string(readAll(t, c)))
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.backlog))

	cancel()
	waitStopped(t, r, errCh)
}

func TestReactorChannelError(t *testing.T) {
	fs := &gatedFs{
		Fs:   newTestFs(t, map[string]string{"/gated": "gated", "/lost": "lost"}),
		gate: make(chan struct{}),
		only: "/gated",
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	r, cancel, errCh := startReactorWith(t, fs, DefaultPollConfig(), PoolConfig{Workers: 1, QueueSize: 1}, metrics)
	defer cancel()

	blocked, err := net.Dial("tcp", r.Addr())
	require.NoError(t, err)
	defer blocked.Close()
	_, err = blocked.Write([]byte("/gated\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.poll.pool.Running() == 1 }, 2*time.Second, time.Millisecond)

	lost, err := net.Dial("tcp", r.Addr())
	require.NoError(t, err)
	defer lost.Close()
	_, err = lost.Write([]byte("/lost\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.poll.pool.Queued() == 1 }, 2*time.Second, time.Millisecond)

	// the job disappears without a record: the loop sees EOF on its notifier
	job := <-r.poll.pool.jobs
	require.NoError(t, job.notifier.Abandon())

	assert.Empty(t, readAll(t, lost))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.aborted.WithLabelValues("channel")) == 1
	}, time.Second, time.Millisecond)

	close(fs.gate)
	assert.Equal(t, "gated", string(readAll(t, blocked)))

	cancel()
	waitStopped(t, r, errCh)
}

func openFds(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}

// Every session outcome closes what it opened: client socket, both notifier
// ends, and at shutdown the listener, eventfd and epoll fd.
func TestReactorClosesEveryDescriptor(t *testing.T) {
	// the runtime network poller keeps its own descriptors once started
	warm, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, warm.Close())

	fs := &gatedFs{
		Fs: newTestFs(t, map[string]string{
			"/a":      "alpha",
			"/empty":  "",
			"/gated":  "gated",
			"/queued": "queued",
		}),
		gate: make(chan struct{}),
		only: "/gated",
	}
	pc := DefaultPollConfig()
	pc.ReadBufferSize = 16
	pc.MaxBacklog = 0
	metrics := NewMetrics(prometheus.NewRegistry())

	base := openFds(t)
	r, cancel, errCh := startReactorWith(t, fs, pc, PoolConfig{Workers: 1, QueueSize: 1}, metrics)
	defer cancel()

	dial := func(request string) net.Conn {
		c, err := net.Dial("tcp", r.Addr())
		require.NoError(t, err)
		_, err = c.Write([]byte(request))
		require.NoError(t, err)
		return c
	}
	fetchOnce := func(request string) []byte {
		c := dial(request)
		defer c.Close()
		return readAll(t, c)
	}

	for i := 0; i < 25; i++ {
		assert.Equal(t, "alpha", string(fetchOnce("/a\n")))
		assert.Empty(t, fetchOnce("/empty\n"))
		assert.Empty(t, fetchOnce("/missing\n"))
		assert.Empty(t, fetchOnce("xxxxxxxxxxxxxxxx"))
		require.NoError(t, dial("/a").Close())
	}

	blocked := dial("/gated\n")
	require.Eventually(t, func() bool { return r.poll.pool.Running() == 1 }, 2*time.Second, time.Millisecond)
	queued := dial("/queued\n")
	require.Eventually(t, func() bool { return r.poll.pool.Queued() == 1 }, 2*time.Second, time.Millisecond)
	assert.Empty(t, fetchOnce("/a\n"))
	close(fs.gate)
	assert.Equal(t, "gated", string(readAll(t, blocked)))
	assert.Equal(t, "queued", string(readAll(t, queued)))
	require.NoError(t, blocked.Close())
	require.NoError(t, queued.Close())

	cancel()
	waitStopped(t, r, errCh)

	assert.Equal(t, float64(25), testutil.ToFloat64(metrics.aborted.WithLabelValues("client_closed")))
	assert.Equal(t, float64(25), testutil.ToFloat64(metrics.aborted.WithLabelValues("protocol")))
	assert.Equal(t, float64(25), testutil.ToFloat64(metrics.aborted.WithLabelValues("disk")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.aborted.WithLabelValues("rejected")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.sessions))
	assert.Eventually(t, func() bool { return openFds(t) == base }, 2*time.Second, 10*time.Millisecond)
}

func TestPollPausesAcceptWhenOutOfDescriptors(t *testing.T) {
	ep, err := Bind("127.0.0.1", 0)
	require.NoError(t, err)
	p, err := NewPoll(ep, newIdlePool(1), DefaultPollConfig(), nil, make(chan struct{}))
	require.NoError(t, err)
	defer p.CloseGracefully()

	conn, err := net.Dial("tcp", ep.String())
	require.NoError(t, err)
	defer conn.Close()

	var limit unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &limit))
	restore := func() { _ = unix.Setrlimit(unix.RLIMIT_NOFILE, &limit) }
	defer restore()
	exhausted := limit
	exhausted.Cur = 0
	require.NoError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &exhausted))
	p.accept()
	restore()

	assert.False(t, p.acceptPausedAt.IsZero())
	assert.False(t, p.Registered(ep.Fd()))
	assert.Equal(t, 0, p.SessionCount())

	// still paused, and the pending connection is still queued
	p.pauseAccept()
	assert.False(t, p.Registered(ep.Fd()))

	// a closing session frees a descriptor and brings the listener back
	var pipe [2]int
	require.NoError(t, unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(pipe[1])
	s := NewSession(ClientHandle{Fd: pipe[0]}, 16)
	require.NoError(t, p.watch(s, pipe[0], false))
	p.closeSession(s, "client_closed", ErrClientClosed)

	assert.True(t, p.acceptPausedAt.IsZero())
	assert.True(t, p.Registered(ep.Fd()))

	p.accept()
	assert.Equal(t, 1, p.SessionCount())
}
