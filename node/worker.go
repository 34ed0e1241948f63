//go:build linux
// +build linux

package node

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fzft/go-amted/log"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// PoolConfig sizes the disk pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
	// MaxFileSize caps one response buffer; 0 means no cap.
	MaxFileSize int64
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:     8,
		QueueSize:   256,
		MaxFileSize: 1 << 30,
	}
}

// diskJob is everything a worker gets from the loop: the path, the client
// fd it only echoes back, and the notifier whose write end it now owns.
type diskJob struct {
	path     string
	clientFd int
	notifier *Notifier
}

// DiskPool runs blocking file reads on a fixed set of goroutines. Each job
// produces exactly one CompletionRecord on its notifier.
type DiskPool struct {
	config  PoolConfig
	fs      afero.Fs
	metrics *Metrics

	jobs   chan *diskJob
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	reads    atomic.Uint64
	failures atomic.Uint64
	running  atomic.Int64
}

// NewDiskPool starts config.Workers goroutines reading through fs.
func NewDiskPool(fs afero.Fs, config PoolConfig, metrics *Metrics) *DiskPool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 1
	}

	p := &DiskPool{
		config:  config,
		fs:      fs,
		metrics: metrics,
		jobs:    make(chan *diskJob, config.QueueSize),
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit hands job to the pool without blocking. On success the pool owns
// the notifier's write end.
func (p *DiskPool) Submit(job *diskJob) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrPoolFull
	}
}

func (p *DiskPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			p.run(id, job)
		}
	}
}

func (p *DiskPool) run(id int, job *diskJob) {
	p.running.Add(1)
	defer p.running.Add(-1)

	start := time.Now()
	data, err := ReadFile(p.fs, job.path, p.config.MaxFileSize)
	p.metrics.observeDisk(err == nil, len(data), time.Since(start))

	rec := CompletionRecord{ClientFd: job.clientFd, Data: data, OK: err == nil, Err: err}
	if err != nil {
		p.failures.Add(1)
		log.Logger.Debug("disk read failed",
			zap.Int("worker", id), zap.Int("fd", job.clientFd), zap.String("path", job.path), zap.Error(err))
	} else {
		p.reads.Add(1)
	}

	if err := job.notifier.Send(rec); err != nil {
		log.Logger.Warn("failed to send completion record",
			zap.Int("worker", id), zap.Int("fd", job.clientFd), zap.Error(err))
	}
}

// ReadFile reads path into an exactly-sized buffer. A file that shrinks
// while being read is a short read and fails.
func ReadFile(fs afero.Fs, path string, maxSize int64) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiskOpen, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrDiskRead, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrDiskRead, path)
	}

	size := info.Size()
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrAlloc, path, size, maxSize)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDiskRead, path, err)
	}
	return buf, nil
}

// Running is the number of jobs being read right now.
func (p *DiskPool) Running() int64 {
	return p.running.Load()
}

// Queued is the number of submitted jobs no worker has picked up yet.
func (p *DiskPool) Queued() int {
	return len(p.jobs)
}

// Stats returns successful and failed read counts.
func (p *DiskPool) Stats() (reads, failures uint64) {
	return p.reads.Load(), p.failures.Load()
}

// Close stops the workers after their current job and abandons every job
// still queued, so no notifier write end outlives the pool.
func (p *DiskPool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.stopCh)
	p.wg.Wait()

	for {
		select {
		case job := <-p.jobs:
			_ = job.notifier.Abandon()
		default:
			return nil
		}
	}
}
