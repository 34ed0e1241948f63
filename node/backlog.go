//go:build linux
// +build linux

package node

import (
	"errors"

	"github.com/eapache/queue"
)

// backlog holds disk jobs that found the pool queue full. It is owned by the
// event loop, as are the jobs in it until they reach the pool.
type backlog struct {
	q   *queue.Queue
	max int
}

func newBacklog(max int) *backlog {
	return &backlog{q: queue.New(), max: max}
}

func (b *backlog) Len() int {
	return b.q.Length()
}

// push appends job, reporting false when the backlog is at capacity.
func (b *backlog) push(job *diskJob) bool {
	if b.q.Length() >= b.max {
		return false
	}
	b.q.Add(job)
	return true
}

// flush moves jobs into pool in FIFO order until the pool is full again.
func (b *backlog) flush(pool *DiskPool) (int, error) {
	moved := 0
	for b.q.Length() > 0 {
		job := b.q.Peek().(*diskJob)
		if err := pool.Submit(job); err != nil {
			if errors.Is(err, ErrPoolFull) {
				return moved, nil
			}
			return moved, err
		}
		b.q.Remove()
		moved++
	}
	return moved, nil
}

// drain empties the backlog, handing every job to fn.
func (b *backlog) drain(fn func(*diskJob)) {
	for b.q.Length() > 0 {
		fn(b.q.Remove().(*diskJob))
	}
}
