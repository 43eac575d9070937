// Package fileadapter implements the file-backend Backend Adapter: a
// set of path-level primitives (existence, stat, truncate, fallocate,
// rename, unlink, chmod, read-lines, write-then-rename) each routed
// through a dedicated worker pool keyed by storage domain UUID, so a
// slow or hung NFS mount for one domain cannot stall callers working
// against any other domain.
package fileadapter

import (
	"sync"

	"github.com/cuemby/vstorage/pkg/types"
)

// job is a unit of work submitted to a pool; the pool goroutine runs
// fn and delivers its error to done.
type job struct {
	fn   func() error
	done chan error
}

// Pool is a fixed-size worker pool bound to a single storage domain.
// Calls into it are synchronous from the submitter's perspective: Run
// blocks until the job completes, but the actual I/O happens on a
// pool goroutine so the caller's own goroutine is never the one stuck
// on a hung mount.
type Pool struct {
	sdUUID types.UUID
	jobs   chan job

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewPool starts a pool of n workers for the given storage domain.
func NewPool(sdUUID types.UUID, n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		sdUUID: sdUUID,
		jobs:   make(chan job),
		closed: make(chan struct{}),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			j.done <- j.fn()
		case <-p.closed:
			return
		}
	}
}

// Run submits fn to the pool and blocks until it completes, returning
// its error. It returns an error immediately, without running fn, if
// the pool has been closed.
func (p *Pool) Run(fn func() error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case p.jobs <- j:
	case <-p.closed:
		return errPoolClosed
	}
	select {
	case err := <-j.done:
		return err
	case <-p.closed:
		return errPoolClosed
	}
}

// Close stops accepting new work and waits for in-flight jobs to
// drain. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
	p.wg.Wait()
}
