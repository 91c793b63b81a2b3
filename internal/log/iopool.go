package log

import "sync"

// ioPool bounds the number of goroutines allowed to block on disk I/O at
// once, so the Raft loop and the Dispatcher's connection goroutines never
// pile up directly against the filesystem (spec §5 concurrency model).
// Grounded on friggdb's pool.Pool: a fixed worker count draining a buffered
// job queue, simplified here since callers only need a single error back,
// not an aggregated proto.Message result.
type ioPool struct {
	jobs chan func() error
	wg   sync.WaitGroup
}

// newIOPool starts workers goroutines pulling from a queueDepth-buffered
// channel.
func newIOPool(workers, queueDepth int) *ioPool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = workers * 4
	}
	p := &ioPool{jobs: make(chan func() error, queueDepth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *ioPool) worker() {
	defer p.wg.Done()
	for fn := range p.jobs {
		// the caller blocks on the returned channel, not on this goroutine,
		// so a slow fn only ever stalls its own job slot.
		fn()
	}
}

// Submit runs fn on a pool worker and blocks until it completes, returning
// its error. Blocking here, not goroutine creation, is what keeps callers
// bounded: at most queueDepth submissions can be in flight before Submit
// itself blocks.
func (p *ioPool) Submit(fn func() error) error {
	done := make(chan error, 1)
	p.jobs <- func() error {
		err := fn()
		done <- err
		return err
	}
	return <-done
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (p *ioPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
