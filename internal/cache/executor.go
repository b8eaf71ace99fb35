package cache

import "sync"

// executor serializes all storage work for one store instance through a
// single worker goroutine. The underlying connection objects are not
// safely shared across goroutines, so two callers never interleave
// operations on the same store; a second call queues behind the first.
type executor struct {
	jobs     chan func()
	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
}

func newExecutor() *executor {
	e := &executor{jobs: make(chan func())}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for fn := range e.jobs {
			fn()
		}
	}()
	return e
}

// do runs fn on the worker and waits for it to finish. Returns false when
// the executor has been closed.
func (e *executor) do(fn func()) bool {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return false
	}
	done := make(chan struct{})
	e.jobs <- func() {
		defer close(done)
		fn()
	}
	e.closeMu.Unlock()
	<-done
	return true
}

func (e *executor) close() {
	e.closeMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.jobs)
	}
	e.closeMu.Unlock()
	e.wg.Wait()
}
