package async

import (
	"runtime/debug"
	"sync"
)

// Runner executes callbacks sequentially in a dedicated goroutine.
// It provides FIFO ordering, panic recovery, and graceful shutdown. Each
// channel funnels its user-facing callbacks through one Runner so that
// nothing for a given channel runs interleaved.
type Runner struct {
	taskCh     chan func()
	done       chan struct{}
	workerDone chan struct{}
	onPanic    func(r any, stack []byte)
	once       sync.Once
}

// NewRunner creates a Runner with the given buffer size.
// onPanic is called when a callback panics; if nil, panics are silently
// recovered.
func NewRunner(bufferSize int, onPanic func(r any, stack []byte)) *Runner {
	if bufferSize < 0 {
		bufferSize = 0
	}
	r := &Runner{
		taskCh:     make(chan func(), bufferSize),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
		onPanic:    onPanic,
	}
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer close(r.workerDone)
	for {
		select {
		case f := <-r.taskCh:
			r.run(f)
		case <-r.done:
			// Drain whatever was accepted before Stop.
			for {
				select {
				case f := <-r.taskCh:
					r.run(f)
				default:
					return
				}
			}
		}
	}
}

func (r *Runner) run(f func()) {
	defer func() {
		if rec := recover(); rec != nil && r.onPanic != nil {
			r.onPanic(rec, debug.Stack())
		}
	}()
	f()
}

// Enqueue adds a callback to be executed. It returns false if the runner is
// stopped; an accepted callback runs even if Stop is called afterwards.
func (r *Runner) Enqueue(f func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.taskCh <- f:
		return true
	case <-r.done:
		return false
	}
}

// Stop signals the runner to stop without waiting. Accepted callbacks are
// still drained by the worker before it exits. Safe to call multiple times
// and safe to call from within a callback.
func (r *Runner) Stop() {
	r.once.Do(func() {
		close(r.done)
	})
}

// Wait blocks until the worker goroutine has exited. Must not be called from
// within a callback.
func (r *Runner) Wait() {
	<-r.workerDone
}
