// Package executor runs submitted tasks one at a time on a single
// goroutine. It is the serialized execution context of the in-process host.
package executor

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/logging"
)

type task struct {
	fn   func()
	done chan struct{}
}

// Executor drains a bounded task queue on one worker goroutine.
type Executor struct {
	queue chan task
	quit  chan struct{}
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

// New creates an executor with the given queue capacity.
func New(queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Executor{
		queue: make(chan task, queueSize),
		quit:  make(chan struct{}),
	}
}

// Start launches the worker goroutine. Calling Start twice is a no-op.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	e.wg.Add(1)
	go e.worker()
}

// Stop waits for the running task, then drops queued tasks without
// running them.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.quit)
	e.mu.Unlock()

	e.wg.Wait()

	for {
		select {
		case t := <-e.queue:
			close(t.done)
		default:
			return
		}
	}
}

// Schedule queues fn. The returned channel is closed after fn returns, or
// immediately if the executor is stopped.
func (e *Executor) Schedule(fn func()) <-chan struct{} {
	t := task{fn: fn, done: make(chan struct{})}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		close(t.done)
		return t.done
	}

	select {
	case e.queue <- t:
	case <-e.quit:
		close(t.done)
	}
	return t.done
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case t := <-e.queue:
			e.run(t)
		case <-e.quit:
			return
		}
	}
}

func (e *Executor) run(t task) {
	defer close(t.done)
	defer func() {
		if p := recover(); p != nil {
			logging.Error("executor task panicked", zap.String("panic", fmt.Sprint(p)))
		}
	}()
	t.fn()
}
