package reloader

import (
	"sync"
	"time"
)

// stopSignal is a resettable one-shot flag with an interruptible timed
// wait. It is the only suspension point of the worker, used for both the
// detection interval and the debounce delay.
type stopSignal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newStopSignal() *stopSignal {
	return &stopSignal{ch: make(chan struct{})}
}

// Set fires the signal. Safe to call repeatedly.
func (s *stopSignal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

// Clear re-arms the signal. Must not be called while a worker is alive.
func (s *stopSignal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.ch = make(chan struct{})
		s.set = false
	}
}

func (s *stopSignal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel closed once the signal fires.
func (s *stopSignal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks for d or until the signal fires, whichever is first, and
// reports whether the signal fired.
func (s *stopSignal) Wait(d time.Duration) bool {
	done := s.Done()
	if d <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
