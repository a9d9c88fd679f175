// Package events provides an SSE event broadcaster for reloader activity.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/autoreload/internal/diff"
	"github.com/fruitsalade/autoreload/internal/host"
	"github.com/fruitsalade/autoreload/internal/metrics"
)

const (
	EventWorkerStarted    = "worker_started"
	EventWorkerStopped    = "worker_stopped"
	EventChangesDetected  = "changes_detected"
	EventChangesTransient = "changes_transient"
	EventReloadDispatched = "reload_dispatched"
	EventReloadFailed     = "reload_failed"
)

// Event represents one step of the detection loop.
type Event struct {
	Type        string              `json:"type"`
	Instance    string              `json:"instance"`
	Differences []diff.Difference   `json:"differences,omitempty"`
	Request     *host.ChangeRequest `json:"request,omitempty"`
	Error       string              `json:"error,omitempty"`
	Timestamp   int64               `json:"timestamp"`
}

// Broadcaster fans reloader events out to SSE subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]filter
}

// filter is the set of event types a subscriber wants; nil means all.
type filter map[string]struct{}

func (f filter) wants(eventType string) bool {
	if f == nil {
		return true
	}
	_, ok := f[eventType]
	return ok
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]filter),
	}
}

// Subscribe registers a subscriber for the given event types, or for all
// events when none are given. The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(types ...string) chan Event {
	var f filter
	if len(types) > 0 {
		f = make(filter, len(types))
		for _, t := range types {
			f[t] = struct{}{}
		}
	}

	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = f
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish delivers an event to every interested subscriber without
// blocking; a subscriber with a full buffer misses it. A nil broadcaster
// discards everything.
func (b *Broadcaster) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, f := range b.subscribers {
		if !f.wants(event.Type) {
			continue
		}
		select {
		case ch <- event:
		default:
			metrics.RecordSSEDrop()
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
