package history

import (
	"context"
	"sync"
)

// DefaultLimit is the capacity of a Memory store created with limit <= 0.
const DefaultLimit = 100

// Memory keeps the most recent records in a ring buffer.
type Memory struct {
	mu    sync.RWMutex
	buf   []Record
	next  int
	count int
}

// NewMemory creates a store holding at most limit records.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Memory{buf: make([]Record, limit)}
}

func (m *Memory) Add(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf[m.next] = r
	m.next = (m.next + 1) % len(m.buf)
	if m.count < len(m.buf) {
		m.count++
	}
	return nil
}

func (m *Memory) Recent(ctx context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > m.count {
		limit = m.count
	}
	out := make([]Record, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.buf)) % len(m.buf)
		out = append(out, m.buf[idx])
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
