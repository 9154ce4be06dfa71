package source

import (
	"context"
	"sync"

	"github.com/gridflow-lab/gridflow/internal/core/ride"
)

const defaultMaxBatch = 4096

// Memory is an in-process Source backed by a buffer. The embedded simulator
// pushes into it when the pipeline runs without a broker, and tests use it to
// script exact batch contents.
type Memory struct {
	mu       sync.Mutex
	buf      []ride.RawEvent
	maxBatch int
	closed   bool
}

// NewMemory builds a buffer source that hands out at most maxBatch events per
// Fetch.
func NewMemory(maxBatch int) *Memory {
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	return &Memory{maxBatch: maxBatch}
}

// Push appends events to the buffer. Safe for concurrent producers. Events
// pushed after Close are dropped.
func (m *Memory) Push(events ...ride.RawEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.buf = append(m.buf, events...)
}

// Fetch pops up to maxBatch buffered events. Never blocks.
func (m *Memory) Fetch(ctx context.Context) ([]ride.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buf) == 0 {
		return nil, nil
	}
	n := len(m.buf)
	if n > m.maxBatch {
		n = m.maxBatch
	}
	out := make([]ride.RawEvent, n)
	copy(out, m.buf[:n])
	m.buf = m.buf[n:]
	return out, nil
}

// Commit is a no-op: buffered events are gone once fetched.
func (m *Memory) Commit(ctx context.Context) error { return nil }

// Close drops the buffer and refuses further pushes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.buf = nil
	return nil
}

// Pending reports how many events are buffered. Test helper.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf)
}
