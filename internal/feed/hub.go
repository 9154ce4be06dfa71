package feed

import (
	"log/slog"
	"sync"
)

const defaultSubscriberBuffer = 16

// Hub fans row updates out to stream subscribers. Slow subscribers lose
// events instead of stalling the pipeline's write path. A subscriber can ask
// for finalized rows only; it then receives the reduced payload and skips
// batches that were entirely provisional.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan []byte]bool // value: finalized rows only
	buffer int
	closed bool
}

// NewHub builds a hub whose subscriber channels buffer the given number of
// payloads.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[chan []byte]bool),
		buffer: buffer,
	}
}

// Subscribe registers a new stream consumer. The returned cancel must be
// called when the consumer goes away.
func (h *Hub) Subscribe(finalizedOnly bool) (<-chan []byte, func()) {
	ch := make(chan []byte, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = finalizedOnly
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers one batch to every subscriber without blocking. payload
// carries every row; finalizedPayload carries the finalized subset and may be
// nil when the batch had none, in which case finalized-only subscribers see
// nothing.
func (h *Hub) Publish(payload, finalizedPayload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	var dropped int
	for ch, finalizedOnly := range h.subs {
		out := payload
		if finalizedOnly {
			if finalizedPayload == nil {
				continue
			}
			out = finalizedPayload
		}
		select {
		case ch <- out:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("[Feed] Dropped stream payloads for slow subscribers", "dropped", dropped)
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}
