package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gridflow-lab/gridflow/internal/emit"
)

// Feed is the dashboard-facing sink: it keeps the latest rows queryable over
// HTTP and pushes every batch to stream subscribers. It never fails a write,
// so it can sit in a fanout next to the durable sink without affecting
// pipeline retries.
type Feed struct {
	info  GridInfo
	store *Store
	hub   *Hub
}

// Options bounds the feed's memory.
type Options struct {
	// MaxRows caps the in-memory row store.
	MaxRows int
	// SubscriberBuffer is the per-subscriber channel depth.
	SubscriberBuffer int
}

// New builds a feed for the given grid geometry.
func New(info GridInfo, opts Options) *Feed {
	return &Feed{
		info:  info,
		store: NewStore(opts.MaxRows),
		hub:   NewHub(opts.SubscriberBuffer),
	}
}

// WriteRows stores the batch and notifies stream subscribers.
func (f *Feed) WriteRows(ctx context.Context, rows []emit.Row) error {
	if len(rows) == 0 {
		return nil
	}
	f.store.Apply(rows)

	now := time.Now().UTC()
	payload, err := json.Marshal(streamEvent{Rows: rows, EmittedAt: now})
	if err != nil {
		slog.Error("[Feed] Failed to encode stream payload", "rows", len(rows), "error", err)
		return nil
	}

	// Finalized-only subscribers get the reduced batch, or nothing when the
	// batch was entirely provisional.
	var finalizedPayload []byte
	if finals := finalizedSubset(rows); len(finals) > 0 {
		if finalizedPayload, err = json.Marshal(streamEvent{Rows: finals, EmittedAt: now}); err != nil {
			slog.Error("[Feed] Failed to encode finalized stream payload", "rows", len(finals), "error", err)
			finalizedPayload = nil
		}
	}

	f.hub.Publish(payload, finalizedPayload)
	return nil
}

func finalizedSubset(rows []emit.Row) []emit.Row {
	var finals []emit.Row
	for _, row := range rows {
		if row.Finalized {
			finals = append(finals, row)
		}
	}
	return finals
}

// Warm seeds the store from persisted rows without waking subscribers.
// Called once at startup so the API is not empty until the first batch.
func (f *Feed) Warm(rows []emit.Row) {
	f.store.Apply(rows)
	if len(rows) > 0 {
		slog.Info("[Feed] Warmed from persisted rows", "rows", len(rows))
	}
}

// Close disconnects all stream subscribers.
func (f *Feed) Close() error {
	f.hub.Close()
	return nil
}
