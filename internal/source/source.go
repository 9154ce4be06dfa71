package source

import (
	"context"

	"github.com/gridflow-lab/gridflow/internal/core/ride"
)

// Source is one upstream of raw ride events. Implementations batch for the
// pipeline: Fetch hands over everything currently pending, Commit
// acknowledges it upstream once the batch has been durably written downstream.
type Source interface {
	// Fetch returns the next batch of raw events. An empty batch with a nil
	// error means nothing is pending right now.
	Fetch(ctx context.Context) ([]ride.RawEvent, error)

	// Commit acknowledges every event returned by Fetch since the previous
	// Commit. Called only after the downstream write succeeded, so a crash
	// between Fetch and Commit redelivers instead of losing events.
	Commit(ctx context.Context) error

	Close() error
}
