package aggregate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/internal/core/ride"
)

// State holds the running ride statistics of one aggregation bucket
// (one grid cell crossed with one window span). Counts, sum, min and max are
// commutative and associative, so states built from disjoint slices of the
// stream combine into the same result as a single sequential fold.
//
// A State is not safe for concurrent use; the engine shards events by cell so
// no two workers ever touch the same bucket.
type State struct {
	// EventCount counts every distinct event merged, any status.
	EventCount int64

	// CompletedCount counts distinct completed events; only those carry a
	// fare, so fare statistics are over this population.
	CompletedCount int64

	TotalFare decimal.Decimal
	MinFare   decimal.Decimal
	MaxFare   decimal.Decimal

	// LastUpdate is the latest event time merged so far.
	LastUpdate time.Time

	// seen is the event-id dedup set. Merging the same event id twice is a
	// no-op, which makes redelivery from an at-least-once transport safe.
	seen map[string]struct{}
}

// NewState returns an empty bucket state.
func NewState() *State {
	return &State{
		TotalFare: decimal.Zero,
		MinFare:   decimal.Zero,
		MaxFare:   decimal.Zero,
		seen:      make(map[string]struct{}),
	}
}

// Merge folds one event into the state and reports whether it was new.
// Duplicate event ids are no-ops.
func (s *State) Merge(ev ride.Event) bool {
	if _, dup := s.seen[ev.EventID]; dup {
		return false
	}
	s.seen[ev.EventID] = struct{}{}

	s.EventCount++
	if ev.Timestamp.After(s.LastUpdate) {
		s.LastUpdate = ev.Timestamp
	}
	if ev.Completed() {
		if s.CompletedCount == 0 {
			s.MinFare = ev.Fare
			s.MaxFare = ev.Fare
		} else {
			s.MinFare = decimal.Min(s.MinFare, ev.Fare)
			s.MaxFare = decimal.Max(s.MaxFare, ev.Fare)
		}
		s.CompletedCount++
		s.TotalFare = s.TotalFare.Add(ev.Fare)
	}
	return true
}

// Contains reports whether the event id has already been merged.
func (s *State) Contains(eventID string) bool {
	_, ok := s.seen[eventID]
	return ok
}

// Combine folds other into s. The two states must cover disjoint event sets:
// the dedup set does not reach across states, so overlapping inputs would
// double count. The engine guarantees disjointness by screening every event
// against the bucket before it enters a partial.
func (s *State) Combine(other *State) {
	if other == nil {
		return
	}
	s.EventCount += other.EventCount
	if other.CompletedCount > 0 {
		if s.CompletedCount == 0 {
			s.MinFare = other.MinFare
			s.MaxFare = other.MaxFare
		} else {
			s.MinFare = decimal.Min(s.MinFare, other.MinFare)
			s.MaxFare = decimal.Max(s.MaxFare, other.MaxFare)
		}
		s.CompletedCount += other.CompletedCount
		s.TotalFare = s.TotalFare.Add(other.TotalFare)
	}
	if other.LastUpdate.After(s.LastUpdate) {
		s.LastUpdate = other.LastUpdate
	}
	for id := range other.seen {
		s.seen[id] = struct{}{}
	}
}

// Snapshot copies the statistics for emission. The dedup set stays behind:
// snapshots are plain values, safe to hand to sinks and feeds.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		EventCount:     s.EventCount,
		CompletedCount: s.CompletedCount,
		TotalFare:      s.TotalFare,
		MinFare:        s.MinFare,
		MaxFare:        s.MaxFare,
		LastUpdate:     s.LastUpdate,
	}
}

// Snapshot is the immutable view of a bucket handed to emitters.
type Snapshot struct {
	EventCount     int64
	CompletedCount int64
	TotalFare      decimal.Decimal
	MinFare        decimal.Decimal
	MaxFare        decimal.Decimal
	LastUpdate     time.Time
}

// AvgFare is the mean completed fare rounded to cents, zero when no ride
// completed in the bucket.
func (sn Snapshot) AvgFare() decimal.Decimal {
	if sn.CompletedCount == 0 {
		return decimal.Zero
	}
	return sn.TotalFare.Div(decimal.NewFromInt(sn.CompletedCount)).Round(2)
}

// Validate checks the arithmetic invariants a healthy bucket always holds.
func (sn Snapshot) Validate() error {
	if sn.EventCount < 0 || sn.CompletedCount < 0 {
		return fmt.Errorf("negative count: events=%d completed=%d", sn.EventCount, sn.CompletedCount)
	}
	if sn.CompletedCount > sn.EventCount {
		return fmt.Errorf("completed count %d exceeds event count %d", sn.CompletedCount, sn.EventCount)
	}
	if sn.CompletedCount > 0 && sn.MinFare.GreaterThan(sn.MaxFare) {
		return fmt.Errorf("min fare %s exceeds max fare %s", sn.MinFare, sn.MaxFare)
	}
	return nil
}
