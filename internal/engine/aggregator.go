package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gridflow-lab/gridflow/internal/core/aggregate"
	"github.com/gridflow-lab/gridflow/internal/core/geo"
	"github.com/gridflow-lab/gridflow/internal/core/partition"
	"github.com/gridflow-lab/gridflow/internal/core/ride"
	"github.com/gridflow-lab/gridflow/internal/core/window"
	"github.com/gridflow-lab/gridflow/internal/observability/metrics"
)

const (
	defaultWorkerCount    = 8
	defaultMaxOpenWindows = 100000
)

// Mode selects the emission policy.
type Mode string

const (
	// ModeUpdate emits a provisional snapshot every time a window changes,
	// plus the final snapshot. Downstream treats rows as upserts.
	ModeUpdate Mode = "update"

	// ModeAppend emits exactly once per window, on finalization.
	ModeAppend Mode = "append"
)

// ParseMode canonicalizes an emission mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeUpdate, ModeAppend:
		return Mode(s), nil
	case "":
		return ModeUpdate, nil
	default:
		return "", fmt.Errorf("unknown emission mode %q", s)
	}
}

// Options controls window geometry, lateness tolerance and throughput of the
// aggregator.
type Options struct {
	WindowLength    time.Duration
	Slide           time.Duration // equal to WindowLength for tumbling
	AllowedLateness time.Duration
	Mode            Mode
	WorkerCount     int
	MaxOpenWindows  int
}

func (o Options) normalized() Options {
	n := o
	if n.Slide <= 0 {
		n.Slide = n.WindowLength
	}
	if n.Mode == "" {
		n.Mode = ModeUpdate
	}
	if n.WorkerCount <= 0 {
		n.WorkerCount = defaultWorkerCount
	}
	if n.MaxOpenWindows <= 0 {
		n.MaxOpenWindows = defaultMaxOpenWindows
	}
	return n
}

// Emission is one snapshot leaving the aggregator, provisional or final.
type Emission struct {
	Key       window.Key
	Snapshot  aggregate.Snapshot
	Finalized bool
}

// BatchStats summarizes what one batch did to the arena.
type BatchStats struct {
	Events      int
	Merged      int
	Deduped     int
	LateDropped int
	Finalized   int
	Evicted     int
	OpenWindows int
}

// BatchResult carries the emissions of one batch together with the advanced
// watermark the caller must thread into the next batch.
type BatchResult struct {
	Emissions []Emission
	Watermark window.Watermark
	Stats     BatchStats
}

// Aggregator is the stateful core: an arena of per-window aggregate states,
// mutated one batch at a time. The driving loop is the only sequencing
// authority; inside a batch, work is sharded by grid cell so no two workers
// ever touch the same window state.
type Aggregator struct {
	assigner *window.Assigner
	lateness time.Duration
	mode     Mode
	workers  int
	maxOpen  int

	arena map[window.Key]*aggregate.State
}

// NewAggregator builds an empty arena with the given options.
func NewAggregator(opts Options) (*Aggregator, error) {
	opts = opts.normalized()
	assigner, err := window.NewAssigner(opts.WindowLength, opts.Slide)
	if err != nil {
		return nil, err
	}
	if opts.AllowedLateness < 0 {
		return nil, fmt.Errorf("allowed lateness must not be negative, got %s", opts.AllowedLateness)
	}
	return &Aggregator{
		assigner: assigner,
		lateness: opts.AllowedLateness,
		mode:     opts.Mode,
		workers:  opts.WorkerCount,
		maxOpen:  opts.MaxOpenWindows,
		arena:    make(map[window.Key]*aggregate.State),
	}, nil
}

// Mode returns the emission policy in effect.
func (a *Aggregator) Mode() Mode { return a.mode }

// OpenWindows returns the arena size.
func (a *Aggregator) OpenWindows() int { return len(a.arena) }

// closed reports whether a window stopped accepting events under wm:
// the watermark has passed window end plus the lateness grace.
func (a *Aggregator) closed(k window.Key, wm window.Watermark) bool {
	return wm.Reached(k.End.Add(a.lateness))
}

// ProcessBatch merges one batch of normalized events under the given
// watermark, advances the watermark from the batch's max event time, and
// finalizes every window the new watermark has passed.
//
// Late events (all assigned windows already closed under wm) are counted and
// dropped, never merged. Redelivered event ids are absorbed by the per-window
// dedup sets. The watermark is an explicit value threaded through each call,
// so tests can drive the arena with arbitrary batches and watermarks.
func (a *Aggregator) ProcessBatch(events []ride.Event, wm window.Watermark) BatchResult {
	stats := BatchStats{Events: len(events)}

	touched, maxEventTime := a.mergeConcurrently(events, wm, &stats)

	// The watermark advances only after every shard has reported its max
	// event timestamp, so a slow shard cannot get its windows finalized
	// under it.
	newWM := wm
	if !maxEventTime.IsZero() {
		newWM = wm.Advance(maxEventTime.Add(-a.lateness))
	}

	var emissions []Emission

	finalized := a.finalizeDue(newWM, &emissions)
	stats.Finalized = len(finalized)

	if a.mode == ModeUpdate {
		for k := range touched {
			if _, done := finalized[k]; done {
				continue
			}
			state, ok := a.arena[k]
			if !ok {
				continue
			}
			emissions = append(emissions, Emission{Key: k, Snapshot: state.Snapshot()})
		}
	}

	stats.Evicted = a.evictOverflow(&emissions)
	stats.OpenWindows = len(a.arena)

	sortEmissions(emissions)

	metrics.AddLateDropped(stats.LateDropped)
	metrics.AddDeduped(stats.Deduped)
	metrics.AddWindowsFinalized(stats.Finalized)
	metrics.AddWindowsEvicted(stats.Evicted)
	metrics.SetWindowsOpen(stats.OpenWindows)

	return BatchResult{Emissions: emissions, Watermark: newWM, Stats: stats}
}

// cellGroup is one shard job: all events of one cell within the batch.
type cellGroup struct {
	cell   geo.Cell
	events []ride.Event
}

// workerResult is what one shard reports back: its partial aggregates plus
// bookkeeping the combine step folds together.
type workerResult struct {
	partials     map[window.Key]*aggregate.State
	maxEventTime time.Time
	merged       int
	deduped      int
	lateDropped  int
}

// mergeConcurrently fans the batch out to cell-sharded workers, combines
// their partial aggregates into the arena, and returns the touched keys and
// the batch's max event timestamp. Cell sharding guarantees the partials of
// different workers cover disjoint windows, and screening ids against the
// arena before merging keeps redelivered events out of the partials, so the
// final combine never double counts.
func (a *Aggregator) mergeConcurrently(events []ride.Event, wm window.Watermark, stats *BatchStats) (map[window.Key]struct{}, time.Time) {
	touched := make(map[window.Key]struct{})
	if len(events) == 0 {
		return touched, time.Time{}
	}

	groups := make(map[geo.Cell][]ride.Event)
	for _, ev := range events {
		groups[ev.PickupCell] = append(groups[ev.PickupCell], ev)
	}

	// Pin each cell to a worker by hash so a window's events always meet in
	// the same shard, batch after batch.
	workerCount := minInt(a.workers, len(groups))
	shards := make([][]cellGroup, workerCount)
	for cell, grouped := range groups {
		idx := partition.For(cell, workerCount)
		shards[idx] = append(shards[idx], cellGroup{cell: cell, events: grouped})
	}

	results := make(chan workerResult, workerCount)
	var wg sync.WaitGroup
	for _, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		wg.Add(1)
		go func(shard []cellGroup) {
			defer wg.Done()
			local := workerResult{partials: make(map[window.Key]*aggregate.State)}
			for _, group := range shard {
				a.mergeGroup(&local, group, wm)
			}
			results <- local
		}(shard)
	}

	wg.Wait()
	close(results)

	var maxEventTime time.Time
	for local := range results {
		for k, st := range local.partials {
			if existing, ok := a.arena[k]; ok {
				existing.Combine(st)
			} else {
				a.arena[k] = st
			}
			touched[k] = struct{}{}
		}
		maxEventTime = maxTime(maxEventTime, local.maxEventTime)
		stats.Merged += local.merged
		stats.Deduped += local.deduped
		stats.LateDropped += local.lateDropped
	}
	return touched, maxEventTime
}

// mergeGroup folds one cell's events into the worker-local partials. Reads
// the arena but never writes it; the combine step owns all arena mutation.
func (a *Aggregator) mergeGroup(local *workerResult, group cellGroup, wm window.Watermark) {
	for _, ev := range group.events {
		local.maxEventTime = maxTime(local.maxEventTime, ev.Timestamp)

		var mergedAny, liveAny bool
		for _, k := range a.assigner.AssignKeys(group.cell, ev.Timestamp) {
			if a.closed(k, wm) {
				continue
			}
			liveAny = true
			if existing, ok := a.arena[k]; ok && existing.Contains(ev.EventID) {
				continue
			}
			partial, ok := local.partials[k]
			if !ok {
				partial = aggregate.NewState()
				local.partials[k] = partial
			}
			if partial.Merge(ev) {
				mergedAny = true
			}
		}

		switch {
		case mergedAny:
			local.merged++
		case liveAny:
			local.deduped++
		default:
			local.lateDropped++
		}
	}
}

// finalizeDue emits a last snapshot for every window whose end plus lateness
// the watermark has reached, and frees its state. Returns the finalized keys.
func (a *Aggregator) finalizeDue(wm window.Watermark, emissions *[]Emission) map[window.Key]struct{} {
	finalized := make(map[window.Key]struct{})
	for k, state := range a.arena {
		if !a.closed(k, wm) {
			continue
		}
		*emissions = append(*emissions, Emission{Key: k, Snapshot: state.Snapshot(), Finalized: true})
		delete(a.arena, k)
		finalized[k] = struct{}{}
	}
	return finalized
}

// evictOverflow enforces the retention bound: when the arena outgrows it,
// the oldest windows by end time are force finalized so memory stays bounded
// against a stream that never closes its windows.
func (a *Aggregator) evictOverflow(emissions *[]Emission) int {
	if len(a.arena) <= a.maxOpen {
		return 0
	}
	keys := make([]window.Key, 0, len(a.arena))
	for k := range a.arena {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].End.Equal(keys[j].End) {
			return keys[i].End.Before(keys[j].End)
		}
		if keys[i].Cell.Row != keys[j].Cell.Row {
			return keys[i].Cell.Row < keys[j].Cell.Row
		}
		return keys[i].Cell.Col < keys[j].Cell.Col
	})

	evict := len(a.arena) - a.maxOpen
	for _, k := range keys[:evict] {
		*emissions = append(*emissions, Emission{Key: k, Snapshot: a.arena[k].Snapshot(), Finalized: true})
		delete(a.arena, k)
	}
	return evict
}

// FlushOpen snapshots every live window without freeing it. Used on shutdown
// and on fatal stops so update-mode consumers hold the freshest provisional
// rows. Append-mode consumers only ever see finalized rows, so there is
// nothing to flush for them.
func (a *Aggregator) FlushOpen() []Emission {
	if a.mode != ModeUpdate {
		return nil
	}
	emissions := make([]Emission, 0, len(a.arena))
	for k, state := range a.arena {
		emissions = append(emissions, Emission{Key: k, Snapshot: state.Snapshot()})
	}
	sortEmissions(emissions)
	return emissions
}

func sortEmissions(emissions []Emission) {
	sort.Slice(emissions, func(i, j int) bool {
		a, b := emissions[i].Key, emissions[j].Key
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Cell.Row != b.Cell.Row {
			return a.Cell.Row < b.Cell.Row
		}
		if a.Cell.Col != b.Cell.Col {
			return a.Cell.Col < b.Cell.Col
		}
		return !emissions[i].Finalized && emissions[j].Finalized
	})
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
