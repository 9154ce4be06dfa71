package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	errs "github.com/gridflow-lab/gridflow/internal/core/errors"
	"github.com/gridflow-lab/gridflow/internal/core/ride"
	"github.com/gridflow-lab/gridflow/internal/core/window"
	"github.com/gridflow-lab/gridflow/internal/emit"
	"github.com/gridflow-lab/gridflow/internal/normalize"
	"github.com/gridflow-lab/gridflow/internal/observability/metrics"
	"github.com/gridflow-lab/gridflow/internal/sink"
	"github.com/gridflow-lab/gridflow/internal/source"
)

// CheckpointStore persists the watermark between runs so a restarted pipeline
// resumes lateness decisions where it stopped instead of re-opening windows
// it already finalized.
type CheckpointStore interface {
	// SaveWatermark upserts the watermark under the given checkpoint name.
	SaveWatermark(ctx context.Context, name string, wm time.Time) error

	// LoadWatermark returns the saved watermark, or the zero time when no
	// checkpoint exists yet.
	LoadWatermark(ctx context.Context, name string) (time.Time, error)
}

// PipelineOptions tunes the driving loop.
type PipelineOptions struct {
	// BatchInterval is the tick between batches.
	BatchInterval time.Duration

	// RetryBudget is how many times a failed source fetch or sink write is
	// retried with exponential backoff before the pipeline stops.
	RetryBudget uint64

	// CheckpointName namespaces the watermark checkpoint row.
	CheckpointName string

	// DrainTimeout bounds the final flush and checkpoint on shutdown.
	DrainTimeout time.Duration
}

func (o PipelineOptions) normalized() PipelineOptions {
	n := o
	if n.BatchInterval <= 0 {
		n.BatchInterval = time.Second
	}
	if n.RetryBudget == 0 {
		n.RetryBudget = 5
	}
	if n.CheckpointName == "" {
		n.CheckpointName = "gridflow"
	}
	if n.DrainTimeout <= 0 {
		n.DrainTimeout = 30 * time.Second
	}
	return n
}

// Pipeline is the single sequencing authority: one goroutine fetches,
// normalizes, aggregates, emits and commits, batch after batch. All
// parallelism lives inside the aggregator's cell shards.
type Pipeline struct {
	src         source.Source
	normalizer  *normalize.Normalizer
	agg         *Aggregator
	formatter   *emit.Formatter
	out         sink.Sink
	checkpoints CheckpointStore
	opts        PipelineOptions

	wm window.Watermark
}

// NewPipeline wires the stages together. The checkpoint store may be nil when
// running without durable state.
func NewPipeline(
	src source.Source,
	normalizer *normalize.Normalizer,
	agg *Aggregator,
	out sink.Sink,
	checkpoints CheckpointStore,
	opts PipelineOptions,
) *Pipeline {
	if src == nil {
		panic("engine: source must not be nil")
	}
	if normalizer == nil {
		panic("engine: normalizer must not be nil")
	}
	if agg == nil {
		panic("engine: aggregator must not be nil")
	}
	if out == nil {
		panic("engine: sink must not be nil")
	}
	return &Pipeline{
		src:         src,
		normalizer:  normalizer,
		agg:         agg,
		formatter:   emit.NewFormatter(),
		out:         out,
		checkpoints: checkpoints,
		opts:        opts.normalized(),
	}
}

// Watermark returns the pipeline's current watermark.
func (p *Pipeline) Watermark() window.Watermark { return p.wm }

// Run drives batches until the context is cancelled or the retry budget of a
// stage is exhausted. On the way out it flushes provisional snapshots and
// saves the watermark checkpoint.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.seedWatermark(ctx); err != nil {
		return err
	}

	slog.Info("[Pipeline] Starting",
		"batch_interval", p.opts.BatchInterval,
		"mode", p.agg.Mode(),
		"retry_budget", p.opts.RetryBudget,
		"checkpoint", p.opts.CheckpointName,
	)

	ticker := time.NewTicker(p.opts.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.runBatch(ctx); err != nil {
				if ctx.Err() != nil {
					slog.Info("[Pipeline] Stopping (context cancelled mid-batch)")
					p.drain()
					return nil
				}
				slog.Error("[Pipeline] Stopping on fatal batch error", "error", err)
				p.drain()
				return err
			}
		case <-ctx.Done():
			slog.Info("[Pipeline] Stopping (context cancelled)")
			p.drain()
			return nil
		}
	}
}

// runBatch executes one fetch, normalize, aggregate, write, commit cycle.
func (p *Pipeline) runBatch(ctx context.Context) error {
	started := time.Now()

	var raws []ride.RawEvent
	err := p.withRetry(ctx, "source fetch", func() error {
		var ferr error
		raws, ferr = p.src.Fetch(ctx)
		if ferr != nil {
			metrics.IncSourceFetchFailure()
		}
		return ferr
	})
	if err != nil {
		return err
	}
	metrics.AddEventsIngested(len(raws))

	events := make([]ride.Event, 0, len(raws))
	for _, raw := range raws {
		ev, err := p.normalizer.Normalize(raw)
		if err != nil {
			continue // counted and logged by the normalizer
		}
		events = append(events, ev)
	}

	res := p.agg.ProcessBatch(events, p.wm)
	p.wm = res.Watermark

	rows, err := p.formatRows(res.Emissions)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		err := p.withRetry(ctx, "sink write", func() error {
			if werr := p.out.WriteRows(ctx, rows); werr != nil {
				metrics.IncSinkWriteFailure()
				return werr
			}
			return nil
		})
		if err != nil {
			return err
		}
		countRows(rows)
	}

	// Commit only after the rows landed: a crash in between redelivers the
	// batch and the dedup sets absorb the replay.
	if err := p.src.Commit(ctx); err != nil {
		slog.Warn("[Pipeline] Source commit failed, batch will be redelivered", "error", err)
	}

	p.saveCheckpoint(ctx)

	metrics.ObserveBatch(time.Since(started), len(raws))
	if !p.wm.IsZero() {
		metrics.SetWatermarkLag(time.Since(p.wm.Time()))
	}

	if res.Stats.Evicted > 0 {
		slog.Warn("[Pipeline] Evicted oldest windows over retention bound",
			"evicted", res.Stats.Evicted,
			"open_windows", res.Stats.OpenWindows,
		)
	}
	if len(raws) > 0 || len(rows) > 0 {
		slog.Debug("[Pipeline] Batch complete",
			"events", len(raws),
			"merged", res.Stats.Merged,
			"deduped", res.Stats.Deduped,
			"late_dropped", res.Stats.LateDropped,
			"finalized", res.Stats.Finalized,
			"rows", len(rows),
			"watermark", p.wm,
			"duration", time.Since(started),
		)
	}
	return nil
}

// drain flushes provisional snapshots and persists the watermark under a
// fresh timeout, the run context being already cancelled at this point.
func (p *Pipeline) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.DrainTimeout)
	defer cancel()

	flushed := p.agg.FlushOpen()
	switch {
	case len(flushed) > 0:
		rows, ferr := p.formatRows(flushed)
		if ferr != nil {
			slog.Error("[Pipeline] Dropping corrupt snapshots from final flush", "error", ferr)
		}
		if len(rows) == 0 {
			break
		}
		if err := p.out.WriteRows(ctx, rows); err != nil {
			metrics.IncSinkWriteFailure()
			slog.Error("[Pipeline] Final provisional flush failed", "rows", len(rows), "error", err)
		} else {
			countRows(rows)
			slog.Info("[Pipeline] Flushed provisional snapshots", "rows", len(rows))
		}
	case p.agg.OpenWindows() > 0:
		// Append mode never ships provisional rows, the open windows are
		// simply dropped.
		slog.Info("[Pipeline] Discarding open windows on shutdown",
			"windows", p.agg.OpenWindows(),
			"mode", p.agg.Mode(),
		)
	}

	p.saveCheckpoint(ctx)
	slog.Info("[Pipeline] Drain complete", "watermark", p.wm)
}

// formatRows builds output rows. A corrupt snapshot is an invariant
// violation: the first error is returned together with the rows that did
// validate, and Run treats it as fatal.
func (p *Pipeline) formatRows(emissions []Emission) ([]emit.Row, error) {
	rows := make([]emit.Row, 0, len(emissions))
	var firstErr error
	for _, e := range emissions {
		row, err := p.formatter.Format(e.Key, e.Snapshot, e.Finalized)
		if err != nil {
			slog.Error("[Pipeline] Corrupt aggregate snapshot", "window", e.Key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rows = append(rows, row)
	}
	return rows, firstErr
}

func (p *Pipeline) seedWatermark(ctx context.Context) error {
	if p.checkpoints == nil {
		return nil
	}
	t, err := p.checkpoints.LoadWatermark(ctx, p.opts.CheckpointName)
	if err != nil {
		return fmt.Errorf("load watermark checkpoint: %w", err)
	}
	if t.IsZero() {
		slog.Info("[Pipeline] No watermark checkpoint, starting fresh", "checkpoint", p.opts.CheckpointName)
		return nil
	}
	p.wm = window.At(t)
	slog.Info("[Pipeline] Resuming from checkpoint",
		"checkpoint", p.opts.CheckpointName,
		"watermark", p.wm,
	)
	return nil
}

func (p *Pipeline) saveCheckpoint(ctx context.Context) {
	if p.checkpoints == nil || p.wm.IsZero() {
		return
	}
	if err := p.checkpoints.SaveWatermark(ctx, p.opts.CheckpointName, p.wm.Time()); err != nil {
		slog.Warn("[Pipeline] Watermark checkpoint save failed", "error", err)
	}
}

// withRetry runs op under exponential backoff until it succeeds, the context
// ends, or the retry budget runs out. Budget exhaustion wraps ErrRetryBudget
// so Run treats it as fatal.
func (p *Pipeline) withRetry(ctx context.Context, stage string, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := op(); err != nil {
			slog.Warn("[Pipeline] Stage failed, backing off",
				"stage", stage,
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(expo, p.opts.RetryBudget), ctx))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrRetryBudget, stage, err)
}

func countRows(rows []emit.Row) {
	var finals int
	for _, r := range rows {
		if r.Finalized {
			finals++
		}
	}
	metrics.AddRowsEmitted(true, finals)
	metrics.AddRowsEmitted(false, len(rows)-finals)
}
