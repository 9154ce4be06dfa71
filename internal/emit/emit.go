package emit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/internal/core/aggregate"
	errs "github.com/gridflow-lab/gridflow/internal/core/errors"
	"github.com/gridflow-lab/gridflow/internal/core/geo"
	"github.com/gridflow-lab/gridflow/internal/core/window"
)

// Row is one output record: the window key flattened for sinks, the
// aggregate statistics, the finalization flag and a wall-clock emission
// timestamp. Downstream consumers treat rows as upserts keyed by
// (cell, window_start, window_end); a finalized row is the last word on its
// key.
type Row struct {
	Cell        geo.Cell  `json:"cell"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	EventCount     int64           `json:"event_count"`
	CompletedCount int64           `json:"completed_count"`
	TotalFare      decimal.Decimal `json:"total_fare"`
	MinFare        decimal.Decimal `json:"min_fare"`
	MaxFare        decimal.Decimal `json:"max_fare"`
	AvgFare        decimal.Decimal `json:"avg_fare"`

	LastUpdate time.Time `json:"last_update"`
	Finalized  bool      `json:"finalized"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Key reconstructs the upsert key of the row.
func (r Row) Key() window.Key {
	return window.Key{Cell: r.Cell, Span: window.Span{Start: r.WindowStart, End: r.WindowEnd}}
}

// Formatter turns aggregate snapshots into output rows. Stateless apart from
// the clock.
type Formatter struct {
	now func() time.Time
}

func NewFormatter() *Formatter {
	return &Formatter{now: time.Now}
}

// Format builds the output row for one bucket. A snapshot that fails its
// arithmetic invariants is an internal fault, reported as errs.ErrInvariant;
// the pipeline treats that as fatal rather than recoverable.
func (f *Formatter) Format(key window.Key, snap aggregate.Snapshot, finalized bool) (Row, error) {
	if err := snap.Validate(); err != nil {
		return Row{}, fmt.Errorf("%w: window %s: %v", errs.ErrInvariant, key, err)
	}
	return Row{
		Cell:           key.Cell,
		WindowStart:    key.Start,
		WindowEnd:      key.End,
		EventCount:     snap.EventCount,
		CompletedCount: snap.CompletedCount,
		TotalFare:      snap.TotalFare,
		MinFare:        snap.MinFare,
		MaxFare:        snap.MaxFare,
		AvgFare:        snap.AvgFare(),
		LastUpdate:     snap.LastUpdate,
		Finalized:      finalized,
		EmittedAt:      f.clock(),
	}, nil
}

func (f *Formatter) clock() time.Time {
	if f.now == nil {
		return time.Now().UTC()
	}
	return f.now().UTC()
}
