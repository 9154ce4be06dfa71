package feed

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gridflow-lab/gridflow/internal/core/geo"
	"github.com/gridflow-lab/gridflow/internal/emit"
)

func windowAt(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func row(cell geo.Cell, startSec int64, events int64, finalized bool) emit.Row {
	return emit.Row{
		Cell:           cell,
		WindowStart:    windowAt(startSec),
		WindowEnd:      windowAt(startSec + 30),
		EventCount:     events,
		CompletedCount: events,
		TotalFare:      decimal.NewFromInt(events * 10),
		MinFare:        decimal.NewFromInt(10),
		MaxFare:        decimal.NewFromInt(10 * events),
		AvgFare:        decimal.NewFromInt(10),
		LastUpdate:     windowAt(startSec + 20),
		Finalized:      finalized,
		EmittedAt:      windowAt(startSec + 40),
	}
}

func TestStoreLatestNewestFirst(t *testing.T) {
	s := NewStore(0)
	s.Apply([]emit.Row{
		row(geo.Cell{Row: 1, Col: 1}, 0, 2, true),
		row(geo.Cell{Row: 2, Col: 2}, 30, 1, false),
		row(geo.Cell{Row: 1, Col: 2}, 30, 3, false),
	})

	rows := s.Latest(10, false)
	require.Len(t, rows, 3)
	require.Equal(t, windowAt(30), rows[0].WindowStart)
	require.Equal(t, geo.Cell{Row: 1, Col: 2}, rows[0].Cell)
	require.Equal(t, geo.Cell{Row: 2, Col: 2}, rows[1].Cell)
	require.Equal(t, windowAt(0), rows[2].WindowStart)

	require.Len(t, s.Latest(2, false), 2)
}

func TestStoreLatestFinalizedOnly(t *testing.T) {
	s := NewStore(0)
	s.Apply([]emit.Row{
		row(geo.Cell{Row: 1, Col: 1}, 0, 2, true),
		row(geo.Cell{Row: 2, Col: 2}, 30, 1, false),
	})

	rows := s.Latest(10, true)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Finalized)
	require.Equal(t, geo.Cell{Row: 1, Col: 1}, rows[0].Cell)
}

func TestStoreUpsertsByWindow(t *testing.T) {
	s := NewStore(0)
	cell := geo.Cell{Row: 3, Col: 3}

	s.Apply([]emit.Row{row(cell, 0, 1, false)})
	s.Apply([]emit.Row{row(cell, 0, 2, false)})

	rows := s.Latest(10, false)
	require.Len(t, rows, 1)
	require.EqualValues(t, 2, rows[0].EventCount)
}

func TestStoreFinalizedRowImmutable(t *testing.T) {
	s := NewStore(0)
	cell := geo.Cell{Row: 3, Col: 3}

	s.Apply([]emit.Row{row(cell, 0, 3, true)})
	// A replayed provisional snapshot must not regress the final row.
	s.Apply([]emit.Row{row(cell, 0, 1, false)})

	rows := s.Latest(10, false)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Finalized)
	require.EqualValues(t, 3, rows[0].EventCount)
}

func TestStorePrunesOldestWindows(t *testing.T) {
	s := NewStore(2)
	cell := geo.Cell{Row: 0, Col: 0}
	s.Apply([]emit.Row{
		row(cell, 0, 1, true),
		row(cell, 30, 1, true),
		row(cell, 60, 1, true),
		row(cell, 90, 1, true),
	})

	require.Equal(t, 2, s.Len())
	rows := s.Latest(10, false)
	require.Equal(t, windowAt(90), rows[0].WindowStart)
	require.Equal(t, windowAt(60), rows[1].WindowStart)
}

func TestStoreCellHistory(t *testing.T) {
	s := NewStore(0)
	target := geo.Cell{Row: 5, Col: 6}
	s.Apply([]emit.Row{
		row(target, 0, 1, true),
		row(target, 30, 2, false),
		row(geo.Cell{Row: 9, Col: 9}, 30, 7, false),
	})

	rows := s.CellHistory(target, 10)
	require.Len(t, rows, 2)
	require.Equal(t, windowAt(30), rows[0].WindowStart)
	require.Equal(t, windowAt(0), rows[1].WindowStart)

	require.Empty(t, s.CellHistory(geo.Cell{Row: 1, Col: 1}, 10))
}

func TestStoreCitywideRollsUpNewestSpan(t *testing.T) {
	s := NewStore(0)
	s.Apply([]emit.Row{
		// Older span, must be ignored.
		row(geo.Cell{Row: 0, Col: 0}, 0, 9, true),
	})

	a := row(geo.Cell{Row: 1, Col: 1}, 30, 2, false)
	a.MinFare = decimal.NewFromInt(8)
	a.MaxFare = decimal.NewFromInt(12)
	a.TotalFare = decimal.NewFromInt(20)
	b := row(geo.Cell{Row: 2, Col: 2}, 30, 5, false)
	b.MinFare = decimal.NewFromInt(5)
	b.MaxFare = decimal.NewFromInt(30)
	b.TotalFare = decimal.NewFromInt(70)
	s.Apply([]emit.Row{a, b})

	summary, ok := s.Citywide()
	require.True(t, ok)
	require.Equal(t, windowAt(30), summary.WindowStart)
	require.Equal(t, windowAt(60), summary.WindowEnd)
	require.Equal(t, 2, summary.ActiveCells)
	require.EqualValues(t, 7, summary.EventCount)
	require.EqualValues(t, 7, summary.CompletedCount)
	require.True(t, summary.TotalFare.Equal(decimal.NewFromInt(90)))
	require.True(t, summary.MinFare.Equal(decimal.NewFromInt(5)))
	require.True(t, summary.MaxFare.Equal(decimal.NewFromInt(30)))
	require.True(t, summary.AvgFare.Equal(decimal.RequireFromString("12.86")), "avg=%s", summary.AvgFare)
	require.NotNil(t, summary.BusiestCell)
	require.Equal(t, geo.Cell{Row: 2, Col: 2}, *summary.BusiestCell)
}

func TestStoreCitywideEmpty(t *testing.T) {
	s := NewStore(0)
	_, ok := s.Citywide()
	require.False(t, ok)
}
