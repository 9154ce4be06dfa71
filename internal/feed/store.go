package feed

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/internal/core/geo"
	"github.com/gridflow-lab/gridflow/internal/core/window"
	"github.com/gridflow-lab/gridflow/internal/emit"
)

const (
	defaultMaxRows = 10000
	defaultLimit   = 100
	maxLimit       = 1000
)

// Store keeps the latest row per (cell, window) in memory for the dashboard
// read path. Finalized rows are immutable here for the same reason they are
// in the database: a replayed provisional row must not regress a final one.
type Store struct {
	mu      sync.RWMutex
	rows    map[window.Key]emit.Row
	maxRows int
}

// NewStore builds an empty store bounded to maxRows entries.
func NewStore(maxRows int) *Store {
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	return &Store{
		rows:    make(map[window.Key]emit.Row),
		maxRows: maxRows,
	}
}

func rowKey(row emit.Row) window.Key {
	return window.Key{
		Cell: row.Cell,
		Span: window.Span{Start: row.WindowStart, End: row.WindowEnd},
	}
}

// Apply upserts a batch of rows and prunes the oldest windows beyond the
// bound.
func (s *Store) Apply(rows []emit.Row) {
	if len(rows) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		k := rowKey(row)
		if existing, ok := s.rows[k]; ok && existing.Finalized && !row.Finalized {
			continue
		}
		s.rows[k] = row
	}
	s.prune()
}

// prune drops the oldest windows by end time until the bound holds.
// Caller holds the write lock.
func (s *Store) prune() {
	overflow := len(s.rows) - s.maxRows
	if overflow <= 0 {
		return
	}
	keys := make([]window.Key, 0, len(s.rows))
	for k := range s.rows {
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
	for _, k := range keys[:overflow] {
		delete(s.rows, k)
	}
}

// Latest returns up to limit rows, newest window first. With finalizedOnly
// set, provisional rows are filtered out.
func (s *Store) Latest(limit int, finalizedOnly bool) []emit.Row {
	limit = clampLimit(limit)

	s.mu.RLock()
	out := make([]emit.Row, 0, len(s.rows))
	for _, row := range s.rows {
		if finalizedOnly && !row.Finalized {
			continue
		}
		out = append(out, row)
	}
	s.mu.RUnlock()

	sortRows(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CellHistory returns up to limit rows for one cell, newest window first.
func (s *Store) CellHistory(cell geo.Cell, limit int) []emit.Row {
	limit = clampLimit(limit)

	s.mu.RLock()
	var out []emit.Row
	for _, row := range s.rows {
		if row.Cell == cell {
			out = append(out, row)
		}
	}
	s.mu.RUnlock()

	sortRows(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Citywide sums the most recent window span across every cell. The second
// return is false when the store is empty.
func (s *Store) Citywide() (CitySummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.rows) == 0 {
		return CitySummary{}, false
	}

	// Find the newest span, then fold its cells.
	var latest window.Span
	for k := range s.rows {
		if k.Start.After(latest.Start) {
			latest = k.Span
		}
	}

	summary := CitySummary{
		WindowStart: latest.Start,
		WindowEnd:   latest.End,
		TotalFare:   decimal.Zero,
	}
	var initialized bool
	var busiest geo.Cell
	var busiestCount int64 = -1

	for k, row := range s.rows {
		if !k.Start.Equal(latest.Start) || !k.End.Equal(latest.End) {
			continue
		}
		summary.ActiveCells++
		summary.EventCount += row.EventCount
		summary.CompletedCount += row.CompletedCount
		summary.TotalFare = summary.TotalFare.Add(row.TotalFare)

		if row.CompletedCount > 0 {
			if !initialized || row.MinFare.LessThan(summary.MinFare) {
				summary.MinFare = row.MinFare
			}
			if !initialized || row.MaxFare.GreaterThan(summary.MaxFare) {
				summary.MaxFare = row.MaxFare
			}
			initialized = true
		}

		if row.EventCount > busiestCount ||
			(row.EventCount == busiestCount && lessCell(k.Cell, busiest)) {
			busiest = k.Cell
			busiestCount = row.EventCount
		}
	}

	if summary.CompletedCount > 0 {
		summary.AvgFare = summary.TotalFare.Div(decimal.NewFromInt(summary.CompletedCount)).Round(2)
	}
	if busiestCount >= 0 {
		cell := busiest
		summary.BusiestCell = &cell
	}
	return summary, true
}

// Len reports how many rows are held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func sortRows(rows []emit.Row) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].WindowStart.Equal(rows[j].WindowStart) {
			return rows[i].WindowStart.After(rows[j].WindowStart)
		}
		if rows[i].Cell.Row != rows[j].Cell.Row {
			return rows[i].Cell.Row < rows[j].Cell.Row
		}
		return rows[i].Cell.Col < rows[j].Cell.Col
	})
}

func lessCell(a, b geo.Cell) bool {
	if a.Row != b.Row {
		return a.Row < b.Row
	}
	return a.Col < b.Col
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
