package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/internal/core/geo"
	"github.com/gridflow-lab/gridflow/internal/emit"
)

// Store persists aggregate rows and the watermark checkpoint in PostgreSQL.
//
// Rows are keyed by (cell, window): redelivered provisional rows overwrite
// each other, and a finalized row is immutable, the upsert refuses to touch
// it again. That keeps crash replays from regressing a final row to an older
// provisional snapshot.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open connection pool. The pool stays owned by the caller.
func NewStore(db *sql.DB) *Store {
	if db == nil {
		panic("postgres: db must not be nil")
	}
	return &Store{db: db}
}

// WriteRows upserts one batch of aggregate rows in a single transaction, so
// a batch lands all or nothing and a retry after a mid-batch crash is safe.
func (s *Store) WriteRows(ctx context.Context, rows []emit.Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("aggregate write: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, queryUpsertAggregate)
	if err != nil {
		return fmt.Errorf("aggregate write: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.Cell.Row,
			row.Cell.Col,
			row.WindowStart,
			row.WindowEnd,
			row.EventCount,
			row.CompletedCount,
			row.TotalFare,
			row.MinFare,
			row.MaxFare,
			row.AvgFare,
			row.LastUpdate,
			row.Finalized,
			row.EmittedAt,
		); err != nil {
			return fmt.Errorf("aggregate write: upsert %s [%s, %s): %w",
				row.Cell, row.WindowStart.Format(time.RFC3339), row.WindowEnd.Format(time.RFC3339), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("aggregate write: commit: %w", err)
	}

	slog.Debug("[AggregateStore] Wrote rows", "rows", len(rows))
	return nil
}

// LatestRows returns the most recent aggregate rows, newest window first.
// The feed warms its in-memory state from this after a restart.
func (s *Store) LatestRows(ctx context.Context, limit int) ([]emit.Row, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, queryLatestAggregates, limit)
	if err != nil {
		return nil, fmt.Errorf("latest aggregates: %w", err)
	}
	defer rows.Close()

	var out []emit.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("latest aggregates: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("latest aggregates: iterate rows: %w", err)
	}
	return out, nil
}

// SaveWatermark upserts the checkpoint. GREATEST in the conflict arm keeps
// the stored watermark monotonic even if a stale writer shows up.
func (s *Store) SaveWatermark(ctx context.Context, name string, wm time.Time) error {
	if _, err := s.db.ExecContext(ctx, queryUpsertWatermark, name, wm.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("save watermark %q: %w", name, err)
	}
	return nil
}

// LoadWatermark reads the checkpoint back. A missing row means a fresh
// deployment: the zero time and no error.
func (s *Store) LoadWatermark(ctx context.Context, name string) (time.Time, error) {
	var wm time.Time
	err := s.db.QueryRowContext(ctx, queryReadWatermark, name).Scan(&wm)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load watermark %q: %w", name, err)
	}
	return wm.UTC(), nil
}

// Close is a no-op: the connection pool is shared with the HTTP server and
// closed by the owner.
func (s *Store) Close() error { return nil }

func scanRow(rows *sql.Rows) (emit.Row, error) {
	var row emit.Row
	var cellRow, cellCol int
	var totalFare, minFare, maxFare, avgFare string
	if err := rows.Scan(
		&cellRow,
		&cellCol,
		&row.WindowStart,
		&row.WindowEnd,
		&row.EventCount,
		&row.CompletedCount,
		&totalFare,
		&minFare,
		&maxFare,
		&avgFare,
		&row.LastUpdate,
		&row.Finalized,
		&row.EmittedAt,
	); err != nil {
		return emit.Row{}, fmt.Errorf("scan row: %w", err)
	}
	row.Cell = geo.Cell{Row: cellRow, Col: cellCol}

	var err error
	if row.TotalFare, err = decimal.NewFromString(totalFare); err != nil {
		return emit.Row{}, fmt.Errorf("parse total_fare %q: %w", totalFare, err)
	}
	if row.MinFare, err = decimal.NewFromString(minFare); err != nil {
		return emit.Row{}, fmt.Errorf("parse min_fare %q: %w", minFare, err)
	}
	if row.MaxFare, err = decimal.NewFromString(maxFare); err != nil {
		return emit.Row{}, fmt.Errorf("parse max_fare %q: %w", maxFare, err)
	}
	if row.AvgFare, err = decimal.NewFromString(avgFare); err != nil {
		return emit.Row{}, fmt.Errorf("parse avg_fare %q: %w", avgFare, err)
	}
	return row, nil
}
