package sink

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/gridflow-lab/gridflow/internal/emit"
)

// Sink receives aggregate rows from the pipeline. Implementations must treat
// redelivered rows as upserts keyed by (cell, window): the pipeline retries
// whole batches, so the same row can arrive more than once.
type Sink interface {
	WriteRows(ctx context.Context, rows []emit.Row) error
	Close() error
}

// Fanout writes every batch to several sinks. All sinks are attempted even
// when one fails, so a broken dashboard feed cannot starve the database.
type Fanout struct {
	sinks []Sink
}

// NewFanout wraps the given sinks. A single sink passes through untouched.
func NewFanout(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &Fanout{sinks: sinks}
}

func (f *Fanout) WriteRows(ctx context.Context, rows []emit.Row) error {
	var errs *multierror.Error
	for _, s := range f.sinks {
		if err := s.WriteRows(ctx, rows); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (f *Fanout) Close() error {
	var errs *multierror.Error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
