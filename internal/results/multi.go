package results

import (
	"context"
	"errors"

	"github.com/iishyfishyy/fewshot/internal/experiment"
)

// MultiSink fans every call out to each sink in order. Errors are joined; a
// failed Persist on any sink fails the cell.
type MultiSink []experiment.Sink

var _ experiment.Sink = MultiSink(nil)

func (m MultiSink) Begin(ctx context.Context, info experiment.RunInfo, cells []experiment.Cell) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Begin(ctx, info, cells))
	}
	return errors.Join(errs...)
}

func (m MultiSink) Persist(ctx context.Context, info experiment.RunInfo, r experiment.CellResult) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Persist(ctx, info, r))
	}
	return errors.Join(errs...)
}

func (m MultiSink) Update(ctx context.Context, info experiment.RunInfo, c experiment.Cell) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Update(ctx, info, c))
	}
	return errors.Join(errs...)
}

func (m MultiSink) Finish(ctx context.Context, info experiment.RunInfo, cells []experiment.Cell) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Finish(ctx, info, cells))
	}
	return errors.Join(errs...)
}
