package events

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Multi publishes to every sink in order. A failing sink does not stop the
// others; their errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev StepEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var g errgroup.Group
	errs := make([]error, len(m))
	for i, p := range m {
		i, p := i, p
		g.Go(func() error {
			errs[i] = p.Close()
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
