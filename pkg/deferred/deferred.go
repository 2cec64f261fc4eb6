// Package deferred models asynchronously-resolvable function references:
// configuration values that arrive as handles and must be resolved (possibly
// suspending) before a chat controller can be constructed. Resolution of a
// set of refs is concurrent and all-or-nothing.
package deferred

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Ref is a deferred reference to a value of type T. A nil Ref resolves to the
// zero value.
type Ref[T any] func(ctx context.Context) (T, error)

// Value lifts a constant into a Ref.
func Value[T any](v T) Ref[T] {
	return func(context.Context) (T, error) { return v, nil }
}

// Resolve invokes the ref, treating nil as "absent".
func (r Ref[T]) Resolve(ctx context.Context) (T, error) {
	if r == nil {
		var zero T
		return zero, nil
	}
	return r(ctx)
}

// Group resolves a set of refs concurrently. The first failure cancels the
// remaining resolutions and Wait reports it; no partial result is usable.
type Group struct {
	eg  *errgroup.Group
	ctx context.Context
}

func NewGroup(ctx context.Context) *Group {
	eg, gctx := errgroup.WithContext(ctx)
	return &Group{eg: eg, ctx: gctx}
}

// Go schedules resolution of ref into dst. dst must stay untouched until Wait
// returns nil. A nil ref leaves dst at its current value.
func Go[T any](g *Group, name string, ref Ref[T], dst *T) {
	if ref == nil {
		return
	}
	g.eg.Go(func() error {
		v, err := ref(g.ctx)
		if err != nil {
			return errors.Wrapf(err, "failed to resolve %s", name)
		}
		*dst = v
		return nil
	})
}

// Wait blocks until every scheduled resolution completed or one failed.
func (g *Group) Wait() error {
	return g.eg.Wait()
}
