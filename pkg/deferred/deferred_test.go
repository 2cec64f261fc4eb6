package deferred

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestGroupResolvesConcurrently(t *testing.T) {
	release := make(chan struct{})
	var inFlight atomic.Int32

	slow := func(v string) Ref[string] {
		return func(ctx context.Context) (string, error) {
			inFlight.Add(1)
			select {
			case <-release:
				return v, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	g := NewGroup(context.Background())
	var a, b string
	Go(g, "a", slow("alpha"), &a)
	Go(g, "b", slow("beta"), &b)

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, time.Millisecond,
		"both refs should resolve in flight at once")
	close(release)

	require.NoError(t, g.Wait())
	require.Equal(t, "alpha", a)
	require.Equal(t, "beta", b)
}

func TestGroupFailureIsAllOrNothing(t *testing.T) {
	g := NewGroup(context.Background())

	var id func() string
	Go(g, "id generator", Ref[func() string](func(context.Context) (func() string, error) {
		return nil, errors.New("resolver unavailable")
	}), &id)

	var slowDone atomic.Bool
	var v int
	Go(g, "slow value", Ref[int](func(ctx context.Context) (int, error) {
		<-ctx.Done()
		slowDone.Store(true)
		return 0, ctx.Err()
	}), &v)

	err := g.Wait()
	require.Error(t, err)
	require.Contains(t, err.Error(), "id generator")
	require.True(t, slowDone.Load(), "failure must cancel sibling resolutions")
}

func TestNilRefResolvesToZero(t *testing.T) {
	var r Ref[int]
	v, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Zero(t, v)

	g := NewGroup(context.Background())
	kept := 42
	Go(g, "absent", nil, &kept)
	require.NoError(t, g.Wait())
	require.Equal(t, 42, kept, "nil ref must leave destination untouched")
}

func TestValueLiftsConstants(t *testing.T) {
	v, err := Value("fixed").Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fixed", v)
}
