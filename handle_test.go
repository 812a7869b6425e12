package refshare_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuku/refshare"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newStringFactory(destroyCalls *atomic.Int32, opts ...refshare.Option) *refshare.Factory[string] {
	return refshare.New(
		func(ctx context.Context) (string, error) { return "R", nil },
		func(ctx context.Context, ref string, reason error) error {
			destroyCalls.Add(1)
			return nil
		},
		opts...,
	)
}

func TestHandle_Close(t *testing.T) {
	t.Parallel()

	t.Run("second close returns ErrAlreadyClosed", func(t *testing.T) {
		var destroyCalls atomic.Int32
		factory := newStringFactory(&destroyCalls)

		ctx := context.Background()
		h, err := factory.Open(ctx)
		require.NoError(t, err)

		require.NoError(t, h.Close(ctx))
		err = h.Close(ctx)
		require.ErrorIs(t, err, refshare.ErrAlreadyClosed)
		require.EqualValues(t, 1, destroyCalls.Load(), "double close must not double-release")
	})

	t.Run("handles carry the ref and a unique id", func(t *testing.T) {
		var destroyCalls atomic.Int32
		factory := newStringFactory(&destroyCalls)

		ctx := context.Background()
		a, err := factory.Open(ctx)
		require.NoError(t, err)
		b, err := factory.Open(ctx)
		require.NoError(t, err)

		assert.Equal(t, "R", a.Ref())
		assert.Equal(t, "R", b.Ref())
		assert.NotEmpty(t, a.ID())
		assert.NotEqual(t, a.ID(), b.ID(), "each handle gets its own identity")

		require.NoError(t, a.Close(ctx))
		require.NoError(t, b.Close(ctx))
	})
}

func TestHandle_WithDeferredClose(t *testing.T) {
	t.Parallel()

	t.Run("non-positive delay returns the original handle", func(t *testing.T) {
		var destroyCalls atomic.Int32
		factory := newStringFactory(&destroyCalls)

		h, err := factory.Open(context.Background())
		require.NoError(t, err)
		require.Same(t, h, h.WithDeferredClose(0))
		require.Same(t, h, h.WithDeferredClose(-time.Second))
		require.NoError(t, h.Close(context.Background()))
	})

	t.Run("close returns immediately and releases after the delay", func(t *testing.T) {
		var destroyCalls atomic.Int32
		factory := newStringFactory(&destroyCalls)

		ctx := context.Background()
		h, err := factory.Open(ctx)
		require.NoError(t, err)

		deferred := h.WithDeferredClose(20 * time.Millisecond)
		require.Equal(t, "R", deferred.Ref())

		start := time.Now()
		require.NoError(t, deferred.Close(ctx))
		require.Less(t, time.Since(start), 20*time.Millisecond, "Close should not wait out the grace period")

		assert.Zero(t, destroyCalls.Load(), "resource should still be alive during the grace period")
		assert.Equal(t, 1, factory.NumUsers())

		require.Eventually(t, func() bool {
			return destroyCalls.Load() == 1
		}, time.Second, 5*time.Millisecond, "resource should be released after the delay")
		assert.Zero(t, factory.NumUsers())
	})

	t.Run("grace period allows immediate reuse without recreating", func(t *testing.T) {
		var createCalls, destroyCalls atomic.Int32
		factory := refshare.New(
			func(ctx context.Context) (string, error) {
				createCalls.Add(1)
				return "R", nil
			},
			func(ctx context.Context, ref string, reason error) error {
				destroyCalls.Add(1)
				return nil
			},
		)

		ctx := context.Background()
		h, err := factory.Open(ctx)
		require.NoError(t, err)
		require.NoError(t, h.WithDeferredClose(50*time.Millisecond).Close(ctx))

		// Reopen while the deferred release is still pending; the instance is
		// reused instead of being recreated.
		h2, err := factory.Open(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, createCalls.Load(), "reopen inside the grace period should reuse the instance")

		require.Eventually(t, func() bool {
			return factory.NumUsers() == 1
		}, time.Second, 5*time.Millisecond, "deferred release should eventually drop the extra share")
		assert.Zero(t, destroyCalls.Load(), "h2 still holds the resource")

		require.NoError(t, h2.Close(ctx))
		assert.EqualValues(t, 1, destroyCalls.Load())
	})

	t.Run("deferred release failures go to the logger", func(t *testing.T) {
		core, logs := observer.New(zap.ErrorLevel)
		boom := errors.New("teardown boom")

		factory := refshare.New(
			func(ctx context.Context) (string, error) { return "R", nil },
			func(ctx context.Context, ref string, reason error) error { return boom },
			refshare.WithLogger(zap.New(core)),
		)

		ctx := context.Background()
		h, err := factory.Open(ctx)
		require.NoError(t, err)

		require.NoError(t, h.WithDeferredClose(10*time.Millisecond).Close(ctx), "the deferred close itself must not propagate the failure")

		require.Eventually(t, func() bool {
			return logs.FilterMessage("deferred close failed").Len() == 1
		}, time.Second, 5*time.Millisecond, "the failure should reach the error sink")
	})

	t.Run("closing the original first leaves a single release", func(t *testing.T) {
		core, logs := observer.New(zap.ErrorLevel)
		var destroyCalls atomic.Int32
		factory := newStringFactory(&destroyCalls, refshare.WithLogger(zap.New(core)))

		ctx := context.Background()
		h, err := factory.Open(ctx)
		require.NoError(t, err)

		deferred := h.WithDeferredClose(10 * time.Millisecond)
		require.NoError(t, h.Close(ctx), "direct close of the original handle")
		require.NoError(t, deferred.Close(ctx))

		require.Eventually(t, func() bool {
			return logs.FilterMessage("deferred close failed").Len() == 1
		}, time.Second, 5*time.Millisecond, "the redundant deferred release should be reported, not applied")
		assert.EqualValues(t, 1, destroyCalls.Load(), "the share must be released exactly once")
	})
}
