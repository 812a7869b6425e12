package refshare

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handle is one caller's share of a resource managed by a Factory. The
// resource stays alive at least until every outstanding handle is closed.
type Handle[T any] struct {
	id      string
	ref     T
	logger  *zap.Logger
	release func(ctx context.Context, reason error) error

	mu     sync.Mutex
	closed bool
}

func newHandle[T any](ref T, logger *zap.Logger, release func(ctx context.Context, reason error) error) *Handle[T] {
	return &Handle[T]{
		id:      uuid.NewString(),
		ref:     ref,
		logger:  logger,
		release: release,
	}
}

// Ref returns the shared resource value. It remains valid until the handle
// is closed.
func (h *Handle[T]) Ref() T {
	return h.ref
}

// ID returns the unique identifier of the handle.
func (h *Handle[T]) ID() string {
	return h.id
}

// Close releases the handle's share of the resource. If this was the last
// outstanding handle, the underlying resource is destroyed before Close
// returns, and any destroy error is returned here. Closing the same handle
// twice returns ErrAlreadyClosed.
func (h *Handle[T]) Close(ctx context.Context) error {
	return h.CloseWithError(ctx, nil)
}

// CloseWithError is like Close but passes reason to the destroy function if
// this close triggers the teardown. A nil reason indicates a normal close.
func (h *Handle[T]) CloseWithError(ctx context.Context, reason error) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrAlreadyClosed
	}
	h.closed = true
	h.mu.Unlock()
	return h.release(ctx, reason)
}

// WithDeferredClose returns a handle over the same resource whose Close
// schedules the real release after delay and returns immediately. This keeps
// the resource alive briefly after last use in case of imminent reuse,
// without making the closer wait out the grace period. Because no caller is
// left to observe the deferred release, its failure is reported to the
// factory's logger instead of being returned.
//
// The returned handle replaces h; the deferred release routes through h's
// own Close, so at most one of the two ever releases the share. If delay is
// not positive, h itself is returned.
func (h *Handle[T]) WithDeferredClose(delay time.Duration) *Handle[T] {
	if delay <= 0 {
		return h
	}
	return newHandle(h.ref, h.logger, func(_ context.Context, reason error) error {
		time.AfterFunc(delay, func() {
			if err := h.CloseWithError(context.Background(), reason); err != nil {
				h.logger.Error("deferred close failed",
					zap.String("handle_id", h.id),
					zap.Error(err),
				)
			}
		})
		return nil
	})
}
