package refshare

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yuku/refshare/internal/promise"
)

// CreateFunc allocates the underlying resource. The context it receives is
// internal to the factory and detached from any single caller: it is
// cancelled only when every caller waiting on the creation has given up.
type CreateFunc[T any] func(ctx context.Context) (T, error)

// DestroyFunc releases the underlying resource. reason is nil for a normal
// close; otherwise it is the error that triggered the release, such as the
// failure a caller passed to CloseWithError.
type DestroyFunc[T any] func(ctx context.Context, resource T, reason error) error

// Factory manages a single shared resource instance. It coalesces any number
// of concurrent Open calls onto at most one creation, keeps the instance
// alive while handles are outstanding, and destroys it exactly once after
// the last handle is closed. Successive create/destroy cycles for the same
// factory are serialized.
//
// A Factory is safe for concurrent use. The zero value is not usable; use
// New.
type Factory[T any] struct {
	create  CreateFunc[T]
	destroy DestroyFunc[T]
	logger  *zap.Logger

	mu sync.Mutex

	// users counts outstanding handles plus in-flight Open calls. The
	// resource is created on the 0→1 transition and destroyed on 1→0.
	users int

	ref     T
	haveRef bool

	// creating is non-nil while a creation is in flight. All openers of the
	// cycle wait on its result promise; only the first opener started it.
	creating *creation[T]

	// closing is non-nil while a teardown is in flight. Openers arriving
	// meanwhile wait for it to settle before starting a new cycle.
	closing *promise.Promise[struct{}]
}

type creation[T any] struct {
	cancel context.CancelFunc
	result *promise.Promise[T]

	// abandoned is set when the last waiter gives up before the creation
	// settles. New openers must let an abandoned creation drain rather than
	// join it.
	abandoned bool
}

// New returns a Factory that allocates the shared resource with create and
// releases it with destroy.
func New[T any](create CreateFunc[T], destroy DestroyFunc[T], opts ...Option) *Factory[T] {
	o := newOptions(opts)
	return &Factory[T]{
		create:  create,
		destroy: destroy,
		logger:  o.logger,
	}
}

// Open returns a handle on the shared resource, creating it if this is the
// first open of a cycle. Concurrent callers share a single creation call.
//
// Cancelling ctx detaches only this caller: the shared creation keeps
// running for the remaining waiters, unless this caller was the last one, in
// which case the creation's internal context is cancelled. Either way the
// factory's accounting is restored as if the call had never been made.
func (f *Factory[T]) Open(ctx context.Context) (*Handle[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()

	// A teardown from a previous cycle, or a creation every waiter has
	// abandoned, must settle before a new cycle starts. Callers cancelled
	// here never joined the cycle, so there is nothing to roll back.
	for {
		var settling <-chan struct{}
		switch {
		case f.closing != nil:
			settling = f.closing.Done()
		case f.creating != nil && f.creating.abandoned:
			settling = f.creating.result.Done()
		default:
		}
		if settling == nil {
			break
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-settling:
		}
		f.mu.Lock()
	}

	f.users++

	if f.haveRef {
		ref := f.ref
		f.mu.Unlock()
		return newHandle(ref, f.logger, f.release), nil
	}

	c := f.creating
	if c == nil {
		// First opener of this cycle. The creation runs with its own
		// context so that one caller's cancellation cannot abort it while
		// others still wait.
		cctx, cancel := context.WithCancel(context.Background())
		c = &creation[T]{cancel: cancel, result: promise.New[T]()}
		f.creating = c
		go f.runCreate(cctx, c)
	}
	f.mu.Unlock()

	ref, err := c.result.Wait(ctx)
	if err == nil {
		// The creation may have settled in the same instant this caller's
		// context was cancelled; a cancelled caller must not be handed the
		// resource.
		err = ctx.Err()
	}
	if err != nil {
		if rerr := f.release(context.Background(), err); rerr != nil {
			f.logger.Error("teardown after failed open",
				zap.NamedError("open_error", err),
				zap.Error(rerr),
			)
		}
		return nil, err
	}
	return newHandle(ref, f.logger, f.release), nil
}

// NumUsers returns the number of outstanding handles plus in-flight Open
// calls.
func (f *Factory[T]) NumUsers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users
}

// runCreate performs the single creation call of a cycle and publishes its
// outcome to every waiter.
func (f *Factory[T]) runCreate(ctx context.Context, c *creation[T]) {
	ref, err := f.create(ctx)
	c.cancel()

	f.mu.Lock()
	f.creating = nil
	if err != nil {
		f.mu.Unlock()
		c.result.Reject(fmt.Errorf("failed to create resource: %w", err))
		return
	}
	if f.users == 0 {
		// Every waiter abandoned the open while the creation ran, but it
		// succeeded anyway. Nobody will ever see the resource, so destroy
		// it immediately; the cycle ends before the result settles so that
		// a new opener starts fresh.
		done := promise.New[struct{}]()
		f.closing = done
		f.mu.Unlock()
		c.result.Reject(context.Canceled)

		derr := f.destroy(context.Background(), ref, context.Canceled)
		f.mu.Lock()
		f.closing = nil
		f.mu.Unlock()
		done.Resolve(struct{}{})
		if derr != nil {
			f.logger.Error("failed to destroy abandoned resource", zap.Error(derr))
		}
		return
	}
	f.ref = ref
	f.haveRef = true
	f.mu.Unlock()
	c.result.Resolve(ref)
}

// release gives back one share of the resource. On the last release the
// underlying teardown runs before release returns; if a creation is still in
// flight instead, its internal context is cancelled and runCreate converges
// the state.
func (f *Factory[T]) release(ctx context.Context, reason error) error {
	f.mu.Lock()
	f.users--
	if f.users > 0 {
		f.mu.Unlock()
		return nil
	}

	if c := f.creating; c != nil {
		c.abandoned = true
		f.mu.Unlock()
		c.cancel()
		return nil
	}

	if !f.haveRef {
		// Rollback of an open that never produced a resource.
		f.mu.Unlock()
		return nil
	}

	ref := f.ref
	done := promise.New[struct{}]()
	f.closing = done
	f.mu.Unlock()

	err := f.destroy(ctx, ref, reason)

	// The factory returns to its initial state whether or not the destroy
	// succeeded; the error still surfaces to the closer.
	f.mu.Lock()
	var zero T
	f.ref = zero
	f.haveRef = false
	f.closing = nil
	f.mu.Unlock()
	done.Resolve(struct{}{})

	if err != nil {
		return fmt.Errorf("failed to destroy resource: %w", err)
	}
	return nil
}
