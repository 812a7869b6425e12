package refshare

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// KeyFunc derives the cache key identifying which underlying resource
// instance a set of call arguments maps onto. It must be pure and
// deterministic; distinguishable resources must map to distinct keys.
type KeyFunc[A any] func(args A) string

// KeyedCreateFunc allocates the underlying resource for one set of call
// arguments. The context follows the same rules as CreateFunc.
type KeyedCreateFunc[A, T any] func(ctx context.Context, args A) (T, error)

// Keyed multiplexes many distinct shared resources through one factory. Each
// key derived from the call arguments owns its own Factory, created on first
// sight of the key and dropped from the registry once its instance is fully
// released or fails to create.
//
// A Keyed factory is safe for concurrent use.
type Keyed[A, T any] struct {
	create  KeyedCreateFunc[A, T]
	destroy DestroyFunc[T]
	key     KeyFunc[A]
	logger  *zap.Logger

	mu        sync.Mutex
	factories map[string]*Factory[T]
}

// NewKeyed returns a Keyed factory that derives cache keys with key,
// allocates instances with create, and releases them with destroy.
func NewKeyed[A, T any](create KeyedCreateFunc[A, T], destroy DestroyFunc[T], key KeyFunc[A], opts ...Option) *Keyed[A, T] {
	o := newOptions(opts)
	return &Keyed[A, T]{
		create:    create,
		destroy:   destroy,
		key:       key,
		logger:    o.logger,
		factories: make(map[string]*Factory[T]),
	}
}

// Open returns a handle on the resource identified by args, creating the
// instance if no handle on the same key is currently outstanding. Callers
// with the same key share one instance; distinct keys are fully independent.
func (k *Keyed[A, T]) Open(ctx context.Context, args A) (*Handle[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := k.key(args)

	k.mu.Lock()
	f, ok := k.factories[key]
	if !ok {
		f = k.newFactory(key, args)
		k.factories[key] = f
	}
	k.mu.Unlock()

	return f.Open(ctx)
}

// Len returns the number of keys with a live registry entry.
func (k *Keyed[A, T]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.factories)
}

// newFactory builds the per-key Factory. Its create closes over the first
// caller's args; its create and destroy both evict the key so that a later
// call with the same key starts a fresh cycle instead of reusing a dead or
// never-completed entry. Eviction precedes the real destroy: once the
// instance is going away, no new caller may attach to it.
func (k *Keyed[A, T]) newFactory(key string, args A) *Factory[T] {
	var f *Factory[T]
	f = New(
		func(ctx context.Context) (T, error) {
			ref, err := k.create(ctx, args)
			if err != nil {
				k.evict(key, f)
				var zero T
				return zero, err
			}
			return ref, nil
		},
		func(ctx context.Context, ref T, reason error) error {
			k.evict(key, f)
			return k.destroy(ctx, ref, reason)
		},
		WithLogger(k.logger),
	)
	return f
}

// evict removes key from the registry if it still maps to f. A newer factory
// under the same key must not be displaced by the old cycle's teardown.
func (k *Keyed[A, T]) evict(key string, f *Factory[T]) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.factories[key] == f {
		delete(k.factories, key)
	}
}
