// Package faulttolerant holds lazily created handles that are rebuilt after a fault.
package faulttolerant

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	ErrClosed = errors.New("resource closed")
)

const createKey = "create"

type CreateFunc[T any] func(ctx context.Context) (T, error)

type CloseFunc[T any] func(ctx context.Context, v T) error

// Resource wraps one lazily created object, such as a link. At most one
// creation runs at a time; concurrent callers wait for it. After Fault the
// object is dropped and the next Get creates a new one.
type Resource[T comparable] struct {
	create CreateFunc[T]
	close  CloseFunc[T]

	// createTimeout bounds a creation that outlives the caller who started it.
	createTimeout time.Duration

	sf singleflight.Group

	mu     sync.Mutex
	v      T
	ok     bool
	closed bool
	gen    uint64
}

func New[T comparable](create CreateFunc[T], close CloseFunc[T], createTimeout time.Duration) *Resource[T] {
	if createTimeout <= 0 {
		createTimeout = time.Minute
	}
	return &Resource[T]{
		create:        create,
		close:         close,
		createTimeout: createTimeout,
	}
}

// Get returns the open object or waits for the creation in flight.
func (r *Resource[T]) Get(ctx context.Context) (T, error) {
	var zero T

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return zero, ErrClosed
	}
	if r.ok {
		v := r.v
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	ch := r.sf.DoChan(createKey, func() (any, error) {
		return r.doCreate(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Resource[T]) doCreate(ctx context.Context) (T, error) {
	var zero T

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return zero, ErrClosed
	}
	if r.ok {
		v := r.v
		r.mu.Unlock()
		return v, nil
	}
	gen := r.gen
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.createTimeout)
	defer cancel()

	v, err := r.create(cctx)
	if err != nil {
		return zero, err
	}

	r.mu.Lock()
	if r.closed || gen != r.gen {
		r.mu.Unlock()
		_ = r.close(cctx, v)
		return zero, ErrClosed
	}
	r.v, r.ok = v, true
	r.mu.Unlock()

	return v, nil
}

// Fault discards v if it is still the current object. A stale v, already
// replaced by a newer creation, is ignored.
func (r *Resource[T]) Fault(ctx context.Context, v T) error {
	r.mu.Lock()
	if !r.ok || r.v != v {
		r.mu.Unlock()
		return nil
	}
	old := r.v
	var zero T
	r.v, r.ok = zero, false
	r.gen++
	r.mu.Unlock()

	return r.close(ctx, old)
}

// Peek returns the current object without creating one.
func (r *Resource[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.v, r.ok
}

// Close closes the current object and makes every later Get fail.
func (r *Resource[T]) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.gen++
	old, ok := r.v, r.ok
	var zero T
	r.v, r.ok = zero, false
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.close(ctx, old)
}
