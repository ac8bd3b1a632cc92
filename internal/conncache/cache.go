// Package conncache shares lower-level connections between logical clients
// that talk to the same hub as the same device.
package conncache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var (
	ErrNotAcquired = errors.New("connection not acquired")
	ErrNoDial      = errors.New("no dial function")
)

type Key struct {
	Host     string
	DeviceID string
	Variant  string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Host, k.DeviceID, k.Variant)
}

type DialFunc[T io.Closer] func(ctx context.Context, key Key) (T, error)

type entry[T io.Closer] struct {
	conn  T
	err   error
	ready chan struct{}
	refs  int
}

// Cache is a reference-counted pool of connections. The first Acquire for a
// key dials; later ones wait for that dial and share its result. The
// connection is closed when the last reference is released.
type Cache[T io.Closer] struct {
	dial DialFunc[T]

	mu      sync.Mutex
	entries map[Key]*entry[T]

	l *slog.Logger
}

func New[T io.Closer](dial DialFunc[T], l *slog.Logger) *Cache[T] {
	if l == nil {
		l = slog.Default()
	}
	return &Cache[T]{
		dial:    dial,
		entries: make(map[Key]*entry[T]),
		l:       l,
	}
}

func (c *Cache[T]) Acquire(ctx context.Context, key Key) (T, error) {
	return c.AcquireWith(ctx, key, c.dial)
}

// AcquireWith is Acquire with a per-call dial. The dial runs only when no
// entry for key exists, so callers carry their own dial parameters instead
// of registering them with the cache.
func (c *Cache[T]) AcquireWith(ctx context.Context, key Key, dial DialFunc[T]) (T, error) {
	if dial == nil {
		var zero T
		return zero, ErrNoDial
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		e.refs++
		c.mu.Unlock()
		return c.wait(ctx, key, e)
	}

	e = &entry[T]{
		ready: make(chan struct{}),
		refs:  1,
	}
	c.entries[key] = e
	c.mu.Unlock()

	conn, err := dial(ctx, key)

	c.mu.Lock()
	e.conn, e.err = conn, err
	if err != nil {
		// waiters see the error through e.err; drop the entry so the next
		// acquirer dials again
		if c.entries[key] == e {
			delete(c.entries, key)
		}
	}
	close(e.ready)
	c.mu.Unlock()

	if err != nil {
		var zero T
		return zero, fmt.Errorf("conncache: dial %s: %w", key, err)
	}

	c.l.Debug("conncache: connection opened", "key", key.String())
	return conn, nil
}

func (c *Cache[T]) wait(ctx context.Context, key Key, e *entry[T]) (T, error) {
	var zero T

	select {
	case <-e.ready:
	case <-ctx.Done():
		c.unref(key, e)
		return zero, ctx.Err()
	}

	if e.err != nil {
		return zero, fmt.Errorf("conncache: dial %s: %w", key, e.err)
	}
	return e.conn, nil
}

// unref drops a waiter that gave up before the dial finished.
func (c *Cache[T]) unref(key Key, e *entry[T]) {
	c.mu.Lock()
	e.refs--
	last := e.refs == 0 && c.entries[key] == e
	if last {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if last {
		go func() {
			<-e.ready
			if e.err == nil {
				if err := e.conn.Close(); err != nil {
					c.l.Error("conncache: close", "key", key.String(), "err", err)
				}
			}
		}()
	}
}

// Release drops one reference and closes the connection on the last one.
func (c *Cache[T]) Release(key Key) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return ErrNotAcquired
	}

	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.entries, key)
	c.mu.Unlock()

	<-e.ready
	if e.err != nil {
		return nil
	}

	c.l.Debug("conncache: connection closed", "key", key.String())
	if err := e.conn.Close(); err != nil {
		return fmt.Errorf("conncache: close %s: %w", key, err)
	}
	return nil
}

// Refs reports the reference count held for key.
func (c *Cache[T]) Refs(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		return e.refs
	}
	return 0
}

func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
