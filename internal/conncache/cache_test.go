package conncache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	closed atomic.Int32
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

func TestCache_ShareAndRelease(t *testing.T) {
	var dials atomic.Int32
	c := New(func(ctx context.Context, key Key) (*fakeConn, error) {
		dials.Add(1)
		return &fakeConn{}, nil
	}, nil)

	key := Key{Host: "hub", DeviceID: "d1", Variant: "amqp_tcp"}

	c1, err := c.Acquire(context.Background(), key)
	require.NoError(t, err)
	c2, err := c.Acquire(context.Background(), key)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.EqualValues(t, 1, dials.Load())
	assert.Equal(t, 2, c.Refs(key))

	require.NoError(t, c.Release(key))
	assert.EqualValues(t, 0, c1.closed.Load())

	require.NoError(t, c.Release(key))
	assert.EqualValues(t, 1, c1.closed.Load())
	assert.Equal(t, 0, c.Len())

	assert.ErrorIs(t, c.Release(key), ErrNotAcquired)
	assert.EqualValues(t, 1, c1.closed.Load())
}

func TestCache_SeparateKeys(t *testing.T) {
	c := New(func(ctx context.Context, key Key) (*fakeConn, error) {
		return &fakeConn{}, nil
	}, nil)

	tcp, err := c.Acquire(context.Background(), Key{Host: "hub", DeviceID: "d1", Variant: "amqp_tcp"})
	require.NoError(t, err)
	ws, err := c.Acquire(context.Background(), Key{Host: "hub", DeviceID: "d1", Variant: "amqp_websocket"})
	require.NoError(t, err)

	assert.NotSame(t, tcp, ws)
	assert.Equal(t, 2, c.Len())
}

func TestCache_ConcurrentAcquireDialsOnce(t *testing.T) {
	var dials atomic.Int32
	release := make(chan struct{})
	c := New(func(ctx context.Context, key Key) (*fakeConn, error) {
		dials.Add(1)
		<-release
		return &fakeConn{}, nil
	}, nil)

	key := Key{Host: "hub", DeviceID: "d1"}
	const n = 20

	var wg sync.WaitGroup
	conns := make([]*fakeConn, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := c.Acquire(context.Background(), key)
			assert.NoError(t, err)
			conns[i] = conn
		}()
	}

	assert.Eventually(t, func() bool { return c.Refs(key) == n }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, dials.Load())
	for _, conn := range conns {
		assert.Same(t, conns[0], conn)
	}
}

func TestCache_DialErrorIsNotCached(t *testing.T) {
	var dials atomic.Int32
	c := New(func(ctx context.Context, key Key) (*fakeConn, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("refused")
		}
		return &fakeConn{}, nil
	}, nil)

	key := Key{Host: "hub", DeviceID: "d1"}

	_, err := c.Acquire(context.Background(), key)
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	_, err = c.Acquire(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Refs(key))
}

func TestCache_ReacquireAfterCloseDialsFresh(t *testing.T) {
	c := New(func(ctx context.Context, key Key) (*fakeConn, error) {
		return &fakeConn{}, nil
	}, nil)
	key := Key{Host: "hub", DeviceID: "d1"}

	first, err := c.Acquire(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, c.Release(key))

	second, err := c.Acquire(context.Background(), key)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.EqualValues(t, 1, first.closed.Load())
	assert.EqualValues(t, 0, second.closed.Load())
}

func TestCache_WaiterCancel(t *testing.T) {
	release := make(chan struct{})
	c := New(func(ctx context.Context, key Key) (*fakeConn, error) {
		<-release
		return &fakeConn{}, nil
	}, nil)
	key := Key{Host: "hub", DeviceID: "d1"}

	done := make(chan *fakeConn)
	go func() {
		conn, _ := c.Acquire(context.Background(), key)
		done <- conn
	}()
	assert.Eventually(t, func() bool { return c.Refs(key) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Acquire(ctx, key)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.Refs(key))

	close(release)
	conn := <-done
	require.NotNil(t, conn)
	require.NoError(t, c.Release(key))
	assert.EqualValues(t, 1, conn.closed.Load())
}

func TestCache_AcquireWith(t *testing.T) {
	c := New[*fakeConn](nil, nil)
	key := Key{Host: "hub", DeviceID: "d1", Variant: "amqp_tcp"}

	_, err := c.Acquire(context.Background(), key)
	require.ErrorIs(t, err, ErrNoDial)
	assert.Equal(t, 0, c.Len())

	var dials atomic.Int32
	dial := func(ctx context.Context, k Key) (*fakeConn, error) {
		dials.Add(1)
		return &fakeConn{}, nil
	}

	first, err := c.AcquireWith(context.Background(), key, dial)
	require.NoError(t, err)
	shared, err := c.AcquireWith(context.Background(), key, func(ctx context.Context, k Key) (*fakeConn, error) {
		t.Error("dial on a cached key")
		return nil, errors.New("unexpected dial")
	})
	require.NoError(t, err)
	assert.Same(t, first, shared)
	assert.EqualValues(t, 1, dials.Load())

	require.NoError(t, c.Release(key))
	require.NoError(t, c.Release(key))
	assert.EqualValues(t, 1, first.closed.Load())
}

func TestCache_AcquireRacesLastRelease(t *testing.T) {
	c := New[*fakeConn](nil, nil)
	key := Key{Host: "hub", DeviceID: "d1", Variant: "amqp_tcp"}
	dial := func(ctx context.Context, k Key) (*fakeConn, error) {
		return &fakeConn{}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				conn, err := c.AcquireWith(context.Background(), key, dial)
				if !assert.NoError(t, err) {
					return
				}
				assert.EqualValues(t, 0, conn.closed.Load())
				assert.NoError(t, c.Release(key))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.Len())
}
