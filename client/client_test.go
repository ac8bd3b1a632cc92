package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValerySidorin/hubdevice/handler"
	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/protocol"
	"github.com/ValerySidorin/hubdevice/transport/terr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const connString = "HostName=hub.example.net;DeviceId=dev-1;SharedAccessKey=c2VjcmV0LWtleS0xMjM0NQ=="

// loopback delivers every sent event back to Receive.
type loopback struct {
	onMethod transport.MethodCallback

	inbox chan *message.Message

	mu        sync.Mutex
	seq       int
	pending   map[string]bool
	responses []*message.MethodResponse

	enabled  atomic.Int32
	disabled atomic.Int32
	closed   atomic.Int32
}

func newLoopback() *loopback {
	return &loopback{
		inbox:   make(chan *message.Message, 16),
		pending: make(map[string]bool),
	}
}

func (lb *loopback) factory() transport.Factory {
	return func(p transport.Params) (transport.Transport, error) {
		lb.onMethod = p.OnMethod
		return lb, nil
	}
}

func (lb *loopback) Open(ctx context.Context, explicit bool) error { return nil }

func (lb *loopback) Close(ctx context.Context) error {
	lb.closed.Add(1)
	return nil
}

func (lb *loopback) SendEvent(ctx context.Context, msg *message.Message) error {
	cp := msg.Clone()
	msg.Seal()
	lb.inbox <- cp
	return nil
}

func (lb *loopback) SendEventBatch(ctx context.Context, msgs []*message.Message) error {
	for _, m := range msgs {
		if err := lb.SendEvent(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (lb *loopback) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case m := <-lb.inbox:
		lb.mu.Lock()
		lb.seq++
		m.LockToken = strconv.Itoa(lb.seq)
		lb.pending[m.LockToken] = true
		lb.mu.Unlock()
		return m, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (lb *loopback) settle(token string) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if !lb.pending[token] {
		return terr.LockLost(errors.New("unknown token"))
	}
	delete(lb.pending, token)
	return nil
}

func (lb *loopback) Complete(ctx context.Context, token string) error { return lb.settle(token) }
func (lb *loopback) Abandon(ctx context.Context, token string) error  { return lb.settle(token) }
func (lb *loopback) Reject(ctx context.Context, token string) error   { return lb.settle(token) }

func (lb *loopback) EnableMethods(ctx context.Context) error {
	lb.enabled.Add(1)
	return nil
}

func (lb *loopback) DisableMethods(ctx context.Context) error {
	lb.disabled.Add(1)
	return nil
}

func (lb *loopback) SendMethodResponse(ctx context.Context, resp *message.MethodResponse) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.responses = append(lb.responses, resp)
	return nil
}

func (lb *loopback) sentResponses() []*message.MethodResponse {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return append([]*message.MethodResponse(nil), lb.responses...)
}

type fakeUploader struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (u *fakeUploader) UploadBlob(ctx context.Context, name string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blobs[name] = b
	return nil
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *loopback) {
	t.Helper()
	lb := newLoopback()
	opts = append([]Option{
		WithTransportFactory(protocol.MQTT, lb.factory()),
		WithRetryPolicy(handler.NoRetry()),
		WithOperationTimeout(5 * time.Second),
	}, opts...)

	c, err := NewFromConnectionString(connString, protocol.MQTT, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, lb
}

func TestNew(t *testing.T) {
	t.Run("malformed connection string", func(t *testing.T) {
		_, err := New("HostName=hub.example.net", transport.DefaultSettings(protocol.MQTT))
		require.Error(t, err)
	})

	t.Run("no settings", func(t *testing.T) {
		_, err := New(connString, nil)
		require.ErrorIs(t, err, ErrNoTransportSettings)
	})

	t.Run("invalid settings", func(t *testing.T) {
		_, err := New(connString, []transport.Settings{{Protocol: protocol.MQTT, QoS: 9}})
		require.ErrorIs(t, err, transport.ErrInvalidQoS)
	})

	t.Run("unknown protocol", func(t *testing.T) {
		_, err := New(connString, []transport.Settings{{Protocol: "coap"}})
		require.Error(t, err)
	})

	t.Run("default variants", func(t *testing.T) {
		c, err := NewFromConnectionString(connString, protocol.AMQP)
		require.NoError(t, err)
		defer c.Close(context.Background())

		require.Len(t, c.settings, 2)
		assert.Equal(t, protocol.TCP, c.settings[0].Transport)
		assert.Equal(t, protocol.WebSocket, c.settings[1].Transport)
		assert.Equal(t, "dev-1", c.DeviceID())
	})
}

func TestRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	msg := message.New([]byte(`{"temp":21}`))
	require.NoError(t, msg.SetProperty("unit", "C"))
	require.NoError(t, msg.SetContentType("application/json"))
	require.NoError(t, c.SendEvent(ctx, msg))
	require.ErrorIs(t, msg.SetProperty("late", "x"), message.ErrSealed)

	got, err := c.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, map[string]string{"unit": "C"}, got.Properties)
	assert.Equal(t, "application/json", got.ContentType)

	require.NoError(t, c.Complete(ctx, got.LockToken))
	require.ErrorIs(t, c.Complete(ctx, got.LockToken), terr.ErrLockLost)

	got, err = c.Receive(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBatchOrder(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	var msgs []*message.Message
	for i := range 5 {
		msgs = append(msgs, message.New([]byte(strconv.Itoa(i))))
	}
	require.NoError(t, c.SendEventBatch(ctx, msgs))

	for i := range 5 {
		got, err := c.Receive(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, strconv.Itoa(i), string(got.Payload))
	}
}

func TestMethodHandlers(t *testing.T) {
	c, lb := newTestClient(t)
	ctx := context.Background()

	require.ErrorIs(t, c.SetMethodHandler(ctx, "", nil), ErrEmptyMethodName)

	reboot := func(ctx context.Context, req *message.MethodRequest) (*message.MethodResponse, error) {
		return message.NewMethodResponse("", http.StatusOK, map[string]string{"echo": string(req.Body)})
	}
	require.NoError(t, c.SetMethodHandler(ctx, "reboot", reboot))
	require.NoError(t, c.SetMethodHandler(ctx, "fail", func(ctx context.Context, req *message.MethodRequest) (*message.MethodResponse, error) {
		return nil, errors.New("boom")
	}))
	assert.Equal(t, int32(1), lb.enabled.Load())
	require.NotNil(t, lb.onMethod)

	lb.onMethod(ctx, &message.MethodRequest{Name: "reboot", RequestID: "r1", Body: []byte(`"now"`)})
	lb.onMethod(ctx, &message.MethodRequest{Name: "unknown", RequestID: "r2"})
	lb.onMethod(ctx, &message.MethodRequest{Name: "fail", RequestID: "r3"})
	lb.onMethod(ctx, &message.MethodRequest{Name: "reboot", RequestID: "r4", Body: []byte(`not json`)})

	require.Eventually(t, func() bool { return len(lb.sentResponses()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	byID := map[string]*message.MethodResponse{}
	for _, r := range lb.sentResponses() {
		byID[r.RequestID] = r
	}
	require.Len(t, byID, 2)
	require.Contains(t, byID, "r1")
	assert.Equal(t, http.StatusOK, byID["r1"].Status)
	assert.JSONEq(t, `{"echo":"\"now\""}`, string(byID["r1"].Body))
	require.Contains(t, byID, "r3")
	assert.Equal(t, http.StatusInternalServerError, byID["r3"].Status)
	assert.True(t, strings.Contains(string(byID["r3"].Body), "boom"))

	require.NoError(t, c.SetMethodHandler(ctx, "reboot", nil))
	assert.Equal(t, int32(0), lb.disabled.Load())
	require.NoError(t, c.SetMethodHandler(ctx, "fail", nil))
	assert.Equal(t, int32(1), lb.disabled.Load())
	require.NoError(t, c.SetMethodHandler(ctx, "fail", nil))
	assert.Equal(t, int32(1), lb.disabled.Load())
}

func TestSendMethodResponseUnknownRequest(t *testing.T) {
	c, lb := newTestClient(t)

	err := c.SendMethodResponse(context.Background(), &message.MethodResponse{RequestID: "nope", Status: 200})
	require.ErrorIs(t, err, ErrUnknownRequest)
	require.ErrorIs(t, c.SendMethodResponse(context.Background(), nil), ErrNilResponse)
	assert.Empty(t, lb.sentResponses())
}

func TestUploadBlob(t *testing.T) {
	u := &fakeUploader{blobs: map[string][]byte{}}
	c, _ := newTestClient(t, WithBlobUploader(u))
	ctx := context.Background()

	require.NoError(t, c.UploadBlob(ctx, "logs/today.txt", bytes.NewReader([]byte("data"))))
	assert.Equal(t, []byte("data"), u.blobs["logs/today.txt"])

	require.ErrorIs(t, c.UploadBlob(ctx, "", bytes.NewReader(nil)), terr.ErrFatal)
	require.ErrorIs(t, c.UploadBlob(ctx, strings.Repeat("a/", 300), bytes.NewReader(nil)), terr.ErrFatal)

	require.NoError(t, c.Close(ctx))
	require.ErrorIs(t, c.UploadBlob(ctx, "x", bytes.NewReader(nil)), terr.ErrTerminal)
}

func TestCloseTwice(t *testing.T) {
	c, lb := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Open(ctx))
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, int32(1), lb.closed.Load())

	require.ErrorIs(t, c.SendEvent(ctx, message.New(nil)), terr.ErrTerminal)
	require.ErrorIs(t, c.SetMethodHandler(ctx, "m", nil), terr.ErrTerminal)
}

func TestPoolConfigDefaults(t *testing.T) {
	var conf PoolConfig
	require.NoError(t, conf.ValidateAndSetDefaults())
	assert.Equal(t, DefaultPoolSize, conf.Size)
	assert.Equal(t, DefaultReleaseTimeout, conf.ReleaseTimeout)

	conf = PoolConfig{Size: -1}
	require.ErrorIs(t, conf.ValidateAndSetDefaults(), ErrEmptyPoolSize)
}
