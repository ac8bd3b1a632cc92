// Package client is the device-facing API. A Client sends telemetry, receives
// device-bound messages and serves cloud-invoked methods over whichever
// transport its settings select.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValerySidorin/hubdevice/auth"
	"github.com/ValerySidorin/hubdevice/handler"
	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/impl/amqp10"
	"github.com/ValerySidorin/hubdevice/transport/impl/http1"
	"github.com/ValerySidorin/hubdevice/transport/impl/mqtt"
	"github.com/ValerySidorin/hubdevice/transport/protocol"
	"github.com/ValerySidorin/hubdevice/transport/terr"
	"github.com/panjf2000/ants/v2"
)

// BlobUploader stores large payloads outside the transport chain.
type BlobUploader interface {
	UploadBlob(ctx context.Context, name string, r io.Reader) error
}

type Client struct {
	cs       *auth.ConnectionString
	settings []transport.Settings

	inner transport.Transport

	opTimeout  time.Duration
	retry      handler.RetryPolicy
	instrument bool
	amqpPool   *amqp10.ConnectionPool
	mqttOpts   []mqtt.Option
	factories  map[protocol.Protocol]transport.Factory

	uploader    BlobUploader
	ownUploader bool

	workers  *ants.Pool
	ownPool  bool
	poolConf PoolConfig

	toggleMu sync.Mutex
	mu       sync.RWMutex
	handlers map[string]MethodHandler
	requests map[string]struct{}

	base   context.Context
	cancel context.CancelFunc

	closed atomic.Bool

	l *slog.Logger
}

// NewFromConnectionString builds a client for p using its default variants,
// TCP first then WebSocket.
func NewFromConnectionString(connString string, p protocol.Protocol, opts ...Option) (*Client, error) {
	return New(connString, transport.DefaultSettings(p), opts...)
}

// New parses the connection string and validates the settings list. No
// connection is made until the first operation or an explicit Open.
func New(connString string, settings []transport.Settings, opts ...Option) (*Client, error) {
	cs, err := auth.ParseConnectionString(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if len(settings) == 0 {
		return nil, ErrNoTransportSettings
	}

	c := &Client{
		cs:        cs,
		opTimeout: DefaultOperationTimeout,
		retry:     handler.DefaultRetryPolicy(),
		handlers:  make(map[string]MethodHandler),
		requests:  make(map[string]struct{}),
		l:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.l == nil {
		c.l = slog.Default()
	}
	c.l = c.l.With("device_id", cs.DeviceID)

	registry := c.registry()

	c.settings = make([]transport.Settings, 0, len(settings))
	for i, s := range settings {
		s = s.WithDefaults()
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("validate settings %d: %w", i, err)
		}
		if !registry.Supports(s.Protocol) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, s.Protocol)
		}
		c.settings = append(c.settings, s)
	}

	if err := c.poolConf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("validate pool config: %w", err)
	}

	classifiers := []handler.Classifier{amqp10.Classify, mqtt.Classify, http1.Classify}
	build := func(s transport.Settings) (transport.Transport, error) {
		return registry.New(transport.Params{
			Conn:     cs,
			Settings: s,
			OnMethod: c.dispatch,
			Logger:   c.l,
		})
	}
	routing := handler.NewRouting(build, c.settings, classifiers, c.l)

	c.inner, err = handler.NewChain(routing, handler.ChainConfig{
		OperationTimeout: c.opTimeout,
		Retry:            c.retry,
		Classifiers:      classifiers,
		Instrument:       c.instrument,
		Protocol:         string(c.settings[0].Protocol),
		Logger:           c.l,
	})
	if err != nil {
		return nil, fmt.Errorf("build handler chain: %w", err)
	}

	if c.workers == nil {
		pool, err := ants.NewPool(c.poolConf.Size, ants.WithPreAlloc(c.poolConf.PreAlloc))
		if err != nil {
			return nil, fmt.Errorf("new pool: %w", err)
		}
		c.workers = pool
		c.ownPool = true
	}

	if c.uploader == nil {
		first := c.settings[0]
		u, err := http1.NewFileUploader(cs, transport.Settings{
			Protocol:          protocol.HTTP1,
			TLSConfig:         first.TLSConfig,
			ClientCertificate: first.ClientCertificate,
		}, c.l)
		if err != nil {
			c.releasePool()
			return nil, fmt.Errorf("new file uploader: %w", err)
		}
		c.uploader = u
		c.ownUploader = true
	}

	c.base, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func (c *Client) registry() *transport.Registry {
	r := transport.NewRegistry()

	pool := c.amqpPool
	if pool == nil {
		pool = amqp10.NewConnectionPool(c.l)
	}
	r.Register(protocol.AMQP, amqp10.Factory(pool))
	r.Register(protocol.MQTT, mqtt.Factory(c.mqttOpts...))
	r.Register(protocol.HTTP1, http1.Factory())

	for p, f := range c.factories {
		r.Register(p, f)
	}
	return r
}

func (c *Client) DeviceID() string {
	return c.cs.DeviceID
}

// Open connects the first transport variant that accepts the connection.
func (c *Client) Open(ctx context.Context) error {
	return c.inner.Open(ctx, true)
}

// Close tears down the transport and the worker pool. Later calls return nil.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	var errs []error
	if err := c.inner.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if closer, ok := c.uploader.(interface{ Close(context.Context) error }); ok && c.ownUploader {
		if err := closer.Close(ctx); err != nil {
			c.l.Debug("client: close uploader", "err", err)
		}
	}
	if err := c.releasePool(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) releasePool() error {
	if !c.ownPool {
		return nil
	}
	if err := c.workers.ReleaseTimeout(c.poolConf.ReleaseTimeout); err != nil {
		return fmt.Errorf("release pool: %w", err)
	}
	return nil
}

func (c *Client) SendEvent(ctx context.Context, msg *message.Message) error {
	return c.inner.SendEvent(ctx, msg)
}

func (c *Client) SendEventBatch(ctx context.Context, msgs []*message.Message) error {
	return c.inner.SendEventBatch(ctx, msgs)
}

// Receive waits up to timeout for a device-bound message. It returns
// (nil, nil) when none arrived.
func (c *Client) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	return c.inner.Receive(ctx, timeout)
}

func (c *Client) Complete(ctx context.Context, lockToken string) error {
	return c.inner.Complete(ctx, lockToken)
}

func (c *Client) Abandon(ctx context.Context, lockToken string) error {
	return c.inner.Abandon(ctx, lockToken)
}

func (c *Client) Reject(ctx context.Context, lockToken string) error {
	return c.inner.Reject(ctx, lockToken)
}

// UploadBlob hands r to the blob uploader under the operation timeout.
func (c *Client) UploadBlob(ctx context.Context, name string, r io.Reader) error {
	if c.closed.Load() {
		return terr.Terminal(ErrClosed)
	}
	if err := http1.ValidateBlobName(name); err != nil {
		return terr.Fatal(err)
	}
	if c.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
	}
	return c.uploader.UploadBlob(ctx, name, r)
}
