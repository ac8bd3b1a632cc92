package client

import (
	"log/slog"
	"time"

	"github.com/ValerySidorin/hubdevice/handler"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/impl/amqp10"
	"github.com/ValerySidorin/hubdevice/transport/impl/mqtt"
	"github.com/ValerySidorin/hubdevice/transport/protocol"
	"github.com/panjf2000/ants/v2"
)

type Option func(c *Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.l = l
	}
}

// WithOperationTimeout bounds every call. Zero disables the bound.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.opTimeout = d
	}
}

func WithRetryPolicy(p handler.RetryPolicy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// WithBlobUploader replaces the hub file upload flow. The client does not
// close an uploader it did not create.
func WithBlobUploader(u BlobUploader) Option {
	return func(c *Client) {
		c.uploader = u
	}
}

// WithInstrumentation adds spans and metrics to every operation.
func WithInstrumentation() Option {
	return func(c *Client) {
		c.instrument = true
	}
}

// WithConnectionPool shares AMQP connections with other clients using the
// same pool.
func WithConnectionPool(p *amqp10.ConnectionPool) Option {
	return func(c *Client) {
		c.amqpPool = p
	}
}

// WithWorkerPool runs method handlers on p. The client does not release it.
func WithWorkerPool(p *ants.Pool) Option {
	return func(c *Client) {
		c.workers = p
	}
}

// WithPoolConfig sizes the worker pool the client creates when none is given.
func WithPoolConfig(conf PoolConfig) Option {
	return func(c *Client) {
		c.poolConf = conf
	}
}

func WithMQTTOptions(opts ...mqtt.Option) Option {
	return func(c *Client) {
		c.mqttOpts = append(c.mqttOpts, opts...)
	}
}

// WithTransportFactory overrides the backend built for p.
func WithTransportFactory(p protocol.Protocol, f transport.Factory) Option {
	return func(c *Client) {
		if c.factories == nil {
			c.factories = make(map[protocol.Protocol]transport.Factory)
		}
		c.factories[p] = f
	}
}
