// Package config is the yaml form of a device client: connection string,
// transport variants, retry and timeouts.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValerySidorin/hubdevice/auth"
	"github.com/ValerySidorin/hubdevice/client"
	tls_config "github.com/ValerySidorin/hubdevice/config/tls"
	"github.com/ValerySidorin/hubdevice/handler"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/protocol"
	"github.com/cenkalti/backoff/v5"
)

var (
	ErrEmptyConnString = errors.New("connection string not specified")
)

type TransportConfig struct {
	Protocol      protocol.Protocol    `yaml:"protocol"`
	Transport     protocol.Transport   `yaml:"transport"`
	PrefetchCount uint32               `yaml:"prefetch_count"`
	QoS           transport.QoS        `yaml:"qos"`
	OpenTimeout   time.Duration        `yaml:"open_timeout"`
	KeepAlive     time.Duration        `yaml:"keep_alive"`
	PollInterval  time.Duration        `yaml:"poll_interval"`
	TLS           tls_config.TLSConfig `yaml:"tls"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

type Config struct {
	ConnectionString string `yaml:"connection_string"`
	// DeviceID is appended to a hub-scoped connection string.
	DeviceID         string            `yaml:"device_id"`
	Transports       []TransportConfig `yaml:"transports"`
	OperationTimeout time.Duration     `yaml:"operation_timeout"`
	Retry            RetryConfig       `yaml:"retry"`
	MethodsPool      client.PoolConfig `yaml:"methods_pool"`
	Instrument       bool              `yaml:"instrument"`
}

func (c *Config) SetDefaults() {
	if len(c.Transports) == 0 {
		for _, s := range transport.DefaultSettings(protocol.MQTT) {
			c.Transports = append(c.Transports, TransportConfig{
				Protocol:  s.Protocol,
				Transport: s.Transport,
				QoS:       s.QoS,
			})
		}
	}

	if c.OperationTimeout == 0 {
		c.OperationTimeout = client.DefaultOperationTimeout
	}

	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = 100 * time.Millisecond
	}

	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = 10 * time.Second
	}

	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
}

func (c *Config) Validate() error {
	if c.ConnectionString == "" {
		return ErrEmptyConnString
	}
	if c.OperationTimeout < 0 {
		return errors.New("operation timeout must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New("retry max attempts must not be negative")
	}
	for i, t := range c.Transports {
		if err := t.settings().WithDefaults().Validate(); err != nil {
			return fmt.Errorf("transport %d: %w", i, err)
		}
		if err := t.TLS.Validate(); err != nil {
			return fmt.Errorf("transport %d: tls: %w", i, err)
		}
	}
	return nil
}

func (t TransportConfig) settings() transport.Settings {
	return transport.Settings{
		Protocol:      t.Protocol,
		Transport:     t.Transport,
		PrefetchCount: t.PrefetchCount,
		QoS:           t.QoS,
		OpenTimeout:   t.OpenTimeout,
		KeepAlive:     t.KeepAlive,
		PollInterval:  t.PollInterval,
	}
}

// ConnString returns the connection string with DeviceID applied.
func (c *Config) ConnString() (string, error) {
	if c.DeviceID == "" {
		return c.ConnectionString, nil
	}
	s, err := auth.WithDeviceID(c.ConnectionString, c.DeviceID)
	if err != nil {
		return "", fmt.Errorf("apply device id: %w", err)
	}
	return s, nil
}

// Settings parses the transport list in priority order.
func (c *Config) Settings() ([]transport.Settings, error) {
	out := make([]transport.Settings, 0, len(c.Transports))
	for i, t := range c.Transports {
		s := t.settings()
		tlsConf, cert, err := t.TLS.Parse()
		if err != nil {
			return nil, fmt.Errorf("transport %d: parse TLS conf: %w", i, err)
		}
		s.TLSConfig = tlsConf
		s.ClientCertificate = cert
		out = append(out, s)
	}
	return out, nil
}

func (c *Config) RetryPolicy() handler.RetryPolicy {
	r := c.Retry
	return handler.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = r.InitialInterval
			b.MaxInterval = r.MaxInterval
			b.Multiplier = r.Multiplier
			return b
		},
	}
}

// ClientOptions translates the config into client options.
func (c *Config) ClientOptions() []client.Option {
	opts := []client.Option{
		client.WithOperationTimeout(c.OperationTimeout),
		client.WithRetryPolicy(c.RetryPolicy()),
		client.WithPoolConfig(c.MethodsPool),
	}
	if c.Instrument {
		opts = append(opts, client.WithInstrumentation())
	}
	return opts
}

// NewClient builds a client from the config.
func (c *Config) NewClient(extra ...client.Option) (*client.Client, error) {
	cs, err := c.ConnString()
	if err != nil {
		return nil, err
	}
	settings, err := c.Settings()
	if err != nil {
		return nil, err
	}
	return client.New(cs, settings, append(c.ClientOptions(), extra...)...)
}
