package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/ValerySidorin/hubdevice/config"
	tls_config "github.com/ValerySidorin/hubdevice/config/tls"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/protocol"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const hubConnString = "HostName=hub.example.net;SharedAccessKey=c2VjcmV0LWtleS0xMjM0NQ=="

func TestUnmarshal(t *testing.T) {
	raw := `
connection_string: "HostName=hub.example.net;DeviceId=dev-1;SharedAccessKey=c2VjcmV0LWtleS0xMjM0NQ=="
operation_timeout: 30s
transports:
  - protocol: amqp
    transport: websocket
    prefetch_count: 10
  - protocol: http1
    poll_interval: 500ms
retry:
  max_attempts: 3
`
	var conf config.Config
	require.NoError(t, yaml.Unmarshal([]byte(raw), &conf))
	conf.SetDefaults()
	require.NoError(t, conf.Validate())

	assert.Equal(t, 30*time.Second, conf.OperationTimeout)
	assert.Equal(t, 3, conf.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, conf.Retry.InitialInterval)

	settings, err := conf.Settings()
	require.NoError(t, err)
	require.Len(t, settings, 2)
	assert.Equal(t, protocol.AMQP, settings[0].Protocol)
	assert.Equal(t, protocol.WebSocket, settings[0].Transport)
	assert.Equal(t, uint32(10), settings[0].PrefetchCount)
	assert.Equal(t, 500*time.Millisecond, settings[1].PollInterval)
	assert.NotNil(t, settings[0].TLSConfig)
	assert.Nil(t, settings[0].ClientCertificate)
}

func TestDefaults(t *testing.T) {
	conf := config.Config{ConnectionString: hubConnString, DeviceID: "dev-7"}
	conf.SetDefaults()
	require.NoError(t, conf.Validate())

	require.Len(t, conf.Transports, 2)
	assert.Equal(t, protocol.MQTT, conf.Transports[0].Protocol)
	assert.Equal(t, transport.AtLeastOnce, conf.Transports[0].QoS)

	cs, err := conf.ConnString()
	require.NoError(t, err)
	assert.Contains(t, cs, "DeviceId=dev-7")

	c, err := conf.NewClient()
	require.NoError(t, err)
	defer c.Close(context.Background())
	assert.Equal(t, "dev-7", c.DeviceID())
}

func tlsWithCertOnly() tls_config.TLSConfig {
	return tls_config.TLSConfig{ClientCertPEMPath: "dev.crt"}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		conf config.Config
	}{
		{"empty connection string", config.Config{}},
		{"http over websocket", config.Config{
			ConnectionString: hubConnString,
			Transports:       []config.TransportConfig{{Protocol: protocol.HTTP1, Transport: protocol.WebSocket}},
		}},
		{"bad qos", config.Config{
			ConnectionString: hubConnString,
			Transports:       []config.TransportConfig{{Protocol: protocol.MQTT, QoS: 3}},
		}},
		{"half client cert", config.Config{
			ConnectionString: hubConnString,
			Transports: []config.TransportConfig{{
				Protocol: protocol.MQTT,
				TLS:      tlsWithCertOnly(),
			}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.conf.SetDefaults()
			require.Error(t, tc.conf.Validate())
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	conf := config.Config{Retry: config.RetryConfig{MaxAttempts: 4}}
	conf.SetDefaults()

	p := conf.RetryPolicy()
	assert.Equal(t, 4, p.MaxAttempts)

	b, ok := p.NewBackOff().(*backoff.ExponentialBackOff)
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, b.InitialInterval)
	assert.Equal(t, 10*time.Second, b.MaxInterval)
	assert.InDelta(t, 2.0, b.Multiplier, 0.001)
}
