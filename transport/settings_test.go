package transport_test

import (
	"crypto/tls"
	"math"
	"testing"

	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSettingsDefaults(t *testing.T) {
	s := transport.Settings{Protocol: protocol.AMQP}.WithDefaults()

	assert.Equal(t, protocol.TCP, s.Transport)
	assert.EqualValues(t, transport.DefaultPrefetchCount, s.PrefetchCount)
	assert.Equal(t, transport.DefaultOpenTimeout, s.OpenTimeout)
	assert.Equal(t, protocol.Variant("amqp_tcp"), s.Variant())
	assert.NoError(t, s.Validate())
}

func TestSettingsValidate(t *testing.T) {
	assert.Error(t, transport.Settings{Protocol: "xmpp", Transport: protocol.TCP}.Validate())
	assert.Error(t, transport.Settings{Protocol: protocol.MQTT, Transport: "udp"}.Validate())
	assert.ErrorIs(t, transport.Settings{Protocol: protocol.HTTP1, Transport: protocol.WebSocket}.Validate(), transport.ErrHTTPOverWS)
	assert.ErrorIs(t, transport.Settings{Protocol: protocol.MQTT, Transport: protocol.TCP, QoS: 9}.Validate(), transport.ErrInvalidQoS)
}

func TestSettingsQoSDefault(t *testing.T) {
	mqtt := transport.Settings{Protocol: protocol.MQTT}.WithDefaults()
	assert.Equal(t, transport.AtLeastOnce, mqtt.QoS)
	assert.Equal(t, byte(1), mqtt.QoS.Level())

	explicit := transport.Settings{Protocol: protocol.MQTT, QoS: transport.AtMostOnce}.WithDefaults()
	assert.Equal(t, transport.AtMostOnce, explicit.QoS)
	assert.Equal(t, byte(0), explicit.QoS.Level())

	amqp := transport.Settings{Protocol: protocol.AMQP}.WithDefaults()
	assert.Equal(t, transport.QoSUnset, amqp.QoS)
}

func TestQoSYAML(t *testing.T) {
	var v struct {
		QoS transport.QoS `yaml:"qos"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("qos: 0"), &v))
	assert.Equal(t, transport.AtMostOnce, v.QoS)

	require.NoError(t, yaml.Unmarshal([]byte("qos: 1"), &v))
	assert.Equal(t, transport.AtLeastOnce, v.QoS)

	require.ErrorIs(t, yaml.Unmarshal([]byte("qos: 2"), &v), transport.ErrInvalidQoS)

	out, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "qos: 1\n", string(out))
}

func TestSettingsPrefetchCap(t *testing.T) {
	s := transport.Settings{Protocol: protocol.AMQP, PrefetchCount: math.MaxInt32}.WithDefaults()
	require.NoError(t, s.Validate())

	s.PrefetchCount = math.MaxInt32 + 1
	require.ErrorIs(t, s.Validate(), transport.ErrPrefetch)
}

func TestSettingsFingerprint(t *testing.T) {
	tcp := transport.Settings{Protocol: protocol.AMQP, Transport: protocol.TCP}.WithDefaults()
	ws := transport.Settings{Protocol: protocol.AMQP, Transport: protocol.WebSocket}.WithDefaults()

	assert.Equal(t, tcp.Fingerprint(), tcp.Fingerprint())
	assert.NotEqual(t, tcp.Fingerprint(), ws.Fingerprint())
}

func TestSettingsTLSIsCopied(t *testing.T) {
	orig := &tls.Config{MinVersion: tls.VersionTLS13}
	s := transport.Settings{TLSConfig: orig}

	conf := s.TLS("hub.example")
	conf.InsecureSkipVerify = true

	assert.Equal(t, "hub.example", conf.ServerName)
	assert.False(t, orig.InsecureSkipVerify)
	assert.Empty(t, orig.ServerName)
}

func TestDefaultSettings(t *testing.T) {
	amqp := transport.DefaultSettings(protocol.AMQP)
	require.Len(t, amqp, 2)
	assert.Equal(t, protocol.TCP, amqp[0].Transport)
	assert.Equal(t, protocol.WebSocket, amqp[1].Transport)

	mqtt := transport.DefaultSettings(protocol.MQTT)
	require.Len(t, mqtt, 2)
	assert.Equal(t, transport.AtLeastOnce, mqtt[0].QoS)

	assert.Len(t, transport.DefaultSettings(protocol.HTTP1), 1)
	assert.Nil(t, transport.DefaultSettings("xmpp"))
}

func TestRegistry(t *testing.T) {
	r := transport.NewRegistry()
	assert.False(t, r.Supports(protocol.MQTT))

	_, err := r.New(transport.Params{Settings: transport.Settings{Protocol: protocol.MQTT}})
	assert.Error(t, err)

	var got transport.Params
	r.Register(protocol.MQTT, func(p transport.Params) (transport.Transport, error) {
		got = p
		return nil, nil
	})
	assert.True(t, r.Supports(protocol.MQTT))

	_, err = r.New(transport.Params{Settings: transport.Settings{Protocol: protocol.MQTT}})
	require.NoError(t, err)
	assert.NotNil(t, got.Logger)
}
