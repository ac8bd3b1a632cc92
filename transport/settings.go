package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ValerySidorin/hubdevice/transport/protocol"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoSettings  = errors.New("no transport settings")
	ErrInvalidQoS  = errors.New("invalid qos (must be 0 or 1)")
	ErrPrefetch    = fmt.Errorf("prefetch count must not exceed %d", math.MaxInt32)
	ErrHTTPOverWS  = errors.New("http1 has no websocket variant")
	ErrZeroTimeout = errors.New("open timeout must be positive")
)

// QoS is the delivery guarantee negotiated with the wire protocol. The zero
// value is unset and resolves to AtLeastOnce for MQTT.
type QoS byte

const (
	QoSUnset QoS = iota
	AtMostOnce
	AtLeastOnce
)

// Level is the MQTT wire level: 0 for AtMostOnce, 1 for AtLeastOnce.
func (q QoS) Level() byte {
	if q == AtMostOnce {
		return 0
	}
	return 1
}

// UnmarshalYAML reads the wire level, so "qos: 0" selects AtMostOnce.
func (q *QoS) UnmarshalYAML(value *yaml.Node) error {
	var level int
	if err := value.Decode(&level); err != nil {
		return err
	}
	switch level {
	case 0:
		*q = AtMostOnce
	case 1:
		*q = AtLeastOnce
	default:
		return fmt.Errorf("%w: %d", ErrInvalidQoS, level)
	}
	return nil
}

func (q QoS) MarshalYAML() (any, error) {
	if q == QoSUnset {
		return nil, nil
	}
	return int(q.Level()), nil
}

const (
	DefaultPrefetchCount = 50
	DefaultOpenTimeout   = time.Minute
	DefaultKeepAlive     = 300 * time.Second
	DefaultPollInterval  = 2 * time.Second
)

// Settings describes one transport variant. It is handed to a backend by value
// and never mutated afterwards.
type Settings struct {
	Protocol      protocol.Protocol  `yaml:"protocol"`
	Transport     protocol.Transport `yaml:"transport"`
	PrefetchCount uint32             `yaml:"prefetch_count"`
	QoS           QoS                `yaml:"qos"`
	OpenTimeout   time.Duration      `yaml:"open_timeout"`
	KeepAlive     time.Duration      `yaml:"keep_alive"`
	PollInterval  time.Duration      `yaml:"poll_interval"`

	TLSConfig         *tls.Config      `yaml:"-"`
	ClientCertificate *tls.Certificate `yaml:"-"`
}

func (s Settings) Variant() protocol.Variant {
	return protocol.NewVariant(s.Protocol, s.Transport)
}

func (s Settings) WithDefaults() Settings {
	if s.Transport == "" {
		s.Transport = protocol.TCP
	}
	if s.PrefetchCount == 0 {
		s.PrefetchCount = DefaultPrefetchCount
	}
	if s.QoS == QoSUnset && s.Protocol == protocol.MQTT {
		s.QoS = AtLeastOnce
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = DefaultOpenTimeout
	}
	if s.KeepAlive == 0 {
		s.KeepAlive = DefaultKeepAlive
	}
	if s.PollInterval == 0 {
		s.PollInterval = DefaultPollInterval
	}
	return s
}

func (s Settings) Validate() error {
	if err := s.Protocol.Validate(); err != nil {
		return err
	}
	if err := s.Transport.Validate(); err != nil {
		return err
	}
	if s.Protocol == protocol.HTTP1 && s.Transport == protocol.WebSocket {
		return ErrHTTPOverWS
	}
	if s.QoS > AtLeastOnce {
		return ErrInvalidQoS
	}
	if s.PrefetchCount > math.MaxInt32 {
		return ErrPrefetch
	}
	if s.OpenTimeout < 0 {
		return ErrZeroTimeout
	}
	return nil
}

// TLS returns a private copy of the configured TLS settings with the client
// certificate applied.
func (s Settings) TLS(serverName string) *tls.Config {
	var conf *tls.Config
	if s.TLSConfig != nil {
		conf = s.TLSConfig.Clone()
	} else {
		conf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if conf.ServerName == "" {
		conf.ServerName = serverName
	}
	if s.ClientCertificate != nil {
		conf.Certificates = []tls.Certificate{*s.ClientCertificate}
	}
	return conf
}

// Fingerprint identifies settings that may share one physical connection.
func (s Settings) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d", s.Variant(), s.PrefetchCount, s.QoS)
	if s.ClientCertificate != nil && len(s.ClientCertificate.Certificate) > 0 {
		h.Write(s.ClientCertificate.Certificate[0])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// DefaultSettings expands a protocol into its variants in priority order:
// TCP first, WebSocket as fallback.
func DefaultSettings(p protocol.Protocol) []Settings {
	switch p {
	case protocol.AMQP:
		return []Settings{
			{Protocol: protocol.AMQP, Transport: protocol.TCP},
			{Protocol: protocol.AMQP, Transport: protocol.WebSocket},
		}
	case protocol.MQTT:
		return []Settings{
			{Protocol: protocol.MQTT, Transport: protocol.TCP, QoS: AtLeastOnce},
			{Protocol: protocol.MQTT, Transport: protocol.WebSocket, QoS: AtLeastOnce},
		}
	case protocol.HTTP1:
		return []Settings{{Protocol: protocol.HTTP1, Transport: protocol.TCP}}
	}
	return nil
}
