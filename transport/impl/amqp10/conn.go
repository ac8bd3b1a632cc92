// Package amqp10 is the AMQP 1.0 backend. Event, device-bound and method links
// are fault-tolerant resources multiplexed over a session shared through a
// reference-counted connection pool.
package amqp10

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/ValerySidorin/hubdevice/auth"
	"github.com/ValerySidorin/hubdevice/internal/conncache"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/protocol"
)

const (
	tcpPort = 5671
)

var (
	ErrUnknownConnection = errors.New("amqp10: connection not acquired")
)

// SessionProvider hands out sessions shared by every handler of the same
// device identity and transport variant.
type SessionProvider interface {
	Acquire(ctx context.Context, cs *auth.ConnectionString, s transport.Settings) (Session, error)
	Release(cs *auth.ConnectionString, s transport.Settings) error
}

// Connection is one physical AMQP connection and its single session.
type Connection struct {
	conn    *amqp.Conn
	session *amqp.Session

	l *slog.Logger
}

func (c *Connection) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.session != nil {
		if err := c.session.Close(ctx); err != nil {
			c.l.Error("amqp10: close session", "err", err)
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// ConnectionPool keeps TCP and WebSocket connections in separate caches so the
// two variants never share a socket.
type ConnectionPool struct {
	tcp *conncache.Cache[*Connection]
	ws  *conncache.Cache[*Connection]

	l *slog.Logger
}

func NewConnectionPool(l *slog.Logger) *ConnectionPool {
	if l == nil {
		l = slog.Default()
	}
	return &ConnectionPool{
		tcp: conncache.New[*Connection](nil, l),
		ws:  conncache.New[*Connection](nil, l),
		l:   l,
	}
}

func poolKey(cs *auth.ConnectionString, s transport.Settings) conncache.Key {
	return conncache.Key{
		Host:     cs.Endpoint(),
		DeviceID: cs.DeviceID,
		Variant:  s.Fingerprint(),
	}
}

func (p *ConnectionPool) cache(s transport.Settings) *conncache.Cache[*Connection] {
	if s.Transport == protocol.WebSocket {
		return p.ws
	}
	return p.tcp
}

func (p *ConnectionPool) Acquire(ctx context.Context, cs *auth.ConnectionString, s transport.Settings) (Session, error) {
	key := poolKey(cs, s)
	dial := func(ctx context.Context, _ conncache.Key) (*Connection, error) {
		return Dial(ctx, cs, s, p.l)
	}

	c, err := p.cache(s).AcquireWith(ctx, key, dial)
	if err != nil {
		return nil, err
	}
	return session{s: c.session}, nil
}

func (p *ConnectionPool) Release(cs *auth.ConnectionString, s transport.Settings) error {
	err := p.cache(s).Release(poolKey(cs, s))
	if errors.Is(err, conncache.ErrNotAcquired) {
		return ErrUnknownConnection
	}
	return err
}

// Dial opens a connection and its session for one device.
func Dial(ctx context.Context, cs *auth.ConnectionString, s transport.Settings, l *slog.Logger) (*Connection, error) {
	if l == nil {
		l = slog.Default()
	}
	host := cs.Endpoint()

	opts := &amqp.ConnOptions{
		ContainerID: cs.DeviceID,
		HostName:    cs.HostName,
		IdleTimeout: s.KeepAlive,
	}
	sasl, err := saslType(cs)
	if err != nil {
		return nil, err
	}
	opts.SASLType = sasl

	dctx, cancel := context.WithTimeout(ctx, s.OpenTimeout)
	defer cancel()

	var conn *amqp.Conn
	switch s.Transport {
	case protocol.WebSocket:
		nc, err := dialWebSocket(dctx, host, s.TLS(host), s.OpenTimeout)
		if err != nil {
			return nil, err
		}
		conn, err = amqp.NewConn(dctx, nc, opts)
		if err != nil {
			_ = nc.Close()
			return nil, fmt.Errorf("amqp10: new conn: %w", err)
		}
	default:
		opts.TLSConfig = s.TLS(host)
		conn, err = amqp.Dial(dctx, fmt.Sprintf("amqps://%s:%d", host, tcpPort), opts)
		if err != nil {
			return nil, fmt.Errorf("amqp10: dial: %w", err)
		}
	}

	sess, err := conn.NewSession(dctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp10: new session: %w", err)
	}

	l.Debug("amqp10: connected", "host", host, "variant", s.Variant())
	return &Connection{
		conn:    conn,
		session: sess,
		l:       l,
	}, nil
}

func saslType(cs *auth.ConnectionString) (amqp.SASLType, error) {
	if cs.X509 {
		return amqp.SASLTypeExternal(""), nil
	}
	token, err := cs.Token(time.Now(), auth.DefaultTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("amqp10: sas token: %w", err)
	}
	return amqp.SASLTypePlain(cs.DeviceID+"@sas."+cs.HubName(), token), nil
}
