package amqp10

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsSubprotocol = "AMQPWSB10"
	wsPath        = "/$iothub/websocket"
)

// wsConn exposes a binary websocket stream as a net.Conn so it can carry
// AMQP frames.
type wsConn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	r      io.Reader

	writeMu sync.Mutex
}

var _ net.Conn = (*wsConn)(nil)

func dialWebSocket(ctx context.Context, host string, tlsConf *tls.Config, timeout time.Duration) (net.Conn, error) {
	d := websocket.Dialer{
		TLSClientConfig:  tlsConf,
		Subprotocols:     []string{wsSubprotocol},
		HandshakeTimeout: timeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}

	ws, resp, err := d.DialContext(ctx, "wss://"+host+":443"+wsPath, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("amqp10: websocket dial: %w", err)
	}
	if ws.Subprotocol() != wsSubprotocol {
		_ = ws.Close()
		return nil, fmt.Errorf("amqp10: websocket: server selected subprotocol %q", ws.Subprotocol())
	}

	return &wsConn{ws: ws}, nil
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.r == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}

		n, err := c.r.Read(b)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
