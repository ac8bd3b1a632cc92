// Package mqtt is the MQTT 3.1.1 backend built on paho.mqtt.golang.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValerySidorin/hubdevice/auth"
	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/protocol"
	"github.com/ValerySidorin/hubdevice/transport/terr"
	"github.com/cenkalti/backoff/v5"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	tlsPort    = 8883
	wsPath     = "/$iothub/websocket"
	apiVersion = "2018-06-30"

	disconnectQuiesce = 250
	cleanupTries      = 3
)

// TwinKind tells a TwinHandler which twin channel a frame arrived on.
type TwinKind int

const (
	TwinResponse TwinKind = iota
	TwinDesiredPatch
)

// TwinHandler receives twin frames. Twin property schema is left to the caller.
type TwinHandler func(kind TwinKind, topic string, payload []byte)

type Option func(*Handler)

// WithClientFactory replaces paho.NewClient.
func WithClientFactory(fn func(*paho.ClientOptions) paho.Client) Option {
	return func(h *Handler) {
		h.newClient = fn
	}
}

func WithTwinHandler(fn TwinHandler) Option {
	return func(h *Handler) {
		h.onTwin = fn
	}
}

type pendingAck struct {
	token string
	msg   paho.Message
}

// Handler is the MQTT backend for one device client. Lock tokens are
// "<generation>.<sequence>"; the generation is fixed for the lifetime of the
// handler, so a rebuilt handler rejects tokens issued by its predecessor.
type Handler struct {
	cs        *auth.ConnectionString
	settings  transport.Settings
	onMethod  transport.MethodCallback
	onTwin    TwinHandler
	newClient func(*paho.ClientOptions) paho.Client

	generation string
	seq        atomic.Uint64
	state      stateMachine

	mu       sync.Mutex
	client   paho.Client
	openDone chan struct{}
	openErr  error
	lastErr  error

	subMu     sync.Mutex
	methodsOn bool

	inbound chan paho.Message
	closeCh chan struct{}
	// recvSem makes dequeue and token assignment one step, so tokens enter
	// the completion queue in receipt order.
	recvSem chan struct{}

	queueMu    sync.Mutex
	completion []pendingAck

	l *slog.Logger
}

var _ transport.Transport = (*Handler)(nil)

func Factory(opts ...Option) transport.Factory {
	return func(p transport.Params) (transport.Transport, error) {
		return New(p, opts...)
	}
}

func New(p transport.Params, opts ...Option) (*Handler, error) {
	if p.Conn == nil {
		return nil, auth.ErrEmptyConnString
	}
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	s := p.Settings.WithDefaults()

	h := &Handler{
		cs:         p.Conn,
		settings:   s,
		onMethod:   p.OnMethod,
		newClient:  paho.NewClient,
		generation: uuid.NewString(),
		inbound:    make(chan paho.Message, s.PrefetchCount),
		closeCh:    make(chan struct{}),
		recvSem:    make(chan struct{}, 1),
		l:          l.With("protocol", "mqtt", "variant", s.Variant()),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// State reports the current connection state.
func (h *Handler) State() State {
	return h.state.Load()
}

func (h *Handler) Faulted() bool {
	return h.state.Load() == StateError
}

// LastError returns the error that moved the handler into the error state.
func (h *Handler) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *Handler) brokerURL() string {
	host := h.cs.Endpoint()
	if h.settings.Transport == protocol.WebSocket {
		return "wss://" + host + ":443" + wsPath
	}
	return fmt.Sprintf("ssl://%s:%d", host, tlsPort)
}

func (h *Handler) clientOptions() (*paho.ClientOptions, error) {
	host := h.cs.Endpoint()

	opts := paho.NewClientOptions()
	opts.AddBroker(h.brokerURL())
	opts.SetClientID(h.cs.DeviceID)
	opts.SetUsername(h.cs.HostName + "/" + h.cs.DeviceID + "/?api-version=" + apiVersion)
	if !h.cs.X509 {
		token, err := h.cs.Token(time.Now(), auth.DefaultTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("mqtt: sas token: %w", err)
		}
		opts.SetPassword(token)
	}
	opts.SetTLSConfig(h.settings.TLS(host))
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(false)
	opts.SetKeepAlive(h.settings.KeepAlive)
	opts.SetConnectTimeout(h.settings.OpenTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetAutoAckDisabled(true)
	opts.SetOrderMatters(true)
	opts.SetDefaultPublishHandler(h.onMessage)
	opts.SetConnectionLostHandler(h.onConnectionLost)
	return opts, nil
}

func waitToken(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureOpen performs the handshake once. Concurrent callers wait on the
// same attempt.
func (h *Handler) ensureOpen(ctx context.Context) error {
	h.mu.Lock()
	st := h.state.Load()
	switch {
	case st.isOpenFamily():
		h.mu.Unlock()
		return nil
	case st == StateClosed:
		h.mu.Unlock()
		return terr.Terminal(ErrClosed)
	case st == StateError:
		err := h.lastErr
		h.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrFaulted, err)
	case st == StateOpening:
		done := h.openDone
		h.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		h.mu.Lock()
		err := h.openErr
		h.mu.Unlock()
		return err
	}

	if !h.state.transition(StateNotInitialized, StateOpening) {
		h.mu.Unlock()
		return h.ensureOpen(ctx)
	}
	done := make(chan struct{})
	h.openDone = done
	h.mu.Unlock()

	client, err := h.connect(ctx)

	h.mu.Lock()
	h.openErr = err
	if err == nil {
		h.client = client
		if !h.state.transition(StateOpening, StateOpen) {
			// Closed while connecting.
			client.Disconnect(disconnectQuiesce)
			h.openErr = terr.Terminal(ErrClosed)
		}
	} else {
		h.state.transition(StateOpening, StateNotInitialized)
	}
	err = h.openErr
	close(done)
	h.mu.Unlock()

	return err
}

func (h *Handler) connect(ctx context.Context) (paho.Client, error) {
	opts, err := h.clientOptions()
	if err != nil {
		return nil, err
	}

	client := h.newClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}

	if h.onTwin != nil {
		tok := client.SubscribeMultiple(map[string]byte{
			twinResFilter:   0,
			twinPatchFilter: 0,
		}, nil)
		if err := waitToken(ctx, tok); err != nil {
			client.Disconnect(0)
			return nil, fmt.Errorf("mqtt: subscribe twin: %w", err)
		}
	}

	h.l.Debug("mqtt: connected", "broker", h.brokerURL())
	return client, nil
}

func (h *Handler) currentClient() paho.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

func (h *Handler) Open(ctx context.Context, explicit bool) error {
	if !explicit {
		return nil
	}
	return h.ensureOpen(ctx)
}

func (h *Handler) Close(ctx context.Context) error {
	prev := h.state.set(StateClosed)
	if prev == StateClosed {
		return nil
	}
	close(h.closeCh)

	if client := h.currentClient(); client != nil && prev != StateError {
		client.Disconnect(disconnectQuiesce)
	}

	h.queueMu.Lock()
	h.completion = nil
	h.queueMu.Unlock()

	h.l.Debug("mqtt: closed")
	return nil
}

func (h *Handler) publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if err := h.ensureOpen(ctx); err != nil {
		return err
	}
	if err := waitToken(ctx, h.currentClient().Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt: publish: %w", err)
	}
	return nil
}

func (h *Handler) SendEvent(ctx context.Context, msg *message.Message) error {
	topic := eventsTopic(h.cs.DeviceID, msg)
	if err := h.publish(ctx, topic, h.settings.QoS.Level(), msg.Payload); err != nil {
		return err
	}
	msg.Seal()
	return nil
}

// SendEventBatch publishes the messages one by one in input order.
func (h *Handler) SendEventBatch(ctx context.Context, msgs []*message.Message) error {
	for i, msg := range msgs {
		if err := h.SendEvent(ctx, msg); err != nil {
			return fmt.Errorf("mqtt: batch item %d: %w", i, err)
		}
	}
	return nil
}

func (h *Handler) ensureSubscribed(ctx context.Context) error {
	if h.state.Load() == StateReceiving {
		return nil
	}

	h.subMu.Lock()
	defer h.subMu.Unlock()

	if h.state.Load() == StateReceiving {
		return nil
	}
	if !h.state.transition(StateOpen, StateSubscribing) {
		return h.ensureOpen(ctx)
	}

	tok := h.currentClient().Subscribe(deviceBoundFilter(h.cs.DeviceID), h.settings.QoS.Level(), nil)
	if err := waitToken(ctx, tok); err != nil {
		h.state.transition(StateSubscribing, StateOpen)
		return fmt.Errorf("mqtt: subscribe: %w", err)
	}
	h.state.transition(StateSubscribing, StateReceiving)
	return nil
}

func (h *Handler) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	if err := h.ensureOpen(ctx); err != nil {
		return nil, err
	}
	if err := h.ensureSubscribed(ctx); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h.recvSem <- struct{}{}:
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-h.recvSem }()

	var pm paho.Message
	select {
	case pm = <-h.inbound:
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.closeCh:
		return nil, terr.Terminal(ErrClosed)
	}

	msg := parseDeviceBound(h.cs.DeviceID, pm.Topic(), pm.Payload())
	if pm.Duplicate() {
		msg.DeliveryCount = 1
	}

	if h.settings.QoS == transport.AtMostOnce || pm.Qos() == 0 {
		pm.Ack()
		return msg, nil
	}

	msg.LockToken = h.generation + "." + strconv.FormatUint(h.seq.Add(1), 10)

	h.queueMu.Lock()
	h.completion = append(h.completion, pendingAck{token: msg.LockToken, msg: pm})
	h.queueMu.Unlock()

	return msg, nil
}

// Complete acknowledges the oldest outstanding message. PUBACKs must go out
// in receipt order, so any other token is refused.
func (h *Handler) Complete(ctx context.Context, lockToken string) error {
	if h.settings.QoS == transport.AtMostOnce {
		return terr.Capability(ErrQoS0Ack)
	}

	gen, _, ok := strings.Cut(lockToken, ".")
	if !ok || gen != h.generation {
		return terr.LockLost(fmt.Errorf("%w: %s", ErrStaleLockToken, lockToken))
	}

	h.queueMu.Lock()
	idx := -1
	for i, p := range h.completion {
		if p.token == lockToken {
			idx = i
			break
		}
	}
	switch idx {
	case -1:
		h.queueMu.Unlock()
		return terr.LockLost(fmt.Errorf("%w: %s", ErrUnknownLockToken, lockToken))
	case 0:
	default:
		head := h.completion[0].token
		h.queueMu.Unlock()
		return terr.ProtocolViolation(fmt.Errorf("%w: got %s, expected %s", ErrOutOfOrder, lockToken, head))
	}
	p := h.completion[0]
	h.completion = h.completion[1:]
	h.queueMu.Unlock()

	p.msg.Ack()
	return nil
}

func (h *Handler) Abandon(ctx context.Context, lockToken string) error {
	return terr.Capability(ErrNoNegativeAck)
}

func (h *Handler) Reject(ctx context.Context, lockToken string) error {
	return terr.Capability(ErrNoNegativeAck)
}

func (h *Handler) EnableMethods(ctx context.Context) error {
	if err := h.ensureOpen(ctx); err != nil {
		return err
	}

	h.subMu.Lock()
	defer h.subMu.Unlock()

	if h.methodsOn {
		return nil
	}
	if err := waitToken(ctx, h.currentClient().Subscribe(methodPostFilter, 0, nil)); err != nil {
		return fmt.Errorf("mqtt: subscribe methods: %w", err)
	}
	h.methodsOn = true
	return nil
}

func (h *Handler) DisableMethods(ctx context.Context) error {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	if !h.methodsOn {
		return nil
	}
	if h.state.Load().isOpenFamily() {
		if err := waitToken(ctx, h.currentClient().Unsubscribe(methodPostFilter)); err != nil {
			return fmt.Errorf("mqtt: unsubscribe methods: %w", err)
		}
	}
	h.methodsOn = false
	return nil
}

func (h *Handler) SendMethodResponse(ctx context.Context, resp *message.MethodResponse) error {
	if err := resp.Validate(); err != nil {
		return terr.Fatal(err)
	}
	return h.publish(ctx, methodResponseTopic(resp.Status, resp.RequestID), 0, resp.Body)
}

func (h *Handler) methodsEnabled() bool {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	return h.methodsOn
}

func (h *Handler) onMessage(_ paho.Client, pm paho.Message) {
	if !h.state.Load().isOpenFamily() {
		h.l.Debug("mqtt: drop message outside open state", "topic", pm.Topic())
		return
	}

	switch kindOf(pm.Topic()) {
	case topicMethod:
		pm.Ack()
		h.dispatchMethod(pm)
	case topicTwinResponse, topicTwinPatch:
		pm.Ack()
		if h.onTwin == nil {
			h.l.Debug("mqtt: drop twin frame", "topic", pm.Topic())
			return
		}
		kind := TwinResponse
		if kindOf(pm.Topic()) == topicTwinPatch {
			kind = TwinDesiredPatch
		}
		h.onTwin(kind, pm.Topic(), pm.Payload())
	default:
		select {
		case h.inbound <- pm:
		case <-h.closeCh:
		}
	}
}

func (h *Handler) dispatchMethod(pm paho.Message) {
	if !h.methodsEnabled() || h.onMethod == nil {
		return
	}
	name, rid, err := parseMethodTopic(pm.Topic())
	if err != nil {
		h.l.Warn("mqtt: drop method request", "err", err)
		return
	}
	req := &message.MethodRequest{
		Name:      name,
		RequestID: rid,
		Body:      pm.Payload(),
	}
	if err := req.Validate(); err != nil {
		h.l.Warn("mqtt: drop method request", "method", name, "err", err)
		return
	}
	h.onMethod(context.Background(), req)
}

func (h *Handler) onConnectionLost(client paho.Client, err error) {
	h.mu.Lock()
	if h.lastErr == nil {
		h.lastErr = err
	}
	h.mu.Unlock()

	prev := h.state.set(StateError)
	if prev == StateClosed || prev == StateError {
		return
	}
	h.l.Error("mqtt: connection lost", "state", prev, "err", err)

	go h.cleanup(client)
}

// cleanup tears the dead client down with its own bounded retry, separate from
// the retry stage in front of the handler.
func (h *Handler) cleanup(client paho.Client) {
	h.queueMu.Lock()
	h.completion = nil
	h.queueMu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		client.Disconnect(0)
		if client.IsConnectionOpen() {
			return struct{}{}, ErrStillConnected
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(cleanupTries))
	if err != nil {
		h.l.Warn("mqtt: cleanup", "err", err)
	}
}
