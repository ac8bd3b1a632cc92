package amqp10

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/ValerySidorin/hubdevice/auth"
	"github.com/ValerySidorin/hubdevice/internal/faulttolerant"
	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/terr"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const (
	apiVersion = "2016-11-14"

	propAPIVersion    = "com.microsoft:api-version"
	propCorrelationID = "com.microsoft:channel-correlation-id"
	propMethodName    = "IoThub-methodname"
	propMethodStatus  = "IoThub-status"
	annotEnqueuedTime = "x-opt-enqueued-time"

	methodRetryDelay = time.Second

	// pending method requests remembered for their raw correlation id
	maxMethodRequests = 1024
)

func eventsAddress(deviceID string) string {
	return "/devices/" + deviceID + "/messages/events"
}

func deviceBoundAddress(deviceID string) string {
	return "/devices/" + deviceID + "/messages/deviceBound"
}

func methodsAddress(deviceID string) string {
	return "/devices/" + deviceID + "/methods/devicebound"
}

type delivery struct {
	msg      *amqp.Message
	receiver Receiver
}

type methodLinks struct {
	sender   *faulttolerant.Resource[Sender]
	receiver *faulttolerant.Resource[Receiver]

	cancel context.CancelFunc
	done   chan struct{}
}

// Handler is the AMQP backend for one device client.
type Handler struct {
	cs       *auth.ConnectionString
	settings transport.Settings
	pool     SessionProvider
	onMethod transport.MethodCallback

	sessMu   sync.Mutex
	sess     Session
	acquired bool

	events *faulttolerant.Resource[Sender]
	inbox  *faulttolerant.Resource[Receiver]

	mu      sync.Mutex
	methods *methodLinks
	closed  bool

	pendingMu sync.Mutex
	pending   map[string]delivery

	requests *lru.Cache[string, any]

	faulted atomic.Bool

	l *slog.Logger
}

var _ transport.Transport = (*Handler)(nil)

// Factory returns a transport.Factory building handlers on pool.
func Factory(pool SessionProvider) transport.Factory {
	return func(p transport.Params) (transport.Transport, error) {
		return New(p, pool)
	}
}

func New(p transport.Params, pool SessionProvider) (*Handler, error) {
	if p.Conn == nil {
		return nil, auth.ErrEmptyConnString
	}
	if pool == nil {
		return nil, errors.New("amqp10: nil session provider")
	}
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	s := p.Settings.WithDefaults()

	requests, err := lru.New[string, any](maxMethodRequests)
	if err != nil {
		return nil, fmt.Errorf("amqp10: new request cache: %w", err)
	}

	h := &Handler{
		cs:       p.Conn,
		settings: s,
		pool:     pool,
		onMethod: p.OnMethod,
		pending:  make(map[string]delivery),
		requests: requests,
		l:        l.With("protocol", "amqp10", "variant", s.Variant()),
	}

	h.events = faulttolerant.New[Sender](func(ctx context.Context) (Sender, error) {
		return h.newSender(ctx, eventsAddress(h.cs.DeviceID), nil)
	}, closeLink[Sender], s.OpenTimeout)

	h.inbox = faulttolerant.New[Receiver](func(ctx context.Context) (Receiver, error) {
		return h.newReceiver(ctx, deviceBoundAddress(h.cs.DeviceID), nil, amqp.ReceiverSettleModeSecond.Ptr())
	}, closeLink[Receiver], s.OpenTimeout)

	return h, nil
}

func closeLink[T interface{ Close(context.Context) error }](ctx context.Context, link T) error {
	return link.Close(ctx)
}

func (h *Handler) session(ctx context.Context) (Session, error) {
	h.sessMu.Lock()
	defer h.sessMu.Unlock()

	if h.sess != nil {
		return h.sess, nil
	}
	sess, err := h.pool.Acquire(ctx, h.cs, h.settings)
	if err != nil {
		return nil, err
	}
	h.sess, h.acquired = sess, true
	return sess, nil
}

func (h *Handler) release() error {
	h.sessMu.Lock()
	defer h.sessMu.Unlock()

	if !h.acquired {
		return nil
	}
	h.sess, h.acquired = nil, false
	return h.pool.Release(h.cs, h.settings)
}

func (h *Handler) newSender(ctx context.Context, target string, props map[string]any) (Sender, error) {
	sess, err := h.session(ctx)
	if err != nil {
		return nil, err
	}
	snd, err := sess.NewSender(ctx, target, &amqp.SenderOptions{
		Name:       "sender_" + uuid.NewString(),
		Properties: props,
	})
	if err != nil {
		h.markFault(err)
		return nil, fmt.Errorf("amqp10: open sender %s: %w", target, err)
	}
	return snd, nil
}

// newReceiver opens a receiver link. Settle mode second makes dispositions
// wait for the hub, so a lost lock surfaces from Accept/Release/Reject.
func (h *Handler) newReceiver(ctx context.Context, source string, props map[string]any, mode *amqp.ReceiverSettleMode) (Receiver, error) {
	sess, err := h.session(ctx)
	if err != nil {
		return nil, err
	}
	rcv, err := sess.NewReceiver(ctx, source, &amqp.ReceiverOptions{
		Name:           "receiver_" + uuid.NewString(),
		Credit:         int32(h.settings.PrefetchCount),
		Properties:     props,
		SettlementMode: mode,
	})
	if err != nil {
		h.markFault(err)
		return nil, fmt.Errorf("amqp10: open receiver %s: %w", source, err)
	}
	return rcv, nil
}

// markFault flags the handler for replacement when the shared session or
// connection is gone; recreating links on it cannot succeed.
func (h *Handler) markFault(err error) {
	if isConnFault(err) && h.faulted.CompareAndSwap(false, true) {
		h.l.Warn("amqp10: connection faulted", "err", err)
	}
}

func (h *Handler) Faulted() bool {
	return h.faulted.Load()
}

func (h *Handler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handler) Open(ctx context.Context, explicit bool) error {
	if !explicit {
		return nil
	}
	if h.isClosed() {
		return terr.Terminal(faulttolerant.ErrClosed)
	}
	if _, err := h.events.Get(ctx); err != nil {
		return err
	}
	if _, err := h.inbox.Get(ctx); err != nil {
		return err
	}
	return nil
}

func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	methods := h.methods
	h.methods = nil
	h.mu.Unlock()

	if methods != nil {
		methods.stop()
	}

	var g errgroup.Group
	g.Go(func() error { return h.events.Close(ctx) })
	g.Go(func() error { return h.inbox.Close(ctx) })
	if methods != nil {
		g.Go(func() error { return methods.sender.Close(ctx) })
		g.Go(func() error { return methods.receiver.Close(ctx) })
	}
	linkErr := g.Wait()
	if linkErr != nil {
		h.l.Error("amqp10: close links", "err", linkErr)
	}

	h.pendingMu.Lock()
	clear(h.pending)
	h.pendingMu.Unlock()
	h.requests.Purge()

	if err := h.release(); err != nil {
		return fmt.Errorf("amqp10: release connection: %w", err)
	}
	return nil
}

func toAMQP(msg *message.Message) *amqp.Message {
	tag := uuid.New()
	m := &amqp.Message{
		DeliveryTag: tag[:],
		Data:        [][]byte{msg.Payload},
		Properties:  &amqp.MessageProperties{},
	}
	if msg.MessageID != "" {
		m.Properties.MessageID = msg.MessageID
	}
	if msg.CorrelationID != "" {
		m.Properties.CorrelationID = msg.CorrelationID
	}
	if msg.ContentType != "" {
		ct := msg.ContentType
		m.Properties.ContentType = &ct
	}
	if msg.ContentEncoding != "" {
		ce := msg.ContentEncoding
		m.Properties.ContentEncoding = &ce
	}
	if len(msg.Properties) > 0 {
		m.ApplicationProperties = make(map[string]any, len(msg.Properties))
		for k, v := range msg.Properties {
			m.ApplicationProperties[k] = v
		}
	}
	return m
}

func idString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case amqp.UUID:
		return v.String()
	case []byte:
		return hex.EncodeToString(v)
	default:
		return fmt.Sprint(v)
	}
}

func fromAMQP(m *amqp.Message) *message.Message {
	msg := message.New(m.GetData())
	if p := m.Properties; p != nil {
		msg.MessageID = idString(p.MessageID)
		msg.CorrelationID = idString(p.CorrelationID)
		if p.ContentType != nil {
			msg.ContentType = *p.ContentType
		}
		if p.ContentEncoding != nil {
			msg.ContentEncoding = *p.ContentEncoding
		}
	}
	if m.Header != nil {
		msg.DeliveryCount = m.Header.DeliveryCount
	}
	if t, ok := m.Annotations[annotEnqueuedTime].(time.Time); ok {
		msg.EnqueuedAt = t
	}
	for k, v := range m.ApplicationProperties {
		if s, ok := v.(string); ok {
			msg.Properties[k] = s
		} else {
			msg.Properties[k] = fmt.Sprint(v)
		}
	}
	return msg
}

func (h *Handler) send(ctx context.Context, link *faulttolerant.Resource[Sender], m *amqp.Message) error {
	snd, err := link.Get(ctx)
	if err != nil {
		return err
	}
	state, err := snd.Send(ctx, m)
	if err != nil {
		if isLinkFault(err) {
			h.markFault(err)
			if ferr := link.Fault(ctx, snd); ferr != nil {
				h.l.Debug("amqp10: close faulted sender", "err", ferr)
			}
		}
		return fmt.Errorf("amqp10: send: %w", err)
	}
	if err := outcomeError(state); err != nil {
		return fmt.Errorf("amqp10: send: %w", err)
	}
	return nil
}

func (h *Handler) SendEvent(ctx context.Context, msg *message.Message) error {
	if h.isClosed() {
		return terr.Terminal(faulttolerant.ErrClosed)
	}
	if err := h.send(ctx, h.events, toAMQP(msg)); err != nil {
		return err
	}
	msg.Seal()
	return nil
}

// SendEventBatch sends the messages one by one in input order.
func (h *Handler) SendEventBatch(ctx context.Context, msgs []*message.Message) error {
	for i, msg := range msgs {
		if err := h.SendEvent(ctx, msg); err != nil {
			return fmt.Errorf("amqp10: batch item %d: %w", i, err)
		}
	}
	return nil
}

func (h *Handler) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	if h.isClosed() {
		return nil, terr.Terminal(faulttolerant.ErrClosed)
	}
	rcv, err := h.inbox.Get(ctx)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m, err := rcv.Receive(rctx, nil)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if isLinkFault(err) {
			h.markFault(err)
			if ferr := h.inbox.Fault(ctx, rcv); ferr != nil {
				h.l.Debug("amqp10: close faulted receiver", "err", ferr)
			}
		}
		return nil, fmt.Errorf("amqp10: receive: %w", err)
	}

	msg := fromAMQP(m)
	token := hex.EncodeToString(m.DeliveryTag)
	if token == "" {
		token = uuid.NewString()
	}
	msg.LockToken = token

	h.pendingMu.Lock()
	h.pending[token] = delivery{msg: m, receiver: rcv}
	h.pendingMu.Unlock()

	return msg, nil
}

func (h *Handler) settle(ctx context.Context, lockToken string, fn func(ctx context.Context, d delivery) error) error {
	h.pendingMu.Lock()
	d, ok := h.pending[lockToken]
	h.pendingMu.Unlock()
	if !ok {
		return terr.LockLost(fmt.Errorf("%w: %s", ErrUnknownLockToken, lockToken))
	}

	if current, ok := h.inbox.Peek(); !ok || current != d.receiver {
		h.forget(lockToken)
		return terr.LockLost(fmt.Errorf("%w: %s", ErrStaleLockToken, lockToken))
	}

	if err := fn(ctx, d); err != nil {
		if isLockLost(err) {
			h.forget(lockToken)
			return terr.LockLost(err)
		}
		return fmt.Errorf("amqp10: settle: %w", err)
	}
	h.forget(lockToken)
	return nil
}

func (h *Handler) forget(lockToken string) {
	h.pendingMu.Lock()
	delete(h.pending, lockToken)
	h.pendingMu.Unlock()
}

func (h *Handler) Complete(ctx context.Context, lockToken string) error {
	return h.settle(ctx, lockToken, func(ctx context.Context, d delivery) error {
		return d.receiver.AcceptMessage(ctx, d.msg)
	})
}

func (h *Handler) Abandon(ctx context.Context, lockToken string) error {
	return h.settle(ctx, lockToken, func(ctx context.Context, d delivery) error {
		return d.receiver.ReleaseMessage(ctx, d.msg)
	})
}

func (h *Handler) Reject(ctx context.Context, lockToken string) error {
	return h.settle(ctx, lockToken, func(ctx context.Context, d delivery) error {
		return d.receiver.RejectMessage(ctx, d.msg, nil)
	})
}

func (h *Handler) EnableMethods(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return terr.Terminal(faulttolerant.ErrClosed)
	}
	if h.methods != nil {
		return nil
	}

	props := map[string]any{
		propAPIVersion:    apiVersion,
		propCorrelationID: "methods:" + uuid.NewString(),
	}
	addr := methodsAddress(h.cs.DeviceID)

	m := &methodLinks{
		sender: faulttolerant.New[Sender](func(ctx context.Context) (Sender, error) {
			return h.newSender(ctx, addr, props)
		}, closeLink[Sender], h.settings.OpenTimeout),
		receiver: faulttolerant.New[Receiver](func(ctx context.Context) (Receiver, error) {
			return h.newReceiver(ctx, addr, props, nil)
		}, closeLink[Receiver], h.settings.OpenTimeout),
		done: make(chan struct{}),
	}

	if _, err := m.sender.Get(ctx); err != nil {
		_ = m.sender.Close(ctx)
		return err
	}
	if _, err := m.receiver.Get(ctx); err != nil {
		_ = m.sender.Close(ctx)
		_ = m.receiver.Close(ctx)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go h.methodLoop(loopCtx, m)

	h.methods = m
	h.l.Debug("amqp10: methods enabled")
	return nil
}

func (h *Handler) DisableMethods(ctx context.Context) error {
	h.mu.Lock()
	m := h.methods
	h.methods = nil
	h.mu.Unlock()

	if m == nil {
		return nil
	}
	m.stop()
	h.requests.Purge()

	var g errgroup.Group
	g.Go(func() error { return m.sender.Close(ctx) })
	g.Go(func() error { return m.receiver.Close(ctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("amqp10: close method links: %w", err)
	}
	h.l.Debug("amqp10: methods disabled")
	return nil
}

func (m *methodLinks) stop() {
	m.cancel()
	<-m.done
}

func (h *Handler) methodLoop(ctx context.Context, m *methodLinks) {
	defer close(m.done)

	for {
		rcv, err := m.receiver.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.l.Error("amqp10: open method receiver", "err", err)
			if !sleepCtx(ctx, methodRetryDelay) {
				return
			}
			continue
		}

		am, err := rcv.Receive(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.l.Error("amqp10: receive method request", "err", err)
			h.markFault(err)
			_ = m.receiver.Fault(ctx, rcv)
			continue
		}

		if err := rcv.AcceptMessage(ctx, am); err != nil {
			h.l.Error("amqp10: accept method request", "err", err)
		}

		req := h.methodRequest(am)
		if req == nil {
			continue
		}
		if h.onMethod != nil {
			h.onMethod(ctx, req)
		}
	}
}

func (h *Handler) methodRequest(am *amqp.Message) *message.MethodRequest {
	name, _ := am.ApplicationProperties[propMethodName].(string)
	var rawID any
	if am.Properties != nil {
		rawID = am.Properties.CorrelationID
	}
	id := idString(rawID)

	req := &message.MethodRequest{
		Name:      name,
		RequestID: id,
		Body:      am.GetData(),
	}
	if err := req.Validate(); err != nil {
		h.l.Warn("amqp10: drop malformed method request", "err", err)
		return nil
	}

	h.requests.Add(id, rawID)
	return req
}

func (h *Handler) SendMethodResponse(ctx context.Context, resp *message.MethodResponse) error {
	if err := resp.Validate(); err != nil {
		return terr.Fatal(err)
	}

	h.mu.Lock()
	m := h.methods
	h.mu.Unlock()
	if m == nil {
		return terr.Capability(ErrMethodsDisabled)
	}

	rawID, ok := h.requests.Peek(resp.RequestID)
	if !ok {
		rawID = resp.RequestID
	}

	tag := uuid.New()
	am := &amqp.Message{
		DeliveryTag: tag[:],
		Data:        [][]byte{resp.Body},
		Properties: &amqp.MessageProperties{
			CorrelationID: rawID,
		},
		ApplicationProperties: map[string]any{
			propMethodStatus: int32(resp.Status),
		},
	}
	if err := h.send(ctx, m.sender, am); err != nil {
		if kind, ok := Classify(err); ok && kind != terr.KindTransient {
			h.requests.Remove(resp.RequestID)
		}
		return err
	}

	h.requests.Remove(resp.RequestID)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
