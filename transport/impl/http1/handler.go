// Package http1 is the HTTPS backend. Device-bound messages are long-polled;
// cloud-invoked methods are not available over this protocol.
package http1

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValerySidorin/hubdevice/auth"
	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/terr"
	"github.com/bytedance/sonic"
)

const (
	apiVersion = "2016-11-14"

	batchContentType = "application/vnd.microsoft.iothub.json"

	hdrAppPrefix     = "iothub-app-"
	hdrMessageID     = "iothub-messageid"
	hdrCorrelationID = "iothub-correlationid"
	hdrDeliveryCount = "iothub-deliverycount"
	hdrEnqueuedTime  = "iothub-enqueuedtime"
	hdrContentType   = "Content-Type"
	hdrContentEnc    = "Content-Encoding"

	maxErrorBody = 4 << 10
)

type Option func(*Handler)

func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) {
		h.client = c
	}
}

// WithBaseURL overrides https://{endpoint}.
func WithBaseURL(u string) Option {
	return func(h *Handler) {
		h.baseURL = strings.TrimRight(u, "/")
	}
}

type Handler struct {
	cs       *auth.ConnectionString
	settings transport.Settings
	client   *http.Client
	baseURL  string

	closed atomic.Bool

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
		cs:       p.Conn,
		settings: s,
		baseURL:  "https://" + p.Conn.Endpoint(),
		l:        l.With("protocol", "http1"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.client == nil {
		h.client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				TLSClientConfig:     s.TLS(p.Conn.Endpoint()),
				IdleConnTimeout:     s.KeepAlive,
				TLSHandshakeTimeout: s.OpenTimeout,
			},
		}
	}
	return h, nil
}

func (h *Handler) url(path string, query ...string) string {
	q := "api-version=" + apiVersion
	for _, extra := range query {
		q += "&" + extra
	}
	return h.baseURL + "/devices/" + url.PathEscape(h.cs.DeviceID) + path + "?" + q
}

func (h *Handler) do(ctx context.Context, op, method, u string, body io.Reader, hdr http.Header) (*http.Response, error) {
	if h.closed.Load() {
		return nil, terr.Terminal(ErrClosed)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("http1: %s: %w", op, err)
	}
	for k, vs := range hdr {
		req.Header[k] = vs
	}

	token, err := h.cs.Token(time.Now(), 0)
	if err != nil {
		return nil, fmt.Errorf("http1: %s: %w", op, err)
	}
	req.Header.Set("Authorization", token)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http1: %s: %w", op, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// expect consumes resp and fails unless its status is one of codes.
func expect(op string, resp *http.Response, codes ...int) error {
	for _, c := range codes {
		if resp.StatusCode == c {
			drain(resp)
			return nil
		}
	}
	return statusError(op, resp)
}

func (h *Handler) Open(ctx context.Context, explicit bool) error {
	if h.closed.Load() {
		return terr.Terminal(ErrClosed)
	}
	return nil
}

func (h *Handler) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.client.CloseIdleConnections()
	return nil
}

func messageHeaders(msg *message.Message) http.Header {
	hdr := http.Header{}
	for k, v := range msg.Properties {
		hdr.Set(hdrAppPrefix+k, v)
	}
	if msg.MessageID != "" {
		hdr.Set(hdrMessageID, msg.MessageID)
	}
	if msg.CorrelationID != "" {
		hdr.Set(hdrCorrelationID, msg.CorrelationID)
	}
	if msg.ContentType != "" {
		hdr.Set(hdrContentType, msg.ContentType)
	}
	if msg.ContentEncoding != "" {
		hdr.Set(hdrContentEnc, msg.ContentEncoding)
	}
	return hdr
}

func (h *Handler) SendEvent(ctx context.Context, msg *message.Message) error {
	resp, err := h.do(ctx, "send event", http.MethodPost, h.url("/messages/events"),
		bytes.NewReader(msg.Payload), messageHeaders(msg))
	if err != nil {
		return err
	}
	if err := expect("send event", resp, http.StatusNoContent, http.StatusOK); err != nil {
		return err
	}
	msg.Seal()
	return nil
}

type batchItem struct {
	Body          string            `json:"body"`
	Base64Encoded bool              `json:"base64Encoded"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// SendEventBatch posts the messages as one JSON array in input order.
func (h *Handler) SendEventBatch(ctx context.Context, msgs []*message.Message) error {
	items := make([]batchItem, 0, len(msgs))
	for _, msg := range msgs {
		item := batchItem{
			Body:          base64.StdEncoding.EncodeToString(msg.Payload),
			Base64Encoded: true,
		}
		hdr := messageHeaders(msg)
		if len(hdr) > 0 {
			item.Properties = make(map[string]string, len(hdr))
			for k := range hdr {
				item.Properties[strings.ToLower(k)] = hdr.Get(k)
			}
		}
		items = append(items, item)
	}

	body, err := sonic.Marshal(items)
	if err != nil {
		return fmt.Errorf("http1: marshal batch: %w", err)
	}

	hdr := http.Header{}
	hdr.Set(hdrContentType, batchContentType)
	resp, err := h.do(ctx, "send batch", http.MethodPost, h.url("/messages/events"), bytes.NewReader(body), hdr)
	if err != nil {
		return err
	}
	if err := expect("send batch", resp, http.StatusNoContent, http.StatusOK); err != nil {
		return err
	}
	for _, msg := range msgs {
		msg.Seal()
	}
	return nil
}

// Receive polls the device-bound queue every poll interval until a message
// arrives or timeout elapses.
func (h *Handler) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	deadline := time.Now().Add(timeout)

	for {
		msg, err := h.poll(ctx)
		if err != nil || msg != nil {
			return msg, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		wait = min(wait, h.settings.PollInterval)

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

func (h *Handler) poll(ctx context.Context) (*message.Message, error) {
	resp, err := h.do(ctx, "receive", http.MethodGet, h.url("/messages/deviceBound"), nil, nil)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusNoContent:
		drain(resp)
		return nil, nil
	case http.StatusOK:
	default:
		return nil, statusError("receive", resp)
	}

	payload, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("http1: read message: %w", err)
	}

	msg := message.New(payload)
	msg.LockToken = strings.Trim(resp.Header.Get("ETag"), `"`)
	msg.MessageID = resp.Header.Get(hdrMessageID)
	msg.CorrelationID = resp.Header.Get(hdrCorrelationID)
	msg.ContentType = resp.Header.Get(hdrContentType)
	msg.ContentEncoding = resp.Header.Get(hdrContentEnc)
	if n, err := strconv.ParseUint(resp.Header.Get(hdrDeliveryCount), 10, 32); err == nil {
		msg.DeliveryCount = uint32(n)
	}
	if t, err := time.Parse(time.RFC1123, resp.Header.Get(hdrEnqueuedTime)); err == nil {
		msg.EnqueuedAt = t
	}
	for k := range resp.Header {
		lk := strings.ToLower(k)
		if name, ok := strings.CutPrefix(lk, hdrAppPrefix); ok {
			msg.Properties[name] = resp.Header.Get(k)
		}
	}
	return msg, nil
}

func (h *Handler) settle(ctx context.Context, op, method, lockToken, suffix string, query ...string) error {
	if lockToken == "" {
		return terr.LockLost(ErrEmptyLockToken)
	}
	u := h.url("/messages/deviceBound/"+url.PathEscape(lockToken)+suffix, query...)

	hdr := http.Header{}
	hdr.Set("If-Match", `"`+lockToken+`"`)
	resp, err := h.do(ctx, op, method, u, nil, hdr)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		drain(resp)
		return nil
	case http.StatusNotFound, http.StatusPreconditionFailed:
		return terr.LockLost(statusError(op, resp))
	default:
		return statusError(op, resp)
	}
}

func (h *Handler) Complete(ctx context.Context, lockToken string) error {
	return h.settle(ctx, "complete", http.MethodDelete, lockToken, "")
}

func (h *Handler) Abandon(ctx context.Context, lockToken string) error {
	return h.settle(ctx, "abandon", http.MethodPost, lockToken, "/abandon")
}

func (h *Handler) Reject(ctx context.Context, lockToken string) error {
	return h.settle(ctx, "reject", http.MethodDelete, lockToken, "", "reject")
}

func (h *Handler) EnableMethods(ctx context.Context) error {
	return terr.Capability(ErrMethodsUnsupported)
}

func (h *Handler) DisableMethods(ctx context.Context) error {
	return terr.Capability(ErrMethodsUnsupported)
}

func (h *Handler) SendMethodResponse(ctx context.Context, resp *message.MethodResponse) error {
	return terr.Capability(ErrMethodsUnsupported)
}
