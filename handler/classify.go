package handler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/terr"
)

// Classifier maps a backend-native error to a kind. It reports false for
// errors it does not recognise.
type Classifier func(err error) (terr.Kind, bool)

// Classify maps backend errors onto the terr taxonomy before they travel up
// the chain. Errors no classifier recognises propagate unmapped.
type Classify struct {
	next        transport.Transport
	classifiers []Classifier
}

// NewClassify appends NetClassifier after the given backend classifiers.
func NewClassify(next transport.Transport, classifiers ...Classifier) *Classify {
	cs := make([]Classifier, 0, len(classifiers)+1)
	cs = append(cs, classifiers...)
	cs = append(cs, NetClassifier)
	return &Classify{
		next:        next,
		classifiers: cs,
	}
}

func (c *Classify) classify(err error) error {
	return classifyWith(c.classifiers, err)
}

func classifyWith(classifiers []Classifier, err error) error {
	if err == nil || terr.IsClassified(err) {
		return err
	}
	for _, f := range classifiers {
		if kind, ok := f(err); ok {
			return terr.New(kind, err)
		}
	}
	return err
}

// NetClassifier recognises context, socket and TLS failures.
func NetClassifier(err error) (terr.Kind, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return terr.KindTimeout, true
	case errors.Is(err, context.Canceled):
		return 0, false
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		hostnameErr      x509.HostnameError
		certInvalid      x509.CertificateInvalidError
		recordHeader     tls.RecordHeaderError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) ||
		errors.As(err, &certInvalid) || errors.As(err, &recordHeader) {
		return terr.KindFatal, true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return terr.KindTransient, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return terr.KindTransient, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return terr.KindTransient, true
	}

	return 0, false
}

func (c *Classify) Open(ctx context.Context, explicit bool) error {
	return c.classify(c.next.Open(ctx, explicit))
}

func (c *Classify) Close(ctx context.Context) error {
	return c.classify(c.next.Close(ctx))
}

func (c *Classify) SendEvent(ctx context.Context, msg *message.Message) error {
	return c.classify(c.next.SendEvent(ctx, msg))
}

func (c *Classify) SendEventBatch(ctx context.Context, msgs []*message.Message) error {
	return c.classify(c.next.SendEventBatch(ctx, msgs))
}

func (c *Classify) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	msg, err := c.next.Receive(ctx, timeout)
	return msg, c.classify(err)
}

func (c *Classify) Complete(ctx context.Context, lockToken string) error {
	return c.classify(c.next.Complete(ctx, lockToken))
}

func (c *Classify) Abandon(ctx context.Context, lockToken string) error {
	return c.classify(c.next.Abandon(ctx, lockToken))
}

func (c *Classify) Reject(ctx context.Context, lockToken string) error {
	return c.classify(c.next.Reject(ctx, lockToken))
}

func (c *Classify) EnableMethods(ctx context.Context) error {
	return c.classify(c.next.EnableMethods(ctx))
}

func (c *Classify) DisableMethods(ctx context.Context) error {
	return c.classify(c.next.DisableMethods(ctx))
}

func (c *Classify) SendMethodResponse(ctx context.Context, resp *message.MethodResponse) error {
	return c.classify(c.next.SendMethodResponse(ctx, resp))
}
