package amqp10

import (
	"context"

	"github.com/Azure/go-amqp"
)

// Sender transfers one message and reports the outcome the peer settled it
// with.
type Sender interface {
	Send(ctx context.Context, msg *amqp.Message) (amqp.DeliveryState, error)
	Close(ctx context.Context) error
}

// Receiver is the part of *amqp.Receiver the handler uses.
type Receiver interface {
	Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error)
	AcceptMessage(ctx context.Context, msg *amqp.Message) error
	ReleaseMessage(ctx context.Context, msg *amqp.Message) error
	RejectMessage(ctx context.Context, msg *amqp.Message, e *amqp.Error) error
	Close(ctx context.Context) error
}

// Session opens links on one AMQP session.
type Session interface {
	NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (Sender, error)
	NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (Receiver, error)
}

type sender struct {
	s *amqp.Sender
}

func (s sender) Send(ctx context.Context, msg *amqp.Message) (amqp.DeliveryState, error) {
	receipt, err := s.s.SendWithReceipt(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	return receipt.Wait(ctx)
}

func (s sender) Close(ctx context.Context) error {
	return s.s.Close(ctx)
}

type session struct {
	s *amqp.Session
}

func (s session) NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (Sender, error) {
	snd, err := s.s.NewSender(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	return sender{s: snd}, nil
}

func (s session) NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (Receiver, error) {
	rcv, err := s.s.NewReceiver(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	return rcv, nil
}
