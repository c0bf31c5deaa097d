package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

var (
	ErrTransport      = errors.New("event bus transport error")
	ErrTimeout        = errors.New("event bus request timeout")
	ErrNoResponder    = errors.New("no responder on subject")
	ErrUnknownSubject = errors.New("unknown subject")
)

// Message is a decoded bus message. Payload is nil when the subscription was
// made without a registered decoder.
type Message struct {
	Subject string
	Data    []byte
	Payload interface{}
	// Reply is non-empty for request messages.
	Reply string
}

// Bus is the JSON-framed pub/sub and request/reply surface used by every
// component. The NATS-backed implementation is Adapter; tests substitute
// in-process fakes.
type Bus interface {
	Publish(subject string, payload interface{}) error
	Subscribe(ctx context.Context, pattern string) (<-chan Message, error)
	Request(ctx context.Context, subject string, payload interface{}, timeout time.Duration) ([]byte, error)
	Respond(ctx context.Context, subject string, handler func(ctx context.Context, msg Message) (interface{}, error)) error
}

type Adapter struct {
	conn     *nats.Conn
	registry *Registry
	// queueBound caps the per-subscription buffered channel; a full channel
	// blocks the NATS callback, which is the backpressure signal upstream.
	queueBound int
}

func NewAdapter(conn *nats.Conn, registry *Registry) *Adapter {
	return &Adapter{
		conn:       conn,
		registry:   registry,
		queueBound: 64,
	}
}

func (a *Adapter) Publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := a.conn.Publish(subject, data); err != nil {
		return errors.Join(ErrTransport, err)
	}
	return nil
}

// Subscribe delivers messages for a subject pattern until ctx is cancelled.
// The decoder is selected from the registry once, at subscribe time.
func (a *Adapter) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	decoder, err := a.registry.Lookup(pattern)
	if err != nil {
		return nil, err
	}

	out := make(chan Message, a.queueBound)
	sub, err := a.conn.Subscribe(pattern, func(msg *nats.Msg) {
		payload, decodeErr := decoder(msg.Data)
		if decodeErr != nil {
			zerolog.Ctx(ctx).Error().Err(decodeErr).Str("subject", msg.Subject).
				Msg("dropping malformed bus message")
			return
		}
		select {
		case out <- Message{Subject: msg.Subject, Data: msg.Data, Payload: payload, Reply: msg.Reply}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, errors.Join(ErrTransport, err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("pattern", pattern).Msg("unsubscribe failed")
		}
		close(out)
	}()

	return out, nil
}

func (a *Adapter) Request(ctx context.Context, subject string, payload interface{}, timeout time.Duration) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := a.conn.RequestWithContext(reqCtx, subject, data)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return nil, errors.Join(ErrNoResponder, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout):
		return nil, errors.Join(ErrTimeout, err)
	case err != nil:
		return nil, errors.Join(ErrTransport, err)
	}
	return msg.Data, nil
}

// Respond serves request/reply on a subject: each request is decoded through
// the registry, handed to the handler, and the returned value is published
// as the JSON reply.
func (a *Adapter) Respond(ctx context.Context, subject string, handler func(ctx context.Context, msg Message) (interface{}, error)) error {
	decoder, err := a.registry.Lookup(subject)
	if err != nil {
		return err
	}

	sub, err := a.conn.Subscribe(subject, func(msg *nats.Msg) {
		payload, decodeErr := decoder(msg.Data)
		if decodeErr != nil {
			zerolog.Ctx(ctx).Error().Err(decodeErr).Str("subject", msg.Subject).
				Msg("rejecting malformed request")
			return
		}
		reply, handleErr := handler(ctx, Message{Subject: msg.Subject, Data: msg.Data, Payload: payload, Reply: msg.Reply})
		if handleErr != nil {
			zerolog.Ctx(ctx).Error().Err(handleErr).Str("subject", msg.Subject).Msg("request handler failed")
			return
		}
		data, marshalErr := json.Marshal(reply)
		if marshalErr != nil {
			zerolog.Ctx(ctx).Error().Err(marshalErr).Str("subject", msg.Subject).Msg("reply marshal failed")
			return
		}
		if respondErr := msg.Respond(data); respondErr != nil {
			zerolog.Ctx(ctx).Error().Err(respondErr).Str("subject", msg.Subject).Msg("reply publish failed")
		}
	})
	if err != nil {
		return errors.Join(ErrTransport, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	return nil
}
