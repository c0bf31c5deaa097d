package config

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	reconnectFloor   = 250 * time.Millisecond
	reconnectCeiling = 30 * time.Second
)

// reconnectDelay doubles the wait per attempt from the floor to the ceiling,
// with ±20% jitter so a fleet of agents does not reconnect in lockstep.
func reconnectDelay(attempts int) time.Duration {
	delay := reconnectFloor << attempts
	if delay > reconnectCeiling || delay <= 0 {
		delay = reconnectCeiling
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// NewNATSConn establishes the event-bus connection. The connection retries
// forever; subscribers observe a continuous stream across reconnects, with
// messages published during an outage lost (at-most-once).
func NewNATSConn(ctx context.Context, cfg *EventBus) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(reconnectDelay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("event bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			zerolog.Ctx(ctx).Info().Str("url", nc.ConnectedUrl()).Msg("event bus reconnected")
		}),
	}

	if cfg.TLS {
		opts = append(opts, nats.Secure())
	}

	if cfg.Credentials != "" {
		if _, err := os.Stat(cfg.Credentials); err != nil {
			// First-boot bootstrap: the creds file may not exist yet. Proceed
			// unauthenticated rather than refusing to start.
			zerolog.Ctx(ctx).Warn().Err(err).Str("credentials", cfg.Credentials).
				Msg("event bus credentials unreadable, connecting unauthenticated")
		} else {
			opts = append(opts, nats.UserCredentials(cfg.Credentials))
		}
	}

	conn, err := nats.Connect(cfg.URI, opts...)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("uri", cfg.URI).Msg("failed to connect to event bus")
		return nil, err
	}

	zerolog.Ctx(ctx).Info().Str("uri", cfg.URI).Msg("connected to event bus")
	go func() {
		<-ctx.Done()
		conn.Close()
		zerolog.Ctx(ctx).Info().Msg("event bus connection closed")
	}()

	return conn, nil
}
