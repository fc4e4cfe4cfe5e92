// Package relay mirrors outbound emits across gateway processes over
// NATS. The relay extends fan-out only: it does not extend the connection
// or room registries, so presence and membership queries remain correct
// for the local process alone. That is a stated scope limit of the
// deployment model, not a defect.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"chatgate/internal/notify"
)

// NATS is the production broadcast relay.
type NATS struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	logger  zerolog.Logger
}

// Config locates the NATS cluster.
type Config struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Connect dials NATS and subscribes the dispatcher to mirrored envelopes.
// Envelopes published by this process are filtered by the dispatcher's
// origin guard, not here, so a single shared subject works for any number
// of processes.
func Connect(cfg Config, dispatcher *notify.Dispatcher, logger zerolog.Logger) (*NATS, error) {
	if cfg.Subject == "" {
		cfg.Subject = "chatgate.emits"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	log := logger.With().Str("component", "relay").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Relay disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Relay reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("Relay error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}

	r := &NATS{conn: conn, subject: cfg.Subject, logger: log}

	sub, err := conn.Subscribe(cfg.Subject, func(msg *nats.Msg) {
		var env notify.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warn().Err(err).Msg("Relay received malformed envelope")
			return
		}
		dispatcher.DeliverEnvelope(&env)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to relay subject %s: %w", cfg.Subject, err)
	}
	r.sub = sub

	log.Info().Str("url", conn.ConnectedUrl()).Str("subject", cfg.Subject).Msg("Relay connected")
	return r, nil
}

// Publish mirrors one envelope to sibling processes.
func (r *NATS) Publish(env *notify.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.conn.Publish(r.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", r.subject, err)
	}
	return nil
}

// Close unsubscribes and drains the connection.
func (r *NATS) Close() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.logger.Warn().Err(err).Msg("Relay unsubscribe failed")
		}
	}
	if r.conn != nil {
		r.conn.Close()
	}
}
