package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/roach88/convsync/internal/engine"
)

// NATSConfig configures the NATS adapter.
type NATSConfig struct {
	URL     string
	Name    string
	Subject string
	Origin  string
}

// NATS is a Bus over core NATS subjects.
type NATS struct {
	nc      *nats.Conn
	subject string
	origin  string
}

// NewNATS connects to a NATS server. Reconnects are unlimited.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.URL == "" {
		return nil, errors.New("connect nats: url missing")
	}
	if cfg.Name == "" {
		cfg.Name = "convsync"
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultTopic
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	return &NATS{nc: nc, subject: cfg.Subject, origin: cfg.Origin}, nil
}

// Notify implements engine.Notifier.
func (n *NATS) Notify(_ context.Context, ev engine.Event) error {
	data, err := encode(n.origin, ev)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", n.subject, err)
	}
	return nil
}

// Run subscribes to the subject and delivers events until ctx is cancelled.
func (n *NATS) Run(ctx context.Context, h Handler) error {
	ch := make(chan *nats.Msg, 256)
	sub, err := n.nc.ChanSubscribe(n.subject, ch)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	defer sub.Unsubscribe()

	// Make sure the server has registered interest before returning control.
	if err := n.nc.Flush(); err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	slog.Info("nats bus subscribed", "subject", n.subject)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			env, err := decode(msg.Data)
			if err != nil {
				slog.Warn("dropping malformed bus event", "subject", n.subject, "error", err)
				continue
			}
			h(env.Event)
		}
	}
}

// Close drains the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}
