package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

var _ Bus = (*NATSBus)(nil)

type NATSBus struct {
	nats *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func NewNATSBus(addr string, logger *slog.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name("auth-gateway"),

		// Never give up reconnecting, but do not hammer the server.
		nats.MaxReconnects(-1),
		nats.ReconnectWait(3 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected, buffering messages", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		// Events are best effort for the gateway: a dead connection degrades
		// publishing but never takes logins down with it.
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Error("NATS connection closed", "error", nc.LastError())
		}),
	}
	nc, err := nats.Connect(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", addr, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	return &NATSBus{
		nats: nc,
		js:   js,
		log:  logger,
	}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	b.log.DebugContext(ctx, "Publishing event", "subject", subject, "data_size", len(data))

	_, err := b.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
	return err
}

func (b *NATSBus) Drain() error {
	b.log.Info("Draining events")
	return b.nats.Drain()
}
