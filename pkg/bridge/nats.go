package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/itohio/enose/pkg/config"
)

// NATS publishes to one subject.
type NATS struct {
	conn    *nats.Conn
	subject string
}

func natsOptions(logger *slog.Logger) []nats.Option {
	return []nats.Option{
		nats.Name("enose-" + uuid.NewString()),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("nats error", "error", err)
		}),
	}
}

// DialNATS connects to the server at cfg.URL. An unreachable server is
// retried in the background.
func DialNATS(cfg config.NATSConfig, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(cfg.URL, natsOptions(logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATS{conn: conn, subject: cfg.Subject}, nil
}

// Publish sends payload to the configured subject. The client buffers while
// reconnecting, so ctx is only checked up front.
func (n *NATS) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.conn.Publish(n.subject, payload)
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
