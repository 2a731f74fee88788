// Package bridge mirrors the broadcast stream onto message brokers. Bridges
// are publish-only: nothing received from a broker reaches the pipeline.
package bridge

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/itohio/enose/pkg/metrics"
	"github.com/itohio/enose/pkg/stream"
)

// publishTimeout bounds a single broker publish.
const publishTimeout = 5 * time.Second

// Publisher delivers one payload to a broker.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Bridge decouples the hub from a broker. Publish never blocks; Run drains
// the queue into the Publisher. A broker that falls behind loses the oldest
// messages, exactly like a slow stream client.
type Bridge struct {
	name    string
	pub     Publisher
	queue   *stream.Queue
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a bridge called name (used in logs and metric labels).
func New(name string, pub Publisher, queueSize int, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		name:    name,
		pub:     pub,
		queue:   stream.NewQueue(queueSize),
		metrics: m,
		logger:  logger.With("bridge", name),
	}
}

// Name returns the bridge name.
func (b *Bridge) Name() string {
	return b.name
}

// Publish implements stream.Sink.
func (b *Bridge) Publish(msg []byte) {
	if b.queue.Push(msg) {
		b.metrics.MessagesDropped(b.name, 1)
	}
}

// Run forwards queued messages until ctx is cancelled, then closes the
// publisher.
func (b *Bridge) Run(ctx context.Context) error {
	defer func() {
		b.queue.Close()
		if err := b.pub.Close(); err != nil {
			b.logger.Warn("error closing publisher", "error", err)
		}
	}()

	for {
		msg, ok := b.queue.Next(ctx.Done())
		if !ok {
			return nil
		}

		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := b.pub.Publish(pctx, bytes.TrimSuffix(msg, []byte{'\n'}))
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.metrics.BridgeError(b.name)
			b.logger.Debug("publish failed", "error", err)
			continue
		}
		b.metrics.BridgePublished(b.name)
	}
}

// Close releases a bridge whose Run was never started.
func (b *Bridge) Close() error {
	b.queue.Close()
	return b.pub.Close()
}
