package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itohio/enose/pkg/history"
	"github.com/itohio/enose/pkg/metrics"
)

// Sink receives every broadcast message. Publish is called with the hub
// locked and must not block.
type Sink interface {
	Publish(msg []byte)
}

// Client is one connected consumer of the broadcast stream.
type Client struct {
	ID        string
	Transport string
	Remote    string

	queue *Queue
	hub   *Hub
}

// Send queues a message for this client only.
func (c *Client) Send(msg []byte) {
	if c.queue.Push(msg) {
		c.hub.metrics.MessagesDropped(c.Transport, 1)
	}
}

// Next returns the next outgoing message; see Queue.Next.
func (c *Client) Next(done <-chan struct{}) ([]byte, bool) {
	return c.queue.Next(done)
}

// HubOptions configures a Hub.
type HubOptions struct {
	QueueSize     int           // per-client outgoing queue
	HistoryWindow time.Duration // backfill window
	HistoryPoints int           // max backfill readings per new client
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Hub delivers every broadcast message to every registered client in the
// order Broadcast was called.
type Hub struct {
	opts    HubOptions
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	clients    map[*Client]struct{}
	sinks      []Sink
	history    *history.Window[[]byte]
	backfill   [][]byte
	lastStatus []byte
	closed     bool
}

// NewHub creates a Hub.
func NewHub(opts HubOptions) *Hub {
	if opts.QueueSize < 1 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		clients: make(map[*Client]struct{}),
		history: history.New[[]byte](opts.HistoryWindow),
	}
}

// AddSink attaches a sink that mirrors the broadcast stream.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

// Register adds a client. Its queue is primed with recent readings and the
// latest status so it starts from the current state.
func (h *Hub) Register(transport, remote string) *Client {
	c := &Client{
		ID:        uuid.NewString(),
		Transport: transport,
		Remote:    remote,
		queue:     NewQueue(h.opts.QueueSize),
		hub:       h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		c.queue.Close()
		return c
	}

	h.backfill = h.history.Snapshot(h.backfill, h.opts.HistoryPoints)
	for _, msg := range h.backfill {
		c.Send(msg)
	}
	clear(h.backfill)
	if h.lastStatus != nil {
		c.Send(h.lastStatus)
	}
	h.clients[c] = struct{}{}

	h.metrics.ClientConnected(transport)
	h.logger.Info("client connected", "client", c.ID, "transport", transport, "remote", remote)
	return c
}

// Unregister removes a client and closes its queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	c.queue.Close()
	if ok {
		h.metrics.ClientDisconnected(c.Transport)
		h.logger.Info("client disconnected", "client", c.ID, "transport", c.Transport,
			"remote", c.Remote, "dropped", c.queue.Dropped())
	}
}

// Broadcast queues msg for every client. Readings enter the backfill
// history; the latest status is remembered for new clients.
func (h *Hub) Broadcast(kind MessageType, at time.Time, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	switch kind {
	case TypeReading:
		h.history.Add(at, msg)
	case TypeStatus:
		h.lastStatus = msg
	}

	for c := range h.clients {
		if c.queue.Push(msg) {
			h.metrics.MessagesDropped(c.Transport, 1)
			h.logger.Debug("client queue full, dropped oldest message", "client", c.ID)
		}
	}
	for _, s := range h.sinks {
		s.Publish(msg)
	}
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close closes every client queue. Writers drain what is queued and exit.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		c.queue.Close()
	}
}
