package stream

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/enose/pkg/logging"
	"github.com/itohio/enose/pkg/metrics"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordingSink) Publish(msg []byte) {
	s.mu.Lock()
	s.msgs = append(s.msgs, string(msg))
	s.mu.Unlock()
}

func drain(c *Client) []string {
	done := make(chan struct{})
	close(done)
	var out []string
	for {
		msg, ok := c.queue.Next(done)
		if !ok {
			return out
		}
		out = append(out, string(msg))
	}
}

func clientsMetric(n int) string {
	return fmt.Sprintf(`
# HELP enose_stream_clients Number of connected stream clients
# TYPE enose_stream_clients gauge
enose_stream_clients{transport="tcp"} %d
`, n)
}

func newTestHub(opts HubOptions) *Hub {
	opts.Logger = logging.Discard()
	return NewHub(opts)
}

func TestHub_BroadcastReachesEveryClientInOrder(t *testing.T) {
	h := newTestHub(HubOptions{QueueSize: 16})
	a := h.Register("tcp", "a")
	b := h.Register("tcp", "b")
	assert.Equal(t, 2, h.Clients())

	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		h.Broadcast(TypeReading, now, []byte(fmt.Sprint(i)))
	}

	want := []string{"0", "1", "2", "3", "4"}
	assert.Equal(t, want, drain(a))
	assert.Equal(t, want, drain(b))
}

func TestHub_SlowClientDropsOldest(t *testing.T) {
	m := metrics.New()
	h := newTestHub(HubOptions{QueueSize: 2, Metrics: m})
	slow := h.Register("tcp", "slow")

	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		h.Broadcast(TypeReading, now, []byte(fmt.Sprint(i)))
	}

	assert.Equal(t, []string{"3", "4"}, drain(slow))
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP enose_stream_dropped_messages_total Messages dropped from full client queues (oldest first)
# TYPE enose_stream_dropped_messages_total counter
enose_stream_dropped_messages_total{transport="tcp"} 3
`), "enose_stream_dropped_messages_total"))
}

func TestHub_NewClientGetsBackfillAndStatus(t *testing.T) {
	h := newTestHub(HubOptions{QueueSize: 64, HistoryWindow: time.Second, HistoryPoints: 3})

	start := time.Unix(100, 0)
	for i := 0; i < 20; i++ {
		h.Broadcast(TypeReading, start.Add(time.Duration(i)*100*time.Millisecond), []byte(fmt.Sprint(i)))
	}
	h.Broadcast(TypeStatus, start.Add(2*time.Second), []byte("status"))
	h.Broadcast(TypeReply, start.Add(2*time.Second), []byte("reply"))

	late := h.Register("websocket", "late")
	got := drain(late)

	// Window (0.9s, 1.9s] holds readings 10..19; three of them, newest last.
	require.Len(t, got, 4)
	assert.Equal(t, "19", got[2])
	assert.Equal(t, "status", got[3])
}

func TestHub_BackfillOverflowIsCounted(t *testing.T) {
	m := metrics.New()
	h := newTestHub(HubOptions{QueueSize: 2, HistoryWindow: 10 * time.Second, HistoryPoints: 5, Metrics: m})

	start := time.Unix(100, 0)
	for i := 0; i < 5; i++ {
		h.Broadcast(TypeReading, start.Add(time.Duration(i)*time.Second), []byte(fmt.Sprint(i)))
	}

	late := h.Register("tcp", "late")
	assert.Equal(t, []string{"3", "4"}, drain(late))
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP enose_stream_dropped_messages_total Messages dropped from full client queues (oldest first)
# TYPE enose_stream_dropped_messages_total counter
enose_stream_dropped_messages_total{transport="tcp"} 3
`), "enose_stream_dropped_messages_total"))
}

func TestHub_Sinks(t *testing.T) {
	h := newTestHub(HubOptions{})
	sink := &recordingSink{}
	h.AddSink(sink)

	h.Broadcast(TypeReading, time.Now(), []byte("r"))
	h.Broadcast(TypeStatus, time.Now(), []byte("s"))

	assert.Equal(t, []string{"r", "s"}, sink.msgs)
}

func TestHub_UnregisterAndClose(t *testing.T) {
	m := metrics.New()
	h := newTestHub(HubOptions{Metrics: m})
	a := h.Register("tcp", "a")
	b := h.Register("tcp", "b")
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(clientsMetric(2)), "enose_stream_clients"))

	h.Unregister(a)
	h.Unregister(a)
	assert.Equal(t, 1, h.Clients())
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(clientsMetric(1)), "enose_stream_clients"))

	h.Broadcast(TypeReading, time.Now(), []byte("x"))
	assert.Empty(t, drain(a))

	h.Close()
	_, ok := b.Next(nil)
	assert.True(t, ok, "queued message still delivered")
	_, ok = b.Next(nil)
	assert.False(t, ok)

	late := h.Register("tcp", "late")
	_, ok = late.Next(nil)
	assert.False(t, ok, "registering on a closed hub yields a closed client")
}

func TestClient_SendIsPrivate(t *testing.T) {
	h := newTestHub(HubOptions{})
	a := h.Register("tcp", "a")
	b := h.Register("tcp", "b")

	a.Send([]byte("reply"))
	assert.Equal(t, []string{"reply"}, drain(a))
	assert.Empty(t, drain(b))
}
