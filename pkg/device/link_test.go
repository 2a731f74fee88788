package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/enose/pkg/config"
)

type fakeDevice struct {
	readings chan RawReading
	err      error

	mu     sync.Mutex
	sent   []string
	closed bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{readings: make(chan RawReading, 4)}
}

func (f *fakeDevice) Connect() error              { return nil }
func (f *fakeDevice) Readings() <-chan RawReading { return f.readings }
func (f *fakeDevice) IsConnected() bool           { return true }
func (f *fakeDevice) Err() error                  { return f.err }

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) Send(cmd string) error {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()
	return nil
}

func nextEvent(t *testing.T, l *Link) Event {
	t.Helper()
	select {
	case ev, ok := <-l.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for link event")
	}
	return Event{}
}

func TestBackoffFromConfig(t *testing.T) {
	cfg := config.Default().Device
	cfg.RetryInitial = 100 * time.Millisecond
	cfg.RetryMax = time.Second
	cfg.RetryMultiplier = 2
	cfg.RetryJitter = 0

	b := BackoffFromConfig(cfg)
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestBackoffFromConfig_Jitter(t *testing.T) {
	cfg := config.Default().Device
	cfg.RetryInitial = 100 * time.Millisecond
	cfg.RetryJitter = 0.5

	b := BackoffFromConfig(cfg)
	for i := 0; i < 20; i++ {
		b.Reset()
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestLink_CancelWhileSearching(t *testing.T) {
	dial := func(ctx context.Context) (Device, string, error) {
		return nil, "", ErrNotFound
	}
	link := NewLink(dial, backoff.NewConstantBackOff(time.Hour), 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- link.Run(ctx) }()

	assert.Equal(t, StatusSearching, nextEvent(t, link).Status)
	assert.Equal(t, StatusNotFound, nextEvent(t, link).Status)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return while waiting to redial")
	}
}

func TestLink_RetriesThenReportsLoss(t *testing.T) {
	first := newFakeDevice()
	second := newFakeDevice()

	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context) (Device, string, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		switch dials {
		case 1:
			return nil, "", ErrNotFound
		case 2:
			return first, "fake0", nil
		default:
			return second, "fake1", nil
		}
	}

	link := NewLink(dial, backoff.NewConstantBackOff(time.Millisecond), 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- link.Run(ctx) }()

	assert.ErrorIs(t, link.Send("STAGE:HOLD"), ErrNotConnected)

	assert.Equal(t, StatusSearching, nextEvent(t, link).Status)
	ev := nextEvent(t, link)
	assert.Equal(t, StatusNotFound, ev.Status)
	assert.ErrorIs(t, ev.Err, ErrNotFound)

	assert.Equal(t, StatusSearching, nextEvent(t, link).Status)
	ev = nextEvent(t, link)
	assert.Equal(t, StatusConnected, ev.Status)
	assert.Equal(t, "fake0", ev.Port)

	require.NoError(t, link.Send("STAGE:HOLD"))
	first.mu.Lock()
	assert.Equal(t, []string{"STAGE:HOLD"}, first.sent)
	first.mu.Unlock()

	first.readings <- RawReading{Values: Values{1}}
	ev = nextEvent(t, link)
	assert.Equal(t, EventReading, ev.Kind)
	assert.Equal(t, float32(1), ev.Reading.Values[NO2])

	unplugged := errors.New("unplugged")
	first.err = unplugged
	close(first.readings)

	ev = nextEvent(t, link)
	assert.Equal(t, StatusLost, ev.Status)
	assert.ErrorIs(t, ev.Err, unplugged)
	first.mu.Lock()
	assert.True(t, first.closed)
	first.mu.Unlock()

	assert.Equal(t, StatusSearching, nextEvent(t, link).Status)
	ev = nextEvent(t, link)
	assert.Equal(t, StatusConnected, ev.Status)
	assert.Equal(t, "fake1", ev.Port)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	for range link.Events() {
	}
	second.mu.Lock()
	assert.True(t, second.closed, "device closed on shutdown")
	second.mu.Unlock()
}

func TestLink_MockDialer(t *testing.T) {
	cfg := config.Default().Mock
	cfg.SampleRate = 5 * time.Millisecond
	link := NewLink(MockDialer(&cfg), backoff.NewConstantBackOff(time.Millisecond), 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	assert.Equal(t, StatusSearching, nextEvent(t, link).Status)
	assert.Equal(t, StatusConnected, nextEvent(t, link).Status)
	assert.Equal(t, EventReading, nextEvent(t, link).Kind)
	require.NoError(t, link.Send("STAGE:RAMP_UP"))
}
