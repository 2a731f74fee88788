package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/itohio/enose/pkg/config"
)

// LinkStatus describes the state of the device link.
type LinkStatus string

const (
	StatusSearching LinkStatus = "searching"
	StatusConnected LinkStatus = "connected"
	StatusNotFound  LinkStatus = "not_found"
	StatusError     LinkStatus = "error"
	StatusLost      LinkStatus = "lost"
)

// EventKind tells readings and status changes apart.
type EventKind int

const (
	EventReading EventKind = iota
	EventStatus
)

// Event is emitted by Link.Run for every reading and every status change.
type Event struct {
	Kind    EventKind
	Reading RawReading
	Status  LinkStatus
	Port    string
	Err     error
}

// Dialer finds and connects a device. It returns the connected device and
// the name of its port.
type Dialer func(ctx context.Context) (Device, string, error)

// BackoffFromConfig builds the redial schedule from the device section. It
// never gives up; Link stops retrying only when its context ends.
func BackoffFromConfig(cfg config.DeviceConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryInitial
	b.MaxInterval = cfg.RetryMax
	b.Multiplier = cfg.RetryMultiplier
	b.RandomizationFactor = cfg.RetryJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Link keeps a device connected. It dials, forwards readings, reports loss
// and redials with backoff until its context is cancelled.
type Link struct {
	dial   Dialer
	retry  backoff.BackOff
	logger *slog.Logger
	events chan Event

	mu      sync.Mutex
	current Device
}

// NewLink creates a link supervisor. retry paces redials; it is reset after
// every successful connection.
func NewLink(dial Dialer, retry backoff.BackOff, bufSize int, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Link{
		dial:   dial,
		retry:  retry,
		logger: logger,
		events: make(chan Event, bufSize),
	}
}

// Events returns the event channel. It is closed when Run returns.
func (l *Link) Events() <-chan Event {
	return l.events
}

// Send forwards a command to the connected device.
func (l *Link) Send(cmd string) error {
	l.mu.Lock()
	dev := l.current
	l.mu.Unlock()

	if dev == nil {
		return ErrNotConnected
	}
	return dev.Send(cmd)
}

// Run supervises the device until ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	defer close(l.events)

	for {
		dev, port, err := l.connect(ctx)
		if err != nil {
			return err
		}

		l.logger.Info("device connected", "port", port)
		l.setCurrent(dev)
		if !l.emit(ctx, Event{Kind: EventStatus, Status: StatusConnected, Port: port}) {
			l.release(dev)
			return ctx.Err()
		}

		if !l.pump(ctx, dev) {
			l.release(dev)
			return ctx.Err()
		}

		lost := dev.Err()
		if lost == nil {
			lost = ErrDisconnected
		}
		l.release(dev)
		l.logger.Warn("device lost", "port", port, "error", lost)
		if !l.emit(ctx, Event{Kind: EventStatus, Status: StatusLost, Port: port, Err: lost}) {
			return ctx.Err()
		}

		// One initial interval passes before the redial.
		l.retry.Reset()
		if !pause(ctx, l.retry.NextBackOff()) {
			return ctx.Err()
		}
	}
}

// connect dials until a device answers. Every attempt is announced as
// searching and every failure as not_found or error. It returns an error
// when ctx ends or the retry policy gives up.
func (l *Link) connect(ctx context.Context) (Device, string, error) {
	var port string
	attempt := func() (Device, error) {
		if !l.emit(ctx, Event{Kind: EventStatus, Status: StatusSearching}) {
			return nil, backoff.Permanent(ctx.Err())
		}
		dev, name, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		port = name
		return dev, nil
	}
	notify := func(err error, delay time.Duration) {
		status := StatusError
		if errors.Is(err, ErrNotFound) {
			status = StatusNotFound
		}
		l.logger.Warn("device unavailable", "status", status, "retry_in", delay, "error", err)
		l.emit(ctx, Event{Kind: EventStatus, Status: status, Err: err})
	}

	dev, err := backoff.RetryNotifyWithData(attempt, backoff.WithContext(l.retry, ctx), notify)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, "", cerr
		}
		return nil, "", err
	}
	return dev, port, nil
}

// pump forwards readings until the device channel closes. It returns false
// when ctx was cancelled.
func (l *Link) pump(ctx context.Context, dev Device) bool {
	readings := dev.Readings()
	for {
		select {
		case <-ctx.Done():
			return false
		case r, ok := <-readings:
			if !ok {
				return true
			}
			if !l.emit(ctx, Event{Kind: EventReading, Reading: r}) {
				return false
			}
		}
	}
}

func (l *Link) emit(ctx context.Context, ev Event) bool {
	select {
	case l.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Link) setCurrent(dev Device) {
	l.mu.Lock()
	l.current = dev
	l.mu.Unlock()
}

func (l *Link) release(dev Device) {
	l.setCurrent(nil)
	if err := dev.Close(); err != nil {
		l.logger.Warn("error closing device", "error", err)
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SerialDialer connects to the configured port, or autodetects one when
// device_autodetect is set.
func SerialDialer(cfg *config.Config, hooks Hooks, logger *slog.Logger) Dialer {
	matcher := Matcher{VID: cfg.Device.VID, PID: cfg.Device.PID, NameHints: cfg.Device.NameHints}
	probe := ProbePort(cfg.BaudRate, cfg.Device.ProbeTimeout)

	return func(ctx context.Context) (Device, string, error) {
		port := cfg.DevicePath
		if cfg.DeviceAutodetect {
			ports, err := Ports()
			if err != nil {
				return nil, "", err
			}
			port, err = Discover(ctx, matcher, ports, probe)
			if err != nil {
				return nil, "", err
			}
		}

		dev := New(port, cfg.BaudRate, cfg.Device.BufferSize, WithHooks(hooks), WithLogger(logger))
		if err := dev.Connect(); err != nil {
			return nil, "", err
		}
		return dev, port, nil
	}
}

// MockDialer returns a dialer producing a fresh Mock on every call.
func MockDialer(cfg *config.MockConfig) Dialer {
	return func(ctx context.Context) (Device, string, error) {
		m := NewMock(cfg)
		if err := m.Connect(); err != nil {
			return nil, "", err
		}
		return m, "mock", nil
	}
}
