package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the baud rate the e-nose firmware prints at.
	DefaultBaudRate = 9600
	// DefaultBufferSize is the default size for the readings channel buffer.
	DefaultBufferSize = 100
)

var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	// ErrDisconnected is reported by Err when the port reached EOF.
	ErrDisconnected = errors.New("device disconnected")
)

// Opener opens the named port. It is swapped out in tests.
type Opener func(name string, baudRate int) (io.ReadWriteCloser, error)

// OpenSerial opens a real serial port.
func OpenSerial(name string, baudRate int) (io.ReadWriteCloser, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baudRate})
}

// Stats counts frames seen by a Serial device.
type Stats struct {
	Frames    uint64
	Malformed uint64
}

// Option configures a Serial device.
type Option func(*Serial)

// WithHooks registers frame hooks.
func WithHooks(h Hooks) Option {
	return func(d *Serial) { d.hooks = h }
}

// WithOpener replaces the port opener.
func WithOpener(open Opener) Option {
	return func(d *Serial) { d.open = open }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Serial) { d.logger = l }
}

// Serial represents a connection to the e-nose MCU.
type Serial struct {
	port     string
	baudRate int
	bufSize  int
	open     Opener
	hooks    Hooks
	logger   *slog.Logger
	now      func() time.Time

	conn      io.ReadWriteCloser
	readings  chan RawReading
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	started   bool
	err       error

	frames    atomic.Uint64
	malformed atomic.Uint64
}

// New creates a new Device instance with the specified port, baud rate, and buffer size.
func New(port string, baudRate int, bufSize int, opts ...Option) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if bufSize == 0 {
		bufSize = DefaultBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Serial{
		port:     port,
		baudRate: baudRate,
		bufSize:  bufSize,
		open:     OpenSerial,
		logger:   slog.Default(),
		now:      time.Now,
		readings: make(chan RawReading, bufSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Port returns the port name.
func (d *Serial) Port() string {
	return d.port
}

// Connect opens the serial port and starts reading frames. A Serial can be
// connected once; create a new one to reconnect.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected || d.started {
		return ErrAlreadyConnected
	}

	conn, err := d.open(d.port, d.baudRate)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	d.conn = conn
	d.connected = true
	d.started = true

	go d.readFrames(conn)

	return nil
}

// Close closes the connection. The readings channel is closed by the read
// loop once it has stopped.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancel()

	if !d.connected {
		return nil
	}

	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			d.logger.Warn("error closing serial port", "port", d.port, "error", err)
		}
		d.conn = nil
	}
	d.connected = false

	return nil
}

// Readings returns the channel of parsed readings.
func (d *Serial) Readings() <-chan RawReading {
	return d.readings
}

// Send writes one command line to the MCU.
func (d *Serial) Send(cmd string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.connected {
		return ErrNotConnected
	}

	if _, err := io.WriteString(d.conn, strings.TrimRight(cmd, "\r\n")+"\n"); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	return nil
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Err reports why the read loop ended.
func (d *Serial) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err
}

// Stats returns frame counters.
func (d *Serial) Stats() Stats {
	return Stats{
		Frames:    d.frames.Load(),
		Malformed: d.malformed.Load(),
	}
}

// readFrames reads lines from the serial port and parses them into readings.
func (d *Serial) readFrames(conn io.Reader) {
	defer close(d.readings)

	r := bufio.NewReaderSize(conn, MaxFrameLen)
	skipping := false // inside an overlong line

	for {
		chunk, err := r.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			if !skipping {
				d.reject(string(chunk[:min(len(chunk), 32)]), ErrFrameTooLong)
				skipping = true
			}
			continue
		case skipping:
			// Tail of the overlong line.
			skipping = err != nil
		case err == nil:
			if !d.handleLine(string(chunk)) {
				return
			}
		case len(strings.TrimSpace(string(chunk))) > 0:
			d.reject(string(chunk), ErrPartialFrame)
		}

		if err != nil {
			d.finish(err)
			return
		}
	}
}

// handleLine parses and forwards one line. It returns false once the device
// is shutting down.
func (d *Serial) handleLine(raw string) bool {
	line := strings.TrimSpace(raw)
	if line == "" {
		return true
	}
	if IsDiagnostic(line) {
		d.logger.Debug("device diagnostic", "port", d.port, "line", line)
		return true
	}

	reading, err := ParseFrame(line, d.now())
	if err != nil {
		d.reject(line, err)
		return true
	}

	d.frames.Add(1)
	d.hooks.frame()

	select {
	case d.readings <- reading:
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *Serial) reject(line string, err error) {
	d.malformed.Add(1)
	d.hooks.malformed(line, err)
	d.logger.Debug("discarding frame", "port", d.port, "line", line, "error", err)
}

// finish records why reading stopped. Errors caused by Close are not reported.
func (d *Serial) finish(err error) {
	if d.ctx.Err() != nil {
		return
	}
	if errors.Is(err, io.EOF) {
		err = ErrDisconnected
	} else {
		err = fmt.Errorf("%w: %w", ErrDisconnected, err)
	}

	d.mu.Lock()
	d.err = err
	d.connected = false
	d.mu.Unlock()
}
