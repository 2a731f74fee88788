package device

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/itohio/enose/pkg/config"
)

// Relative gas sensitivity of each channel.
var mockGain = Values{0.6, 1.0, 0.8, 0.4, 0.2, 0.9, 0.7}

// Exposure level the mock approaches during each stage directive.
var mockExposure = map[string]float64{
	"PRE_COND": 0.1,
	"RAMP_UP":  0.6,
	"HOLD":     1.0,
}

// Mock simulates an e-nose for testing and development. It reacts to
// STAGE:<NAME> directives by moving its gas exposure towards the stage level;
// START_SAMPLING enters PRE_COND and STOP_SAMPLING returns to clean air.
type Mock struct {
	cfg *config.MockConfig

	readings  chan RawReading
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	started   bool

	// Simulation state
	startTime time.Time
	stage     string
	exposure  float64 // 0 clean air, 1 full exposure
}

// NewMock creates a new mocked device instance.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		c := config.Default().Mock
		cfg = &c
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Mock{
		cfg:      cfg,
		readings: make(chan RawReading, DefaultBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		stage:    "IDLE",
	}
}

// Connect simulates connecting to the device.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected || m.started {
		return ErrAlreadyConnected
	}

	m.connected = true
	m.started = true
	m.startTime = time.Now()

	go m.generateReadings()

	return nil
}

// Close stops the mocked device.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancel()
	if !m.started {
		// No generator to close the channel.
		m.started = true
		close(m.readings)
	}
	m.connected = false

	return nil
}

// Readings returns the channel for reading readings.
func (m *Mock) Readings() <-chan RawReading {
	return m.readings
}

// Send accepts stage directives and the sampling commands; other commands
// are ignored.
func (m *Mock) Send(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	cmd = strings.TrimSpace(cmd)
	switch {
	case cmd == StartSampling:
		if m.stage == "IDLE" {
			m.stage = "PRE_COND"
		}
	case cmd == StopSampling:
		m.stage = "IDLE"
	default:
		if name, ok := strings.CutPrefix(cmd, StagePrefix); ok {
			m.stage = strings.ToUpper(name)
		}
	}
	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Err always returns nil; the mock never loses its link.
func (m *Mock) Err() error {
	return nil
}

// generateReadings generates simulated readings.
func (m *Mock) generateReadings() {
	defer close(m.readings)

	ticker := time.NewTicker(m.cfg.SampleRate)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			reading := m.generateReading(time.Now())
			select {
			case m.readings <- reading:
			case <-m.ctx.Done():
				return
			default:
				// Channel full, skip
			}
		}
	}
}

// generateReading generates a single simulated reading.
func (m *Mock) generateReading(now time.Time) RawReading {
	m.mu.Lock()
	defer m.mu.Unlock()

	// First-order lag towards the stage exposure.
	const timeConstant = 5.0 // seconds
	alpha := m.cfg.SampleRate.Seconds() / timeConstant
	m.exposure += alpha * (mockExposure[m.stage] - m.exposure)

	t := float64(now.Sub(m.startTime).Nanoseconds())
	r := RawReading{Timestamp: now, HasDeviceState: true, DeviceLevel: int(math.Round(m.exposure * 10))}
	if m.stage != "IDLE" {
		r.DeviceState = 1
	}
	for i := range r.Values {
		// Deterministic noise, different phase per channel.
		phase := float64(i) * 0.7
		noise := (math.Sin(t*0.001+phase) + math.Cos(t*0.0013+phase)) * m.cfg.NoiseLevel * 0.5
		r.Values[i] = float32(m.cfg.Baseline + m.cfg.Response*m.exposure*float64(mockGain[i]) + noise)
	}
	return r
}
