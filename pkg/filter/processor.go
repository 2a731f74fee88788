package filter

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/itohio/enose/pkg/config"
	"github.com/itohio/enose/pkg/device"
)

// ProcessedReading is derived from exactly one RawReading.
type ProcessedReading struct {
	Timestamp time.Time
	Values    device.Values
	Raw       device.RawReading
}

// Processor computes Modulate(Smooth(raw)). It keeps filter state and must be
// owned by a single goroutine.
type Processor struct {
	smoother  *Smoother
	modulator *Modulator
	clock     clockwork.Clock
}

// NewProcessor creates a Processor. The modulation clock starts now.
func NewProcessor(window int, mod Modulation, clk clockwork.Clock) (*Processor, error) {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	s, err := NewSmoother(window)
	if err != nil {
		return nil, err
	}
	return &Processor{
		smoother:  s,
		modulator: NewModulator(mod, clk.Now()),
		clock:     clk,
	}, nil
}

// FromConfig creates a Processor from the filter and modulation options.
func FromConfig(cfg *config.Config, clk clockwork.Clock) (*Processor, error) {
	return NewProcessor(cfg.FilterWindow, ModulationFromConfig(cfg), clk)
}

// ModulationFromConfig extracts modulation parameters.
func ModulationFromConfig(cfg *config.Config) Modulation {
	return Modulation{
		Enabled:   cfg.ModulationEnabled,
		Amplitude: cfg.ModulationAmplitude,
		Frequency: cfg.ModulationFrequency,
	}
}

// Process filters one reading.
func (p *Processor) Process(raw device.RawReading) ProcessedReading {
	smoothed := p.smoother.Smooth(raw.Values)
	return ProcessedReading{
		Timestamp: raw.Timestamp,
		Values:    p.modulator.Modulate(smoothed, p.clock.Now()),
		Raw:       raw,
	}
}

// Modulation returns the active modulation parameters.
func (p *Processor) Modulation() Modulation {
	return p.modulator.Params()
}

// SetModulation changes modulation parameters at runtime after validating
// them with the configuration rules.
func (p *Processor) SetModulation(m Modulation) error {
	if err := config.CheckModulation(m.Amplitude, m.Frequency); err != nil {
		return err
	}
	p.modulator.SetParams(m)
	return nil
}
