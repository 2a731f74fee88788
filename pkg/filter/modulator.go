package filter

import (
	"math"
	"time"

	"github.com/chewxy/math32"

	"github.com/itohio/enose/pkg/device"
)

// Modulation holds the sine modulation parameters.
type Modulation struct {
	Enabled   bool    `json:"modulation_enabled"`
	Amplitude float64 `json:"modulation_amplitude"` // fraction of the value
	Frequency float64 `json:"modulation_frequency"` // Hz
}

// Modulator multiplies values by 1 + A*sin(2*pi*f*t), with t the seconds
// since the modulator was created. It is a synthetic demonstration layer and
// can be switched off independently of smoothing.
type Modulator struct {
	params Modulation
	start  time.Time
}

// NewModulator creates a Modulator whose clock starts at start.
func NewModulator(params Modulation, start time.Time) *Modulator {
	return &Modulator{params: params, start: start}
}

// Params returns the active parameters.
func (m *Modulator) Params() Modulation {
	return m.params
}

// SetParams replaces the parameters. The time origin is kept.
func (m *Modulator) SetParams(p Modulation) {
	m.params = p
}

// Factor returns the multiplier applied at now.
func (m *Modulator) Factor(now time.Time) float32 {
	if !m.params.Enabled || m.params.Amplitude == 0 {
		return 1
	}
	t := now.Sub(m.start).Seconds()
	if t < 0 {
		t = 0
	}
	// Reduce the phase in float64 so long runs keep float32 precision.
	phase := math.Mod(2*math.Pi*m.params.Frequency*t, 2*math.Pi)
	return 1 + float32(m.params.Amplitude)*math32.Sin(float32(phase))
}

// Modulate applies the modulation at now. Disabled modulation returns v
// unchanged.
func (m *Modulator) Modulate(v device.Values, now time.Time) device.Values {
	if !m.params.Enabled {
		return v
	}
	f := m.Factor(now)
	for i := range v {
		v[i] *= f
	}
	return v
}
