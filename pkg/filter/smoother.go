// Package filter implements the signal processing applied to every raw
// reading: a per-channel moving average followed by an optional sine
// modulation.
package filter

import (
	"fmt"

	"github.com/itohio/enose/pkg/device"
)

// Smoother replaces each channel value with the mean of the last N values
// seen on that channel. Until N values have arrived it averages over what is
// available.
type Smoother struct {
	window int
	hist   [device.NumChannels][]float32
	next   int // ring write position, shared by all channels
	count  int
}

// NewSmoother creates a Smoother with the given window length.
func NewSmoother(window int) (*Smoother, error) {
	if window < 1 {
		return nil, fmt.Errorf("filter window must be >= 1, got %d", window)
	}
	s := &Smoother{window: window}
	for i := range s.hist {
		s.hist[i] = make([]float32, window)
	}
	return s, nil
}

// Window returns the window length.
func (s *Smoother) Window() int {
	return s.window
}

// Smooth adds v to the history and returns the per-channel means.
func (s *Smoother) Smooth(v device.Values) device.Values {
	for c := range s.hist {
		s.hist[c][s.next] = v[c]
	}
	s.next = (s.next + 1) % s.window
	if s.count < s.window {
		s.count++
	}

	// Oldest first so the sum does not depend on ring position.
	start := (s.next - s.count + s.window) % s.window

	var out device.Values
	for c := range s.hist {
		var sum float64
		for k := 0; k < s.count; k++ {
			sum += float64(s.hist[c][(start+k)%s.window])
		}
		out[c] = float32(sum / float64(s.count))
	}
	return out
}

// Reset forgets all history.
func (s *Smoother) Reset() {
	s.next = 0
	s.count = 0
}
