package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chewxy/math32"
)

const (
	framePrefix = "SENSOR:"
	// MaxFrameLen bounds one line from the device; longer lines are malformed.
	MaxFrameLen = 1024
)

var (
	// ErrMalformedFrame is wrapped by every frame parsing error.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrPartialFrame marks bytes left without a terminating newline.
	ErrPartialFrame = errors.New("partial frame")
	// ErrFrameTooLong marks a line exceeding MaxFrameLen.
	ErrFrameTooLong = errors.New("frame too long")
)

// IsDiagnostic reports whether line is a firmware log line rather than a frame.
func IsDiagnostic(line string) bool {
	return strings.HasPrefix(line, "#") || strings.HasPrefix(line, "LOG:")
}

// ParseFrame parses one line from the MCU into a RawReading.
// Format: [SENSOR:]no2,eth,voc,co,com,ethm,vocm[,state,level]
// Example: SENSOR:1.20,0.80,0.33,2.10,0.05,0.90,0.41,3,2
func ParseFrame(line string, ts time.Time) (RawReading, error) {
	line = strings.TrimPrefix(strings.TrimSpace(line), framePrefix)
	parts := strings.Split(line, ",")
	if len(parts) != NumChannels && len(parts) != NumChannels+2 {
		return RawReading{}, fmt.Errorf("%w: expected %d or %d comma-separated values, got %d",
			ErrMalformedFrame, NumChannels, NumChannels+2, len(parts))
	}

	r := RawReading{Timestamp: ts}
	for i := 0; i < NumChannels; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 32)
		if err != nil {
			return RawReading{}, fmt.Errorf("%w: invalid %s value %q", ErrMalformedFrame, Channel(i), parts[i])
		}
		f := float32(v)
		if math32.IsNaN(f) || math32.IsInf(f, 0) {
			return RawReading{}, fmt.Errorf("%w: non-finite %s value %q", ErrMalformedFrame, Channel(i), parts[i])
		}
		r.Values[i] = f
	}

	if len(parts) == NumChannels+2 {
		state, err := parseInt(parts[NumChannels])
		if err != nil {
			return RawReading{}, fmt.Errorf("%w: invalid state: %w", ErrMalformedFrame, err)
		}
		level, err := parseInt(parts[NumChannels+1])
		if err != nil {
			return RawReading{}, fmt.Errorf("%w: invalid level: %w", ErrMalformedFrame, err)
		}
		r.HasDeviceState = true
		r.DeviceState = state
		r.DeviceLevel = level
	}

	return r, nil
}

// Firmware prints state and level through float formatting on some boards,
// so "3.0" is accepted as 3.
func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return int(f), nil
}

// FormatFrame renders a reading in the wire format ParseFrame accepts.
func FormatFrame(r RawReading) string {
	var b strings.Builder
	b.WriteString(framePrefix)
	for i, v := range r.Values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	if r.HasDeviceState {
		fmt.Fprintf(&b, ",%d,%d", r.DeviceState, r.DeviceLevel)
	}
	return b.String()
}
