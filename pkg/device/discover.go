package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

var (
	// ErrNotFound is returned when autodetection finds no responding device.
	ErrNotFound = errors.New("no e-nose device found")
	// ErrNoFrame is returned when no well-formed frame arrives in time.
	ErrNoFrame = errors.New("no frame within probe timeout")
)

// PortInfo represents a serial port.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// Description returns a human readable description of the port.
func (p PortInfo) Description() string {
	if !p.IsUSB {
		return p.Name
	}
	desc := fmt.Sprintf("%s [%s:%s]", p.Name, p.VID, p.PID)
	if p.Product != "" {
		desc += " " + p.Product
	}
	return desc
}

// Ports returns a list of available serial ports. USB details are filled in
// where the platform reports them.
func Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		result := make([]PortInfo, 0, len(details))
		for _, d := range details {
			result = append(result, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		return result, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	result := make([]PortInfo, 0, len(names))
	for _, name := range names {
		result = append(result, PortInfo{Name: name})
	}
	return result, nil
}

// Matcher selects candidate ports for autodetection.
type Matcher struct {
	VID       string
	PID       string
	NameHints []string
}

// Candidates filters and orders ports: USB ports with a matching VID/PID
// first, then ports whose name contains one of the hints. When neither VID nor
// hints are set, every port is a candidate.
func (m Matcher) Candidates(ports []PortInfo) []PortInfo {
	type scored struct {
		PortInfo
		score int
	}

	var list []scored
	for _, p := range ports {
		score := 0
		if m.VID != "" && p.IsUSB && strings.EqualFold(p.VID, m.VID) &&
			(m.PID == "" || strings.EqualFold(p.PID, m.PID)) {
			score += 4
		}
		if p.IsUSB {
			score++
		}
		for _, hint := range m.NameHints {
			if strings.Contains(p.Name, hint) {
				score += 2
				break
			}
		}

		switch {
		case m.VID != "" && score >= 4:
		case m.VID == "" && len(m.NameHints) == 0:
		case m.VID == "" && score >= 2:
		default:
			continue
		}
		list = append(list, scored{p, score})
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].score > list[j].score
	})

	out := make([]PortInfo, len(list))
	for i, s := range list {
		out[i] = s.PortInfo
	}
	return out
}

// ProbeFunc reports whether the named port carries e-nose frames.
type ProbeFunc func(ctx context.Context, name string) error

// Discover returns the first candidate port that passes probe.
func Discover(ctx context.Context, m Matcher, ports []PortInfo, probe ProbeFunc) (string, error) {
	var errs []error
	for _, p := range m.Candidates(ports) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := probe(ctx, p.Name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
			continue
		}
		return p.Name, nil
	}
	if len(errs) == 0 {
		return "", ErrNotFound
	}
	return "", fmt.Errorf("%w: %w", ErrNotFound, errors.Join(errs...))
}

// ProbePort returns a ProbeFunc that opens a port and waits up to timeout for
// one well-formed frame.
func ProbePort(baudRate int, timeout time.Duration) ProbeFunc {
	return func(ctx context.Context, name string) error {
		port, err := serial.Open(name, &serial.Mode{BaudRate: baudRate})
		if err != nil {
			return err
		}
		defer port.Close()

		if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
			return err
		}

		return awaitFrame(ctx, port, time.Now().Add(timeout))
	}
}

// awaitFrame reads r until one well-formed frame arrives or deadline passes.
// r must return (0, nil) on a read timeout. A line longer than MaxFrameLen
// is discarded up to its newline.
func awaitFrame(ctx context.Context, r io.Reader, deadline time.Time) error {
	buf := make([]byte, 256)
	line := make([]byte, 0, MaxFrameLen)
	overlong := false
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b != '\n' {
				switch {
				case overlong:
				case len(line) == MaxFrameLen:
					overlong = true
					line = line[:0]
				default:
					line = append(line, b)
				}
				continue
			}
			if !overlong {
				if _, perr := ParseFrame(string(line), time.Now()); perr == nil {
					return nil
				}
			}
			line = line[:0]
			overlong = false
		}
		if err != nil {
			return err
		}
	}
	return ErrNoFrame
}
