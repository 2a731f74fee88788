package session

import (
	"fmt"
	"strings"
	"time"
)

// Stage is one phase of the sampling protocol, or Idle when no session runs.
type Stage int

const (
	Idle Stage = iota
	PreCond
	RampUp
	Hold
	Purge
	Recovery

	numStages
)

var stageNames = [numStages]string{
	Idle:     "IDLE",
	PreCond:  "PRE_COND",
	RampUp:   "RAMP_UP",
	Hold:     "HOLD",
	Purge:    "PURGE",
	Recovery: "RECOVERY",
}

// Protocol lists the timed stages in the order a session walks them.
var Protocol = [...]Stage{PreCond, RampUp, Hold, Purge, Recovery}

// String returns the wire name of the stage.
func (s Stage) String() string {
	if s < 0 || s >= numStages {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s >= 0 && s < numStages
}

// Next returns the stage that follows s. Recovery is followed by Idle.
func (s Stage) Next() Stage {
	if s == Recovery || !s.Valid() {
		return Idle
	}
	return s + 1
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(b []byte) error {
	st, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseStage parses a stage name. Matching is case-insensitive and accepts
// '-' in place of '_'.
func ParseStage(name string) (Stage, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for i, n := range stageNames {
		if n == norm {
			return Stage(i), nil
		}
	}
	return Idle, fmt.Errorf("unknown stage %q", name)
}

// Durations holds the configured duration of each timed stage, indexed by
// Stage. The Idle slot is unused.
type Durations [numStages]time.Duration

// Total returns the sum of all timed stage durations.
func (d Durations) Total() time.Duration {
	var total time.Duration
	for _, s := range Protocol {
		total += d[s]
	}
	return total
}

// Validate checks that every timed stage has a positive duration.
func (d Durations) Validate() error {
	for _, s := range Protocol {
		if d[s] <= 0 {
			return fmt.Errorf("stage %s: duration must be positive, got %s", s, d[s])
		}
	}
	return nil
}
