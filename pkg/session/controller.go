// Package session implements the timed five-stage sampling protocol as an
// explicit state machine.
//
// A Controller is not safe for concurrent use. It is owned by one task (the
// engine loop) which passes the current time into every call; stage changes
// are derived from elapsed time only, never from reading content.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionActive is returned by Start when a session is already running.
	ErrSessionActive = errors.New("session already active")
	// ErrNoSession is used as the reason of a no-op Stop.
	ErrNoSession = errors.New("no active session")
)

// Reason explains why a transition happened.
type Reason string

const (
	ReasonStart     Reason = "start"
	ReasonElapsed   Reason = "elapsed"
	ReasonCompleted Reason = "completed"
	ReasonStop      Reason = "stop"
	ReasonAbort     Reason = "abort"
)

// Transition records one stage change.
type Transition struct {
	From      Stage
	To        Stage
	At        time.Time
	SessionID string
	Reason    Reason
	Cause     error // set for ReasonAbort
}

// Status is a read-only snapshot of the controller at an instant.
type Status struct {
	Stage        Stage
	SessionID    string
	Progress     float64 // 0..1 across the whole protocol
	StageStarted time.Time
	StageElapsed time.Duration
}

// Active reports whether the snapshot belongs to a running session.
func (s Status) Active() bool {
	return s.Stage != Idle
}

type sampling struct {
	id         string
	stage      Stage
	stageStart time.Time
	completed  time.Duration // summed duration of the stages already finished
}

// Controller drives one sampling session at a time.
type Controller struct {
	durations Durations
	total     time.Duration
	current   *sampling
	newID     func() string
}

// NewController creates a Controller with the given stage durations.
func NewController(d Durations) (*Controller, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		durations: d,
		total:     d.Total(),
		newID:     uuid.NewString,
	}, nil
}

// Durations returns the configured stage durations.
func (c *Controller) Durations() Durations {
	return c.durations
}

// Stage returns the current stage without advancing time.
func (c *Controller) Stage() Stage {
	if c.current == nil {
		return Idle
	}
	return c.current.stage
}

// Start begins a new session at now. It fails with ErrSessionActive and leaves
// the state untouched when a session is already running.
func (c *Controller) Start(now time.Time) (Transition, error) {
	if c.current != nil {
		return Transition{}, ErrSessionActive
	}
	c.current = &sampling{
		id:         c.newID(),
		stage:      Protocol[0],
		stageStart: now,
	}
	return Transition{
		From:      Idle,
		To:        c.current.stage,
		At:        now,
		SessionID: c.current.id,
		Reason:    ReasonStart,
	}, nil
}

// Stop ends the running session. It returns false when already idle.
func (c *Controller) Stop(now time.Time) (Transition, bool) {
	return c.reset(now, ReasonStop, nil)
}

// Abort ends the running session because of cause, e.g. a lost device.
func (c *Controller) Abort(now time.Time, cause error) (Transition, bool) {
	return c.reset(now, ReasonAbort, cause)
}

func (c *Controller) reset(now time.Time, reason Reason, cause error) (Transition, bool) {
	if c.current == nil {
		return Transition{}, false
	}
	tr := Transition{
		From:      c.current.stage,
		To:        Idle,
		At:        now,
		SessionID: c.current.id,
		Reason:    reason,
		Cause:     cause,
	}
	c.current = nil
	return tr, true
}

// Advance applies every stage boundary that lies at or before now, in order.
// Boundaries are computed from the previous boundary, not from now, so late
// calls never skew later stages.
func (c *Controller) Advance(now time.Time) []Transition {
	var out []Transition
	for c.current != nil {
		s := c.current
		end := s.stageStart.Add(c.durations[s.stage])
		if now.Before(end) {
			break
		}

		next := s.stage.Next()
		tr := Transition{
			From:      s.stage,
			To:        next,
			At:        end,
			SessionID: s.id,
			Reason:    ReasonElapsed,
		}
		if next == Idle {
			tr.Reason = ReasonCompleted
			c.current = nil
		} else {
			s.completed += c.durations[s.stage]
			s.stage = next
			s.stageStart = end
		}
		out = append(out, tr)
	}
	return out
}

// Deadline returns the instant the current stage ends. ok is false when idle.
func (c *Controller) Deadline() (deadline time.Time, ok bool) {
	if c.current == nil {
		return time.Time{}, false
	}
	return c.current.stageStart.Add(c.durations[c.current.stage]), true
}

// Status returns a snapshot at now. Callers that need the stage to reflect
// now exactly must call Advance first; Status itself never transitions.
func (c *Controller) Status(now time.Time) Status {
	if c.current == nil {
		return Status{Stage: Idle}
	}
	s := c.current

	elapsed := now.Sub(s.stageStart)
	if elapsed < 0 {
		elapsed = 0
	}
	if d := c.durations[s.stage]; elapsed > d {
		elapsed = d
	}

	progress := float64(s.completed+elapsed) / float64(c.total)
	if progress > 1 {
		progress = 1
	}

	return Status{
		Stage:        s.stage,
		SessionID:    s.id,
		Progress:     progress,
		StageStarted: s.stageStart,
		StageElapsed: elapsed,
	}
}
