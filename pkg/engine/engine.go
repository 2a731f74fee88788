// Package engine runs the acquisition pipeline. One goroutine owns the signal
// processor and the sampling controller; device events, stage deadlines and
// client commands are all handed to it over channels, and everything it
// produces leaves as encoded messages through the stream hub.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/itohio/enose/pkg/device"
	"github.com/itohio/enose/pkg/filter"
	"github.com/itohio/enose/pkg/metrics"
	"github.com/itohio/enose/pkg/session"
	"github.com/itohio/enose/pkg/stream"
)

// ErrStopped is returned to commands that arrive after Run has exited.
var ErrStopped = errors.New("engine stopped")

// Broadcaster is the subset of stream.Hub the engine publishes to.
type Broadcaster interface {
	Broadcast(kind stream.MessageType, at time.Time, msg []byte)
}

// Directive forwards commands to the device, e.g. *device.Link.
type Directive interface {
	Send(cmd string) error
}

// Options configures an Engine.
type Options struct {
	Durations session.Durations
	Processor *filter.Processor
	Hub       Broadcaster

	// Device optionally receives directives: STAGE:<NAME> on every
	// transition when EchoStage is set, START_SAMPLING and STOP_SAMPLING
	// around each session when SamplingCommands is set.
	Device           Directive
	EchoStage        bool
	SamplingCommands bool

	// StatusInterval is the period of status messages while a session
	// runs; 0 disables them.
	StatusInterval time.Duration
	Clock          clockwork.Clock
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

type request struct {
	cmd   stream.Command
	reply chan stream.Reply
}

// Engine is the single owner of the pipeline state.
type Engine struct {
	opts    Options
	ctrl    *session.Controller
	proc    *filter.Processor
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	requests chan request
	done     chan struct{}

	// Owned by the Run goroutine.
	seq        uint64
	linkStatus device.LinkStatus
	port       string
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Processor == nil {
		return nil, errors.New("engine: processor is required")
	}
	if opts.Hub == nil {
		return nil, errors.New("engine: hub is required")
	}
	ctrl, err := session.NewController(opts.Durations)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		opts:       opts,
		ctrl:       ctrl,
		proc:       opts.Processor,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		requests:   make(chan request),
		done:       make(chan struct{}),
		linkStatus: device.StatusSearching,
	}, nil
}

// HandleCommand implements stream.CommandHandler. It blocks until the
// pipeline goroutine has executed the command.
func (e *Engine) HandleCommand(ctx context.Context, cmd stream.Command) stream.Reply {
	req := request{cmd: cmd, reply: make(chan stream.Reply, 1)}
	select {
	case e.requests <- req:
	case <-e.done:
		return stream.NewReply(cmd.Kind, ErrStopped)
	case <-ctx.Done():
		return stream.NewReply(cmd.Kind, ctx.Err())
	}

	select {
	case r := <-req.reply:
		return r
	case <-e.done:
		return stream.NewReply(cmd.Kind, ErrStopped)
	case <-ctx.Done():
		return stream.NewReply(cmd.Kind, ctx.Err())
	}
}

// Run consumes device events until ctx is cancelled or events is closed.
func (e *Engine) Run(ctx context.Context, events <-chan device.Event) error {
	defer close(e.done)

	stageTimer := e.clock.NewTimer(time.Hour)
	stageTimer.Stop()
	defer stageTimer.Stop()

	statusTimer := e.clock.NewTimer(time.Hour)
	statusTimer.Stop()
	defer statusTimer.Stop()

	rearm := func(now time.Time) {
		if deadline, ok := e.ctrl.Deadline(); ok {
			stageTimer.Reset(deadline.Sub(now))
		} else {
			stageTimer.Stop()
		}
	}

	now := e.clock.Now()
	e.broadcastStatus(now, e.ctrl.Status(now), "", nil)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			now := e.clock.Now()
			e.advance(now)
			switch ev.Kind {
			case device.EventReading:
				e.handleReading(ev.Reading, now)
			case device.EventStatus:
				e.handleLinkStatus(ev, now)
			}
			rearm(now)

		case <-stageTimer.Chan():
			now := e.clock.Now()
			e.advance(now)
			rearm(now)

		case <-statusTimer.Chan():
			now := e.clock.Now()
			e.advance(now)
			rearm(now)
			if st := e.ctrl.Status(now); st.Active() {
				e.broadcastStatus(now, st, "", nil)
				statusTimer.Reset(e.opts.StatusInterval)
			}

		case req := <-e.requests:
			now := e.clock.Now()
			e.advance(now)
			wasActive := e.ctrl.Status(now).Active()
			reply := e.handleCommand(req.cmd, now)
			rearm(now)
			if !wasActive && e.ctrl.Status(now).Active() && e.opts.StatusInterval > 0 {
				statusTimer.Reset(e.opts.StatusInterval)
			}
			req.reply <- reply
		}
	}
}

// advance applies every stage boundary up to now.
func (e *Engine) advance(now time.Time) {
	for _, tr := range e.ctrl.Advance(now) {
		e.onTransition(tr)
	}
}

func (e *Engine) handleReading(raw device.RawReading, now time.Time) {
	p := e.proc.Process(raw)
	st := e.ctrl.Status(now)

	e.seq++
	msg, err := stream.Encode(stream.NewReading(e.seq, p, st))
	if err != nil {
		e.logger.Error("failed to encode reading", "error", err)
		return
	}
	e.opts.Hub.Broadcast(stream.TypeReading, p.Timestamp, msg)
	e.metrics.ReadingBroadcast()
	e.metrics.Progress(st.Progress)
}

func (e *Engine) handleLinkStatus(ev device.Event, now time.Time) {
	e.linkStatus = ev.Status
	e.port = ev.Port
	e.metrics.DeviceStatus(string(ev.Status))

	if ev.Status == device.StatusLost {
		if tr, ok := e.ctrl.Abort(now, ev.Err); ok {
			e.logger.Warn("session aborted, device lost", "session", tr.SessionID, "stage", tr.From, "error", ev.Err)
			e.onTransition(tr)
			return
		}
	}
	e.broadcastStatus(now, e.ctrl.Status(now), "", ev.Err)
}

func (e *Engine) handleCommand(cmd stream.Command, now time.Time) stream.Reply {
	var err error
	switch cmd.Kind {
	case stream.CmdStart:
		var tr session.Transition
		if tr, err = e.ctrl.Start(now); err == nil {
			e.logger.Info("session started", "session", tr.SessionID)
			e.onTransition(tr)
		}

	case stream.CmdStop:
		tr, ok := e.ctrl.Stop(now)
		if !ok {
			err = session.ErrNoSession
			break
		}
		e.logger.Info("session stopped", "session", tr.SessionID, "stage", tr.From)
		e.onTransition(tr)

	case stream.CmdStatus:

	case stream.CmdSet:
		m := cmd.Params.Apply(e.proc.Modulation())
		if err = e.proc.SetModulation(m); err == nil {
			e.logger.Info("modulation updated", "enabled", m.Enabled, "amplitude", m.Amplitude, "frequency", m.Frequency)
			e.broadcastStatus(now, e.ctrl.Status(now), "set", nil)
		}

	default:
		err = stream.ErrUnknownCommand
	}

	reply := stream.NewReply(cmd.Kind, err)
	st := e.status(now, e.ctrl.Status(now), "", nil)
	reply.Status = &st
	return reply
}

// onTransition publishes one stage change. The status reflects the stage
// entered at tr.At, even when several boundaries were crossed at once.
func (e *Engine) onTransition(tr session.Transition) {
	st := session.Status{Stage: tr.To}
	if tr.To != session.Idle {
		st.SessionID = tr.SessionID
		st.StageStarted = tr.At
		st.Progress = e.offset(tr.To)
	}

	e.logger.Info("stage changed", "from", tr.From, "to", tr.To, "reason", tr.Reason, "session", tr.SessionID)
	e.metrics.StageChanged(tr.To.String(), int(tr.To), string(tr.Reason))
	e.metrics.Progress(st.Progress)
	e.broadcastStatus(tr.At, st, string(tr.Reason), tr.Cause)

	sampling := e.opts.SamplingCommands
	if sampling && tr.Reason == session.ReasonStart {
		e.direct(device.StartSampling)
	}
	if e.opts.EchoStage {
		e.direct(device.StagePrefix + tr.To.String())
	}
	if sampling && tr.To == session.Idle {
		e.direct(device.StopSampling)
	}
}

// direct forwards cmd to the device. Delivery is best effort; a missing
// device never stalls the pipeline.
func (e *Engine) direct(cmd string) {
	if e.opts.Device == nil {
		return
	}
	if err := e.opts.Device.Send(cmd); err != nil {
		e.logger.Debug("device directive not delivered", "command", cmd, "error", err)
	}
}

// offset returns the progress fraction at the start of stage s.
func (e *Engine) offset(s session.Stage) float64 {
	d := e.ctrl.Durations()
	var done time.Duration
	for _, p := range session.Protocol {
		if p == s {
			break
		}
		done += d[p]
	}
	return float64(done) / float64(d.Total())
}

func (e *Engine) status(at time.Time, st session.Status, reason string, cause error) stream.Status {
	msg := stream.NewStatus(at, st, string(e.linkStatus))
	msg.Port = e.port
	msg.Reason = reason
	if cause != nil {
		msg.Error = cause.Error()
	}
	mod := e.proc.Modulation()
	msg.Modulation = &mod
	return msg
}

func (e *Engine) broadcastStatus(at time.Time, st session.Status, reason string, cause error) {
	msg, err := stream.Encode(e.status(at, st, reason, cause))
	if err != nil {
		e.logger.Error("failed to encode status", "error", err)
		return
	}
	e.opts.Hub.Broadcast(stream.TypeStatus, at, msg)
}
