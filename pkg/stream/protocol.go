// Package stream fans the annotated reading stream out to network clients and
// forwards their commands to the sampling controller.
//
// Every message is one JSON object terminated by a newline, so a client that
// lost its place resynchronizes by discarding bytes up to the next newline.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/itohio/enose/pkg/device"
	"github.com/itohio/enose/pkg/filter"
	"github.com/itohio/enose/pkg/session"
)

// MaxLineLen bounds one inbound command line.
const MaxLineLen = 64 * 1024

var (
	// ErrUnknownCommand is returned for commands the server does not understand.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrEmptyCommand is returned for blank lines.
	ErrEmptyCommand = errors.New("empty command")
)

// MessageType discriminates server messages.
type MessageType string

const (
	TypeReading MessageType = "reading"
	TypeStatus  MessageType = "status"
	TypeReply   MessageType = "reply"
)

// Reading is an annotated reading as sent on the wire.
type Reading struct {
	Type        MessageType   `json:"type"`
	Seq         uint64        `json:"seq"`
	Timestamp   int64         `json:"timestamp"` // Unix milliseconds
	NO2         float32       `json:"no2"`
	ETH         float32       `json:"eth"`
	VOC         float32       `json:"voc"`
	CO          float32       `json:"co"`
	COM         float32       `json:"com"`
	ETHM        float32       `json:"ethm"`
	VOCM        float32       `json:"vocm"`
	Stage       session.Stage `json:"stage"`
	StateName   string        `json:"state_name"` // same as stage; read by older dashboards
	StageIndex  int           `json:"stage_index"`
	Progress    float64       `json:"progress"`
	Session     string        `json:"session,omitempty"`
	DeviceState *int          `json:"device_state,omitempty"`
	DeviceLevel *int          `json:"device_level,omitempty"`
}

// NewReading annotates a processed reading with a controller snapshot.
func NewReading(seq uint64, p filter.ProcessedReading, st session.Status) Reading {
	v := p.Values
	r := Reading{
		Type:       TypeReading,
		Seq:        seq,
		Timestamp:  p.Timestamp.UnixMilli(),
		NO2:        v[device.NO2],
		ETH:        v[device.ETH],
		VOC:        v[device.VOC],
		CO:         v[device.CO],
		COM:        v[device.COM],
		ETHM:       v[device.ETHM],
		VOCM:       v[device.VOCM],
		Stage:      st.Stage,
		StateName:  st.Stage.String(),
		StageIndex: int(st.Stage),
		Progress:   st.Progress,
		Session:    st.SessionID,
	}
	if p.Raw.HasDeviceState {
		state, level := p.Raw.DeviceState, p.Raw.DeviceLevel
		r.DeviceState = &state
		r.DeviceLevel = &level
	}
	return r
}

// Values returns the channel values in frame order.
func (r Reading) Values() device.Values {
	return device.Values{r.NO2, r.ETH, r.VOC, r.CO, r.COM, r.ETHM, r.VOCM}
}

// Status reports controller and device state.
type Status struct {
	Type       MessageType        `json:"type"`
	Timestamp  int64              `json:"timestamp"`
	Stage      session.Stage      `json:"stage"`
	StateName  string             `json:"state_name"`
	StageIndex int                `json:"stage_index"`
	Progress   float64            `json:"progress"`
	Session    string             `json:"session,omitempty"`
	Device     string             `json:"device"`
	Port       string             `json:"port,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Error      string             `json:"error,omitempty"`
	Modulation *filter.Modulation `json:"modulation,omitempty"`
}

// NewStatus builds a status message.
func NewStatus(at time.Time, st session.Status, dev string) Status {
	return Status{
		Type:       TypeStatus,
		Timestamp:  at.UnixMilli(),
		Stage:      st.Stage,
		StateName:  st.Stage.String(),
		StageIndex: int(st.Stage),
		Progress:   st.Progress,
		Session:    st.SessionID,
		Device:     dev,
	}
}

// Reply answers one command to its sender only.
type Reply struct {
	Type    MessageType `json:"type"`
	Command string      `json:"command"`
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Status  *Status     `json:"status,omitempty"`
}

// NewReply builds a reply; a nil err means success.
func NewReply(cmd CommandKind, err error) Reply {
	r := Reply{Type: TypeReply, Command: string(cmd), OK: err == nil}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Encode serializes a message as one newline-terminated line.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return append(b, '\n'), nil
}

// CommandKind names a client command.
type CommandKind string

const (
	CmdStart  CommandKind = "start"
	CmdStop   CommandKind = "stop"
	CmdStatus CommandKind = "status"
	CmdSet    CommandKind = "set"
)

// SetParams carries live parameter overrides. Nil fields are left unchanged.
type SetParams struct {
	ModulationEnabled   *bool    `json:"modulation_enabled,omitempty"`
	ModulationAmplitude *float64 `json:"modulation_amplitude,omitempty"`
	ModulationFrequency *float64 `json:"modulation_frequency,omitempty"`
}

// Apply returns m with the overrides applied.
func (p SetParams) Apply(m filter.Modulation) filter.Modulation {
	if p.ModulationEnabled != nil {
		m.Enabled = *p.ModulationEnabled
	}
	if p.ModulationAmplitude != nil {
		m.Amplitude = *p.ModulationAmplitude
	}
	if p.ModulationFrequency != nil {
		m.Frequency = *p.ModulationFrequency
	}
	return m
}

// Command is a parsed client command.
type Command struct {
	Kind   CommandKind
	Params SetParams
}

type commandEnvelope struct {
	Cmd    string    `json:"cmd"`
	Params SetParams `json:"params"`
}

// ParseCommand parses one inbound line. Plain words (start, stop, status and
// the START_SAMPLING/STOP_SAMPLING aliases) and JSON objects
// {"cmd":"set","params":{...}} are accepted.
func ParseCommand(line []byte) (Command, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Command{}, ErrEmptyCommand
	}

	if line[0] == '{' {
		var env commandEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Command{}, fmt.Errorf("%w: %w", ErrUnknownCommand, err)
		}
		kind, err := parseKind(env.Cmd)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: kind, Params: env.Params}, nil
	}

	kind, err := parseKind(string(line))
	if err != nil {
		return Command{}, err
	}
	if kind == CmdSet {
		return Command{}, fmt.Errorf("%w: set requires a JSON command", ErrUnknownCommand)
	}
	return Command{Kind: kind}, nil
}

func parseKind(word string) (CommandKind, error) {
	switch strings.ToLower(strings.TrimSpace(word)) {
	case "start", "start_sampling":
		return CmdStart, nil
	case "stop", "stop_sampling":
		return CmdStop, nil
	case "status":
		return CmdStatus, nil
	case "set":
		return CmdSet, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, word)
}
