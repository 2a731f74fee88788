package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/itohio/enose/pkg/session"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration. The top-level keys are the
// options recognized by the acquisition core; the nested sections tune the
// surrounding infrastructure.
type Config struct {
	NetworkPort         int                      `yaml:"network_port"         toml:"network_port"`
	DeviceAutodetect    bool                     `yaml:"device_autodetect"    toml:"device_autodetect"`
	DevicePath          string                   `yaml:"device_path"          toml:"device_path"`
	BaudRate            int                      `yaml:"baud_rate"            toml:"baud_rate"`
	FilterWindow        int                      `yaml:"filter_window"        toml:"filter_window"`
	ModulationEnabled   bool                     `yaml:"modulation_enabled"   toml:"modulation_enabled"`
	ModulationAmplitude float64                  `yaml:"modulation_amplitude" toml:"modulation_amplitude"`
	ModulationFrequency float64                  `yaml:"modulation_frequency" toml:"modulation_frequency"`
	StageDurations      map[string]time.Duration `yaml:"stage_durations"      toml:"stage_durations"`

	Device DeviceConfig `yaml:"device" toml:"device"`
	Server ServerConfig `yaml:"server" toml:"server"`
	Bridge BridgeConfig `yaml:"bridge" toml:"bridge"`
	Log    LogConfig    `yaml:"log"    toml:"log"`
	Mock   MockConfig   `yaml:"mock"   toml:"mock"`
}

// DeviceConfig tunes serial discovery and reconnection.
type DeviceConfig struct {
	VID             string        `yaml:"vid"              toml:"vid"`        // USB vendor id to match during autodetect (hex, optional)
	PID             string        `yaml:"pid"              toml:"pid"`        // USB product id to match during autodetect (hex, optional)
	NameHints       []string      `yaml:"name_hints"       toml:"name_hints"` // Port name substrings considered during autodetect
	ProbeTimeout    time.Duration `yaml:"probe_timeout"    toml:"probe_timeout"`
	RetryInitial    time.Duration `yaml:"retry_initial"    toml:"retry_initial"`
	RetryMax        time.Duration `yaml:"retry_max"        toml:"retry_max"`
	RetryMultiplier float64       `yaml:"retry_multiplier" toml:"retry_multiplier"`
	RetryJitter     float64       `yaml:"retry_jitter"     toml:"retry_jitter"` // Randomization factor applied to each redial delay, in [0, 1)
	BufferSize      int           `yaml:"buffer_size"      toml:"buffer_size"`
	EchoStage       bool          `yaml:"echo_stage"       toml:"echo_stage"` // Send STAGE:<name> to the device on transitions

	// Send START_SAMPLING when a session starts and STOP_SAMPLING when it
	// stops, aborts or completes.
	SamplingCommands bool `yaml:"sampling_commands" toml:"sampling_commands"`
}

// ServerConfig contains stream server parameters.
type ServerConfig struct {
	ListenAddress  string        `yaml:"listen_address"  toml:"listen_address"`
	ClientQueue    int           `yaml:"client_queue"    toml:"client_queue"` // Per-client outgoing queue; oldest message dropped on overflow
	HistoryWindow  time.Duration `yaml:"history_window"  toml:"history_window"`
	HistoryPoints  int           `yaml:"history_points"  toml:"history_points"` // Max backfill readings sent to a new client (0 = no backfill)
	StatusInterval time.Duration `yaml:"status_interval" toml:"status_interval"`
	HTTPAddr       string        `yaml:"http_addr"       toml:"http_addr"` // WebSocket + metrics listener; empty disables
	WebSocketPath  string        `yaml:"websocket_path"  toml:"websocket_path"`
}

// BridgeConfig configures optional broker rebroadcast.
type BridgeConfig struct {
	MQTT MQTTConfig `yaml:"mqtt" toml:"mqtt"`
	NATS NATSConfig `yaml:"nats" toml:"nats"`
}

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"   toml:"enabled"`
	URL      string `yaml:"url"       toml:"url"`
	Topic    string `yaml:"topic"     toml:"topic"`
	ClientID string `yaml:"client_id" toml:"client_id"`
	QoS      int    `yaml:"qos"       toml:"qos"`
	Queue    int    `yaml:"queue"     toml:"queue"`
}

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	URL     string `yaml:"url"     toml:"url"`
	Subject string `yaml:"subject" toml:"subject"`
	Queue   int    `yaml:"queue"   toml:"queue"`
}

// LogConfig selects log verbosity and output format.
type LogConfig struct {
	Level  string `yaml:"level"  toml:"level"`
	Format string `yaml:"format" toml:"format"` // tint, text or json
}

// MockConfig contains mock device configuration.
type MockConfig struct {
	Enabled    bool          `yaml:"enabled"     toml:"enabled"`
	SampleRate time.Duration `yaml:"sample_rate" toml:"sample_rate"`
	Baseline   float64       `yaml:"baseline"    toml:"baseline"`    // Sensor output with clean air
	Response   float64       `yaml:"response"    toml:"response"`    // Additional output at full exposure
	NoiseLevel float64       `yaml:"noise_level" toml:"noise_level"` // Peak noise amplitude
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		NetworkPort:         8082,
		DeviceAutodetect:    true,
		DevicePath:          "",
		BaudRate:            9600,
		FilterWindow:        5,
		ModulationEnabled:   true,
		ModulationAmplitude: 0.15, // 15% amplitude
		ModulationFrequency: 0.5,  // 1 cycle per 2 seconds
		StageDurations: map[string]time.Duration{
			session.PreCond.String():  10 * time.Second,
			session.RampUp.String():   10 * time.Second,
			session.Hold.String():     2 * time.Minute,
			session.Purge.String():    4 * time.Minute,
			session.Recovery.String(): 30 * time.Second,
		},
		Device: DeviceConfig{
			NameHints:        []string{"ttyACM", "ttyUSB", "usbmodem", "usbserial", "COM"},
			ProbeTimeout:     3 * time.Second,
			RetryInitial:     500 * time.Millisecond,
			RetryMax:         10 * time.Second,
			RetryMultiplier:  2.0,
			RetryJitter:      0.1,
			BufferSize:       100,
			EchoStage:        true,
			SamplingCommands: true,
		},
		Server: ServerConfig{
			ListenAddress:  "0.0.0.0",
			ClientQueue:    256,
			HistoryWindow:  30 * time.Second,
			HistoryPoints:  200,
			StatusInterval: time.Second,
			HTTPAddr:       ":8083",
			WebSocketPath:  "/ws",
		},
		Bridge: BridgeConfig{
			MQTT: MQTTConfig{
				URL:   "mqtt://localhost:1883",
				Topic: "enose/stream",
				QoS:   0,
				Queue: 256,
			},
			NATS: NATSConfig{
				URL:     "nats://localhost:4222",
				Subject: "enose.stream",
				Queue:   256,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "tint",
		},
		Mock: MockConfig{
			SampleRate: 100 * time.Millisecond,
			Baseline:   1.0,
			Response:   2.5,
			NoiseLevel: 0.02,
		},
	}
}

// Load loads configuration from a YAML (.yaml/.yml) or TOML (.toml) file.
// If the file doesn't exist the defaults are returned; keys missing from the
// file keep their default values. The result is validated.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Stage names are case-insensitive, so the file's map is decoded on its
	// own and merged by canonical name instead of into the default keys.
	defaults := cfg.StageDurations
	cfg.StageDurations = nil

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.StageDurations, err = mergeStages(defaults, cfg.StageDurations)
	if err != nil {
		return nil, fmt.Errorf("%w: stage_durations: %w", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeStages overlays override onto base, keyed by canonical stage name.
// Two spellings of the same stage in override are rejected.
func mergeStages(base, override map[string]time.Duration) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(base))
	for name, d := range base {
		out[name] = d
	}

	seen := make(map[session.Stage]string, len(override))
	for name, d := range override {
		st, err := session.ParseStage(name)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[st]; ok {
			return nil, fmt.Errorf("stage %s listed more than once (%q, %q)", st, prev, name)
		}
		seen[st] = name
		out[st.String()] = d
	}
	return out, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer f.Close()

	return c.WriteYAML(f)
}

// WriteYAML encodes the configuration as YAML to w.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return enc.Close()
}

// Durations converts StageDurations into the controller's representation.
func (c *Config) Durations() (session.Durations, error) {
	var d session.Durations
	seen := make(map[session.Stage]bool, len(c.StageDurations))
	for name, dur := range c.StageDurations {
		st, err := session.ParseStage(name)
		if err != nil {
			return d, err
		}
		if st == session.Idle {
			return d, fmt.Errorf("stage %s has no duration", st)
		}
		if seen[st] {
			return d, fmt.Errorf("stage %s listed more than once", st)
		}
		seen[st] = true
		d[st] = dur
	}
	return d, d.Validate()
}
