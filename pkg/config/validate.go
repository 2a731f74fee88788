package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/itohio/enose/pkg/logging"
)

// Validate checks every option and reports all problems at once. Values are
// never clamped: anything out of range is an error wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.NetworkPort < 1 || c.NetworkPort > 65535 {
		add("network_port must be between 1 and 65535, got %d", c.NetworkPort)
	}
	if !c.DeviceAutodetect && strings.TrimSpace(c.DevicePath) == "" && !c.Mock.Enabled {
		add("device_path is required when device_autodetect is false")
	}
	if c.BaudRate <= 0 {
		add("baud_rate must be positive, got %d", c.BaudRate)
	}
	if c.FilterWindow < 1 {
		add("filter_window must be >= 1, got %d", c.FilterWindow)
	}
	if err := CheckModulation(c.ModulationAmplitude, c.ModulationFrequency); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Durations(); err != nil {
		add("stage_durations: %w", err)
	}

	d := c.Device
	if d.VID != "" {
		if _, err := strconv.ParseUint(d.VID, 16, 16); err != nil {
			add("device.vid must be a hex USB id, got %q", d.VID)
		}
	}
	if d.PID != "" {
		if _, err := strconv.ParseUint(d.PID, 16, 16); err != nil {
			add("device.pid must be a hex USB id, got %q", d.PID)
		}
	}
	if d.ProbeTimeout <= 0 {
		add("device.probe_timeout must be positive, got %s", d.ProbeTimeout)
	}
	if d.RetryInitial <= 0 {
		add("device.retry_initial must be positive, got %s", d.RetryInitial)
	}
	if d.RetryMax < d.RetryInitial {
		add("device.retry_max (%s) must be >= device.retry_initial (%s)", d.RetryMax, d.RetryInitial)
	}
	if d.RetryMultiplier < 1 {
		add("device.retry_multiplier must be >= 1, got %g", d.RetryMultiplier)
	}
	if d.RetryJitter < 0 || d.RetryJitter >= 1 {
		add("device.retry_jitter must be in [0, 1), got %g", d.RetryJitter)
	}
	if d.BufferSize < 1 {
		add("device.buffer_size must be >= 1, got %d", d.BufferSize)
	}

	s := c.Server
	if s.ClientQueue < 1 {
		add("server.client_queue must be >= 1, got %d", s.ClientQueue)
	}
	if s.HistoryPoints < 0 {
		add("server.history_points must be >= 0, got %d", s.HistoryPoints)
	}
	// The backfill and the initial status must fit in a fresh client queue.
	if s.ClientQueue >= 1 && s.HistoryPoints >= s.ClientQueue {
		add("server.history_points (%d) must be less than server.client_queue (%d)", s.HistoryPoints, s.ClientQueue)
	}
	if s.HistoryWindow < 0 {
		add("server.history_window must not be negative, got %s", s.HistoryWindow)
	}
	if s.StatusInterval < 0 {
		add("server.status_interval must not be negative, got %s", s.StatusInterval)
	}
	if s.HTTPAddr != "" && !strings.HasPrefix(s.WebSocketPath, "/") {
		add("server.websocket_path must start with '/', got %q", s.WebSocketPath)
	}

	if m := c.Bridge.MQTT; m.Enabled {
		if err := checkBrokerURL(m.URL); err != nil {
			add("bridge.mqtt.url: %w", err)
		}
		if m.Topic == "" {
			add("bridge.mqtt.topic is required")
		}
		if m.QoS < 0 || m.QoS > 2 {
			add("bridge.mqtt.qos must be 0, 1 or 2, got %d", m.QoS)
		}
		if m.Queue < 1 {
			add("bridge.mqtt.queue must be >= 1, got %d", m.Queue)
		}
	}
	if n := c.Bridge.NATS; n.Enabled {
		if err := checkBrokerURL(n.URL); err != nil {
			add("bridge.nats.url: %w", err)
		}
		if n.Subject == "" {
			add("bridge.nats.subject is required")
		}
		if n.Queue < 1 {
			add("bridge.nats.queue must be >= 1, got %d", n.Queue)
		}
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatTint, logging.FormatText, logging.FormatJSON:
	default:
		add("log.format must be tint, text or json, got %q", c.Log.Format)
	}

	if c.Mock.Enabled && c.Mock.SampleRate <= 0 {
		add("mock.sample_rate must be positive, got %s", c.Mock.SampleRate)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// CheckModulation validates modulation parameters. Amplitude is a fraction in
// [0, 1]; frequency is in Hz and must not be negative.
func CheckModulation(amplitude, frequency float64) error {
	var errs []error
	if math.IsNaN(amplitude) || amplitude < 0 || amplitude > 1 {
		errs = append(errs, fmt.Errorf("modulation_amplitude must be within [0, 1], got %g", amplitude))
	}
	if math.IsNaN(frequency) || math.IsInf(frequency, 0) || frequency < 0 {
		errs = append(errs, fmt.Errorf("modulation_frequency must be a finite value >= 0, got %g", frequency))
	}
	return errors.Join(errs...)
}

func checkBrokerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("expected scheme://host:port, got %q", raw)
	}
	return nil
}
