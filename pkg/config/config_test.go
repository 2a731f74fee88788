package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/enose/pkg/session"
)

func writeTemp(t *testing.T, pattern, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), pattern)
	require.NoError(t, err)
	_, err = tmpfile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())
	return tmpfile.Name()
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, 8082, cfg.NetworkPort)
	assert.True(t, cfg.DeviceAutodetect)
	assert.Equal(t, 9600, cfg.BaudRate)
	assert.Equal(t, 5, cfg.FilterWindow)
	assert.True(t, cfg.ModulationEnabled)
	assert.Equal(t, 0.15, cfg.ModulationAmplitude)
	assert.Equal(t, 0.5, cfg.ModulationFrequency)
	assert.Len(t, cfg.StageDurations, 5)
	assert.Equal(t, 2*time.Minute, cfg.StageDurations["HOLD"])
	assert.Equal(t, 4*time.Minute, cfg.StageDurations["PURGE"])
	assert.True(t, cfg.Device.SamplingCommands)
	assert.Less(t, cfg.Server.HistoryPoints, cfg.Server.ClientQueue)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, 8082, cfg.NetworkPort)
}

func TestLoad_ValidYAML(t *testing.T) {
	name := writeTemp(t, "test_config_*.yaml", `
network_port: 9000
device_autodetect: false
device_path: "/dev/ttyACM0"
baud_rate: 115200
filter_window: 8
modulation_enabled: false
modulation_amplitude: 0.3
modulation_frequency: 2
stage_durations:
  PRE_COND: 10s
  RAMP_UP: 10s
  HOLD: 60s
  PURGE: 10s
  RECOVERY: 10s

server:
  client_queue: 32
  history_points: 16
  http_addr: ""

log:
  level: debug
  format: json
`)

	cfg, err := Load(name)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.NetworkPort)
	assert.False(t, cfg.DeviceAutodetect)
	assert.Equal(t, "/dev/ttyACM0", cfg.DevicePath)
	assert.Equal(t, 115200, cfg.BaudRate)
	assert.Equal(t, 8, cfg.FilterWindow)
	assert.False(t, cfg.ModulationEnabled)
	assert.Equal(t, 0.3, cfg.ModulationAmplitude)
	assert.Equal(t, 2.0, cfg.ModulationFrequency)
	assert.Equal(t, 32, cfg.Server.ClientQueue)
	assert.Empty(t, cfg.Server.HTTPAddr)
	assert.Equal(t, "debug", cfg.Log.Level)

	d, err := cfg.Durations()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Second, d.Total())
	assert.Equal(t, 60*time.Second, d[session.Hold])
}

func TestLoad_ValidTOML(t *testing.T) {
	name := writeTemp(t, "test_config_*.toml", `
network_port = 7000
filter_window = 3
modulation_enabled = true
modulation_amplitude = 0.0

[stage_durations]
PRE_COND = "5s"
RAMP_UP = "5s"
HOLD = "20s"
PURGE = "5s"
RECOVERY = "5s"

[device]
vid = "2341"
`)

	cfg, err := Load(name)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.NetworkPort)
	assert.Equal(t, 3, cfg.FilterWindow)
	assert.Equal(t, 0.0, cfg.ModulationAmplitude)
	assert.Equal(t, "2341", cfg.Device.VID)
	assert.Equal(t, 20*time.Second, cfg.StageDurations["HOLD"])
}

func TestLoad_InvalidYAML(t *testing.T) {
	name := writeTemp(t, "test_config_*.yaml", "invalid: yaml: content: [")

	cfg, err := Load(name)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	name := writeTemp(t, "test_config_*.yaml", `
device_path: "/dev/ttyUSB1"
stage_durations:
  HOLD: 90s
`)

	cfg, err := Load(name)
	require.NoError(t, err)

	// Should use defaults for missing fields
	assert.Equal(t, "/dev/ttyUSB1", cfg.DevicePath)
	assert.Equal(t, 8082, cfg.NetworkPort)
	assert.Equal(t, 5, cfg.FilterWindow)
	assert.Equal(t, 90*time.Second, cfg.StageDurations["HOLD"])
	assert.Equal(t, 10*time.Second, cfg.StageDurations["PRE_COND"])
}

func TestLoad_StageNamesAnyCase(t *testing.T) {
	name := writeTemp(t, "test_config_*.yaml", `
stage_durations:
  pre_cond: 5s
  Ramp-Up: 7s
`)

	cfg, err := Load(name)
	require.NoError(t, err)
	assert.Len(t, cfg.StageDurations, 5)
	assert.Equal(t, 5*time.Second, cfg.StageDurations["PRE_COND"])
	assert.Equal(t, 7*time.Second, cfg.StageDurations["RAMP_UP"])
	assert.Equal(t, 2*time.Minute, cfg.StageDurations["HOLD"])

	d, err := cfg.Durations()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d[session.PreCond])

	name = writeTemp(t, "test_config_*.toml", `
[stage_durations]
hold = "45s"
`)
	cfg, err = Load(name)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.StageDurations["HOLD"])
	assert.NotContains(t, cfg.StageDurations, "hold")
}

func TestLoad_StageListedTwice(t *testing.T) {
	name := writeTemp(t, "test_config_*.yaml", `
stage_durations:
  hold: 5s
  HOLD: 6s
`)

	cfg, err := Load(name)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "HOLD listed more than once")
}

func TestLoad_InvalidValuesFailFast(t *testing.T) {
	name := writeTemp(t, "test_config_*.yaml", `
filter_window: 0
modulation_amplitude: 1.5
`)

	cfg, err := Load(name)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "filter_window")
	assert.Contains(t, err.Error(), "modulation_amplitude")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"port zero", func(c *Config) { c.NetworkPort = 0 }, "network_port"},
		{"port too large", func(c *Config) { c.NetworkPort = 70000 }, "network_port"},
		{"no device path", func(c *Config) { c.DeviceAutodetect = false }, "device_path"},
		{"no device path with mock", func(c *Config) { c.DeviceAutodetect = false; c.Mock.Enabled = true }, ""},
		{"baud", func(c *Config) { c.BaudRate = -1 }, "baud_rate"},
		{"window", func(c *Config) { c.FilterWindow = 0 }, "filter_window"},
		{"negative amplitude", func(c *Config) { c.ModulationAmplitude = -0.1 }, "modulation_amplitude"},
		{"negative frequency", func(c *Config) { c.ModulationFrequency = -1 }, "modulation_frequency"},
		{"unknown stage", func(c *Config) { c.StageDurations["DONE"] = time.Second }, "unknown stage"},
		{"idle stage", func(c *Config) { c.StageDurations["IDLE"] = time.Second }, "IDLE"},
		{"duplicate stage", func(c *Config) { c.StageDurations["hold"] = time.Second }, "more than once"},
		{"missing stage", func(c *Config) { delete(c.StageDurations, "PURGE") }, "PURGE"},
		{"zero stage", func(c *Config) { c.StageDurations["RAMP_UP"] = 0 }, "RAMP_UP"},
		{"bad vid", func(c *Config) { c.Device.VID = "xyz" }, "device.vid"},
		{"retry bounds", func(c *Config) { c.Device.RetryMax = time.Millisecond }, "device.retry_max"},
		{"retry jitter", func(c *Config) { c.Device.RetryJitter = 1 }, "device.retry_jitter"},
		{"queue", func(c *Config) { c.Server.ClientQueue = 0 }, "client_queue"},
		{"backfill exceeds queue", func(c *Config) { c.Server.ClientQueue = 64; c.Server.HistoryPoints = 64 }, "history_points"},
		{"ws path", func(c *Config) { c.Server.WebSocketPath = "ws" }, "websocket_path"},
		{"mqtt url", func(c *Config) { c.Bridge.MQTT.Enabled = true; c.Bridge.MQTT.URL = "localhost" }, "bridge.mqtt.url"},
		{"mqtt qos", func(c *Config) { c.Bridge.MQTT.Enabled = true; c.Bridge.MQTT.QoS = 3 }, "qos"},
		{"nats subject", func(c *Config) { c.Bridge.NATS.Enabled = true; c.Bridge.NATS.Subject = "" }, "bridge.nats.subject"},
		{"log level", func(c *Config) { c.Log.Level = "chatty" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCheckModulation_ZeroAmplitudeAllowed(t *testing.T) {
	assert.NoError(t, CheckModulation(0, 0))
	assert.NoError(t, CheckModulation(1, 10))
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.DevicePath = "/dev/ttyUSB0"
	cfg.FilterWindow = 15
	cfg.StageDurations["HOLD"] = 75 * time.Second

	name := filepath.Join(t.TempDir(), "test_save.yaml")
	require.NoError(t, cfg.Save(name))

	// Load it back and verify
	loaded, err := Load(name)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.DevicePath)
	assert.Equal(t, 15, loaded.FilterWindow)
	assert.Equal(t, 75*time.Second, loaded.StageDurations["HOLD"])
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Default().WriteYAML(&buf))
	out := buf.String()
	assert.Contains(t, out, "network_port: 8082")
	assert.Contains(t, out, "HOLD: 2m0s")
}
