package device

import "time"

// Commands understood by the firmware.
const (
	// StartSampling asks the firmware to run its pumps and heaters.
	StartSampling = "START_SAMPLING"
	// StopSampling returns the firmware to rest.
	StopSampling = "STOP_SAMPLING"
	// StagePrefix precedes the stage name in a stage directive.
	StagePrefix = "STAGE:"
)

// Device defines the interface for e-nose devices (real or mocked).
type Device interface {
	Connect() error
	Close() error
	Readings() <-chan RawReading
	Send(cmd string) error
	IsConnected() bool
	// Err reports why the readings channel closed. It is nil while the
	// device is running and after a regular Close.
	Err() error
}

// Ensure Serial implements Device.
var _ Device = (*Serial)(nil)

// Ensure Mock implements Device.
var _ Device = (*Mock)(nil)

// Channel identifies one gas sensor channel.
type Channel int

const (
	NO2 Channel = iota
	ETH
	VOC
	CO
	COM
	ETHM
	VOCM

	NumChannels = 7
)

var channelNames = [NumChannels]string{"NO2", "ETH", "VOC", "CO", "COM", "ETHM", "VOCM"}

// String returns the channel name as printed by the firmware.
func (c Channel) String() string {
	if c < 0 || int(c) >= NumChannels {
		return "UNKNOWN"
	}
	return channelNames[c]
}

// Channels returns all channels in frame order.
func Channels() [NumChannels]Channel {
	var out [NumChannels]Channel
	for i := range out {
		out[i] = Channel(i)
	}
	return out
}

// Values holds one value per channel, indexed by Channel.
type Values [NumChannels]float32

// RawReading represents one parsed frame from the device.
type RawReading struct {
	Timestamp time.Time
	Values    Values
	// Firmware-reported state and level, present when the frame carries them.
	HasDeviceState bool
	DeviceState    int
	DeviceLevel    int
}

// Hooks observe frame parsing. Any field may be nil.
type Hooks struct {
	Frame     func()
	Malformed func(line string, err error)
}

func (h Hooks) frame() {
	if h.Frame != nil {
		h.Frame()
	}
}

func (h Hooks) malformed(line string, err error) {
	if h.Malformed != nil {
		h.Malformed(line, err)
	}
}
