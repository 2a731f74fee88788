package device

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDevice returns a connected Serial whose port is one end of a pipe, and
// the other end standing in for the MCU.
func pipeDevice(t *testing.T, opts ...Option) (*Serial, net.Conn) {
	t.Helper()
	host, mcu := net.Pipe()
	opener := func(name string, baudRate int) (io.ReadWriteCloser, error) {
		return host, nil
	}
	dev := New("pipe", 0, 0, append([]Option{WithOpener(opener)}, opts...)...)
	require.NoError(t, dev.Connect())
	t.Cleanup(func() {
		dev.Close()
		mcu.Close()
	})
	return dev, mcu
}

func nextReading(t *testing.T, ch <-chan RawReading) RawReading {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "readings channel closed")
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reading")
	}
	return RawReading{}
}

func waitClosed(t *testing.T, ch <-chan RawReading) {
	t.Helper()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("readings channel did not close")
		}
	}
}

func TestNew(t *testing.T) {
	dev := New("COM3", 115200, 10)
	assert.NotNil(t, dev)
	assert.Equal(t, "COM3", dev.Port())
	assert.Equal(t, 115200, dev.baudRate)
	assert.Equal(t, 10, cap(dev.readings))
	assert.False(t, dev.IsConnected())
}

func TestNew_Defaults(t *testing.T) {
	dev := New("COM3", 0, 0)
	assert.Equal(t, DefaultBaudRate, dev.baudRate)
	assert.Equal(t, DefaultBufferSize, dev.bufSize)
}

func TestSerial_SendNotConnected(t *testing.T) {
	dev := New("COM3", 0, 0)
	assert.ErrorIs(t, dev.Send("STAGE:HOLD"), ErrNotConnected)
}

func TestSerial_MalformedFrameCounted(t *testing.T) {
	var mu sync.Mutex
	var rejected []error
	hooks := Hooks{Malformed: func(line string, err error) {
		mu.Lock()
		rejected = append(rejected, err)
		mu.Unlock()
	}}
	dev, mcu := pipeDevice(t, WithHooks(hooks))

	go func() {
		io.WriteString(mcu, "SENSOR:1,2,3,4,5,6,7\n")
		io.WriteString(mcu, "NO2,ETH,??\n")
		io.WriteString(mcu, "# warming up\n")
		io.WriteString(mcu, "\n")
		io.WriteString(mcu, "2,2,2,2,2,2,2,1,5\n")
	}()

	first := nextReading(t, dev.Readings())
	assert.Equal(t, Values{1, 2, 3, 4, 5, 6, 7}, first.Values)
	second := nextReading(t, dev.Readings())
	assert.Equal(t, float32(2), second.Values[VOCM])
	assert.Equal(t, 5, second.DeviceLevel)

	assert.Equal(t, Stats{Frames: 2, Malformed: 1}, dev.Stats())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0], ErrMalformedFrame)

	select {
	case r := <-dev.Readings():
		t.Fatalf("unexpected reading %+v", r)
	default:
	}
}

func TestSerial_OverlongLineDiscarded(t *testing.T) {
	dev, mcu := pipeDevice(t)

	go func() {
		io.WriteString(mcu, strings.Repeat("9", 3*MaxFrameLen)+"\n")
		io.WriteString(mcu, "1,1,1,1,1,1,1\n")
	}()

	r := nextReading(t, dev.Readings())
	assert.Equal(t, float32(1), r.Values[NO2])
	assert.Equal(t, Stats{Frames: 1, Malformed: 1}, dev.Stats())
}

func TestSerial_DisconnectReported(t *testing.T) {
	var partial error
	dev, mcu := pipeDevice(t, WithHooks(Hooks{Malformed: func(_ string, err error) { partial = err }}))

	go func() {
		io.WriteString(mcu, "1,1,1,1,1,1,1\n")
		io.WriteString(mcu, "1,2,3")
		mcu.Close()
	}()

	nextReading(t, dev.Readings())
	waitClosed(t, dev.Readings())

	assert.ErrorIs(t, dev.Err(), ErrDisconnected)
	assert.False(t, dev.IsConnected())
	assert.ErrorIs(t, partial, ErrPartialFrame)
	assert.Equal(t, uint64(1), dev.Stats().Malformed)
}

func TestSerial_Send(t *testing.T) {
	dev, mcu := pipeDevice(t)

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(mcu).ReadString('\n')
		got <- line
	}()

	require.NoError(t, dev.Send("STAGE:HOLD"))
	select {
	case line := <-got:
		assert.Equal(t, "STAGE:HOLD\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("command not written")
	}
}

func TestSerial_ConnectTwice(t *testing.T) {
	dev, _ := pipeDevice(t)
	assert.ErrorIs(t, dev.Connect(), ErrAlreadyConnected)
}
