package filter

import (
	"github.com/itohio/enose/pkg/device"
)

// Converter turns a raw reading stream into a processed one.
type Converter func(in <-chan device.RawReading) <-chan ProcessedReading

// Converter returns a stage that runs every reading through p. The output
// channel is closed once in is closed and drained. The stage takes ownership
// of p; nothing else may call it while the stage runs.
func (p *Processor) Converter(bufSize int) Converter {
	if bufSize <= 0 {
		bufSize = device.DefaultBufferSize
	}

	return func(in <-chan device.RawReading) <-chan ProcessedReading {
		out := make(chan ProcessedReading, bufSize)

		go func() {
			defer close(out)
			for raw := range in {
				out <- p.Process(raw)
			}
		}()

		return out
	}
}
