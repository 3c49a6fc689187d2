// Package audio defines the sample formats, conversions and device
// abstractions used by the voice client.
//
// The two device abstractions are:
//
//   - [InputDevice] opens a capture stream and delivers float frames to a
//     callback on the device's own thread.
//   - [OutputDevice] pulls PCM16 from a [Renderer] whenever the hardware
//     needs more samples. The number of frames rendered so far is the
//     output clock.
//
// Implementations live in adapter packages (audio/miniaudio for real
// hardware, audio/mock for tests). The interfaces are intentionally narrow
// so that capture and playback stay decoupled from a particular backend.
package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is returned when a device cannot be opened, for
// example because permission was denied or no hardware is present.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// InputDevice is a mono capture source.
type InputDevice interface {
	// SampleRate returns the rate in Hz of the frames passed to onFrame.
	SampleRate() int

	// Open acquires the device and starts calling onFrame with captured
	// frames. The frame slice belongs to the device and is reused once
	// onFrame returns; callers that keep samples must copy them.
	Open(ctx context.Context, onFrame func(frame []float32)) (Stream, error)
}

// Renderer fills out with the next len(out) mono samples. It is called from
// the output device's thread and must not block.
type Renderer interface {
	Render(out []int16)
}

// OutputDevice is a mono playback sink driven by a [Renderer].
type OutputDevice interface {
	// SampleRate returns the rate in Hz at which the renderer is pulled.
	SampleRate() int

	// Start acquires the device and begins pulling samples from r.
	Start(r Renderer) (Stream, error)
}

// Stream is a running device stream.
type Stream interface {
	// Stop halts delivery. It is safe to call more than once.
	Stop() error

	// Close releases the device. It is safe to call more than once.
	Close() error
}
