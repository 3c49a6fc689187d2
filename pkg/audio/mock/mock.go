// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.OutputDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts, and they expose exported fields that
// the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.InputDevice{Rate: 48000}
//	pipe := capture.New(in, sink)
//	_ = pipe.Start(ctx)
//	in.Emit(make([]float32, 960)) // delivered as if from the hardware thread
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [audio.Stream].
type Stream struct {
	mu sync.Mutex

	// StopErr is returned by every call to Stop.
	StopErr error

	// CloseErr is returned by every call to Close.
	CloseErr error

	// StopCalls records how many times Stop was called.
	StopCalls int

	// CloseCalls records how many times Close was called.
	CloseCalls int
}

// Stop implements [audio.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	return s.StopErr
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return s.CloseErr
}

// Counts returns the recorded Stop and Close call counts.
func (s *Stream) Counts() (stops, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopCalls, s.CloseCalls
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock [audio.InputDevice]. Frames passed to [InputDevice.Emit]
// are delivered to the registered callback through a shared scratch buffer,
// mimicking a hardware driver that reuses its buffer between callbacks.
type InputDevice struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 48000 when zero.
	Rate int

	// OpenErr, when non-nil, is returned by Open and no stream is created.
	OpenErr error

	// StreamResult is returned by Open. A fresh [Stream] is created if nil.
	StreamResult *Stream

	// OpenCalls records how many times Open was called.
	OpenCalls int

	onFrame func([]float32)
	scratch []float32
}

// SampleRate implements [audio.InputDevice].
func (d *InputDevice) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Rate == 0 {
		return 48000
	}
	return d.Rate
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(_ context.Context, onFrame func([]float32)) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls++
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.StreamResult == nil {
		d.StreamResult = &Stream{}
	}
	d.onFrame = onFrame
	return d.StreamResult, nil
}

// Emit delivers frame to the callback registered by Open. After the callback
// returns, the scratch buffer is overwritten with zeros so that callers that
// forget to copy observe corrupted data. Emit is a no-op before Open.
func (d *InputDevice) Emit(frame []float32) {
	d.mu.Lock()
	fn := d.onFrame
	if cap(d.scratch) < len(frame) {
		d.scratch = make([]float32, len(frame))
	}
	buf := d.scratch[:len(frame)]
	d.mu.Unlock()

	if fn == nil {
		return
	}
	copy(buf, frame)
	fn(buf)
	clear(buf)
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock [audio.OutputDevice]. Tests drive the renderer
// explicitly with [OutputDevice.Pull] instead of a hardware clock.
type OutputDevice struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 24000 when zero.
	Rate int

	// StartErr, when non-nil, is returned by Start.
	StartErr error

	// StreamResult is returned by Start. A fresh [Stream] is created if nil.
	StreamResult *Stream

	// StartCalls records how many times Start was called.
	StartCalls int

	renderer audio.Renderer
}

// SampleRate implements [audio.OutputDevice].
func (d *OutputDevice) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Rate == 0 {
		return audio.WireRate
	}
	return d.Rate
}

// Start implements [audio.OutputDevice].
func (d *OutputDevice) Start(r audio.Renderer) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls++
	if d.StartErr != nil {
		return nil, d.StartErr
	}
	if d.StreamResult == nil {
		d.StreamResult = &Stream{}
	}
	d.renderer = r
	return d.StreamResult, nil
}

// Pull asks the renderer for n samples, as a hardware callback would.
// It returns nil before Start.
func (d *OutputDevice) Pull(n int) []int16 {
	d.mu.Lock()
	r := d.renderer
	d.mu.Unlock()
	if r == nil {
		return nil
	}
	out := make([]int16, n)
	r.Render(out)
	return out
}
