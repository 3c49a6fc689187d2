// Package capture turns microphone frames into wire-format PCM16 and pushes
// them to a realtime session.
//
// A [Pipeline] owns exactly one input stream for its lifetime. Every frame
// the device delivers is copied out of the device-owned buffer, converted to
// the wire rate and handed to the [Sink] without committing the input
// buffer; turn boundaries are left to the remote side's turn detection.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/realtime"
)

var (
	// ErrAcquisitionFailed wraps any error from opening the input device.
	ErrAcquisitionFailed = errors.New("capture: acquisition failed")

	// ErrReleased is returned by Start after Release.
	ErrReleased = errors.New("capture: pipeline released")

	errAlreadyStarted = errors.New("capture: pipeline already started")
)

// Sink receives converted audio. [realtime.Session] satisfies it.
type Sink interface {
	SendAudio(pcm []byte, opts realtime.SendOptions) error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithTargetRate overrides the output rate (default [audio.WireRate]).
func WithTargetRate(hz int) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.rate = hz
		}
	}
}

// WithSendErrorHook registers fn to be called for every failed send, in
// addition to logging.
func WithSendErrorHook(fn func(error)) Option {
	return func(p *Pipeline) { p.onSendErr = fn }
}

// Pipeline streams one input device into a [Sink].
type Pipeline struct {
	dev       audio.InputDevice
	sink      Sink
	rate      int
	onSendErr func(error)

	mu       sync.Mutex
	stream   audio.Stream
	started  bool
	released bool

	stopped  atomic.Bool
	sent     atomic.Int64
	failures atomic.Int64
}

// New returns an idle pipeline. Nothing is acquired until Start.
func New(dev audio.InputDevice, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:  dev,
		sink: sink,
		rate: audio.WireRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start opens the input device and begins streaming. A device failure is
// returned wrapped in [ErrAcquisitionFailed] and leaves the pipeline with
// nothing acquired.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	if p.started {
		return errAlreadyStarted
	}

	stream, err := p.dev.Open(ctx, p.onFrame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAcquisitionFailed, err)
	}
	p.stream = stream
	p.started = true
	slog.Info("capture: started", "device_rate", p.dev.SampleRate(), "target_rate", p.rate)
	return nil
}

// onFrame runs on the device thread.
func (p *Pipeline) onFrame(frame []float32) {
	if p.stopped.Load() || len(frame) == 0 {
		return
	}
	owned := make([]float32, len(frame))
	copy(owned, frame)

	pcm := audio.ConvertFloat32(owned, p.dev.SampleRate(), p.rate)
	if len(pcm) == 0 {
		return
	}
	if err := p.sink.SendAudio(audio.PCM16Bytes(pcm), realtime.SendOptions{Commit: false}); err != nil {
		if p.failures.Add(1) == 1 {
			slog.Warn("capture: send failed", "err", err)
		} else {
			slog.Debug("capture: send failed", "err", err)
		}
		if p.onSendErr != nil {
			p.onSendErr(err)
		}
		return
	}
	p.sent.Add(1)
}

// Release stops delivery and releases the device. It is idempotent and safe
// from any state: every teardown step runs even if an earlier one fails, and
// the failures are returned joined.
func (p *Pipeline) Release() error {
	p.stopped.Store(true)

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	err := errors.Join(
		guard("stop stream", stream.Stop),
		guard("close stream", stream.Close),
	)
	if err != nil {
		slog.Warn("capture: release incomplete", "err", err)
	}
	slog.Info("capture: released", "frames_sent", p.sent.Load(), "send_failures", p.failures.Load())
	return err
}

// Stats returns the number of frames sent and failed so far.
func (p *Pipeline) Stats() (sent, failed int64) {
	return p.sent.Load(), p.failures.Load()
}

// guard runs one teardown step, converting a panic into an error.
func guard(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capture: %s: panic: %v", step, r)
		}
	}()
	if e := fn(); e != nil {
		return fmt.Errorf("capture: %s: %w", step, e)
	}
	return nil
}
