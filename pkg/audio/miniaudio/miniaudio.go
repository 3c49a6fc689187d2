// Package miniaudio provides [audio.InputDevice] and [audio.OutputDevice]
// implementations backed by the system's default capture and playback
// devices through miniaudio (malgo).
//
// Capture delivers 32-bit float mono frames at the configured rate; playback
// pulls signed 16-bit mono samples from an [audio.Renderer]. The playback
// clock is whatever the renderer counts, i.e. frames actually requested by
// the hardware.
package miniaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Context owns the miniaudio backend context shared by all devices.
type Context struct {
	ctx *malgo.AllocatedContext
}

// NewContext initialises the default miniaudio backend.
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio: backend", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the backend context. Devices must be closed first.
func (c *Context) Close() error {
	if c.ctx == nil {
		return nil
	}
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

// Input returns a capture device description at rate Hz. Nothing is opened
// until [Input.Open].
func (c *Context) Input(rate int) *Input {
	return &Input{ctx: c, rate: rate}
}

// Output returns a playback device description at rate Hz. Nothing is
// opened until [Output.Start].
func (c *Context) Output(rate int) *Output {
	return &Output{ctx: c, rate: rate}
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is the default capture device.
type Input struct {
	ctx  *Context
	rate int
}

var _ audio.InputDevice = (*Input)(nil)

// SampleRate implements [audio.InputDevice].
func (in *Input) SampleRate() int { return in.rate }

// Open implements [audio.InputDevice].
func (in *Input) Open(_ context.Context, onFrame func([]float32)) (audio.Stream, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(in.rate)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(in.rate / 50)
	cfg.Periods = 3

	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatF32)
	var scratch []float32
	dev, err := malgo.InitDevice(in.ctx.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount)
			if n == 0 || len(pInput) < n*bytesPerFrame {
				return
			}
			if cap(scratch) < n {
				scratch = make([]float32, n)
			}
			frame := scratch[:n]
			for i := range frame {
				frame[i] = math.Float32frombits(binary.LittleEndian.Uint32(pInput[i*4:]))
			}
			onFrame(frame)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init capture device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("miniaudio: start capture device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return &stream{dev: dev, kind: "capture"}, nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is the default playback device.
type Output struct {
	ctx  *Context
	rate int
}

var _ audio.OutputDevice = (*Output)(nil)

// SampleRate implements [audio.OutputDevice].
func (out *Output) SampleRate() int { return out.rate }

// Start implements [audio.OutputDevice].
func (out *Output) Start(r audio.Renderer) (audio.Stream, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(out.rate)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(out.rate / 50)
	cfg.Periods = 4

	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16)
	var scratch []int16
	dev, err := malgo.InitDevice(out.ctx.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			n := int(frameCount)
			if n == 0 || len(pOutput) < n*bytesPerFrame {
				return
			}
			if cap(scratch) < n {
				scratch = make([]int16, n)
			}
			buf := scratch[:n]
			r.Render(buf)
			for i, s := range buf {
				binary.LittleEndian.PutUint16(pOutput[i*2:], uint16(s))
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init playback device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("miniaudio: start playback device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return &stream{dev: dev, kind: "playback"}, nil
}

// ─── stream ───────────────────────────────────────────────────────────────────

// stream wraps a started malgo device.
type stream struct {
	kind string

	mu  sync.Mutex
	dev *malgo.Device
}

func (s *stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil || !s.dev.IsStarted() {
		return nil
	}
	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("miniaudio: stop %s device: %w", s.kind, err)
	}
	return nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	s.dev.Uninit()
	s.dev = nil
	return nil
}
