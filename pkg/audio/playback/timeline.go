package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Timeline is the device side of playback: it keeps scheduled sources and
// mixes them into the output buffer at their sample positions. Its clock is
// the number of frames rendered so far, so it only advances while an
// [audio.OutputDevice] is pulling from it.
//
// Timeline implements both [Device] and [audio.Renderer].
type Timeline struct {
	rate int

	mu      sync.Mutex
	pos     int64
	sources []*timelineEntry
}

type timelineEntry struct {
	src     *Source
	at      int64
	samples []int16
}

// NewTimeline returns an empty timeline rendering at rate Hz.
func NewTimeline(rate int) *Timeline {
	if rate <= 0 {
		rate = audio.WireRate
	}
	return &Timeline{rate: rate}
}

// SampleRate returns the rendering rate in Hz.
func (t *Timeline) SampleRate() int { return t.rate }

// Now implements [Device].
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.SamplesDuration(int(t.pos), t.rate)
}

// Play implements [Device]. Chunks at a different rate are resampled to the
// timeline rate.
func (t *Timeline) Play(src *Source) {
	samples := src.chunk.Samples
	if src.chunk.SampleRate != t.rate {
		samples = audio.Resample(samples, 1, src.chunk.SampleRate, t.rate)
	}
	e := &timelineEntry{
		src:     src,
		at:      t.frameAt(src.start),
		samples: samples,
	}
	t.mu.Lock()
	t.sources = append(t.sources, e)
	t.mu.Unlock()
}

// Render implements [audio.Renderer]. Sources that finish inside this block
// are reported after the lock is released.
func (t *Timeline) Render(out []int16) {
	clear(out)

	t.mu.Lock()
	from := t.pos
	to := from + int64(len(out))
	var finished []*Source
	kept := t.sources[:0]
	for _, e := range t.sources {
		if e.src.Stopped() {
			continue
		}
		end := e.at + int64(len(e.samples))
		lo, hi := max(e.at, from), min(end, to)
		for i := lo; i < hi; i++ {
			out[i-from] = mix(out[i-from], e.samples[i-e.at])
		}
		if end <= to {
			finished = append(finished, e.src)
			continue
		}
		kept = append(kept, e)
	}
	clear(t.sources[len(kept):])
	t.sources = kept
	t.pos = to
	t.mu.Unlock()

	for _, src := range finished {
		src.Finish()
	}
}

// Pending returns the number of sources that have not finished or been
// stopped as of the last render.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}

// frameAt rounds d to the nearest frame so that truncated chunk durations
// do not open one-sample gaps or overlaps between neighbours.
func (t *Timeline) frameAt(d time.Duration) int64 {
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

func mix(a, b int16) int16 {
	s := int32(a) + int32(b)
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int16(s)
}
