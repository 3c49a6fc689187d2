package playback_test

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/playback"
)

// fakeDevice is a manually clocked [playback.Device].
type fakeDevice struct {
	mu     sync.Mutex
	now    time.Duration
	played []*playback.Source
}

func (d *fakeDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

func (d *fakeDevice) Play(src *playback.Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.played = append(d.played, src)
}

func (d *fakeDevice) advance(dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now += dt
}

// finishUpTo completes every played source that ends at or before now.
func (d *fakeDevice) finishUpTo() {
	d.mu.Lock()
	now := d.now
	srcs := append([]*playback.Source(nil), d.played...)
	d.mu.Unlock()
	for _, s := range srcs {
		if s.End() <= now {
			s.Finish()
		}
	}
}

func chunk(n int) audio.Chunk {
	return audio.Chunk{Samples: make([]int16, n), SampleRate: audio.WireRate}
}

func TestScheduler_FirstChunkStartsAfterLookahead(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{now: time.Second}
	s := playback.NewScheduler(dev)

	src := s.Enqueue(chunk(480))
	if src == nil {
		t.Fatal("Enqueue returned nil")
	}
	if want := time.Second + playback.DefaultLookahead; src.Start() != want {
		t.Errorf("Start = %v, want %v", src.Start(), want)
	}
	if want := src.Start() + 20*time.Millisecond; src.End() != want {
		t.Errorf("End = %v, want %v", src.End(), want)
	}
	if s.Playhead() != src.End() {
		t.Errorf("Playhead = %v, want %v", s.Playhead(), src.End())
	}
}

func TestScheduler_BackToBack(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	s := playback.NewScheduler(dev)

	a := s.Enqueue(chunk(2400))
	dev.advance(5 * time.Millisecond)
	b := s.Enqueue(chunk(2400))

	if b.Start() != a.End() {
		t.Errorf("second chunk starts at %v, want %v (end of first)", b.Start(), a.End())
	}
}

func TestScheduler_NeverOverlaps(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	dev := &fakeDevice{}
	s := playback.NewScheduler(dev)

	var prev *playback.Source
	lastPlayhead := s.Playhead()
	for i := range 500 {
		dev.advance(time.Duration(rng.IntN(60)) * time.Millisecond)
		dev.finishUpTo()

		flushed := false
		if rng.IntN(25) == 0 {
			s.Flush()
			flushed = true
			if got := s.Playhead(); got != dev.Now() {
				t.Fatalf("step %d: playhead after flush = %v, want %v", i, got, dev.Now())
			}
			prev = nil
		}
		if !flushed && s.Playhead() < lastPlayhead {
			t.Fatalf("step %d: playhead moved backwards: %v < %v", i, s.Playhead(), lastPlayhead)
		}

		now := dev.Now()
		src := s.Enqueue(chunk(1 + rng.IntN(2400)))
		if src.Start() < now+playback.DefaultLookahead {
			t.Fatalf("step %d: start %v earlier than now+lookahead %v", i, src.Start(), now+playback.DefaultLookahead)
		}
		if prev != nil && src.Start() < prev.End() {
			t.Fatalf("step %d: start %v overlaps previous end %v", i, src.Start(), prev.End())
		}
		prev = src
		lastPlayhead = s.Playhead()
	}
}

func TestScheduler_FlushStopsAndResets(t *testing.T) {
	t.Parallel()

	var flushed []int
	dev := &fakeDevice{}
	s := playback.NewScheduler(dev, playback.WithFlushHook(func(n int) { flushed = append(flushed, n) }))

	srcs := []*playback.Source{s.Enqueue(chunk(4800)), s.Enqueue(chunk(4800)), s.Enqueue(chunk(4800))}
	dev.advance(50 * time.Millisecond)

	if got := s.Flush(); got != 3 {
		t.Errorf("Flush = %d, want 3", got)
	}
	if s.Active() != 0 {
		t.Errorf("Active = %d after flush, want 0", s.Active())
	}
	if s.Playhead() != dev.Now() {
		t.Errorf("Playhead = %v, want %v", s.Playhead(), dev.Now())
	}
	for i, src := range srcs {
		if !src.Stopped() {
			t.Errorf("source %d not stopped", i)
		}
	}
	if len(flushed) != 1 || flushed[0] != 3 {
		t.Errorf("flush hook calls = %v, want [3]", flushed)
	}

	next := s.Enqueue(chunk(480))
	if want := dev.Now() + playback.DefaultLookahead; next.Start() != want {
		t.Errorf("start after flush = %v, want %v", next.Start(), want)
	}
}

func TestScheduler_NaturalCompletionLeavesActiveSet(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	s := playback.NewScheduler(dev)
	s.Enqueue(chunk(480))
	s.Enqueue(chunk(480))
	if s.Active() != 2 {
		t.Fatalf("Active = %d, want 2", s.Active())
	}

	dev.advance(40 * time.Millisecond)
	dev.finishUpTo()
	if s.Active() != 1 {
		t.Errorf("Active = %d after first finished, want 1", s.Active())
	}
	dev.advance(20 * time.Millisecond)
	dev.finishUpTo()
	if s.Active() != 0 {
		t.Errorf("Active = %d after both finished, want 0", s.Active())
	}
}

func TestScheduler_ResetPlayhead(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	s := playback.NewScheduler(dev)

	src := s.Enqueue(chunk(24000))
	dev.advance(100 * time.Millisecond)
	s.ResetPlayhead()
	if s.Playhead() != src.End() {
		t.Errorf("playhead moved while audio queued: %v, want %v", s.Playhead(), src.End())
	}

	dev.advance(5 * time.Second)
	dev.finishUpTo()
	s.ResetPlayhead()
	if s.Playhead() != dev.Now() {
		t.Errorf("idle playhead = %v, want %v", s.Playhead(), dev.Now())
	}
}

func TestScheduler_IgnoresEmptyAndClosed(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	s := playback.NewScheduler(dev)
	if src := s.Enqueue(audio.Chunk{SampleRate: audio.WireRate}); src != nil {
		t.Error("empty chunk was scheduled")
	}
	s.Enqueue(chunk(480))
	s.Close()
	s.Close()
	if s.Active() != 0 {
		t.Errorf("Active = %d after Close, want 0", s.Active())
	}
	if src := s.Enqueue(chunk(480)); src != nil {
		t.Error("chunk scheduled after Close")
	}
}

func TestScheduler_WithLookahead(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	s := playback.NewScheduler(dev, playback.WithLookahead(50*time.Millisecond))
	if src := s.Enqueue(chunk(10)); src.Start() != 50*time.Millisecond {
		t.Errorf("Start = %v, want 50ms", src.Start())
	}
}
