package playback_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/playback"
)

// A 1 kHz timeline makes one sample equal one millisecond.
const testRate = 1000

func TestTimeline_RendersAtScheduledPositions(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(testRate)
	s := playback.NewScheduler(tl)

	s.Enqueue(audio.Chunk{Samples: []int16{1, 2, 3}, SampleRate: testRate})
	s.Enqueue(audio.Chunk{Samples: []int16{4, 5}, SampleRate: testRate})

	out := make([]int16, 30)
	tl.Render(out)

	want := make([]int16, 30)
	copy(want[20:], []int16{1, 2, 3, 4, 5})
	if !slices.Equal(out, want) {
		t.Errorf("Render = %v, want %v", out, want)
	}
	if got := tl.Now(); got != 30*time.Millisecond {
		t.Errorf("Now = %v, want 30ms", got)
	}
	if s.Active() != 0 {
		t.Errorf("Active = %d after sources played out, want 0", s.Active())
	}
	if tl.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", tl.Pending())
	}
}

func TestTimeline_SourceSpansRenderBlocks(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(testRate)
	s := playback.NewScheduler(tl, playback.WithLookahead(0))
	s.Enqueue(audio.Chunk{Samples: []int16{7, 7, 7, 7, 7, 7}, SampleRate: testRate})

	first := make([]int16, 4)
	tl.Render(first)
	if s.Active() != 1 {
		t.Fatalf("Active = %d mid-source, want 1", s.Active())
	}
	second := make([]int16, 4)
	tl.Render(second)

	if !slices.Equal(first, []int16{7, 7, 7, 7}) || !slices.Equal(second, []int16{7, 7, 0, 0}) {
		t.Errorf("blocks = %v %v", first, second)
	}
	if s.Active() != 0 {
		t.Errorf("Active = %d, want 0", s.Active())
	}
}

func TestTimeline_FlushSilencesQueuedAudio(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(testRate)
	s := playback.NewScheduler(tl, playback.WithLookahead(0))
	s.Enqueue(audio.Chunk{Samples: []int16{9, 9, 9, 9, 9, 9, 9, 9}, SampleRate: testRate})

	head := make([]int16, 2)
	tl.Render(head)
	s.Flush()

	tail := make([]int16, 6)
	tl.Render(tail)
	if !slices.Equal(head, []int16{9, 9}) {
		t.Errorf("head = %v, want [9 9]", head)
	}
	if !slices.Equal(tail, make([]int16, 6)) {
		t.Errorf("tail = %v, want silence", tail)
	}
	if s.Playhead() != 2*time.Millisecond {
		t.Errorf("Playhead = %v, want 2ms", s.Playhead())
	}
}

func TestTimeline_ResamplesForeignRate(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(2 * testRate)
	s := playback.NewScheduler(tl, playback.WithLookahead(0))
	s.Enqueue(audio.Chunk{Samples: []int16{100, 100}, SampleRate: testRate})

	out := make([]int16, 6)
	tl.Render(out)
	if !slices.Equal(out, []int16{100, 100, 100, 100, 0, 0}) {
		t.Errorf("Render = %v", out)
	}
}
