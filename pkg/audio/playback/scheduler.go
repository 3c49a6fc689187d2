// Package playback schedules received speech chunks onto a continuous
// output timeline so that consecutive chunks play gaplessly and never
// overlap.
//
// A [Scheduler] decides when each chunk starts; a [Device] (normally a
// [Timeline] driven by an [audio.OutputDevice]) owns the clock and renders
// the scheduled sources. For transports that deliver already-paced audio,
// [Stream] is a plain FIFO renderer.
package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// DefaultLookahead is the minimum distance from "now" at which a chunk may
// start, giving the device time to pick it up.
const DefaultLookahead = 20 * time.Millisecond

// Device is the output timeline a [Scheduler] places sources on.
type Device interface {
	// Now returns the current position of the device clock.
	Now() time.Duration

	// Play hands src to the device. The device starts it at src.Start() and
	// calls src.Finish once it has played to the end.
	Play(src *Source)
}

// Source is one scheduled chunk on the device timeline.
type Source struct {
	chunk   audio.Chunk
	start   time.Duration
	end     time.Duration
	stopped atomic.Bool
	done    atomic.Bool
	onEnded func(*Source)
}

// Start returns the device time at which the source begins.
func (s *Source) Start() time.Duration { return s.start }

// End returns the device time at which the source finishes.
func (s *Source) End() time.Duration { return s.end }

// Chunk returns the audio the source plays.
func (s *Source) Chunk() audio.Chunk { return s.chunk }

// Stop cancels the source. A stopped source renders nothing further and
// does not report natural completion. Stop is safe to call more than once.
func (s *Source) Stop() { s.stopped.Store(true) }

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool { return s.stopped.Load() }

// Finish reports natural completion to the owning scheduler. Calls after the
// first, or on a stopped source, are ignored.
func (s *Source) Finish() {
	if s.stopped.Load() || !s.done.CompareAndSwap(false, true) {
		return
	}
	if s.onEnded != nil {
		s.onEnded(s)
	}
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLookahead overrides [DefaultLookahead]. Negative values are ignored.
func WithLookahead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.lookahead = d
		}
	}
}

// WithFlushHook registers fn to be called after every [Scheduler.Flush]
// with the number of sources that were cut off.
func WithFlushHook(fn func(stopped int)) Option {
	return func(s *Scheduler) {
		s.onFlush = fn
	}
}

// Scheduler places chunks back to back on a [Device] timeline.
//
// Invariants: the playhead never decreases except on Flush, which moves it
// to the device's current time; no two sources in the active set overlap;
// every source either completes naturally and leaves the active set, or is
// stopped by Flush.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	dev       Device
	lookahead time.Duration
	onFlush   func(int)

	mu       sync.Mutex
	playhead time.Duration
	active   map[*Source]struct{}
	closed   bool
}

// NewScheduler returns a scheduler whose playhead starts at dev.Now().
func NewScheduler(dev Device, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:       dev,
		lookahead: DefaultLookahead,
		active:    make(map[*Source]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.playhead = dev.Now()
	return s
}

// Enqueue schedules c to start at max(now+lookahead, playhead) and advances
// the playhead to the end of c. Empty chunks and enqueues after Close are
// ignored and return nil.
func (s *Scheduler) Enqueue(c audio.Chunk) *Source {
	if len(c.Samples) == 0 || c.SampleRate <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	start := max(s.dev.Now()+s.lookahead, s.playhead)
	src := &Source{
		chunk:   c,
		start:   start,
		end:     start + c.Duration(),
		onEnded: s.release,
	}
	s.playhead = src.end
	s.active[src] = struct{}{}
	s.dev.Play(src)
	return src
}

// Flush stops every active source, empties the active set and resets the
// playhead to the device's current time. It returns the number of sources
// stopped.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	n := len(s.active)
	for src := range s.active {
		src.Stop()
	}
	clear(s.active)
	s.playhead = s.dev.Now()
	hook := s.onFlush
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return n
}

// ResetPlayhead pulls an idle playhead up to the device's current time so
// the next response does not inherit a stale position. While sources are
// still queued the playhead already marks the end of queued audio and is
// left untouched.
func (s *Scheduler) ResetPlayhead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) == 0 {
		s.playhead = max(s.playhead, s.dev.Now())
	}
}

// Close flushes all sources and makes subsequent enqueues no-ops. It is safe
// to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.Flush()
}

// Playhead returns the device time at which the next chunk would start if
// it were enqueued right now and the lookahead were zero.
func (s *Scheduler) Playhead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playhead
}

// Active returns the number of sources that are scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) release(src *Source) {
	s.mu.Lock()
	delete(s.active, src)
	s.mu.Unlock()
}
