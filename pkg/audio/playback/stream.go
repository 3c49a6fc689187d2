package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Stream is a FIFO [audio.Renderer] for audio that arrives already paced
// by the remote side, such as decoded WebRTC media. Underruns render
// silence; when more than the configured capacity is buffered the oldest
// samples are dropped.
type Stream struct {
	rate int
	max  int

	mu  sync.Mutex
	buf []int16
}

// NewStream returns a stream rendering at rate Hz that buffers at most
// capacity worth of audio. A non-positive capacity means two seconds.
func NewStream(rate int, capacity time.Duration) *Stream {
	if rate <= 0 {
		rate = audio.WireRate
	}
	if capacity <= 0 {
		capacity = 2 * time.Second
	}
	return &Stream{
		rate: rate,
		max:  int(int64(capacity) * int64(rate) / int64(time.Second)),
	}
}

// SampleRate returns the rate in Hz the stream expects and renders at.
func (s *Stream) SampleRate() int { return s.rate }

// Write appends samples to the buffer.
func (s *Stream) Write(samples []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, samples...)
	if over := len(s.buf) - s.max; over > 0 {
		s.buf = append(s.buf[:0], s.buf[over:]...)
	}
}

// Render implements [audio.Renderer].
func (s *Stream) Render(out []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(out, s.buf)
	clear(out[n:])
	s.buf = s.buf[n:]
	if len(s.buf) == 0 {
		s.buf = nil
	}
}

// Clear discards buffered audio and returns the number of samples dropped.
func (s *Stream) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.buf)
	s.buf = nil
	return n
}

// Buffered returns how much audio is waiting to be rendered.
func (s *Stream) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SamplesDuration(len(s.buf), s.rate)
}
