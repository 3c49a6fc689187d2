package audio

import (
	"encoding/binary"
	"time"
)

// WireRate is the sample rate of PCM16 audio exchanged with the remote speech
// agent in both directions.
const WireRate = 24000

// Chunk is a contiguous run of mono signed 16-bit samples at a fixed sample
// rate. A chunk is immutable once produced; ownership passes from one stage
// to the next.
type Chunk struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the playback length of the chunk. A chunk with a
// non-positive sample rate has zero duration.
func (c Chunk) Duration() time.Duration {
	return SamplesDuration(len(c.Samples), c.SampleRate)
}

// Bytes returns the chunk as little-endian PCM16.
func (c Chunk) Bytes() []byte {
	return PCM16Bytes(c.Samples)
}

// SamplesDuration returns how long n samples last at rate Hz.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// PCM16Bytes encodes samples as little-endian PCM16.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCM16Samples decodes little-endian PCM16. A trailing odd byte is ignored.
func PCM16Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
