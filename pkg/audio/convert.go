package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// ConvertFloat32 converts float samples in [-1, 1] captured at inRate into
// PCM16 at outRate.
//
// When the rates match, every sample is clamped and quantized one to one.
// Otherwise the output holds floor(len(in) * outRate / inRate) samples, each
// a linear blend of the two neighbouring input samples at i*inRate/outRate
// (the right neighbour is clamped to the last index). Negative values scale
// by 32768 and positive values by 32767; the product truncates toward zero.
// Non-positive rates and empty input yield an empty result.
func ConvertFloat32(in []float32, inRate, outRate int) []int16 {
	if len(in) == 0 || inRate <= 0 || outRate <= 0 {
		return []int16{}
	}
	if inRate == outRate {
		out := make([]int16, len(in))
		for i, s := range in {
			out[i] = quantize(float64(s))
		}
		return out
	}

	ratio := float64(inRate) / float64(outRate)
	n := int(math.Floor(float64(len(in)) / ratio))
	out := make([]int16, n)
	last := len(in) - 1
	for i := range n {
		pos := float64(i) * ratio
		i0 := int(pos)
		if i0 > last {
			i0 = last
		}
		i1 := min(i0+1, last)
		frac := pos - float64(i0)
		out[i] = quantize(float64(in[i0])*(1-frac) + float64(in[i1])*frac)
	}
	return out
}

func quantize(s float64) int16 {
	switch {
	case math.IsNaN(s):
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7fff)
}

// Resample converts interleaved PCM16 with the given number of channels
// from inRate to outRate by linear interpolation between neighbouring
// frames. The result holds floor(frames * outRate / inRate) frames. Equal
// or non-positive rates return in unchanged.
func Resample(in []int16, channels, inRate, outRate int) []int16 {
	channels = max(channels, 1)
	frames := len(in) / channels
	if inRate <= 0 || outRate <= 0 || inRate == outRate || frames == 0 {
		return in
	}
	n := int(int64(frames) * int64(outRate) / int64(inRate))
	out := make([]int16, n*channels)
	step := float64(inRate) / float64(outRate)
	for i := range n {
		pos := float64(i) * step
		f0 := int(pos)
		f1 := min(f0+1, frames-1)
		frac := pos - float64(f0)
		for c := range channels {
			a, b := float64(in[f0*channels+c]), float64(in[f1*channels+c])
			out[i*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}

// Remix changes the channel count of interleaved PCM16. Going to mono
// averages each frame; leaving mono copies the sample into every channel.
// Any other pair goes through mono.
func Remix(in []int16, from, to int) []int16 {
	from, to = max(from, 1), max(to, 1)
	switch {
	case from == to:
		return in
	case to == 1:
		frames := len(in) / from
		out := make([]int16, frames)
		for i := range frames {
			var sum int32
			for _, s := range in[i*from : (i+1)*from] {
				sum += int32(s)
			}
			out[i] = int16(sum / int32(from))
		}
		return out
	case from == 1:
		out := make([]int16, len(in)*to)
		for i, s := range in {
			for c := range to {
				out[i*to+c] = s
			}
		}
		return out
	default:
		return Remix(Remix(in, from, 1), 1, to)
	}
}

// Converter adapts a stream of decoded PCM16 to a fixed rate and channel
// count. The zero value is not usable; set Rate and Channels. A Converter
// belongs to one stream and is not safe for concurrent use.
type Converter struct {
	Rate     int
	Channels int

	logOnce sync.Once
}

// Convert returns in, given at rate with channels interleaved, in the
// converter's format. Fewer channels are produced before resampling, more
// after, so the resampler always handles the smaller layout.
func (c *Converter) Convert(in []int16, rate, channels int) []int16 {
	if rate == c.Rate && channels == c.Channels {
		return in
	}
	c.logOnce.Do(func() {
		slog.Debug("audio: converting stream",
			"from", describe(rate, channels), "to", describe(c.Rate, c.Channels))
	})
	if c.Channels < channels {
		return Resample(Remix(in, channels, c.Channels), c.Channels, rate, c.Rate)
	}
	return Remix(Resample(in, channels, rate, c.Rate), channels, c.Channels)
}

// describe formats a stream layout, e.g. "48000Hz stereo".
func describe(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
