package webrtc

import (
	"fmt"
	"time"

	"layeh.com/gopus"
)

// WebRTC audio is 48 kHz Opus in 20 ms frames. The remote side sends
// stereo; we send mono.
const (
	opusSampleRate    = 48000
	opusSendChannels  = 1
	opusRecvChannels  = 2
	opusFrameDuration = 20 * time.Millisecond
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * int(opusFrameDuration/time.Millisecond) / 1000 // 960
	// opusMaxFrameSize covers the longest packet duration Opus allows (120 ms).
	opusMaxFrameSize = opusSampleRate * 120 / 1000
	opusMaxPacket    = 4000
)

// opusEncoder wraps a gopus encoder for the outgoing microphone track.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusSendChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes exactly one frame of mono PCM.
func (e *opusEncoder) encode(pcm []int16) ([]byte, error) {
	pkt, err := e.enc.Encode(pcm, opusFrameSize, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus encode: %w", err)
	}
	return pkt, nil
}

// opusDecoder wraps a gopus decoder for the remote agent track. One decoder
// per track keeps decoder state consistent across packets.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusRecvChannels)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns interleaved stereo PCM for one packet.
func (d *opusDecoder) decode(pkt []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(pkt, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus decode: %w", err)
	}
	return pcm, nil
}

// framer cuts a sample stream into fixed-size frames.
type framer struct {
	size int
	buf  []int16
}

func newFramer(size int) *framer {
	return &framer{size: size, buf: make([]int16, 0, size*2)}
}

// push appends samples and calls emit for every complete frame. The slice
// passed to emit is only valid for the duration of the call.
func (f *framer) push(samples []int16, emit func(frame []int16)) {
	f.buf = append(f.buf, samples...)
	n := 0
	for len(f.buf)-n >= f.size {
		emit(f.buf[n : n+f.size])
		n += f.size
	}
	if n > 0 {
		f.buf = f.buf[:copy(f.buf, f.buf[n:])]
	}
}

// reset discards any partial frame.
func (f *framer) reset() { f.buf = f.buf[:0] }
