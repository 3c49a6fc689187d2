// Package webrtc implements the realtime.Dialer interface over a WebRTC
// peer connection.
//
// The local offer is exchanged for the service's answer through the relay's
// handshake endpoint, so the client only ever holds a short-lived secret.
// Server events travel on the "oai-events" data channel and are decoded
// exactly like the WebSocket transport's. Audio travels as Opus media: the
// session captures from [realtime.Media.Input] and writes decoded agent audio
// to [realtime.Media.Output] itself.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/realtime"
)

// Compile-time assertions that Dialer and session satisfy the realtime interfaces.
var (
	_ realtime.Dialer  = (*Dialer)(nil)
	_ realtime.Session = (*session)(nil)
)

const (
	eventsLabel      = "oai-events"
	eventBuffer      = 256
	handshakeTimeout = 15 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithHTTPClient sets the client used for the SDP exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// WithICEServers sets the STUN/TURN server URLs offered to ICE.
func WithICEServers(urls ...string) Option {
	return func(d *Dialer) { d.iceServers = urls }
}

// WithSettingEngine overrides pion's setting engine, e.g. to restrict
// network types in tests.
func WithSettingEngine(se webrtc.SettingEngine) Option {
	return func(d *Dialer) { d.settings = &se }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens Realtime sessions over WebRTC.
type Dialer struct {
	handshakeURL string
	httpClient   *http.Client
	iceServers   []string
	settings     *webrtc.SettingEngine
}

// NewDialer creates a Dialer that exchanges SDP through handshakeURL.
func NewDialer(handshakeURL string, opts ...Option) *Dialer {
	d := &Dialer{
		handshakeURL: handshakeURL,
		httpClient:   &http.Client{Timeout: handshakeTimeout},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Mode reports [realtime.ModeWebRTC]: the transport owns the media path.
func (d *Dialer) Mode() realtime.Mode { return realtime.ModeWebRTC }

func (d *Dialer) api() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("webrtc: register codecs: %w", err)
	}
	opts := []func(*webrtc.API){webrtc.WithMediaEngine(m)}
	if d.settings != nil {
		opts = append(opts, webrtc.WithSettingEngine(*d.settings))
	}
	return webrtc.NewAPI(opts...), nil
}

// Dial negotiates a peer connection, waits for the events channel to open
// and sends the initial session.update. Capture starts once the session is
// configured.
func (d *Dialer) Dial(ctx context.Context, secret string, cfg realtime.SessionConfig) (realtime.Session, error) {
	if secret == "" {
		return nil, fmt.Errorf("webrtc: dial: empty client secret")
	}
	if d.handshakeURL == "" {
		return nil, fmt.Errorf("webrtc: dial: no handshake URL configured")
	}

	api, err := d.api()
	if err != nil {
		return nil, err
	}
	pcCfg := webrtc.Configuration{}
	if len(d.iceServers) > 0 {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: d.iceServers}}
	}
	pc, err := api.NewPeerConnection(pcCfg)
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		pc:     pc,
		events: make(chan realtime.Event, eventBuffer),
		dec: realtime.NewDecoder(realtime.ModeWebRTC,
			realtime.WithAgentName(cfg.AgentName),
			realtime.WithRawEvents(cfg.Debug),
		),
		tools:  cfg.ToolHandler,
		agent:  cfg.AgentName,
		media:  cfg.Media,
		framer: newFramer(opusFrameSize),
		ctx:    sessCtx,
		cancel: sessCancel,
	}
	s.emit(realtime.ConnectionChange{State: realtime.Connecting})

	if err := s.setup(); err != nil {
		s.Close()
		return nil, err
	}

	opened := make(chan struct{})
	var openOnce sync.Once
	s.dc.OnOpen(func() { openOnce.Do(func() { close(opened) }) })

	if err := d.negotiate(ctx, pc, secret); err != nil {
		s.Close()
		return nil, err
	}

	select {
	case <-opened:
	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("webrtc: waiting for events channel: %w", ctx.Err())
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-realtime"
	}
	if err := s.send(realtime.SessionUpdate(cfg, realtime.ModeWebRTC)); err != nil {
		s.Close()
		return nil, fmt.Errorf("webrtc: session update: %w", err)
	}

	if in := cfg.Media.Input; in != nil {
		stream, err := in.Open(sessCtx, s.onCapture(in.SampleRate()))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("webrtc: open microphone: %w", err)
		}
		s.capture = stream
	}

	s.emit(realtime.ConnectionChange{State: realtime.Connected})
	slog.Info("webrtc: session connected", "agent", cfg.AgentName)
	return s, nil
}

// negotiate runs offer, ICE gathering and the HTTP answer exchange.
func (d *Dialer) negotiate(ctx context.Context, pc *webrtc.PeerConnection, secret string) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("webrtc: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fmt.Errorf("webrtc: gathering candidates: %w", ctx.Err())
	}

	answer, err := d.exchange(ctx, secret, pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("webrtc: set remote description: %w", err)
	}
	return nil
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	track *webrtc.TrackLocalStaticSample

	dec   *realtime.Decoder
	tools realtime.ToolHandler
	agent string
	media realtime.Media

	capture audio.Stream

	// encMu guards the encoder and framer, which are fed from both the
	// capture callback and SendAudio.
	encMu     sync.Mutex
	enc       *opusEncoder
	framer    *framer
	sendFails atomic.Int64

	evMu     sync.RWMutex
	evClosed bool
	events   chan realtime.Event

	mu     sync.Mutex
	closed bool

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// setup creates the local audio track, the events data channel and the
// peer callbacks.
func (s *session) setup() error {
	enc, err := newOpusEncoder()
	if err != nil {
		return err
	}
	s.enc = enc

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: opusRecvChannels},
		"audio", "voxbridge",
	)
	if err != nil {
		return fmt.Errorf("webrtc: create audio track: %w", err)
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("webrtc: add audio track: %w", err)
	}
	s.track = track

	// RTCP must be read for the sender's interceptors to run.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	dc, err := s.pc.CreateDataChannel(eventsLabel, nil)
	if err != nil {
		return fmt.Errorf("webrtc: create data channel: %w", err)
	}
	s.dc = dc
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { s.onMessage(msg.Data) })

	s.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.playRemote(remote)
		}()
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Debug("webrtc: peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			s.emit(realtime.ErrorEvent{Type: "transport_error", Message: "peer connection failed"})
			go s.Close()
		}
	})
	return nil
}

// send marshals v and writes it on the events data channel.
func (s *session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("webrtc: marshal: %w", err)
	}
	return s.dc.SendText(string(data))
}

func (s *session) sendAll(msgs []any) error {
	for _, m := range msgs {
		if err := s.send(m); err != nil {
			return err
		}
	}
	return nil
}

// emit delivers e unless the session is shutting down.
func (s *session) emit(e realtime.Event) {
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

// onMessage handles one server event from the data channel. pion delivers
// messages of a channel sequentially, which preserves event order.
func (s *session) onMessage(data []byte) {
	evts, err := s.dec.Decode(data)
	if err != nil {
		slog.Debug("webrtc: dropping server event", "err", err, "bytes", len(data))
		return
	}
	for _, e := range evts {
		if call, ok := e.(realtime.ToolCall); ok {
			msgs := realtime.ExecuteTool(s.ctx, s.tools, s.agent, call, s.emit)
			if err := s.sendAll(msgs); err != nil && s.ctx.Err() == nil {
				slog.Warn("webrtc: sending tool result failed", "call_id", call.CallID, "err", err)
			}
			continue
		}
		s.emit(e)
	}
}

// onCapture returns the microphone callback: resample to 48 kHz and feed
// the Opus framer.
func (s *session) onCapture(inRate int) func([]float32) {
	return func(frame []float32) {
		if s.isClosed() {
			return
		}
		s.writePCM(audio.ConvertFloat32(frame, inRate, opusSampleRate))
	}
}

// writePCM encodes 48 kHz mono samples into 20 ms Opus samples on the local
// track. Partial frames are kept for the next call.
func (s *session) writePCM(pcm []int16) {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	s.framer.push(pcm, func(frame []int16) {
		pkt, err := s.enc.encode(frame)
		if err == nil {
			err = s.track.WriteSample(media.Sample{Data: pkt, Duration: opusFrameDuration})
		}
		if err != nil {
			if s.sendFails.Add(1) == 1 {
				slog.Warn("webrtc: sending microphone audio failed", "err", err)
			}
		}
	})
}

// playRemote decodes the agent's Opus track and writes mono PCM at the
// output's rate until the track ends.
func (s *session) playRemote(remote *webrtc.TrackRemote) {
	dec, err := newOpusDecoder()
	if err != nil {
		slog.Error("webrtc: agent audio disabled", "err", err)
		return
	}
	out := s.media.Output
	var conv *audio.Converter
	if out != nil {
		conv = &audio.Converter{Rate: out.SampleRate(), Channels: 1}
	}

	var decodeFails int
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if out == nil || len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.decode(pkt.Payload)
		if err != nil {
			if decodeFails++; decodeFails == 1 {
				slog.Warn("webrtc: decoding agent audio failed", "err", err)
			}
			continue
		}
		if mono := conv.Convert(pcm, opusSampleRate, opusRecvChannels); len(mono) > 0 {
			out.Write(mono)
		}
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio injects 24 kHz PCM16 into the outgoing media track alongside
// the microphone. With Commit set the input buffer is also committed.
func (s *session) SendAudio(pcm []byte, opts realtime.SendOptions) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	if len(pcm) >= 2 {
		s.writePCM(audio.Resample(audio.PCM16Samples(pcm), 1, audio.WireRate, opusSampleRate))
	}
	if opts.Commit {
		return s.send(realtime.CommitInput())
	}
	return nil
}

// Events returns the session's event stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Interrupt cancels the current response and clears audio the service has
// already buffered for playback.
func (s *session) Interrupt() error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return errors.Join(s.send(realtime.CancelResponse()), s.send(realtime.ClearOutputAudio()))
}

// Close stops capture, closes the peer connection and closes the event
// stream. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.cancel()
		var errs []error
		if s.capture != nil {
			if err := s.capture.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("webrtc: stop microphone: %w", err))
			}
			if err := s.capture.Close(); err != nil {
				errs = append(errs, fmt.Errorf("webrtc: close microphone: %w", err))
			}
		}
		if err := s.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("webrtc: close peer connection: %w", err))
		}
		s.wg.Wait()

		s.encMu.Lock()
		s.framer.reset()
		s.encMu.Unlock()

		s.evMu.Lock()
		select {
		case s.events <- realtime.ConnectionChange{State: realtime.Disconnected}:
		default:
		}
		s.evClosed = true
		close(s.events)
		s.evMu.Unlock()

		s.closeErr = errors.Join(errs...)
		slog.Info("webrtc: session closed")
	})
	return s.closeErr
}
