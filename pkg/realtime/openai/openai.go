// Package openai implements the realtime.Dialer interface for OpenAI's
// Realtime API over a WebSocket.
//
// The connection carries JSON events in both directions. Input audio is sent
// as base64 PCM16 appends; agent audio arrives as [realtime.Audio] events and
// is played back by the client. Function calls are executed through the
// session's [realtime.ToolHandler] and their results returned on the same
// connection.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

// Compile-time assertions that Dialer and session satisfy the realtime interfaces.
var (
	_ realtime.Dialer  = (*Dialer)(nil)
	_ realtime.Session = (*session)(nil)
)

const (
	defaultModel   = "gpt-realtime"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// eventBuffer is large enough to absorb a burst of audio deltas while the
	// consumer is rendering.
	eventBuffer = 256

	// readLimit bounds a single server event; audio deltas for long
	// responses can exceed the library default of 32 KiB.
	readLimit = 8 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the model used when the session config does not name one.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(d *Dialer) { d.baseURL = u }
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens Realtime sessions over WebSocket.
type Dialer struct {
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewDialer creates a Dialer with the given options.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Mode reports [realtime.ModeWebSocket]: the client owns capture and playback.
func (d *Dialer) Mode() realtime.Mode { return realtime.ModeWebSocket }

// Dial connects with the short-lived client secret and sends the initial
// session.update. The returned session is ready to accept audio.
func (d *Dialer) Dial(ctx context.Context, secret string, cfg realtime.SessionConfig) (realtime.Session, error) {
	if secret == "" {
		return nil, fmt.Errorf("openai: dial: empty client secret")
	}
	model := cfg.Model
	if model == "" {
		model = d.model
	}
	wsURL := d.baseURL + "?model=" + url.QueryEscape(model)

	events := make(chan realtime.Event, eventBuffer)
	events <- realtime.ConnectionChange{State: realtime.Connecting}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + secret},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		events: events,
		dec: realtime.NewDecoder(realtime.ModeWebSocket,
			realtime.WithAgentName(cfg.AgentName),
			realtime.WithRawEvents(cfg.Debug),
		),
		tools:  cfg.ToolHandler,
		agent:  cfg.AgentName,
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if cfg.Model == "" {
		cfg.Model = model
	}
	if err := s.writeJSON(realtime.SessionUpdate(cfg, realtime.ModeWebSocket)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	s.emit(realtime.ConnectionChange{State: realtime.Connected})
	go s.receiveLoop()

	slog.Info("openai: session connected", "model", model, "agent", cfg.AgentName)
	return s, nil
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event
	dec    *realtime.Decoder
	tools  realtime.ToolHandler
	agent  string

	mu     sync.Mutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) writeAll(msgs []any) error {
	for _, m := range msgs {
		if err := s.writeJSON(m); err != nil {
			return err
		}
	}
	return nil
}

// emit delivers e unless the session is shutting down.
func (s *session) emit(e realtime.Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)
	defer func() {
		// Best effort: the consumer may already have stopped reading.
		select {
		case s.events <- realtime.ConnectionChange{State: realtime.Disconnected}:
		default:
		}
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				slog.Info("openai: connection closed by server", "status", status)
			} else {
				slog.Warn("openai: receive failed", "err", err)
				s.emit(realtime.ErrorEvent{Type: "transport_error", Message: err.Error()})
			}
			s.markClosed()
			return
		}

		evts, err := s.dec.Decode(data)
		if err != nil {
			slog.Debug("openai: dropping server event", "err", err, "bytes", len(data))
			continue
		}
		for _, e := range evts {
			s.handle(e)
		}
	}
}

func (s *session) handle(e realtime.Event) {
	switch ev := e.(type) {
	case realtime.ToolCall:
		msgs := realtime.ExecuteTool(s.ctx, s.tools, s.agent, ev, s.emit)
		if err := s.writeAll(msgs); err != nil && s.ctx.Err() == nil {
			slog.Warn("openai: sending tool result failed", "call_id", ev.CallID, "err", err)
		}
		return

	case realtime.AudioInterrupted:
		// Keep the server transcript aligned with what was actually heard.
		if ev.ItemID != "" {
			if err := s.writeJSON(realtime.Truncate(ev.ItemID, ev.Played)); err != nil && s.ctx.Err() == nil {
				slog.Warn("openai: truncate failed", "item_id", ev.ItemID, "err", err)
			}
		}
	}
	s.emit(e)
}

func (s *session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio appends a PCM16 block to the remote input buffer.
func (s *session) SendAudio(pcm []byte, opts realtime.SendOptions) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	if len(pcm) == 0 && !opts.Commit {
		return nil
	}
	return s.writeAll(realtime.AppendAudio(pcm, opts))
}

// Events returns the session's event stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Interrupt sends response.cancel to stop the current model response. The
// caller is responsible for flushing its own playback.
func (s *session) Interrupt() error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(realtime.CancelResponse())
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.markClosed()
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("openai: session closed")
	})
	return nil
}
