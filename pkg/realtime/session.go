// Package realtime defines the client-side abstraction of a real-time speech
// session: the [Dialer] and [Session] interfaces implemented by the
// transport packages, the closed set of session [Event] variants, the
// turn-detection configuration sent at connect time, and the [Decoder]
// that maps OpenAI Realtime wire events onto session events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// ErrSessionClosed is returned by Session methods after Close.
var ErrSessionClosed = errors.New("realtime: session closed")

// Mode identifies who owns the audio path of a session.
type Mode int

const (
	// ModeWebSocket sessions exchange PCM16 as events; the client captures
	// and plays back audio itself.
	ModeWebSocket Mode = iota

	// ModeWebRTC sessions carry audio as media tracks; the transport owns
	// capture and playback.
	ModeWebRTC
)

// String returns the transport name used in configuration.
func (m Mode) String() string {
	switch m {
	case ModeWebSocket:
		return "websocket"
	case ModeWebRTC:
		return "webrtc"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a transport name. The empty string means WebSocket.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "websocket", "ws":
		return ModeWebSocket, nil
	case "webrtc":
		return ModeWebRTC, nil
	default:
		return 0, fmt.Errorf("realtime: unknown transport %q", s)
	}
}

// SendOptions controls how a block of input audio is submitted.
type SendOptions struct {
	// Commit closes the input buffer after this block, forcing a turn
	// boundary. Streaming capture leaves this false and relies on remote
	// turn detection.
	Commit bool
}

// ToolHandler executes a function call on behalf of the agent and returns
// the result to send back.
type ToolHandler func(ctx context.Context, name, args string) (string, error)

// Tool declares a function the agent may call.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// AudioWriter receives decoded agent audio on transports that own playback.
type AudioWriter interface {
	SampleRate() int
	Write(samples []int16)
}

// Media is the audio path used by transports that own their media
// ([ModeWebRTC]). WebSocket transports ignore it.
type Media struct {
	Input  audio.InputDevice
	Output AudioWriter
}

// SessionConfig is everything a transport needs to open a session.
type SessionConfig struct {
	Model         string
	Voice         string
	Instructions  string
	AgentName     string
	TurnDetection TurnDetectionConfig

	// TranscriptionModel enables input transcription when non-empty.
	TranscriptionModel string

	Tools       []Tool
	ToolHandler ToolHandler

	// Debug adds a [Raw] event for every wire event received.
	Debug bool

	Media Media
}

// Session is an open real-time session.
//
// Events are delivered in arrival order on a single channel which is
// closed when the session ends. Implementations must be safe for
// concurrent use.
type Session interface {
	// SendAudio appends little-endian PCM16 at [audio.WireRate] to the
	// remote input buffer.
	SendAudio(pcm []byte, opts SendOptions) error

	// Events returns the session's event stream.
	Events() <-chan Event

	// Interrupt cancels the current response and discards its audio.
	Interrupt() error

	// Close ends the session. It is safe to call more than once.
	Close() error
}

// Dialer opens sessions over one transport.
type Dialer interface {
	// Mode reports the transport's audio ownership model.
	Mode() Mode

	// Dial opens a session authenticated with a short-lived client secret.
	Dial(ctx context.Context, secret string, cfg SessionConfig) (Session, error)
}

// handoffPrefix marks function names that transfer control to another agent.
const handoffPrefix = "transfer_to_"

// ExecuteTool runs call through h and emits the matching lifecycle events.
// Calls named transfer_to_<agent> are reported as a [Handoff]. The returned
// messages must be sent to the service in order to deliver the result and
// resume the response.
func ExecuteTool(ctx context.Context, h ToolHandler, agent string, call ToolCall, emit func(Event)) []any {
	if to, ok := strings.CutPrefix(call.Name, handoffPrefix); ok {
		emit(Handoff{From: agent, To: to})
		out, _ := json.Marshal(map[string]string{"assistant": to})
		return toolResultMessages(call.CallID, string(out))
	}

	emit(ToolStart{Agent: agent, Tool: call.Name, CallID: call.CallID, Arguments: call.Arguments})
	start := time.Now()

	var (
		result string
		err    error
	)
	if h == nil {
		err = fmt.Errorf("realtime: no handler for tool %q", call.Name)
	} else {
		result, err = h(ctx, call.Name, call.Arguments)
	}
	output := result
	if err != nil {
		slog.Warn("realtime: tool call failed", "tool", call.Name, "call_id", call.CallID, "err", err)
		b, _ := json.Marshal(map[string]string{"error": err.Error()})
		output = string(b)
	}
	emit(ToolEnd{Agent: agent, Tool: call.Name, CallID: call.CallID, Result: result, Err: err})
	slog.Debug("realtime: tool call done", "tool", call.Name, "duration", time.Since(start))
	return toolResultMessages(call.CallID, output)
}
