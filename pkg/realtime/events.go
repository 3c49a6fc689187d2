package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Event is a session event delivered by a [Session]. The set of variants is
// closed: consumers type-switch over the concrete types below and route
// anything else (normally [Unknown]) to a diagnostic path.
type Event interface {
	// Kind returns a stable snake_case name for logging.
	Kind() string
	isEvent()
}

// ConnectionState is the transport-level connection state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

// String returns the human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// ConnectionChange reports a transport state transition.
type ConnectionChange struct {
	State ConnectionState
}

// TurnStarted marks the beginning of a model response.
type TurnStarted struct {
	ResponseID string
}

// TurnDone marks the end of a model response. Usage is nil when the
// service did not report any.
type TurnDone struct {
	ResponseID string
	Status     string
	Usage      *Usage
}

// AudioStart is emitted once per response when agent audio begins.
type AudioStart struct {
	ResponseID string
}

// Audio carries one chunk of agent speech. Only transports that leave
// playback to the client emit it.
type Audio struct {
	ResponseID string
	ItemID     string
	Chunk      audio.Chunk
}

// AudioStopped is emitted when agent audio for a response has ended.
type AudioStopped struct {
	ResponseID string
}

// AudioInterrupted is emitted when the user starts speaking over agent
// audio. Played is how much of ItemID the user heard before interrupting,
// as estimated by the transport.
type AudioInterrupted struct {
	ItemID string
	Played time.Duration
}

// SpeechStarted is emitted when remote turn detection hears the user.
type SpeechStarted struct {
	ItemID  string
	AudioAt time.Duration
}

// SpeechStopped is emitted when remote turn detection decides the user has
// stopped speaking.
type SpeechStopped struct {
	ItemID string
}

// OutputCleared is emitted when the service discards buffered output audio.
type OutputCleared struct {
	ResponseID string
}

// HistoryUpdated carries a full snapshot of the conversation history.
type HistoryUpdated struct {
	Items []Item
}

// ToolCall is a function call requested by the agent. Transports execute it
// through their [ToolHandler] and report [ToolStart] and [ToolEnd] instead
// of forwarding it.
type ToolCall struct {
	CallID    string
	ItemID    string
	Name      string
	Arguments string
}

// ToolStart is emitted before a function call is executed.
type ToolStart struct {
	Agent     string
	Tool      string
	CallID    string
	Arguments string
}

// ToolEnd is emitted after a function call finished, successfully or not.
type ToolEnd struct {
	Agent  string
	Tool   string
	CallID string
	Result string
	Err    error
}

// ApprovalRequested is emitted when a hosted tool asks for approval.
type ApprovalRequested struct {
	ItemID      string
	Name        string
	ServerLabel string
	Arguments   string
}

// Handoff is emitted when control passes from one agent to another.
type Handoff struct {
	From string
	To   string
}

// AgentStart is emitted when the agent begins producing a response.
type AgentStart struct {
	Agent string
}

// AgentEnd is emitted when the agent finished a response. Output is the
// text or transcript it produced, if any.
type AgentEnd struct {
	Agent  string
	Output string
}

// MCPToolsChanged is emitted when the set of hosted MCP tools is listed.
type MCPToolsChanged struct {
	ServerLabel string
	Tools       []string
}

// MCPToolCallCompleted is emitted when a hosted MCP tool call completes.
type MCPToolCallCompleted struct {
	ItemID string
	Name   string
}

// ErrorEvent reports a non-fatal session error from the service.
type ErrorEvent struct {
	Type    string
	Code    string
	Message string
	Param   string
}

// Error implements the error interface.
func (e ErrorEvent) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("realtime: %s: %s", e.Code, e.Message)
	case e.Message != "":
		return "realtime: " + e.Message
	case e.Type != "":
		return "realtime: " + e.Type
	default:
		return "realtime: unknown error"
	}
}

// Raw carries every wire event verbatim when debug passthrough is enabled.
type Raw struct {
	Type    string
	Payload json.RawMessage
}

// Unknown is a wire event the decoder does not recognise.
type Unknown struct {
	Type string
}

func (ConnectionChange) Kind() string     { return "connection_change" }
func (TurnStarted) Kind() string          { return "turn_started" }
func (TurnDone) Kind() string             { return "turn_done" }
func (AudioStart) Kind() string           { return "audio_start" }
func (Audio) Kind() string                { return "audio" }
func (AudioStopped) Kind() string         { return "audio_stopped" }
func (AudioInterrupted) Kind() string     { return "audio_interrupted" }
func (SpeechStarted) Kind() string        { return "speech_started" }
func (SpeechStopped) Kind() string        { return "speech_stopped" }
func (OutputCleared) Kind() string        { return "output_cleared" }
func (HistoryUpdated) Kind() string       { return "history_updated" }
func (ToolCall) Kind() string             { return "tool_call" }
func (ToolStart) Kind() string            { return "tool_start" }
func (ToolEnd) Kind() string              { return "tool_end" }
func (ApprovalRequested) Kind() string    { return "tool_approval_requested" }
func (Handoff) Kind() string              { return "handoff" }
func (AgentStart) Kind() string           { return "agent_start" }
func (AgentEnd) Kind() string             { return "agent_end" }
func (MCPToolsChanged) Kind() string      { return "mcp_tools_changed" }
func (MCPToolCallCompleted) Kind() string { return "mcp_tool_call_completed" }
func (ErrorEvent) Kind() string           { return "error" }
func (Raw) Kind() string                  { return "raw" }
func (Unknown) Kind() string              { return "unknown" }

func (ConnectionChange) isEvent()     {}
func (TurnStarted) isEvent()          {}
func (TurnDone) isEvent()             {}
func (AudioStart) isEvent()           {}
func (Audio) isEvent()                {}
func (AudioStopped) isEvent()         {}
func (AudioInterrupted) isEvent()     {}
func (SpeechStarted) isEvent()        {}
func (SpeechStopped) isEvent()        {}
func (OutputCleared) isEvent()        {}
func (HistoryUpdated) isEvent()       {}
func (ToolCall) isEvent()             {}
func (ToolStart) isEvent()            {}
func (ToolEnd) isEvent()              {}
func (ApprovalRequested) isEvent()    {}
func (Handoff) isEvent()              {}
func (AgentStart) isEvent()           {}
func (AgentEnd) isEvent()             {}
func (MCPToolsChanged) isEvent()      {}
func (MCPToolCallCompleted) isEvent() {}
func (ErrorEvent) isEvent()           {}
func (Raw) isEvent()                  {}
func (Unknown) isEvent()              {}
