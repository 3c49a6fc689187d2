package turns

import (
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

// Interruption and output-cleared causes.
const (
	CauseBargeIn     = "barge-in"
	CauseUserSpeech  = "user speech"
	CauseManualClear = "manual clear"
)

// Phase is the state of the current conversation turn.
type Phase int

const (
	PhaseAwaitingInput Phase = iota
	PhaseUserSpeaking
	PhaseAgentThinking
	PhaseAgentResponding
	PhaseTurnComplete
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseAwaitingInput:
		return "awaiting-input"
	case PhaseUserSpeaking:
		return "user-speaking"
	case PhaseAgentThinking:
		return "agent-thinking"
	case PhaseAgentResponding:
		return "agent-responding"
	case PhaseTurnComplete:
		return "turn-complete"
	default:
		return "unknown"
	}
}

// Message is one rendered conversation message.
type Message struct {
	ID     string
	Role   string
	Text   string
	Status string
}

// StepKind classifies entries of a turn's timeline.
type StepKind string

const (
	StepTool     StepKind = "tool"
	StepApproval StepKind = "approval"
	StepMCP      StepKind = "mcp"
	StepError    StepKind = "error"
)

// Step statuses.
const (
	StepRunning   = "running"
	StepDone      = "done"
	StepFailed    = "failed"
	StepRequested = "requested"
	StepInfo      = "info"
)

// Step is one sub-event of an assistant turn.
type Step struct {
	Kind   StepKind
	Name   string
	Status string
	Text   string
	Result string
	At     time.Time
	DoneAt time.Time
}

// HandoffRecord notes that control moved between agents during a turn.
type HandoffRecord struct {
	From string
	To   string
	At   time.Time
}

// Meta is the telemetry attached to one assistant message.
type Meta struct {
	// Latency is the time from turn start to first audio, or the fallback
	// derived from message first-seen times. Valid when HasLatency is set.
	Latency    time.Duration
	HasLatency bool

	Usage *realtime.Usage
	Steps []Step

	Interrupted      bool
	InterruptedCause string

	// OutputCleared is the cause of an output-buffer clear, if any.
	OutputCleared string

	Handoff *HandoffRecord
}

// bindLatency sets the latency unless one is already bound.
func (m *Meta) bindLatency(d time.Duration) bool {
	if m.HasLatency {
		return false
	}
	m.Latency, m.HasLatency = d, true
	return true
}

func (m *Meta) clone() Meta {
	c := *m
	c.Steps = slices.Clone(m.Steps)
	if m.Usage != nil {
		u := *m.Usage
		u.InputDetails = maps.Clone(u.InputDetails)
		u.OutputDetails = maps.Clone(u.OutputDetails)
		c.Usage = &u
	}
	if m.Handoff != nil {
		h := *m.Handoff
		c.Handoff = &h
	}
	return c
}

// ActivityKind classifies activity log entries.
type ActivityKind string

const (
	ActivityInfo      ActivityKind = "info"
	ActivitySuccess   ActivityKind = "success"
	ActivityError     ActivityKind = "error"
	ActivityMetric    ActivityKind = "metric"
	ActivityInterrupt ActivityKind = "interrupt"
)

// Activity is one entry of the session activity log, newest first.
type Activity struct {
	ID       int
	At       time.Time
	Kind     ActivityKind
	Text     string
	Duration time.Duration
}

// ToastKind classifies transient notifications.
type ToastKind string

const (
	ToastInfo    ToastKind = "info"
	ToastSuccess ToastKind = "success"
	ToastError   ToastKind = "error"
)

// Toast is a transient notification for the view.
type Toast struct {
	ID      int
	Kind    ToastKind
	Text    string
	Expires time.Time
}

// State is a point-in-time copy of everything the view renders.
type State struct {
	Phase       Phase
	Connection  realtime.ConnectionState
	Speaking    bool
	Thinking    bool
	Listening   bool
	Interrupted bool

	// LastLatency is the first-audio latency of the current turn.
	LastLatency    time.Duration
	HasLastLatency bool

	// Transcript is the text of the newest message.
	Transcript string
	LastError  string

	Messages []Message
	Meta     map[string]Meta
	Activity []Activity
	Toasts   []Toast
}
