// Package turns reconciles the event stream of a realtime session into an
// ordered conversation log plus per-turn telemetry.
//
// Some telemetry (first-audio latency, token usage, tool steps) refers to
// "the current assistant message" before any history snapshot has said which
// message that is. The [Aggregator] binds such updates immediately when the
// id is known and otherwise parks them in a [PendingQueue] that is drained
// the moment a snapshot resolves an assistant id.
package turns

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

const (
	// speechWindow is how recent a speech start must be for an output clear
	// to be attributed to the user.
	speechWindow = 2 * time.Second

	// listeningCue is how long the listening indicator stays lit after a
	// speech start or interruption without a matching speech stop.
	listeningCue = 600 * time.Millisecond

	maxActivity = 12

	toastTTL          = 2500 * time.Millisecond
	interruptToastTTL = 1200 * time.Millisecond
	errorToastTTL     = 4 * time.Second
)

// Playback is the local audio output the aggregator controls when the
// client owns playback. [playback.Scheduler] implements it.
type Playback interface {
	Flush() int
	ResetPlayhead()
}

// Recorder receives turn telemetry, e.g. for metrics export.
type Recorder interface {
	FirstAudio(latency time.Duration)
	Usage(u realtime.Usage)
	Interruption(cause string)
	PlaybackFlushed(sources int)
}

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithPlayback makes interruptions flush p and audio stops reset its
// playhead. Leave unset when the transport owns playback.
func WithPlayback(p Playback) Option {
	return func(a *Aggregator) { a.playback = p }
}

// WithRecorder reports latency, usage and interruptions to r.
func WithRecorder(r Recorder) Option {
	return func(a *Aggregator) { a.rec = r }
}

// WithChangeHook registers fn to be called after every state change,
// outside the aggregator's lock.
func WithChangeHook(fn func()) Option {
	return func(a *Aggregator) { a.onChange = fn }
}

// Aggregator is the turn/event state machine. It is safe for concurrent
// use: one goroutine feeds events through Handle while others read
// snapshots.
type Aggregator struct {
	now      func() time.Time
	playback Playback
	rec      Recorder
	onChange func()

	mu sync.Mutex

	phase       Phase
	conn        realtime.ConnectionState
	speaking    bool
	thinking    bool
	listening   bool
	interrupted bool
	listenTimer *time.Timer

	turnStart      time.Time
	lastLatency    time.Duration
	hasLastLatency bool
	lastSpeechAt   time.Time
	transcript     string
	lastError      string

	// lastAssistantID is only ever set from history snapshots.
	lastAssistantID string
	pending         PendingQueue

	messages         []Message
	firstSeen        map[string]time.Time
	meta             map[string]*Meta
	loggedUsers      map[string]bool
	loggedAssistants map[string]bool

	activity   []Activity
	activityID int
	toasts     []Toast
	toastID    int
}

// New returns an aggregator in the awaiting-input phase.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	a.resetLocked()
	return a
}

// Handle applies one session event. Events must be delivered in the order
// the session produced them.
func (a *Aggregator) Handle(e realtime.Event) {
	a.mu.Lock()
	a.handleLocked(e)
	a.mu.Unlock()
	a.changed()
}

func (a *Aggregator) handleLocked(e realtime.Event) {
	now := a.now()
	switch ev := e.(type) {
	case realtime.ConnectionChange:
		a.conn = ev.State
		kind := ToastInfo
		if ev.State == realtime.Connected {
			kind = ToastSuccess
			a.addActivity(now, ActivitySuccess, "Connected", 0)
		}
		a.addToast(now, kind, "Connection: "+ev.State.String(), toastTTL)

	case realtime.TurnStarted:
		a.thinking = true
		a.interrupted = false
		a.turnStart = now
		a.hasLastLatency = false
		a.phase = PhaseAgentThinking

	case realtime.AudioStart:
		a.speaking = true
		a.thinking = false
		a.phase = PhaseAgentResponding
		if a.turnStart.IsZero() {
			return
		}
		latency := now.Sub(a.turnStart)
		a.turnStart = time.Time{}
		a.lastLatency, a.hasLastLatency = latency, true
		a.addActivity(now, ActivityMetric, "First audio latency", latency)
		a.withAssistantMeta(func(m *Meta) { m.bindLatency(latency) })
		if a.rec != nil {
			a.rec.FirstAudio(latency)
		}

	case realtime.AudioStopped:
		a.speaking = false
		if a.playback != nil {
			a.playback.ResetPlayhead()
		}

	case realtime.AudioInterrupted:
		a.startListeningCue()
		if a.playback != nil {
			n := a.playback.Flush()
			slog.Debug("turns: flushed local playback", "sources", n)
			if a.rec != nil {
				a.rec.PlaybackFlushed(n)
			}
		}
		if a.speaking || a.phase == PhaseAgentResponding {
			a.interrupted = true
		}
		a.speaking = false
		a.addToast(now, ToastInfo, "Interrupted", interruptToastTTL)
		a.withAssistantMeta(func(m *Meta) {
			m.Interrupted = true
			m.InterruptedCause = CauseBargeIn
		})
		if a.rec != nil {
			a.rec.Interruption(CauseBargeIn)
		}

	case realtime.SpeechStarted:
		a.lastSpeechAt = now
		a.phase = PhaseUserSpeaking
		a.startListeningCue()

	case realtime.SpeechStopped:
		a.stopListeningCue()
		if a.phase == PhaseUserSpeaking {
			a.phase = PhaseAgentThinking
		}

	case realtime.OutputCleared:
		cause := CauseManualClear
		if !a.lastSpeechAt.IsZero() && now.Sub(a.lastSpeechAt) < speechWindow {
			cause = CauseUserSpeech
		}
		a.addActivity(now, ActivityInterrupt, fmt.Sprintf("Output audio cleared (%s)", cause), 0)
		a.withAssistantMeta(func(m *Meta) { m.OutputCleared = cause })
		if a.rec != nil {
			a.rec.Interruption(cause)
		}

	case realtime.HistoryUpdated:
		a.applySnapshot(now, ev.Items)

	case realtime.TurnDone:
		a.thinking = false
		a.phase = PhaseTurnComplete
		if ev.Usage == nil {
			return
		}
		u := *ev.Usage
		text := fmt.Sprintf("Usage: in %d", u.InputTokens)
		if u.CachedTokens > 0 {
			text += fmt.Sprintf(" (cached %d)", u.CachedTokens)
		}
		a.addActivity(now, ActivityMetric, fmt.Sprintf("%s, out %d", text, u.OutputTokens), 0)
		latency, hasLatency := a.lastLatency, a.hasLastLatency
		a.withAssistantMeta(func(m *Meta) {
			if hasLatency {
				m.bindLatency(latency)
			}
			m.Usage = &u
		})
		if a.rec != nil {
			a.rec.Usage(u)
		}

	case realtime.ToolStart:
		a.withAssistantMeta(func(m *Meta) {
			m.Steps = append(m.Steps, Step{Kind: StepTool, Name: toolName(ev.Tool), Status: StepRunning, Text: ev.Arguments, At: now})
		})

	case realtime.ToolEnd:
		status := StepDone
		result := ev.Result
		if ev.Err != nil {
			status, result = StepFailed, ev.Err.Error()
		}
		name := toolName(ev.Tool)
		a.withAssistantMeta(func(m *Meta) {
			for i, s := range slices.Backward(m.Steps) {
				if s.Kind == StepTool && s.Name == name {
					m.Steps[i].Status, m.Steps[i].Result, m.Steps[i].DoneAt = status, result, now
					return
				}
			}
			m.Steps = append(m.Steps, Step{Kind: StepTool, Name: name, Status: status, Result: result, At: now, DoneAt: now})
		})

	case realtime.ApprovalRequested:
		name := ev.Name
		if name == "" {
			name = "approval"
		}
		a.withAssistantMeta(func(m *Meta) {
			m.Steps = append(m.Steps, Step{Kind: StepApproval, Name: name, Status: StepRequested, Text: ev.Arguments, At: now})
		})

	case realtime.Handoff:
		a.withAssistantMeta(func(m *Meta) {
			m.Handoff = &HandoffRecord{From: ev.From, To: ev.To, At: now}
		})

	case realtime.MCPToolsChanged:
		names := strings.Join(ev.Tools, ", ")
		a.withAssistantMeta(func(m *Meta) {
			m.Steps = append(m.Steps, Step{Kind: StepMCP, Name: "tools_changed", Status: StepInfo, Text: names, At: now})
		})

	case realtime.MCPToolCallCompleted:
		name := ev.Name
		if name == "" {
			name = "mcp"
		}
		a.withAssistantMeta(func(m *Meta) {
			m.Steps = append(m.Steps, Step{Kind: StepMCP, Name: name, Status: StepDone, At: now})
		})

	case realtime.ErrorEvent:
		msg := ev.Message
		if msg == "" {
			msg = "Unknown error"
		}
		a.lastError = ev.Error()
		a.addToast(now, ToastError, "Session error", errorToastTTL)
		a.addActivity(now, ActivityError, "Session error", 0)
		a.withAssistantMeta(func(m *Meta) {
			m.Steps = append(m.Steps, Step{Kind: StepError, Name: "session", Status: StepFailed, Text: msg, At: now})
		})

	case realtime.AgentStart:
		slog.Debug("turns: agent start", "agent", ev.Agent)

	case realtime.AgentEnd:
		slog.Debug("turns: agent end", "agent", ev.Agent, "output_len", len(ev.Output))

	case realtime.Audio, realtime.ToolCall:
		// Consumed by playback and the transport respectively.

	case realtime.Raw:
		slog.Debug("turns: raw event", "type", ev.Type)

	default:
		slog.Debug("turns: unhandled event", "kind", e.Kind())
	}
}

// withAssistantMeta applies fn to the current assistant message's meta, or
// queues it until a snapshot names that message.
func (a *Aggregator) withAssistantMeta(fn func(m *Meta)) {
	if id := a.lastAssistantID; id != "" {
		fn(a.metaFor(id))
		return
	}
	a.pending.Push(func(id string) { fn(a.metaFor(id)) })
}

func (a *Aggregator) metaFor(id string) *Meta {
	m, ok := a.meta[id]
	if !ok {
		m = &Meta{}
		a.meta[id] = m
	}
	return m
}

// applySnapshot merges a full history snapshot into the message log.
func (a *Aggregator) applySnapshot(now time.Time, items []realtime.Item) {
	out := make([]Message, 0, len(items))
	for _, it := range items {
		if it.Type != realtime.ItemMessage {
			continue
		}
		id := it.ID
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, Message{ID: id, Role: it.Role, Text: it.Text(), Status: it.Status})
	}

	prev := make(map[string]Message, len(a.messages))
	for _, m := range a.messages {
		prev[m.ID] = m
	}
	for i, m := range out {
		if strings.TrimSpace(m.Text) == "" {
			if p, ok := prev[m.ID]; ok && p.Text != "" {
				out[i].Text = p.Text
			}
		}
	}
	a.messages = out

	if len(out) > 0 && out[len(out)-1].Text != "" {
		a.transcript = out[len(out)-1].Text
	}
	for _, m := range out {
		if _, ok := a.firstSeen[m.ID]; !ok {
			a.firstSeen[m.ID] = now
		}
	}

	a.lastAssistantID = ""
	for _, m := range slices.Backward(out) {
		if m.Role == realtime.RoleAssistant {
			a.lastAssistantID = m.ID
			break
		}
	}
	if a.lastAssistantID != "" {
		a.metaFor(a.lastAssistantID)
		if n := a.pending.Drain(a.lastAssistantID); n > 0 {
			slog.Debug("turns: bound pending meta updates", "id", a.lastAssistantID, "count", n)
		}
	}

	for i, m := range out {
		switch m.Role {
		case realtime.RoleUser:
			if !a.loggedUsers[m.ID] {
				a.loggedUsers[m.ID] = true
				a.addActivity(now, ActivityInfo, "User turn", 0)
			}
		case realtime.RoleAssistant:
			if a.loggedAssistants[m.ID] || m.Status == "" || m.Status == realtime.StatusInProgress {
				continue
			}
			a.loggedAssistants[m.ID] = true
			meta := a.metaFor(m.ID)
			latency, ok := meta.Latency, meta.HasLatency
			if !ok {
				latency, ok = a.fallbackLatency(out[:i], m.ID)
			}
			if ok {
				a.addActivity(now, ActivityMetric, fmt.Sprintf("Assistant responded in %.2fs", latency.Seconds()), latency)
				meta.bindLatency(latency)
			} else {
				a.addActivity(now, ActivityMetric, "Assistant responded", 0)
			}
		}
	}
}

// fallbackLatency derives latency from the first-seen times of an assistant
// message and the nearest preceding user message. It only reports positive
// deltas.
func (a *Aggregator) fallbackLatency(before []Message, assistantID string) (time.Duration, bool) {
	assistantSeen, ok := a.firstSeen[assistantID]
	if !ok {
		return 0, false
	}
	for _, m := range slices.Backward(before) {
		if m.Role != realtime.RoleUser {
			continue
		}
		userSeen, ok := a.firstSeen[m.ID]
		if !ok {
			return 0, false
		}
		if d := assistantSeen.Sub(userSeen); d > 0 {
			return d, true
		}
		return 0, false
	}
	return 0, false
}

func (a *Aggregator) addActivity(now time.Time, kind ActivityKind, text string, d time.Duration) {
	a.activityID++
	entry := Activity{ID: a.activityID, At: now, Kind: kind, Text: text, Duration: d}
	a.activity = slices.Insert(a.activity, 0, entry)
	if len(a.activity) > maxActivity {
		a.activity = a.activity[:maxActivity]
	}
}

func (a *Aggregator) addToast(now time.Time, kind ToastKind, text string, ttl time.Duration) {
	a.toastID++
	a.toasts = append(a.toasts, Toast{ID: a.toastID, Kind: kind, Text: text, Expires: now.Add(ttl)})
}

// startListeningCue lights the listening indicator for listeningCue.
func (a *Aggregator) startListeningCue() {
	a.listening = true
	if a.listenTimer != nil {
		a.listenTimer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(listeningCue, func() {
		a.mu.Lock()
		if a.listenTimer != t {
			a.mu.Unlock()
			return
		}
		a.listening = false
		a.listenTimer = nil
		a.mu.Unlock()
		a.changed()
	})
	a.listenTimer = t
}

func (a *Aggregator) stopListeningCue() {
	if a.listenTimer != nil {
		a.listenTimer.Stop()
		a.listenTimer = nil
	}
	a.listening = false
}

func (a *Aggregator) changed() {
	if a.onChange != nil {
		a.onChange()
	}
}

// SetPlayback swaps the controlled output, e.g. when a new session brings
// its own scheduler. nil detaches it.
func (a *Aggregator) SetPlayback(p Playback) {
	a.mu.Lock()
	a.playback = p
	a.mu.Unlock()
}

// Reset discards all turn state so the next session starts clean. The
// activity log survives and records the stop.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.resetLocked()
	a.addActivity(a.now(), ActivityInfo, "Stopped", 0)
	a.mu.Unlock()
	a.changed()
}

func (a *Aggregator) resetLocked() {
	a.stopListeningCue()
	a.phase = PhaseAwaitingInput
	a.conn = realtime.Disconnected
	a.speaking, a.thinking, a.interrupted = false, false, false
	a.turnStart, a.lastSpeechAt = time.Time{}, time.Time{}
	a.lastLatency, a.hasLastLatency = 0, false
	a.transcript, a.lastError = "", ""
	a.lastAssistantID = ""
	a.pending.Clear()
	a.messages = nil
	a.firstSeen = make(map[string]time.Time)
	a.meta = make(map[string]*Meta)
	a.loggedUsers = make(map[string]bool)
	a.loggedAssistants = make(map[string]bool)
	a.toasts = nil
}

// Snapshot returns a copy of the current state. Expired toasts are pruned.
func (a *Aggregator) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.toasts = slices.DeleteFunc(a.toasts, func(t Toast) bool { return !t.Expires.After(now) })

	meta := make(map[string]Meta, len(a.meta))
	for id, m := range a.meta {
		meta[id] = m.clone()
	}
	return State{
		Phase:          a.phase,
		Connection:     a.conn,
		Speaking:       a.speaking,
		Thinking:       a.thinking,
		Listening:      a.listening,
		Interrupted:    a.interrupted,
		LastLatency:    a.lastLatency,
		HasLastLatency: a.hasLastLatency,
		Transcript:     a.transcript,
		LastError:      a.lastError,
		Messages:       slices.Clone(a.messages),
		Meta:           meta,
		Activity:       slices.Clone(a.activity),
		Toasts:         slices.Clone(a.toasts),
	}
}

// Meta returns a copy of the meta bound to message id.
func (a *Aggregator) Meta(id string) (Meta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.meta[id]
	if !ok {
		return Meta{}, false
	}
	return m.clone(), true
}

// Pending returns the number of meta updates waiting for an assistant id.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending.Len()
}

// MessageIDs returns the ids of the current messages in order.
func (a *Aggregator) MessageIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, len(a.messages))
	for i, m := range a.messages {
		ids[i] = m.ID
	}
	return ids
}

func toolName(name string) string {
	if name == "" {
		return "tool"
	}
	return name
}
