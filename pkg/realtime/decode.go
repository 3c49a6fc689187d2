package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// ErrMalformedEvent is returned by [Decoder.Decode] for payloads that are
// not a JSON object with a type field.
var ErrMalformedEvent = errors.New("realtime: malformed server event")

// DecoderOption configures a [Decoder].
type DecoderOption func(*Decoder)

// WithAgentName sets the agent name reported in agent lifecycle events.
func WithAgentName(name string) DecoderOption {
	return func(d *Decoder) { d.agent = name }
}

// WithRawEvents makes the decoder prepend a [Raw] event for every message.
func WithRawEvents(enabled bool) DecoderOption {
	return func(d *Decoder) { d.raw = enabled }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) DecoderOption {
	return func(d *Decoder) { d.now = now }
}

// Decoder maps OpenAI Realtime server events onto session [Event] values and
// maintains the conversation [History] they describe.
//
// A Decoder is not safe for concurrent use; transports call it from their
// single receive goroutine.
type Decoder struct {
	mode    Mode
	agent   string
	raw     bool
	now     func() time.Time
	history *History

	// response in flight
	audioStarted bool
	output       string

	// WebSocket mode: estimate of what the user has heard of audioItem,
	// assuming playback starts as soon as audio arrives.
	audioItem  string
	audioTotal time.Duration
	audioEnd   time.Time

	// WebRTC mode: server-side output buffer state.
	bufferPlaying bool

	approvals map[string]bool
}

// NewDecoder returns a decoder for a session in the given mode.
func NewDecoder(mode Mode, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		mode:      mode,
		now:       time.Now,
		history:   NewHistory(),
		approvals: make(map[string]bool),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// History returns the conversation history maintained by the decoder.
func (d *Decoder) History() *History { return d.history }

// Decode maps one wire event to zero or more session events.
func (d *Decoder) Decode(data []byte) ([]Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedEvent
	}
	ev := gjson.ParseBytes(data)
	typ := ev.Get("type").String()
	if typ == "" {
		return nil, ErrMalformedEvent
	}

	var out []Event
	if d.raw {
		out = append(out, Raw{Type: typ, Payload: json.RawMessage(append([]byte(nil), data...))})
	}
	return append(out, d.dispatch(typ, ev)...), nil
}

func (d *Decoder) dispatch(typ string, ev gjson.Result) []Event {
	switch typ {
	case "response.created":
		d.audioStarted = false
		d.output = ""
		return []Event{TurnStarted{ResponseID: ev.Get("response.id").String()}, AgentStart{Agent: d.agent}}

	case "response.done":
		return d.responseDone(ev)

	case "response.output_audio.delta", "response.audio.delta":
		return d.audioDelta(ev)

	case "response.output_audio.done", "response.audio.done":
		if d.mode != ModeWebSocket || !d.audioStarted {
			return nil
		}
		d.audioStarted = false
		return []Event{AudioStopped{ResponseID: ev.Get("response_id").String()}}

	case "output_audio_buffer.started":
		d.bufferPlaying = true
		if d.mode != ModeWebRTC {
			return nil
		}
		d.audioStarted = true
		return []Event{AudioStart{ResponseID: ev.Get("response_id").String()}}

	case "output_audio_buffer.stopped":
		d.bufferPlaying = false
		if d.mode != ModeWebRTC || !d.audioStarted {
			return nil
		}
		d.audioStarted = false
		return []Event{AudioStopped{ResponseID: ev.Get("response_id").String()}}

	case "output_audio_buffer.cleared":
		d.bufferPlaying = false
		return []Event{OutputCleared{ResponseID: ev.Get("response_id").String()}}

	case "input_audio_buffer.speech_started":
		itemID := ev.Get("item_id").String()
		var out []Event
		if e, ok := d.interruption(); ok {
			out = append(out, e)
		}
		return append(out, SpeechStarted{
			ItemID:  itemID,
			AudioAt: time.Duration(ev.Get("audio_start_ms").Int()) * time.Millisecond,
		})

	case "input_audio_buffer.speech_stopped":
		return []Event{SpeechStopped{ItemID: ev.Get("item_id").String()}}

	case "conversation.item.added", "conversation.item.created", "conversation.item.done",
		"conversation.item.retrieved", "response.output_item.added", "response.output_item.done":
		return d.itemEvent(ev.Get("item"))

	case "conversation.item.input_audio_transcription.delta":
		d.history.AppendText(ev.Get("item_id").String(), RoleUser, ContentInputAudio,
			int(ev.Get("content_index").Int()), ev.Get("delta").String(), true)
		return d.snapshot()

	case "conversation.item.input_audio_transcription.completed":
		d.history.SetText(ev.Get("item_id").String(), RoleUser, ContentInputAudio,
			int(ev.Get("content_index").Int()), ev.Get("transcript").String(), true)
		return d.snapshot()

	case "response.output_audio_transcript.delta", "response.audio_transcript.delta":
		delta := ev.Get("delta").String()
		d.output += delta
		d.history.AppendText(ev.Get("item_id").String(), RoleAssistant, ContentOutputAudio,
			int(ev.Get("content_index").Int()), delta, true)
		return d.snapshot()

	case "response.output_audio_transcript.done", "response.audio_transcript.done":
		d.history.SetText(ev.Get("item_id").String(), RoleAssistant, ContentOutputAudio,
			int(ev.Get("content_index").Int()), ev.Get("transcript").String(), true)
		return d.snapshot()

	case "response.output_text.delta", "response.text.delta":
		delta := ev.Get("delta").String()
		d.output += delta
		d.history.AppendText(ev.Get("item_id").String(), RoleAssistant, ContentOutputText,
			int(ev.Get("content_index").Int()), delta, false)
		return d.snapshot()

	case "response.output_text.done", "response.text.done":
		d.history.SetText(ev.Get("item_id").String(), RoleAssistant, ContentOutputText,
			int(ev.Get("content_index").Int()), ev.Get("text").String(), false)
		return d.snapshot()

	case "response.function_call_arguments.done":
		return []Event{ToolCall{
			CallID:    ev.Get("call_id").String(),
			ItemID:    ev.Get("item_id").String(),
			Name:      ev.Get("name").String(),
			Arguments: ev.Get("arguments").String(),
		}}

	case "response.mcp_call.completed":
		itemID := ev.Get("item_id").String()
		name := ""
		if it, ok := d.history.Get(itemID); ok {
			name = it.Name
		}
		return []Event{MCPToolCallCompleted{ItemID: itemID, Name: name}}

	case "error":
		e := ev.Get("error")
		return []Event{ErrorEvent{
			Type:    e.Get("type").String(),
			Code:    e.Get("code").String(),
			Message: e.Get("message").String(),
			Param:   e.Get("param").String(),
		}}
	}

	if ignored[typ] {
		return nil
	}
	return []Event{Unknown{Type: typ}}
}

// ignored lists wire events that carry nothing the client acts on.
var ignored = map[string]bool{
	"session.created":                                     true,
	"session.updated":                                     true,
	"conversation.created":                                true,
	"conversation.item.deleted":                           true,
	"conversation.item.truncated":                         true,
	"conversation.item.input_audio_transcription.segment": true,
	"conversation.item.input_audio_transcription.failed":  true,
	"input_audio_buffer.committed":                        true,
	"input_audio_buffer.cleared":                          true,
	"input_audio_buffer.timeout_triggered":                true,
	"rate_limits.updated":                                 true,
	"response.content_part.added":                         true,
	"response.content_part.done":                          true,
	"response.function_call_arguments.delta":              true,
	"response.mcp_call_arguments.delta":                   true,
	"response.mcp_call_arguments.done":                    true,
	"response.mcp_call.in_progress":                       true,
	"response.mcp_call.failed":                            true,
	"mcp_list_tools.in_progress":                          true,
	"mcp_list_tools.completed":                            true,
	"mcp_list_tools.failed":                               true,
	"transcription_session.updated":                       true,
}

func (d *Decoder) audioDelta(ev gjson.Result) []Event {
	if d.mode != ModeWebSocket {
		return nil
	}
	pcm, err := base64.StdEncoding.DecodeString(ev.Get("delta").String())
	if err != nil || len(pcm) < 2 {
		return nil
	}
	respID := ev.Get("response_id").String()
	itemID := ev.Get("item_id").String()
	chunk := audio.Chunk{Samples: audio.PCM16Samples(pcm), SampleRate: audio.WireRate}

	now := d.now()
	if itemID != d.audioItem {
		d.audioItem = itemID
		d.audioTotal = 0
	}
	d.audioTotal += chunk.Duration()
	if d.audioEnd.Before(now) {
		d.audioEnd = now
	}
	d.audioEnd = d.audioEnd.Add(chunk.Duration())

	var out []Event
	if !d.audioStarted {
		d.audioStarted = true
		out = append(out, AudioStart{ResponseID: respID})
	}
	return append(out, Audio{ResponseID: respID, ItemID: itemID, Chunk: chunk})
}

// interruption reports whether speech starting now cuts off agent audio.
func (d *Decoder) interruption() (Event, bool) {
	switch d.mode {
	case ModeWebRTC:
		if !d.bufferPlaying {
			return nil, false
		}
		d.bufferPlaying = false
		return AudioInterrupted{}, true
	default:
		now := d.now()
		if d.audioItem == "" || !now.Before(d.audioEnd) {
			return nil, false
		}
		played := max(d.audioTotal-d.audioEnd.Sub(now), 0)
		e := AudioInterrupted{ItemID: d.audioItem, Played: played}
		d.audioItem = ""
		d.audioTotal = 0
		d.audioEnd = now
		return e, true
	}
}

func (d *Decoder) itemEvent(raw gjson.Result) []Event {
	it, ok := parseItem(raw)
	if !ok {
		return nil
	}
	d.history.Upsert(it)

	var out []Event
	switch it.Type {
	case ItemMCPApprovalRequest:
		if !d.approvals[it.ID] {
			d.approvals[it.ID] = true
			out = append(out, ApprovalRequested{
				ItemID:      it.ID,
				Name:        it.Name,
				ServerLabel: raw.Get("server_label").String(),
				Arguments:   raw.Get("arguments").String(),
			})
		}
	case ItemMCPListTools:
		tools := raw.Get("tools")
		if tools.IsArray() {
			var names []string
			for _, t := range tools.Array() {
				if n := t.Get("name").String(); n != "" {
					names = append(names, n)
				}
			}
			out = append(out, MCPToolsChanged{ServerLabel: raw.Get("server_label").String(), Tools: names})
		}
	}
	return append(out, d.snapshot()...)
}

func (d *Decoder) responseDone(ev gjson.Result) []Event {
	resp := ev.Get("response")
	for _, raw := range resp.Get("output").Array() {
		if it, ok := parseItem(raw); ok {
			d.history.Upsert(it)
		}
	}

	var out []Event
	out = append(out, d.snapshot()...)
	if d.mode == ModeWebSocket && d.audioStarted {
		d.audioStarted = false
		out = append(out, AudioStopped{ResponseID: resp.Get("id").String()})
	}
	usage, _ := ParseUsage(resp.Get("usage"))
	out = append(out,
		AgentEnd{Agent: d.agent, Output: d.output},
		TurnDone{
			ResponseID: resp.Get("id").String(),
			Status:     resp.Get("status").String(),
			Usage:      usage,
		},
	)
	d.output = ""
	return out
}

func (d *Decoder) snapshot() []Event {
	return []Event{HistoryUpdated{Items: d.history.Snapshot()}}
}

func parseItem(raw gjson.Result) (Item, bool) {
	if !raw.IsObject() {
		return Item{}, false
	}
	id := raw.Get("id").String()
	if id == "" {
		id = raw.Get("itemId").String()
	}
	if id == "" {
		return Item{}, false
	}
	it := Item{
		ID:     id,
		Type:   raw.Get("type").String(),
		Role:   raw.Get("role").String(),
		Status: raw.Get("status").String(),
		Name:   raw.Get("name").String(),
	}
	for _, c := range raw.Get("content").Array() {
		it.Content = append(it.Content, Content{
			Type:       c.Get("type").String(),
			Text:       c.Get("text").String(),
			Transcript: c.Get("transcript").String(),
		})
	}
	return it, true
}
