package realtime

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Type             string       `json:"type"`
	Model            string       `json:"model,omitempty"`
	Instructions     string       `json:"instructions,omitempty"`
	OutputModalities []string     `json:"output_modalities,omitempty"`
	Audio            *audioParams `json:"audio,omitempty"`
	Tools            []wireTool   `json:"tools,omitempty"`
}

type audioParams struct {
	Input  audioInputParams  `json:"input"`
	Output audioOutputParams `json:"output"`
}

type audioInputParams struct {
	Format        *audioFormat         `json:"format,omitempty"`
	Transcription *transcriptionParams `json:"transcription,omitempty"`
	TurnDetection *TurnDetectionConfig `json:"turn_detection,omitempty"`
}

type audioOutputParams struct {
	Format *audioFormat `json:"format,omitempty"`
	Voice  string       `json:"voice,omitempty"`
}

type audioFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type wireTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

type truncateMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

// SessionUpdate builds the initial session.update event for cfg. PCM16
// formats are only declared when the client moves audio itself.
func SessionUpdate(cfg SessionConfig, mode Mode) any {
	params := sessionParams{
		Type:             "realtime",
		Model:            cfg.Model,
		Instructions:     cfg.Instructions,
		OutputModalities: []string{"audio"},
		Audio: &audioParams{
			Output: audioOutputParams{Voice: cfg.Voice},
		},
	}
	if cfg.TurnDetection.Type != "" {
		td := cfg.TurnDetection
		params.Audio.Input.TurnDetection = &td
	}
	if cfg.TranscriptionModel != "" {
		params.Audio.Input.Transcription = &transcriptionParams{Model: cfg.TranscriptionModel}
	}
	if mode == ModeWebSocket {
		f := &audioFormat{Type: "audio/pcm", Rate: audio.WireRate}
		params.Audio.Input.Format = f
		params.Audio.Output.Format = f
	}
	for _, t := range cfg.Tools {
		params.Tools = append(params.Tools, wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// AppendAudio builds input_audio_buffer.append, followed by
// input_audio_buffer.commit when opts.Commit is set.
func AppendAudio(pcm []byte, opts SendOptions) []any {
	msgs := []any{appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}}
	if opts.Commit {
		msgs = append(msgs, CommitInput())
	}
	return msgs
}

// CommitInput builds input_audio_buffer.commit.
func CommitInput() any { return typeOnlyMessage{Type: "input_audio_buffer.commit"} }

// Truncate builds conversation.item.truncate so the server's copy of an
// interrupted item matches what the user actually heard.
func Truncate(itemID string, played time.Duration) any {
	return truncateMessage{
		Type:       "conversation.item.truncate",
		ItemID:     itemID,
		AudioEndMs: played.Milliseconds(),
	}
}

// CancelResponse builds response.cancel.
func CancelResponse() any { return typeOnlyMessage{Type: "response.cancel"} }

// ClearOutputAudio builds output_audio_buffer.clear, which only WebRTC
// sessions accept.
func ClearOutputAudio() any { return typeOnlyMessage{Type: "output_audio_buffer.clear"} }

func toolResultMessages(callID, output string) []any {
	return []any{
		createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:   ItemFunctionCallOutput,
				CallID: callID,
				Output: output,
			},
		},
		typeOnlyMessage{Type: "response.create"},
	}
}
