package realtime

import (
	"encoding/json"
	"fmt"
)

// TurnDetectionType selects how the remote service decides that the user
// has finished speaking.
type TurnDetectionType string

const (
	// SemanticVAD ends a turn when a classifier judges the utterance complete.
	SemanticVAD TurnDetectionType = "semantic_vad"

	// ServerVAD ends a turn after a fixed period of silence.
	ServerVAD TurnDetectionType = "server_vad"
)

// Knob ranges. Values outside a range are clamped by [BuildTurnDetection].
const (
	MinEagerness       = 0.3
	MaxEagerness       = 0.9
	MinThreshold       = 0.2
	MaxThreshold       = 0.8
	MinSilenceMs       = 200
	MaxSilenceMs       = 1200
	MinPrefixPaddingMs = 0
	MaxPrefixPaddingMs = 1000
)

// Knobs are the user-facing turn-detection settings chosen before a
// session starts.
type Knobs struct {
	Mode              TurnDetectionType
	InterruptResponse bool

	// Eagerness applies to [SemanticVAD] only.
	Eagerness float64

	// SilenceDurationMs, PrefixPaddingMs and Threshold apply to [ServerVAD] only.
	SilenceDurationMs int
	PrefixPaddingMs   int
	Threshold         float64
}

// DefaultKnobs returns semantic VAD with interruption enabled and the
// server VAD values pre-filled for when the mode is switched.
func DefaultKnobs() Knobs {
	return Knobs{
		Mode:              SemanticVAD,
		InterruptResponse: true,
		Eagerness:         0.6,
		SilenceDurationMs: 400,
		PrefixPaddingMs:   300,
		Threshold:         0.5,
	}
}

// SemanticParams holds the [SemanticVAD] variant's fields.
type SemanticParams struct {
	Eagerness float64
}

// ServerParams holds the [ServerVAD] variant's fields.
type ServerParams struct {
	SilenceDurationMs int
	PrefixPaddingMs   int
	Threshold         float64
}

// TurnDetectionConfig is a tagged variant: exactly one of Semantic or Server
// is set, matching Type. Only the active variant's fields are marshalled.
type TurnDetectionConfig struct {
	Type              TurnDetectionType
	InterruptResponse bool
	Semantic          *SemanticParams
	Server            *ServerParams
}

// BuildTurnDetection maps knobs to the config sent at connect time. It is a
// pure function; an unrecognised mode falls back to [SemanticVAD].
func BuildTurnDetection(k Knobs) TurnDetectionConfig {
	if k.Mode == ServerVAD {
		return TurnDetectionConfig{
			Type:              ServerVAD,
			InterruptResponse: k.InterruptResponse,
			Server: &ServerParams{
				SilenceDurationMs: clamp(k.SilenceDurationMs, MinSilenceMs, MaxSilenceMs),
				PrefixPaddingMs:   clamp(k.PrefixPaddingMs, MinPrefixPaddingMs, MaxPrefixPaddingMs),
				Threshold:         clamp(k.Threshold, MinThreshold, MaxThreshold),
			},
		}
	}
	return TurnDetectionConfig{
		Type:              SemanticVAD,
		InterruptResponse: k.InterruptResponse,
		Semantic:          &SemanticParams{Eagerness: clamp(k.Eagerness, MinEagerness, MaxEagerness)},
	}
}

// EagernessLevel maps the continuous eagerness knob onto the service's
// discrete levels.
func EagernessLevel(e float64) string {
	switch {
	case e < 0.45:
		return "low"
	case e < 0.75:
		return "medium"
	default:
		return "high"
	}
}

// MarshalJSON implements [json.Marshaler] in the wire shape expected by the
// session.update event.
func (c TurnDetectionConfig) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case SemanticVAD:
		if c.Semantic == nil {
			return nil, fmt.Errorf("realtime: semantic_vad config without parameters")
		}
		return json.Marshal(struct {
			Type              TurnDetectionType `json:"type"`
			InterruptResponse bool              `json:"interrupt_response"`
			Eagerness         string            `json:"eagerness"`
		}{c.Type, c.InterruptResponse, EagernessLevel(c.Semantic.Eagerness)})
	case ServerVAD:
		if c.Server == nil {
			return nil, fmt.Errorf("realtime: server_vad config without parameters")
		}
		return json.Marshal(struct {
			Type              TurnDetectionType `json:"type"`
			InterruptResponse bool              `json:"interrupt_response"`
			SilenceDurationMs int               `json:"silence_duration_ms"`
			PrefixPaddingMs   int               `json:"prefix_padding_ms"`
			Threshold         float64           `json:"threshold"`
		}{c.Type, c.InterruptResponse, c.Server.SilenceDurationMs, c.Server.PrefixPaddingMs, c.Server.Threshold})
	default:
		return nil, fmt.Errorf("realtime: unknown turn detection type %q", c.Type)
	}
}

func clamp[T int | float64](v, lo, hi T) T {
	return max(lo, min(v, hi))
}
