// Package config provides the configuration schema and loader shared by the
// voxbridge relay server and the terminal voice client.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a slog level. Unknown values map to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration. Both binaries read the same file; each
// uses the sections it needs.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Relay   RelayConfig   `yaml:"relay"`
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	Client  ClientConfig  `yaml:"client"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the relay listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM certificate and key paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// OpenAIConfig holds the long-lived credential. It is only read by the
// relay; typically api_key is "${OPENAI_API_KEY}".
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Organization string `yaml:"organization"`
}

// RelayConfig tunes the relay endpoints.
type RelayConfig struct {
	// UpstreamURL is where handshakes are forwarded. Defaults to
	// openai.base_url, then the public API.
	UpstreamURL string `yaml:"upstream_url"`

	// Model is requested on relayed calls. Default "gpt-realtime".
	Model string `yaml:"model"`

	// MintTimeout bounds one client-secret mint. Default 10s.
	MintTimeout time.Duration `yaml:"mint_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker around the mint call.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// Transport selects how the client reaches the realtime service.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportWebRTC    Transport = "webrtc"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportWebSocket || t == TransportWebRTC
}

// SessionConfig describes the voice session the client opens.
type SessionConfig struct {
	Transport    Transport `yaml:"transport"`
	Model        string    `yaml:"model"`
	Voice        string    `yaml:"voice"`
	Instructions string    `yaml:"instructions"`
	AgentName    string    `yaml:"agent_name"`

	// TranscriptionModel enables input transcription. Default
	// "gpt-4o-mini-transcribe"; "none" disables it.
	TranscriptionModel string `yaml:"transcription_model"`

	// RelayURL is the base URL of the voxbridge relay, e.g.
	// "http://localhost:8080".
	RelayURL string `yaml:"relay_url"`

	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`
}

// TurnDetectionConfig holds the turn-detection knobs. Zero values take the
// defaults of [realtime.DefaultKnobs]; out-of-range values are rejected.
type TurnDetectionConfig struct {
	// Mode is "semantic_vad" or "server_vad".
	Mode              string   `yaml:"mode"`
	InterruptResponse *bool    `yaml:"interrupt_response"`
	Eagerness         *float64 `yaml:"eagerness"`
	SilenceDurationMs *int     `yaml:"silence_duration_ms"`
	PrefixPaddingMs   *int     `yaml:"prefix_padding_ms"`
	Threshold         *float64 `yaml:"threshold"`
}

// Knobs merges the configured values over [realtime.DefaultKnobs].
func (c TurnDetectionConfig) Knobs() realtime.Knobs {
	k := realtime.DefaultKnobs()
	if c.Mode != "" {
		k.Mode = realtime.TurnDetectionType(c.Mode)
	}
	if c.InterruptResponse != nil {
		k.InterruptResponse = *c.InterruptResponse
	}
	if c.Eagerness != nil {
		k.Eagerness = *c.Eagerness
	}
	if c.SilenceDurationMs != nil {
		k.SilenceDurationMs = *c.SilenceDurationMs
	}
	if c.PrefixPaddingMs != nil {
		k.PrefixPaddingMs = *c.PrefixPaddingMs
	}
	if c.Threshold != nil {
		k.Threshold = *c.Threshold
	}
	return k
}

// AudioConfig tunes local capture and playback (WebSocket transport only).
type AudioConfig struct {
	// CaptureRate is the microphone sample rate requested from the device.
	// Default 48000. Audio is resampled to 24 kHz before sending.
	CaptureRate int `yaml:"capture_rate"`

	// Lookahead is the scheduling margin for playback. Default 20ms.
	Lookahead time.Duration `yaml:"lookahead"`
}

// ClientConfig holds settings specific to the terminal client.
type ClientConfig struct {
	// LogFile receives the client's logs so the terminal UI owns stdout.
	// Default "voxbridge-client.log".
	LogFile string `yaml:"log_file"`

	// DebugEvents surfaces every raw transport event in the log.
	DebugEvents bool `yaml:"debug_events"`

	// MetricsAddr serves the client's own /metrics when set.
	MetricsAddr string `yaml:"metrics_addr"`
}
