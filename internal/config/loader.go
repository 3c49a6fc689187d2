package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultModel              = "gpt-realtime"
	DefaultVoice              = "marin"
	DefaultAgentName          = "Assistant"
	DefaultTranscriptionModel = "gpt-4o-mini-transcribe"
	DefaultRelayURL           = "http://localhost:8080"
	DefaultCaptureRate        = 48000
	DefaultLookahead          = 20 * time.Millisecond
	DefaultMintTimeout        = 10 * time.Second
	DefaultLogFile            = "voxbridge-client.log"
)

// LoadDotEnv loads variables from a .env file in the working directory
// into the process environment, without overriding variables that are
// already set. A missing file is not an error.
func LoadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load .env: %w", err)
	}
	return nil
}

// Load reads the YAML file at path after loading .env, and returns a
// validated config with defaults applied.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, expanding ${VAR} references from the
// environment, then applies defaults and validates. Unknown keys are
// errors.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields. The turn-detection knobs are left alone;
// [TurnDetectionConfig.Knobs] merges them over the realtime defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Relay.UpstreamURL == "" {
		cfg.Relay.UpstreamURL = cfg.OpenAI.BaseURL
	}
	if cfg.Relay.Model == "" {
		cfg.Relay.Model = DefaultModel
	}
	if cfg.Relay.MintTimeout == 0 {
		cfg.Relay.MintTimeout = DefaultMintTimeout
	}
	if cfg.Session.Transport == "" {
		cfg.Session.Transport = TransportWebSocket
	}
	if cfg.Session.Model == "" {
		cfg.Session.Model = cfg.Relay.Model
	}
	if cfg.Session.Voice == "" {
		cfg.Session.Voice = DefaultVoice
	}
	if cfg.Session.AgentName == "" {
		cfg.Session.AgentName = DefaultAgentName
	}
	if cfg.Session.TranscriptionModel == "" {
		cfg.Session.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.Session.RelayURL == "" {
		cfg.Session.RelayURL = DefaultRelayURL
	}
	if cfg.Audio.CaptureRate == 0 {
		cfg.Audio.CaptureRate = DefaultCaptureRate
	}
	if cfg.Audio.Lookahead == 0 {
		cfg.Audio.Lookahead = DefaultLookahead
	}
	if cfg.Client.LogFile == "" {
		cfg.Client.LogFile = DefaultLogFile
	}
}

// Validate checks cfg for coherence and returns every problem found,
// joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.OpenAI.APIKey == "" {
		slog.Warn("openai.api_key is empty; the relay will refuse to mint client secrets")
	}
	for name, u := range map[string]string{
		"openai.base_url":    cfg.OpenAI.BaseURL,
		"relay.upstream_url": cfg.Relay.UpstreamURL,
		"session.relay_url":  cfg.Session.RelayURL,
	} {
		if u == "" {
			continue
		}
		if p, err := url.Parse(u); err != nil || p.Scheme == "" || p.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", name, u))
		}
	}
	if cfg.Relay.MintTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.mint_timeout %v must not be negative", cfg.Relay.MintTimeout))
	}
	if b := cfg.Relay.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("relay.breaker values must not be negative"))
	}

	if cfg.Session.Transport != "" && !cfg.Session.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("session.transport %q is invalid; valid values: websocket, webrtc", cfg.Session.Transport))
	}
	errs = append(errs, validateTurnDetection(cfg.Session.TurnDetection)...)

	if cfg.Audio.CaptureRate < 0 || (cfg.Audio.CaptureRate > 0 && cfg.Audio.CaptureRate < 8000) {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d is out of range; minimum 8000", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.Lookahead < 0 {
		errs = append(errs, fmt.Errorf("audio.lookahead %v must not be negative", cfg.Audio.Lookahead))
	}

	return errors.Join(errs...)
}

func validateTurnDetection(td TurnDetectionConfig) []error {
	const prefix = "session.turn_detection"
	var errs []error
	switch realtime.TurnDetectionType(td.Mode) {
	case "", realtime.SemanticVAD, realtime.ServerVAD:
	default:
		errs = append(errs, fmt.Errorf("%s.mode %q is invalid; valid values: semantic_vad, server_vad", prefix, td.Mode))
	}
	if v := td.Eagerness; v != nil && (*v < realtime.MinEagerness || *v > realtime.MaxEagerness) {
		errs = append(errs, fmt.Errorf("%s.eagerness %.2f is out of range [%.1f, %.1f]", prefix, *v, realtime.MinEagerness, realtime.MaxEagerness))
	}
	if v := td.Threshold; v != nil && (*v < realtime.MinThreshold || *v > realtime.MaxThreshold) {
		errs = append(errs, fmt.Errorf("%s.threshold %.2f is out of range [%.1f, %.1f]", prefix, *v, realtime.MinThreshold, realtime.MaxThreshold))
	}
	if v := td.SilenceDurationMs; v != nil && (*v < realtime.MinSilenceMs || *v > realtime.MaxSilenceMs) {
		errs = append(errs, fmt.Errorf("%s.silence_duration_ms %d is out of range [%d, %d]", prefix, *v, realtime.MinSilenceMs, realtime.MaxSilenceMs))
	}
	if v := td.PrefixPaddingMs; v != nil && (*v < realtime.MinPrefixPaddingMs || *v > realtime.MaxPrefixPaddingMs) {
		errs = append(errs, fmt.Errorf("%s.prefix_padding_ms %d is out of range [%d, %d]", prefix, *v, realtime.MinPrefixPaddingMs, realtime.MaxPrefixPaddingMs))
	}
	return errs
}
