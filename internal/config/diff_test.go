package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voxbridge/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*config.Config)
		want     config.ConfigDiff
		sections []string
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
			want:   config.ConfigDiff{},
		},
		{
			name:     "log level",
			mutate:   func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			want:     config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug},
			sections: []string{"log_level"},
		},
		{
			name:     "turn detection only",
			mutate:   func(c *config.Config) { c.Session.TurnDetection.Eagerness = ptr(0.8) },
			want:     config.ConfigDiff{TurnDetectionChanged: true},
			sections: []string{"turn_detection"},
		},
		{
			name: "explicit default is not a change",
			mutate: func(c *config.Config) {
				c.Session.TurnDetection.Mode = "semantic_vad"
			},
			want: config.ConfigDiff{},
		},
		{
			name:     "transport",
			mutate:   func(c *config.Config) { c.Session.Transport = config.TransportWebRTC },
			want:     config.ConfigDiff{SessionChanged: true, TransportChanged: true},
			sections: []string{"session"},
		},
		{
			name:     "voice",
			mutate:   func(c *config.Config) { c.Session.Voice = "ash" },
			want:     config.ConfigDiff{SessionChanged: true},
			sections: []string{"session"},
		},
		{
			name:     "audio",
			mutate:   func(c *config.Config) { c.Audio.CaptureRate = 44100 },
			want:     config.ConfigDiff{AudioChanged: true},
			sections: []string{"audio"},
		},
		{
			name:     "api key needs restart",
			mutate:   func(c *config.Config) { c.OpenAI.APIKey = "sk-new" },
			want:     config.ConfigDiff{RestartRequired: true},
			sections: []string{"server"},
		},
		{
			name: "tls added needs restart",
			mutate: func(c *config.Config) {
				c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
			},
			want:     config.ConfigDiff{RestartRequired: true},
			sections: []string{"server"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, nw := baseConfig(), baseConfig()
			tt.mutate(nw)

			got := config.Diff(old, nw)
			if got != tt.want {
				t.Errorf("Diff = %+v, want %+v", got, tt.want)
			}
			if s := got.Sections(); !slices.Equal(s, tt.sections) {
				t.Errorf("Sections = %v, want %v", s, tt.sections)
			}
		})
	}
}
