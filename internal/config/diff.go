package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged covers any session field other than turn detection.
	SessionChanged       bool
	TurnDetectionChanged bool
	TransportChanged     bool

	AudioChanged bool

	// RestartRequired is set when a server-side section changed; those are
	// only read at startup.
	RestartRequired bool
}

// Diff compares two configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	a, b := old.Session, new.Session
	d.TurnDetectionChanged = a.TurnDetection.Knobs() != b.TurnDetection.Knobs()
	d.TransportChanged = a.Transport != b.Transport
	a.TurnDetection, b.TurnDetection = TurnDetectionConfig{}, TurnDetectionConfig{}
	d.SessionChanged = a != b

	d.AudioChanged = old.Audio != new.Audio

	d.RestartRequired = old.Server.ListenAddr != new.Server.ListenAddr ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) ||
		old.OpenAI != new.OpenAI ||
		old.Relay != new.Relay

	return d
}

// Sections lists the names of the changed sections, for logging.
func (d ConfigDiff) Sections() []string {
	var s []string
	if d.LogLevelChanged {
		s = append(s, "log_level")
	}
	if d.SessionChanged {
		s = append(s, "session")
	}
	if d.TurnDetectionChanged {
		s = append(s, "turn_detection")
	}
	if d.AudioChanged {
		s = append(s, "audio")
	}
	if d.RestartRequired {
		s = append(s, "server")
	}
	return s
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
