package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/internal/secret"
	"github.com/MrWong99/voxbridge/internal/turns"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/capture"
	"github.com/MrWong99/voxbridge/pkg/audio/playback"
	"github.com/MrWong99/voxbridge/pkg/realtime"
)

// ErrSessionActive is returned by Start while a session is running or
// being set up.
var ErrSessionActive = errors.New("app: a session is already active")

// Status is the client's connection lifecycle.
type Status int32

const (
	StatusIdle Status = iota
	StatusMintingSecret
	StatusConnecting
	StatusConnected
)

// String returns the status label shown in the UI.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusMintingSecret:
		return "minting-secret"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	// Dialer opens sessions; its Mode decides who owns the audio path.
	Dialer realtime.Dialer

	// Config returns the settings for the next session. It is read on
	// every Start, so a [config.Watcher] can feed it.
	Config func() *config.Config

	// Secret fetches a client secret. Default: POST to the relay's
	// client-secret route at session.relay_url.
	Secret func(ctx context.Context) (string, error)

	// HTTPClient is used by the default Secret. Default: http.DefaultClient.
	HTTPClient *http.Client

	Input  audio.InputDevice
	Output audio.OutputDevice

	Aggregator *turns.Aggregator

	Tools       []realtime.Tool
	ToolHandler realtime.ToolHandler

	// Metrics tracks active sessions. Nil disables it.
	Metrics *observe.Metrics

	// OnStatus is called after every status change.
	OnStatus func(Status)
}

// SessionManager runs at most one voice session at a time. Start and Stop
// are serialised; Status may be read from any goroutine.
type SessionManager struct {
	cfg SessionManagerConfig

	status atomic.Int32

	// mu serialises Start and Stop and guards the session resources below.
	mu       sync.Mutex
	sess     realtime.Session
	pipe     *capture.Pipeline
	sched    *playback.Scheduler
	out      audio.Stream
	pumpDone chan struct{}
	counted  bool

	// stopping tells the event pump that the session end was requested.
	stopping atomic.Bool

	cancelMu    sync.Mutex
	cancelStart context.CancelFunc
}

// NewSessionManager creates an idle SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = turns.New()
	}
	sm := &SessionManager{cfg: cfg}
	if sm.cfg.Secret == nil {
		sm.cfg.Secret = sm.fetchFromRelay
	}
	return sm
}

// Status returns the current lifecycle status.
func (sm *SessionManager) Status() Status { return Status(sm.status.Load()) }

// IsActive reports whether a session is running or being set up.
func (sm *SessionManager) IsActive() bool { return sm.Status() != StatusIdle }

// Aggregator returns the turn state fed by this manager.
func (sm *SessionManager) Aggregator() *turns.Aggregator { return sm.cfg.Aggregator }

func (sm *SessionManager) setStatus(s Status) {
	if Status(sm.status.Swap(int32(s))) == s {
		return
	}
	slog.Debug("session status", "status", s)
	if sm.cfg.OnStatus != nil {
		sm.cfg.OnStatus(s)
	}
}

// Start mints a client secret, opens a session and starts audio. Any
// failure releases whatever was acquired and returns the manager to idle.
// Stop may be called concurrently to abort a Start in progress.
func (sm *SessionManager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.Status() != StatusIdle {
		return ErrSessionActive
	}

	sm.cancelMu.Lock()
	sm.cancelStart = cancel
	sm.cancelMu.Unlock()
	defer func() {
		sm.cancelMu.Lock()
		sm.cancelStart = nil
		sm.cancelMu.Unlock()
	}()

	sm.stopping.Store(false)
	if err := sm.startLocked(ctx); err != nil {
		if rerr := sm.releaseLocked(); rerr != nil {
			slog.Warn("session: cleanup after failed start", "err", rerr)
		}
		sm.setStatus(StatusIdle)
		return err
	}
	return nil
}

func (sm *SessionManager) startLocked(ctx context.Context) error {
	cfg := sm.cfg.Config()

	sm.setStatus(StatusMintingSecret)
	key, err := sm.cfg.Secret(ctx)
	if err != nil {
		return fmt.Errorf("session: client secret: %w", err)
	}

	sm.setStatus(StatusConnecting)
	rcfg := sm.sessionConfig(cfg)
	agg := sm.cfg.Aggregator

	switch sm.cfg.Dialer.Mode() {
	case realtime.ModeWebRTC:
		st := playback.NewStream(sm.cfg.Output.SampleRate(), 0)
		if sm.out, err = sm.cfg.Output.Start(st); err != nil {
			return fmt.Errorf("session: start output: %w", err)
		}
		rcfg.Media = realtime.Media{Input: sm.cfg.Input, Output: st}
		agg.SetPlayback(streamPlayback{st})
	default:
		tl := playback.NewTimeline(sm.cfg.Output.SampleRate())
		if sm.out, err = sm.cfg.Output.Start(tl); err != nil {
			return fmt.Errorf("session: start output: %w", err)
		}
		sm.sched = playback.NewScheduler(tl, playback.WithLookahead(cfg.Audio.Lookahead))
		agg.SetPlayback(sm.sched)
	}

	sess, err := sm.cfg.Dialer.Dial(ctx, key, rcfg)
	if err != nil {
		return fmt.Errorf("session: dial: %w", err)
	}
	sm.sess = sess

	sm.pumpDone = make(chan struct{})
	go sm.pump(sess, sm.sched, sm.pumpDone)

	if sm.cfg.Dialer.Mode() == realtime.ModeWebSocket {
		sm.pipe = capture.New(sm.cfg.Input, sess)
		// The device stream outlives Start's context.
		if err := sm.pipe.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}

	if sm.cfg.Metrics != nil {
		sm.cfg.Metrics.ActiveSessions.Add(ctx, 1)
		sm.counted = true
	}
	sm.setStatus(StatusConnected)
	slog.Info("session started",
		"transport", sm.cfg.Dialer.Mode(),
		"model", rcfg.Model,
		"voice", rcfg.Voice,
		"turn_detection", rcfg.TurnDetection.Type,
	)
	return nil
}

// sessionConfig maps the client config onto the transport config.
func (sm *SessionManager) sessionConfig(cfg *config.Config) realtime.SessionConfig {
	s := cfg.Session
	rcfg := realtime.SessionConfig{
		Model:              s.Model,
		Voice:              s.Voice,
		Instructions:       s.Instructions,
		AgentName:          s.AgentName,
		TurnDetection:      realtime.BuildTurnDetection(s.TurnDetection.Knobs()),
		TranscriptionModel: s.TranscriptionModel,
		Tools:              sm.cfg.Tools,
		ToolHandler:        sm.cfg.ToolHandler,
		Debug:              cfg.Client.DebugEvents,
	}
	if strings.EqualFold(rcfg.TranscriptionModel, "none") {
		rcfg.TranscriptionModel = ""
	}
	return rcfg
}

func (sm *SessionManager) fetchFromRelay(ctx context.Context) (string, error) {
	base := strings.TrimSuffix(sm.cfg.Config().Session.RelayURL, "/")
	return secret.Fetch(ctx, sm.cfg.HTTPClient, base+relay.PathClientSecret)
}

// pump feeds session events to the aggregator and, when the client owns
// playback, audio to the scheduler. It ends when the session's event
// channel closes.
func (sm *SessionManager) pump(sess realtime.Session, sched *playback.Scheduler, done chan struct{}) {
	defer close(done)
	for ev := range sess.Events() {
		if a, ok := ev.(realtime.Audio); ok && sched != nil {
			sched.Enqueue(a.Chunk)
		}
		sm.cfg.Aggregator.Handle(ev)
	}
	if !sm.stopping.Load() {
		slog.Info("session ended by remote")
		go func() {
			if err := sm.Stop(); err != nil {
				slog.Warn("session: cleanup after remote close", "err", err)
			}
		}()
	}
}

// Stop ends the session. It is idempotent and safe from any status: a
// Start in progress is aborted, every teardown step runs even if an
// earlier one fails, and the failures are returned joined.
func (sm *SessionManager) Stop() error {
	sm.stopping.Store(true)
	sm.cancelMu.Lock()
	if sm.cancelStart != nil {
		sm.cancelStart()
	}
	sm.cancelMu.Unlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.Status() == StatusIdle && sm.sess == nil {
		return nil
	}

	err := sm.releaseLocked()
	sm.cfg.Aggregator.Reset()
	sm.setStatus(StatusIdle)
	if err != nil {
		slog.Warn("session stopped with errors", "err", err)
	} else {
		slog.Info("session stopped")
	}
	return err
}

// releaseLocked tears down everything Start acquired, in reverse order.
func (sm *SessionManager) releaseLocked() error {
	sm.stopping.Store(true)
	var errs []error

	if sm.pipe != nil {
		errs = append(errs, sm.pipe.Release())
		sm.pipe = nil
	}
	if sm.sess != nil {
		if err := sm.sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
		sm.sess = nil
	}
	if sm.pumpDone != nil {
		<-sm.pumpDone
		sm.pumpDone = nil
	}

	sm.cfg.Aggregator.SetPlayback(nil)
	if sm.sched != nil {
		sm.sched.Close()
		sm.sched = nil
	}
	if sm.out != nil {
		if err := sm.out.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop output: %w", err))
		}
		if err := sm.out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
		sm.out = nil
	}

	if sm.counted {
		sm.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
		sm.counted = false
	}
	return errors.Join(errs...)
}

// Interrupt cancels the agent's current response and drops audio already
// queued locally. It is a no-op without a connected session.
func (sm *SessionManager) Interrupt() error {
	sm.mu.Lock()
	sess, sched := sm.sess, sm.sched
	sm.mu.Unlock()
	if sess == nil || sm.Status() != StatusConnected {
		return nil
	}
	if sched != nil {
		sched.Flush()
	}
	return sess.Interrupt()
}

// Toggle starts an idle manager and stops a running one.
func (sm *SessionManager) Toggle(ctx context.Context) error {
	if sm.IsActive() {
		return sm.Stop()
	}
	return sm.Start(ctx)
}

// streamPlayback lets the aggregator drop buffered agent audio on
// transports that own playback.
type streamPlayback struct{ st *playback.Stream }

func (p streamPlayback) Flush() int     { return p.st.Clear() }
func (p streamPlayback) ResetPlayhead() {}
