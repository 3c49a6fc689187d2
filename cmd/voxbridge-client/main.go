// Command voxbridge-client is the terminal voice client. It fetches a
// short-lived client secret from a voxbridge relay, opens a realtime
// session over WebSocket or WebRTC and renders the conversation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/internal/tui"
	"github.com/MrWong99/voxbridge/internal/turns"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/miniaudio"
	"github.com/MrWong99/voxbridge/pkg/realtime"
	"github.com/MrWong99/voxbridge/pkg/realtime/openai"
	"github.com/MrWong99/voxbridge/pkg/realtime/webrtc"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	transportFlag := flag.String("transport", "", "override session.transport (websocket or webrtc)")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge-client: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, cfg *config.Config) {
		d := config.Diff(old, cfg)
		if d.LogLevelChanged {
			level.Set(d.NewLogLevel.SlogLevel())
		}
		if d.TransportChanged {
			slog.Warn("session.transport changed; restart the client to apply it")
		}
		if d.SessionChanged || d.TurnDetectionChanged || d.AudioChanged {
			slog.Info("session settings changed; they apply to the next session")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbridge-client: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridge-client: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	mode, err := realtime.ParseMode(string(cfg.Session.Transport))
	if *transportFlag != "" {
		mode, err = realtime.ParseMode(*transportFlag)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge-client: %v\n", err)
		return 1
	}

	// The TUI owns the terminal, so logs go to a file.
	logFile, err := os.OpenFile(cfg.Client.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge-client: open log file: %v\n", err)
		return 1
	}
	defer logFile.Close()
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: level})))
	slog.Info("voxbridge-client starting", "version", version, "transport", mode, "relay", cfg.Session.RelayURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if addr := cfg.Client.MetricsAddr; addr != "" {
		shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    "voxbridge-client",
			ServiceVersion: version,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "voxbridge-client: telemetry: %v\n", err)
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(sctx)
		}()
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", observe.Handler())
		metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	metrics := observe.DefaultMetrics()

	audioCtx, err := miniaudio.NewContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge-client: %v\n", err)
		return 1
	}
	defer audioCtx.Close()

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	relayURL := strings.TrimSuffix(cfg.Session.RelayURL, "/")

	var dialer realtime.Dialer
	switch mode {
	case realtime.ModeWebRTC:
		dialer = webrtc.NewDialer(relayURL+relay.PathHandshake, webrtc.WithHTTPClient(httpClient))
	default:
		dialer = openai.NewDialer(openai.WithModel(cfg.Session.Model), openai.WithHTTPClient(httpClient))
	}

	var notifier tui.Notifier
	agg := turns.New(
		turns.WithRecorder(observe.NewTurnRecorder(ctx, metrics)),
		turns.WithChangeHook(notifier.Refresh),
	)
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Dialer:     dialer,
		Config:     watcher.Current,
		HTTPClient: httpClient,
		Input:      audioCtx.Input(cfg.Audio.CaptureRate),
		Output:     audioCtx.Output(audio.WireRate),
		Aggregator: agg,
		Metrics:    metrics,
		OnStatus:   notifier.Status,
	})

	title := fmt.Sprintf("voxbridge · %s · %s", cfg.Session.AgentName, mode)
	program := tea.NewProgram(tui.New(ctx, sm, agg, title), tea.WithAltScreen(), tea.WithContext(ctx))
	notifier.Attach(program)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		_, err := program.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})
	if metricsSrv != nil {
		g.Go(func() error {
			slog.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	if serr := sm.Stop(); serr != nil {
		slog.Warn("session cleanup", "err", serr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge-client: %v\n", err)
		return 1
	}
	return 0
}
