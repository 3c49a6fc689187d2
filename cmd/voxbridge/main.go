// Command voxbridge is the relay server: it keeps the long-lived OpenAI key
// and hands voice clients short-lived client secrets and WebRTC answers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		return 1
	}

	// The level survives config reloads; everything else needs a restart.
	level := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, cfg *config.Config) {
		d := config.Diff(old, cfg)
		if d.LogLevelChanged {
			level.Set(d.NewLogLevel.SlogLevel())
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.RestartRequired {
			slog.Warn("server settings changed; restart to apply them")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbridge: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialise relay", "err", err)
		return 1
	}

	go reloadOnHangup(ctx, watcher)

	printStartupSummary(cfg)
	slog.Info("relay ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil {
		slog.Error("relay stopped with error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func printStartupSummary(cfg *config.Config) {
	upstream := cfg.Relay.UpstreamURL
	if upstream == "" {
		upstream = relay.DefaultUpstreamURL
	}
	credential := "configured"
	if cfg.OpenAI.APIKey == "" {
		credential = "(missing)"
	}
	scheme := "http"
	if cfg.Server.TLS != nil {
		scheme = "https"
	}

	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║        voxbridge relay: startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printRow("Listen", scheme+"://"+cfg.Server.ListenAddr)
	printRow("Upstream", upstream)
	printRow("Model", cfg.Relay.Model)
	printRow("API key", credential)
	printRow("Mint timeout", cfg.Relay.MintTimeout.String())
	printRow("Metrics", "GET /metrics")
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 25 {
		value = value[:22] + "…"
	}
	fmt.Printf("║  %-12s : %-25s ║\n", label, value)
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := w.Reload(); err != nil {
				slog.Warn("SIGHUP: config rejected", "err", err)
			}
		}
	}
}
