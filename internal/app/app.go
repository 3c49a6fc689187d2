// Package app wires the voxbridge subsystems into the two runnable units:
//
//   - [App] is the relay server: SDP handshake, client-secret mint, health
//     probes and Prometheus metrics behind one instrumented HTTP server.
//   - [SessionManager] is the client's connect/disconnect lifecycle for a
//     single voice session.
//
// For tests, inject doubles with the functional options. Anything not
// injected is built from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/internal/resilience"
)

// shutdownGrace bounds how long Run waits for in-flight requests once its
// context is cancelled.
const shutdownGrace = 10 * time.Second

// App owns the relay server's lifetime.
type App struct {
	cfg *config.Config

	metrics    *observe.Metrics
	upstream   *http.Client
	listener   net.Listener
	breaker    *resilience.CircuitBreaker
	relay      *relay.Server
	health     *health.Handler
	handler    http.Handler
	srv        *http.Server
	stopOnce   sync.Once
	stopErr    error
	metricsOff bool
}

// Option is a functional option for [New].
type Option func(*App)

// WithMetrics injects the metric instruments instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithUpstreamClient replaces the HTTP client used for both upstream
// calls.
func WithUpstreamClient(c *http.Client) Option {
	return func(a *App) { a.upstream = c }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithoutMetricsEndpoint omits GET /metrics, for embedding the relay in a
// process that exposes metrics elsewhere.
func WithoutMetricsEndpoint() Option {
	return func(a *App) { a.metricsOff = true }
}

// New builds the relay server from cfg. It does not start listening.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "client-secret-mint",
		MaxFailures:  cfg.Relay.Breaker.MaxFailures,
		ResetTimeout: cfg.Relay.Breaker.ResetTimeout,
		HalfOpenMax:  cfg.Relay.Breaker.HalfOpenMax,
		// A client hanging up mid-mint says nothing about upstream health.
		IsFailure: func(err error) bool { return !errors.Is(err, context.Canceled) },
		OnStateChange: func(from, to resilience.State) {
			slog.Warn("relay: mint circuit breaker changed state", "from", from, "to", to)
		},
	})

	hsOpts := []relay.HandshakeOption{
		relay.WithModel(cfg.Relay.Model),
		relay.WithHandshakeMetrics(a.metrics),
	}
	if cfg.Relay.UpstreamURL != "" {
		hsOpts = append(hsOpts, relay.WithUpstreamURL(cfg.Relay.UpstreamURL))
	}
	if a.upstream != nil {
		hsOpts = append(hsOpts, relay.WithHTTPClient(a.upstream))
	}

	minter := relay.NewMinter(relay.MinterConfig{
		APIKey:       cfg.OpenAI.APIKey,
		BaseURL:      cfg.OpenAI.BaseURL,
		Organization: cfg.OpenAI.Organization,
		Timeout:      cfg.Relay.MintTimeout,
		HTTPClient:   a.upstream,
		Breaker:      a.breaker,
		Metrics:      a.metrics,
	})
	a.relay = relay.NewServer(relay.NewHandshake(hsOpts...), minter)

	a.health = health.New(
		health.Checker{Name: "credential", Check: func(context.Context) error {
			if !minter.Configured() {
				return errors.New("OPENAI_API_KEY not configured")
			}
			return nil
		}},
		health.Checker{Name: "upstream", Check: func(context.Context) error {
			if wait := a.breaker.RetryAfter(); wait > 0 {
				return fmt.Errorf("%w, next probe in %s", resilience.ErrCircuitOpen, wait.Round(time.Second))
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	a.relay.Register(mux)
	a.health.Register(mux)
	if !a.metricsOff {
		mux.Handle("GET /metrics", observe.Handler())
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Handler returns the fully wired, instrumented HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Breaker exposes the mint circuit breaker, for probes and tests.
func (a *App) Breaker() *resilience.CircuitBreaker { return a.breaker }

// Run serves until ctx is cancelled, then shuts down gracefully. It
// returns nil after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	slog.Info("relay listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown marks the server as draining and waits for in-flight requests
// to finish or ctx to expire. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("relay shutting down")
		a.health.SetDraining()
		if err := a.srv.Shutdown(ctx); err != nil {
			a.stopErr = fmt.Errorf("app: shutdown: %w", err)
		}
	})
	return a.stopErr
}
