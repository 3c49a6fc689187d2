package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/internal/secret"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MinterConfig configures a [Minter].
type MinterConfig struct {
	// APIKey is the long-lived key. When empty every mint fails with
	// [secret.ErrCredentialUnavailable].
	APIKey string

	// BaseURL overrides [DefaultUpstreamURL].
	BaseURL string

	Organization string

	// Timeout bounds one upstream call. Default: 10s.
	Timeout time.Duration

	// HTTPClient replaces the default otelhttp-instrumented client.
	HTTPClient *http.Client

	// Breaker guards the upstream call. Nil disables it.
	Breaker *resilience.CircuitBreaker

	Metrics *observe.Metrics
}

// Minter mints short-lived client secrets through the realtime
// client_secrets endpoint. It is safe for concurrent use.
type Minter struct {
	client     oai.Client
	configured bool
	timeout    time.Duration
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
}

// NewMinter creates a Minter.
func NewMinter(cfg MinterConfig) *Minter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultUpstreamURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(strings.TrimRight(base, "/") + "/"),
		option.WithHTTPClient(hc),
		// The breaker decides when to stop hammering upstream.
		option.WithMaxRetries(0),
	}
	if cfg.Organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.Organization))
	}

	return &Minter{
		client:     oai.NewClient(reqOpts...),
		configured: cfg.APIKey != "",
		timeout:    cfg.Timeout,
		breaker:    cfg.Breaker,
		metrics:    cfg.Metrics,
	}
}

// Configured reports whether an API key is set.
func (m *Minter) Configured() bool { return m.configured }

// Mint returns a fresh client secret. Errors match
// [secret.ErrCredentialUnavailable] when no key is configured and
// [secret.ErrUpstreamMint] otherwise.
func (m *Minter) Mint(ctx context.Context) (string, error) {
	ctx, span := observe.Tracer().Start(ctx, "relay.mint", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if !m.configured {
		m.record(ctx, "unconfigured")
		return "", secret.ErrCredentialUnavailable
	}

	var s string
	call := func() error {
		var err error
		s, err = m.mint(ctx)
		return err
	}
	var err error
	if m.breaker != nil {
		err = m.breaker.Execute(call)
	} else {
		err = call()
	}

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		m.record(ctx, "circuit_open")
		return "", fmt.Errorf("%w: %w", secret.ErrUpstreamMint, err)
	case err != nil:
		m.record(ctx, "upstream_error")
		return "", err
	}
	m.record(ctx, "ok")
	return s, nil
}

func (m *Minter) mint(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var raw []byte
	if err := m.client.Post(ctx, "realtime/client_secrets", map[string]any{}, &raw); err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: status %d: %s", secret.ErrUpstreamMint, apiErr.StatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("%w: %w", secret.ErrUpstreamMint, err)
	}
	s, ok := secret.Extract(raw)
	if !ok {
		return "", fmt.Errorf("%w: unrecognized response shape", secret.ErrUpstreamMint)
	}
	return s, nil
}

// retryAfter is how long a client should wait after err, at least a
// second; zero unless the breaker is rejecting calls.
func (m *Minter) retryAfter(err error) time.Duration {
	if m.breaker == nil || !errors.Is(err, resilience.ErrCircuitOpen) {
		return 0
	}
	return max(m.breaker.RetryAfter(), time.Second)
}

func (m *Minter) record(ctx context.Context, outcome string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("voxbridge.mint.outcome", outcome))
	if outcome != "ok" {
		span.SetStatus(codes.Error, outcome)
	}
	if m.metrics != nil {
		m.metrics.RecordMint(ctx, outcome)
	}
}

type mintResponse struct {
	ClientSecret string `json:"client_secret"`
}

// ServeHTTP handles POST /api/realtime/client-secret.
//
//	200  {"client_secret": "..."}
//	500  no API key configured
//	502  upstream failure or unrecognized response
func (m *Minter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := m.Mint(ctx)
	switch {
	case errors.Is(err, secret.ErrCredentialUnavailable):
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Missing OPENAI_API_KEY"})
	case err != nil:
		observe.Logger(ctx).Error("relay: mint client secret", "err", err)
		if wait := m.retryAfter(err); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)))
		}
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, mintResponse{ClientSecret: s})
	}
}
