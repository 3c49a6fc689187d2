// Package relay implements the server side of connection setup: minting
// short-lived client secrets with the long-lived API key, and relaying SDP
// offer/answer handshakes to the realtime calls endpoint. Browsers and
// terminal clients talk only to the relay, so the API key never leaves the
// server.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/voxbridge/internal/observe"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrHandshakeRejected is matched by every [*HandshakeError].
var ErrHandshakeRejected = errors.New("relay: handshake rejected")

// HandshakeError is a refused handshake. Body holds the upstream response
// verbatim when the refusal came from upstream.
type HandshakeError struct {
	Status int
	Body   []byte
}

func (e *HandshakeError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("relay: handshake rejected: status %d", e.Status)
	}
	return fmt.Sprintf("relay: handshake rejected: status %d: %s", e.Status, truncate(e.Body, 256))
}

// Unwrap lets errors.Is match [ErrHandshakeRejected].
func (e *HandshakeError) Unwrap() error { return ErrHandshakeRejected }

// HeaderAgentsSDK is the one client identification header forwarded
// upstream unchanged.
const HeaderAgentsSDK = "X-OpenAI-Agents-SDK"

const (
	// DefaultUpstreamURL is the API base the relay forwards to.
	DefaultUpstreamURL = "https://api.openai.com/v1"

	// DefaultModel is the realtime model requested for relayed calls.
	DefaultModel = "gpt-realtime"

	// maxOffer bounds inbound offers and upstream answers.
	maxOffer = 1 << 20
)

// HandshakeOption configures a [Handshake].
type HandshakeOption func(*Handshake)

// WithUpstreamURL overrides [DefaultUpstreamURL].
func WithUpstreamURL(u string) HandshakeOption {
	return func(h *Handshake) { h.upstream = strings.TrimRight(u, "/") }
}

// WithModel overrides [DefaultModel].
func WithModel(m string) HandshakeOption {
	return func(h *Handshake) { h.model = m }
}

// WithHTTPClient sets the client used for upstream calls. Its transport is
// not wrapped; callers that want tracing wrap it themselves.
func WithHTTPClient(c *http.Client) HandshakeOption {
	return func(h *Handshake) { h.client = c }
}

// WithHandshakeMetrics reports relayed handshakes to m.
func WithHandshakeMetrics(m *observe.Metrics) HandshakeOption {
	return func(h *Handshake) { h.metrics = m }
}

// Handshake relays SDP offers to <upstream>/realtime/calls. It is an
// [http.Handler] for POST /api/realtime/handshake and is safe for
// concurrent use.
type Handshake struct {
	upstream string
	model    string
	client   *http.Client
	metrics  *observe.Metrics
}

// NewHandshake creates a relay. The default client carries otelhttp
// instrumentation so upstream calls join the inbound request's trace.
func NewHandshake(opts ...HandshakeOption) *Handshake {
	h := &Handshake{
		upstream: DefaultUpstreamURL,
		model:    DefaultModel,
	}
	for _, o := range opts {
		o(h)
	}
	if h.client == nil {
		h.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return h
}

// Forward sends offer upstream with the caller's Authorization value and
// returns the SDP answer. A non-2xx upstream response is returned as a
// [*HandshakeError] carrying the upstream status and body. Any other
// error is a transport failure.
func (h *Handshake) Forward(ctx context.Context, authorization, sdkHeader string, offer []byte) ([]byte, error) {
	u := h.upstream + "/realtime/calls?model=" + url.QueryEscape(h.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(offer))
	if err != nil {
		return nil, fmt.Errorf("relay: build upstream request: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Content-Type", "application/sdp")
	if sdkHeader != "" {
		req.Header.Set(HeaderAgentsSDK, sdkHeader)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: upstream request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOffer))
	if err != nil {
		return nil, fmt.Errorf("relay: read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HandshakeError{Status: resp.StatusCode, Body: body}
	}
	return body, nil
}

// ServeHTTP handles POST /api/realtime/handshake.
//
//	401  no Authorization header
//	400  body is not an SDP offer
//	200  upstream answer, application/sdp
//	xxx  upstream status and body verbatim on upstream refusal
//	500  upstream unreachable
func (h *Handshake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	auth := r.Header.Get("Authorization")
	if auth == "" {
		h.record(ctx, http.StatusUnauthorized)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Missing Authorization header"})
		return
	}

	offer, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOffer))
	if err != nil || !bytes.Contains(offer, []byte("v=")) {
		h.record(ctx, http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid SDP offer"})
		return
	}

	answer, err := h.Forward(ctx, auth, r.Header.Get(HeaderAgentsSDK), offer)
	var rejected *HandshakeError
	switch {
	case errors.As(err, &rejected):
		h.record(ctx, rejected.Status)
		log.Warn("relay: upstream rejected handshake", "status", rejected.Status)
		if len(rejected.Body) == 0 {
			writeJSON(w, rejected.Status, upstreamErrorBody{Error: "Upstream error", Status: rejected.Status})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rejected.Status)
		_, _ = w.Write(rejected.Body)
		return

	case err != nil:
		h.record(ctx, http.StatusInternalServerError)
		log.Error("relay: handshake failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}

	h.record(ctx, http.StatusOK)
	log.Info("relay: handshake forwarded", "answer_bytes", len(answer))
	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(answer)
}

func (h *Handshake) record(ctx context.Context, status int) {
	if h.metrics != nil {
		h.metrics.RecordHandshake(ctx, status)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

type upstreamErrorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
