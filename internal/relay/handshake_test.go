package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/voxbridge/internal/relay"
)

const testOffer = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// upstreamCall records one request received by the fake calls endpoint.
type upstreamCall struct {
	path, query, auth, contentType, sdk, body string
}

// fakeUpstream is a stand-in for the realtime calls endpoint.
type fakeUpstream struct {
	mu     sync.Mutex
	calls  []upstreamCall
	status int
	body   string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, upstreamCall{
		path:        r.URL.Path,
		query:       r.URL.RawQuery,
		auth:        r.Header.Get("Authorization"),
		contentType: r.Header.Get("Content-Type"),
		sdk:         r.Header.Get(relay.HeaderAgentsSDK),
		body:        string(b),
	})
	status, body := f.status, f.body
	f.mu.Unlock()
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (f *fakeUpstream) Calls() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

func newRelay(t *testing.T, up *fakeUpstream) *relay.Handshake {
	t.Helper()
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)
	return relay.NewHandshake(
		relay.WithUpstreamURL(srv.URL+"/v1/"),
		relay.WithModel("gpt-realtime"),
		relay.WithHTTPClient(srv.Client()),
	)
}

func postOffer(h http.Handler, auth, sdk, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, relay.PathHandshake, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if sdk != "" {
		req.Header.Set(relay.HeaderAgentsSDK, sdk)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandshake_ForwardsOffer(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{status: http.StatusCreated, body: "v=0\r\ns=answer\r\n"}
	h := newRelay(t, up)

	rec := postOffer(h, "Bearer ek_123", "voxbridge", testOffer)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/sdp" {
		t.Errorf("Content-Type = %q, want application/sdp", ct)
	}
	if got := rec.Body.String(); got != "v=0\r\ns=answer\r\n" {
		t.Errorf("answer = %q", got)
	}

	calls := up.Calls()
	if len(calls) != 1 {
		t.Fatalf("upstream calls = %d, want 1", len(calls))
	}
	c := calls[0]
	if c.path != "/v1/realtime/calls" || c.query != "model=gpt-realtime" {
		t.Errorf("upstream URL = %s?%s", c.path, c.query)
	}
	if c.auth != "Bearer ek_123" {
		t.Errorf("Authorization = %q", c.auth)
	}
	if c.contentType != "application/sdp" {
		t.Errorf("Content-Type = %q", c.contentType)
	}
	if c.sdk != "voxbridge" {
		t.Errorf("%s = %q", relay.HeaderAgentsSDK, c.sdk)
	}
	if c.body != testOffer {
		t.Errorf("offer = %q", c.body)
	}
}

func TestHandshake_OmitsAbsentSDKHeader(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{status: http.StatusOK, body: "v=0\r\n"}
	h := newRelay(t, up)

	if rec := postOffer(h, "Bearer ek", "", testOffer); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if sdk := up.Calls()[0].sdk; sdk != "" {
		t.Errorf("%s forwarded as %q, want absent", relay.HeaderAgentsSDK, sdk)
	}
}

func TestHandshake_RejectsLocally(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		auth   string
		body   string
		status int
	}{
		{"missing authorization", "", testOffer, http.StatusUnauthorized},
		{"not an offer", "Bearer ek", `{"sdp":"nope"}`, http.StatusBadRequest},
		{"empty body", "Bearer ek", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			up := &fakeUpstream{status: http.StatusOK}
			h := newRelay(t, up)

			rec := postOffer(h, tt.auth, "", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Errorf("body = %q, want JSON error", rec.Body.String())
			}
			if n := len(up.Calls()); n != 0 {
				t.Errorf("upstream called %d times, want 0", n)
			}
		})
	}
}

func TestHandshake_PassesUpstreamErrorVerbatim(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{status: http.StatusTooManyRequests, body: `{"error":"rate_limited"}`}
	h := newRelay(t, up)

	rec := postOffer(h, "Bearer ek", "", testOffer)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Body.String(); got != `{"error":"rate_limited"}` {
		t.Errorf("body = %q, want upstream body verbatim", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestHandshake_EmptyUpstreamErrorBody(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{status: http.StatusServiceUnavailable}
	h := newRelay(t, up)

	rec := postOffer(h, "Bearer ek", "", testOffer)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	if body.Error != "Upstream error" || body.Status != 503 {
		t.Errorf("body = %+v", body)
	}
}

func TestHandshake_UpstreamUnreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	h := relay.NewHandshake(relay.WithUpstreamURL(u))

	rec := postOffer(h, "Bearer ek_secret_value", "", testOffer)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "ek_secret_value") {
		t.Error("error body leaks the credential")
	}
}

func TestHandshake_Forward(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{status: http.StatusUnauthorized, body: `{"error":{"message":"bad key"}}`}
	h := newRelay(t, up)

	_, err := h.Forward(context.Background(), "Bearer ek", "", []byte(testOffer))
	if !errors.Is(err, relay.ErrHandshakeRejected) {
		t.Fatalf("err = %v, want ErrHandshakeRejected", err)
	}
	var he *relay.HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("err = %T, want *HandshakeError", err)
	}
	if he.Status != http.StatusUnauthorized || string(he.Body) != `{"error":{"message":"bad key"}}` {
		t.Errorf("HandshakeError = %d %q", he.Status, he.Body)
	}
}
