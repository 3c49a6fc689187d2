package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/internal/secret"
)

// mintUpstream serves POST /v1/realtime/client_secrets with a fixed reply.
func mintUpstream(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/realtime/client_secrets" {
			t.Errorf("upstream request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		b, _ := io.ReadAll(r.Body)
		if strings.TrimSpace(string(b)) != "{}" {
			t.Errorf("request body = %q, want {}", b)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newMinter(srv *httptest.Server, key string, br *resilience.CircuitBreaker) *relay.Minter {
	return relay.NewMinter(relay.MinterConfig{
		APIKey:     key,
		BaseURL:    srv.URL + "/v1",
		HTTPClient: srv.Client(),
		Timeout:    5 * time.Second,
		Breaker:    br,
	})
}

func TestMinter_Shapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"GA shape", `{"value":"ek_ga","expires_at":1760000000,"session":{"type":"realtime"}}`, "ek_ga"},
		{"nested client_secret", `{"client_secret":{"value":"ek_nested","expires_at":1}}`, "ek_nested"},
		{"flat client_secret", `{"client_secret":"ek_flat"}`, "ek_flat"},
		{"secret", `{"secret":"ek_secret"}`, "ek_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := mintUpstream(t, http.StatusOK, tt.body)
			m := newMinter(srv, "sk-test", nil)

			got, err := m.Mint(context.Background())
			if err != nil {
				t.Fatalf("Mint: %v", err)
			}
			if got != tt.want {
				t.Errorf("secret = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMinter_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		status  int
		body    string
		wantErr error
		calls   int32
	}{
		{"no key", "", http.StatusOK, `{"value":"ek"}`, secret.ErrCredentialUnavailable, 0},
		{"upstream 401", "sk-test", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`, secret.ErrUpstreamMint, 1},
		{"upstream 500", "sk-test", http.StatusInternalServerError, `{"error":{"message":"boom"}}`, secret.ErrUpstreamMint, 1},
		{"unknown shape", "sk-test", http.StatusOK, `{"token":"ek"}`, secret.ErrUpstreamMint, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, calls := mintUpstream(t, tt.status, tt.body)
			m := newMinter(srv, tt.key, nil)

			_, err := m.Mint(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.calls {
				t.Errorf("upstream calls = %d, want %d", got, tt.calls)
			}
		})
	}
}

func TestMinter_BreakerOpens(t *testing.T) {
	t.Parallel()
	srv, calls := mintUpstream(t, http.StatusInternalServerError, `{"error":{"message":"down"}}`)
	br := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "mint", MaxFailures: 2, ResetTimeout: time.Hour,
	})
	m := newMinter(srv, "sk-test", br)

	for range 3 {
		_, err := m.Mint(context.Background())
		if !errors.Is(err, secret.ErrUpstreamMint) {
			t.Fatalf("err = %v, want ErrUpstreamMint", err)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2 (third rejected by the breaker)", got)
	}
	if br.State() != resilience.StateOpen {
		t.Errorf("breaker = %v, want open", br.State())
	}

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, relay.PathClientSecret, nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "3600" {
		t.Errorf("Retry-After = %q, want 3600", got)
	}
}

func TestMinter_ServeHTTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		key        string
		status     int
		body       string
		wantStatus int
		wantSecret string
	}{
		{"ok", "sk-test", http.StatusOK, `{"value":"ek_ok"}`, http.StatusOK, "ek_ok"},
		{"unconfigured", "", http.StatusOK, `{}`, http.StatusInternalServerError, ""},
		{"upstream failure", "sk-test", http.StatusBadRequest, `{"error":{"message":"nope"}}`, http.StatusBadGateway, ""},
		{"unrecognized shape", "sk-test", http.StatusOK, `{"id":"sess_1"}`, http.StatusBadGateway, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := mintUpstream(t, tt.status, tt.body)
			s := relay.NewServer(relay.NewHandshake(), newMinter(srv, tt.key, nil))

			req := httptest.NewRequest(http.MethodPost, relay.PathClientSecret, nil)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %q", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode %q: %v", rec.Body.String(), err)
			}
			if tt.wantSecret != "" {
				if body["client_secret"] != tt.wantSecret {
					t.Errorf("client_secret = %q, want %q", body["client_secret"], tt.wantSecret)
				}
				return
			}
			if body["error"] == "" {
				t.Errorf("body = %v, want error message", body)
			}
			if strings.Contains(rec.Body.String(), "sk-test") {
				t.Error("response leaks the API key")
			}
		})
	}
}

func TestServer_RoutesRejectOtherMethods(t *testing.T) {
	t.Parallel()
	s := relay.NewServer(relay.NewHandshake(), relay.NewMinter(relay.MinterConfig{}))

	for _, path := range []string{relay.PathHandshake, relay.PathClientSecret} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s = %d, want 405", path, rec.Code)
		}
	}
}
