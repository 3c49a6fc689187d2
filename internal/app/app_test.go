package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
)

// fakeOpenAI answers both upstream endpoints the relay talks to.
func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/realtime/calls":
			w.Header().Set("Content-Type", "application/sdp")
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, "v=0\r\no=answer\r\n")
		case "/v1/realtime/client_secrets":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"value":"ek_app_test","expires_at":1}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testConfig(upstream, apiKey string) *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		OpenAI: config.OpenAIConfig{APIKey: apiKey, BaseURL: upstream + "/v1"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newApp(t *testing.T, apiKey string, opts ...app.Option) (*app.App, *httptest.Server) {
	t.Helper()
	up := fakeOpenAI(t)
	opts = append([]app.Option{
		app.WithMetrics(testMetrics(t)),
		app.WithUpstreamClient(up.Client()),
		app.WithoutMetricsEndpoint(),
	}, opts...)
	a, err := app.New(testConfig(up.URL, apiKey), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func TestNew_NilConfig(t *testing.T) {
	t.Parallel()
	if _, err := app.New(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestApp_ClientSecret(t *testing.T) {
	t.Parallel()
	_, srv := newApp(t, "sk-test")

	resp, err := http.Post(srv.URL+relay.PathClientSecret, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["client_secret"] != "ek_app_test" {
		t.Errorf("client_secret = %q", body["client_secret"])
	}
}

func TestApp_Handshake(t *testing.T) {
	t.Parallel()
	_, srv := newApp(t, "sk-test")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+relay.PathHandshake, strings.NewReader("v=0\r\no=offer\r\n"))
	req.Header.Set("Authorization", "Bearer ek_abc")
	req.Header.Set("Content-Type", "application/sdp")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, b)
	}
	if !strings.HasPrefix(string(b), "v=0") {
		t.Errorf("answer = %q", b)
	}
}

func TestApp_Probes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		apiKey    string
		path      string
		wantCode  int
		wantCheck string
	}{
		{"healthz", "", "/healthz", http.StatusOK, ""},
		{"ready", "sk-test", "/readyz", http.StatusOK, "ok"},
		{"not ready without key", "", "/readyz", http.StatusServiceUnavailable, "fail: OPENAI_API_KEY not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, srv := newApp(t, tt.apiKey)

			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if tt.wantCheck == "" {
				return
			}
			var body struct {
				Checks map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Checks["credential"] != tt.wantCheck {
				t.Errorf("credential = %q, want %q", body.Checks["credential"], tt.wantCheck)
			}
		})
	}
}

func TestApp_UnknownRoute(t *testing.T) {
	t.Parallel()
	_, srv := newApp(t, "sk-test")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /metrics without endpoint = %d, want 404", resp.StatusCode)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := newApp(t, "sk-test", app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// A second shutdown is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
