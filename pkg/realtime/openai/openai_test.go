package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/pkg/realtime"
	"github.com/MrWong99/voxbridge/pkg/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into a map.
func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return nil
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
	return v
}

// writeRaw sends msg as a text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

// waitFor drains events until one of kind arrives.
func waitFor(t *testing.T, sess realtime.Session, kind string) realtime.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-sess.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", kind)
			}
			if e.Kind() == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func dial(t *testing.T, srv *httptest.Server, cfg realtime.SessionConfig) realtime.Session {
	t.Helper()
	d := openai.NewDialer(openai.WithBaseURL(wsURL(srv)))
	sess, err := d.Dial(context.Background(), "ek_test", cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestDialer_Mode(t *testing.T) {
	t.Parallel()
	if m := openai.NewDialer().Mode(); m != realtime.ModeWebSocket {
		t.Errorf("Mode = %v, want websocket", m)
	}
}

func TestDial_SendsAuthAndSessionUpdate(t *testing.T) {
	t.Parallel()

	type seen struct {
		auth, beta, model string
		update            map[string]any
	}
	got := make(chan seen, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		s := seen{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		s.update = readJSON(t, conn)
		got <- s
		<-conn.CloseRead(context.Background()).Done()
	})

	dial(t, srv, realtime.SessionConfig{
		Model:         "gpt-realtime-mini",
		Voice:         "verse",
		TurnDetection: realtime.BuildTurnDetection(realtime.DefaultKnobs()),
	})

	select {
	case s := <-got:
		if s.auth != "Bearer ek_test" {
			t.Errorf("Authorization = %q", s.auth)
		}
		if s.beta != "" {
			t.Errorf("OpenAI-Beta = %q, want none", s.beta)
		}
		if s.model != "gpt-realtime-mini" {
			t.Errorf("model = %q", s.model)
		}
		if s.update["type"] != "session.update" {
			t.Fatalf("first message = %v", s.update)
		}
		sess := s.update["session"].(map[string]any)
		if sess["type"] != "realtime" {
			t.Errorf("session.type = %v", sess["type"])
		}
		out := sess["audio"].(map[string]any)["output"].(map[string]any)
		if out["voice"] != "verse" {
			t.Errorf("voice = %v", out["voice"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestDial_EmptySecret(t *testing.T) {
	t.Parallel()
	if _, err := openai.NewDialer().Dial(context.Background(), "", realtime.SessionConfig{}); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestDial_CancelledContext(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(*websocket.Conn, *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := openai.NewDialer(openai.WithBaseURL(wsURL(srv))).Dial(ctx, "ek", realtime.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestSession_ConnectionStates(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := dial(t, srv, realtime.SessionConfig{})

	for _, want := range []realtime.ConnectionState{realtime.Connecting, realtime.Connected} {
		e := waitFor(t, sess, "connection_change").(realtime.ConnectionChange)
		if e.State != want {
			t.Errorf("state = %v, want %v", e.State, want)
		}
	}
}

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 2)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn) // session.update
		received <- readJSON(t, conn)
		received <- readJSON(t, conn)
	})
	sess := dial(t, srv, realtime.SessionConfig{})

	pcm := []byte{0x01, 0x00, 0xff, 0x7f}
	if err := sess.SendAudio(pcm, realtime.SendOptions{Commit: true}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := <-received
	if msg["type"] != "input_audio_buffer.append" {
		t.Fatalf("type = %v", msg["type"])
	}
	if msg["audio"] != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("audio = %v", msg["audio"])
	}
	if msg := <-received; msg["type"] != "input_audio_buffer.commit" {
		t.Errorf("second message = %v", msg)
	}
}

func TestSendAudio_AfterClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := dial(t, srv, realtime.SessionConfig{})
	sess.Close()

	if err := sess.SendAudio([]byte{0, 0}, realtime.SendOptions{}); !errors.Is(err, realtime.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	if err := sess.Interrupt(); !errors.Is(err, realtime.ErrSessionClosed) {
		t.Errorf("Interrupt after Close = %v, want ErrSessionClosed", err)
	}
}

func TestSession_DeliversTurnEvents(t *testing.T) {
	t.Parallel()

	pcm := base64.StdEncoding.EncodeToString(make([]byte, 960))
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		writeRaw(t, conn, `{"type":"response.created","response":{"id":"resp_1"}}`)
		writeRaw(t, conn, `{"type":"response.output_audio.delta","response_id":"resp_1","item_id":"it_1","delta":"`+pcm+`"}`)
		writeRaw(t, conn, `{"type":"response.done","response":{"id":"resp_1","status":"completed","usage":{"input_tokens":5,"output_tokens":7}}}`)
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := dial(t, srv, realtime.SessionConfig{})

	a := waitFor(t, sess, "audio").(realtime.Audio)
	if len(a.Chunk.Samples) != 480 {
		t.Errorf("samples = %d, want 480", len(a.Chunk.Samples))
	}
	done := waitFor(t, sess, "turn_done").(realtime.TurnDone)
	if done.Usage == nil || done.Usage.InputTokens != 5 || done.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", done.Usage)
	}
}

func TestSession_ExecutesToolCalls(t *testing.T) {
	t.Parallel()

	replies := make(chan map[string]any, 2)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		writeRaw(t, conn, `{"type":"response.function_call_arguments.done","call_id":"call_1","name":"get_weather","arguments":"{\"city\":\"Paris\"}"}`)
		replies <- readJSON(t, conn)
		replies <- readJSON(t, conn)
	})

	var gotArgs string
	sess := dial(t, srv, realtime.SessionConfig{
		AgentName: "Demo",
		ToolHandler: func(_ context.Context, name, args string) (string, error) {
			gotArgs = args
			return `{"temp":21}`, nil
		},
	})

	waitFor(t, sess, "tool_start")
	end := waitFor(t, sess, "tool_end").(realtime.ToolEnd)
	if end.Result != `{"temp":21}` || end.Agent != "Demo" {
		t.Errorf("ToolEnd = %+v", end)
	}
	if gotArgs != `{"city":"Paris"}` {
		t.Errorf("handler args = %q", gotArgs)
	}

	item := <-replies
	if item["type"] != "conversation.item.create" {
		t.Fatalf("first reply = %v", item)
	}
	if out := item["item"].(map[string]any); out["call_id"] != "call_1" || out["output"] != `{"temp":21}` {
		t.Errorf("item = %v", out)
	}
	if r := <-replies; r["type"] != "response.create" {
		t.Errorf("second reply = %v", r)
	}
}

func TestSession_BargeInTruncates(t *testing.T) {
	t.Parallel()

	// One second of audio, so speech a moment later cuts it off.
	pcm := base64.StdEncoding.EncodeToString(make([]byte, 48000))
	truncate := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		writeRaw(t, conn, `{"type":"response.output_audio.delta","response_id":"r","item_id":"it_9","delta":"`+pcm+`"}`)
		writeRaw(t, conn, `{"type":"input_audio_buffer.speech_started","item_id":"u_1","audio_start_ms":10}`)
		truncate <- readJSON(t, conn)
	})
	sess := dial(t, srv, realtime.SessionConfig{})

	ev := waitFor(t, sess, "audio_interrupted").(realtime.AudioInterrupted)
	if ev.ItemID != "it_9" {
		t.Errorf("ItemID = %q", ev.ItemID)
	}

	msg := <-truncate
	if msg["type"] != "conversation.item.truncate" || msg["item_id"] != "it_9" {
		t.Errorf("truncate = %v", msg)
	}
	if ms := msg["audio_end_ms"].(float64); ms < 0 || ms >= 1000 {
		t.Errorf("audio_end_ms = %v, want within the item", ms)
	}
}

func TestInterrupt_SendsResponseCancel(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		got <- readJSON(t, conn)
	})
	sess := dial(t, srv, realtime.SessionConfig{})

	if err := sess.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	select {
	case msg := <-got:
		if msg["type"] != "response.cancel" {
			t.Errorf("type = %v", msg["type"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSession_ServerErrorIsNonFatal(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		writeRaw(t, conn, `{"type":"error","error":{"type":"invalid_request_error","code":"bad","message":"nope"}}`)
		writeRaw(t, conn, `{"type":"response.created","response":{"id":"resp_2"}}`)
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := dial(t, srv, realtime.SessionConfig{})

	e := waitFor(t, sess, "error").(realtime.ErrorEvent)
	if e.Code != "bad" || e.Message != "nope" {
		t.Errorf("error = %+v", e)
	}
	waitFor(t, sess, "turn_started")
}

func TestClose_IdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := dial(t, srv, realtime.SessionConfig{})

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("events channel not closed after Close")
		}
	}
}
