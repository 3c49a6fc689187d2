package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/turns"
	"github.com/MrWong99/voxbridge/pkg/realtime"
)

type fakeCtrl struct {
	mu         sync.Mutex
	status     app.Status
	starts     int
	stops      int
	interrupts int
	startErr   error
}

func (c *fakeCtrl) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.status = app.StatusConnected
	return nil
}

func (c *fakeCtrl) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.status = app.StatusIdle
	return nil
}

func (c *fakeCtrl) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupts++
	return nil
}

func (c *fakeCtrl) Status() app.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

type fakeSource struct{ state turns.State }

func (s *fakeSource) Snapshot() turns.State { return s.state }

func key(s string) tea.KeyMsg {
	switch s {
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press sends k, runs the returned command and feeds its result back.
func press(t *testing.T, m Model, k string) (Model, tea.Msg) {
	t.Helper()
	next, cmd := m.Update(key(k))
	if cmd == nil {
		t.Fatalf("key %q returned no command", k)
	}
	msg := cmd()
	if _, quit := msg.(tea.QuitMsg); quit {
		return next.(Model), msg
	}
	next, _ = next.Update(msg)
	return next.(Model), msg
}

func newModel() (Model, *fakeCtrl, *fakeSource) {
	ctrl := &fakeCtrl{}
	src := &fakeSource{}
	return New(context.Background(), ctrl, src, "voxbridge"), ctrl, src
}

func TestSpaceToggles(t *testing.T) {
	t.Parallel()
	m, ctrl, _ := newModel()

	m, _ = press(t, m, " ")
	if ctrl.starts != 1 || m.status != app.StatusConnected {
		t.Fatalf("after first space: starts=%d status=%v", ctrl.starts, m.status)
	}
	m, _ = press(t, m, " ")
	if ctrl.stops != 1 || m.status != app.StatusIdle {
		t.Fatalf("after second space: stops=%d status=%v", ctrl.stops, m.status)
	}
}

func TestStartErrorShown(t *testing.T) {
	t.Parallel()
	m, ctrl, _ := newModel()
	ctrl.startErr = errors.New("relay unreachable")

	m, _ = press(t, m, " ")
	if !strings.Contains(m.View(), "start: relay unreachable") {
		t.Errorf("view does not show the start error:\n%s", m.View())
	}
	if m.status != app.StatusIdle {
		t.Errorf("status = %v, want idle", m.status)
	}
}

func TestInterruptKey(t *testing.T) {
	t.Parallel()
	m, ctrl, _ := newModel()
	press(t, m, "i")
	if ctrl.interrupts != 1 {
		t.Errorf("interrupts = %d, want 1", ctrl.interrupts)
	}
}

func TestQuitStopsSession(t *testing.T) {
	t.Parallel()
	for _, k := range []string{"q", "ctrl+c"} {
		t.Run(k, func(t *testing.T) {
			t.Parallel()
			m, ctrl, _ := newModel()
			m, msg := press(t, m, k)
			if _, ok := msg.(tea.QuitMsg); !ok {
				t.Errorf("msg = %T, want tea.QuitMsg", msg)
			}
			if ctrl.stops != 1 {
				t.Errorf("stops = %d, want 1", ctrl.stops)
			}
			if !strings.Contains(m.View(), "Stopping") {
				t.Errorf("view = %q", m.View())
			}
		})
	}
}

func TestStatusMsgReadsController(t *testing.T) {
	t.Parallel()
	m, ctrl, _ := newModel()
	ctrl.status = app.StatusConnecting

	// A stale notification must not override the controller.
	next, _ := m.Update(StatusMsg(app.StatusMintingSecret))
	if got := next.(Model).status; got != app.StatusConnecting {
		t.Errorf("status = %v, want connecting", got)
	}
}

func TestRefreshRendersState(t *testing.T) {
	t.Parallel()
	m, _, src := newModel()
	m0, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m = m0.(Model)

	src.state = turns.State{
		Connection:     realtime.Connected,
		Speaking:       true,
		HasLastLatency: true,
		LastLatency:    420 * time.Millisecond,
		Messages: []turns.Message{
			{ID: "u1", Role: realtime.RoleUser, Text: "What's the weather?"},
			{ID: "a1", Role: realtime.RoleAssistant, Text: "Sunny all day.", Status: realtime.StatusInProgress},
		},
		Meta: map[string]turns.Meta{
			"a1": {
				Latency: 420 * time.Millisecond, HasLatency: true,
				Usage:            &realtime.Usage{InputTokens: 12, OutputTokens: 30, CachedTokens: 4},
				Interrupted:      true,
				InterruptedCause: turns.CauseBargeIn,
				Handoff:          &turns.HandoffRecord{From: "Assistant", To: "Billing"},
				Steps:            []turns.Step{{Kind: turns.StepTool, Name: "get_weather", Status: turns.StepDone}},
			},
		},
		Activity: []turns.Activity{{Kind: turns.ActivitySuccess, Text: "Connected", At: time.Now()}},
		Toasts:   []turns.Toast{{Kind: turns.ToastInfo, Text: "Listening"}},
	}
	m0, _ = m.Update(RefreshMsg{})
	m = m0.(Model)
	view := m.View()

	for _, want := range []string{
		"What's the weather?",
		"Sunny all day.",
		"first audio 420ms",
		"tokens in 12 / out 30 (cached 4)",
		"interrupted (barge-in)",
		"handoff Assistant → Billing",
		"tool get_weather [done]",
		"Connected",
		"Listening",
		"transport connected",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestEmptyConversationHint(t *testing.T) {
	t.Parallel()
	m, _, _ := newModel()
	if !strings.Contains(m.View(), "Press space to start talking.") {
		t.Errorf("view = %q", m.View())
	}
	if !strings.Contains(m.View(), "space start") {
		t.Error("help should offer start while idle")
	}
}

func TestNotifierBeforeAttachIsNoop(t *testing.T) {
	t.Parallel()
	var n Notifier
	n.Refresh()
	n.Status(app.StatusConnected)
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.50s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
