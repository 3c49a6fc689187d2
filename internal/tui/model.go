// Package tui renders the voice client in the terminal with bubbletea.
//
// The [Model] is a read-only view over [turns.State] plus three commands:
// space toggles the session, i interrupts the agent and q quits. State
// changes arrive as [RefreshMsg], sent by the aggregator's change hook
// through a [Notifier]; a slow ticker additionally refreshes the view so
// toasts expire on time.
package tui

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/turns"
)

const refreshInterval = 250 * time.Millisecond

// Controller is the session lifecycle the view drives.
// [app.SessionManager] implements it.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Interrupt() error
	Status() app.Status
}

// Source supplies the state to render. [turns.Aggregator] implements it.
type Source interface {
	Snapshot() turns.State
}

// RefreshMsg asks the model to re-read its [Source].
type RefreshMsg struct{}

// StatusMsg reports a lifecycle change.
type StatusMsg app.Status

type tickMsg time.Time

// resultMsg carries the outcome of a controller call.
type resultMsg struct {
	op  string
	err error
}

// Notifier forwards aggregator changes to a running program. It may be
// created before the program exists; messages sent before Attach are
// dropped.
type Notifier struct {
	p atomic.Pointer[tea.Program]
}

// Attach starts forwarding to p.
func (n *Notifier) Attach(p *tea.Program) { n.p.Store(p) }

// Refresh is suitable for [turns.WithChangeHook].
func (n *Notifier) Refresh() { n.send(RefreshMsg{}) }

// Status is suitable for app.SessionManagerConfig.OnStatus.
func (n *Notifier) Status(s app.Status) { n.send(StatusMsg(s)) }

func (n *Notifier) send(msg tea.Msg) {
	if p := n.p.Load(); p != nil {
		// Send blocks until the program reads the message; never block the
		// caller's event pump on a busy UI.
		go p.Send(msg)
	}
}

// Model is the bubbletea model of the client.
type Model struct {
	ctx   context.Context
	ctrl  Controller
	src   Source
	title string

	state   turns.State
	status  app.Status
	lastErr string

	spinner  spinner.Model
	viewport viewport.Model
	width    int
	height   int
	ready    bool
	quitting bool
}

// New returns a model driving ctrl and rendering src. title is shown in
// the header, e.g. the agent name and transport.
func New(ctx context.Context, ctrl Controller, src Source, title string) Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.busy))
	return Model{
		ctx:      ctx,
		ctrl:     ctrl,
		src:      src,
		title:    title,
		state:    src.Snapshot(),
		status:   ctrl.Status(),
		spinner:  sp,
		viewport: viewport.New(80, 12),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-chromeHeight, 3)
		m.ready = true
		m.syncViewport()
		return m, nil

	case RefreshMsg:
		m.state = m.src.Snapshot()
		m.syncViewport()
		return m, nil

	case StatusMsg:
		// Notifications may arrive out of order; the controller is the
		// source of truth.
		m.status = m.ctrl.Status()
		if m.status != app.StatusIdle {
			m.lastErr = ""
		}
		return m, nil

	case tickMsg:
		m.state = m.src.Snapshot()
		m.status = m.ctrl.Status()
		m.syncViewport()
		return m, tick()

	case resultMsg:
		if msg.err != nil {
			m.lastErr = msg.op + ": " + msg.err.Error()
		}
		m.status = m.ctrl.Status()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "q", "ctrl+c":
		m.quitting = true
		ctrl := m.ctrl
		return m, func() tea.Msg {
			_ = ctrl.Stop()
			return tea.Quit()
		}
	case " ":
		ctrl, ctx := m.ctrl, m.ctx
		if m.status == app.StatusIdle {
			m.lastErr = ""
			return m, func() tea.Msg { return resultMsg{op: "start", err: ctrl.Start(ctx)} }
		}
		return m, func() tea.Msg { return resultMsg{op: "stop", err: ctrl.Stop()} }
	case "i":
		ctrl := m.ctrl
		return m, func() tea.Msg { return resultMsg{op: "interrupt", err: ctrl.Interrupt()} }
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(k)
	return m, cmd
}

func (m *Model) syncViewport() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(renderMessages(m.state, m.contentWidth()))
	if atBottom || !m.ready {
		m.viewport.GotoBottom()
	}
}

func (m Model) contentWidth() int {
	if m.width <= 0 {
		return 80
	}
	return m.width
}
