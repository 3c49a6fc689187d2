package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/turns"
	"github.com/MrWong99/voxbridge/pkg/realtime"
)

// activityLines is how many activity entries the footer shows.
const activityLines = 4

// chromeHeight is every line outside the message viewport: header,
// indicators, two rules, activity, toasts, error and help.
const chromeHeight = 2 + 2 + activityLines + 3

var styles = struct {
	title, dim, busy, ok, warn, bad, user, agent, meta, badgeOn, badgeOff, rule lipgloss.Style
}{
	title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
	dim:      lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	busy:     lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	ok:       lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	warn:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	bad:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	user:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
	agent:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
	meta:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true),
	badgeOn:  lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("10")),
	badgeOff: lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("8")).Background(lipgloss.Color("236")),
	rule:     lipgloss.NewStyle().Foreground(lipgloss.Color("238")),
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return "Stopping session…\n"
	}
	w := m.contentWidth()
	rule := styles.rule.Render(strings.Repeat("─", w))

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteByte('\n')
	b.WriteString(indicators(m.state))
	b.WriteByte('\n')
	b.WriteString(rule)
	b.WriteByte('\n')
	b.WriteString(m.viewport.View())
	b.WriteByte('\n')
	b.WriteString(rule)
	b.WriteByte('\n')
	b.WriteString(renderActivity(m.state.Activity, activityLines))
	b.WriteString(renderToasts(m.state.Toasts))
	b.WriteByte('\n')
	if m.lastErr != "" {
		b.WriteString(styles.bad.Render(m.lastErr))
	} else if m.state.LastError != "" {
		b.WriteString(styles.bad.Render("error: " + m.state.LastError))
	}
	b.WriteByte('\n')
	b.WriteString(styles.dim.Render(m.help()))
	return b.String()
}

func (m Model) header() string {
	status := m.status.String()
	switch m.status {
	case app.StatusMintingSecret, app.StatusConnecting:
		status = m.spinner.View() + " " + styles.busy.Render(status)
	case app.StatusConnected:
		status = styles.ok.Render("● " + status)
	default:
		status = styles.dim.Render("○ " + status)
	}
	conn := styles.dim.Render("transport " + m.state.Connection.String())
	return lipgloss.JoinHorizontal(lipgloss.Top,
		styles.title.Render(m.title), "  ", status, "  ", conn)
}

func (m Model) help() string {
	action := "start"
	if m.status != app.StatusIdle {
		action = "stop"
	}
	return fmt.Sprintf("space %s · i interrupt · ↑/↓ scroll · q quit", action)
}

func badge(label string, on bool) string {
	if on {
		return styles.badgeOn.Render(label)
	}
	return styles.badgeOff.Render(label)
}

func indicators(s turns.State) string {
	parts := []string{
		badge("listening", s.Listening),
		badge("speaking", s.Speaking),
		badge("thinking", s.Thinking),
		badge("interrupted", s.Interrupted),
		styles.dim.Render(s.Phase.String()),
	}
	if s.HasLastLatency {
		parts = append(parts, styles.dim.Render("first audio "+formatDuration(s.LastLatency)))
	}
	return strings.Join(parts, " ")
}

// renderMessages lays out the conversation with each assistant message's
// telemetry underneath.
func renderMessages(s turns.State, width int) string {
	if len(s.Messages) == 0 {
		return styles.dim.Render("Press space to start talking.")
	}
	textWidth := max(width-2, 20)

	var b strings.Builder
	for i, msg := range s.Messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		label := styles.user.Render("You")
		if msg.Role == realtime.RoleAssistant {
			label = styles.agent.Render("Agent")
		}
		b.WriteString(label)
		if msg.Status == realtime.StatusInProgress {
			b.WriteString(styles.dim.Render(" …"))
		}
		b.WriteByte('\n')

		text := msg.Text
		if strings.TrimSpace(text) == "" {
			text = styles.dim.Render("(no transcript)")
		}
		b.WriteString(indent(wordwrap.String(text, textWidth), "  "))
		b.WriteByte('\n')

		if meta, ok := s.Meta[msg.ID]; ok {
			for _, line := range metaLines(meta) {
				b.WriteString("  " + styles.meta.Render(line) + "\n")
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func metaLines(m turns.Meta) []string {
	var summary []string
	if m.HasLatency {
		summary = append(summary, "first audio "+formatDuration(m.Latency))
	}
	if m.Usage != nil {
		summary = append(summary, formatUsage(*m.Usage))
	}
	if m.Interrupted {
		summary = append(summary, "interrupted ("+m.InterruptedCause+")")
	}
	if m.OutputCleared != "" {
		summary = append(summary, "output cleared ("+m.OutputCleared+")")
	}

	var lines []string
	if len(summary) > 0 {
		lines = append(lines, strings.Join(summary, " · "))
	}
	if h := m.Handoff; h != nil {
		lines = append(lines, fmt.Sprintf("handoff %s → %s", h.From, h.To))
	}
	for _, st := range m.Steps {
		line := fmt.Sprintf("%s %s [%s]", st.Kind, st.Name, st.Status)
		if st.Text != "" {
			line += " " + st.Text
		}
		lines = append(lines, line)
	}
	return lines
}

func formatUsage(u realtime.Usage) string {
	s := fmt.Sprintf("tokens in %d / out %d", u.InputTokens, u.OutputTokens)
	if u.CachedTokens > 0 {
		s += fmt.Sprintf(" (cached %d)", u.CachedTokens)
	}
	return s
}

func renderActivity(log []turns.Activity, n int) string {
	start := max(len(log)-n, 0)
	var b strings.Builder
	for i := range n {
		idx := start + i
		if idx < len(log) {
			a := log[idx]
			line := a.At.Format("15:04:05") + " " + a.Text
			if a.Duration > 0 {
				line += " (" + formatDuration(a.Duration) + ")"
			}
			b.WriteString(activityStyle(a.Kind).Render(line))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func activityStyle(k turns.ActivityKind) lipgloss.Style {
	switch k {
	case turns.ActivitySuccess:
		return styles.ok
	case turns.ActivityError:
		return styles.bad
	case turns.ActivityInterrupt:
		return styles.warn
	default:
		return styles.dim
	}
}

func renderToasts(toasts []turns.Toast) string {
	parts := make([]string, 0, len(toasts))
	for _, t := range toasts {
		st := styles.dim
		switch t.Kind {
		case turns.ToastSuccess:
			st = styles.ok
		case turns.ToastError:
			st = styles.bad
		}
		parts = append(parts, st.Render("▸ "+t.Text))
	}
	return strings.Join(parts, "  ")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
