package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// WatchEvent is the subset of an event-log record the dashboard renders.
// Defined here rather than importing internal/eventlog directly, so this
// package stays free of a dependency on session-engine internals.
type WatchEvent struct {
	Timestamp time.Time
	Level     string
	Kind      string
	Feature   *int
}

// WatchSnapshot is one poll's worth of state for the dashboard to render.
type WatchSnapshot struct {
	State      string
	NextPrompt string
	Session    int
	LockPID    int // 0 if unlocked
	Events     []WatchEvent
	Err        error
}

// RefreshFunc polls the engine's on-disk state for a new snapshot.
type RefreshFunc func() WatchSnapshot

type tickMsg time.Time

type snapshotMsg WatchSnapshot

// WatchModel is the bubbletea model backing `ratchet watch`.
type WatchModel struct {
	styles   Styles
	refresh  RefreshFunc
	interval time.Duration
	spinner  spinner.Model
	snap     WatchSnapshot
	width    int
}

// NewWatchModel returns a dashboard model that polls refresh every
// interval.
func NewWatchModel(styles Styles, refresh RefreshFunc, interval time.Duration) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner
	return WatchModel{styles: styles, refresh: refresh, interval: interval, spinner: sp}
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.pollCmd(), tea.EnterAltScreen)
}

func (m WatchModel) pollCmd() tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(m.refresh())
	}
}

func (m WatchModel) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
		return m, nil
	case tickMsg:
		return m, m.pollCmd()
	case snapshotMsg:
		m.snap = WatchSnapshot(msg)
		return m, m.tickCmd()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m WatchModel) View() string {
	header := m.styles.Header.Width(max(m.width, 40)).Render(fmt.Sprintf("%s ratchet watch", m.spinner.View()))

	if m.snap.Err != nil {
		return header + "\n\n" + m.styles.Error.Render(m.snap.Err.Error()) + "\n"
	}

	body := fmt.Sprintf("%s %s   %s %d   %s %s\n",
		m.styles.Bold.Render("state:"), m.styles.StateBadge.Render(m.snap.State),
		m.styles.Bold.Render("session:"), m.snap.Session,
		m.styles.Bold.Render("next:"), m.snap.NextPrompt,
	)
	if m.snap.LockPID != 0 {
		body += m.styles.Warning.Render(fmt.Sprintf("locked by pid %d\n", m.snap.LockPID))
	}
	body += "\n" + m.styles.Subtitle.Render("recent events") + "\n"
	for _, ev := range m.snap.Events {
		line := fmt.Sprintf("%s [%s] %s", ev.Timestamp.Format("15:04:05"), ev.Level, ev.Kind)
		if ev.Feature != nil {
			line += fmt.Sprintf(" feature=%d", *ev.Feature)
		}
		body += m.styles.EventLine.Render(line) + "\n"
	}

	footer := m.styles.Footer.Render("q to quit")
	return header + "\n" + m.styles.Content.Render(body) + "\n" + footer
}
