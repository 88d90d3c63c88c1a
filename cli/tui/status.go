package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/mrci/server"
)

// DefaultRefreshInterval is how often the status view polls the listener.
const DefaultRefreshInterval = 2 * time.Second

// StatusFeed is the data behind the status view.
type StatusFeed struct {
	Status *server.Status
	// Refresh fetches a new status. Nil shows a static snapshot.
	Refresh  func() (*server.Status, error)
	Interval time.Duration
}

type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
}

type tickMsg time.Time

type statusMsg struct {
	status *server.Status
	err    error
}

// StatusModel is a Bubble Tea model for the listener status.
type StatusModel struct {
	feed     StatusFeed
	status   *server.Status
	err      error
	sessions table.Model
	now      func() time.Time
	width    int
	height   int
	quitting bool
}

// NewStatusModel creates a status model showing feed.Status.
func NewStatusModel(feed StatusFeed) StatusModel {
	if feed.Interval <= 0 {
		feed.Interval = DefaultRefreshInterval
	}
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Session", Width: 14},
			{Title: "Client", Width: 18},
			{Title: "App", Width: 20},
			{Title: "Up", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(dim).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(strong).
		Background(accent)
	t.SetStyles(s)

	m := StatusModel{feed: feed, sessions: t, now: time.Now}
	m.setStatus(feed.Status)
	return m
}

func (m *StatusModel) setStatus(st *server.Status) {
	if st == nil {
		return
	}
	m.status = st
	now := m.now()
	rows := make([]table.Row, 0, len(st.Sessions))
	for _, s := range st.Sessions {
		id := s.ID
		if len(id) > 12 {
			id = id[:12]
		}
		rows = append(rows, table.Row{id, s.ClientIP, s.AppName, uptime(now.Sub(s.Since))})
	}
	m.sessions.SetRows(rows)
}

func (m StatusModel) tick() tea.Cmd {
	if m.feed.Refresh == nil {
		return nil
	}
	return tea.Tick(m.feed.Interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m StatusModel) fetch() tea.Cmd {
	refresh := m.feed.Refresh
	if refresh == nil {
		return nil
	}
	return func() tea.Msg {
		st, err := refresh()
		return statusMsg{status: st, err: err}
	}
}

// Init implements tea.Model.
func (m StatusModel) Init() tea.Cmd {
	return m.tick()
}

// Update implements tea.Model.
func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.sessions.SetHeight(max(3, msg.Height-16))
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.fetch()
		}
		var cmd tea.Cmd
		m.sessions, cmd = m.sessions.Update(msg)
		return m, cmd

	case tickMsg:
		return m, m.fetch()

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.setStatus(msg.status)
		}
		return m, m.tick()
	}

	return m, nil
}

// View implements tea.Model.
func (m StatusModel) View() string {
	if m.quitting {
		return ""
	}
	st := m.status
	if st == nil {
		return "No status available\n" + helpStyle.Render("Press q or Ctrl+C to quit")
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("mrci %s", st.Version)))
	b.WriteString("\n")
	b.WriteString(field("Address", st.Address))
	b.WriteString(field("PID", fmt.Sprintf("%d", st.PID)))
	b.WriteString(field("Hosting", st.Hosting))
	if !st.Started.IsZero() {
		b.WriteString(field("Uptime", uptime(m.now().Sub(st.Started))))
	}
	if len(st.Modules) > 0 {
		b.WriteString(field("Modules", strings.Join(st.Modules, ", ")))
	}
	b.WriteString("\n")

	mt := st.Metrics
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Sessions", int64(len(st.Sessions)), accent),
		statBox("Accepted", mt.SessionsAccepted, accent),
		statBox("Rejected", mt.SessionsRejected, alarm(mt.SessionsRejected)),
		statBox("Crashes", mt.BackendCrashes, alarm(mt.BackendCrashes)),
	))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Frames in", mt.FramesFromClient, accent),
		statBox("Frames out", mt.FramesToClient, accent),
		statBox("Casts", mt.CastsDelivered, accent),
		statBox("Suspicious", mt.SuspiciousFrames, alarm(mt.SuspiciousFrames)),
	))
	b.WriteString("\n\n")
	b.WriteString(m.sessions.View())

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errStyle.Render("refresh failed: " + m.err.Error()))
	}

	help := "Press q or Ctrl+C to quit"
	if m.feed.Refresh != nil {
		help = "Press r to refresh, q or Ctrl+C to quit"
	}
	return b.String() + "\n" + helpStyle.Render(help)
}

// uptime formats d to whole seconds.
func uptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}

// RunStatusTUI runs the status TUI until the user quits.
func RunStatusTUI(feed StatusFeed) error {
	p := tea.NewProgram(NewStatusModel(feed), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatusStatic renders the status view once without a program.
func RenderStatusStatic(st *server.Status) string {
	m := NewStatusModel(StatusFeed{Status: st})
	m.width = 80
	m.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(m.View())
}
