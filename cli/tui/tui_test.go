package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/mrci/metrics"
	"github.com/pithecene-io/mrci/server"
)

func TestIsTUISupported(t *testing.T) {
	tests := []struct {
		viewType string
		want     bool
	}{
		{"status", true},
		{"version", false},
		{"stop", false},
		{"unknown", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.viewType, func(t *testing.T) {
			if got := IsTUISupported(tt.viewType); got != tt.want {
				t.Errorf("IsTUISupported(%q) = %v, want %v", tt.viewType, got, tt.want)
			}
		})
	}
}

func TestSupportedTUIViews(t *testing.T) {
	for _, v := range SupportedTUIViews() {
		if !IsTUISupported(v) {
			t.Errorf("SupportedTUIViews() returned %q but IsTUISupported returns false", v)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	if err := Run("version", nil); err == nil {
		t.Error("expected error for unsupported view type")
	}
	if err := Run(ViewStatus, "not a feed"); err == nil {
		t.Error("expected error for wrong payload type")
	}
}

func sampleStatus(now time.Time) *server.Status {
	return &server.Status{
		PID:     4242,
		Version: "5.0.2",
		Address: "127.0.0.1:35516",
		Hosting: "process",
		Started: now.Add(-90 * time.Second),
		Sessions: []server.SessionInfo{
			{ID: "0123456789abcdef", ClientIP: "203.0.113.7", AppName: "Cmdr", Since: now.Add(-5 * time.Second)},
		},
		Modules: []string{"fake"},
		Metrics: metrics.Snapshot{SessionsAccepted: 3, BackendCrashes: 1},
	}
}

func TestStatusModel_View(t *testing.T) {
	now := time.Now()
	m := NewStatusModel(StatusFeed{Status: sampleStatus(now)})

	view := m.View()
	for _, want := range []string{"mrci 5.0.2", "127.0.0.1:35516", "4242", "0123456789ab", "203.0.113.7", "Cmdr", "fake", "Crashes"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
	if strings.Contains(view, "refresh") {
		t.Error("static view should not offer refresh")
	}
}

func TestStatusModel_Refresh(t *testing.T) {
	now := time.Now()
	calls := 0
	next := sampleStatus(now)
	next.Sessions = nil
	m := NewStatusModel(StatusFeed{
		Status: sampleStatus(now),
		Refresh: func() (*server.Status, error) {
			calls++
			return next, nil
		},
		Interval: time.Millisecond,
	})

	if m.Init() == nil {
		t.Fatal("Init should schedule a refresh tick")
	}

	model, cmd := m.Update(tickMsg(now))
	if cmd == nil {
		t.Fatal("tick should fetch")
	}
	model, _ = model.Update(cmd())
	if calls != 1 {
		t.Fatalf("refresh calls = %d, want 1", calls)
	}
	if got := len(model.(StatusModel).sessions.Rows()); got != 0 {
		t.Errorf("rows after refresh = %d, want 0", got)
	}

	model, _ = model.Update(statusMsg{err: errors.New("connection refused")})
	view := model.View()
	if !strings.Contains(view, "refresh failed: connection refused") {
		t.Errorf("view should report the refresh error:\n%s", view)
	}
	if !strings.Contains(view, "127.0.0.1:35516") {
		t.Error("a failed refresh should keep the last status")
	}
}

func TestStatusModel_Quit(t *testing.T) {
	m := NewStatusModel(StatusFeed{Status: sampleStatus(time.Now())})
	model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if model.View() != "" {
		t.Error("view should be empty after quit")
	}
}

func TestRenderStatusStatic(t *testing.T) {
	out := RenderStatusStatic(sampleStatus(time.Now()))
	if !strings.Contains(out, "Sessions") {
		t.Errorf("static render missing stat boxes:\n%s", out)
	}
}

func TestUptime(t *testing.T) {
	if got := uptime(90*time.Second + 300*time.Millisecond); got != "1m30s" {
		t.Errorf("uptime = %q", got)
	}
	if got := uptime(-time.Second); got != "0s" {
		t.Errorf("negative uptime = %q", got)
	}
}
