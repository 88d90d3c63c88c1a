package frontend

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/mrci/backend"
	"github.com/pithecene-io/mrci/types"
)

func TestNewSessionID_Unique(t *testing.T) {
	seen := make(map[types.SessionID]bool)
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		if id.IsZero() {
			t.Fatal("zero session id")
		}
		if seen[id] {
			t.Fatalf("duplicate session id %s", id)
		}
		seen[id] = true
	}
}

func TestProcessLauncher_Args(t *testing.T) {
	spec := LaunchSpec{StatePath: "/run/mrci/a.state", Socket: "/run/mrci/a-1.sock"}

	l := &ProcessLauncher{}
	want := []string{"executor", "--state", spec.StatePath, "--socket", spec.Socket}
	if got := l.Args(spec); !slices.Equal(got, want) {
		t.Errorf("Args = %v, want %v", got, want)
	}

	l = &ProcessLauncher{DBPath: "/var/lib/mrci/data.db", ModulesDir: "/opt/mods", LogLevel: "debug", KeepAlive: 15 * time.Second}
	got := strings.Join(l.Args(spec), " ")
	for _, part := range []string{"--db /var/lib/mrci/data.db", "--modules /opt/mods", "--log-level debug", "--keep-alive 15s"} {
		if !strings.Contains(got, part) {
			t.Errorf("Args = %q, missing %q", got, part)
		}
	}
}

func TestInProcLauncher_RecoversPanic(t *testing.T) {
	l := &InProcLauncher{Run: func(context.Context, backend.Options) error { panic("bad module") }}
	b, err := l.Launch(context.Background(), LaunchSpec{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("back end never finished")
	}
	if b.Err() == nil || !strings.Contains(b.Err().Error(), "bad module") {
		t.Errorf("Err = %v", b.Err())
	}
}

func TestInProcLauncher_KillCancels(t *testing.T) {
	var got backend.Options
	l := &InProcLauncher{
		Options: backend.Options{DBPath: "data.db"},
		Run: func(ctx context.Context, opts backend.Options) error {
			got = opts
			<-ctx.Done()
			return nil
		},
	}
	b, err := l.Launch(context.Background(), LaunchSpec{StatePath: "s.state", Socket: "s.sock"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := b.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("kill did not stop the back end")
	}
	if b.Err() != nil {
		t.Errorf("Err = %v", b.Err())
	}
	if got.StatePath != "s.state" || got.Socket != "s.sock" || got.DBPath != "data.db" {
		t.Errorf("options = %+v", got)
	}
}
