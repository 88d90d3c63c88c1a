package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/mrci/audit"
	"github.com/pithecene-io/mrci/cli/config"
	"github.com/pithecene-io/mrci/frontend"
	"github.com/pithecene-io/mrci/log"
	"github.com/pithecene-io/mrci/metrics"
	"github.com/pithecene-io/mrci/server"
	"github.com/pithecene-io/mrci/store"
	"github.com/pithecene-io/mrci/types"
)

// testApp runs commands in-process without exiting.
func testApp(out io.Writer, in io.Reader) *cli.App {
	return &cli.App{
		Name:           "mrci",
		Writer:         out,
		ErrWriter:      io.Discard,
		Reader:         in,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			HostCommand(),
			StartCommand(),
			StopCommand(),
			StatusCommand(),
			ExecutorCommand(),
			ResetRootCommand(),
			AddressSetCommand(),
			VersionCommand("abc123"),
		},
	}
}

func run(t *testing.T, in io.Reader, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := testApp(&out, in).Run(append([]string{"mrci"}, args...))
	return out.String(), err
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// writeConfig writes an mrci.yaml rooted in a short temp dir (unix socket
// paths are length limited).
func writeConfig(t *testing.T, port int) (path, dataDir string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "mrci-cli")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := fmt.Sprintf(`listen:
  address: 127.0.0.1
  port: %d
paths:
  data_dir: %s
  runtime_dir: %s
hosting: inproc
log:
  level: error
`, port, filepath.Join(dir, "data"), filepath.Join(dir, "run"))
	path = filepath.Join(dir, "mrci.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, filepath.Join(dir, "data")
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestReadOnlyFlags_IncludesTUI(t *testing.T) {
	hasTUI := false
	for _, f := range ReadOnlyFlags() {
		if f.Names()[0] == "tui" {
			hasTUI = true
		}
	}
	if !hasTUI {
		t.Error("ReadOnlyFlags should include --tui flag for explicit error handling")
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd   *cli.Command
		flags []string
	}{
		{HostCommand(), []string{"config", "address", "port", "log-level"}},
		{StartCommand(), []string{"config", "log-level", "log-file", "wait"}},
		{StopCommand(), []string{"config", "wait"}},
		{StatusCommand(), []string{"config", "format", "no-color", "tui"}},
		{ExecutorCommand(), []string{"state", "socket", "db", "modules", "keep-alive", "connect-timeout", "log-level"}},
		{ResetRootCommand(), []string{"config", "password"}},
		{AddressSetCommand(), []string{"config", "address", "port"}},
		{VersionCommand(""), []string{"format", "no-color", "tui"}},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.Name, func(t *testing.T) {
			have := map[string]bool{}
			for _, f := range tt.cmd.Flags {
				have[f.Names()[0]] = true
			}
			for _, want := range tt.flags {
				if !have[want] {
					t.Errorf("%s is missing --%s", tt.cmd.Name, want)
				}
			}
			if len(have) != len(tt.flags) {
				t.Errorf("%s has %d flags, want %d", tt.cmd.Name, len(have), len(tt.flags))
			}
		})
	}
	if !ExecutorCommand().Hidden {
		t.Error("executor should be hidden from help")
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, nil, "version", "--format", "json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var resp VersionResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if resp.Version != types.Version || resp.Commit != "abc123" || resp.ClientMajor != types.ClientMajor {
		t.Errorf("version = %+v", resp)
	}

	_, err = run(t, nil, "version", "--tui")
	if exitCode(err) != 1 {
		t.Errorf("version --tui exit = %d, want 1", exitCode(err))
	}
}

func TestAddressSet(t *testing.T) {
	cfgPath, dataDir := writeConfig(t, 35516)

	out, err := run(t, nil, "address-set", "--config", cfgPath, "--address", "10.0.0.5", "--port", "4000")
	if err != nil {
		t.Fatalf("address-set: %v", err)
	}
	if !strings.Contains(out, "10.0.0.5:4000") {
		t.Errorf("output = %q", out)
	}

	db, err := store.Open(filepath.Join(dataDir, "data.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = db.Close() }()
	addr, port, err := db.ListenAddress(context.Background(), "0.0.0.0", 1)
	if err != nil {
		t.Fatalf("ListenAddress: %v", err)
	}
	if addr != "10.0.0.5" || port != 4000 {
		t.Errorf("stored = %s:%d", addr, port)
	}
}

func TestAddressSet_RequiresFlags(t *testing.T) {
	cfgPath, _ := writeConfig(t, 35516)
	if _, err := run(t, nil, "address-set", "--config", cfgPath, "--address", "10.0.0.5"); err == nil {
		t.Error("address-set without --port should fail")
	}
}

func TestResetRoot(t *testing.T) {
	cfgPath, dataDir := writeConfig(t, 35516)

	tests := []struct {
		name     string
		args     []string
		stdin    string
		password string
		wantCode int
	}{
		{"flag", []string{"--password", "hunter2"}, "", "hunter2", 0},
		{"stdin", nil, "from-stdin\n", "from-stdin", 0},
		{"empty", nil, "\n", "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"reset-root", "--config", cfgPath}, tt.args...)
			_, err := run(t, strings.NewReader(tt.stdin), args...)
			if got := exitCode(err); got != tt.wantCode {
				t.Fatalf("exit = %d (%v), want %d", got, err, tt.wantCode)
			}
			if tt.wantCode != 0 {
				return
			}

			db, err := store.Open(filepath.Join(dataDir, "data.db"))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer func() { _ = db.Close() }()
			u, err := db.Authenticate(context.Background(), store.RootUser, tt.password)
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if u.HostRank != 1 {
				t.Errorf("root rank = %d", u.HostRank)
			}
		})
	}
}

func TestReadPassword_Pipe(t *testing.T) {
	got, err := readPassword(strings.NewReader("s3cret\r\nignored\n"), io.Discard)
	if err != nil {
		t.Fatalf("readPassword: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("password = %q", got)
	}
}

func TestStatus_NotRunning(t *testing.T) {
	cfgPath, _ := writeConfig(t, 35516)
	_, err := run(t, nil, "status", "--config", cfgPath, "--format", "json")
	if exitCode(err) != 1 || !strings.Contains(err.Error(), "not running") {
		t.Errorf("status err = %v", err)
	}
	_, err = run(t, nil, "stop", "--config", cfgPath)
	if exitCode(err) != 1 {
		t.Errorf("stop err = %v", err)
	}
}

func TestHost_StatusAndStop(t *testing.T) {
	cfgPath, dataDir := writeConfig(t, freePort(t))

	done := make(chan error, 1)
	go func() {
		_, err := run(t, nil, "host", "--config", cfgPath)
		done <- err
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := server.Query(context.Background(), cfg.ControlSocket(), server.OpStatus); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("host never answered on the control socket")
		}
		select {
		case err := <-done:
			t.Fatalf("host exited early: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
	}

	out, err := run(t, nil, "status", "--config", cfgPath, "--format", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st server.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode status %q: %v", out, err)
	}
	if st.PID != os.Getpid() || st.Hosting != config.HostingInProc || st.Metrics.Hosting != config.HostingInProc {
		t.Errorf("status = %+v", st)
	}

	out, err = run(t, nil, "status", "--config", cfgPath, "--format", "table")
	if err != nil {
		t.Fatalf("status table: %v", err)
	}
	for _, want := range []string{"pid:", "sessions", "(no results)", "counters", "sessions_accepted:"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}

	for _, f := range []string{"tls_chain.pem", "tls_priv.pem", "data.db"} {
		if _, err := os.Stat(filepath.Join(dataDir, f)); err != nil {
			t.Errorf("host should create %s: %v", f, err)
		}
	}

	if _, err := run(t, nil, "stop", "--config", cfgPath); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("host returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("host did not stop")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfgPath, _ := writeConfig(t, 35516)
	var got *config.Config
	probe := func(args ...string) error {
		app := testApp(io.Discard, nil)
		app.Commands = []*cli.Command{{
			Name:  "probe",
			Flags: HostFlags(&cli.StringFlag{Name: "address"}, &cli.IntFlag{Name: "port"}, LogLevelFlag),
			Action: func(c *cli.Context) error {
				var err error
				got, err = loadConfig(c)
				return err
			},
		}}
		return app.Run(append([]string{"mrci", "probe", "--config", cfgPath}, args...))
	}

	if err := probe("--port", "4100", "--log-level", "debug"); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got.Listen.Port != 4100 || got.Listen.Address != "127.0.0.1" || got.Log.Level != "debug" {
		t.Errorf("config = %+v / %+v", got.Listen, got.Log)
	}

	if err := probe("--port", "70000"); err == nil {
		t.Error("out of range port should fail validation")
	}
}

func TestBuildNotifier(t *testing.T) {
	zero := 0
	tests := []struct {
		name    string
		notify  config.NotifyConfig
		wantNil bool
		wantErr bool
	}{
		{"disabled", config.NotifyConfig{}, true, false},
		{"redis", config.NotifyConfig{Type: "redis", URL: "redis://127.0.0.1:6379/0", Stream: "mrci:history"}, false, false},
		{"redis bad url", config.NotifyConfig{Type: "redis", URL: "http://x"}, false, true},
		{"webhook", config.NotifyConfig{Type: "webhook", URL: "http://127.0.0.1:9/hook", Secret: "k", Retries: &zero}, false, false},
		{"unknown", config.NotifyConfig{Type: "smtp", URL: "x"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Notify = tt.notify
			n, err := buildNotifier(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (n == nil) != tt.wantNil {
				t.Fatalf("notifier = %v, wantNil %v", n, tt.wantNil)
			}
			if n != nil {
				_ = n.Close()
			}
		})
	}
}

func TestBuildRecorder(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Audit.Backend, cfg.Audit.Path = "fs", "audit"

	archive, err := buildArchive(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildArchive: %v", err)
	}
	m := metrics.NewCollector(config.HostingProcess, "fs")

	for _, mode := range []string{"strict", "buffered"} {
		t.Run(mode, func(t *testing.T) {
			cfg.Audit.Mode = mode
			rec, closeRec, err := buildRecorder(archive, cfg, m, log.Nop())
			if err != nil {
				t.Fatalf("buildRecorder: %v", err)
			}
			if err := rec.Record(context.Background(), audit.Record{
				Kind:      audit.KindConnRefused,
				ClientIP:  "203.0.113.7",
				SessionID: mode,
				At:        time.Now(),
			}); err != nil {
				t.Fatalf("Record: %v", err)
			}
			if err := closeRec(); err != nil {
				t.Fatalf("close: %v", err)
			}
			recent, err := archive.Recent(context.Background(), 10, audit.KindConnRefused, mode)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(recent) != 1 {
				t.Errorf("%s recorder persisted %d records, want 1", mode, len(recent))
			}
		})
	}

	rec, _, err := buildRecorder(nil, cfg, m, log.Nop())
	if err != nil || rec != nil {
		t.Errorf("nil archive should disable auditing, got %v, %v", rec, err)
	}
}

func TestBuildLauncher(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = "/srv/mrci"
	cfg.Modules.Dir = "mods"

	p, ok := buildLauncher(cfg, log.Nop()).(*frontend.ProcessLauncher)
	if !ok {
		t.Fatal("process hosting should build a ProcessLauncher")
	}
	if p.DBPath != "/srv/mrci/data.db" || p.ModulesDir != "/srv/mrci/mods" || p.KeepAlive != 30*time.Second {
		t.Errorf("launcher = %+v", p)
	}

	cfg.Hosting = config.HostingInProc
	in, ok := buildLauncher(cfg, log.Nop()).(*frontend.InProcLauncher)
	if !ok {
		t.Fatal("inproc hosting should build an InProcLauncher")
	}
	if in.Options.ConnectTimeout != 10*time.Second || in.Options.DBPath != "/srv/mrci/data.db" {
		t.Errorf("options = %+v", in.Options)
	}
}

func TestEnsureDefaultCert(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()

	if err := ensureDefaultCert(cfg, "mrci.test", log.Nop()); err != nil {
		t.Fatalf("ensureDefaultCert: %v", err)
	}
	first, err := os.ReadFile(cfg.CertPath())
	if err != nil {
		t.Fatalf("read chain: %v", err)
	}
	if err := ensureDefaultCert(cfg, "mrci.test", log.Nop()); err != nil {
		t.Fatalf("second ensureDefaultCert: %v", err)
	}
	second, _ := os.ReadFile(cfg.CertPath())
	if !bytes.Equal(first, second) {
		t.Error("an existing pair must not be replaced")
	}

	c, err := buildCerts(cfg).Resolve("anything.example")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(c.PEM) == 0 {
		t.Error("resolved cert has no PEM chain")
	}
}
