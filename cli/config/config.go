package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Hosting modes for session back ends.
const (
	HostingProcess = "process"
	HostingInProc  = "inproc"
)

// Config represents an mrci.yaml configuration file.
// Values absent from the file keep the defaults from Default.
// CLI flags always override config values.
type Config struct {
	Listen      ListenConfig  `yaml:"listen"`
	Paths       PathsConfig   `yaml:"paths"`
	Timeouts    TimeoutConfig `yaml:"timeouts"`
	Crash       CrashConfig   `yaml:"crash"`
	Hosting     string        `yaml:"hosting"`
	InitialRank uint32        `yaml:"initial_rank"`
	Modules     ModuleConfig  `yaml:"modules"`
	Bus         BusConfig     `yaml:"bus"`
	Notify      NotifyConfig  `yaml:"notify"`
	Audit       AuditConfig   `yaml:"audit"`
	Log         LogConfig     `yaml:"log"`
}

// ListenConfig holds the TCP listener settings.
type ListenConfig struct {
	Address     string `yaml:"address"`
	Port        int    `yaml:"port"`
	MaxSessions int    `yaml:"max_sessions"`
}

// Addr returns host:port.
func (l ListenConfig) Addr() string {
	return net.JoinHostPort(l.Address, strconv.Itoa(l.Port))
}

// PathsConfig locates the persistent and runtime files.
// Relative file names resolve against DataDir.
type PathsConfig struct {
	DataDir    string `yaml:"data_dir"`
	RuntimeDir string `yaml:"runtime_dir"`
	DB         string `yaml:"db"`
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
}

// TimeoutConfig holds the session timers.
type TimeoutConfig struct {
	Handshake Duration `yaml:"handshake"`
	Attach    Duration `yaml:"attach"`
	Ready     Duration `yaml:"ready"`
	Idle      Duration `yaml:"idle"`
	KeepAlive Duration `yaml:"keep_alive"`
}

// CrashConfig bounds back-end restarts per session.
type CrashConfig struct {
	Threshold int      `yaml:"threshold"`
	Window    Duration `yaml:"window"`
}

// ModuleConfig locates module executables.
type ModuleConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// BusConfig enables the cross-listener redis bridge. Empty URL disables it.
type BusConfig struct {
	RedisURL string `yaml:"redis_url"`
	Channel  string `yaml:"channel"`
	NodeID   string `yaml:"node_id"`
}

// NotifyConfig selects the session lifecycle notification adapter.
type NotifyConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Stream  string            `yaml:"stream,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Secret  string            `yaml:"secret,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// AuditConfig configures the session audit archive. Empty Backend disables it.
type AuditConfig struct {
	Backend     string `yaml:"backend"`
	Dataset     string `yaml:"dataset"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	Mode        string `yaml:"mode"`
	BufferSize  int    `yaml:"buffer_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration back in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Address: "0.0.0.0", Port: 35516, MaxSessions: 100},
		Paths: PathsConfig{
			DataDir: ".",
			DB:      "data.db",
			Cert:    "tls_chain.pem",
			Key:     "tls_priv.pem",
		},
		Timeouts: TimeoutConfig{
			Handshake: Duration{15 * time.Second},
			Attach:    Duration{10 * time.Second},
			Ready:     Duration{30 * time.Second},
			Idle:      Duration{120 * time.Second},
			KeepAlive: Duration{30 * time.Second},
		},
		Crash:       CrashConfig{Threshold: 5, Window: Duration{time.Minute}},
		Hosting:     HostingProcess,
		InitialRank: 2,
		Bus:         BusConfig{Channel: "mrci:bus"},
		Audit:       AuditConfig{Dataset: "mrci", Mode: "strict"},
		Log:         LogConfig{Level: "info"},
	}
}

// Validate checks the values that cannot be corrected by defaults.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Listen.MaxSessions <= 0 {
		return fmt.Errorf("listen.max_sessions must be positive, got %d", c.Listen.MaxSessions)
	}
	switch c.Hosting {
	case HostingProcess, HostingInProc:
	default:
		return fmt.Errorf("invalid hosting %q (must be %s or %s)", c.Hosting, HostingProcess, HostingInProc)
	}
	if c.Crash.Threshold < 1 {
		return fmt.Errorf("crash.threshold must be at least 1, got %d", c.Crash.Threshold)
	}
	if c.Crash.Window.Duration <= 0 {
		return fmt.Errorf("crash.window must be positive")
	}
	for name, d := range map[string]Duration{
		"timeouts.handshake":  c.Timeouts.Handshake,
		"timeouts.attach":     c.Timeouts.Attach,
		"timeouts.ready":      c.Timeouts.Ready,
		"timeouts.idle":       c.Timeouts.Idle,
		"timeouts.keep_alive": c.Timeouts.KeepAlive,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.Notify.Type {
	case "", "redis", "webhook":
	default:
		return fmt.Errorf("invalid notify.type %q (must be redis or webhook)", c.Notify.Type)
	}
	if c.Notify.Type != "" && c.Notify.URL == "" {
		return fmt.Errorf("notify.url is required for notify.type %s", c.Notify.Type)
	}
	switch c.Audit.Backend {
	case "", "fs", "s3":
	default:
		return fmt.Errorf("invalid audit.backend %q (must be fs or s3)", c.Audit.Backend)
	}
	if c.Audit.Backend != "" && c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required for audit.backend %s", c.Audit.Backend)
	}
	switch c.Audit.Mode {
	case "strict", "buffered":
	default:
		return fmt.Errorf("invalid audit.mode %q (must be strict or buffered)", c.Audit.Mode)
	}
	return nil
}

func (c *Config) resolve(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Paths.DataDir, name)
}

// DBPath returns the sqlite database file.
func (c *Config) DBPath() string { return c.resolve(c.Paths.DB) }

// CertPath returns the default PEM certificate chain.
func (c *Config) CertPath() string { return c.resolve(c.Paths.Cert) }

// KeyPath returns the default PEM private key.
func (c *Config) KeyPath() string { return c.resolve(c.Paths.Key) }

// ModuleDir returns the module executable directory, or "" when modules are off.
func (c *Config) ModuleDir() string { return c.resolve(c.Modules.Dir) }

// RuntimeDir returns the directory for state regions, back-end sockets and
// the control socket. It defaults to a per-user directory under the system
// temp dir.
func (c *Config) RuntimeDir() string {
	if c.Paths.RuntimeDir != "" {
		return c.Paths.RuntimeDir
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "mrci")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("mrci-%d", os.Getuid()))
}

// ControlSocket returns the path of the listener's control endpoint.
func (c *Config) ControlSocket() string {
	return filepath.Join(c.RuntimeDir(), "control.sock")
}

// AuditPath returns audit.path, resolved against the data dir for the fs
// backend. For s3 it is "bucket/prefix" and is returned unchanged.
func (c *Config) AuditPath() string {
	if c.Audit.Backend == "s3" {
		return c.Audit.Path
	}
	return c.resolve(c.Audit.Path)
}

// CertDir holds per-name certificate pairs.
func (c *Config) CertDir() string { return c.resolve("certs") }
