package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/mrci/adapter"
	redisadapter "github.com/pithecene-io/mrci/adapter/redis"
	"github.com/pithecene-io/mrci/adapter/webhook"
	"github.com/pithecene-io/mrci/audit"
	"github.com/pithecene-io/mrci/backend"
	"github.com/pithecene-io/mrci/broker"
	"github.com/pithecene-io/mrci/certs"
	"github.com/pithecene-io/mrci/cli/config"
	"github.com/pithecene-io/mrci/frontend"
	"github.com/pithecene-io/mrci/log"
	"github.com/pithecene-io/mrci/metrics"
	"github.com/pithecene-io/mrci/server"
	"github.com/pithecene-io/mrci/store"
)

// loadConfig reads --config and applies the flag overrides the command
// defines.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("address") {
		cfg.Listen.Address = c.String("address")
	}
	if c.IsSet("port") {
		cfg.Listen.Port = c.Int("port")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildLogger(cfg *config.Config, component string) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return log.NewLogger(component, level), nil
}

// openStore opens the host database, creating its directory.
func openStore(cfg *config.Config) (*store.Store, error) {
	path := cfg.DBPath()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return store.Open(path)
}

// ensureDefaultCert writes a self-signed default pair when none exists, so
// remote clients can always upgrade to TLS.
func ensureDefaultCert(cfg *config.Config, hostName string, logger *log.Logger) error {
	chain, key := cfg.CertPath(), cfg.KeyPath()
	_, chainErr := os.Stat(chain)
	_, keyErr := os.Stat(key)
	if chainErr == nil && keyErr == nil {
		return nil
	}
	if err := certs.WriteSelfSigned(chain, key, hostName); err != nil {
		return fmt.Errorf("write self-signed certificate: %w", err)
	}
	logger.Info("wrote self-signed certificate", map[string]any{"chain": chain, "common_name": hostName})
	return nil
}

func buildCerts(cfg *config.Config) *certs.Store {
	return &certs.Store{
		Dir:       cfg.CertDir(),
		ChainFile: cfg.CertPath(),
		KeyFile:   cfg.KeyPath(),
	}
}

// buildArchive opens the audit dataset. A nil archive means auditing is off.
func buildArchive(ctx context.Context, cfg *config.Config) (*audit.Archive, error) {
	switch cfg.Audit.Backend {
	case "":
		return nil, nil
	case "fs":
		path := cfg.AuditPath()
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
		return audit.NewFS(cfg.Audit.Dataset, path)
	case "s3":
		return audit.NewS3(ctx, cfg.Audit.Dataset, audit.S3Config{
			Location:  cfg.AuditPath(),
			Region:    cfg.Audit.Region,
			Endpoint:  cfg.Audit.Endpoint,
			PathStyle: cfg.Audit.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown audit backend: %s (must be fs or s3)", cfg.Audit.Backend)
	}
}

// buildRecorder wraps the archive in the configured write mode. The
// returned close func flushes buffered records.
func buildRecorder(archive *audit.Archive, cfg *config.Config, m *metrics.Collector, logger *log.Logger) (audit.Recorder, func() error, error) {
	noop := func() error { return nil }
	if archive == nil {
		return nil, noop, nil
	}
	switch cfg.Audit.Mode {
	case "strict":
		return audit.Strict(archive, m), noop, nil
	case "buffered":
		bc := audit.DefaultBufferConfig()
		if cfg.Audit.BufferSize > 0 {
			bc.MaxRecords = cfg.Audit.BufferSize
		}
		bc.Logger = logger
		bc.Metrics = m
		buf, err := audit.NewBuffer(archive, bc)
		if err != nil {
			return nil, noop, err
		}
		return buf, buf.Close, nil
	default:
		return nil, noop, fmt.Errorf("invalid audit mode: %s (must be strict or buffered)", cfg.Audit.Mode)
	}
}

// buildNotifier returns the session lifecycle adapter, or nil when
// notify.type is unset.
func buildNotifier(cfg *config.Config) (adapter.Adapter, error) {
	n := cfg.Notify
	switch n.Type {
	case "":
		return nil, nil
	case "redis":
		retries := redisadapter.DefaultRetries
		if n.Retries != nil {
			retries = *n.Retries
		}
		return redisadapter.New(redisadapter.Config{
			URL:     n.URL,
			Channel: n.Channel,
			Stream:  n.Stream,
			Timeout: n.Timeout.Duration,
			Retries: retries,
		})
	case "webhook":
		retries := webhook.DefaultRetries
		if n.Retries != nil {
			retries = *n.Retries
		}
		return webhook.New(webhook.Config{
			URL:     n.URL,
			Headers: n.Headers,
			Secret:  n.Secret,
			Timeout: n.Timeout.Duration,
			Retries: retries,
		})
	default:
		return nil, fmt.Errorf("unknown notify type: %s (must be redis or webhook)", n.Type)
	}
}

func buildLauncher(cfg *config.Config, logger *log.Logger) frontend.Launcher {
	if cfg.Hosting == config.HostingInProc {
		return &frontend.InProcLauncher{Options: backend.Options{
			DBPath:         cfg.DBPath(),
			ModulesDir:     cfg.ModuleDir(),
			ConnectTimeout: cfg.Timeouts.Attach.Duration,
			KeepAlive:      cfg.Timeouts.KeepAlive.Duration,
			Logger:         logger.Named("backend"),
		}}
	}
	return &frontend.ProcessLauncher{
		DBPath:     cfg.DBPath(),
		ModulesDir: cfg.ModuleDir(),
		LogLevel:   cfg.Log.Level,
		KeepAlive:  cfg.Timeouts.KeepAlive.Duration,
		Logger:     logger,
	}
}

func sessionConfig(cfg *config.Config, hostName string) frontend.Config {
	return frontend.Config{
		RuntimeDir:       cfg.RuntimeDir(),
		HostName:         hostName,
		HandshakeTimeout: cfg.Timeouts.Handshake.Duration,
		AttachTimeout:    cfg.Timeouts.Attach.Duration,
		ReadyTimeout:     cfg.Timeouts.Ready.Duration,
		IdleTimeout:      cfg.Timeouts.Idle.Duration,
		CrashThreshold:   cfg.Crash.Threshold,
		CrashWindow:      cfg.Crash.Window.Duration,
	}
}

// host is a fully assembled listener plus the resources it owns.
type host struct {
	srv     *server.Server
	bridge  *broker.RedisBridge
	closers []func() error
}

// buildHost assembles a listener from cfg.
func buildHost(ctx context.Context, cfg *config.Config, logger *log.Logger) (*host, error) {
	h := &host{}
	ok := false
	defer func() {
		if !ok {
			_ = h.close()
		}
	}()

	hostName, err := os.Hostname()
	if err != nil || hostName == "" {
		hostName = "localhost"
	}

	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, db.Close)

	if err := ensureDefaultCert(cfg, hostName, logger); err != nil {
		return nil, err
	}

	storageBackend := cfg.Audit.Backend
	if storageBackend == "" {
		storageBackend = "none"
	}
	m := metrics.NewCollector(cfg.Hosting, storageBackend)

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	rec, closeRec, err := buildRecorder(archive, cfg, m, logger)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	h.closers = append(h.closers, closeRec)

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	if notifier != nil {
		h.closers = append(h.closers, notifier.Close)
	}

	bus := broker.NewBus()
	if cfg.Bus.RedisURL != "" {
		nodeID := cfg.Bus.NodeID
		if nodeID == "" {
			nodeID = hostName + "-" + strconv.Itoa(os.Getpid())
		}
		h.bridge, err = broker.NewRedisBridge(broker.RedisConfig{
			URL:     cfg.Bus.RedisURL,
			Channel: cfg.Bus.Channel,
			NodeID:  nodeID,
		}, bus, logger)
		if err != nil {
			return nil, fmt.Errorf("bus: %w", err)
		}
		h.closers = append(h.closers, h.bridge.Close)
	}

	h.srv, err = server.New(server.Config{
		Address:       cfg.Listen.Address,
		Port:          cfg.Listen.Port,
		MaxSessions:   cfg.Listen.MaxSessions,
		ControlSocket: cfg.ControlSocket(),
		ModulesDir:    cfg.ModuleDir(),
		WatchModules:  cfg.Modules.Watch,
		InitialRank:   cfg.InitialRank,
		Hosting:       cfg.Hosting,
		Session:       sessionConfig(cfg, hostName),
	}, server.Deps{
		Launcher: buildLauncher(cfg, logger),
		Certs:    buildCerts(cfg),
		Store:    db,
		Bus:      bus,
		Metrics:  m,
		Notifier: notifier,
		Audit:    rec,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return h, nil
}

// run starts the bridge and serves until ctx ends or a stop request
// arrives.
func (h *host) run(ctx context.Context) error {
	if h.bridge != nil {
		if err := h.bridge.Start(ctx); err != nil {
			return fmt.Errorf("bus: %w", err)
		}
	}
	return h.srv.Run(ctx)
}

// close releases resources in reverse order of acquisition.
func (h *host) close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}
