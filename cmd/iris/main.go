// IRIS is the control plane for a small fleet of home-automation
// devices. It ingests sensor and lifecycle traffic from an MQTT broker,
// maintains the authoritative view of every device, persists history to
// SQLite, pushes live updates to WebSocket dashboards, and publishes
// commands and OTA update manifests back to the fleet.
//
// Usage:
//
//	iris serve               Start the server
//	iris init [dir]          Write a default config.yaml
//	iris version             Print version and build information
//	iris -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/corvids-nest/iris/internal/alerts"
	"github.com/corvids-nest/iris/internal/api"
	"github.com/corvids-nest/iris/internal/buildinfo"
	"github.com/corvids-nest/iris/internal/bus"
	"github.com/corvids-nest/iris/internal/clock"
	"github.com/corvids-nest/iris/internal/codec"
	"github.com/corvids-nest/iris/internal/command"
	"github.com/corvids-nest/iris/internal/config"
	"github.com/corvids-nest/iris/internal/fanout"
	"github.com/corvids-nest/iris/internal/ota"
	"github.com/corvids-nest/iris/internal/state"
	"github.com/corvids-nest/iris/internal/storage"
)

// main constructs the OS-level environment and delegates to run so the
// full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand; the flag package's package-level state
// makes concurrent test invocations of run impossible, and the argument
// surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var cmd string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && cmd == "":
			cmd = args[i]
		default:
			if cmd != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch cmd {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// runServe wires the full pipeline and blocks until a shutdown signal.
//
// Startup order matters: persistence first, then the state store, then
// everything that feeds or drains it, then the outward surfaces. A
// broker outage never takes the HTTP surface down; the bus reconnects
// on its own.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, cfg.LogFormat)
	logger.Info(buildinfo.String())
	logger.Info("config loaded", "path", cfgPath)

	// --- Persistence ---
	store, err := storage.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// --- State ---
	states := state.New(state.Options{
		OfflineTimeout: cfg.Alerts.OfflineTimeout(),
		Clock:          clock.System{},
		Logger:         logger,
	})

	// --- Bus ---
	registry := codec.NewRegistry()
	busAdapter := bus.New(cfg.Bus, registry, states, logger)

	// --- OTA, commands, alerts, fan-out ---
	builder := &ota.Builder{
		SourceRoot: cfg.OTA.SourceRoot,
		RawBase:    cfg.OTA.RawBase,
		ProxyBase:  cfg.OTA.ProxyBase,
	}
	orch := ota.NewOrchestrator(builder, busAdapter, clock.System{}, logger)
	dispatcher := command.New(states, busAdapter, orch, logger)
	evaluator := alerts.New(states, cfg.Alerts, clock.System{}, logger)
	hub := fanout.NewHub(states, logger)
	evaluator.OnChange = func(active []alerts.Alert) { hub.BroadcastAlerts(active) }
	hub.ActiveAlerts = func() any { return evaluator.Active() }

	writer := storage.NewWriter(store, states, storage.WriterOptions{
		BatchSize:     cfg.Store.BatchSize,
		BatchInterval: time.Duration(cfg.Store.BatchIntervalMS) * time.Millisecond,
		MaxPending:    cfg.Store.QueueSize,
		Retention:     time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour,
		Logger:        logger,
	})
	evaluator.StorageHealth = writer.FailingSince

	// --- Background pipeline ---
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	writerCh := states.Subscribe(cfg.Store.QueueSize)
	otaCh := states.Subscribe(256)
	alertsCh := states.Subscribe(256)
	fanoutCh := states.Subscribe(1024)

	var wg sync.WaitGroup
	spawn := func(name string, f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
			logger.Debug("component stopped", "component", name)
		}()
	}
	spawn("writer", func() { writer.Run(runCtx, writerCh) })
	spawn("sweeper", func() { states.RunSweeper(runCtx) })
	spawn("ota", func() { orch.Run(runCtx, otaCh) })
	spawn("alerts", func() { evaluator.Run(runCtx, alertsCh) })
	spawn("fanout", func() { hub.Run(runCtx, fanoutCh) })
	spawn("bus", func() {
		// Start blocks until runCtx is cancelled. A failure here (bad
		// broker URL) is logged, not fatal: the HTTP surface and the
		// persisted history stay available.
		if err := busAdapter.Start(runCtx); err != nil {
			logger.Error("bus failed", "error", err)
		}
	})

	// --- HTTP surface ---
	listen := net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port))
	server := api.NewServer(listen, states, store, dispatcher, evaluator, orch, hub, cfg.OTA, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}

		busCtx, busCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer busCancel()
		if err := busAdapter.Stop(busCtx); err != nil {
			logger.Error("bus shutdown failed", "error", err)
		}

		// Stops the writer (final flush), sweeper, evaluator and hub.
		cancelRun()
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	cancelRun()
	wg.Wait()
	logger.Info("IRIS stopped")
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runInit writes a starter config to dir.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(w, "wrote %s\n", path)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "IRIS - Home Automation Control Plane")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: iris [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the server")
	fmt.Fprintln(w, "  init [dir]   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/iris/config.yaml, /etc/iris/config.yaml")
	return nil
}

// newLogger standardizes slog handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

const defaultConfigYAML = `# IRIS server configuration.
# Values of the form ${VAR} are expanded from the environment at load time.

listen:
  address: ""          # bind address, empty = all interfaces
  port: 8080

bus:
  broker: mqtt://localhost:1883
  username: ""
  password: "${IRIS_BUS_PASSWORD}"
  publish_presence: false

store:
  driver: sqlite3
  # dsn defaults to <data_dir>/iris.db with WAL enabled
  retention_days: 90

ota:
  source_root: /srv/iris/devices-checkout
  raw_base: https://raw.githubusercontent.com/example/iris-devices
  default_ref: main

alerts:
  offline_timeout_sec: 90
  weather_stall_sec: 120
  freezer_temp_high_f: 10
  freezer_ajar_sec: 300

data_dir: /var/lib/iris
log_level: info
log_format: text
`
