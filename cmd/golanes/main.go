package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-lanes/internal/bus"
	"github.com/basket/go-lanes/internal/config"
	"github.com/basket/go-lanes/internal/gateway"
	"github.com/basket/go-lanes/internal/hooks"
	"github.com/basket/go-lanes/internal/orchestrator"
	otelPkg "github.com/basket/go-lanes/internal/otel"
	"github.com/basket/go-lanes/internal/persistence"
	"github.com/basket/go-lanes/internal/retention"
	"github.com/basket/go-lanes/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the orchestrator and gateway

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s semaphore <column-id>    Show a column's running set and queue
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOLANES_HOME            Data directory (default: ~/.golanes)
  GOLANES_AUTH_TOKEN      Gateway bearer token (overrides auth_token)
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to the JSONL file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "semaphore":
			os.Exit(runSemaphoreCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, err := telemetry.NewLogger(telemetry.Options{
		HomeDir: cfg.HomeDir,
		Level:   cfg.LogLevel,
		Quiet:   *quiet,
		Console: isatty.IsTerminal(os.Stdout.Fd()),
	})
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config_fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("gateway bound to a non-loopback address without auth_token", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger.Logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger.Logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.ResolvedDBPath(), eventBus)
	if err != nil {
		fatalStartup(logger.Logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetMaxErrorLength(cfg.Hooks.MaxErrorLength)
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.ResolvedDBPath())

	var executor hooks.Executor = &hooks.HostExecutor{}
	if cfg.Hooks.Sandbox.Enabled {
		docker, err := hooks.NewDockerExecutor(cfg.Hooks.Sandbox.Image, cfg.Hooks.Sandbox.MemoryMB, cfg.Hooks.Sandbox.Network)
		if err != nil {
			fatalStartup(logger.Logger, "E_SANDBOX_INIT", err)
		}
		defer docker.Close()
		executor = docker
		logger.Info("script hooks run in docker", "image", cfg.Hooks.Sandbox.Image)
	}
	runner := hooks.NewProcessRunner(executor, cfg.Hooks.Shell, cfg.Hooks.AgentCommand, cfg.Hooks.WorkDir, cfg.HookTimeout())
	catalog, err := hooks.NewCatalog(store, eventBus, runner)
	if err != nil {
		fatalStartup(logger.Logger, "E_CATALOG_INIT", err)
	}

	core := orchestrator.New(orchestrator.Config{
		Store:           store,
		Bus:             eventBus,
		Catalog:         catalog,
		Logger:          logger.Logger,
		Tracer:          otelProvider.Tracer,
		Metrics:         metrics,
		MaxRedirects:    cfg.MaxRedirects,
		MaxRestarts:     cfg.Supervisor.MaxRestarts,
		RestartWindow:   cfg.RestartWindow(),
		DrainTimeout:    cfg.DrainTimeout(),
		ResumeOnRestart: cfg.ResumeOnRestart,
		DefaultColumns:  cfg.DefaultColumns,
	})
	if err := core.Recover(ctx); err != nil {
		fatalStartup(logger.Logger, "E_RECOVER", err)
	}
	logger.Info("startup phase", "phase", "recovered")

	if cfg.Retention.Enabled {
		sweeper, err := retention.NewSweeper(retention.Config{
			Store:    store,
			Logger:   logger.Logger,
			Schedule: cfg.Retention.Schedule,
			MaxAge:   time.Duration(cfg.Retention.ExecutionHistoryDays) * 24 * time.Hour,
		})
		if err != nil {
			fatalStartup(logger.Logger, "E_RETENTION_INIT", err)
		}
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger.Logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger.Logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if ev.Err != nil {
				logger.Error("config.yaml reload rejected; retaining previous config", "path", ev.Path, "error", ev.Err)
				continue
			}
			applyReload(logger, runner, store, ev.Config)
		}
	}()

	gw := gateway.New(gateway.Config{
		Core:              core,
		Health:            store,
		Metrics:           otelProvider,
		Bus:               eventBus,
		Logger:            logger.Logger,
		Tracer:            otelProvider.Tracer,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger.Logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain the actor tree.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancelDrain()
	if err := core.Shutdown(drainCtx); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

// reloadTarget is what a config reload can change on a running daemon.
type reloadTarget interface {
	SetTimeout(time.Duration)
}

func applyReload(logger *telemetry.Logger, runner reloadTarget, store *persistence.Store, next config.Config) {
	logger.SetLevel(next.LogLevel)
	runner.SetTimeout(next.HookTimeout())
	store.SetMaxErrorLength(next.Hooks.MaxErrorLength)
	logger.Info("config.yaml hot-reloaded",
		"log_level", next.LogLevel,
		"hook_timeout", next.HookTimeout(),
		"config_fingerprint", next.Fingerprint())
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: golanes daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: golanes daemon [--help]")
	fmt.Fprintln(w, "       golanes")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the task orchestrator and its HTTP gateway in the foreground.")
}
