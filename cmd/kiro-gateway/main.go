// Command kiro-gateway fronts a pool of kiro agent subprocesses with an
// OpenAI-compatible chat-completions HTTP facade.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/kiro-gateway/internal/bus"
	"github.com/basket/kiro-gateway/internal/config"
	"github.com/basket/kiro-gateway/internal/gateway"
	otelPkg "github.com/basket/kiro-gateway/internal/otel"
	"github.com/basket/kiro-gateway/internal/pool"
	"github.com/basket/kiro-gateway/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]                  Run the gateway daemon
  %s doctor [--json]          Run preflight checks and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "doctor" {
		os.Exit(runDoctorCommand(os.Args[2:]))
	}

	host := flag.String("host", "", "bind host (overrides settings.yaml)")
	port := flag.Int("port", 0, "bind port (overrides settings.yaml)")
	kiroBin := flag.String("kiro-bin", "", "agent binary to spawn (overrides settings.yaml)")
	kiroArgs := flag.String("kiro-args", "", "comma-separated extra args appended after kiro-bin's subcommand")
	cwd := flag.String("cwd", "", "default working directory for spawned agents")
	idleSecs := flag.Int("idle-secs", 0, "session idle-eviction timeout in seconds")
	routesPath := flag.String("routes", "", "path to the channel route table JSON file")
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	flag.BoolVar(verbose, "verbose", false, "enable verbose (debug) logging")
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	flags := config.Flags{Host: *host, Port: *port, KiroBin: *kiroBin, Cwd: *cwd, IdleSecs: *idleSecs, RoutesPath: *routesPath, Verbose: *verbose}
	if strings.TrimSpace(*kiroArgs) != "" {
		flags.KiroArgs = strings.Split(*kiroArgs, ",")
	}
	cfg.ApplyFlags(flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	logger.Info("starting", "version", Version, "config_fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	otelMetrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	routes, err := config.LoadRoutes(cfg.RoutesPath)
	if err != nil {
		fatalStartup(logger, "E_ROUTES_LOAD", err)
	}

	eventBus := bus.NewWithLogger(logger)
	routeWatcher := config.NewWatcher(cfg.RoutesPath, logger)
	if err := routeWatcher.Start(ctx); err != nil {
		logger.Warn("route table watcher failed to start", "error", err)
	}

	sessionPool := pool.New(pool.Config{
		Bin:               cfg.KiroBin,
		Args:              cfg.KiroArgs,
		Cwd:               cfg.Cwd,
		IdleTimeout:       time.Duration(cfg.IdleSecs) * time.Second,
		PromptIdleTimeout: time.Duration(cfg.PromptIdleSecs) * time.Second,
		Routes:            routes,
		Logger:            logger,
		Bus:               eventBus,
		Tracer:            otelProvider.Tracer,
		Metrics:           otelMetrics,
	})
	sessionPool.Start(ctx)
	defer sessionPool.Stop()

	go func() {
		for ev := range routeWatcher.Events() {
			reloaded, err := config.LoadRoutes(cfg.RoutesPath)
			if err != nil {
				logger.Error("route table reload failed, keeping previous table", "path", ev.Path, "error", err)
				continue
			}
			sessionPool.SetRoutes(reloaded)
			logger.Info("route table reloaded", "path", ev.Path, "entries", len(reloaded))
		}
	}()

	gw := gateway.New(gateway.Config{
		Pool:        sessionPool,
		Bus:         eventBus,
		Logger:      logger,
		ServiceName: cfg.OTel.ServiceName,
		Diagnostics: cfg.Diagnostics.Enabled,
	})

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	server := &http.Server{
		Addr:    addr,
		Handler: gw.Handler(),
	}

	lc := &net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(addr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", addr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	drainTimeout := time.Duration(cfg.DrainTimeoutSecs) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sessionPool.Stop()
	logger.Info("shutdown complete")
}

func fatalStartup(logger interface {
	Error(msg string, args ...any)
}, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure (%s): %s\n", reasonCode, message)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change host/port in settings.yaml.", addr)
	}
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pid := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pid, pid)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change host/port in settings.yaml.", port)
}
