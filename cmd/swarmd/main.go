// Command swarmd runs the swarm coordination engine: the SQLite-backed
// store, the capability-gated HTTP tool-call and REST surfaces, the cron
// scheduler, and the follow-up task runner.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/go-claw/internal/audit"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/followup"
	"github.com/basket/go-claw/internal/httpapi"
	otelpkg "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/policy"
	"github.com/basket/go-claw/internal/scheduler"
	"github.com/basket/go-claw/internal/store"
	"github.com/basket/go-claw/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "dev"

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	}
	os.Exit(1)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 && os.Args[1] == "doctor" {
		os.Exit(runDoctorCommand(ctx, os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	eventBus := bus.NewWithLogger(logger)

	metricsEnabled := true
	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        cfg.OTelExporter != "none",
		Exporter:       cfg.OTelExporter,
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    "swarmd",
		SampleRate:     cfg.OTelSampleRate,
		MetricsEnabled: &metricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(ctx) }()

	st, err := store.Open(cfg.DatabasePath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DatabasePath)

	policyPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	polData, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	if len(cfg.Capabilities) > 0 {
		polData = policy.Policy{AllowCapabilities: cfg.Capabilities}
	}
	pol := policy.NewLivePolicy(polData, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "version", pol.PolicyVersion())

	sched := scheduler.New(scheduler.Config{
		Store:    st,
		Logger:   logger,
		Interval: cfg.SchedulerInterval(),
	})
	sched.Start(ctx)
	defer sched.Stop()

	followupRunner := followup.New(eventBus, st, logger)
	followupRunner.Start(ctx)
	defer followupRunner.Stop()

	httpapi.Version = Version
	srv, err := httpapi.New(httpapi.Config{
		Store:   st,
		Bus:     eventBus,
		Policy:  pol,
		Logger:  logger,
		Auth:    cfg.Auth,
		CORS:    cfg.CORS,
		RateLim: cfg.RateLimit,
	})
	if err != nil {
		fatalStartup(logger, "E_HTTPAPI_INIT", err)
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}
