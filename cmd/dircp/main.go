// dircp is the directory control plane daemon: schema-aware CRUD, paged
// search, and health monitoring over a fleet of LDAP clusters, fronted by an
// authenticated admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dirfleet/dircp/internal/audit"
	"github.com/dirfleet/dircp/internal/auth"
	"github.com/dirfleet/dircp/internal/config"
	"github.com/dirfleet/dircp/internal/ldap"
	"github.com/dirfleet/dircp/internal/server"
)

func main() {
	configPath := flag.String("config", "dircp.yaml", "path to the cluster descriptor")
	logLevel := flag.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	logJSON := flag.Bool("log-json", false, "emit logs as JSON")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "dircp",
		Level:      hclog.LevelFromString(*logLevel),
		JSONFormat: *logJSON,
	})

	if err := run(*configPath, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger hclog.Logger) error {
	registry, err := config.NewRegistry(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := registry.Current()

	pools := ldap.NewPools(registry, logger)
	defer pools.Close()

	schema := ldap.NewSchemaCache(pools, logger, cfg.SchemaRefresh.Std())
	search := ldap.NewSearchEngine(pools, logger, cfg.CursorIdleTimeout.Std())
	mutator := ldap.NewMutator(pools, schema, search, logger)
	health := ldap.NewHealthMonitor(pools, registry, logger, cfg.HealthInterval.Std())
	gate := auth.NewGate(registry, logger)

	audits, err := buildAuditStream(cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("audit stream: %w", err)
	}
	defer audits.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go health.Run(ctx)
	go schema.Run(ctx)
	go search.Run(ctx)

	applyReload := func() error {
		pools.Reset()
		logger.Info("configuration reloaded", "clusters", len(registry.ListClusters()))
		return nil
	}

	srv := server.New(registry, gate, search, mutator, health, audits, applyReload, logger)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				if err := registry.Reload(); err != nil {
					logger.Error("reload failed, keeping previous configuration", "error", err)
					continue
				}
				if err := applyReload(); err != nil {
					logger.Error("reload apply failed", "error", err)
				}
				continue
			}
			logger.Info("shutting down", "signal", sig.String())
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			return httpSrv.Shutdown(shutdownCtx)
		}
	}
}

func buildAuditStream(cfg config.AuditConfig, logger hclog.Logger) (*audit.Stream, error) {
	var sinks []audit.Sink
	if cfg.Log {
		sinks = append(sinks, audit.NewLogSink(logger))
	}
	if cfg.NATS != "" {
		sink, err := audit.NewNATSSink(cfg.NATS, cfg.NATSSubject, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return audit.NewStream(sinks...), nil
}
