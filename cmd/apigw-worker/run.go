package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aiverify/apigw-worker/pkg/api"
	"github.com/aiverify/apigw-worker/pkg/config"
	"github.com/aiverify/apigw-worker/pkg/events"
	"github.com/aiverify/apigw-worker/pkg/fastkv"
	"github.com/aiverify/apigw-worker/pkg/keyspace"
	"github.com/aiverify/apigw-worker/pkg/metrics"
	"github.com/aiverify/apigw-worker/pkg/reconciler"
	"github.com/aiverify/apigw-worker/pkg/schema"
	"github.com/aiverify/apigw-worker/pkg/store"
	"github.com/aiverify/apigw-worker/pkg/worker"
)

const shutdownTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the reconciliation worker",
	Long: `Subscribe to keyspace notifications for task and service hashes and
reconcile them until interrupted. The HTTP API is served alongside when
api.enabled is set.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if logLevel == "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	kv, err := fastkv.NewRedis(cfg.Redis.Address)
	if err != nil {
		return fmt.Errorf("creating redis client: %w", err)
	}

	defer func() { _ = kv.Close() }()

	if err := kv.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	if cfg.Redis.ConfigureNotifications {
		if err := kv.EnableKeyspaceNotifications(ctx); err != nil {
			log.WithError(err).Warn("Could not enable keyspace notifications, relying on server config")
		} else {
			log.Info("Keyspace notifications enabled on redis")
		}
	}

	bus, err := events.NewBus(cfg.Events, cfg.Redis.Address)
	if err != nil {
		return fmt.Errorf("creating event bus: %w", err)
	}

	defer func() { _ = bus.Close() }()

	schemas := schema.NewRegistry()

	if cfg.Schemas.Dir != "" {
		schemas, err = schema.LoadDir(cfg.Schemas.Dir)
		if err != nil {
			return fmt.Errorf("loading output schemas: %w", err)
		}

		log.WithField("schemas", schemas.Len()).Info("Algorithm output schemas loaded")
	}

	recorder, err := metrics.New(ctx, log, &cfg.Metrics)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := recorder.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to flush metrics")
		}
	}()

	var srv api.Server

	if cfg.API.Enabled {
		srv = api.NewServer(log, &cfg.API, st, bus)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting api server: %w", err)
		}
	}

	rec := reconciler.New(log, st, kv, schemas, bus, recorder)
	prefixes := keyspace.Prefixes{
		Task:    cfg.Redis.TaskPrefix,
		Service: cfg.Redis.ServicePrefix,
	}

	w := worker.New(log, &cfg.Worker, kv, prefixes, rec, recorder)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	log.WithFields(logrus.Fields{
		"version": version,
		"events":  cfg.Events.Backend,
		"api":     cfg.API.Enabled,
	}).Info("apigw-worker running")

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := w.Stop(); err != nil {
		log.WithError(err).Warn("Worker stop error")
	}

	if srv != nil {
		if err := srv.Stop(); err != nil {
			log.WithError(err).Warn("API server stop error")
		}
	}

	return nil
}
