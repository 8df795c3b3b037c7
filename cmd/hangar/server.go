package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hangarci/hangar/pkg/api"
	"github.com/hangarci/hangar/pkg/auth"
	"github.com/hangarci/hangar/pkg/blob"
	"github.com/hangarci/hangar/pkg/config"
	"github.com/hangarci/hangar/pkg/dispatch"
	"github.com/hangarci/hangar/pkg/events"
	"github.com/hangarci/hangar/pkg/health"
	"github.com/hangarci/hangar/pkg/log"
	"github.com/hangarci/hangar/pkg/metrics"
	"github.com/hangarci/hangar/pkg/store"
	"github.com/hangarci/hangar/pkg/supervisor"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the build controller",
	Long: `Start the controller: HTTP API, dispatch engine, liveness
supervisor and metrics collector. Configuration comes from HANGAR_*
environment variables and an optional YAML file.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		return runServer(configFile)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to a YAML config file")
}

func runServer(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("dispatch_mode", cfg.DispatchMode).
		Msg("Starting hangar controller")

	// Storage first: a bad root should fail before we touch the DB.
	blobs, err := blob.New(cfg.StorageRoot)
	if err != nil {
		return fmt.Errorf("failed to open storage root: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	// Recovery snapshot: how much work survived the restart.
	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	stats, err := st.Statistics(startupCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("store is not reachable: %w", err)
	}
	logger.Info().
		Int("pending_builds", stats.Builds.Pending).
		Int("active_builds", stats.Builds.Assigned+stats.Builds.Building).
		Int("workers", stats.Workers.Total).
		Msg("Recovered state from store")

	broker := events.NewBroker()
	broker.Start()

	engine := dispatch.New(cfg, st, broker)
	if err := engine.Start(); err != nil {
		return fmt.Errorf("failed to start dispatch engine: %w", err)
	}

	sup := supervisor.New(cfg, st, broker)
	sup.Start()

	collector := metrics.NewCollector(st)
	collector.Start()

	checks := health.NewRegistry(5 * time.Second)
	checks.Register(health.NewDatabaseChecker(st))
	checks.Register(health.NewStorageChecker(cfg.StorageRoot))

	authn := auth.New(st, cfg.APIKey)
	server := api.NewServer(cfg, st, blobs, engine, broker, authn, checks, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("HTTP server failed")
	}

	// Teardown in reverse start order, bounded by the grace period.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown did not drain cleanly")
	}
	collector.Stop()
	sup.Stop()
	engine.Stop()
	broker.Stop()

	logger.Info().Msg("Shutdown complete")
	return nil
}

// openStore selects the backend and applies migrations when asked.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.InMemory() {
		logger := log.WithComponent("main")
		logger.Warn().Msg("Using the in-memory store; state will not survive a restart")
		return store.NewMem(), nil
	}

	pg, err := store.OpenPostgres(cfg.DatabaseURL, store.PostgresOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := store.MigrateUp(ctx, pg.DB().DB); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}
	return pg, nil
}
