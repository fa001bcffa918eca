// Package app wires the store, the REST controller and the forecast cycle
// into one daemon.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hydrowatch/waterlevel-forecast/internal/log"
	"github.com/hydrowatch/waterlevel-forecast/internal/pipeline"
	"github.com/hydrowatch/waterlevel-forecast/internal/restserver"
	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
	"github.com/hydrowatch/waterlevel-forecast/pkg/config"
)

// App represents the main application.
type App struct {
	configProvider config.ConfigProvider
	logger         *zap.SugaredLogger
	clock          clockwork.Clock
}

// New creates a new application instance.
func New(configProvider config.ConfigProvider, logger *zap.SugaredLogger) *App {
	return &App{
		configProvider: configProvider,
		logger:         logger,
		clock:          clockwork.NewRealClock(),
	}
}

// OpenStore connects the configured storage backend.
func OpenStore(cfg *config.ConfigData, logger *zap.SugaredLogger) (timeseries.Store, error) {
	switch {
	case cfg.Storage.TimescaleDB != nil && cfg.Storage.TimescaleDB.ConnectionString != "":
		return timeseries.NewPostgresStore(cfg.Storage.TimescaleDB.ConnectionString, logger)
	case cfg.Storage.SQLite != nil && cfg.Storage.SQLite.Path != "":
		db, err := sql.Open("sqlite", cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("could not open SQLite database: %w", err)
		}
		store := timeseries.NewSQLiteStore(db, logger)
		if err := store.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("no storage backend configured")
}

// Run starts the application and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := a.configProvider.LoadConfig()
	if err != nil {
		return err
	}

	store, err := OpenStore(cfg, a.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctrl, err := restserver.NewController(ctx, &wg, store, *cfg, a.clock, a.logger)
	if err != nil {
		return err
	}
	if err := ctrl.StartController(); err != nil {
		return err
	}

	svc := ctrl.Service()
	runner := pipeline.New(store, svc.Engine(), svc.Mappings(), svc.Bulletins(), cfg.Cycle, a.clock, a.logger)
	wg.Add(1)
	go a.runCycles(ctx, &wg, runner)

	log.Info("Application started successfully")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		log.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down...")
	}

	cancel()

	log.Info("waiting for all workers to terminate...")
	wg.Wait()
	log.Info("shutdown complete")

	return nil
}

// runCycles executes one forecast cycle immediately and then once per day.
func (a *App) runCycles(ctx context.Context, wg *sync.WaitGroup, runner *pipeline.Runner) {
	defer wg.Done()

	a.cycleOnce(ctx, runner)

	ticker := a.clock.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			a.cycleOnce(ctx, runner)
		}
	}
}

func (a *App) cycleOnce(ctx context.Context, runner *pipeline.Runner) {
	if err := runner.Maintain(ctx); err != nil {
		log.Errorf("partition maintenance failed: %v", err)
	}
	date := a.clock.Now().UTC().Truncate(24 * time.Hour)
	if err := runner.RunCycle(ctx, date); err != nil {
		log.Errorf("forecast cycle failed: %v", err)
	}
}
