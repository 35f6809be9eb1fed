package cli

import (
	"context"

	"github.com/kimhsiao/judgesync/internal/config"
	"github.com/kimhsiao/judgesync/internal/db"
	"github.com/kimhsiao/judgesync/internal/logging"
	"github.com/kimhsiao/judgesync/internal/models"
	syncpkg "github.com/kimhsiao/judgesync/internal/sync"
	"github.com/kimhsiao/judgesync/internal/sync/connectivity"
	"github.com/kimhsiao/judgesync/internal/sync/identity"
	"github.com/kimhsiao/judgesync/internal/sync/remote"
	"github.com/kimhsiao/judgesync/internal/sync/retry"
	"github.com/kimhsiao/judgesync/internal/sync/store"
	"github.com/kimhsiao/judgesync/internal/telemetry"
)

// app is the engine and everything it was wired from.
type app struct {
	cfg      *config.Config
	db       *db.DB
	store    *store.Store
	identity *identity.Provider
	monitor  *connectivity.Monitor
	metrics  *telemetry.Metrics
	engine   *syncpkg.Engine
}

// openApp opens the local database and wires an engine. The monitor
// starts offline; callers decide how connectivity is established.
func openApp(cfg *config.Config) (*app, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	metrics, err := telemetry.New(cfg.TelemetryEnabled)
	if err != nil {
		database.Close()
		return nil, WrapExitError(ExitCommandError, "failed to set up telemetry", err)
	}

	a := &app{
		cfg:      cfg,
		db:       database,
		store:    store.New(database.DB),
		identity: identity.NewProvider(database.DB),
		monitor:  connectivity.NewMonitor(false),
		metrics:  metrics,
	}
	client := remote.NewHTTPClient(cfg.ServerURL, remote.WithTimeout(cfg.RequestTimeout))
	a.engine = syncpkg.NewEngine(a.store, a.identity, a.monitor, client,
		syncpkg.WithPolicy(retry.NewPolicy(cfg.MaxRetries)),
		syncpkg.WithStrategy(models.ResolutionStrategy(cfg.Strategy)),
		syncpkg.WithBatchSize(cfg.BatchSize),
		syncpkg.WithMetrics(metrics),
	)
	return a, nil
}

func (a *app) Close() {
	a.engine.Close()
	if err := a.metrics.Shutdown(context.Background()); err != nil {
		logging.Warn("Failed to shut down telemetry", map[string]interface{}{"error": err.Error()})
	}
	if err := a.db.Close(); err != nil {
		logging.Warn("Failed to close database", map[string]interface{}{"error": err.Error()})
	}
}
