package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/officebus/internal/audit"
	"github.com/jkaninda/officebus/internal/bus"
	"github.com/jkaninda/officebus/internal/config"
	"github.com/jkaninda/officebus/internal/notification"
	"github.com/jkaninda/officebus/internal/observability"
	"github.com/jkaninda/officebus/internal/orchestrator"
	"github.com/jkaninda/officebus/internal/storage"
	pgstore "github.com/jkaninda/officebus/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/officebus/internal/storage/sqlite"
	"github.com/jkaninda/officebus/internal/watchdog"
)

// SharedComponents holds every initialized subsystem of the serve command.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs      *observability.Observability
	Store    storage.Store // nil unless a component persists to the database.
	Bus      *bus.Bus
	Recorder *audit.Recorder       // nil = audit disabled.
	Notifier *notification.Notifier // nil = notifications disabled.
	Watchdog *watchdog.Watchdog     // nil = actions wait indefinitely.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared builds the bus and its observers. Observers are attached by
// attachObservers so they can be attached again after a reset.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Orchestrator client.
	client, err := orchestrator.NewClient(orchestrator.Config{
		BaseURL:     cfg.Orchestrator.URL,
		ExecutePath: cfg.Orchestrator.ExecutePath,
		Token:       cfg.Orchestrator.Token,
		Timeout:     cfg.Orchestrator.Timeout(),
		UserAgent:   "officebus/" + version,
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing orchestrator client: %w", err)
	}
	if ts := obs.TracerOrNil(); ts != nil {
		client.WithPropagator(ts.Propagator())
	}
	logger.Debug("orchestrator client initialized", slog.String("endpoint", client.Endpoint()))

	var executor orchestrator.Executor = client
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil {
		executor = observability.NewInstrumentedExecutor(client, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}

	// Bus.
	b := bus.New(executor, logger)
	if ts := obs.TracerOrNil(); ts != nil {
		b.WithTracer(ts.Tracer())
	}
	sc.Bus = b
	if m := obs.MetricsOrNil(); m != nil {
		m.ObservePending(b.PendingCount)
		m.CountHandlerFailures(b.Events())
	}

	// Storage (only when a component persists to it).
	if cfg.NeedsDatabase() {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Audit trail.
	if cfg.Audit != nil && cfg.Audit.Enabled {
		var sinks []audit.Store
		fileLog, err := audit.OpenFileLog(cfg.AuditLogPath(), logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing audit log: %w", err)
		}
		sc.addCleanup(func() {
			if err := fileLog.Close(); err != nil {
				logger.Error("closing audit log", slog.String("error", err.Error()))
			}
		})
		sinks = append(sinks, fileLog)
		if sc.Store != nil {
			sinks = append(sinks, sc.Store.Audit())
		}
		sc.Recorder = audit.NewRecorder(logger, sinks...)
		logger.Debug("audit recorder initialized",
			slog.String("path", cfg.AuditLogPath()),
			slog.Bool("database", sc.Store != nil),
		)
	}

	// Confirmation notifications.
	if cfg.Notification != nil && cfg.Notification.Enabled {
		dispatcher, err := notification.FromConfig(cfg.Notification, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing notifications: %w", err)
		}
		sc.Notifier = notification.NewNotifier(dispatcher, logger)
		sc.addCleanup(sc.Notifier.Wait)
		logger.Debug("notification dispatcher initialized", slog.Int("channels", len(cfg.Notification.Channels)))
	}

	// Watchdog.
	if cfg.Watchdog != nil && cfg.Watchdog.Enabled {
		var wdMetrics *watchdog.Metrics
		if m := obs.MetricsOrNil(); m != nil {
			wdMetrics = watchdog.NewMetrics(m.Registry)
		}
		sc.Watchdog = watchdog.New(b, cfg.Watchdog, wdMetrics, logger)
		logger.Debug("watchdog initialized",
			slog.Int("yellow_timeout_seconds", cfg.Watchdog.YellowTimeoutSeconds),
			slog.Int("red_timeout_seconds", cfg.Watchdog.RedTimeoutSeconds),
			slog.String("schedule", cfg.Watchdog.SweepSchedule()),
		)
	}

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.ReportPending(b.PendingCount)
	}
	if obs != nil && obs.Health != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB && sc.Store != nil {
			obs.Health.AddCheck("database", sc.Store.Ping)
		}
		if cfg.Observability.Health.IncludeOrchestrator {
			obs.Health.AddCheck("orchestrator", observability.ReachabilityCheck(cfg.Orchestrator.URL))
		}
	}

	sc.attachObservers()
	sc.reattachOnReset()

	return sc, nil
}

// reattachOnReset subscribes the observers again after every bus reset, so
// POST /v1/admin/reset drops pending actions but not the audit trail.
func (sc *SharedComponents) reattachOnReset() {
	sc.Bus.OnReset(func() {
		if sc.Watchdog != nil {
			sc.Watchdog.Clear()
		}
		sc.attachObservers()
		sc.Logger.Info("observers re-attached after reset")
	})
}

// attachObservers subscribes every long-lived observer to the bus.
// Gateways attach their own handlers.
func (sc *SharedComponents) attachObservers() {
	if m := sc.Obs.MetricsOrNil(); m != nil {
		m.Attach(sc.Bus)
	}
	if sc.Recorder != nil {
		sc.Recorder.Attach(sc.Bus)
	}
	if sc.Notifier != nil {
		sc.Notifier.Attach(sc.Bus)
	}
	if sc.Watchdog != nil {
		sc.Watchdog.Attach()
	}
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or OFFICEBUS_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	store, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return store, nil
}
