package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/opencanvas/genstudio-api/internal/config"
	"github.com/opencanvas/genstudio-api/internal/events"
	"github.com/opencanvas/genstudio-api/internal/platform/blobstore"
	"github.com/opencanvas/genstudio-api/internal/platform/memindex"
	"github.com/opencanvas/genstudio-api/internal/platform/postgres"
	"github.com/opencanvas/genstudio-api/internal/platform/redisindex"
	"github.com/opencanvas/genstudio-api/internal/provider"
	"github.com/opencanvas/genstudio-api/internal/provider/ark"
	"github.com/opencanvas/genstudio-api/internal/provider/gemini"
	"github.com/opencanvas/genstudio-api/internal/service"
	"github.com/opencanvas/genstudio-api/internal/store"
	"github.com/opencanvas/genstudio-api/internal/task"
)

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	// Configuration
	config *config.Config

	// Core services
	logger *slog.Logger
	db     *sql.DB

	// Stores (using interfaces for proper abstraction)
	taskStore store.TaskStore
	ledger    store.CreditLedger
	nodeIndex store.NodeTaskIndex

	// Artifact storage
	artifactStore *blobstore.FSStore

	// Provider adapters
	registry *provider.Registry

	// Event system
	eventEmitter events.EventEmitter

	// Task subsystem
	admission  *service.Admission
	supervisor *task.Supervisor
	reaper     *task.Reaper

	// API facade
	orchestrator *service.Orchestrator

	// Redis connection, nil when the in-process index is used
	redisClient *redis.Client

	// stopReaper cancels the reaper's sweep loop
	stopReaper context.CancelFunc
}

// newApplication creates a new application instance with all dependencies
// initialized. It accepts core dependencies like configuration, logger, and
// database connection that must be established before initialization.
func newApplication(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *sql.DB,
) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	// Stores
	app.taskStore = postgres.NewPostgresTaskStore(db)
	app.ledger = postgres.NewPostgresCreditLedger(db)

	// Node-task index: Redis when configured, in-process otherwise.
	if cfg.Redis.Addr != "" {
		app.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := app.redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		app.nodeIndex = redisindex.New(app.redisClient)
		logger.Info("Node-task index backed by Redis", "addr", cfg.Redis.Addr)
	} else {
		app.nodeIndex = memindex.New()
		logger.Info("Node-task index backed by in-process map")
	}

	// Artifact storage
	var err error
	app.artifactStore, err = blobstore.NewFSStore(cfg.Storage.ArtifactDir, cfg.Storage.ArtifactBaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact storage: %w", err)
	}

	// Provider adapters
	app.registry, err = setupProviders(ctx, cfg, app.artifactStore, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up providers: %w", err)
	}

	// Event emitter
	app.eventEmitter = events.NewInMemoryEventEmitter(logger)

	// Admission: policy, quota, and billing decisions.
	app.admission = service.NewAdmission(db, app.taskStore, app.ledger, nil, service.AdmissionConfig{
		MaxActivePerUser: cfg.Admission.MaxActivePerUser,
		FreeDailyLimit:   cfg.Admission.FreeDailyLimit,
	})

	// Polling supervisor and zombie reaper.
	materializer := service.NewMaterializer(app.artifactStore, nil)
	app.supervisor = task.NewSupervisor(
		app.taskStore,
		app.registry,
		app.admission,
		materializer,
		app.eventEmitter,
		task.SupervisorConfig{
			MaxConcurrent:   cfg.Task.MaxConcurrent,
			PollInterval:    time.Duration(cfg.Task.PollIntervalSeconds) * time.Second,
			MaxPollAttempts: cfg.Task.MaxPollAttempts,
			Strategies: []task.SubmissionStrategy{
				task.DirectSubmission{},
				task.InlinePayloadSubmission{},
				task.MirrorHostSubmission{MirrorHost: cfg.Provider.ReferenceMirrorHost},
			},
		},
		logger,
	)
	app.reaper = task.NewReaper(
		app.taskStore,
		app.admission,
		app.eventEmitter,
		time.Duration(cfg.Task.ReaperIntervalMinutes)*time.Minute,
		time.Duration(cfg.Task.StaleThresholdMinutes)*time.Minute,
		logger,
	)

	// The facade the API layer talks to.
	// No sharing collaborator is deployed yet, so reads stay owner-only.
	app.orchestrator = service.NewOrchestrator(
		app.taskStore,
		app.admission,
		app.supervisor,
		app.nodeIndex,
		app.registry,
		nil,
		app.eventEmitter,
	)

	logger.Info("Application initialized successfully",
		"providers", app.registry.IDs())
	return app, nil
}

// setupProviders registers an adapter per configured provider credential.
// A deployment with no credentials still boots; it just cannot admit tasks
// for the missing providers.
func setupProviders(
	ctx context.Context,
	cfg *config.Config,
	sink gemini.ArtifactSink,
	logger *slog.Logger,
) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	if cfg.Provider.ArkAPIKey != "" {
		arkAdapter, err := ark.NewVideoAdapter(ark.Config{
			APIKey:  cfg.Provider.ArkAPIKey,
			BaseURL: cfg.Provider.ArkBaseURL,
			ModelID: cfg.Provider.ArkModelID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ark adapter: %w", err)
		}
		if err := registry.Register(arkAdapter); err != nil {
			return nil, err
		}
		logger.Info("Registered provider", "provider_id", arkAdapter.ID())
	}

	if cfg.Provider.GeminiAPIKey != "" {
		geminiAdapter, err := gemini.NewImageAdapter(ctx, gemini.Config{
			APIKey: cfg.Provider.GeminiAPIKey,
			Model:  cfg.Provider.GeminiModel,
		}, sink)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gemini adapter: %w", err)
		}
		if err := registry.Register(geminiAdapter); err != nil {
			return nil, err
		}
		logger.Info("Registered provider", "provider_id", geminiAdapter.ID())
	}

	if len(registry.IDs()) == 0 {
		logger.Warn("No provider credentials configured; all submissions will be rejected")
	}

	return registry, nil
}

// Run starts the reaper and the HTTP server, handling lifecycle and cleanup.
func (app *application) Run(ctx context.Context) error {
	reaperCtx, stopReaper := context.WithCancel(ctx)
	app.stopReaper = stopReaper
	go app.reaper.Run(reaperCtx)

	router := app.setupRouter()

	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.stopReaper != nil {
		app.stopReaper()
	}

	// Give in-flight polling goroutines a moment to notice shutdown. Tasks
	// they leave behind stay PROCESSING and are recovered by the reaper on
	// the next boot.
	if app.supervisor != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.supervisor.Shutdown(shutdownCtx); err != nil {
			app.logger.Warn("Supervisor shutdown timed out", "error", err)
		}
	}

	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			app.logger.Error("Error closing redis connection", "error", err)
		}
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
