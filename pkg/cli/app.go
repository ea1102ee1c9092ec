package cli

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/config"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/logging"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/services"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/source"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/upstream"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/workerpool"
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *database.DB

	runs     repositories.RunRepository
	outcomes repositories.OutcomeRepository

	catalog   services.CatalogSync
	directory services.DirectorySync
}

// loadConfig reads configuration and builds the process logger.
func loadConfig(opts *RootOptions) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.Version)
	if err != nil {
		return nil, nil, WrapExitError(ExitConfigError, "failed to load config", err)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, WrapExitError(ExitConfigError, "failed to build logger", err)
	}
	return cfg, logger, nil
}

// connect opens the database pool described by cfg.
func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*database.DB, error) {
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to connect to database", err)
	}

	logger.Info("Connected to database",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Database))
	return db, nil
}

// newApp builds the full dependency graph: one token source and executor per
// process, one governor per job so each run has its own ceiling.
func newApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	db, err := connect(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Upstream.RequestTimeout}
	tokens := upstream.NewTokenSource(upstream.TokenConfig{
		TokenURL:     cfg.Upstream.TokenURL,
		ClientID:     cfg.Upstream.ClientID,
		ClientSecret: cfg.Upstream.ClientSecret,
		Scope:        cfg.Upstream.Scope,
		Margin:       cfg.Upstream.TokenMargin,
	}, httpClient, logger)
	executor := upstream.NewExecutor(upstream.ExecutorConfigFrom(cfg), tokens, httpClient, logger)
	paginator := upstream.NewPaginator(executor, logger)

	catalogRepo := repositories.NewCatalogRepository(db)
	outcomeRepo := repositories.NewOutcomeRepository(db)
	runRepo := repositories.NewRunRepository(db)
	profileRepo := repositories.NewProfileRepository(db)

	sink := services.NewAuditSink(outcomeRepo, logger)
	reconciler := services.NewReconciler(catalogRepo, sink, cfg.Catalog.SecondaryLanguage, logger)

	catalog := services.NewCatalogSync(
		cfg,
		paginator,
		source.NewRegistry(),
		reconciler,
		sink,
		runRepo,
		workerpool.New(workerpool.Config{MaxConcurrent: cfg.Catalog.Concurrency}, logger),
		logger,
	)
	directory := services.NewDirectorySync(
		cfg,
		paginator,
		profileRepo,
		sink,
		runRepo,
		workerpool.New(workerpool.Config{MaxConcurrent: cfg.Directory.Concurrency}, logger),
		logger,
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		runs:      runRepo,
		outcomes:  outcomeRepo,
		catalog:   catalog,
		directory: directory,
	}, nil
}

func (a *app) Close() {
	a.db.Close()
	_ = a.logger.Sync()
}

