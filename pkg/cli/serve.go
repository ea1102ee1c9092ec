package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/handlers"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/middleware"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/services"
)

const shutdownTimeout = 30 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	SyncInterval time.Duration
	Migrate      bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP server and optional scheduled syncs",
		Long: `Start the admin HTTP server exposing health, metrics, run history and
on-demand resync. With --sync-interval set, the catalog and directory jobs
run on that schedule until the process is stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().DurationVar(&opts.SyncInterval, "sync-interval", 0, "run both sync jobs at this interval (0 disables)")
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", true, "apply pending migrations on start")

	return cmd
}

func runServe(parent context.Context, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.Migrate {
		if err := database.RunMigrations(a.db, a.logger); err != nil {
			return WrapExitError(ExitFailure, "migration failed", err)
		}
	}

	mux := http.NewServeMux()
	handlers.NewHealthHandler(a.cfg, a.db, a.logger).RegisterRoutes(mux)
	handlers.NewSyncHandler(a.catalog, a.runs, a.outcomes, a.logger).RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = middleware.Recoverer(a.logger)(handler)
	handler = middleware.RequestLogger(a.logger)(handler)

	server := &http.Server{
		Addr:              a.cfg.Server.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if opts.SyncInterval > 0 {
		sched := newScheduler(a.catalog, a.directory, opts.SyncInterval, a.logger)
		schedCtx, stopSched := context.WithCancel(ctx)
		sched.Start(schedCtx)
		// Deferred after a.Close: the pool stays open until the pass returns.
		defer func() {
			stopSched()
			sched.Wait()
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting admin server",
			zap.String("addr", server.Addr),
			zap.String("version", a.cfg.Version),
			zap.Duration("sync_interval", opts.SyncInterval))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return WrapExitError(ExitFailure, "admin server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down admin server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// scheduler runs both jobs back to back on every tick. A tick that fires
// while a pass is still running is dropped by the ticker.
type scheduler struct {
	catalog   services.CatalogSync
	directory services.DirectorySync
	interval  time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup
}

func newScheduler(catalog services.CatalogSync, directory services.DirectorySync, interval time.Duration, logger *zap.Logger) *scheduler {
	return &scheduler{
		catalog:   catalog,
		directory: directory,
		interval:  interval,
		logger:    logger.Named("scheduler"),
	}
}

// Start launches the loop. It stops when ctx is done.
func (s *scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Wait blocks until the loop and any pass it started have returned.
func (s *scheduler) Wait() {
	s.wg.Wait()
}

func (s *scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := s.catalog.Run(ctx, services.RunOptions{}); err != nil {
			s.logger.Error("Scheduled catalog sync failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := s.directory.Run(ctx); err != nil {
			s.logger.Error("Scheduled directory sync failed", zap.Error(err))
		}
	}
}
