package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/services"
)

// SyncOptions holds flags for the sync commands.
type SyncOptions struct {
	*RootOptions
	Force bool
}

// NewSyncCommand creates the sync command group.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a reconciliation job once",
	}
	cmd.AddCommand(newSyncCatalogCommand(&SyncOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newSyncDirectoryCommand(&SyncOptions{RootOptions: rootOpts}))
	return cmd
}

func newSyncCatalogCommand(opts *SyncOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Reconcile every configured catalog list",
		Long: `Drain every configured catalog list and reconcile its items into the
local catalog. Records whose version stamp matches the stored copy are
skipped unless --force is given.

Exit status is 0 when the run completes (individual record failures are
reported in the summary), 3 when a list could not be drained, 2 on
configuration or credential errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, opts.RootOptions, func(ctx context.Context, a *app) (*models.RunSummary, error) {
				return a.catalog.Run(ctx, services.RunOptions{Force: opts.Force})
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "update records even when their version stamp is unchanged")
	return cmd
}

func newSyncDirectoryCommand(opts *SyncOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "directory",
		Short: "Reconcile the people directory feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, opts.RootOptions, func(ctx context.Context, a *app) (*models.RunSummary, error) {
				return a.directory.Run(ctx)
			})
		},
	}
}

// runJob executes one job under signal handling and prints its summary.
func runJob(cmd *cobra.Command, opts *RootOptions, job func(ctx context.Context, a *app) (*models.RunSummary, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, runErr := job(ctx, a)
	if summary != nil {
		out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		if err := out.Summary(summary); err != nil {
			return WrapExitError(ExitFailure, "failed to write summary", err)
		}
	}
	if runErr != nil {
		return WrapExitError(exitCodeFor(runErr), "sync failed", runErr)
	}
	if len(summary.FailedLists) > 0 {
		return &ExitError{Code: ExitPartialError, Message: "one or more lists could not be drained"}
	}
	return nil
}
