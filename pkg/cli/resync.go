package cli

import (
	"github.com/spf13/cobra"
)

// ResyncOptions holds flags for the resync command.
type ResyncOptions struct {
	*RootOptions
	Origin   string
	SourceID string
}

// NewResyncCommand creates the resync command.
func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Fetch and reconcile one catalog item, ignoring its version stamp",
		Long: `Fetch a single item from a configured list and force it through
reconciliation.

Example:
  ekaya-catalog-sync resync --origin tools --id 47`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			outcome, err := a.catalog.Resync(cmd.Context(), opts.Origin, opts.SourceID)
			if err != nil {
				return WrapExitError(exitCodeFor(err), "resync failed", err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if err := out.Outcome(outcome); err != nil {
				return err
			}
			if !outcome.Succeeded() {
				return &ExitError{Code: ExitFailure, Message: "record could not be reconciled"}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Origin, "origin", "", "origin reference of the list (required)")
	cmd.Flags().StringVar(&opts.SourceID, "id", "", "upstream item id (required)")
	_ = cmd.MarkFlagRequired("origin")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}
