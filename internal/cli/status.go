package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/simrun/internal/ledger"
	"github.com/roach88/simrun/internal/objstore"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Facts bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's current state",
		Long: `Show the persisted state snapshot for a run, read straight from the
ledger. Reads never take the lease and never mutate anything.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Facts, "facts", false, "include the committed facts view")

	return cmd
}

type statusView struct {
	Status    *ledger.RunStatus `json:"status"`
	FactsView *ledger.FactsView `json:"facts_view,omitempty"`
}

func runStatus(cmd *cobra.Command, opts *StatusOptions, runID string) error {
	if opts.DataDir == "" {
		return WrapExitError(ExitCommandError, "missing required --data-dir", nil)
	}
	store, err := objstore.NewFS(opts.DataDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open object store", err)
	}
	led := ledger.New(store, LedgerPrefix)

	st, err := led.Status(cmd.Context(), runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run status", err)
	}
	if st == nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("unknown run %q", runID), nil)
	}

	view := statusView{Status: st}
	if opts.Facts {
		fv, err := led.FactsView(cmd.Context(), runID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read facts view", err)
		}
		view.FactsView = fv
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return formatter.Success(view)
	}
	line := fmt.Sprintf("run %s state=%s", st.RunID, st.State)
	if st.Reason != "" {
		line += " reason=" + st.Reason
	}
	if st.PlanHash != "" {
		line += " plan_hash=" + st.PlanHash
	}
	if view.FactsView != nil {
		line += fmt.Sprintf(" bundle=%s bundle_hash=%s", view.FactsView.BundleStatus, view.FactsView.BundleHash)
	}
	return formatter.Success(line)
}
