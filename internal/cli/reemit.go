package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ReemitOptions holds flags for the reemit command.
type ReemitOptions struct {
	*RootOptions
	Kind   string
	DryRun bool
}

// NewReemitCommand creates the reemit command.
func NewReemitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReemitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reemit <run-id>",
		Short: "Re-publish a run's readiness or terminal notification",
		Long: `Re-publish the notification(s) a settled run already produced. The
message-id dedup on the bus makes repeated reemits safe; ledger state is
never touched.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReemit(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "BOTH", "READY_ONLY|TERMINAL_ONLY|BOTH")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "list what would be published without publishing")

	return cmd
}

func runReemit(cmd *cobra.Command, opts *ReemitOptions, runID string) error {
	rt, err := buildRuntime(opts.RootOptions, nil, 0)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.Orch.Reemit(cmd.Context(), runID, opts.Kind, opts.DryRun)
	if err != nil {
		return WrapExitError(ExitFailure, "reemit failed", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	out := cmd.OutOrStdout()
	if len(result.Published) == 0 {
		fmt.Fprintf(out, "run %s: nothing to reemit\n", runID)
		return nil
	}
	verb := "published"
	if result.DryRun {
		verb = "would publish"
	}
	for _, msg := range result.Published {
		fmt.Fprintf(out, "run %s: %s %s message_id=%s\n", runID, verb, msg.Topic, msg.MessageID)
	}
	return nil
}
