package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/simrun/internal/catalog"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the catalogue config",
		Long: `Validate the catalogue config against its schema and check every
cross-reference: gate upstreams, authorized outputs, prerequisite gates,
and the policy's default output set.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts)
		},
	}

	return cmd
}

func runValidate(cmd *cobra.Command, opts *RootOptions) error {
	if opts.Config == "" {
		return WrapExitError(ExitCommandError, "missing required --config", nil)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	cat, err := catalog.Load(opts.Config)
	if err != nil {
		if opts.Format == "json" {
			_ = formatter.Error("INVALID_CATALOG", err.Error())
			return WrapExitError(ExitFailure, "catalogue validation failed", nil)
		}
		return WrapExitError(ExitFailure, "catalogue validation failed", err)
	}

	summary := map[string]any{
		"policy_revision": cat.Policy.Revision,
		"outputs":         len(cat.Outputs),
		"gates":           len(cat.Gates),
	}
	if opts.Format == "json" {
		return formatter.Success(summary)
	}
	return formatter.Success(fmt.Sprintf("catalogue ok: revision=%s outputs=%d gates=%d",
		cat.Policy.Revision, len(cat.Outputs), len(cat.Gates)))
}
