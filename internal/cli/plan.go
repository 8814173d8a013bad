package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/simrun/internal/catalog"
	"github.com/roach88/simrun/internal/intent"
	"github.com/roach88/simrun/internal/plan"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	Key         string
	Manifest    string
	Params      string
	Seed        int64
	Scenarios   []string
	WindowStart string
	WindowEnd   string
	Strategy    string
	Outputs     []string
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compile a run plan without committing it",
		Long: `Compile the plan a submit would produce for this request and print it.
Nothing is written: no identity is registered, no lease is taken, and the
plan is not committed to the ledger.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "run equivalence key (required)")
	cmd.Flags().StringVar(&opts.Manifest, "manifest", "", "manifest fingerprint (required)")
	cmd.Flags().StringVar(&opts.Params, "params", "", "parameter hash (required)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "engine seed")
	cmd.Flags().StringArrayVar(&opts.Scenarios, "scenario", nil, "scenario id (repeatable)")
	cmd.Flags().StringVar(&opts.WindowStart, "window-start", "", "window start (RFC 3339)")
	cmd.Flags().StringVar(&opts.WindowEnd, "window-end", "", "window end (RFC 3339)")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "AUTO|FORCE_INVOKE|FORCE_REUSE (default from policy)")
	cmd.Flags().StringArrayVar(&opts.Outputs, "output", nil, "explicit output id (repeatable; default from policy)")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("manifest")
	_ = cmd.MarkFlagRequired("params")

	return cmd
}

func runPlan(cmd *cobra.Command, opts *PlanOptions) error {
	if opts.Config == "" {
		return WrapExitError(ExitCommandError, "missing required --config", nil)
	}
	cat, err := catalog.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load catalogue config", err)
	}

	in, err := intent.Normalize(intent.Request{
		EquivalenceKey:      opts.Key,
		ManifestFingerprint: opts.Manifest,
		ParameterHash:       opts.Params,
		Seed:                opts.Seed,
		Scenarios:           opts.Scenarios,
		WindowStartUTC:      opts.WindowStart,
		WindowEndUTC:        opts.WindowEnd,
		Strategy:            intent.Strategy(opts.Strategy),
		OutputIDs:           opts.Outputs,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid request", err)
	}

	runID := intent.RunID(in.EquivalenceKey)
	compiled, err := plan.Compile(in, runID, cat, time.Now().UTC())
	if err != nil {
		if plan.IsUnknownID(err) {
			return WrapExitError(ExitFailure, "plan compilation failed", err)
		}
		return WrapExitError(ExitCommandError, "plan compilation failed", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return formatter.Success(compiled)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run_id:           %s\n", compiled.RunID)
	fmt.Fprintf(out, "plan_hash:        %s\n", compiled.PlanHash)
	fmt.Fprintf(out, "policy_revision:  %s\n", compiled.PolicyRevision)
	fmt.Fprintf(out, "strategy:         %s\n", compiled.Strategy)
	fmt.Fprintf(out, "outputs:          %s\n", strings.Join(compiled.OutputIDs, ", "))
	fmt.Fprintf(out, "gates:            %s\n", strings.Join(compiled.GateIDs, ", "))
	fmt.Fprintf(out, "evidence_deadline: %s\n", compiled.EvidenceDeadlineUTC)
	fmt.Fprintf(out, "attempt_limit:    %d\n", compiled.AttemptLimit)
	return nil
}
