package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/simrun/internal/intent"
	"github.com/roach88/simrun/internal/ledger"
	"github.com/roach88/simrun/internal/state"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Key           string
	Manifest      string
	Params        string
	Seed          int64
	Scenarios     []string
	WindowStart   string
	WindowEnd     string
	Strategy      string
	Outputs       []string
	EngineRoot    string
	EngineArgv    []string
	EngineTimeout time.Duration
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run request (one orchestration pass)",
		Long: `Submit one orchestration pass for a run request.

The equivalence key is the idempotency handle: resubmitting the same
logical request returns the same run, while reusing a key with different
content is refused as a collision.

Example:
  simrun submit --db ./simrun.db --data-dir ./data --config ./catalog.yaml \
    --key nightly-2026-08-31 --manifest mf_abc --params ph_def --seed 42 \
    --scenario baseline --window-start 2026-08-31T00:00:00Z --window-end 2026-09-01T00:00:00Z`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "run equivalence key (required)")
	cmd.Flags().StringVar(&opts.Manifest, "manifest", "", "manifest fingerprint (required)")
	cmd.Flags().StringVar(&opts.Params, "params", "", "parameter hash (required)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "engine seed")
	cmd.Flags().StringArrayVar(&opts.Scenarios, "scenario", nil, "scenario id (repeatable; multiple collapse to a derived id)")
	cmd.Flags().StringVar(&opts.WindowStart, "window-start", "", "window start (RFC 3339)")
	cmd.Flags().StringVar(&opts.WindowEnd, "window-end", "", "window end (RFC 3339)")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "AUTO|FORCE_INVOKE|FORCE_REUSE (default from policy)")
	cmd.Flags().StringArrayVar(&opts.Outputs, "output", nil, "explicit output id (repeatable; default from policy)")
	cmd.Flags().StringVar(&opts.EngineRoot, "engine-root", "", "pre-existing engine run root (reuse mode)")
	cmd.Flags().StringArrayVar(&opts.EngineArgv, "engine-cmd", nil, "engine argv element (repeatable)")
	cmd.Flags().DurationVar(&opts.EngineTimeout, "engine-timeout", 30*time.Minute, "engine invocation timeout")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("manifest")
	_ = cmd.MarkFlagRequired("params")

	return cmd
}

func runSubmit(cmd *cobra.Command, opts *SubmitOptions) error {
	rt, err := buildRuntime(opts.RootOptions, opts.EngineArgv, opts.EngineTimeout)
	if err != nil {
		return err
	}
	defer rt.Close()

	req := intent.Request{
		EquivalenceKey:      opts.Key,
		ManifestFingerprint: opts.Manifest,
		ParameterHash:       opts.Params,
		Seed:                opts.Seed,
		Scenarios:           opts.Scenarios,
		WindowStartUTC:      opts.WindowStart,
		WindowEndUTC:        opts.WindowEnd,
		Strategy:            intent.Strategy(opts.Strategy),
		OutputIDs:           opts.Outputs,
		EngineRunRoot:       opts.EngineRoot,
	}

	result, err := rt.Orch.SubmitRun(cmd.Context(), req)
	if err != nil {
		if state.IsCollision(err) {
			return WrapExitError(ExitFailure, "equivalence key collision", err)
		}
		if ledger.IsDrift(err) {
			return WrapExitError(ExitFailure, "drift detected", err)
		}
		return WrapExitError(ExitCommandError, "submit failed", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return formatter.Success(fmt.Sprintf("run %s state=%s reason=%s", result.RunID, result.State, result.Reason))
}
