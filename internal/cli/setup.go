package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/simrun/internal/bus"
	"github.com/roach88/simrun/internal/catalog"
	"github.com/roach88/simrun/internal/enginerun"
	"github.com/roach88/simrun/internal/objstore"
	"github.com/roach88/simrun/internal/orchestrator"
	"github.com/roach88/simrun/internal/state"
)

// LedgerPrefix is the fixed store prefix the ledger layout lives under.
const LedgerPrefix = "ledger"

// runtime bundles the wired collaborators for one command invocation.
type runtime struct {
	Orch  *orchestrator.Orchestrator
	State *state.Store
}

func (r *runtime) Close() {
	if r.State != nil {
		_ = r.State.Close()
	}
}

// buildRuntime wires an orchestrator from global flags. Engine argv and
// timeout come from the submit command's flags; commands that never invoke
// pass them empty.
func buildRuntime(opts *RootOptions, engineArgv []string, engineTimeout time.Duration) (*runtime, error) {
	if opts.Config == "" {
		return nil, WrapExitError(ExitCommandError, "missing required --config", nil)
	}
	if opts.DataDir == "" {
		return nil, WrapExitError(ExitCommandError, "missing required --data-dir", nil)
	}
	if opts.DB == "" {
		return nil, WrapExitError(ExitCommandError, "missing required --db", nil)
	}

	cat, err := catalog.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load catalogue config", err)
	}

	store, err := objstore.NewFS(opts.DataDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open object store", err)
	}

	st, err := state.Open(opts.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open coordination database", err)
	}

	ownerID := fmt.Sprintf("%s@%s", uuid.NewString(), hostname())

	return &runtime{
		Orch: &orchestrator.Orchestrator{
			State:        st,
			Store:        store,
			Catalog:      cat,
			Invoker:      &enginerun.SubprocessInvoker{Argv: engineArgv, Timeout: engineTimeout},
			Publisher:    &bus.StorePublisher{Store: store, Prefix: "bus"},
			OwnerID:      ownerID,
			LedgerPrefix: LedgerPrefix,
		},
		State: st,
	}, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
