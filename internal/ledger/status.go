package ledger

import (
	"errors"
	"fmt"
)

// State is a run lifecycle state.
type State string

const (
	StateOpen        State = "OPEN"
	StatePlanned     State = "PLANNED"
	StateExecuting   State = "EXECUTING"
	StateWaiting     State = "WAITING_EVIDENCE"
	StateReady       State = "READY"
	StateFailed      State = "FAILED"
	StateQuarantined State = "QUARANTINED"
)

// Terminal reports whether a state accepts no transitions other than
// idempotent self-redelivery.
func (s State) Terminal() bool {
	switch s {
	case StateReady, StateFailed, StateQuarantined:
		return true
	}
	return false
}

// transitions is the authority for which state changes are legal. Terminal
// states accept only self-transitions, which exist so re-delivered commits
// stay idempotent.
var transitions = map[State]map[State]bool{
	StateOpen: {
		StatePlanned:     true,
		StateWaiting:     true,
		StateReady:       true,
		StateFailed:      true,
		StateQuarantined: true,
	},
	StatePlanned: {
		StateExecuting:   true,
		StateWaiting:     true,
		StateReady:       true,
		StateFailed:      true,
		StateQuarantined: true,
	},
	StateExecuting: {
		StateExecuting:   true,
		StateWaiting:     true,
		StateReady:       true,
		StateFailed:      true,
		StateQuarantined: true,
	},
	StateWaiting: {
		StateWaiting:     true,
		StateReady:       true,
		StateFailed:      true,
		StateQuarantined: true,
	},
	StateReady:       {StateReady: true},
	StateFailed:      {StateFailed: true},
	StateQuarantined: {StateQuarantined: true},
}

// InvalidTransitionError reports an attempted transition outside the
// table. The prior status snapshot is left untouched.
type InvalidTransitionError struct {
	RunID string
	From  State
	To    State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for run %s", e.From, e.To, e.RunID)
}

// IsInvalidTransition reports whether err is a transition table violation.
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}

// checkTransition validates from -> to against the table.
func checkTransition(runID string, from, to State) error {
	if allowed, ok := transitions[from]; ok && allowed[to] {
		return nil
	}
	return &InvalidTransitionError{RunID: runID, From: from, To: to}
}

// RunStatus is the derived status snapshot for one run. Snapshot writes
// are whole-document replacements; a reader never observes a partial
// update.
type RunStatus struct {
	RunID        string `json:"run_id"`
	State        State  `json:"state"`
	UpdatedAtUTC string `json:"updated_at_utc"`
	Reason       string `json:"reason,omitempty"`
	PlanHash     string `json:"plan_hash,omitempty"`
	RecordRef    string `json:"record_ref"`
	FactsViewRef string `json:"facts_view_ref,omitempty"`
}
