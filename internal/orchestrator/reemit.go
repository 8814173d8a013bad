package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/simrun/internal/ledger"
)

// Reemit kinds.
const (
	ReemitReadyOnly    = "READY_ONLY"
	ReemitTerminalOnly = "TERMINAL_ONLY"
	ReemitBoth         = "BOTH"
)

// ReemitResult lists the notifications a reemit pass produced (or, for a
// dry run, would have produced).
type ReemitResult struct {
	RunID     string          `json:"run_id"`
	DryRun    bool            `json:"dry_run,omitempty"`
	Published []ReemitMessage `json:"published"`
}

// ReemitMessage describes one (re)published notification.
type ReemitMessage struct {
	Topic     string `json:"topic"`
	MessageID string `json:"message_id"`
}

// Reemit re-publishes the run's readiness or terminal notification.
// Never mutates ledger state; the message-id dedup in the bus keeps
// repeated reemits from duplicating downstream effects.
func (o *Orchestrator) Reemit(ctx context.Context, runID, kind string, dryRun bool) (ReemitResult, error) {
	switch kind {
	case ReemitReadyOnly, ReemitTerminalOnly, ReemitBoth:
	default:
		return ReemitResult{}, fmt.Errorf("unknown reemit kind %q", kind)
	}

	led := o.ledgerFor(runID, "", 0) // read-only; no lease needed
	st, err := led.Status(ctx, runID)
	if err != nil {
		return ReemitResult{}, err
	}
	if st == nil {
		return ReemitResult{}, fmt.Errorf("unknown run %q", runID)
	}

	result := ReemitResult{RunID: runID, DryRun: dryRun, Published: []ReemitMessage{}}

	if kind != ReemitTerminalOnly {
		signal, err := led.ReadySignal(ctx, runID)
		if err != nil {
			return ReemitResult{}, err
		}
		if signal != nil {
			msg := ReemitMessage{Topic: TopicRunReady, MessageID: signal["bundle_hash"]}
			if !dryRun {
				payload, err := json.Marshal(signal)
				if err != nil {
					return ReemitResult{}, err
				}
				if err := o.Publisher.Publish(ctx, msg.Topic, payload, msg.MessageID); err != nil {
					return ReemitResult{}, err
				}
			}
			result.Published = append(result.Published, msg)
		}
	}

	if kind != ReemitReadyOnly && (st.State == ledger.StateFailed || st.State == ledger.StateQuarantined) {
		p, err := led.Plan(ctx, runID)
		if err != nil {
			return ReemitResult{}, err
		}
		if p != nil {
			msg := ReemitMessage{Topic: TopicRunTerminal, MessageID: p.PlanHash}
			if !dryRun {
				payload, err := json.Marshal(map[string]string{
					"run_id": runID,
					"state":  string(st.State),
					"reason": st.Reason,
				})
				if err != nil {
					return ReemitResult{}, err
				}
				if err := o.Publisher.Publish(ctx, msg.Topic, payload, msg.MessageID); err != nil {
					return ReemitResult{}, err
				}
			}
			result.Published = append(result.Published, msg)
		}
	}

	return result, nil
}
