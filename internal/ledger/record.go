package ledger

import (
	"fmt"

	"github.com/roach88/simrun/internal/canon"
)

// DomainRecord versions record event id computation.
const DomainRecord = "simrun/record/v1"

// RecordType identifies the logical event a ledger record carries.
type RecordType string

const (
	RecordRunAnchored        RecordType = "run_anchored"
	RecordPlanCommitted      RecordType = "plan_committed"
	RecordExecutingMarked    RecordType = "executing_marked"
	RecordWaitingCommitted   RecordType = "waiting_committed"
	RecordReadyCommitted     RecordType = "ready_committed"
	RecordTerminalCommitted  RecordType = "terminal_committed"
	RecordFactsViewCommitted RecordType = "facts_view_committed"
	RecordAttemptFinished    RecordType = "attempt_finished"
)

// Record is one appended event. EventID is content-derived over the run
// id, type, and payload, so re-appending the same logical event dedups to
// a no-op. RecordedAtUTC is volatile and excluded from the id.
type Record struct {
	EventID       string         `json:"event_id"`
	RunID         string         `json:"run_id"`
	Type          RecordType     `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	RecordedAtUTC string         `json:"recorded_at_utc"`
}

// EventID computes the content-derived id for a logical event.
// Payload values must be canonical-JSON encodable.
func EventID(runID string, recordType RecordType, payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	id, err := canon.HashCanonical(DomainRecord, map[string]any{
		"run_id":  runID,
		"type":    string(recordType),
		"payload": payload,
	})
	if err != nil {
		return "", fmt.Errorf("event id for %s/%s: %w", runID, recordType, err)
	}
	return id, nil
}
