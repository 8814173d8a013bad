// Package enginerun drives the external deterministic computation engine:
// one attempt per invocation, an opaque subprocess, and a machine-checkable
// run receipt as the only post-condition the orchestrator interprets.
package enginerun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"time"

	"github.com/roach88/simrun/internal/intent"
	"github.com/roach88/simrun/internal/objstore"
)

// Attempt outcome tokens.
const (
	OutcomeSucceeded = "SUCCEEDED"
	OutcomeFailed    = "FAILED"
)

// Attempt failure reason codes.
const (
	ReasonRootMissing          = "ENGINE_ROOT_MISSING"
	ReasonReceiptMissing       = "ENGINE_RECEIPT_MISSING"
	ReasonReceiptInvalid       = "ENGINE_RECEIPT_INVALID"
	ReasonReceiptMismatch      = "ENGINE_RECEIPT_MISMATCH"
	ReasonTimeout              = "ENGINE_TIMEOUT"
	ReasonExitNonzero          = "ENGINE_EXIT_NONZERO"
	ReasonAttemptLimitExceeded = "ATTEMPT_LIMIT_EXCEEDED"
)

// receiptFilename is the well-known receipt path under the engine run root.
const receiptFilename = "run_receipt.json"

// InvocationPayload carries everything the engine needs for one attempt.
type InvocationPayload struct {
	RunID               string   `json:"run_id"`
	AttemptNo           int      `json:"attempt_no"`
	ManifestFingerprint string   `json:"manifest_fingerprint"`
	ParameterHash       string   `json:"parameter_hash"`
	Seed                int64    `json:"seed"`
	ScenarioID          string   `json:"scenario_id"`
	OutputIDs           []string `json:"output_ids"`
	RunRoot             string   `json:"run_root"`
}

// Result is one attempt's outcome as reported by the invoker. The
// orchestrator never interprets engine internals beyond this.
type Result struct {
	Outcome    string
	ReasonCode string
	RunRoot    string
	Stdout     string
	Stderr     string
	DurationMS int64
}

// Invoker executes one engine attempt.
type Invoker interface {
	Invoke(ctx context.Context, payload InvocationPayload) (Result, error)
}

// SubprocessInvoker runs the engine as a subprocess. The payload is
// written to stdin as JSON; a non-zero exit is a failed attempt, not an
// invoker error.
type SubprocessInvoker struct {
	Argv    []string
	Timeout time.Duration
}

func (s *SubprocessInvoker) Invoke(ctx context.Context, payload InvocationPayload) (Result, error) {
	if len(s.Argv) == 0 {
		return Result{}, fmt.Errorf("engine argv is not configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if s.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal invocation payload: %w", err)
	}

	cmd := exec.CommandContext(runCtx, s.Argv[0], s.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started).Milliseconds()

	result := Result{
		RunRoot:    payload.RunRoot,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration,
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.Outcome = OutcomeFailed
		result.ReasonCode = ReasonTimeout
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.Outcome = OutcomeFailed
			result.ReasonCode = ReasonExitNonzero
		} else {
			return Result{}, fmt.Errorf("invoke engine: %w", runErr)
		}
	default:
		result.Outcome = OutcomeSucceeded
	}

	slog.Info("engine attempt finished",
		"run_id", payload.RunID,
		"attempt_no", payload.AttemptNo,
		"outcome", result.Outcome,
		"reason", result.ReasonCode,
		"duration_ms", duration,
	)
	return result, nil
}

// Receipt is the engine-produced record the orchestrator requires at a
// well-known path under the run root.
type Receipt struct {
	RunID               string `json:"run_id"`
	ManifestFingerprint string `json:"manifest_fingerprint"`
	ParameterHash       string `json:"parameter_hash"`
	Seed                int64  `json:"seed"`
}

// VerifyReceipt checks the attempt's post-condition: the run root exists,
// the receipt is present and parseable, and its identity fields agree with
// the intent. Returns an empty reason code on success, otherwise the
// downgrade reason for the attempt.
func VerifyReceipt(ctx context.Context, store objstore.Store, runRoot string, in intent.RunIntent, runID string) (string, error) {
	if runRoot == "" {
		return ReasonRootMissing, nil
	}
	rootFiles, err := store.ListFiles(ctx, runRoot)
	if err != nil {
		return "", fmt.Errorf("list engine run root %s: %w", runRoot, err)
	}
	if len(rootFiles) == 0 {
		return ReasonRootMissing, nil
	}

	raw, err := store.Read(ctx, path.Join(runRoot, receiptFilename))
	if errors.Is(err, objstore.ErrNotFound) {
		return ReasonReceiptMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("read engine receipt under %s: %w", runRoot, err)
	}

	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return ReasonReceiptInvalid, nil
	}
	if receipt.RunID == "" || receipt.ManifestFingerprint == "" || receipt.ParameterHash == "" {
		return ReasonReceiptInvalid, nil
	}

	if receipt.RunID != runID ||
		receipt.ManifestFingerprint != in.ManifestFingerprint ||
		receipt.ParameterHash != in.ParameterHash ||
		receipt.Seed != in.Seed {
		return ReasonReceiptMismatch, nil
	}
	return "", nil
}
