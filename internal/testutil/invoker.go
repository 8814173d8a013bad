package testutil

import (
	"context"
	"sync"

	"github.com/roach88/simrun/internal/enginerun"
)

// ScriptedInvoker plays back a fixed sequence of engine results, one per
// attempt, and records the payloads it was invoked with.
//
// Each Invoke consumes the next scripted result; running past the script
// repeats the last entry. An optional OnInvoke hook lets a test lay down
// engine artifacts (receipt, outputs) at invocation time.
type ScriptedInvoker struct {
	mu       sync.Mutex
	Results  []enginerun.Result
	Payloads []enginerun.InvocationPayload
	OnInvoke func(payload enginerun.InvocationPayload)
}

func (s *ScriptedInvoker) Invoke(ctx context.Context, payload enginerun.InvocationPayload) (enginerun.Result, error) {
	if err := ctx.Err(); err != nil {
		return enginerun.Result{}, err
	}
	s.mu.Lock()
	s.Payloads = append(s.Payloads, payload)
	idx := len(s.Payloads) - 1
	if idx >= len(s.Results) {
		idx = len(s.Results) - 1
	}
	result := s.Results[idx]
	hook := s.OnInvoke
	s.mu.Unlock()

	if hook != nil {
		hook(payload)
	}
	if result.RunRoot == "" {
		result.RunRoot = payload.RunRoot
	}
	return result, nil
}

// Calls returns how many times the invoker ran.
func (s *ScriptedInvoker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Payloads)
}
