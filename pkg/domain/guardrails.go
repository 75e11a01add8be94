package domain

import (
	"fmt"

	"github.com/lokutor-ai/callengine/pkg/phase"
	"github.com/lokutor-ai/callengine/pkg/policy"
)

// GuardrailSet validates domain results before the engine applies them.
// CriticalPhases names phases where a domain must return at least one
// SET_STATE or END_CALL action; returning none leaves the call orphaned in
// a phase it can never leave.
type GuardrailSet struct {
	CriticalPhases  map[string]bool
	InvalidComplete policy.InvalidCompleteGuard
}

// ErrGuardrailViolation is returned when a domain Result fails validation.
// The engine treats this the same as a domain error: log, and fall back to
// a safe default rather than apply the Result.
type ErrGuardrailViolation struct {
	Reason string
}

func (e *ErrGuardrailViolation) Error() string {
	return "domain: guardrail violation: " + e.Reason
}

// Validate checks a domain Result against the engine-side guardrails: a
// critical phase must come back with an action, END_CALL needs a closing
// utterance, and shouldHangup must agree with the action list. Illegal
// phase regressions are not rejected here — the engine clamps them when it
// applies the transition.
func (g GuardrailSet) Validate(currentPhase string, result Result) error {
	hasStateChange := result.NextPhase != ""
	hasEndCall := false

	for _, a := range result.Actions {
		switch a.Kind {
		case ActionSetState:
			hasStateChange = true
		case ActionEndCall:
			hasEndCall = true
			if g.InvalidComplete.IsInvalid(true, a.ClosingUtterance) {
				return &ErrGuardrailViolation{Reason: "END_CALL without a closing utterance"}
			}
		}
	}

	if result.ShouldHangup && !hasEndCall {
		return &ErrGuardrailViolation{Reason: "shouldHangup set without an END_CALL action"}
	}

	if g.CriticalPhases[currentPhase] && !hasStateChange && !hasEndCall {
		return &ErrGuardrailViolation{Reason: fmt.Sprintf("phase %s requires a SET_STATE or END_CALL action", currentPhase)}
	}

	return nil
}

// FilterTranscript discards a transcript gathered during a silent phase
// rather than handing it to the domain.
func FilterTranscript(table *phase.Table, phaseName, transcript string) string {
	if table != nil && table.IsSilent(phaseName) {
		return ""
	}
	return transcript
}
