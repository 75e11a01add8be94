// Package contracts implements the Resource Contracts component (C3):
// the snoop FSM and lifecycle-contract evaluator. The state machines here
// are pure and store-agnostic; repository.go binds them to pkg/store for
// persistence and TTL.
package contracts

import (
	"fmt"
	"time"
)

// SnoopState is one of the states in the snoop channel's lifecycle FSM.
type SnoopState string

const (
	SnoopCreated    SnoopState = "CREATED"
	SnoopWaitingAST SnoopState = "WAITING_AST"
	SnoopReady      SnoopState = "READY"
	SnoopConsumed   SnoopState = "CONSUMED"
	SnoopReleasable SnoopState = "RELEASABLE"
	SnoopDestroyed  SnoopState = "DESTROYED"
)

// order gives each state a rank for the regression guard: a transition is a
// regression if it moves to a strictly lower rank, except the dedicated
// idempotent-READY race tolerance and the universal path to DESTROYED.
var order = map[SnoopState]int{
	SnoopCreated:    0,
	SnoopWaitingAST: 1,
	SnoopReady:      2,
	SnoopConsumed:   3,
	SnoopReleasable: 4,
	SnoopDestroyed:  5,
}

// allowed lists the direct transitions permitted from each state, not
// counting the idempotent no-op or the universal DESTROYED escape hatch
// (both are handled in Transition).
var allowed = map[SnoopState][]SnoopState{
	SnoopCreated:    {SnoopWaitingAST, SnoopReady},
	SnoopWaitingAST: {SnoopReady},
	SnoopReady:      {SnoopConsumed},
	SnoopConsumed:   {SnoopReleasable},
	SnoopReleasable: {},
}

// ErrForbiddenTransition is returned when a transition is neither the
// idempotent no-op, a listed forward transition, nor a move to DESTROYED.
type ErrForbiddenTransition struct {
	From, To SnoopState
}

func (e *ErrForbiddenTransition) Error() string {
	return fmt.Sprintf("contracts: forbidden snoop transition %s -> %s", e.From, e.To)
}

// SnoopContract is the persisted record for one call's snoop resource.
type SnoopContract struct {
	LinkedID        string
	SnoopID         string
	ParentChannelID string
	CaptureBridgeID string
	ExternalMediaID string
	State           SnoopState
	CreatedAt       time.Time
	TTL             time.Duration
	Version         int
}

// DefaultTTL returns the per-state TTL used when persisting a contract.
// Terminal and near-terminal states get a short TTL; early states get a
// longer one to tolerate signalling delay.
func DefaultTTL(state SnoopState) time.Duration {
	switch state {
	case SnoopCreated, SnoopWaitingAST:
		return 30 * time.Second
	case SnoopReady, SnoopConsumed:
		return 5 * time.Minute
	case SnoopReleasable:
		return 30 * time.Second
	case SnoopDestroyed:
		return 10 * time.Second
	default:
		return 30 * time.Second
	}
}

// Transition computes the next contract after attempting from -> to.
//
// If the contract's actual current state differs from the caller's
// expected `from`, the actual state is used as the effective origin (race
// tolerance), but a regression relative to the actual state is still
// rejected.
func Transition(current SnoopContract, expectedFrom, to SnoopState, now time.Time) (SnoopContract, error) {
	effectiveFrom := current.State
	if effectiveFrom == "" {
		effectiveFrom = expectedFrom
	}

	if effectiveFrom == to {
		// Idempotent no-op: still bump version/TTL so callers observe progress.
		next := current
		next.State = to
		next.TTL = DefaultTTL(to)
		next.Version++
		return next, nil
	}

	if to == SnoopDestroyed {
		next := current
		next.State = SnoopDestroyed
		next.TTL = DefaultTTL(SnoopDestroyed)
		next.Version++
		return next, nil
	}

	// Idempotent race tolerance: READY is reachable directly from CREATED or
	// WAITING_AST even though it isn't the caller's originally expected state.
	if to == SnoopReady && (effectiveFrom == SnoopCreated || effectiveFrom == SnoopWaitingAST) {
		next := current
		next.State = SnoopReady
		next.TTL = DefaultTTL(SnoopReady)
		next.Version++
		return next, nil
	}

	if order[to] < order[effectiveFrom] {
		return current, &ErrForbiddenTransition{From: effectiveFrom, To: to}
	}

	for _, candidate := range allowed[effectiveFrom] {
		if candidate == to {
			next := current
			next.State = to
			next.TTL = DefaultTTL(to)
			next.Version++
			return next, nil
		}
	}

	return current, &ErrForbiddenTransition{From: effectiveFrom, To: to}
}

// STTAllowed reports whether the Speech Adapter may be invoked against this
// contract: only when state == READY.
func STTAllowed(c SnoopContract) bool {
	return c.State == SnoopReady
}

// ErrSTTBlocked is returned when a caller tries to start transcription
// against a snoop contract that isn't READY yet, surfaced as the
// ContractViolation the orchestrator's caller logs.
type ErrSTTBlocked struct {
	State SnoopState
}

func (e *ErrSTTBlocked) Error() string {
	return fmt.Sprintf("contracts: STT_BLOCKED_SNOOP_STATE_%s", e.State)
}

// RequireSTTAllowed is the gate the Turn Orchestrator calls before issuing
// any speech-adapter transcription call: it returns ErrSTTBlocked unless the
// contract has reached READY.
func RequireSTTAllowed(c SnoopContract) error {
	if !STTAllowed(c) {
		return &ErrSTTBlocked{State: c.State}
	}
	return nil
}

// IsStuckInWaitingAST reports whether the contract has been in WAITING_AST
// longer than the diagnostic watchdog threshold. This is diagnostic only —
// callers log it, they never force a transition.
func IsStuckInWaitingAST(c SnoopContract, now time.Time, threshold time.Duration) bool {
	return c.State == SnoopWaitingAST && now.Sub(c.CreatedAt) > threshold
}
