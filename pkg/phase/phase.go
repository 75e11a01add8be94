// Package phase implements the Phase Manager (C4): the named-phase table
// that classifies each call phase as SPEAK, LISTEN, VALIDATE or SILENT, and
// the transition function domain actions drive.
package phase

import "fmt"

// Kind classifies a phase for the lifecycle contract table in pkg/contracts.
type Kind string

const (
	KindSpeak    Kind = "SPEAK"
	KindListen   Kind = "LISTEN"
	KindValidate Kind = "VALIDATE"
	KindSilent   Kind = "SILENT"
)

// Descriptor is one named phase's static metadata: its kind, its position
// in the forward flow, and the whitelist of earlier phases it may legally
// walk back to.
type Descriptor struct {
	Name  string
	Kind  Kind
	Order int

	// RegressTo lists the earlier phases a transition out of this phase may
	// target. Any regression not named here is clamped.
	RegressTo []string
}

// Table is the set of named phases a domain can transition between.
type Table struct {
	descriptors map[string]Descriptor
	silent      map[string]bool
}

// NewTable builds a Table from descriptors, plus any additional phase names
// that should be treated as silent even though they're not in descriptors
// (legacy silent-phase names configured separately from the
// domain-declared phase kind).
func NewTable(descriptors []Descriptor, legacySilentPhases []string) *Table {
	t := &Table{
		descriptors: make(map[string]Descriptor, len(descriptors)),
		silent:      make(map[string]bool, len(legacySilentPhases)),
	}
	for _, d := range descriptors {
		t.descriptors[d.Name] = d
	}
	for _, name := range legacySilentPhases {
		t.silent[name] = true
	}
	return t
}

// Descriptor returns the named phase's descriptor, if known.
func (t *Table) Descriptor(name string) (Descriptor, bool) {
	d, ok := t.descriptors[name]
	return d, ok
}

// Kind reports the classification used to drive the lifecycle contract
// table: a phase declared silent (via Kind or the legacy list) is SILENT
// even if it also appears in descriptors under a different kind.
func (t *Table) Kind(name string) Kind {
	if t.silent[name] {
		return KindSilent
	}
	if d, ok := t.descriptors[name]; ok {
		return d.Kind
	}
	return KindSilent
}

// IsSilent reports whether transcripts gathered during this phase should be
// discarded rather than handed to the domain.
func (t *Table) IsSilent(name string) bool {
	return t.Kind(name) == KindSilent
}

// ErrUnknownPhase is returned when a transition targets a phase absent from
// the table.
type ErrUnknownPhase struct {
	Phase string
}

func (e *ErrUnknownPhase) Error() string {
	return fmt.Sprintf("phase: unknown phase %q", e.Phase)
}

// ErrRegression is returned when a transition would move to an earlier phase
// and the caller did not explicitly allow it.
type ErrRegression struct {
	From, To string
}

func (e *ErrRegression) Error() string {
	return fmt.Sprintf("phase: regression %s -> %s not permitted", e.From, e.To)
}

// Transition computes the next phase name. It is idempotent (from == to is
// always a no-op) and clamps regressions to a lower Order unless the origin
// phase whitelists the target in RegressTo — the narrow exception retry
// flows need when a domain must walk a call backwards (e.g. re-asking a
// question after a rejected webhook).
//
// The returned name is always usable: an unknown target is permitted
// (returned as-is) alongside an ErrUnknownPhase the caller should log, and a
// clamped regression returns the origin phase alongside ErrRegression.
func (t *Table) Transition(from, to string) (string, error) {
	if from == to {
		return to, nil
	}

	toDesc, ok := t.descriptors[to]
	if !ok {
		return to, &ErrUnknownPhase{Phase: to}
	}

	fromDesc, fromKnown := t.descriptors[from]
	if !fromKnown {
		// Unknown origin (e.g. initial phase): any known target is fine.
		return to, nil
	}

	if toDesc.Order < fromDesc.Order && !regressAllowed(fromDesc, to) {
		return from, &ErrRegression{From: from, To: to}
	}

	return to, nil
}

func regressAllowed(from Descriptor, to string) bool {
	for _, name := range from.RegressTo {
		if name == to {
			return true
		}
	}
	return false
}

// Names returns the phase names in the table, in no particular order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.descriptors))
	for name := range t.descriptors {
		names = append(names, name)
	}
	return names
}
