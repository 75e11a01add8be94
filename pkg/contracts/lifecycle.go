package contracts

// ResourceKind enumerates audio-plane resource kinds a phase's contract
// entry can require, allow, or deny.
type ResourceKind string

const (
	ResourceBridge    ResourceKind = "BRIDGE"
	ResourceSnoop     ResourceKind = "SNOOP"
	ResourceRecording ResourceKind = "RECORDING"
	ResourceSpeech    ResourceKind = "SPEECH"
)

// Action identifies an audio-plane mutation the orchestrator wants to
// perform, checked against a phase's lifecycle contract entry.
type Action string

const (
	ActionPlay      Action = "PLAY"
	ActionRecord    Action = "RECORD"
	ActionStartSTT  Action = "START_STT"
	ActionCreateSnp Action = "CREATE_SNOOP"
	ActionHold      Action = "HOLD"
	ActionTeardown  Action = "TEARDOWN"
)

// Entry is a Lifecycle Contract Entry: per-phase, which actions are
// allowed or denied, which resources are required, and whether teardown
// is permitted.
type Entry struct {
	Allow                  map[Action]bool
	Deny                   map[Action]bool
	Requires               []ResourceKind
	TeardownAllowed        bool
	AdvanceTurnAfterPlayback bool
}

// Table maps phase name to its lifecycle contract entry.
type Table map[string]Entry

// unknownEntry is returned for phases absent from the table: deny
// everything, forbid teardown.
var unknownEntry = Entry{
	Allow:           map[Action]bool{},
	Deny:            map[Action]bool{ActionPlay: true, ActionRecord: true, ActionStartSTT: true, ActionCreateSnp: true, ActionHold: true, ActionTeardown: true},
	Requires:        nil,
	TeardownAllowed: false,
}

// ExceptionMarker names a one-shot re-prompt marker a domain may have left
// in the shared store (e.g. a rejected webhook) that narrowly permits an
// otherwise-denied action exactly once. The evaluator caller is responsible
// for consuming (deleting) the marker after use.
type ExceptionMarker struct {
	Present bool
	Action  Action
}

// IsActionAllowed implements the Lifecycle Contract evaluator: deny
// overrides allow; phase unknown denies everything; a present
// ExceptionMarker for the requested action narrowly permits it once.
func (t Table) IsActionAllowed(phase string, action Action, marker ExceptionMarker) bool {
	entry, ok := t[phase]
	if !ok {
		entry = unknownEntry
	}

	if marker.Present && marker.Action == action {
		return true
	}

	if entry.Deny[action] {
		return false
	}
	return entry.Allow[action]
}

// TeardownAllowed reports whether resource teardown is permitted in phase.
// Unknown phases forbid teardown.
func (t Table) TeardownAllowed(phase string) bool {
	entry, ok := t[phase]
	if !ok {
		return false
	}
	return entry.TeardownAllowed
}

// AdvanceTurnAfterPlayback reports whether completing a playback in phase
// should immediately advance the turn without waiting on user input.
func (t Table) AdvanceTurnAfterPlayback(phase string) bool {
	entry, ok := t[phase]
	if !ok {
		return false
	}
	return entry.AdvanceTurnAfterPlayback
}

// DefaultTable returns a lifecycle contract table covering the four phase
// kinds: SPEAK, LISTEN, VALIDATE, SILENT.
func DefaultTable() Table {
	return Table{
		"SPEAK": {
			Allow:                    map[Action]bool{ActionPlay: true, ActionTeardown: true},
			Deny:                     map[Action]bool{ActionStartSTT: true},
			Requires:                 []ResourceKind{ResourceBridge},
			TeardownAllowed:          true,
			AdvanceTurnAfterPlayback: true,
		},
		"LISTEN": {
			Allow:           map[Action]bool{ActionRecord: true, ActionStartSTT: true, ActionCreateSnp: true, ActionTeardown: true},
			Deny:            map[Action]bool{},
			Requires:        []ResourceKind{ResourceSnoop, ResourceRecording},
			TeardownAllowed: true,
		},
		"VALIDATE": {
			Allow:           map[Action]bool{ActionRecord: true, ActionStartSTT: true, ActionPlay: true, ActionTeardown: true},
			Deny:            map[Action]bool{},
			Requires:        []ResourceKind{ResourceSnoop, ResourceRecording, ResourceBridge},
			TeardownAllowed: true,
		},
		"SILENT": {
			Allow:           map[Action]bool{ActionHold: true, ActionTeardown: true},
			Deny:            map[Action]bool{ActionRecord: true, ActionStartSTT: true},
			Requires:        nil,
			TeardownAllowed: true,
		},
	}
}
