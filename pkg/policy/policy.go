// Package policy implements the Policies (C6): the small pure predicates
// the Turn Orchestrator consults every turn — when to count a turn as
// silent, when to hang up, when to allow a hold, and the keyword-driven
// guardrails that catch runaway loops.
package policy

import (
	"regexp"
	"strings"
)

// SilencePolicy decides when consecutive silent turns should end the call.
type SilencePolicy struct {
	MaxSilentTurns int
}

// ShouldTerminate reports whether the silent-turn count has crossed the
// configured ceiling.
func (p SilencePolicy) ShouldTerminate(silentTurns int) bool {
	return silentTurns >= p.MaxSilentTurns
}

// SilenceAction is what the orchestrator should do on a given consecutive
// silent tick: re-prompt the caller, say nothing and keep listening, or say
// goodbye and end the call.
type SilenceAction string

const (
	SilencePrompt   SilenceAction = "PROMPT"
	SilenceContinue SilenceAction = "CONTINUE"
	SilenceGoodbye  SilenceAction = "GOODBYE"
)

// Static TTS text for the no-voice silence ladder. These are spoken by the
// orchestrator directly, without ever consulting the domain — a genuine
// silence tick never earns the domain a turn.
const (
	SilencePromptMessage   = "¿Sigue en línea? Por favor, dígame sí o no."
	SilenceGoodbyeMessage  = "Parece que no hay respuesta. Hasta luego."
	MaxTurnsGoodbyeMessage = "Hemos alcanzado el límite de esta llamada. Gracias por llamar, hasta luego."
)

// SilenceDecision is what Decide returns for one silent tick.
type SilenceDecision struct {
	Action  SilenceAction
	Message string
}

// Decide maps the running count of consecutive silent turns onto the
// prompt/continue/goodbye ladder: the static prompt plays on the first
// silent tick, the second tick is a bare re-listen, and the ceiling plays
// the goodbye and ends the call.
func (p SilencePolicy) Decide(silentTurns int) SilenceDecision {
	if silentTurns >= p.MaxSilentTurns {
		return SilenceDecision{Action: SilenceGoodbye, Message: SilenceGoodbyeMessage}
	}
	if silentTurns <= 1 {
		return SilenceDecision{Action: SilencePrompt, Message: SilencePromptMessage}
	}
	return SilenceDecision{Action: SilenceContinue}
}

// HoldPolicy governs music-on-hold while a call sits in a silent phase (e.g.
// waiting on a webhook): when to start it, and how long it may run before
// the orchestrator gives up and resumes the phase regardless.
type HoldPolicy struct {
	MaxHoldDurationMs int
	// Enabled gates whether the orchestrator starts MoH at all; a domain
	// with no queue/hold music configured leaves this false.
	Enabled bool
	// MusicClass is the switch-side music-on-hold class name to start.
	MusicClass string
}

// Expired reports whether a hold that started elapsedMs ago has overrun.
func (p HoldPolicy) Expired(elapsedMs int) bool {
	return elapsedMs >= p.MaxHoldDurationMs
}

// TerminationPolicy centralizes the conditions under which a call should be
// ended regardless of what the domain asked for: the silence ceiling or
// max-turns exhaustion. A domain EndCall is not part of this check.
type TerminationPolicy struct {
	Silence  SilencePolicy
	MaxTurns int
}

// ShouldTerminate reports whether the call should end given its current
// counters, independent of any domain decision.
func (p TerminationPolicy) ShouldTerminate(silentTurns, turnCount int) bool {
	if p.Silence.ShouldTerminate(silentTurns) {
		return true
	}
	return p.MaxTurns > 0 && turnCount >= p.MaxTurns
}

// AntiReplayGuardrail drops an assistant emission identical to the one just
// spoken in the same phase, preventing a domain from looping the same
// prompt forever. A different text in the same phase (a genuine retry with
// new wording) passes, as does the same text after a phase change.
type AntiReplayGuardrail struct{}

// ShouldSuppress reports whether speaking text in phase would repeat the
// (phase, text) pair last emitted.
func (AntiReplayGuardrail) ShouldSuppress(phase, text, lastPhase, lastText string) bool {
	return phase == lastPhase && normalize(text) == normalize(lastText) && normalize(text) != ""
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DeepTurnIdentityGuard catches the exact same (phase, fingerprint) pair
// recurring across turns without any forward progress — a sign the call is
// stuck rather than legitimately re-asking. The engine fingerprints each
// turn by the caller's transcript.
type DeepTurnIdentityGuard struct {
	MaxRepeats int
}

// IsStuck reports whether the (phase, fingerprint) pair has repeated at
// least MaxRepeats times in a row.
func (g DeepTurnIdentityGuard) IsStuck(history []string, phase, fingerprint string) bool {
	if g.MaxRepeats <= 0 {
		return false
	}
	key := phase + "|" + fingerprint
	if len(history) < g.MaxRepeats {
		return false
	}
	tail := history[len(history)-g.MaxRepeats:]
	for _, h := range tail {
		if h != key {
			return false
		}
	}
	return true
}

// Key builds the fingerprint IsStuck compares, exported so callers building
// the history slice use the same encoding.
func (DeepTurnIdentityGuard) Key(phase, fingerprint string) string {
	return phase + "|" + fingerprint
}

// InvalidCompleteGuard flags a domain result claiming EndCall without a
// closing utterance — a shouldHangup/END_CALL consistency check. The phase
// the result sets is not checked.
type InvalidCompleteGuard struct{}

// IsInvalid reports whether an EndCall action lacks the minimum evidence of
// an intentional, user-facing close.
func (InvalidCompleteGuard) IsInvalid(endCall bool, closingUtterance string) bool {
	return endCall && strings.TrimSpace(closingUtterance) == ""
}

// Classifier is the narrow interface TransferDetector and similar
// keyword-table policies expose, so a domain can swap in a different
// detector without the engine depending on regexp directly.
type Classifier interface {
	Matches(text string) bool
}

// TransferDetector flags utterances asking for a human operator, using a
// small regex table rather than a full NLU pipeline.
type TransferDetector struct {
	patterns []*regexp.Regexp
}

// NewTransferDetector compiles the default phrase table used to detect a
// caller asking to be transferred to a person.
func NewTransferDetector() *TransferDetector {
	phrases := []string{
		`\btalk to a (human|person|agent|representative)\b`,
		`\bspeak (to|with) (a |an )?(human|person|agent|representative)\b`,
		`\breal person\b`,
		`\btransfer me\b`,
		`\bcustomer service\b`,
		// seed scenarios and original_source are Spanish; keep both phrase
		// sets live rather than swap one for the other.
		`\bhablar con (un|una) (humano|persona|agente|ejecutivo|representante)\b`,
		`\bquiero hablar con\b`,
		`\bpersona real\b`,
		`\btransfi[ée]reme\b`,
		`\bcon un ejecutivo\b`,
		`\bservicio al cliente\b`,
	}
	compiled := make([]*regexp.Regexp, 0, len(phrases))
	for _, p := range phrases {
		compiled = append(compiled, regexp.MustCompile("(?i)"+p))
	}
	return &TransferDetector{patterns: compiled}
}

// Matches reports whether text asks for a human transfer.
func (d *TransferDetector) Matches(text string) bool {
	for _, re := range d.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// GoodbyeDetector flags an assistant response that closes the conversation,
// so the orchestrator can let the audio tail play out and hang up instead of
// re-entering the listen loop.
type GoodbyeDetector struct {
	patterns []*regexp.Regexp
}

// NewGoodbyeDetector compiles the default goodbye phrase table.
func NewGoodbyeDetector() *GoodbyeDetector {
	phrases := []string{
		`\bhasta luego\b`,
		`\bhasta pronto\b`,
		`\badi[oó]s\b`,
		`\bque tenga (un )?buen d[ií]a\b`,
		`\bgracias por llamar\b`,
		`\bgoodbye\b`,
		`\bhave a (good|great) day\b`,
		`\bthanks for calling\b`,
	}
	compiled := make([]*regexp.Regexp, 0, len(phrases))
	for _, p := range phrases {
		compiled = append(compiled, regexp.MustCompile("(?i)"+p))
	}
	return &GoodbyeDetector{patterns: compiled}
}

// Matches reports whether text reads as a conversation close.
func (d *GoodbyeDetector) Matches(text string) bool {
	for _, re := range d.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
