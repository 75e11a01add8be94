// Package session implements the Session Context (C8): the mutable,
// per-call struct the Turn Orchestrator and Domain Contract share.
//
// Context carries no mutex. A call is owned by exactly one orchestrator
// goroutine for its entire lifetime, so synchronizing field access would
// be dead weight.
package session

import "time"

// HistoryEntry is one turn of transcript-or-response history.
type HistoryEntry struct {
	Role    string // "user" or "assistant"
	Content string
	At      time.Time
}

// Audio mark types, written as turn boundaries into the mark trail the
// Recording Segmenter (C9) later cuts segments from.
const (
	MarkRecordingStart  = "RECORDING_START"
	MarkListenStart     = "LISTEN_START"
	MarkDeltaActivity   = "DELTA_ACTIVITY"
	MarkCompletedChunk  = "COMPLETED_CHUNK"
	MarkIntentFinalized = "INTENT_FINALIZED"
	MarkTimeout         = "TIMEOUT"
)

// AudioMark records a timestamp boundary used later by the Recording
// Segmenter (C9) to cut individual turn WAVs out of the continuous capture.
type AudioMark struct {
	Type     string
	Reason   string
	OffsetMs int64
	At       time.Time
}

// Context is the per-call session state.
type Context struct {
	LinkedID  string
	Caller    string
	Callee    string
	Domain    string
	BotName   string
	StartedAt time.Time
	terminated bool
	terminatedAt time.Time

	Phase string

	// SilentTurnCount is the running count of consecutive silent turns;
	// TotalSilences never resets. SuccessfulTurns counts turns where voice
	// was actually heard and processed.
	SilentTurnCount int
	TotalSilences   int
	SuccessfulTurns int
	TurnCount       int
	LastVoiceAt     time.Time

	History []HistoryEntry

	AudioMarks []AudioMark

	// BusinessState is the domain's own opaque state box. The engine never
	// interprets its contents.
	BusinessState map[string]any

	// LastSpokenPhase/LastSpokenText remember the most recent assistant
	// emission so the anti-replay guardrail can drop an identical repeat
	// within the same phase.
	LastSpokenPhase string
	LastSpokenText  string

	// ExceptionMarker is the one-shot lifecycle-contract override a domain
	// can set, consumed on first use by pkg/contracts.
	ExceptionMarkerPresent bool
	ExceptionMarkerAction  string

	// InHold/HoldStartedAt track music-on-hold state while the call sits in
	// a silent phase (HoldPolicy).
	InHold        bool
	HoldStartedAt time.Time

	// FingerprintHistory is the (phase, fingerprint) key trail
	// DeepTurnIdentityGuard compares against to catch a domain stuck
	// repeating the same state without forward progress.
	FingerprintHistory []string
}

// New constructs a fresh Context for a call.
func New(linkedID, domain, botName string, now time.Time) *Context {
	return &Context{
		LinkedID:      linkedID,
		Domain:        domain,
		BotName:       botName,
		StartedAt:     now,
		LastVoiceAt:   now,
		BusinessState: make(map[string]any),
	}
}

// ResetSilence clears the consecutive-silence counter, called whenever
// voice activity resumes. The total stays.
func (c *Context) ResetSilence() {
	c.SilentTurnCount = 0
}

// IncrementSilence bumps the consecutive-silence counter and returns its
// new value.
func (c *Context) IncrementSilence() int {
	c.SilentTurnCount++
	c.TotalSilences++
	return c.SilentTurnCount
}

// MarkVoiceDetected records that voice activity was observed now, resets
// the silence counter, and counts a successful turn.
func (c *Context) MarkVoiceDetected(now time.Time) {
	c.LastVoiceAt = now
	c.SuccessfulTurns++
	c.ResetSilence()
}

// Terminate marks the session as finished. It is idempotent: calling it a
// second time is a no-op and the original termination time is kept.
func (c *Context) Terminate(now time.Time) {
	if c.terminated {
		return
	}
	c.terminated = true
	c.terminatedAt = now
}

// Terminated reports whether Terminate has been called.
func (c *Context) Terminated() bool {
	return c.terminated
}

// TerminatedAt returns the time Terminate was first called, the zero value
// if the session is still active.
func (c *Context) TerminatedAt() time.Time {
	return c.terminatedAt
}

// AddToHistory appends a turn, trimming the oldest entries once a cap is
// exceeded so long calls don't grow history without bound.
func (c *Context) AddToHistory(role, content string, now time.Time) {
	const maxHistory = 40
	c.History = append(c.History, HistoryEntry{Role: role, Content: content, At: now})
	if len(c.History) > maxHistory {
		c.History = c.History[len(c.History)-maxHistory:]
	}
	if role == "user" {
		c.TurnCount++
	}
}

// EnterHold marks the session as on music-on-hold starting now. It is a
// no-op if already in hold.
func (c *Context) EnterHold(now time.Time) {
	if c.InHold {
		return
	}
	c.InHold = true
	c.HoldStartedAt = now
}

// ExitHold clears hold state, returning how long the hold lasted.
func (c *Context) ExitHold(now time.Time) time.Duration {
	if !c.InHold {
		return 0
	}
	c.InHold = false
	elapsed := now.Sub(c.HoldStartedAt)
	c.HoldStartedAt = time.Time{}
	return elapsed
}

// RecordFingerprint appends a (phase, fingerprint) key to the trail
// DeepTurnIdentityGuard inspects, keeping only a bounded trailing window.
func (c *Context) RecordFingerprint(key string) {
	const window = 10
	c.FingerprintHistory = append(c.FingerprintHistory, key)
	if len(c.FingerprintHistory) > window {
		c.FingerprintHistory = c.FingerprintHistory[len(c.FingerprintHistory)-window:]
	}
}

// OffsetMs converts an absolute time to milliseconds into the call's audio
// time base.
func (c *Context) OffsetMs(now time.Time) int64 {
	return now.Sub(c.StartedAt).Milliseconds()
}

// Mark appends an audio boundary mark. Offsets are clamped so the per-call
// mark trail stays non-decreasing even if a caller's clock reads slightly
// behind the previous mark.
func (c *Context) Mark(markType, reason string, offsetMs int64, now time.Time) AudioMark {
	if n := len(c.AudioMarks); n > 0 && offsetMs < c.AudioMarks[n-1].OffsetMs {
		offsetMs = c.AudioMarks[n-1].OffsetMs
	}
	m := AudioMark{Type: markType, Reason: reason, OffsetMs: offsetMs, At: now}
	c.AudioMarks = append(c.AudioMarks, m)
	return m
}

// RecordSpoken remembers the assistant emission just played, for the
// anti-replay comparison on the next turn.
func (c *Context) RecordSpoken(phase, text string) {
	c.LastSpokenPhase = phase
	c.LastSpokenText = text
}

// DurationSeconds reports how long the call has been active, measured to
// `now` if still running or to the termination time otherwise.
func (c *Context) DurationSeconds(now time.Time) float64 {
	end := now
	if c.terminated {
		end = c.terminatedAt
	}
	return end.Sub(c.StartedAt).Seconds()
}

// IsStale reports whether the call has been silent for longer than maxAge,
// used by a watchdog sweep to find abandoned calls.
func (c *Context) IsStale(now time.Time, maxAge time.Duration) bool {
	return !c.terminated && now.Sub(c.LastVoiceAt) > maxAge
}

// Summary is the snapshot shape used for logging and the Post-Call
// Finalizer's call-record sink.
type Summary struct {
	LinkedID        string
	Domain          string
	BotName         string
	Phase           string
	TurnCount       int
	SilentTurnCount int
	DurationSeconds float64
	Terminated      bool
}

// Summary produces a point-in-time snapshot of the session.
func (c *Context) Summary(now time.Time) Summary {
	return Summary{
		LinkedID:        c.LinkedID,
		Domain:          c.Domain,
		BotName:         c.BotName,
		Phase:           c.Phase,
		TurnCount:       c.TurnCount,
		SilentTurnCount: c.SilentTurnCount,
		DurationSeconds: c.DurationSeconds(now),
		Terminated:      c.terminated,
	}
}
