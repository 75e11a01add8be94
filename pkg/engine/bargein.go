package engine

import "time"

// BargeInConfig tunes how aggressively the engine treats inbound talking
// events during SPEAK as a request to interrupt the bot.
type BargeInConfig struct {
	// Enabled gates whether the production turn loop drives the detector at
	// all off the telephony event stream during playback.
	Enabled     bool
	DebounceMs  int
	MinSpeechMs int
	// MinConfidence is consulted only when the telephony event carries a
	// confidence score; barge-in is permitted on duration alone when no
	// confidence is reported (see DESIGN.md open-question log).
	MinConfidence float64
}

// BargeInDetector debounces rapid ChannelTalkingStarted/Finished churn and
// decides whether a talking span counts as a real barge-in.
type BargeInDetector struct {
	cfg          BargeInConfig
	talkingSince time.Time
	lastDecision time.Time
}

// NewBargeInDetector constructs a detector for one call.
func NewBargeInDetector(cfg BargeInConfig) *BargeInDetector {
	return &BargeInDetector{cfg: cfg}
}

// TalkingStarted records the start of a talking span.
func (d *BargeInDetector) TalkingStarted(now time.Time) {
	d.talkingSince = now
}

// TalkingStopped clears the current talking span without evaluating it
// (used when a span is too short to matter).
func (d *BargeInDetector) TalkingStopped() {
	d.talkingSince = time.Time{}
}

// ShouldInterrupt reports whether a talking span observed since
// TalkingStarted now qualifies as barge-in: it has lasted at least
// MinSpeechMs, it isn't within the post-interrupt debounce window, and —
// when a confidence score is available — it clears MinConfidence.
func (d *BargeInDetector) ShouldInterrupt(now time.Time, confidence *float64) bool {
	if d.talkingSince.IsZero() {
		return false
	}
	if !d.lastDecision.IsZero() && now.Sub(d.lastDecision) < time.Duration(d.cfg.DebounceMs)*time.Millisecond {
		return false
	}
	durationMs := now.Sub(d.talkingSince).Milliseconds()
	if durationMs < int64(d.cfg.MinSpeechMs) {
		return false
	}
	if confidence != nil && *confidence < d.cfg.MinConfidence {
		return false
	}
	d.lastDecision = now
	return true
}
