// Package vad provides a lightweight, dependency-free voice activity
// detector used by the local microphone demo path (cmd/engine -mode=local).
// The telephony path never needs this: ARI reports ChannelTalkingStarted/
// Finished itself, so engine.BargeInDetector consumes those events directly
// instead of running a VAD over raw PCM.
package vad

import (
	"math"
	"time"
)

// EventType is the kind of speech-boundary event RMSVAD reports.
type EventType int

const (
	SpeechStart EventType = iota
	SpeechEnd
	Silence
)

// Event is one speech-boundary observation from a single Process call.
type Event struct {
	Type      EventType
	Timestamp int64
}

// RMSVAD is a root-mean-square energy detector over 16-bit PCM frames, with
// hysteresis on both edges: a run of consecutive above-threshold frames
// confirms speech start, and a silence window confirms speech end.
type RMSVAD struct {
	threshold    float64
	silenceLimit time.Duration
	isSpeaking   bool
	silenceStart time.Time

	consecutiveFrames int
	minConfirmed      int
	lastRMS           float64
}

// New constructs an RMSVAD. threshold is the RMS energy (0..1) above which a
// frame counts as speech; silenceLimit is how long energy must stay below
// threshold before a SpeechEnd fires.
func New(threshold float64, silenceLimit time.Duration) *RMSVAD {
	return &RMSVAD{
		threshold:    threshold,
		silenceLimit: silenceLimit,
		minConfirmed: 7,
	}
}

func (v *RMSVAD) SetMinConfirmed(count int)      { v.minConfirmed = count }
func (v *RMSVAD) SetThreshold(threshold float64) { v.threshold = threshold }
func (v *RMSVAD) Threshold() float64             { return v.threshold }
func (v *RMSVAD) LastRMS() float64               { return v.lastRMS }
func (v *RMSVAD) IsSpeaking() bool               { return v.isSpeaking }

// Process consumes one chunk of 16-bit little-endian mono PCM and returns the
// boundary event it produced, if any.
func (v *RMSVAD) Process(chunk []byte) *Event {
	rms := calculateRMS(chunk)
	v.lastRMS = rms
	now := time.Now()

	if rms > v.threshold {
		v.consecutiveFrames++
		if !v.isSpeaking {
			if v.consecutiveFrames >= v.minConfirmed {
				v.isSpeaking = true
				return &Event{Type: SpeechStart, Timestamp: now.UnixMilli()}
			}
			return nil
		}
		v.silenceStart = time.Time{}
		return nil
	}

	v.consecutiveFrames = 0

	if v.isSpeaking {
		if v.silenceStart.IsZero() {
			v.silenceStart = now
		}
		if now.Sub(v.silenceStart) >= v.silenceLimit {
			v.isSpeaking = false
			v.silenceStart = time.Time{}
			return &Event{Type: SpeechEnd, Timestamp: now.UnixMilli()}
		}
	}

	return &Event{Type: Silence, Timestamp: now.UnixMilli()}
}

func (v *RMSVAD) Reset() {
	v.isSpeaking = false
	v.silenceStart = time.Time{}
	v.consecutiveFrames = 0
}

func calculateRMS(chunk []byte) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(chunk)-1; i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(chunk)/2))
}
