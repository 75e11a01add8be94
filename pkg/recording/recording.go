// Package recording implements the Recording Segmenter: continuous capture
// of a call's user-only audio tap, plus on-demand extraction of
// turn-boundary segments out of that capture using ordered marks.
package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lokutor-ai/callengine/pkg/logging"
	"github.com/lokutor-ai/callengine/pkg/telephony"
)

// Handle identifies a started continuous recording.
type Handle struct {
	CallID          string
	RecordingName   string
	Path            string
	SnoopChannelID  string
	StartedAt       time.Time
}

// StartRequest names the pre-bridge snoop tap to record.
type StartRequest struct {
	CallID         string
	SnoopChannelID string
}

// Segmenter owns the continuous per-call capture; ResolveAudioSegments
// carves it into turn segments from a mark list after the fact.
type Segmenter struct {
	telephony *telephony.Client
	spoolDir  string
	logger    logging.Logger
}

// New constructs a Segmenter. spoolDir is where the switch writes ARI
// recordings; extracted segments land alongside the source file.
func New(tel *telephony.Client, spoolDir string, logger logging.Logger) *Segmenter {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Segmenter{telephony: tel, spoolDir: spoolDir, logger: logger}
}

// Start begins continuous capture of req.SnoopChannelID. The caller must
// start the recording before attaching the snoop channel to any bridge —
// the switch refuses to record a channel that is already bridged.
func (s *Segmenter) Start(ctx context.Context, req StartRequest) (Handle, error) {
	name := fmt.Sprintf("%s_continuous", req.CallID)
	rec, err := s.telephony.StartRecording(ctx, req.SnoopChannelID, name, "wav")
	if err != nil {
		return Handle{}, fmt.Errorf("recording: start: %w", err)
	}
	return Handle{
		CallID:         req.CallID,
		RecordingName:  rec.Name,
		Path:           filepath.Join(s.spoolDir, rec.Name+".wav"),
		SnoopChannelID: req.SnoopChannelID,
		StartedAt:      time.Now(),
	}, nil
}

// Stop ends a continuous recording in progress.
func (s *Segmenter) Stop(ctx context.Context, h Handle) error {
	if err := s.telephony.StopRecording(ctx, h.RecordingName); err != nil {
		return fmt.Errorf("recording: stop: %w", err)
	}
	return nil
}

// Mark is one typed point in call time, in milliseconds from the start of
// the continuous capture.
type Mark struct {
	Type string
	AtMs int64
}

// Mark types the segment resolver pairs on.
const (
	MarkListenStart     = "LISTEN_START"
	MarkIntentFinalized = "INTENT_FINALIZED"
)

// Segment reasons for spans that never saw their closing mark.
const (
	ReasonComplete   = ""
	ReasonIncomplete = "incomplete" // superseded by a later LISTEN_START
	ReasonActive     = "active"     // still open when the marks were read
)

// Segment is a derived [StartMs, EndMs) span resolved from a
// LISTEN_START/INTENT_FINALIZED mark pair. Reason is empty for a cleanly
// closed pair.
type Segment struct {
	StartMs int64
	EndMs   int64
	Reason  string
}

// ResolveAudioSegments pairs ordered marks into user-turn segments: a
// LISTEN_START opens a span and the next INTENT_FINALIZED closes it. A
// LISTEN_START superseded by another LISTEN_START yields a partial segment
// (reason incomplete) ending where the next one starts; a LISTEN_START
// still open at the end of the trail yields a partial segment (reason
// active) running to totalMs. Marks of other types are ignored here — they
// are diagnostics, not segment boundaries.
func ResolveAudioSegments(marks []Mark, totalMs int64) []Segment {
	segments := make([]Segment, 0, len(marks)/2)
	openStart := int64(-1)
	for _, m := range marks {
		switch m.Type {
		case MarkListenStart:
			if openStart >= 0 && m.AtMs > openStart {
				segments = append(segments, Segment{StartMs: openStart, EndMs: m.AtMs, Reason: ReasonIncomplete})
			}
			openStart = m.AtMs
		case MarkIntentFinalized:
			if openStart >= 0 && m.AtMs > openStart {
				segments = append(segments, Segment{StartMs: openStart, EndMs: m.AtMs, Reason: ReasonComplete})
			}
			openStart = -1
		}
	}
	if openStart >= 0 && totalMs > openStart {
		segments = append(segments, Segment{StartMs: openStart, EndMs: totalMs, Reason: ReasonActive})
	}
	return segments
}

// minSegmentBytes is the sanity floor for a successfully transcoded
// segment: below this, the output is treated as a failed cut rather than
// a valid (if tiny) clip.
const minSegmentBytes = 1024

// ExtractWavSegmentMs cuts [startMs, endMs) out of inputPath using the
// configured transcoder and writes the result to outputPath at sampleRate.
// A transcoder failure, or an output smaller than minSegmentBytes,
// abandons the segment without touching the rest of the capture.
func (s *Segmenter) ExtractWavSegmentMs(ctx context.Context, tc Transcoder, inputPath string, startMs, endMs int64, outputPath string, sampleRate int) error {
	if err := tc.Extract(ctx, inputPath, outputPath, startMs, endMs, sampleRate); err != nil {
		return fmt.Errorf("recording: extract segment: %w", err)
	}
	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("recording: extract segment: stat output: %w", err)
	}
	if info.Size() < minSegmentBytes {
		os.Remove(outputPath)
		return fmt.Errorf("recording: extract segment: output %d bytes below %d byte sanity floor", info.Size(), minSegmentBytes)
	}
	return nil
}
