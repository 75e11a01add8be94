package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lokutor-ai/callengine/pkg/audio"
	"github.com/lokutor-ai/callengine/pkg/recording"
	"github.com/lokutor-ai/callengine/pkg/session"
	"github.com/lokutor-ai/callengine/pkg/telephony"
)

// Listen records one user turn off the call's channel, waits for the
// recorded file to land on disk and reach a minimum size, gates
// transcription on the snoop Resource Contract having reached READY, and
// returns the transcript. It returns "" (no error) for a turn that never
// qualified as speech, or whose STT was blocked by a contract that isn't
// ready yet — both are ordinary silence from RunTurn's point of view.
func (e *Engine) Listen(ctx context.Context, sess *session.Context, events <-chan telephony.Event) (string, error) {
	if e.telephony == nil {
		return "", nil
	}

	now := time.Now()
	e.persistMark(ctx, sess, sess.Mark(session.MarkListenStart, "", sess.OffsetMs(now), now))

	name := fmt.Sprintf("%s_turn_%d", sess.LinkedID, sess.TurnCount+1)
	rec, err := e.telephony.StartRecording(ctx, sess.LinkedID, name, "wav")
	if err != nil {
		if errors.Is(err, telephony.ErrChannelGone) {
			sess.Terminate(time.Now())
			return "", nil
		}
		return "", fmt.Errorf("engine: start recording: %w", err)
	}
	now = time.Now()
	e.persistMark(ctx, sess, sess.Mark(session.MarkRecordingStart, "", sess.OffsetMs(now), now))

	maxRecording := time.Duration(e.cfg.Listen.MaxRecordingMs) * time.Millisecond
	if maxRecording <= 0 {
		maxRecording = 8500 * time.Millisecond
	}
	maxSilence := time.Duration(e.cfg.Listen.MaxSilenceSeconds * float64(time.Second))
	if maxSilence <= 0 {
		maxSilence = 2500 * time.Millisecond
	}
	e.waitForSpeechEnd(ctx, sess, events, maxSilence, maxRecording)

	if err := e.telephony.StopRecording(ctx, rec.Name); err != nil {
		e.logger.Warn("stop recording failed", "linkedId", sess.LinkedID, "error", err)
	}
	if sess.Terminated() {
		return "", nil
	}

	path := filepath.Join(e.cfg.Listen.SpoolDir, rec.Name+".wav")
	minBytes := int64(e.cfg.Listen.MinRecordingBytes)
	if minBytes <= 0 {
		minBytes = recording.MinSpeechBytes
	}
	qualifies, err := recording.WaitForFile(ctx, path, minBytes, 2*time.Second, 50*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("engine: wait for recording: %w", err)
	}
	if !qualifies {
		now = time.Now()
		e.persistMark(ctx, sess, sess.Mark(session.MarkTimeout, "no-speech", sess.OffsetMs(now), now))
		return "", nil
	}

	if err := e.ensureSTTAllowed(ctx, sess); err != nil {
		e.logger.Warn("stt blocked by contract", "linkedId", sess.LinkedID, "error", err)
		e.emit(EventGuardTripped, sess.LinkedID, err.Error())
		return "", nil
	}

	sp := e.speechFor(sess.LinkedID)
	if sp == nil {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("engine: read recording: %w", err)
	}
	_, pcm, err := audio.ParseWav(data)
	if err != nil {
		return "", fmt.Errorf("engine: decode recording: %w", err)
	}

	text, err := sp.TranscribeAudioOnly(ctx, pcm)
	if err != nil {
		e.logger.Warn("transcription failed", "linkedId", sess.LinkedID, "error", err)
		return "", nil
	}
	now = time.Now()
	e.persistMark(ctx, sess, sess.Mark(session.MarkIntentFinalized, "", sess.OffsetMs(now), now))
	return text, nil
}

// waitForSpeechEnd blocks until the event lane reports the recorded channel
// went quiet after having talked, the max-recording ceiling is hit, or the
// quiet timer expires with no talking ever observed. A StasisEnd on the
// lane terminates the session immediately. With no event lane (e.g. tests)
// it just sleeps for maxSilence.
func (e *Engine) waitForSpeechEnd(ctx context.Context, sess *session.Context, events <-chan telephony.Event, maxSilence, maxRecording time.Duration) {
	if events == nil {
		select {
		case <-ctx.Done():
		case <-time.After(maxSilence):
		}
		return
	}

	deadline := time.NewTimer(maxRecording)
	defer deadline.Stop()
	quiet := time.NewTimer(maxSilence)
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-quiet.C:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case telephony.EventStasisEnd:
				sess.Terminate(time.Now())
				return
			case telephony.EventChannelTalking:
				if !quiet.Stop() {
					select {
					case <-quiet.C:
					default:
					}
				}
			case telephony.EventChannelSilence:
				quiet.Reset(maxSilence)
			case telephony.EventRecordingFinished, telephony.EventRecordingFailed:
				return
			}
		}
	}
}
