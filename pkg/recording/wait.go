package recording

import (
	"context"
	"os"
	"time"
)

// MinSpeechBytes is the sanity floor for a single turn's recorded capture:
// below this, the turn is treated as silence rather than a qualifying
// utterance, mirroring minSegmentBytes for the continuous capture.
const MinSpeechBytes = 3072

// WaitForFile polls for path to exist and reach at least minBytes, returning
// false (no error) if timeout elapses first — the switch's recording file
// write lags the StopRecording/RecordingFinished event slightly, and a
// turn with nothing spoken never reaches minBytes at all.
func WaitForFile(ctx context.Context, path string, minBytes int64, timeout, interval time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if info, err := os.Stat(path); err == nil && info.Size() >= minBytes {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}
