package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/lokutor-ai/callengine/pkg/audio"
)

// synthesisSampleRate is the PCM16 rate the Speech Adapter synthesizes at.
const synthesisSampleRate = 24000

// mediaWriter drops synthesized TTS audio into the switch's recording spool
// as a WAV file, so it can be referenced by a "recording:" media URI the
// same way a domain's pre-recorded prompt would be.
type mediaWriter struct {
	dir string
	seq uint64
}

func newMediaWriter(dir string) *mediaWriter {
	return &mediaWriter{dir: dir}
}

// write wraps pcm as a WAV file under dir and returns the media URI
// StartPlayback expects.
func (m *mediaWriter) write(linkedID string, pcm []byte) (string, error) {
	if m.dir == "" {
		return "", fmt.Errorf("engine: no media spool directory configured")
	}
	n := atomic.AddUint64(&m.seq, 1)
	name := fmt.Sprintf("tts_%s_%d", linkedID, n)
	path := filepath.Join(m.dir, name+".wav")
	data := audio.NewWavBuffer(pcm, audio.Mono16(synthesisSampleRate))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("engine: write tts media: %w", err)
	}
	return "recording:" + name, nil
}
