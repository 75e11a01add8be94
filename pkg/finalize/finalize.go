// Package finalize implements the Post-Call Finalizer (C10): at StasisEnd,
// it writes the transcript log, relocates the master recording into its
// final per-call directory, and persists a call record, running the three
// steps concurrently and joining on the first error.
package finalize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/callengine/pkg/logging"
	"github.com/lokutor-ai/callengine/pkg/session"
)

// CallRecord is the durable summary of one finished call.
type CallRecord struct {
	LinkedID       string
	Domain         string
	BotName        string
	Caller         string
	Identity       string
	StartedAt      time.Time
	EndedAt        time.Time
	DurationSecs   float64
	TurnCount      int
	RecordingPath  string
	TranscriptPath string
}

// CallRecordSink persists a finished call's record. The default
// implementation appends JSON-lines to a file; sink_sql supplies a
// database/sql-backed alternative for deployments with a real call-log
// database.
type CallRecordSink interface {
	Persist(ctx context.Context, rec CallRecord) error
}

// Request bundles what the finalizer needs about one ended call.
type Request struct {
	Session          *session.Context
	Caller           string
	Identity         string // empty means "unknown"
	FinalDir         string // recordings/{callee}/{yyyymmdd}
	MasterSpoolPath  string // where the switch's mixed recording lives, if any
	ARIRecordingPath string // fallback ARI-only recording
	MasterCopyDelay  time.Duration
}

// Finalizer runs the three persistence steps for one ended call.
type Finalizer struct {
	sink   CallRecordSink
	logger logging.Logger
}

// New constructs a Finalizer.
func New(sink CallRecordSink, logger logging.Logger) *Finalizer {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Finalizer{sink: sink, logger: logger}
}

// finalWavName builds {linkedId}_{identityOrUnknown}_{caller}_{unixTime}.wav
func finalWavName(linkedID, identity, caller string, now time.Time) string {
	if identity == "" {
		identity = "unknown"
	}
	return fmt.Sprintf("%s_%s_%s_%d.wav", linkedID, identity, caller, now.Unix())
}

// Run executes the transcript write, master-recording relocation, and
// call-record persistence concurrently, returning the first error any of
// them produces. Partial completion of the other two steps is not rolled
// back — each step's own file is left in whatever state it reached.
func (f *Finalizer) Run(ctx context.Context, req Request) (CallRecord, error) {
	now := time.Now()
	sess := req.Session
	base := finalWavName(sess.LinkedID, req.Identity, req.Caller, now)
	recordingPath := filepath.Join(req.FinalDir, base)
	transcriptPath := filepath.Join(req.FinalDir, strings.TrimSuffix(base, ".wav")+"_conversation_log.txt")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return writeTranscript(transcriptPath, sess.History)
	})

	g.Go(func() error {
		return f.relocateRecording(gctx, req, recordingPath)
	})

	rec := CallRecord{
		LinkedID:       sess.LinkedID,
		Domain:         sess.Domain,
		BotName:        sess.BotName,
		Caller:         req.Caller,
		Identity:       req.Identity,
		StartedAt:      sess.StartedAt,
		EndedAt:        now,
		DurationSecs:   sess.DurationSeconds(now),
		TurnCount:      sess.TurnCount,
		RecordingPath:  recordingPath,
		TranscriptPath: transcriptPath,
	}

	g.Go(func() error {
		if f.sink == nil {
			return nil
		}
		return f.sink.Persist(gctx, rec)
	})

	if err := g.Wait(); err != nil {
		return rec, fmt.Errorf("finalize: %w", err)
	}
	return rec, nil
}

// writeTranscript writes one line per turn in the
// "👤 Usuario: …" / "🤖 Asistente: …" transcript format.
func writeTranscript(path string, history []session.HistoryEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("write transcript: mkdir: %w", err)
	}
	var sb strings.Builder
	for _, h := range history {
		prefix := "🤖 Asistente: "
		if h.Role == "user" {
			prefix = "👤 Usuario: "
		}
		sb.WriteString(prefix)
		sb.WriteString(h.Content)
		sb.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// relocateRecording copies the mixed master recording into its final
// location after MasterCopyDelay (giving the switch time to close the
// file), falling back to the ARI-only recording if no master is present.
func (f *Finalizer) relocateRecording(ctx context.Context, req Request, destPath string) error {
	if req.MasterCopyDelay > 0 {
		select {
		case <-time.After(req.MasterCopyDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	src := req.MasterSpoolPath
	if src == "" || !fileExists(src) {
		src = req.ARIRecordingPath
	}
	if src == "" {
		f.logger.Warn("no recording source available to finalize", "dest", destPath)
		return nil
	}
	return copyFile(src, destPath)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("relocate recording: read source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("relocate recording: mkdir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return fmt.Errorf("relocate recording: write dest: %w", err)
	}
	return nil
}

// JSONLineSink is the default CallRecordSink: one JSON object per line,
// appended to a file.
type JSONLineSink struct {
	Path string
}

func (s *JSONLineSink) Persist(ctx context.Context, rec CallRecord) error {
	f, err := os.OpenFile(s.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("jsonline sink: open: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf(
		`{"linked_id":%q,"domain":%q,"bot_name":%q,"caller":%q,"identity":%q,"started_at":%q,"ended_at":%q,"duration_secs":%s,"turn_count":%d,"recording_path":%q,"transcript_path":%q}`+"\n",
		rec.LinkedID, rec.Domain, rec.BotName, rec.Caller, rec.Identity,
		rec.StartedAt.Format(time.RFC3339), rec.EndedAt.Format(time.RFC3339),
		strconv.FormatFloat(rec.DurationSecs, 'f', 3, 64), rec.TurnCount,
		rec.RecordingPath, rec.TranscriptPath,
	)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("jsonline sink: write: %w", err)
	}
	return nil
}
