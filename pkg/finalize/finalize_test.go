package finalize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lokutor-ai/callengine/pkg/session"
)

type fakeSink struct {
	recs []CallRecord
	err  error
}

func (f *fakeSink) Persist(ctx context.Context, rec CallRecord) error {
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func newTestSession() *session.Context {
	sess := session.New("call-1", "booking", "front-desk", time.Now().Add(-2*time.Second))
	sess.AddToHistory("user", "hola", time.Now())
	sess.AddToHistory("assistant", "hola, en que puedo ayudarte", time.Now())
	return sess
}

func TestRunWritesTranscriptAndPersistsRecord(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}
	f := New(sink, nil)

	rec, err := f.Run(context.Background(), Request{
		Session:  newTestSession(),
		Caller:   "15551234",
		Identity: "bob",
		FinalDir: dir,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(rec.TranscriptPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "👤 Usuario: hola") {
		t.Fatalf("transcript missing user line: %s", text)
	}
	if !strings.Contains(text, "🤖 Asistente: hola, en que puedo ayudarte") {
		t.Fatalf("transcript missing assistant line: %s", text)
	}

	if len(sink.recs) != 1 {
		t.Fatalf("sink got %d records, want 1", len(sink.recs))
	}
	if sink.recs[0].LinkedID != "call-1" {
		t.Fatalf("persisted linked id = %s", sink.recs[0].LinkedID)
	}
}

func TestRunDefaultsUnknownIdentity(t *testing.T) {
	dir := t.TempDir()
	f := New(&fakeSink{}, nil)

	rec, err := f.Run(context.Background(), Request{
		Session:  newTestSession(),
		Caller:   "15551234",
		FinalDir: dir,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(rec.RecordingPath, "_unknown_15551234_") {
		t.Fatalf("recording path = %s, want unknown identity segment", rec.RecordingPath)
	}
}

func TestRunFallsBackToARIRecordingWhenNoMaster(t *testing.T) {
	dir := t.TempDir()
	ariPath := filepath.Join(dir, "ari_source.wav")
	if err := os.WriteFile(ariPath, []byte("ari audio bytes"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	f := New(&fakeSink{}, nil)
	rec, err := f.Run(context.Background(), Request{
		Session:          newTestSession(),
		Caller:           "15551234",
		FinalDir:         dir,
		ARIRecordingPath: ariPath,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(rec.RecordingPath)
	if err != nil {
		t.Fatalf("read final recording: %v", err)
	}
	if string(got) != "ari audio bytes" {
		t.Fatalf("final recording content = %q", got)
	}
}

func TestRunPrefersMasterRecordingWhenPresent(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "master.wav")
	ariPath := filepath.Join(dir, "ari.wav")
	os.WriteFile(masterPath, []byte("master audio"), 0644)
	os.WriteFile(ariPath, []byte("ari audio"), 0644)

	f := New(&fakeSink{}, nil)
	rec, err := f.Run(context.Background(), Request{
		Session:          newTestSession(),
		Caller:           "15551234",
		FinalDir:         dir,
		MasterSpoolPath:  masterPath,
		ARIRecordingPath: ariPath,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := os.ReadFile(rec.RecordingPath)
	if string(got) != "master audio" {
		t.Fatalf("final recording content = %q, want master audio", got)
	}
}

func TestRunPropagatesSinkError(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{err: errors.New("db down")}
	f := New(sink, nil)

	_, err := f.Run(context.Background(), Request{
		Session:  newTestSession(),
		Caller:   "15551234",
		FinalDir: dir,
	})
	if err == nil {
		t.Fatal("expected sink error to propagate")
	}
}
