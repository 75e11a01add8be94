package recording

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/lokutor-ai/callengine/pkg/telephony"
)

func fakeARI(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/recordings/snoop1/record":
			w.Write([]byte(`{"name":"call1_continuous","format":"wav","state":"recording"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/recordings/live/call1_continuous/stop":
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestStartAndStop(t *testing.T) {
	server := fakeARI(t)
	defer server.Close()

	client := telephony.New(telephony.Config{BaseURL: server.URL, AppName: "app", APIKey: "k"})
	seg := New(client, "/spool", nil)

	h, err := seg.Start(context.Background(), StartRequest{CallID: "call1", SnoopChannelID: "snoop1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.RecordingName != "call1_continuous" {
		t.Fatalf("RecordingName = %s, want call1_continuous", h.RecordingName)
	}

	if err := seg.Stop(context.Background(), h); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestResolveAudioSegmentsPairsListenToIntent(t *testing.T) {
	marks := []Mark{
		{Type: MarkListenStart, AtMs: 0},
		{Type: "RECORDING_START", AtMs: 20}, // diagnostic, ignored
		{Type: MarkIntentFinalized, AtMs: 1500},
		{Type: MarkListenStart, AtMs: 2000},
		{Type: MarkIntentFinalized, AtMs: 4000},
	}
	segments := ResolveAudioSegments(marks, 4000)
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(segments))
	}
	if segments[0] != (Segment{StartMs: 0, EndMs: 1500, Reason: ReasonComplete}) {
		t.Fatalf("segment 0 = %+v", segments[0])
	}
	if segments[1] != (Segment{StartMs: 2000, EndMs: 4000, Reason: ReasonComplete}) {
		t.Fatalf("segment 1 = %+v", segments[1])
	}
}

func TestResolveAudioSegmentsSupersededListenIsIncomplete(t *testing.T) {
	marks := []Mark{
		{Type: MarkListenStart, AtMs: 0},
		{Type: MarkListenStart, AtMs: 1000},
		{Type: MarkIntentFinalized, AtMs: 2500},
	}
	segments := ResolveAudioSegments(marks, 3000)
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(segments))
	}
	if segments[0] != (Segment{StartMs: 0, EndMs: 1000, Reason: ReasonIncomplete}) {
		t.Fatalf("segment 0 = %+v", segments[0])
	}
	if segments[1].Reason != ReasonComplete {
		t.Fatalf("segment 1 = %+v", segments[1])
	}
}

func TestResolveAudioSegmentsOpenListenIsActive(t *testing.T) {
	marks := []Mark{{Type: MarkListenStart, AtMs: 500}}
	segments := ResolveAudioSegments(marks, 2000)
	if len(segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(segments))
	}
	if segments[0] != (Segment{StartMs: 500, EndMs: 2000, Reason: ReasonActive}) {
		t.Fatalf("segment 0 = %+v", segments[0])
	}
}

func TestResolveAudioSegmentsSkipsNonPositiveSpan(t *testing.T) {
	marks := []Mark{
		{Type: MarkListenStart, AtMs: 1000},
		{Type: MarkIntentFinalized, AtMs: 1000},
	}
	if segments := ResolveAudioSegments(marks, 1000); len(segments) != 0 {
		t.Fatalf("got %v segments, want 0 for a zero-length span", segments)
	}
}

type fakeTranscoder struct {
	output []byte
	err    error
}

func (f *fakeTranscoder) Extract(ctx context.Context, inputPath, outputPath string, startMs, endMs int64, sampleRate int) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outputPath, f.output, 0644)
}

func TestExtractWavSegmentMsRejectsUndersizedOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "seg.wav")
	seg := New(nil, dir, nil)

	tc := &fakeTranscoder{output: []byte{0x01, 0x02}}
	err := seg.ExtractWavSegmentMs(context.Background(), tc, "in.wav", 0, 1000, out, 8000)
	if err == nil {
		t.Fatal("expected error for undersized output")
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatal("expected undersized output file to be removed")
	}
}

func TestExtractWavSegmentMsAcceptsSanityFloor(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "seg.wav")
	seg := New(nil, dir, nil)

	tc := &fakeTranscoder{output: make([]byte, minSegmentBytes)}
	if err := seg.ExtractWavSegmentMs(context.Background(), tc, "in.wav", 0, 1000, out, 8000); err != nil {
		t.Fatalf("ExtractWavSegmentMs: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output file to exist: %v", err)
	}
}

func TestExtractWavSegmentMsPropagatesTranscoderError(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "seg.wav")
	seg := New(nil, dir, nil)

	tc := &fakeTranscoder{err: context.DeadlineExceeded}
	if err := seg.ExtractWavSegmentMs(context.Background(), tc, "in.wav", 0, 1000, out, 8000); err == nil {
		t.Fatal("expected transcoder error to propagate")
	}
}
