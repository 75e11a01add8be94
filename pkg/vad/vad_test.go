package vad

import (
	"testing"
	"time"
)

func loudFrame(n int) []byte {
	frame := make([]byte, n*2)
	for i := 0; i < n; i++ {
		frame[i*2] = 0xff
		frame[i*2+1] = 0x7f // max positive int16, well above any reasonable threshold
	}
	return frame
}

func quietFrame(n int) []byte {
	return make([]byte, n*2)
}

func TestSpeechStartRequiresConfirmedFrames(t *testing.T) {
	v := New(0.02, 200*time.Millisecond)
	v.SetMinConfirmed(3)

	for i := 0; i < 2; i++ {
		if ev := v.Process(loudFrame(160)); ev != nil {
			t.Fatalf("unexpected event before confirmation window elapsed: %+v", ev)
		}
	}
	ev := v.Process(loudFrame(160))
	if ev == nil || ev.Type != SpeechStart {
		t.Fatalf("expected SpeechStart on 3rd loud frame, got %+v", ev)
	}
	if !v.IsSpeaking() {
		t.Fatal("expected IsSpeaking true after SpeechStart")
	}
}

func TestSpeechEndAfterSilenceLimit(t *testing.T) {
	v := New(0.02, 50*time.Millisecond)
	v.SetMinConfirmed(1)

	if ev := v.Process(loudFrame(160)); ev == nil || ev.Type != SpeechStart {
		t.Fatalf("expected SpeechStart, got %+v", ev)
	}

	ev := v.Process(quietFrame(160))
	if ev == nil || ev.Type != Silence {
		t.Fatalf("expected Silence immediately after going quiet, got %+v", ev)
	}

	time.Sleep(60 * time.Millisecond)
	ev = v.Process(quietFrame(160))
	if ev == nil || ev.Type != SpeechEnd {
		t.Fatalf("expected SpeechEnd once silence limit elapses, got %+v", ev)
	}
	if v.IsSpeaking() {
		t.Fatal("expected IsSpeaking false after SpeechEnd")
	}
}

func TestResetClearsState(t *testing.T) {
	v := New(0.02, 50*time.Millisecond)
	v.SetMinConfirmed(1)
	v.Process(loudFrame(160))
	if !v.IsSpeaking() {
		t.Fatal("expected IsSpeaking true before reset")
	}
	v.Reset()
	if v.IsSpeaking() {
		t.Fatal("expected IsSpeaking false after Reset")
	}
}
