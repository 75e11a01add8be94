package contracts

import (
	"context"
	"testing"
	"time"

	"github.com/lokutor-ai/callengine/pkg/store"
)

func TestMarkLogAppendAndList(t *testing.T) {
	log := NewMarkLog(store.NewMem(), nil)
	ctx := context.Background()
	now := time.Now()

	marks := []AudioMark{
		{LinkedID: "call-1", Type: "LISTEN_START", OffsetMs: 1000, At: now},
		{LinkedID: "call-1", Type: "INTENT_FINALIZED", OffsetMs: 4200, At: now},
	}
	for _, m := range marks {
		if err := log.Append(ctx, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := log.List(ctx, "call-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Type != "LISTEN_START" || got[1].OffsetMs != 4200 {
		t.Fatalf("unexpected marks: %+v", got)
	}
}

func TestMarkLogListOtherCallIsEmpty(t *testing.T) {
	log := NewMarkLog(store.NewMem(), nil)
	got, err := log.List(context.Background(), "no-such-call")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len = %d, want 0", len(got))
	}
}

func TestRejectionMarkerConsumeIsOneShot(t *testing.T) {
	markers := NewRejectionMarkers(store.NewMem(), time.Minute)
	ctx := context.Background()

	if err := markers.Set(ctx, "call-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ok, err := markers.Consume(ctx, "call-1")
	if err != nil || !ok {
		t.Fatalf("first Consume = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = markers.Consume(ctx, "call-1")
	if err != nil || ok {
		t.Fatalf("second Consume = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestRejectionMarkerAbsent(t *testing.T) {
	markers := NewRejectionMarkers(store.NewMem(), time.Minute)
	ok, err := markers.Consume(context.Background(), "never-set")
	if err != nil || ok {
		t.Fatalf("Consume = (%v, %v), want (false, nil)", ok, err)
	}
}
