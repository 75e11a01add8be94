package engine

import (
	"context"
	"testing"
	"time"

	"github.com/lokutor-ai/callengine/pkg/contracts"
	"github.com/lokutor-ai/callengine/pkg/phase"
	"github.com/lokutor-ai/callengine/pkg/session"
	"github.com/lokutor-ai/callengine/pkg/store"
)

func TestEnsureSTTAllowedBlocksBeforeReady(t *testing.T) {
	repo := contracts.NewRepository(store.NewMem(), nil)
	e := New(Config{}, Deps{Contracts: repo})
	sess := session.New("call-1", "booking", "front-desk", time.Now())

	if _, err := repo.Create(context.Background(), sess.LinkedID, "parent-chan", "bridge-1", time.Now()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := e.ensureSTTAllowed(context.Background(), sess); err == nil {
		t.Fatal("expected STT to be blocked while the snoop contract is CREATED")
	}
}

func TestEnsureSTTAllowedPermitsOnceReady(t *testing.T) {
	repo := contracts.NewRepository(store.NewMem(), nil)
	e := New(Config{}, Deps{Contracts: repo})
	sess := session.New("call-1", "booking", "front-desk", time.Now())

	now := time.Now()
	if _, err := repo.Create(context.Background(), sess.LinkedID, "parent-chan", "bridge-1", now); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.Advance(context.Background(), sess.LinkedID, contracts.SnoopCreated, contracts.SnoopReady, now); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if err := e.ensureSTTAllowed(context.Background(), sess); err != nil {
		t.Fatalf("expected STT to be allowed once READY, got %v", err)
	}
}

func TestEnsureSTTAllowedWithoutRepositoryIsPermissive(t *testing.T) {
	e := New(Config{}, Deps{})
	sess := session.New("call-1", "booking", "front-desk", time.Now())

	if err := e.ensureSTTAllowed(context.Background(), sess); err != nil {
		t.Fatalf("expected nil contracts repository to be permissive, got %v", err)
	}
}

func TestEnsureSTTAllowedLifecycleDenialConsumesRejectionMarker(t *testing.T) {
	st := store.NewMem()
	markers := contracts.NewRejectionMarkers(st, time.Minute)
	phases := phase.NewTable([]phase.Descriptor{
		{Name: "ANNOUNCE", Kind: phase.KindSpeak, Order: 0},
	}, nil)
	e := New(Config{Lifecycle: contracts.DefaultTable(), Phases: phases}, Deps{Markers: markers})
	sess := session.New("call-1", "booking", "front-desk", time.Now())
	sess.Phase = "ANNOUNCE" // SPEAK denies START_STT

	if err := e.ensureSTTAllowed(context.Background(), sess); err == nil {
		t.Fatal("expected the SPEAK lifecycle entry to deny STT")
	}

	if err := markers.Set(context.Background(), sess.LinkedID); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.ensureSTTAllowed(context.Background(), sess); err != nil {
		t.Fatalf("expected the rejection marker to permit one re-prompt, got %v", err)
	}
	if err := e.ensureSTTAllowed(context.Background(), sess); err == nil {
		t.Fatal("expected the exception to be one-shot")
	}
}
