package contracts

import (
	"context"
	"testing"
	"time"

	"github.com/lokutor-ai/callengine/pkg/store"
)

func TestRepositoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(store.NewMem(), nil)
	now := time.Now()

	created, err := repo.Create(ctx, "call-1", "chan-parent", "bridge-1", now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.State != SnoopCreated {
		t.Fatalf("state = %s, want CREATED", created.State)
	}
	if created.SnoopID == "" {
		t.Fatal("expected a generated snoop id")
	}

	got, ok, err := repo.Get(ctx, "call-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.SnoopID != created.SnoopID {
		t.Fatalf("snoop id mismatch: %s != %s", got.SnoopID, created.SnoopID)
	}

	linked, ok, err := repo.LookupLinkedID(ctx, created.SnoopID)
	if err != nil || !ok {
		t.Fatalf("LookupLinkedID: ok=%v err=%v", ok, err)
	}
	if linked != "call-1" {
		t.Fatalf("linked id = %s, want call-1", linked)
	}
}

func TestRepositoryAdvanceRejectsRegression(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(store.NewMem(), nil)
	now := time.Now()

	_, err := repo.Create(ctx, "call-1", "chan-parent", "bridge-1", now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.Advance(ctx, "call-1", SnoopCreated, SnoopReady, now); err != nil {
		t.Fatalf("advance to READY: %v", err)
	}
	if _, err := repo.Advance(ctx, "call-1", SnoopReady, SnoopCreated, now); err == nil {
		t.Fatal("expected regression to be rejected")
	}
}

func TestRepositoryDestroyRemovesBothIndexKeys(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMem()
	repo := NewRepository(mem, nil)
	now := time.Now()

	created, err := repo.Create(ctx, "call-1", "chan-parent", "bridge-1", now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.Destroy(ctx, "call-1", now); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, ok, _ := repo.Get(ctx, "call-1"); ok {
		t.Fatal("expected contract key to be removed")
	}
	if _, ok, _ := repo.LookupLinkedID(ctx, created.SnoopID); ok {
		t.Fatal("expected by-id index to be removed")
	}
	for _, k := range mem.Keys() {
		if k == contractKey("call-1") || k == byIDKey(created.SnoopID) {
			t.Fatalf("leftover key after destroy: %s", k)
		}
	}
}

func TestRepositoryDestroyOnMissingContractIsNoop(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(store.NewMem(), nil)
	if err := repo.Destroy(ctx, "never-existed", time.Now()); err != nil {
		t.Fatalf("Destroy on missing contract should be a no-op, got %v", err)
	}
}
