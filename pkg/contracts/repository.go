package contracts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lokutor-ai/callengine/pkg/logging"
	"github.com/lokutor-ai/callengine/pkg/store"
)

// Repository persists SnoopContract values to the shared store, maintaining
// a double index so a contract is addressable by either key:
//
//	snoop:{linkedId}       -> contract
//	snoop:by-id:{snoopId}  -> linkedId
type Repository struct {
	store  store.Store
	logger logging.Logger
}

// NewRepository constructs a Repository over the given Store.
func NewRepository(s store.Store, logger logging.Logger) *Repository {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Repository{store: s, logger: logger}
}

func contractKey(linkedID string) string  { return "snoop:" + linkedID }
func byIDKey(snoopID string) string       { return "snoop:by-id:" + snoopID }

type wireContract struct {
	LinkedID        string    `json:"linked_id"`
	SnoopID         string    `json:"snoop_id"`
	ParentChannelID string    `json:"parent_channel_id"`
	CaptureBridgeID string    `json:"capture_bridge_id"`
	ExternalMediaID string    `json:"external_media_id"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	Version         int       `json:"version"`
}

func toWire(c SnoopContract) wireContract {
	return wireContract{
		LinkedID:        c.LinkedID,
		SnoopID:         c.SnoopID,
		ParentChannelID: c.ParentChannelID,
		CaptureBridgeID: c.CaptureBridgeID,
		ExternalMediaID: c.ExternalMediaID,
		State:           string(c.State),
		CreatedAt:       c.CreatedAt,
		Version:         c.Version,
	}
}

func fromWire(w wireContract, ttl time.Duration) SnoopContract {
	return SnoopContract{
		LinkedID:        w.LinkedID,
		SnoopID:         w.SnoopID,
		ParentChannelID: w.ParentChannelID,
		CaptureBridgeID: w.CaptureBridgeID,
		ExternalMediaID: w.ExternalMediaID,
		State:           SnoopState(w.State),
		CreatedAt:       w.CreatedAt,
		TTL:             ttl,
		Version:         w.Version,
	}
}

// Create starts a new contract in CREATED state, generating a snoop id.
func (r *Repository) Create(ctx context.Context, linkedID, parentChannelID, captureBridgeID string, now time.Time) (SnoopContract, error) {
	c := SnoopContract{
		LinkedID:        linkedID,
		SnoopID:         uuid.NewString(),
		ParentChannelID: parentChannelID,
		CaptureBridgeID: captureBridgeID,
		State:           SnoopCreated,
		CreatedAt:       now,
		TTL:             DefaultTTL(SnoopCreated),
		Version:         1,
	}
	if err := r.persist(ctx, c); err != nil {
		return SnoopContract{}, err
	}
	return c, nil
}

// Get loads the current contract for a call, if any.
func (r *Repository) Get(ctx context.Context, linkedID string) (SnoopContract, bool, error) {
	raw, ok, err := r.store.Get(ctx, contractKey(linkedID))
	if err != nil {
		return SnoopContract{}, false, err
	}
	if !ok {
		return SnoopContract{}, false, nil
	}
	var w wireContract
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return SnoopContract{}, false, fmt.Errorf("contracts: decode %s: %w", linkedID, err)
	}
	return fromWire(w, DefaultTTL(SnoopState(w.State))), true, nil
}

// LookupLinkedID resolves a snoop channel id back to its call, via the
// by-id index.
func (r *Repository) LookupLinkedID(ctx context.Context, snoopID string) (string, bool, error) {
	return r.store.Get(ctx, byIDKey(snoopID))
}

// Advance attempts current -> to (with expectedFrom for the race-tolerance
// rule in Transition) and persists the result if the transition is legal.
func (r *Repository) Advance(ctx context.Context, linkedID string, expectedFrom, to SnoopState, now time.Time) (SnoopContract, error) {
	current, ok, err := r.Get(ctx, linkedID)
	if err != nil {
		return SnoopContract{}, err
	}
	if !ok {
		return SnoopContract{}, fmt.Errorf("contracts: no contract for %s", linkedID)
	}

	next, err := Transition(current, expectedFrom, to, now)
	if err != nil {
		r.logger.Warn("forbidden snoop transition", "linkedId", linkedID, "error", err)
		return current, err
	}
	if err := r.persist(ctx, next); err != nil {
		return SnoopContract{}, err
	}
	if IsStuckInWaitingAST(next, now, 2*time.Second) {
		r.logger.Warn("snoop contract stuck in WAITING_AST", "linkedId", linkedID, "snoopId", next.SnoopID)
	}
	return next, nil
}

// Destroy transitions a contract to DESTROYED and removes both index keys,
// releasing resources after StasisEnd.
func (r *Repository) Destroy(ctx context.Context, linkedID string, now time.Time) error {
	current, ok, err := r.Get(ctx, linkedID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := Transition(current, current.State, SnoopDestroyed, now); err != nil {
		return err
	}
	if err := r.store.Del(ctx, contractKey(linkedID), byIDKey(current.SnoopID)); err != nil {
		return err
	}
	return nil
}

func (r *Repository) persist(ctx context.Context, c SnoopContract) error {
	data, err := json.Marshal(toWire(c))
	if err != nil {
		return fmt.Errorf("contracts: encode %s: %w", c.LinkedID, err)
	}
	if err := r.store.SetPX(ctx, contractKey(c.LinkedID), string(data), c.TTL); err != nil {
		return err
	}
	return r.store.SetPX(ctx, byIDKey(c.SnoopID), c.LinkedID, c.TTL)
}
