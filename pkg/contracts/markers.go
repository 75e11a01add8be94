package contracts

import (
	"context"
	"time"

	"github.com/lokutor-ai/callengine/pkg/store"
)

// RejectionMarkers tracks the one-shot re-prompt markers a rejected webhook
// leaves behind at rut:webhook:rejected:{callKey}. The presence of a marker
// narrowly permits one otherwise-denied lifecycle action; Consume deletes it
// so the exception never applies twice.
type RejectionMarkers struct {
	store store.Store
	ttl   time.Duration
}

func rejectionKey(callKey string) string { return "rut:webhook:rejected:" + callKey }

// NewRejectionMarkers constructs a marker set with the given marker TTL
// (zero means a 5 minute default).
func NewRejectionMarkers(s store.Store, ttl time.Duration) *RejectionMarkers {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RejectionMarkers{store: s, ttl: ttl}
}

// Set records that the call's last webhook rejected the input, entitling the
// engine to one re-prompt in a phase whose contract would otherwise deny it.
func (r *RejectionMarkers) Set(ctx context.Context, callKey string) error {
	return r.store.SetPX(ctx, rejectionKey(callKey), "1", r.ttl)
}

// Consume reports whether a marker exists for the call and deletes it, so a
// second Consume returns false.
func (r *RejectionMarkers) Consume(ctx context.Context, callKey string) (bool, error) {
	key := rejectionKey(callKey)
	_, ok, err := r.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := r.store.Del(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}
