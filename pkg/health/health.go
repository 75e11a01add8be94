// Package health reports process readiness and liveness: shared-store
// connectivity and the number of calls the engine currently holds open.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/lokutor-ai/callengine/pkg/store"
)

// Status is a point-in-time health snapshot.
type Status struct {
	StoreConnected bool
	ActiveSessions int
	CheckedAt      time.Time
}

// Tracker holds the active-session count and checks store connectivity on
// demand.
type Tracker struct {
	store store.Store

	mu      sync.Mutex
	sessions map[string]struct{}
}

// NewTracker constructs a Tracker bound to the store used for liveness
// checks.
func NewTracker(s store.Store) *Tracker {
	return &Tracker{store: s, sessions: make(map[string]struct{})}
}

// SessionStarted records a call as active.
func (t *Tracker) SessionStarted(linkedID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[linkedID] = struct{}{}
}

// SessionEnded removes a call from the active set.
func (t *Tracker) SessionEnded(linkedID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, linkedID)
}

// ActiveSessions returns the current open-call count.
func (t *Tracker) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Check produces a health Status. A nil store is treated as always
// connected.
func (t *Tracker) Check(ctx context.Context) Status {
	connected := true
	if t.store != nil {
		connected = t.store.Ping(ctx) == nil
	}
	return Status{
		StoreConnected: connected,
		ActiveSessions: t.ActiveSessions(),
		CheckedAt:      time.Now(),
	}
}

// Ready reports whether the process should receive new traffic.
func (s Status) Ready() bool {
	return s.StoreConnected
}
