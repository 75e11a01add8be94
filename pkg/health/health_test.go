package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	pingErr error
}

func (f *fakeStore) Get(ctx context.Context, key string) (string, bool, error) { return "", false, nil }
func (f *fakeStore) SetPX(ctx context.Context, key, value string, ttl time.Duration) error {
	return nil
}
func (f *fakeStore) Del(ctx context.Context, keys ...string) error { return nil }
func (f *fakeStore) RPush(ctx context.Context, key string, values ...string) error { return nil }
func (f *fakeStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }
func (f *fakeStore) Ping(ctx context.Context) error                                 { return f.pingErr }

func TestCheckReportsStoreConnected(t *testing.T) {
	tr := NewTracker(&fakeStore{})
	status := tr.Check(context.Background())
	if !status.StoreConnected || !status.Ready() {
		t.Fatal("expected connected/ready status")
	}
}

func TestCheckReportsStoreDisconnected(t *testing.T) {
	tr := NewTracker(&fakeStore{pingErr: errors.New("down")})
	status := tr.Check(context.Background())
	if status.StoreConnected || status.Ready() {
		t.Fatal("expected disconnected/not-ready status")
	}
}

func TestCheckWithNilStoreIsAlwaysConnected(t *testing.T) {
	tr := NewTracker(nil)
	status := tr.Check(context.Background())
	if !status.StoreConnected {
		t.Fatal("expected nil store to report connected")
	}
}

func TestSessionTracking(t *testing.T) {
	tr := NewTracker(&fakeStore{})
	tr.SessionStarted("call-1")
	tr.SessionStarted("call-2")
	if got := tr.ActiveSessions(); got != 2 {
		t.Fatalf("ActiveSessions = %d, want 2", got)
	}
	tr.SessionEnded("call-1")
	if got := tr.ActiveSessions(); got != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", got)
	}
	if status := tr.Check(context.Background()); status.ActiveSessions != 1 {
		t.Fatalf("Check ActiveSessions = %d, want 1", status.ActiveSessions)
	}
}
