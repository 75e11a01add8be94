package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestPinSnoopToBridgeRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := PinSnoopToBridge(context.Background(), c, "bridge-1", "snoop-1", 5, time.Millisecond)
	if err != nil {
		t.Fatalf("PinSnoopToBridge: %v", err)
	}
	if attempts < 3 {
		t.Fatalf("attempts = %d, want >= 3", attempts)
	}
}

func TestPinSnoopToBridgeGivesUpAfterAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := PinSnoopToBridge(context.Background(), c, "bridge-1", "snoop-1", 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
}
