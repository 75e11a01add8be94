package telephony

import (
	"context"
	"sync"
	"time"
)

// PlaybackResult is the terminal outcome of a playback, normalized into one
// of three states regardless of whether the PBX reported it directly or the
// caller had to synthesize it.
type PlaybackResult string

const (
	PlaybackFinished PlaybackResult = "FINISHED"
	PlaybackStopped  PlaybackResult = "STOPPED"
	PlaybackFailed   PlaybackResult = "FAILED"
)

// PlaybackWaiter tracks in-flight playbacks and resolves their terminal
// event, synthesizing a Started observation when the PBX never reports one
// explicitly (some bridges start playback synchronously with the REST
// response) and enforcing a timeout so a lost event can't wedge a call
// forever in SPEAK.
// One waiter is shared by every call's goroutine, so the id map is
// mutex-guarded.
type PlaybackWaiter struct {
	timeout time.Duration

	mu      sync.Mutex
	results map[string]chan PlaybackResult
}

// NewPlaybackWaiter constructs a waiter with the given per-playback timeout.
func NewPlaybackWaiter(timeout time.Duration) *PlaybackWaiter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PlaybackWaiter{timeout: timeout, results: make(map[string]chan PlaybackResult)}
}

// Track registers a playback id to watch, synthesizing its Started
// observation immediately: the REST response itself counts as Started if
// no event arrives.
func (w *PlaybackWaiter) Track(playbackID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results[playbackID] = make(chan PlaybackResult, 1)
}

// Resolve delivers a terminal result observed from the event stream.
func (w *PlaybackWaiter) Resolve(playbackID string, result PlaybackResult) {
	w.mu.Lock()
	ch, ok := w.results[playbackID]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- result:
	default:
	}
}

// Wait blocks until the playback resolves, the context is cancelled, or the
// configured timeout elapses (surfacing ErrPlaybackTimeout).
func (w *PlaybackWaiter) Wait(ctx context.Context, playbackID string) (PlaybackResult, error) {
	w.mu.Lock()
	ch, ok := w.results[playbackID]
	w.mu.Unlock()
	if !ok {
		return "", ErrPlaybackTimeout
	}
	defer func() {
		w.mu.Lock()
		delete(w.results, playbackID)
		w.mu.Unlock()
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrPlaybackTimeout
	}
}

// MaterializationProbe polls isReady until it reports true, the timeout
// elapses, or the context is cancelled. This is the C1 "wait for audio plane
// readiness" step: the capture bridge and its snoop tap take a moment to
// come up after creation, and starting STT before then silently drops audio.
func MaterializationProbe(ctx context.Context, timeout, interval time.Duration, isReady func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ready, err := isReady(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrMaterializationTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// PinSnoopToBridge retries adding the snoop channel to the capture bridge,
// tolerating the brief window where the snoop channel exists but isn't yet
// addressable on the bridge.
func PinSnoopToBridge(ctx context.Context, client *Client, bridgeID, snoopChannelID string, attempts int, backoff time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := client.AddChannelToBridge(ctx, bridgeID, snoopChannelID); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}
