package telephony

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPlaybackWaiterResolveBeforeWait(t *testing.T) {
	w := NewPlaybackWaiter(time.Second)
	w.Track("pb-1")
	w.Resolve("pb-1", PlaybackFinished)

	result, err := w.Wait(context.Background(), "pb-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result != PlaybackFinished {
		t.Fatalf("result = %s, want FINISHED", result)
	}
}

func TestPlaybackWaiterResolveAfterWaitStarts(t *testing.T) {
	w := NewPlaybackWaiter(time.Second)
	w.Track("pb-1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		w.Resolve("pb-1", PlaybackStopped)
	}()

	result, err := w.Wait(context.Background(), "pb-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result != PlaybackStopped {
		t.Fatalf("result = %s, want STOPPED", result)
	}
}

func TestPlaybackWaiterTimeout(t *testing.T) {
	w := NewPlaybackWaiter(20 * time.Millisecond)
	w.Track("pb-1")

	_, err := w.Wait(context.Background(), "pb-1")
	if !errors.Is(err, ErrPlaybackTimeout) {
		t.Fatalf("err = %v, want ErrPlaybackTimeout", err)
	}
}

func TestPlaybackWaiterUntrackedIDTimesOutImmediately(t *testing.T) {
	w := NewPlaybackWaiter(time.Second)
	_, err := w.Wait(context.Background(), "never-tracked")
	if !errors.Is(err, ErrPlaybackTimeout) {
		t.Fatalf("err = %v, want ErrPlaybackTimeout", err)
	}
}

func TestMaterializationProbeSucceedsOnceReady(t *testing.T) {
	calls := 0
	err := MaterializationProbe(context.Background(), time.Second, 5*time.Millisecond, func(ctx context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	})
	if err != nil {
		t.Fatalf("MaterializationProbe: %v", err)
	}
	if calls < 3 {
		t.Fatalf("calls = %d, want >= 3", calls)
	}
}

func TestMaterializationProbeTimesOut(t *testing.T) {
	err := MaterializationProbe(context.Background(), 20*time.Millisecond, 5*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrMaterializationTimeout) {
		t.Fatalf("err = %v, want ErrMaterializationTimeout", err)
	}
}

func TestMaterializationProbePropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := MaterializationProbe(context.Background(), time.Second, 5*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}
