package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Policy{Retries: 3}, func(context.Context, int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("attempts=%d calls=%d, want 1/1", attempts, calls)
	}
}

func TestDo_AlwaysFailingRunsRetriesPlusOne(t *testing.T) {
	for _, n := range []int{0, 1, 3, 10} {
		var delays []time.Duration
		calls := 0
		attempts, err := Do(context.Background(), Policy{Retries: n, BaseDelay: time.Second, Sleep: noSleep(&delays)},
			func(context.Context, int) error {
				calls++
				return errBoom
			})
		if !errors.Is(err, errBoom) {
			t.Errorf("retries=%d: err = %v, want errBoom", n, err)
		}
		if calls != n+1 || attempts != n+1 {
			t.Errorf("retries=%d: calls=%d attempts=%d, want %d", n, calls, attempts, n+1)
		}
		if len(delays) != n {
			t.Errorf("retries=%d: %d waits, want %d", n, len(delays), n)
		}
	}
}

func TestDo_ExponentialDelays(t *testing.T) {
	var delays []time.Duration
	Do(context.Background(), Policy{Retries: 3, BaseDelay: 100 * time.Millisecond, Sleep: noSleep(&delays)},
		func(context.Context, int) error { return errBoom })

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("got %d delays, want %d", len(delays), len(want))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	_, err := Do(context.Background(), Policy{
		Retries:   5,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}, func(context.Context, int) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("err = %v, want permanent", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RecoversAfterFailures(t *testing.T) {
	attempts, err := Do(context.Background(), Policy{Retries: 3, Sleep: func(context.Context, time.Duration) error { return nil }},
		func(_ context.Context, attempt int) error {
			if attempt < 3 {
				return errBoom
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, Policy{Retries: 5, BaseDelay: time.Hour}, func(context.Context, int) error {
		calls++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want last operation error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
