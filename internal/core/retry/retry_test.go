package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recordingSleep(delays *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, Delay: 2 * time.Second, Sleep: recordingSleep(&delays)}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("bad json")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 2*time.Second {
		t.Errorf("unexpected delays %v", delays)
	}
}

func TestDo_Exhausted(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, Delay: time.Second, Sleep: recordingSleep(&delays)}
	cause := errors.New("oracle down")

	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return cause
	})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Error("expected exhausted error to wrap the last cause")
	}
	if len(delays) != 2 {
		t.Errorf("expected 2 sleeps, got %d", len(delays))
	}
}

func TestDo_PermanentStops(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 5, Delay: time.Second, Sleep: recordingSleep(&delays)}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(errors.New("rejected"))
	})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 || len(delays) != 0 {
		t.Errorf("calls = %d, sleeps = %d", calls, len(delays))
	}
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxAttempts: 3,
		Delay:       time.Hour,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}

	err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGetDelay(t *testing.T) {
	p := Policy{Delay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, want := range expected {
		if got := p.GetDelay(i); got != want {
			t.Errorf("GetDelay(%d) = %v, want %v", i, got, want)
		}
	}
}
