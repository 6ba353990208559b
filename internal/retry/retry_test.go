package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	attempts, err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("attempts=%d calls=%d, want 3", attempts, calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	bad := errors.New("schema mismatch")
	calls := 0
	attempts, err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(bad)
	})
	if !errors.Is(err, bad) || IsPermanent(err) {
		t.Fatalf("expected unwrapped permanent cause, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("attempts=%d calls=%d, want 1", attempts, calls)
	}
}

func TestDoExhausts(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cause := errors.New("unavailable")
	attempts, err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		return cause
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 || !errors.Is(err, cause) {
		t.Fatalf("expected ExhaustedError wrapping cause, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestDoHonoursContext(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := Do(ctx, p, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("unavailable")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestPolicyValidate(t *testing.T) {
	bad := []Policy{
		{MaxAttempts: 0, BaseDelay: time.Second, MaxDelay: time.Second},
		{MaxAttempts: 1, BaseDelay: -time.Second, MaxDelay: time.Second},
		{MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: time.Millisecond},
	}
	for _, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("expected %+v to be invalid", p)
		}
	}
	if err := DefaultPolicy.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}

func TestDoNotifyReportsEachRetry(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	type call struct {
		attempt int
		wait    time.Duration
	}
	var got []call
	attempts, err := DoNotify(context.Background(), p, func(ctx context.Context, attempt int) error {
		return errors.New("unavailable")
	}, func(err error, attempt int, wait time.Duration) {
		got = append(got, call{attempt, wait})
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || attempts != 4 {
		t.Fatalf("expected exhaustion after 4 attempts, got %d, %v", attempts, err)
	}
	want := []call{
		{1, time.Millisecond},
		{2, 2 * time.Millisecond},
		{3, 2 * time.Millisecond},
	}
	if len(got) != len(want) {
		t.Fatalf("notify calls = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notify[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDoSingleAttemptNeverWaits(t *testing.T) {
	p := Policy{MaxAttempts: 1, BaseDelay: time.Hour, MaxDelay: time.Hour}
	start := time.Now()
	attempts, err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		return errors.New("unavailable")
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || attempts != 1 {
		t.Fatalf("expected exhaustion after 1 attempt, got %d, %v", attempts, err)
	}
	if time.Since(start) > time.Minute {
		t.Fatal("a single-attempt policy must not sleep")
	}
}
