package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adamantium1987/digital-calendar/internal/model"
)

// fastPolicy keeps backoff short so tests finish quickly.
var fastPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastPolicy.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
}

func TestRetry_SucceedsSecondAttempt(t *testing.T) {
	calls := 0
	err := fastPolicy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return model.Transient("list", errors.New("connection reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("called %d times, want 2", calls)
	}
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	sentinel := errors.New("persistent failure")
	calls := 0
	err := fastPolicy.Do(context.Background(), func(context.Context) error {
		calls++
		return model.Transient("list", sentinel)
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 3 {
		t.Errorf("called %d times, want 3", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("error chain does not contain sentinel: %v", err)
	}
	if model.KindOf(err) != model.KindTransient {
		t.Errorf("kind = %v, want Transient", model.KindOf(err))
	}
}

func TestRetry_NonTransientNotRetried(t *testing.T) {
	for _, err := range []error{
		model.AuthExpired("list", nil),
		model.RateLimited("list", time.Minute, nil),
		model.Malformed("list", []byte("{"), nil),
	} {
		calls := 0
		got := fastPolicy.Do(context.Background(), func(context.Context) error {
			calls++
			return err
		})
		if calls != 1 {
			t.Errorf("%v: called %d times, want 1", model.KindOf(err), calls)
		}
		if model.KindOf(got) != model.KindOf(err) {
			t.Errorf("kind changed: %v -> %v", model.KindOf(err), model.KindOf(got))
		}
	}
}

func TestRetry_ContextCancelledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	calls := 0
	err := fastPolicy.Do(ctx, func(context.Context) error {
		calls++
		return nil
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 0 {
		t.Errorf("called %d times, want 0 (context already cancelled)", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got: %v", err)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	slow := RetryPolicy{MaxAttempts: 10, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second}
	calls := 0
	err := slow.Do(ctx, func(context.Context) error {
		calls++
		return model.Transient("list", errors.New("fail"))
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	// Should have made at least 1 call but fewer than 10 due to timeout.
	if calls < 1 || calls >= 10 {
		t.Errorf("calls = %d, expected between 1 and 9", calls)
	}
}

func TestBackoffDelay_Increases(t *testing.T) {
	p := DefaultRetryPolicy()
	d0 := p.backoffDelay(0)
	d1 := p.backoffDelay(1)
	d2 := p.backoffDelay(2)

	// d0 in [250ms, 500ms), d1 in [500ms, 1s), d2 in [1s, 2s)
	if d0 < 250*time.Millisecond || d0 >= 500*time.Millisecond {
		t.Errorf("d0 = %v, expected [250ms, 500ms)", d0)
	}
	if d1 < 500*time.Millisecond || d1 >= 1*time.Second {
		t.Errorf("d1 = %v, expected [500ms, 1s)", d1)
	}
	if d2 < 1*time.Second || d2 >= 2*time.Second {
		t.Errorf("d2 = %v, expected [1s, 2s)", d2)
	}
}

func TestBackoffDelay_Capped(t *testing.T) {
	p := DefaultRetryPolicy()
	// At attempt 10, raw delay would be 500ms * 2^10 = 512s, but should be capped.
	d := p.backoffDelay(10)
	if d >= defaultMaxDelay {
		t.Errorf("delay = %v, expected < maxDelay (%v) due to jitter", d, defaultMaxDelay)
	}
	if d < defaultMaxDelay/2 {
		t.Errorf("delay = %v, expected >= maxDelay/2 (%v)", d, defaultMaxDelay/2)
	}
}
