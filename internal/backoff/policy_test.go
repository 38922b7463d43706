package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 60 * time.Second, Factor: 2, Jitter: 0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := p.delayWithRand(tt.attempt, 0); got != tt.want {
			t.Errorf("delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 5 * time.Second, Factor: 2, Jitter: 0}
	if got := p.delayWithRand(10, 0); got != 5*time.Second {
		t.Errorf("delay(10) = %s, want 5s", got)
	}
}

func TestDelayJitterBounded(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 60 * time.Second, Factor: 2, Jitter: 0.5}

	base := p.delayWithRand(2, 0)
	jittered := p.delayWithRand(2, 1)
	if jittered <= base {
		t.Errorf("jitter had no effect: %s vs %s", jittered, base)
	}
	if jittered > base+base/2 {
		t.Errorf("jitter exceeded bound: %s > %s", jittered, base+base/2)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	calls := 0
	got, err := Retry(context.Background(), p, 5, nil, func(attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	fatal := errors.New("fatal")
	calls := 0
	_, err := Retry(context.Background(), p, 5,
		func(err error) bool { return !errors.Is(err, fatal) },
		func(int) (int, error) {
			calls++
			return 0, fatal
		})
	if !errors.Is(err, fatal) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if errors.Is(err, ErrAttemptsExhausted) {
		t.Error("non-retryable failure reported as exhaustion")
	}
}

func TestRetryExhaustion(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	transient := errors.New("still failing")
	_, err := Retry(context.Background(), p, 3, nil, func(int) (int, error) {
		return 0, transient
	})
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Errorf("err = %v, want ErrAttemptsExhausted", err)
	}
	if !errors.Is(err, transient) {
		t.Errorf("err = %v, want wrapped cause", err)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	p := Policy{Initial: time.Hour, Max: time.Hour, Factor: 1}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, p, 3, nil, func(int) (int, error) {
			return 0, errors.New("transient")
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Retry ignored context cancellation")
	}
}
