package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errDownstream = errors.New("downstream failure")

func testBreaker(now *time.Time) *CircuitBreaker {
	cb := New(Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 1,
	})
	cb.now = func() time.Time { return *now }
	return cb
}

func fail(ctx context.Context) error    { return errDownstream }
func succeed(ctx context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Now()
	cb := testBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errDownstream) {
			t.Fatalf("attempt %d: expected downstream error, got %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("open breaker should reject without calling fn, err=%v called=%v", err, called)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	cb := testBreaker(&now)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	now = now.Add(2 * time.Second)
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("trial request should pass, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := testBreaker(&now)
	ctx := context.Background()

	var transitions []State
	cb.OnStateChange(func(from, to State) { transitions = append(transitions, to) })

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	now = now.Add(2 * time.Second)
	_ = cb.Execute(ctx, fail)

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}
	want := []State{StateOpen, StateHalfOpen, StateOpen}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestCircuitBreaker_CancellationIsNotFailure(t *testing.T) {
	now := time.Now()
	cb := testBreaker(&now)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return context.Canceled })
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.GetState())
	}
}

func TestExecuteWithResult(t *testing.T) {
	now := time.Now()
	cb := testBreaker(&now)

	got, err := ExecuteWithResult(context.Background(), cb, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("got %d, %v", got, err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for state, want := range tests {
		if state.String() != want {
			t.Errorf("State(%d).String() = %s, want %s", state, state.String(), want)
		}
	}
}
