package datasource

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/pitabwire/tabula/internal/clock"
	"github.com/pitabwire/tabula/internal/config"
)

func newBreaker(failures, probes int) (*CircuitBreaker, *clock.FakeClock) {
	clk := clock.Fake(time.Unix(0, 0))
	cfg := config.CircuitBreakerConfig{FailureThreshold: failures, SuccessThreshold: probes, Timeout: time.Second}
	return NewCircuitBreaker(cfg, clk), clk
}

// call runs one admitted call with outcome o.
func call(t *testing.T, cb *CircuitBreaker, o Outcome) {
	t.Helper()
	done, err := cb.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	done(o)
}

func TestCircuitBreaker_closedOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []Outcome
		want     BreakerState
	}{
		{"below threshold", []Outcome{Failure, Failure}, BreakerClosed},
		{"at threshold", []Outcome{Failure, Failure, Failure}, BreakerOpen},
		{"success resets", []Outcome{Failure, Failure, Success, Failure, Failure}, BreakerClosed},
		{"abandoned is neutral", []Outcome{Failure, Failure, Abandoned, Failure}, BreakerOpen},
		{"abandoned does not reset", []Outcome{Failure, Abandoned, Abandoned, Failure, Failure}, BreakerOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, _ := newBreaker(3, 1)
			for _, o := range tt.outcomes {
				call(t, cb, o)
			}
			if s := cb.State(); s != tt.want {
				t.Errorf("state = %v, want %v", s, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_rejectsWhileOpen(t *testing.T) {
	cb, clk := newBreaker(1, 1)
	call(t, cb, Failure)

	if _, err := cb.Acquire(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Acquire = %v, want ErrBreakerOpen", err)
	}
	clk.Advance(999 * time.Millisecond)
	if _, err := cb.Acquire(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Acquire before cool-down = %v", err)
	}
	clk.Advance(time.Millisecond)
	if s := cb.State(); s != BreakerHalfOpen {
		t.Errorf("state after cool-down = %v", s)
	}
}

func TestCircuitBreaker_halfOpenProbes(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []Outcome
		want     BreakerState
	}{
		{"enough successes close", []Outcome{Success, Success}, BreakerClosed},
		{"one success stays half-open", []Outcome{Success}, BreakerHalfOpen},
		{"failure reopens", []Outcome{Success, Failure}, BreakerOpen},
		{"abandoned probe proves nothing", []Outcome{Success, Abandoned}, BreakerHalfOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clk := newBreaker(1, 2)
			call(t, cb, Failure)
			clk.Advance(time.Second)
			for _, o := range tt.outcomes {
				call(t, cb, o)
			}
			if s := cb.State(); s != tt.want {
				t.Errorf("state = %v, want %v", s, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_limitsConcurrentProbes(t *testing.T) {
	cb, clk := newBreaker(1, 2)
	call(t, cb, Failure)
	clk.Advance(time.Second)

	first, err := cb.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	second, err := cb.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cb.Acquire(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("third probe admitted: %v", err)
	}

	// A released probe frees its slot.
	first(Abandoned)
	third, err := cb.Acquire()
	if err != nil {
		t.Fatalf("probe after release: %v", err)
	}
	second(Success)
	third(Success)
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestCircuitBreaker_lateSettleIsIgnored(t *testing.T) {
	cb, clk := newBreaker(1, 1)
	slow, err := cb.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	call(t, cb, Failure)
	clk.Advance(time.Second)

	// Admitted while closed, finished while half-open.
	slow(Success)
	if s := cb.State(); s != BreakerHalfOpen {
		t.Errorf("state = %v, want half-open", s)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clk := newBreaker(1, 1)
	var seen []BreakerState
	cb.OnStateChange(func(s BreakerState) { seen = append(seen, s) })

	call(t, cb, Failure)
	clk.Advance(time.Second)
	call(t, cb, Success)

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if !slices.Equal(seen, want) {
		t.Errorf("transitions = %v, want %v", seen, want)
	}
}

func TestNewCircuitBreaker_defaults(t *testing.T) {
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{}, nil)
	if cb.threshold != 5 || cb.probes != 2 || cb.cooldown != 30*time.Second {
		t.Errorf("defaults = %d failures, %d probes, %v", cb.threshold, cb.probes, cb.cooldown)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
