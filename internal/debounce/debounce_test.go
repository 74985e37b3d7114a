package debounce

import (
	"testing"
	"time"

	"github.com/pitabwire/tabula/internal/clock"
)

type flushed struct {
	key   string
	value int
}

func newTestScheduler(t *testing.T) (*Scheduler[int], *clock.FakeClock, *[]flushed) {
	t.Helper()
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var got []flushed
	s := New(func(key string, value int) {
		got = append(got, flushed{key, value})
	}, WithClock(fc))
	return s, fc, &got
}

func TestScheduler_coalescesRapidCalls(t *testing.T) {
	s, fc, got := newTestScheduler(t)

	for i := 1; i <= 5; i++ {
		s.Schedule("q", i, DefaultDelay)
		fc.Advance(20 * time.Millisecond)
	}
	if len(*got) != 0 {
		t.Fatalf("flushed %d times inside the window, want 0", len(*got))
	}

	fc.Advance(DefaultDelay)
	if len(*got) != 1 {
		t.Fatalf("flushed %d times, want exactly 1", len(*got))
	}
	if (*got)[0] != (flushed{"q", 5}) {
		t.Errorf("flush = %+v, want {q 5}", (*got)[0])
	}
}

func TestScheduler_windowRestartsOnEachCall(t *testing.T) {
	s, fc, got := newTestScheduler(t)

	s.Schedule("q", 1, 300*time.Millisecond)
	fc.Advance(250 * time.Millisecond)
	s.Schedule("q", 2, 300*time.Millisecond)
	fc.Advance(250 * time.Millisecond)
	if len(*got) != 0 {
		t.Fatalf("flushed before the restarted window expired: %+v", *got)
	}
	fc.Advance(50 * time.Millisecond)
	if len(*got) != 1 || (*got)[0].value != 2 {
		t.Errorf("got %+v, want one flush with 2", *got)
	}
}

func TestScheduler_keysAreIndependent(t *testing.T) {
	s, fc, got := newTestScheduler(t)

	s.Schedule("a", 1, 100*time.Millisecond)
	s.Schedule("b", 2, 200*time.Millisecond)
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}

	fc.Advance(100 * time.Millisecond)
	if len(*got) != 1 || (*got)[0] != (flushed{"a", 1}) {
		t.Fatalf("after 100ms got %+v, want [{a 1}]", *got)
	}
	if !s.Pending("b") || s.Pending("a") {
		t.Errorf("Pending(a)=%v Pending(b)=%v, want false/true", s.Pending("a"), s.Pending("b"))
	}

	fc.Advance(100 * time.Millisecond)
	if len(*got) != 2 || (*got)[1] != (flushed{"b", 2}) {
		t.Errorf("after 200ms got %+v", *got)
	}
}

func TestScheduler_CancelAll_flushesNothing(t *testing.T) {
	s, fc, got := newTestScheduler(t)

	s.Schedule("a", 1, DefaultDelay)
	s.Schedule("b", 2, DefaultDelay)
	s.CancelAll()

	if s.Len() != 0 {
		t.Errorf("Len() = %d after CancelAll, want 0", s.Len())
	}
	fc.Advance(time.Second)
	if len(*got) != 0 {
		t.Errorf("flushed %+v after CancelAll, want nothing", *got)
	}
	if fc.Pending() != 0 {
		t.Errorf("clock still has %d timers", fc.Pending())
	}
}

func TestScheduler_Cancel(t *testing.T) {
	s, fc, got := newTestScheduler(t)

	s.Schedule("a", 1, DefaultDelay)
	if !s.Cancel("a") {
		t.Error("Cancel(a) = false, want true")
	}
	if s.Cancel("a") {
		t.Error("second Cancel(a) = true, want false")
	}
	fc.Advance(time.Second)
	if len(*got) != 0 {
		t.Errorf("cancelled key flushed: %+v", *got)
	}
}

func TestScheduler_zeroDelayFlushesImmediately(t *testing.T) {
	s, fc, got := newTestScheduler(t)

	s.Schedule("a", 1, DefaultDelay)
	s.Schedule("a", 2, 0)
	if len(*got) != 1 || (*got)[0].value != 2 {
		t.Fatalf("got %+v, want immediate flush with 2", *got)
	}
	fc.Advance(time.Second)
	if len(*got) != 1 {
		t.Errorf("superseded value flushed later: %+v", *got)
	}
}

func TestScheduler_Close_rejectsLaterSchedules(t *testing.T) {
	s, fc, got := newTestScheduler(t)

	s.Schedule("a", 1, DefaultDelay)
	s.Close()
	s.Schedule("a", 2, DefaultDelay)
	s.Schedule("a", 3, 0)
	fc.Advance(time.Second)

	if len(*got) != 0 {
		t.Errorf("flushes after Close: %+v", *got)
	}
}

func TestScheduler_coalesceHook(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	dropped := 0
	s := New(func(string, int) {}, WithClock(fc), WithCoalesceHook(func(string) { dropped++ }))

	for i := 0; i < 5; i++ {
		s.Schedule("q", i, DefaultDelay)
	}
	if dropped != 4 {
		t.Errorf("coalesce hook called %d times, want 4", dropped)
	}
}
