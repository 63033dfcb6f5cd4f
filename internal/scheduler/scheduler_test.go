package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewRejectsBadExpressions(t *testing.T) {
	noop := func(context.Context) error { return nil }
	for _, expr := range []string{"", "   ", "61 * * * *", "* * *"} {
		if _, err := New(expr, time.UTC, noop); err == nil {
			t.Fatalf("New(%q) should fail", expr)
		}
	}
}

func TestNext(t *testing.T) {
	s, err := New("0 6 * * 1", time.UTC, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Wednesday 2026-03-04 10:00 UTC -> Monday 2026-03-09 06:00 UTC.
	got := s.Next(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))
	want := time.Date(2026, 3, 9, 6, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %s, want %s", got, want)
	}
}

func TestRunKeepsGoingAfterJobErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := 0
	s, err := New("*/5 * * * *", time.UTC, func(context.Context) error {
		runs++
		if runs == 3 {
			cancel()
		}
		if runs == 1 {
			return errors.New("voters unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fire := make(chan time.Time)
	close(fire)
	var waits []time.Duration
	s.now = func() time.Time { return time.Date(2026, 3, 4, 10, 2, 0, 0, time.UTC) }
	s.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		return fire
	}

	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if runs != 3 {
		t.Fatalf("job ran %d times, want 3", runs)
	}
	if waits[0] != 3*time.Minute {
		t.Fatalf("first wait = %s, want 3m", waits[0])
	}
}
