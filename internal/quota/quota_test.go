package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chronos-sync/chronos/internal/config"
)

func newTestManager(daily, perMinute int) (*Manager, *time.Time, *[]time.Duration) {
	m := New(config.QuotaConfig{DailyLimit: daily, PerMinuteLimit: perMinute})
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	var slept []time.Duration
	m.now = func() time.Time { return now }
	m.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}
	return m, &now, &slept
}

func TestAcquire_WithinBudget(t *testing.T) {
	m, _, slept := newTestManager(100, 10)

	for i := 0; i < 10; i++ {
		if err := m.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire() returned an error: %v", err)
		}
	}
	if len(*slept) != 0 {
		t.Errorf("Expected no sleeping within the minute budget, slept %v", *slept)
	}
	if m.Used() != 10 {
		t.Errorf("Expected 10 requests used, got %d", m.Used())
	}
}

func TestAcquire_WaitsForMinuteWindow(t *testing.T) {
	m, _, slept := newTestManager(100, 3)

	for i := 0; i < 4; i++ {
		if err := m.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire() returned an error: %v", err)
		}
	}
	if len(*slept) != 1 {
		t.Fatalf("Expected exactly one wait, got %v", *slept)
	}
	if (*slept)[0] != time.Minute {
		t.Errorf("Expected a full-minute wait, got %v", (*slept)[0])
	}
	if m.Used() != 4 {
		t.Errorf("Expected 4 requests used, got %d", m.Used())
	}
}

func TestAcquire_DailyLimitIsHardStop(t *testing.T) {
	m, _, _ := newTestManager(2, 10)

	for i := 0; i < 2; i++ {
		if err := m.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire() returned an error: %v", err)
		}
	}
	if err := m.Acquire(context.Background()); !errors.Is(err, ErrDailyQuotaExhausted) {
		t.Errorf("Expected ErrDailyQuotaExhausted, got %v", err)
	}
}

func TestAcquire_DailyCounterResetsAtMidnightUTC(t *testing.T) {
	m, now, _ := newTestManager(2, 10)

	for i := 0; i < 2; i++ {
		if err := m.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire() returned an error: %v", err)
		}
	}
	*now = now.AddDate(0, 0, 1)
	if err := m.Acquire(context.Background()); err != nil {
		t.Errorf("Expected the daily budget to reset on a new UTC day, got %v", err)
	}
	if m.Used() != 1 {
		t.Errorf("Expected 1 request used on the new day, got %d", m.Used())
	}
}

func TestAcquire_CancelledWhileWaiting(t *testing.T) {
	m := New(config.QuotaConfig{DailyLimit: 100, PerMinuteLimit: 1})
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	m.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	if err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() returned an error: %v", err)
	}
	if err := m.Acquire(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled while waiting, got %v", err)
	}
}
