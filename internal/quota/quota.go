// Package quota throttles outbound backend requests during bulk sync sweeps
// so rate-limited servers are respected: a per-minute window that callers
// sleep through, and a daily budget that is a hard stop.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chronos-sync/chronos/internal/config"
)

// ErrDailyQuotaExhausted aborts a sync pass early. It is a hard stop, not a
// queued retry; the driver reports how far it got.
var ErrDailyQuotaExhausted = errors.New("daily request quota exhausted")

// Manager counts requests against a daily and a per-minute budget.
type Manager struct {
	mu          sync.Mutex
	dailyLimit  int
	minuteLimit int

	day      string // UTC date the daily counter belongs to
	dayCount int

	windowStart time.Time
	windowCount int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a quota manager from configuration.
func New(cfg config.QuotaConfig) *Manager {
	return &Manager{
		dailyLimit:  cfg.DailyLimit,
		minuteLimit: cfg.PerMinuteLimit,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire accounts for one outbound request. When the per-minute budget is
// spent it sleeps until the window resets; when the daily budget is spent it
// returns ErrDailyQuotaExhausted.
func (m *Manager) Acquire(ctx context.Context) error {
	for {
		m.mu.Lock()
		now := m.now().UTC()

		if day := now.Format("2006-01-02"); day != m.day {
			m.day = day
			m.dayCount = 0
		}
		if m.dayCount >= m.dailyLimit {
			m.mu.Unlock()
			return ErrDailyQuotaExhausted
		}

		if m.windowStart.IsZero() || now.Sub(m.windowStart) >= time.Minute {
			m.windowStart = now
			m.windowCount = 0
		}
		if m.windowCount < m.minuteLimit {
			m.windowCount++
			m.dayCount++
			m.mu.Unlock()
			return nil
		}

		wait := m.windowStart.Add(time.Minute).Sub(now)
		m.mu.Unlock()
		if err := m.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Used returns how many requests today's budget has consumed.
func (m *Manager) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dayCount
}
