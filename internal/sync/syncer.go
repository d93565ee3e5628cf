// Package sync drives full repair sweeps: it fans out over every provisioned
// calendar, pages through listings, and feeds each page to the repair engine.
package sync

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chronos-sync/chronos/internal/config"
	"github.com/chronos-sync/chronos/internal/log"
	"github.com/chronos-sync/chronos/internal/model"
	"github.com/chronos-sync/chronos/internal/quota"
	"github.com/chronos-sync/chronos/internal/repair"
	"github.com/chronos-sync/chronos/internal/source"
)

// CalendarReport summarizes one calendar's share of a sweep.
type CalendarReport struct {
	CalendarID string
	Alias      string

	Listed      int
	Repaired    int
	Skipped     int
	Conflicts   int
	NeedsReview int
	ReadOnly    int
	Failed      int

	Err error
}

// Report is the outcome of one full sweep.
type Report struct {
	Calendars []CalendarReport
	// Aborted is set when the daily request quota ran out mid-sweep. The
	// per-calendar reports show how far the sweep got.
	Aborted  bool
	Elapsed  time.Duration
	Requests int
}

// Syncer owns the sweep loop. It reads through the manager's active adapter,
// so a backend switch between sweeps is picked up automatically.
type Syncer struct {
	manager  *source.Manager
	repairer *repair.Repairer
	quota    *quota.Manager
	cfg      config.SyncConfig
	tokens   *TokenStore

	now func() time.Time
}

// NewSyncer wires the sweep driver. The quota manager is also installed as the
// repairer's pre-write hook so patches count against the same budget as list
// pages. tokens may be nil to disable incremental listing across restarts.
func NewSyncer(mgr *source.Manager, rep *repair.Repairer, q *quota.Manager, cfg config.SyncConfig, tokens *TokenStore) *Syncer {
	rep.PreWrite = q.Acquire
	return &Syncer{
		manager:  mgr,
		repairer: rep,
		quota:    q,
		cfg:      cfg,
		tokens:   tokens,
		now:      time.Now,
	}
}

// Sync runs one full sweep over every provisioned calendar. Per-calendar
// failures are recorded in the report, not returned; only context cancellation
// propagates as an error. Hitting the daily quota stops the whole sweep and
// sets Report.Aborted.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	started := s.now()
	adapter := s.manager.Adapter()
	caps := s.manager.Capabilities()
	cals := s.manager.ListCalendars()

	reports := make([]CalendarReport, len(cals))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, cal := range cals {
		i, cal := i, cal
		g.Go(func() error {
			rep, err := s.syncCalendar(gctx, adapter, caps, cal)
			reports[i] = rep
			// Quota exhaustion cancels the sibling calendars too.
			if errors.Is(err, quota.ErrDailyQuotaExhausted) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	report := &Report{
		Calendars: reports,
		Elapsed:   time.Since(started),
		Requests:  s.quota.Used(),
	}
	if errors.Is(err, quota.ErrDailyQuotaExhausted) {
		report.Aborted = true
		log.Warn("sync aborted: daily request quota exhausted",
			"requests", report.Requests)
		return report, nil
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, nil
}

func (s *Syncer) syncCalendar(ctx context.Context, adapter source.SourceAdapter, caps model.AdapterCapabilities, cal model.CalendarRef) (CalendarReport, error) {
	rep := CalendarReport{CalendarID: cal.ID, Alias: cal.Alias}

	opts := s.listOptions(caps, cal)
	freshToken := ""
	for {
		if err := ctx.Err(); err != nil {
			rep.Err = err
			return rep, nil
		}
		if err := s.quota.Acquire(ctx); err != nil {
			rep.Err = err
			if errors.Is(err, quota.ErrDailyQuotaExhausted) {
				return rep, err
			}
			return rep, nil
		}

		page, err := adapter.ListEvents(ctx, cal, opts)
		if err != nil {
			rep.Err = err
			return rep, nil
		}
		rep.Listed += len(page.Events)

		for _, result := range s.repairer.ProcessEvents(ctx, adapter, cal, page.Events) {
			s.tally(&rep, result)
			if errors.Is(result.Err, quota.ErrDailyQuotaExhausted) {
				rep.Err = result.Err
				return rep, result.Err
			}
		}

		if page.SyncToken != "" {
			freshToken = page.SyncToken
		}
		if page.NextPageToken == "" {
			break
		}
		opts.PageToken = page.NextPageToken
	}

	if freshToken != "" {
		if err := s.tokens.Set(cal.ID, freshToken); err != nil {
			log.Warn("failed to persist sync token", "calendar", cal.ID, "reason", err)
		}
	}
	log.Info("calendar sweep finished",
		"calendar", cal.ID, "listed", rep.Listed, "repaired", rep.Repaired,
		"conflicts", rep.Conflicts, "needs_review", rep.NeedsReview)
	return rep, nil
}

// listOptions picks the listing mode for the first page: incremental when the
// backend supports sync tokens and one is stored, windowed otherwise.
func (s *Syncer) listOptions(caps model.AdapterCapabilities, cal model.CalendarRef) model.ListOptions {
	if caps.SupportsSyncToken {
		if token := s.tokens.Get(cal.ID); token != "" {
			return model.ListOptions{SyncToken: token}
		}
	}
	now := s.now().UTC()
	return model.ListOptions{
		Since: now.AddDate(0, 0, -s.cfg.WindowPastDays),
		Until: now.AddDate(0, 0, s.cfg.WindowFutureDays),
	}
}

func (s *Syncer) tally(rep *CalendarReport, res *repair.Result) {
	switch {
	case res.Patched:
		rep.Repaired++
	case res.NeedsReview:
		rep.NeedsReview++
	case res.ReadOnly:
		rep.ReadOnly++
	case model.IsConflict(res.Err):
		rep.Conflicts++
	case res.Err != nil:
		rep.Failed++
	case res.Skipped:
		rep.Skipped++
	}
}
