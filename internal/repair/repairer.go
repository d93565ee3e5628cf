package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chronos-sync/chronos/internal/config"
	"github.com/chronos-sync/chronos/internal/log"
	"github.com/chronos-sync/chronos/internal/model"
	"github.com/chronos-sync/chronos/internal/source"
)

// Enrichment is handed to downstream plugins after a repair decision, even
// when the source calendar could not be written.
type Enrichment struct {
	EventType      string
	Tags           []string
	SubTasks       []string
	Payload        *ParsedPayload
	SourceReadOnly bool
	// WarnDate is the advance-warning date derived from the rule's warn
	// offset and the next occurrence, when both are known.
	WarnDate *time.Time
	// LinkedRule names a companion rule the driver may fan out to.
	LinkedRule string
}

// Result is the outcome record for one event. Produced fresh per call and
// never persisted here; persistence is the driver's job.
type Result struct {
	EventID string
	RuleID  string
	Keyword string

	Success     bool
	Patched     bool
	Skipped     bool
	NeedsReview bool
	ReadOnly    bool
	Err         error

	// Reason records the idempotency decision (not_cleaned,
	// signature_changed, already_cleaned).
	Reason string

	NewTitle   string
	Enrichment *Enrichment

	ETagBefore string
	ETagAfter  string
	ElapsedMS  int64
}

// Repairer consumes normalized events from any adapter, detects keyword
// titles, and patches repaired titles back through the same adapter.
type Repairer struct {
	rules   *RuleTable
	parser  *Parser
	secret  string
	metrics *Metrics

	// PreWrite, when set, runs before every outbound patch. The sync
	// driver wires request quota accounting through it.
	PreWrite func(ctx context.Context) error

	now func() time.Time
}

// NewRepairer builds a repairer over a compiled rule table.
func NewRepairer(rules *RuleTable, parsing *config.ParsingConfig, secret string, metrics *Metrics) *Repairer {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Repairer{
		rules:   rules,
		parser:  NewParser(parsing),
		secret:  secret,
		metrics: metrics,
		now:     time.Now,
	}
}

// IsKeywordEvent reports whether the title triggers a repair rule, and which
// keyword and rule matched. Reserved prefixes never match.
func (r *Repairer) IsKeywordEvent(title string) (bool, string, string) {
	keyword, ruleID, ok := r.rules.MatchTitle(title)
	return ok, keyword, ruleID
}

// RepairEvent runs the full detect/parse/rewrite/patch pipeline for one
// event. Conflicts and read-only calendars degrade softly; retry loops are
// the driver's responsibility, not this engine's.
func (r *Repairer) RepairEvent(ctx context.Context, adapter source.SourceAdapter, cal model.CalendarRef, ev *model.NormalizedEvent) *Result {
	started := r.now()
	res := &Result{EventID: ev.ID, ETagBefore: ev.ETag}
	defer func() {
		res.ElapsedMS = time.Since(started).Milliseconds()
	}()

	keyword, ruleID, ok := r.rules.MatchTitle(ev.Summary)
	if !ok {
		res.Success = true
		res.Skipped = true
		if ev.Markers()[model.MarkerCleaned] != "" {
			// Repaired titles carry no keyword anymore; the marker check
			// still reports whether the event was hand-edited since. With
			// no keyword there is nothing to reprocess either way.
			_, res.Reason = NeedsRepair(ev, r.secret)
		}
		return res
	}
	res.Keyword = keyword
	res.RuleID = ruleID
	rule := r.rules.Get(ruleID)

	needed, reason := NeedsRepair(ev, r.secret)
	res.Reason = reason
	if !needed {
		res.Success = true
		res.Skipped = true
		return res
	}

	r.metrics.Attempts.WithLabelValues(ruleID).Inc()

	payloadText := ev.Summary[strings.Index(ev.Summary, ":")+1:]
	payload := r.parser.Parse(payloadText)
	if payload.NeedsReview {
		// Ambiguous or invalid payload: never guess, leave the event as
		// it is and flag it for a human.
		res.NeedsReview = true
		log.Info("payload needs review, event left untouched",
			"calendar", cal.ID, "event", ev.ID, "rule", ruleID)
		return res
	}

	newTitle := FormatTitle(rule, payload, r.now())
	res.NewTitle = newTitle
	res.Enrichment = r.buildEnrichment(rule, payload, ev, cal.ReadOnly)

	if cal.ReadOnly {
		// Still hand enrichment downstream, just never write.
		r.metrics.ReadonlySkips.WithLabelValues(ruleID).Inc()
		res.Success = true
		res.ReadOnly = true
		return res
	}

	if r.PreWrite != nil {
		if err := r.PreWrite(ctx); err != nil {
			res.Err = err
			return res
		}
	}

	patch := model.EventPatch{
		Summary: &newTitle,
		Markers: r.buildMarkers(rule, payload, ev, newTitle),
	}
	newETag, err := adapter.PatchEvent(ctx, cal, ev.ID, patch, ev.ETag)
	switch {
	case err == nil:
		r.metrics.Successes.WithLabelValues(ruleID).Inc()
		res.Success = true
		res.Patched = true
		res.ETagAfter = newETag
		return res
	case model.IsConflict(err):
		// Soft failure: another writer won the race; the next sync pass
		// picks the event up again.
		r.metrics.Conflicts.WithLabelValues(ruleID).Inc()
		res.Err = err
		log.Info("repair lost etag race, deferring to next pass",
			"calendar", cal.ID, "event", ev.ID, "rule", ruleID)
		return res
	case model.IsPermission(err):
		r.metrics.ReadonlySkips.WithLabelValues(ruleID).Inc()
		res.Success = true
		res.ReadOnly = true
		res.Err = err
		if res.Enrichment != nil {
			res.Enrichment.SourceReadOnly = true
		}
		return res
	default:
		res.Err = err
		return res
	}
}

// buildMarkers computes the fresh idempotency marker set written with the
// patch. The signature is taken over the new title so a later hand-edit is
// detected as signature_changed.
func (r *Repairer) buildMarkers(rule *Rule, payload *ParsedPayload, ev *model.NormalizedEvent, newTitle string) map[string]string {
	markers := map[string]string{
		model.MarkerCleaned:         MarkerVersion,
		model.MarkerRuleID:          rule.ID,
		model.MarkerSignature:       Signature(r.secret, newTitle, ev.StartTime, ev.RRule),
		model.MarkerOriginalSummary: ev.Summary,
	}
	if raw, err := json.Marshal(payload); err == nil {
		markers[model.MarkerPayload] = string(raw)
	}
	return markers
}

func (r *Repairer) buildEnrichment(rule *Rule, payload *ParsedPayload, ev *model.NormalizedEvent, readOnly bool) *Enrichment {
	e := &Enrichment{
		EventType:      rule.Enrich.EventType,
		Tags:           rule.Enrich.Tags,
		SubTasks:       rule.Enrich.SubTasks,
		Payload:        payload,
		SourceReadOnly: readOnly,
		LinkedRule:     rule.LinkToRule,
	}
	if rule.WarnOffsetDays > 0 {
		if next, ok := r.nextOccurrence(rule, payload, ev); ok {
			warn := next.AddDate(0, 0, -rule.WarnOffsetDays)
			e.WarnDate = &warn
		}
	}
	return e
}

// nextOccurrence prefers the anniversary implied by the parsed payload date
// (honoring the leap-day policy), falling back to evaluating the rule's
// recurrence from the event start.
func (r *Repairer) nextOccurrence(rule *Rule, payload *ParsedPayload, ev *model.NormalizedEvent) (time.Time, bool) {
	now := r.now().UTC()
	if payload.HasDate() {
		return nextAnniversary(now, payload.Month, payload.Day, rule.LeapDayPolicy), true
	}
	return rule.NextOccurrence(now, ev.StartTime)
}

// ProcessEvents repairs a batch of events against a single resolved
// calendar. One event blowing up is converted into a failed result instead
// of aborting the batch.
func (r *Repairer) ProcessEvents(ctx context.Context, adapter source.SourceAdapter, cal model.CalendarRef, events []*model.NormalizedEvent) []*Result {
	results := make([]*Result, 0, len(events))
	for _, ev := range events {
		results = append(results, r.repairGuarded(ctx, adapter, cal, ev))
	}
	return results
}

func (r *Repairer) repairGuarded(ctx context.Context, adapter source.SourceAdapter, cal model.CalendarRef, ev *model.NormalizedEvent) (res *Result) {
	defer func() {
		if p := recover(); p != nil {
			res = &Result{
				EventID:    ev.ID,
				ETagBefore: ev.ETag,
				Err:        fmt.Errorf("repair panicked: %v", p),
			}
			log.Error("repair panicked", res.Err, "calendar", cal.ID, "event", ev.ID)
		}
	}()
	return r.RepairEvent(ctx, adapter, cal, ev)
}
