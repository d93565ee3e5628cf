// Package repair detects keyword-prefixed event titles, parses their
// payload, rewrites the title, and durably marks events as processed via
// signed idempotency markers, so repeated full syncs never double-process
// the same event.
package repair

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/chronos-sync/chronos/internal/config"
)

// Rule is one compiled repair rule. Immutable after CompileRules.
type Rule struct {
	ID                       string
	Keywords                 []string
	TitleTemplate            string
	AllDay                   bool
	RRule                    string
	LeapDayPolicy            string
	AgeSuffixTemplate        string
	YearsSinceSuffixTemplate string
	WarnOffsetDays           int
	LinkToRule               string
	Enrich                   config.EnrichConfig
}

// RuleTable is the compiled rule set plus the keyword lookup index. Built
// once at startup; configuration reload means building a fresh table and
// swapping it in, never mutating one in flight.
type RuleTable struct {
	rules    map[string]*Rule
	keywords map[string]string // upper-cased keyword -> rule id
	reserved map[string]bool
}

// CompileRules builds the immutable rule table and keyword index. Rule RRULE
// strings are validated up front so a malformed rule fails at startup, not
// mid-sweep.
func CompileRules(cfgRules []config.RuleConfig, reservedPrefixes []string) (*RuleTable, error) {
	t := &RuleTable{
		rules:    make(map[string]*Rule, len(cfgRules)),
		keywords: make(map[string]string),
		reserved: make(map[string]bool, len(reservedPrefixes)),
	}
	for _, p := range reservedPrefixes {
		t.reserved[strings.ToUpper(strings.TrimSpace(p))] = true
	}

	for _, rc := range cfgRules {
		rule := &Rule{
			ID:                       rc.ID,
			Keywords:                 rc.Keywords,
			TitleTemplate:            rc.TitleTemplate,
			AllDay:                   rc.AllDay,
			RRule:                    strings.TrimPrefix(rc.RRule, "RRULE:"),
			LeapDayPolicy:            rc.LeapDayPolicy,
			AgeSuffixTemplate:        rc.AgeSuffixTemplate,
			YearsSinceSuffixTemplate: rc.YearsSinceSuffixTemplate,
			WarnOffsetDays:           rc.WarnOffsetDays,
			LinkToRule:               rc.LinkToRule,
			Enrich:                   rc.Enrich,
		}
		if rule.RRule != "" {
			if _, err := rrule.StrToROption(rule.RRule); err != nil {
				return nil, fmt.Errorf("rule %q has invalid rrule %q: %w", rule.ID, rule.RRule, err)
			}
		}
		if _, dup := t.rules[rule.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		t.rules[rule.ID] = rule

		for _, kw := range rc.Keywords {
			key := strings.ToUpper(strings.TrimSpace(kw))
			if key == "" {
				continue
			}
			if t.reserved[key] {
				return nil, fmt.Errorf("rule %q uses reserved keyword %q", rule.ID, kw)
			}
			if other, dup := t.keywords[key]; dup && other != rule.ID {
				return nil, fmt.Errorf("keyword %q claimed by rules %q and %q", kw, other, rule.ID)
			}
			t.keywords[key] = rule.ID
		}
	}
	return t, nil
}

// MatchTitle reports whether title is a keyword event. The reserved-prefix
// check takes priority over keyword match: reserved prefixes are consumed by
// a different downstream command pipeline and are never rewritten.
func (t *RuleTable) MatchTitle(title string) (keyword, ruleID string, ok bool) {
	idx := strings.Index(title, ":")
	if idx <= 0 {
		return "", "", false
	}
	prefix := strings.ToUpper(strings.TrimSpace(title[:idx]))
	if prefix == "" || t.reserved[prefix] {
		return "", "", false
	}
	id, found := t.keywords[prefix]
	if !found {
		return "", "", false
	}
	return prefix, id, true
}

// Get returns the rule with the given id, or nil.
func (t *RuleTable) Get(id string) *Rule {
	return t.rules[id]
}

// Len returns the number of compiled rules.
func (t *RuleTable) Len() int { return len(t.rules) }

// NextOccurrence computes the first occurrence of the rule's recurrence at
// or after the given instant, anchored at dtstart. Reports false when the
// rule has no recurrence or the rule string cannot be evaluated.
func (r *Rule) NextOccurrence(after, dtstart time.Time) (time.Time, bool) {
	if r.RRule == "" {
		return time.Time{}, false
	}
	opt, err := rrule.StrToROption(r.RRule)
	if err != nil {
		return time.Time{}, false
	}
	opt.Dtstart = dtstart.UTC()
	rr, err := rrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, false
	}
	next := rr.After(after.UTC(), true)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
