package repair

import (
	"fmt"
	"strings"
	"time"
)

// FormatTitle renders the rule's title template from the parsed payload.
// Title generation must never abort a repair pass: any failure falls back to
// a minimal safe title.
func FormatTitle(rule *Rule, p *ParsedPayload, now time.Time) (title string) {
	defer func() {
		if r := recover(); r != nil {
			title = fallbackTitle(p)
		}
	}()

	if p == nil || rule.TitleTemplate == "" {
		return fallbackTitle(p)
	}

	var dateDisplay, dateDayMonth string
	if p.HasDate() {
		dateDayMonth = fmt.Sprintf("%02d.%02d", p.Day, p.Month)
		if p.HasYear {
			dateDisplay = fmt.Sprintf("%02d.%02d.%04d", p.Day, p.Month, p.Year)
		} else {
			dateDisplay = dateDayMonth
		}
	}

	var age, ageSuffix, yearsSinceSuffix string
	if p.HasYear && p.HasDate() {
		years := elapsedYears(now, p.Year, p.Month, p.Day)
		age = fmt.Sprintf("%d", years)
		if rule.AgeSuffixTemplate != "" {
			ageSuffix = strings.ReplaceAll(rule.AgeSuffixTemplate, "{age}", age)
		}
		if rule.YearsSinceSuffixTemplate != "" {
			yearsSinceSuffix = strings.ReplaceAll(rule.YearsSinceSuffixTemplate, "{years_since}", age)
		}
	}

	title = strings.NewReplacer(
		"{name}", p.Name,
		"{label}", p.Label,
		"{date_display}", dateDisplay,
		"{date_day_month}", dateDayMonth,
		"{date_iso}", p.DateISO,
		"{age}", age,
		"{years_since}", age,
		"{age_suffix}", ageSuffix,
		"{years_since_suffix}", yearsSinceSuffix,
	).Replace(rule.TitleTemplate)

	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return fallbackTitle(p)
	}
	return title
}

func fallbackTitle(p *ParsedPayload) string {
	name := "Unknown"
	if p != nil && p.Name != "" {
		name = p.Name
	}
	return "📅 " + name
}

// elapsedYears counts completed years between the anniversary date and now,
// accounting for whether the anniversary has occurred yet this year.
func elapsedYears(now time.Time, year, month, day int) int {
	years := now.Year() - year
	if int(now.Month()) < month || (int(now.Month()) == month && now.Day() < day) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// nextAnniversary returns the next calendar occurrence of month/day at or
// after now, applying the leap-day policy when Feb 29 lands on a non-leap
// year ("feb28" observes it a day early, anything else rolls to Mar 1).
func nextAnniversary(now time.Time, month, day int, leapDayPolicy string) time.Time {
	for y := now.Year(); ; y++ {
		m, d := month, day
		if m == 2 && d == 29 && !isLeapYear(y) {
			if leapDayPolicy == "feb28" {
				d = 28
			} else {
				m, d = 3, 1
			}
		}
		candidate := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		if !candidate.Before(today) {
			return candidate
		}
	}
}

func isLeapYear(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}
