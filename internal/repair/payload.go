package repair

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chronos-sync/chronos/internal/config"
)

// leapReferenceYear validates day/month pairs that come without a year;
// it is a leap year so 29.02 stays acceptable.
const leapReferenceYear = 2000

// ParsedPayload is the result of parsing the text after a keyword prefix.
// It is serialized into the payload idempotency marker, so the JSON shape is
// part of the marker contract.
type ParsedPayload struct {
	Name         string `json:"name"`
	Label        string `json:"label,omitempty"`
	Day          int    `json:"day,omitempty"`
	Month        int    `json:"month,omitempty"`
	Year         int    `json:"year,omitempty"`
	HasYear      bool   `json:"has_year"`
	DateISO      string `json:"date_iso,omitempty"`
	Locale       string `json:"locale"`
	OriginalText string `json:"original_text"`
	NeedsReview  bool   `json:"needs_review"`
}

// HasDate reports whether a calendar date was parsed out of the payload.
func (p *ParsedPayload) HasDate() bool { return p.Month != 0 }

// Parser extracts names and dates from keyword payload text according to the
// configured locale conventions. Ambiguous input is never guessed at: it is
// flagged for review and left alone.
type Parser struct {
	cfg     *config.ParsingConfig
	pattern *regexp.Regexp
	now     func() time.Time
}

// NewParser compiles the date pattern from the configured separators.
func NewParser(cfg *config.ParsingConfig) *Parser {
	seps := cfg.Separators
	if len(seps) == 0 {
		seps = []string{".", "-", "/"}
	}
	class := charClassEscape(seps)
	pattern := regexp.MustCompile(`(\d{1,2})[` + class + `](\d{1,2})(?:[` + class + `](\d{4}))?`)
	return &Parser{cfg: cfg, pattern: pattern, now: time.Now}
}

// charClassEscape escapes separator characters for use inside a regexp
// character class. QuoteMeta is not enough there: an unescaped "-" forms a
// range and silently stops matching itself.
func charClassEscape(seps []string) string {
	var b strings.Builder
	for _, s := range seps {
		for _, r := range s {
			switch r {
			case '\\', ']', '^', '-':
				b.WriteRune('\\')
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Parse parses the text following the keyword. When several dates appear the
// rightmost match wins and the text before it becomes the name.
func (p *Parser) Parse(text string) *ParsedPayload {
	text = strings.TrimSpace(text)
	out := &ParsedPayload{
		OriginalText: text,
		Locale:       p.locale(),
	}

	matches := p.pattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		out.Name = text
		if out.Name == "" {
			out.Name = "Unknown"
		}
		return out
	}

	m := matches[len(matches)-1]
	out.Name = strings.TrimSpace(text[:m[0]])
	if out.Name == "" {
		out.Name = "Unknown"
	}
	out.Label = strings.TrimSpace(text[m[1]:])

	first, _ := strconv.Atoi(text[m[2]:m[3]])
	second, _ := strconv.Atoi(text[m[4]:m[5]])
	hasYear := m[6] >= 0
	year := 0
	if hasYear {
		year, _ = strconv.Atoi(text[m[6]:m[7]])
	} else if !p.cfg.YearOptionalEnabled() {
		out.NeedsReview = true
		return out
	}

	// day<=12 and month<=12 with distinct values cannot be disambiguated
	// from the text alone; guessing a person's date wrong is worse than
	// not touching the event.
	if first <= 12 && second <= 12 && first != second && p.cfg.StrictWhenAmbiguousEnabled() {
		out.NeedsReview = true
		return out
	}

	day, month := first, second
	if !p.cfg.DayFirstEnabled() {
		day, month = second, first
	}
	if month > 12 && day <= 12 {
		day, month = month, day
	}

	checkYear := year
	if !hasYear {
		checkYear = leapReferenceYear
	}
	if !validDate(checkYear, month, day) {
		out.NeedsReview = true
		return out
	}

	out.Day = day
	out.Month = month
	out.Year = year
	out.HasYear = hasYear

	isoYear := year
	if !hasYear {
		// No year in the source: the current year is assumed for the
		// ISO form only; suffix math treats the date as year-less.
		isoYear = p.now().Year()
	}
	out.DateISO = fmt.Sprintf("%04d-%02d-%02d", isoYear, month, day)
	return out
}

func (p *Parser) locale() string {
	if p.cfg.DayFirstEnabled() {
		return "day-first"
	}
	return "month-first"
}

func validDate(year, month, day int) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	return day <= daysIn(year, time.Month(month))
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
