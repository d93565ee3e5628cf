package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CalendarConfig describes one provisioned backend collection. Collections
// are never discovered dynamically; this list is the whole universe.
type CalendarConfig struct {
	ID       string `yaml:"id"`
	Alias    string `yaml:"alias"`
	URL      string `yaml:"url"`
	ReadOnly bool   `yaml:"read_only"`
	Timezone string `yaml:"timezone"`
}

// CalDAVConfig configures the CalDAV backend (Radicale-like servers).
type CalDAVConfig struct {
	URL      string `yaml:"url"`
	AuthMode string `yaml:"auth_mode"` // "none" or "basic"
	Username string `yaml:"username"`
	// Password may be left empty and provided via CHRONOS_CALDAV_PASSWORD.
	Password string `yaml:"password"`

	VerifyTLS         *bool `yaml:"verify_tls"`
	ConnectTimeoutSec int   `yaml:"connect_timeout_sec"`
	ReadTimeoutSec    int   `yaml:"read_timeout_sec"`

	Calendars []CalendarConfig `yaml:"calendars"`

	// UseSyncCollection enables RFC 6578 incremental listing when the
	// caller supplies a sync token.
	UseSyncCollection *bool `yaml:"use_sync_collection"`

	// IfMatch controls whether conditional PUTs send an If-Match header.
	IfMatch          *bool `yaml:"if_match"`
	IncludeVTimezone bool  `yaml:"include_vtimezone"`
}

// GoogleConfig configures the REST calendar backend.
type GoogleConfig struct {
	CredentialsPath string           `yaml:"credentials_path"`
	TokenPath       string           `yaml:"token_path"`
	Calendars       []CalendarConfig `yaml:"calendars"`
	// Namespace prefixes the private extended-property marker keys
	// (e.g. "chronos" yields "chronos.cleaned").
	Namespace string `yaml:"namespace"`
}

// MarkerConfig names the backend properties idempotency markers are stored
// under. Every writer must use the same names or round-trips break.
type MarkerConfig struct {
	Cleaned         string `yaml:"cleaned"`
	RuleID          string `yaml:"rule_id"`
	Signature       string `yaml:"signature"`
	OriginalSummary string `yaml:"original_summary"`
	Payload         string `yaml:"payload"`
}

// ParsingConfig controls keyword payload date parsing.
type ParsingConfig struct {
	DayFirst            *bool    `yaml:"day_first"`
	YearOptional        *bool    `yaml:"year_optional"`
	StrictWhenAmbiguous *bool    `yaml:"strict_when_ambiguous"`
	Separators          []string `yaml:"separators"`
}

// QuotaConfig bounds outbound request volume during sync sweeps.
type QuotaConfig struct {
	DailyLimit     int `yaml:"daily_limit"`
	PerMinuteLimit int `yaml:"per_minute_limit"`
}

// SyncConfig controls the full-sync driver.
type SyncConfig struct {
	WindowPastDays   int    `yaml:"window_past_days"`
	WindowFutureDays int    `yaml:"window_future_days"`
	Concurrency      int    `yaml:"concurrency"`
	Cron             string `yaml:"cron"`
}

// EnrichConfig is handed verbatim to downstream enrichment plugins.
type EnrichConfig struct {
	EventType string   `yaml:"event_type"`
	Tags      []string `yaml:"tags"`
	SubTasks  []string `yaml:"sub_tasks"`
}

// RuleConfig defines one repair rule. Loaded once at startup, immutable
// thereafter; the keyword index is compiled from all rules' Keywords.
type RuleConfig struct {
	ID                       string       `yaml:"id"`
	Keywords                 []string     `yaml:"keywords"`
	TitleTemplate            string       `yaml:"title_template"`
	AllDay                   bool         `yaml:"all_day"`
	RRule                    string       `yaml:"rrule"`
	LeapDayPolicy            string       `yaml:"leap_day_policy"` // "feb28" or "mar01"
	AgeSuffixTemplate        string       `yaml:"age_suffix_template"`
	YearsSinceSuffixTemplate string       `yaml:"years_since_suffix_template"`
	WarnOffsetDays           int          `yaml:"warn_offset_days"`
	LinkToRule               string       `yaml:"link_to_rule"`
	Enrich                   EnrichConfig `yaml:"enrich"`
}

// Config is the top-level application configuration.
type Config struct {
	Backend string `yaml:"backend"` // "caldav" or "google"

	CalDAV CalDAVConfig `yaml:"caldav"`
	Google GoogleConfig `yaml:"google"`

	Markers MarkerConfig  `yaml:"markers"`
	Parsing ParsingConfig `yaml:"parsing"`
	Quota   QuotaConfig   `yaml:"quota"`
	Sync    SyncConfig    `yaml:"sync"`

	ReservedPrefixes []string `yaml:"reserved_prefixes"`
	// SignatureSecret, when set, keys the HMAC over the idempotency
	// signature. May also come from CHRONOS_SIGNATURE_SECRET.
	SignatureSecret string `yaml:"signature_secret"`

	Rules []RuleConfig `yaml:"rules"`
}

func boolDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func truePtr() *bool { v := true; return &v }

// Normalize fills missing or zero values with defaults so partially-filled
// configs still behave correctly.
func (c *Config) Normalize() {
	if c.Backend == "" {
		c.Backend = "caldav"
	}

	if c.CalDAV.AuthMode == "" {
		if c.CalDAV.Username != "" {
			c.CalDAV.AuthMode = "basic"
		} else {
			c.CalDAV.AuthMode = "none"
		}
	}
	if c.CalDAV.VerifyTLS == nil {
		c.CalDAV.VerifyTLS = truePtr()
	}
	if c.CalDAV.ConnectTimeoutSec <= 0 {
		c.CalDAV.ConnectTimeoutSec = 5
	}
	if c.CalDAV.ReadTimeoutSec <= 0 {
		c.CalDAV.ReadTimeoutSec = 15
	}
	if c.CalDAV.UseSyncCollection == nil {
		c.CalDAV.UseSyncCollection = truePtr()
	}
	if c.CalDAV.IfMatch == nil {
		c.CalDAV.IfMatch = truePtr()
	}

	if c.Google.Namespace == "" {
		c.Google.Namespace = "chronos"
	}

	if c.Markers.Cleaned == "" {
		c.Markers.Cleaned = "X-CHRONOS-CLEANED"
	}
	if c.Markers.RuleID == "" {
		c.Markers.RuleID = "X-CHRONOS-RULE-ID"
	}
	if c.Markers.Signature == "" {
		c.Markers.Signature = "X-CHRONOS-SIGNATURE"
	}
	if c.Markers.OriginalSummary == "" {
		c.Markers.OriginalSummary = "X-CHRONOS-ORIGINAL-SUMMARY"
	}
	if c.Markers.Payload == "" {
		c.Markers.Payload = "X-CHRONOS-PAYLOAD"
	}

	if c.Parsing.DayFirst == nil {
		c.Parsing.DayFirst = truePtr()
	}
	if c.Parsing.YearOptional == nil {
		c.Parsing.YearOptional = truePtr()
	}
	if c.Parsing.StrictWhenAmbiguous == nil {
		c.Parsing.StrictWhenAmbiguous = truePtr()
	}
	if len(c.Parsing.Separators) == 0 {
		c.Parsing.Separators = []string{".", "-", "/"}
	}

	if c.Quota.DailyLimit <= 0 {
		c.Quota.DailyLimit = 10000
	}
	if c.Quota.PerMinuteLimit <= 0 {
		c.Quota.PerMinuteLimit = 60
	}

	if c.Sync.WindowPastDays <= 0 {
		c.Sync.WindowPastDays = 30
	}
	if c.Sync.WindowFutureDays <= 0 {
		c.Sync.WindowFutureDays = 400
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = 4
	}

	if c.ReservedPrefixes == nil {
		c.ReservedPrefixes = []string{"ACTION", "MEETING", "CALL"}
	}

	// Secrets from the environment win over the file, matching the
	// flag > env > file precedence used elsewhere.
	if v := os.Getenv("CHRONOS_CALDAV_PASSWORD"); v != "" {
		c.CalDAV.Password = v
	}
	if v := os.Getenv("CHRONOS_SIGNATURE_SECRET"); v != "" {
		c.SignatureSecret = v
	}
}

// Validate checks cross-field constraints that Normalize cannot default away.
func (c *Config) Validate() error {
	switch c.Backend {
	case "caldav":
		if c.CalDAV.URL == "" {
			return errors.New("caldav.url is required when backend is caldav")
		}
		if len(c.CalDAV.Calendars) == 0 {
			return errors.New("caldav.calendars must list at least one collection")
		}
	case "google":
		if c.Google.CredentialsPath == "" {
			return errors.New("google.credentials_path is required when backend is google")
		}
		if len(c.Google.Calendars) == 0 {
			return errors.New("google.calendars must list at least one collection")
		}
	default:
		return fmt.Errorf("unknown backend %q (expected caldav or google)", c.Backend)
	}

	seen := make(map[string]bool)
	for _, r := range c.Rules {
		if r.ID == "" {
			return errors.New("rule with empty id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if len(r.Keywords) == 0 {
			return fmt.Errorf("rule %q has no keywords", r.ID)
		}
		if r.TitleTemplate == "" {
			return fmt.Errorf("rule %q has no title_template", r.ID)
		}
	}
	for _, r := range c.Rules {
		if r.LinkToRule != "" && !seen[r.LinkToRule] {
			return fmt.Errorf("rule %q links to unknown rule %q", r.ID, r.LinkToRule)
		}
	}
	return nil
}

// ConnectTimeout returns the CalDAV dial timeout.
func (c *CalDAVConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// ReadTimeout returns the CalDAV whole-request timeout.
func (c *CalDAVConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSec) * time.Second
}

// VerifyTLSEnabled reports whether TLS certificates are verified.
func (c *CalDAVConfig) VerifyTLSEnabled() bool { return boolDefault(c.VerifyTLS, true) }

// SyncCollectionEnabled reports whether incremental listing may be used.
func (c *CalDAVConfig) SyncCollectionEnabled() bool { return boolDefault(c.UseSyncCollection, true) }

// IfMatchEnabled reports whether conditional writes send If-Match.
func (c *CalDAVConfig) IfMatchEnabled() bool { return boolDefault(c.IfMatch, true) }

// DayFirstEnabled reports whether ambiguous numeric dates read day-first.
func (p *ParsingConfig) DayFirstEnabled() bool { return boolDefault(p.DayFirst, true) }

// YearOptionalEnabled reports whether payload dates may omit the year.
func (p *ParsingConfig) YearOptionalEnabled() bool { return boolDefault(p.YearOptional, true) }

// StrictWhenAmbiguousEnabled reports whether ambiguous dates are flagged for
// review instead of guessed.
func (p *ParsingConfig) StrictWhenAmbiguousEnabled() bool {
	return boolDefault(p.StrictWhenAmbiguous, true)
}

// Load reads and normalizes configuration from the given YAML path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
