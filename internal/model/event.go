package model

import "time"

// CalendarRef is an immutable reference to one backend collection. Instances
// are created from configuration at adapter construction and never mutated.
type CalendarRef struct {
	// ID is the internal key, unique within a configuration.
	ID string
	// Alias is the human-friendly display name.
	Alias string
	// URL is the backend address. Opaque to callers; only the owning
	// adapter interprets it.
	URL string
	// ReadOnly marks calendars that must never receive writes.
	ReadOnly bool
	// Timezone is an IANA zone name, defaulted per adapter.
	Timezone string
}

// AdapterCapabilities is a read-only snapshot of what a backend can do.
// Queried once per adapter lifetime and may be cached by the manager.
type AdapterCapabilities struct {
	Name              string
	CanWrite          bool
	SupportsSyncToken bool
	Timezone          string
}

// Marker keys inside NormalizedEvent.Meta.Markers. The keys are fixed; only
// the backend property names they are stored under are configurable.
const (
	MarkerCleaned         = "cleaned"
	MarkerRuleID          = "rule_id"
	MarkerSignature       = "signature"
	MarkerOriginalSummary = "original_summary"
	MarkerPayload         = "payload"
)

// EventMeta carries adapter-private data that must travel with an event so a
// later mutation call can find its way back to the same backend resource.
type EventMeta struct {
	// Calendar is the collection the event was read from.
	Calendar *CalendarRef
	// Markers holds the idempotency markers (MarkerCleaned et al.)
	// extracted from the backend representation.
	Markers map[string]string
	// Href is the CalDAV object href recorded at parse time. Empty for
	// non-CalDAV backends.
	Href string
	// MasterID is the id of the recurring series master when the event is
	// an exception instance (REST recurringEventId, CalDAV RELATED-TO).
	MasterID string
	// Raw is the adapter-specific source payload (iCalendar text or the
	// decoded REST object).
	Raw any
}

// NormalizedEvent is the canonical cross-backend event representation. All
// instances are transient: they are rebuilt on every listing from whatever
// the backend currently holds, and the ETag is the only staleness guard.
type NormalizedEvent struct {
	// ID is the stable event identifier (iCalendar UID or REST event id).
	ID string
	// ETag is an opaque optimistic-concurrency token. Backend-specific
	// format; compared byte for byte only. Never empty on events returned
	// by ListEvents/GetEvent.
	ETag string

	Summary     string
	Description string

	// StartTime and EndTime are UTC and timezone-naive; the source zone
	// lives in Timezone. For all-day events both represent calendar dates
	// at midnight and EndTime is exclusive.
	StartTime time.Time
	EndTime   time.Time
	AllDay    bool
	Timezone  string

	// RRule is the raw RRULE string, or empty for single events.
	RRule string
	// RecurrenceID is set only on an exception/override instance. It holds
	// the original occurrence time in RFC 3339.
	RecurrenceID string

	// CalendarID names the owning collection.
	CalendarID string

	Meta EventMeta
}

// IsSeriesMaster reports whether the event is a recurring series master:
// it carries an RRULE and is not itself an exception instance.
func (e *NormalizedEvent) IsSeriesMaster() bool {
	return e.RRule != "" && e.RecurrenceID == ""
}

// Markers returns the idempotency marker map, never nil.
func (e *NormalizedEvent) Markers() map[string]string {
	if e.Meta.Markers == nil {
		return map[string]string{}
	}
	return e.Meta.Markers
}

// EventPatch is a partial update. Nil pointer fields are left untouched by
// the adapter; a non-nil Markers map replaces the stored marker set wholesale.
type EventPatch struct {
	Summary     *string
	Description *string
	StartTime   *time.Time
	EndTime     *time.Time
	AllDay      *bool
	RRule       *string
	Markers     map[string]string
}

// EventListResult is the outcome of one ListEvents call.
type EventListResult struct {
	Events []*NormalizedEvent
	// NextPageToken continues a paginated listing when non-empty.
	NextPageToken string
	// SyncToken is a fresh incremental cursor, when the backend issued one.
	SyncToken string
}

// ListOptions selects between the two mutually exclusive listing modes:
// incremental (SyncToken set) and windowed (Since/Until set). Adapters fall
// open to windowed mode when incremental is requested but unsupported or
// rejected by the server.
type ListOptions struct {
	Since     time.Time
	Until     time.Time
	PageToken string
	SyncToken string
}
