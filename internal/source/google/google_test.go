package google

import (
	"errors"
	"testing"
	"time"

	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/chronos-sync/chronos/internal/config"
	"github.com/chronos-sync/chronos/internal/model"
)

var googleCal = model.CalendarRef{ID: "personal", URL: "personal@group.calendar.google.com", Timezone: "UTC"}

func TestNormalizeEvent_Timed(t *testing.T) {
	item := &calendar.Event{
		Id:      "ev-1",
		Etag:    `"etag-1"`,
		Summary: "BDAY: John Smith 25.12.1990",
		Start:   &calendar.EventDateTime{DateTime: "2026-12-25T10:00:00+01:00"},
		End:     &calendar.EventDateTime{DateTime: "2026-12-25T11:00:00+01:00"},
	}

	ev, err := normalizeEvent(googleCal, item, "chronos")
	if err != nil {
		t.Fatalf("normalizeEvent() returned an error: %v", err)
	}
	if ev.ID != "ev-1" || ev.ETag != `"etag-1"` {
		t.Errorf("Unexpected identity: %q / %q", ev.ID, ev.ETag)
	}
	if ev.AllDay {
		t.Error("Expected a timed event")
	}
	// Offsets are normalized to UTC.
	if want := time.Date(2026, 12, 25, 9, 0, 0, 0, time.UTC); !ev.StartTime.Equal(want) {
		t.Errorf("Expected UTC start %v, got %v", want, ev.StartTime)
	}
}

func TestNormalizeEvent_AllDay(t *testing.T) {
	item := &calendar.Event{
		Id:    "ev-2",
		Etag:  `"e"`,
		Start: &calendar.EventDateTime{Date: "2026-12-25"},
		End:   &calendar.EventDateTime{Date: "2026-12-26"},
	}

	ev, err := normalizeEvent(googleCal, item, "chronos")
	if err != nil {
		t.Fatalf("normalizeEvent() returned an error: %v", err)
	}
	if !ev.AllDay {
		t.Error("Expected a date-only start to mark the event all-day")
	}
	if want := time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC); !ev.StartTime.Equal(want) {
		t.Errorf("Expected start %v, got %v", want, ev.StartTime)
	}
	// The exclusive end date is used as-is.
	if want := time.Date(2026, 12, 26, 0, 0, 0, 0, time.UTC); !ev.EndTime.Equal(want) {
		t.Errorf("Expected end %v, got %v", want, ev.EndTime)
	}
}

func TestNormalizeEvent_MissingEndDefaults(t *testing.T) {
	timed := &calendar.Event{
		Id:    "ev-3",
		Etag:  `"e"`,
		Start: &calendar.EventDateTime{DateTime: "2026-08-30T10:00:00Z"},
	}
	ev, err := normalizeEvent(googleCal, timed, "chronos")
	if err != nil {
		t.Fatalf("normalizeEvent() returned an error: %v", err)
	}
	if want := ev.StartTime.Add(time.Hour); !ev.EndTime.Equal(want) {
		t.Errorf("Expected one-hour default end, got %v", ev.EndTime)
	}

	allDay := &calendar.Event{
		Id:    "ev-4",
		Etag:  `"e"`,
		Start: &calendar.EventDateTime{Date: "2026-12-25"},
	}
	ev, err = normalizeEvent(googleCal, allDay, "chronos")
	if err != nil {
		t.Fatalf("normalizeEvent() returned an error: %v", err)
	}
	if want := ev.StartTime.AddDate(0, 0, 1); !ev.EndTime.Equal(want) {
		t.Errorf("Expected one-day default end, got %v", ev.EndTime)
	}
}

func TestNormalizeEvent_RecurrenceAndOverride(t *testing.T) {
	master := &calendar.Event{
		Id:         "master-1",
		Etag:       `"e"`,
		Start:      &calendar.EventDateTime{DateTime: "2026-08-30T09:00:00Z"},
		Recurrence: []string{"EXDATE:20260906T090000Z", "RRULE:FREQ=DAILY"},
	}
	ev, err := normalizeEvent(googleCal, master, "chronos")
	if err != nil {
		t.Fatalf("normalizeEvent() returned an error: %v", err)
	}
	if ev.RRule != "FREQ=DAILY" {
		t.Errorf("Expected the RRULE: prefix stripped, got %q", ev.RRule)
	}
	if !ev.IsSeriesMaster() {
		t.Error("Expected the recurring event to be a series master")
	}

	override := &calendar.Event{
		Id:                "override-1",
		Etag:              `"e"`,
		Start:             &calendar.EventDateTime{DateTime: "2026-08-31T10:00:00Z"},
		RecurringEventId:  "master-1",
		OriginalStartTime: &calendar.EventDateTime{DateTime: "2026-08-31T09:00:00Z"},
	}
	ev, err = normalizeEvent(googleCal, override, "chronos")
	if err != nil {
		t.Fatalf("normalizeEvent() returned an error: %v", err)
	}
	if ev.Meta.MasterID != "master-1" {
		t.Errorf("Expected master link, got %q", ev.Meta.MasterID)
	}
	if ev.RecurrenceID != "2026-08-31T09:00:00Z" {
		t.Errorf("Unexpected recurrence id: %q", ev.RecurrenceID)
	}
	if ev.IsSeriesMaster() {
		t.Error("An override must not be a series master")
	}
}

func TestNormalizeEvent_MarkerNamespace(t *testing.T) {
	item := &calendar.Event{
		Id:    "ev-5",
		Etag:  `"e"`,
		Start: &calendar.EventDateTime{Date: "2026-12-25"},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				"chronos.cleaned":   "v1",
				"chronos.rule_id":   "birthday",
				"chronos.signature": "abc",
				"other.cleaned":     "ignored",
			},
		},
	}
	ev, err := normalizeEvent(googleCal, item, "chronos")
	if err != nil {
		t.Fatalf("normalizeEvent() returned an error: %v", err)
	}
	markers := ev.Markers()
	if markers[model.MarkerCleaned] != "v1" || markers[model.MarkerRuleID] != "birthday" {
		t.Errorf("Unexpected markers: %v", markers)
	}
	if len(markers) != 3 {
		t.Errorf("Expected foreign namespaces to be ignored, got %v", markers)
	}
}

func TestNormalizeEvent_MissingStart(t *testing.T) {
	if _, err := normalizeEvent(googleCal, &calendar.Event{Id: "x", Etag: `"e"`}, "chronos"); err == nil {
		t.Error("Expected an error for an event without a start time")
	}
}

func TestNormalizeListing_SkipsCancelled(t *testing.T) {
	a := newWithService(nil, &config.GoogleConfig{
		Namespace: "chronos",
		Calendars: []config.CalendarConfig{{ID: "personal"}},
	})
	listing := &calendar.Events{
		NextSyncToken: "tok-2",
		Items: []*calendar.Event{
			{Id: "gone", Status: "cancelled"},
			{Id: "ev-1", Etag: `"e"`, Start: &calendar.EventDateTime{Date: "2026-12-25"}},
		},
	}
	res := a.normalizeListing(googleCal, listing)
	if len(res.Events) != 1 || res.Events[0].ID != "ev-1" {
		t.Errorf("Expected only the live event, got %+v", res.Events)
	}
	if res.SyncToken != "tok-2" {
		t.Errorf("Expected the fresh sync token, got %q", res.SyncToken)
	}
}

func TestDenormalizePatch(t *testing.T) {
	summary := "🎂 John Smith (35)"
	body := denormalizePatch(model.EventPatch{
		Summary: &summary,
		Markers: map[string]string{"cleaned": "v1", "rule_id": "birthday"},
	}, "chronos")

	if body.Summary != summary {
		t.Errorf("Unexpected summary: %q", body.Summary)
	}
	if body.ExtendedProperties == nil {
		t.Fatal("Expected extended properties for the markers")
	}
	if body.ExtendedProperties.Private["chronos.cleaned"] != "v1" {
		t.Errorf("Expected the namespaced marker, got %v", body.ExtendedProperties.Private)
	}
	// Fields the patch does not name are not sent.
	if body.Start != nil || body.End != nil || body.Recurrence != nil {
		t.Error("Expected untouched fields to stay empty")
	}
}

func TestDenormalizePatch_ClearsFieldsExplicitly(t *testing.T) {
	empty := ""
	body := denormalizePatch(model.EventPatch{Summary: &empty, RRule: &empty}, "chronos")

	found := map[string]bool{}
	for _, f := range body.ForceSendFields {
		found[f] = true
	}
	if !found["Summary"] || !found["Recurrence"] {
		t.Errorf("Expected cleared fields to be force-sent, got %v", body.ForceSendFields)
	}
}

func TestMapWriteError(t *testing.T) {
	cal := model.CalendarRef{ID: "personal"}

	err := mapWriteError(&googleapi.Error{Code: 412}, cal, "patch_event", `"etag-1"`)
	if !model.IsConflict(err) {
		t.Errorf("Expected 412 to map to ConflictError, got %v", err)
	}
	var ce *model.ConflictError
	if errors.As(err, &ce) && ce.ExpectedETag != `"etag-1"` {
		t.Errorf("Expected the If-Match etag in the conflict, got %+v", ce)
	}

	err = mapWriteError(&googleapi.Error{Code: 403, Message: "forbidden"}, cal, "patch_event", "")
	if !model.IsPermission(err) {
		t.Errorf("Expected 403 to map to PermissionError, got %v", err)
	}

	err = mapWriteError(&googleapi.Error{Code: 400, Message: "bad"}, cal, "patch_event", "")
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("Expected 400 to map to ValidationError, got %v", err)
	}

	plain := errors.New("connection reset")
	if err := mapWriteError(plain, cal, "patch_event", ""); !errors.Is(err, plain) {
		t.Errorf("Expected non-API errors to be wrapped, got %v", err)
	}
}

func TestEventDateTime(t *testing.T) {
	ts := time.Date(2026, 12, 25, 10, 0, 0, 0, time.UTC)
	if got := eventDateTime(ts, true); got.Date != "2026-12-25" || got.DateTime != "" {
		t.Errorf("Unexpected all-day shape: %+v", got)
	}
	if got := eventDateTime(ts, false); got.DateTime != "2026-12-25T10:00:00Z" || got.Date != "" {
		t.Errorf("Unexpected timed shape: %+v", got)
	}
}
