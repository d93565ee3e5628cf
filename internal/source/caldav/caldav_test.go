package caldav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chronos-sync/chronos/internal/config"
	"github.com/chronos-sync/chronos/internal/model"
)

func newTestAdapter(t *testing.T, srvURL string) *Adapter {
	t.Helper()
	cfg := &config.CalDAVConfig{
		URL: srvURL,
		Calendars: []config.CalendarConfig{
			{ID: "personal"},
			{ID: "holidays", ReadOnly: true},
		},
	}
	a, err := New(cfg, defaultMarkers())
	if err != nil {
		t.Fatalf("New() returned an error: %v", err)
	}
	return a
}

func multistatusBody(srvURL string, objects map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">` + "\n")
	for href, data := range objects {
		fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:status>HTTP/1.1 200 OK</d:status><d:prop><d:getetag>"etag-%s"</d:getetag><c:calendar-data>%s</c:calendar-data></d:prop></d:propstat></d:response>`,
			href, href, data)
		b.WriteString("\n")
	}
	b.WriteString(`<d:sync-token>http://example.com/sync/42</d:sync-token></d:multistatus>`)
	return b.String()
}

func TestListEvents_WindowedQuery(t *testing.T) {
	var gotBody string
	var gotDepth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "REPORT" {
			t.Errorf("Expected REPORT, got %s", r.Method)
		}
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotDepth = r.Header.Get("Depth")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, multistatusBody(r.Host, map[string]string{
			"/personal/ev-1.ics": icalObject("UID:ev-1", "SUMMARY:Dentist", "DTSTART:20260830T100000Z"),
		}))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	cal := a.ListCalendars()[0]

	res, err := a.ListEvents(context.Background(), cal, model.ListOptions{
		Since: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ListEvents() returned an error: %v", err)
	}

	if !strings.Contains(gotBody, "calendar-query") {
		t.Error("Expected a calendar-query REPORT body")
	}
	if !strings.Contains(gotBody, `start="20260801T000000Z"`) || !strings.Contains(gotBody, `end="20261001T000000Z"`) {
		t.Errorf("Expected the window in the time-range filter, got:\n%s", gotBody)
	}
	if gotDepth != "1" {
		t.Errorf("Expected Depth: 1, got %q", gotDepth)
	}

	if len(res.Events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(res.Events))
	}
	if res.Events[0].ID != "ev-1" || res.Events[0].ETag != "etag-/personal/ev-1.ics" {
		t.Errorf("Unexpected event: %+v", res.Events[0])
	}
}

func TestListEvents_SyncCollection(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(raw))
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, multistatusBody(r.Host, map[string]string{
			"/personal/ev-1.ics": icalObject("UID:ev-1", "SUMMARY:Dentist", "DTSTART:20260830T100000Z"),
		}))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	cal := a.ListCalendars()[0]

	res, err := a.ListEvents(context.Background(), cal, model.ListOptions{SyncToken: "http://example.com/sync/41"})
	if err != nil {
		t.Fatalf("ListEvents() returned an error: %v", err)
	}
	if len(bodies) != 1 || !strings.Contains(bodies[0], "sync-collection") {
		t.Fatalf("Expected a single sync-collection REPORT, got %d requests", len(bodies))
	}
	if !strings.Contains(bodies[0], "<d:sync-token>http://example.com/sync/41</d:sync-token>") {
		t.Errorf("Expected the supplied token in the body, got:\n%s", bodies[0])
	}
	if res.SyncToken != "http://example.com/sync/42" {
		t.Errorf("Expected the fresh sync token, got %q", res.SyncToken)
	}
	if len(res.Events) != 1 {
		t.Errorf("Expected 1 event, got %d", len(res.Events))
	}
}

func TestListEvents_SyncCollectionFallsBackToQuery(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(raw))
		if strings.Contains(string(raw), "sync-collection") {
			// Token expired or unsupported.
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, multistatusBody(r.Host, map[string]string{
			"/personal/ev-1.ics": icalObject("UID:ev-1", "SUMMARY:Dentist", "DTSTART:20260830T100000Z"),
		}))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	cal := a.ListCalendars()[0]

	res, err := a.ListEvents(context.Background(), cal, model.ListOptions{SyncToken: "stale"})
	if err != nil {
		t.Fatalf("ListEvents() returned an error: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("Expected sync-collection then calendar-query, got %d requests", len(bodies))
	}
	if !strings.Contains(bodies[1], "calendar-query") {
		t.Error("Expected the fallback to be a calendar-query")
	}
	if len(res.Events) != 1 {
		t.Errorf("Expected the fallback listing to return the event, got %d", len(res.Events))
	}
}

func TestListEvents_UnreachableServerDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	a := newTestAdapter(t, srv.URL)
	cal := a.ListCalendars()[0]

	res, err := a.ListEvents(context.Background(), cal, model.ListOptions{})
	if err != nil {
		t.Fatalf("Expected a degraded empty result, got error %v", err)
	}
	if len(res.Events) != 0 {
		t.Errorf("Expected no events, got %d", len(res.Events))
	}
}

func patchTestServer(t *testing.T, putStatus int, putETag string) (*httptest.Server, *[]*http.Request) {
	t.Helper()
	var puts []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "GET":
			w.Header().Set("ETag", `"etag-1"`)
			fmt.Fprint(w, icalObject(
				"UID:ev-1",
				"SUMMARY:BDAY: John Smith 25.12.1990",
				"DTSTART;VALUE=DATE:20261225",
				"DTEND;VALUE=DATE:20261226",
			))
		case "PUT":
			r2 := r.Clone(context.Background())
			raw, _ := io.ReadAll(r.Body)
			r2.Body = io.NopCloser(strings.NewReader(string(raw)))
			puts = append(puts, r2)
			if putETag != "" {
				w.Header().Set("ETag", putETag)
			}
			w.WriteHeader(putStatus)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	return srv, &puts
}

func TestPatchEvent_ConditionalPut(t *testing.T) {
	srv, puts := patchTestServer(t, http.StatusNoContent, `"etag-2"`)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	cal := a.ListCalendars()[0]

	newTitle := "🎂 John Smith 25.12.1990 (35)"
	etag, err := a.PatchEvent(context.Background(), cal, "ev-1", model.EventPatch{
		Summary: &newTitle,
		Markers: map[string]string{model.MarkerCleaned: "v1"},
	}, "etag-1")
	if err != nil {
		t.Fatalf("PatchEvent() returned an error: %v", err)
	}
	if etag != "etag-2" {
		t.Errorf("Expected the fresh etag, got %q", etag)
	}

	if len(*puts) != 1 {
		t.Fatalf("Expected 1 PUT, got %d", len(*puts))
	}
	put := (*puts)[0]
	if got := put.Header.Get("If-Match"); got != `"etag-1"` {
		t.Errorf("Expected If-Match with quoted etag, got %q", got)
	}
	raw, _ := io.ReadAll(put.Body)
	if !strings.Contains(string(raw), "🎂 John Smith 25.12.1990 (35)") {
		t.Error("Expected the PUT body to carry the new summary")
	}
	if !strings.Contains(string(raw), "X-CHRONOS-CLEANED:v1") {
		t.Error("Expected the PUT body to carry the cleaned marker")
	}
}

func TestPatchEvent_ConflictOn412(t *testing.T) {
	srv, _ := patchTestServer(t, http.StatusPreconditionFailed, `"etag-9"`)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	cal := a.ListCalendars()[0]

	newTitle := "x"
	_, err := a.PatchEvent(context.Background(), cal, "ev-1", model.EventPatch{Summary: &newTitle}, "etag-1")
	if !model.IsConflict(err) {
		t.Fatalf("Expected a ConflictError, got %v", err)
	}
	var ce *model.ConflictError
	if !errors.As(err, &ce) {
		t.Fatal("Could not unwrap the ConflictError")
	}
	if ce.ExpectedETag != "etag-1" || ce.ActualETag != "etag-9" {
		t.Errorf("Unexpected conflict details: %+v", ce)
	}
}

func TestPatchEvent_PermissionOn403(t *testing.T) {
	srv, _ := patchTestServer(t, http.StatusForbidden, "")
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	cal := a.ListCalendars()[0]

	newTitle := "x"
	_, err := a.PatchEvent(context.Background(), cal, "ev-1", model.EventPatch{Summary: &newTitle}, "etag-1")
	if !model.IsPermission(err) {
		t.Errorf("Expected a PermissionError, got %v", err)
	}
}

func TestPatchEvent_ReadOnlyCalendar(t *testing.T) {
	// No server needed: the read-only refusal happens before any request.
	a := newTestAdapter(t, "http://localhost:1")
	readonly := a.ListCalendars()[1]

	newTitle := "x"
	_, err := a.PatchEvent(context.Background(), readonly, "ev-1", model.EventPatch{Summary: &newTitle}, "")
	if !model.IsPermission(err) {
		t.Errorf("Expected a PermissionError for a read-only calendar, got %v", err)
	}
}

func TestDeleteEvent_Idempotent(t *testing.T) {
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "DELETE" {
			t.Errorf("Expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	cal := a.ListCalendars()[0]

	ok, err := a.DeleteEvent(context.Background(), cal, "ev-1")
	if err != nil || !ok {
		t.Errorf("Expected (true, nil) on 204, got (%v, %v)", ok, err)
	}

	// Deleting an id that is already gone is still success.
	status = http.StatusNotFound
	ok, err = a.DeleteEvent(context.Background(), cal, "ev-1")
	if err != nil || !ok {
		t.Errorf("Expected (true, nil) on 404, got (%v, %v)", ok, err)
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	cal := a.ListCalendars()[0]

	ev, err := a.GetEvent(context.Background(), cal, "missing")
	if err != nil || ev != nil {
		t.Errorf("Expected (nil, nil) for a missing event, got (%v, %v)", ev, err)
	}
}

func TestGetEvent_UIDMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"etag-1"`)
		fmt.Fprint(w, icalObject("UID:other-ev", "SUMMARY:Not the one", "DTSTART:20260830T100000Z"))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	cal := a.ListCalendars()[0]

	// A guessed href may resolve to a resource holding a different event;
	// that must never be handed back as the requested one.
	ev, err := a.GetEvent(context.Background(), cal, "ev-1")
	if err != nil || ev != nil {
		t.Errorf("Expected (nil, nil) when the resource holds another UID, got (%v, %v)", ev, err)
	}
}

func TestCreateOverride(t *testing.T) {
	var putHrefs []string
	var putBodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "GET":
			w.Header().Set("ETag", `"etag-1"`)
			fmt.Fprint(w, icalObject(
				"UID:master-1",
				"SUMMARY:Standup",
				"DTSTART:20260830T090000Z",
				"RRULE:FREQ=DAILY",
			))
		case "PUT":
			raw, _ := io.ReadAll(r.Body)
			putHrefs = append(putHrefs, r.URL.Path)
			putBodies = append(putBodies, string(raw))
			w.Header().Set("ETag", `"etag-new"`)
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	cal := a.ListCalendars()[0]

	newTitle := "Standup (moved)"
	id, err := a.CreateOverride(context.Background(), cal, "master-1", "2026-08-31T09:00:00Z",
		model.EventPatch{Summary: &newTitle})
	if err != nil {
		t.Fatalf("CreateOverride() returned an error: %v", err)
	}
	if id == "" || id == "master-1" {
		t.Errorf("Expected a fresh override id, got %q", id)
	}

	if len(putBodies) != 1 {
		t.Fatalf("Expected 1 PUT, got %d", len(putBodies))
	}
	body := putBodies[0]
	if !strings.Contains(putHrefs[0], id+".ics") {
		t.Errorf("Expected the PUT target to be UID-derived, got %q", putHrefs[0])
	}
	if strings.Contains(body, "RRULE") {
		t.Error("An override must not carry the master's RRULE")
	}
	if !strings.Contains(body, "RECURRENCE-ID") {
		t.Error("Expected a RECURRENCE-ID on the override")
	}
	if !strings.Contains(body, "RELATED-TO:master-1") {
		t.Error("Expected a RELATED-TO link back to the master")
	}
	if !strings.Contains(body, "Standup (moved)") {
		t.Error("Expected the patched summary on the override")
	}
}
