// Package caldav implements the CalDAV source adapter against Radicale-like
// servers: RFC 4791 calendar-query for windowed listing, RFC 6578
// sync-collection for incremental listing, and conditional PUT/DELETE for
// mutations.
package caldav

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chronos-sync/chronos/internal/config"
	"github.com/chronos-sync/chronos/internal/log"
	"github.com/chronos-sync/chronos/internal/model"
)

const timeRangeFormat = "20060102T150405Z"

// Default listing window when neither bound is given.
const (
	defaultWindowPastDays   = 30
	defaultWindowFutureDays = 400
)

// Adapter is the CalDAV implementation of source.SourceAdapter.
type Adapter struct {
	httpClient *http.Client
	cfg        *config.CalDAVConfig
	markers    config.MarkerConfig
	calendars  []model.CalendarRef

	mu    sync.Mutex
	hrefs map[string]string // calendarID "/" eventID -> object href
}

// New creates a CalDAV adapter from configuration. The HTTP session is
// created once and reused across calls; it belongs to this adapter alone.
func New(cfg *config.CalDAVConfig, markers config.MarkerConfig) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("caldav server URL is empty")
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout(),
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.VerifyTLSEnabled(),
		},
	}

	a := &Adapter{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.ReadTimeout(),
		},
		cfg:     cfg,
		markers: markers,
		hrefs:   make(map[string]string),
	}

	base := strings.TrimSuffix(cfg.URL, "/")
	for _, c := range cfg.Calendars {
		ref := model.CalendarRef{
			ID:       c.ID,
			Alias:    c.Alias,
			URL:      c.URL,
			ReadOnly: c.ReadOnly,
			Timezone: c.Timezone,
		}
		if ref.URL == "" {
			ref.URL = base + "/" + c.ID + "/"
		} else if !strings.Contains(ref.URL, "://") {
			ref.URL = base + "/" + strings.Trim(c.URL, "/") + "/"
		}
		if ref.Timezone == "" {
			ref.Timezone = "UTC"
		}
		a.calendars = append(a.calendars, ref)
	}

	return a, nil
}

// Capabilities requires no network I/O.
func (a *Adapter) Capabilities() model.AdapterCapabilities {
	return model.AdapterCapabilities{
		Name:              "caldav",
		CanWrite:          true,
		SupportsSyncToken: a.cfg.SyncCollectionEnabled(),
		Timezone:          "UTC",
	}
}

// ListCalendars returns the provisioned collections from configuration.
func (a *Adapter) ListCalendars() []model.CalendarRef {
	out := make([]model.CalendarRef, len(a.calendars))
	copy(out, a.calendars)
	return out
}

// Validate probes the server with a depth-0 PROPFIND against the base URL.
func (a *Adapter) Validate(ctx context.Context) error {
	body := `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:"><d:prop><d:displayname/></d:prop></d:propfind>`
	resp, err := a.makeRequest(ctx, "PROPFIND", strings.TrimSuffix(a.cfg.URL, "/")+"/", strings.NewReader(body), "0")
	if err != nil {
		return fmt.Errorf("caldav validation failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("caldav validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Close releases pooled connections. The session must not outlive a backend
// switch.
func (a *Adapter) Close() error {
	a.httpClient.CloseIdleConnections()
	return nil
}

func (a *Adapter) makeRequest(ctx context.Context, method, url string, body io.Reader, depth string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if a.cfg.AuthMode == "basic" {
		req.SetBasicAuth(a.cfg.Username, a.cfg.Password)
	}
	if body != nil && (method == "REPORT" || method == "PROPFIND") {
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}
	if depth != "" {
		req.Header.Set("Depth", depth)
	}
	return a.httpClient.Do(req)
}

// ListEvents lists events incrementally when a sync token is supplied and
// sync-collection is enabled, falling back to a windowed calendar-query on
// any non-207 response. Network failures degrade to an empty result so one
// unreachable calendar never aborts a multi-calendar sweep.
func (a *Adapter) ListEvents(ctx context.Context, cal model.CalendarRef, opts model.ListOptions) (*model.EventListResult, error) {
	if opts.SyncToken != "" && a.cfg.SyncCollectionEnabled() {
		res, err := a.syncCollection(ctx, cal, opts.SyncToken)
		if err == nil {
			return res, nil
		}
		log.Warn("sync-collection failed, falling back to windowed query",
			"calendar", cal.ID, "reason", err)
	}

	since, until := opts.Since, opts.Until
	if since.IsZero() && until.IsZero() {
		now := time.Now().UTC()
		since = now.AddDate(0, 0, -defaultWindowPastDays)
		until = now.AddDate(0, 0, defaultWindowFutureDays)
	}

	res, err := a.calendarQuery(ctx, cal, since, until)
	if err != nil {
		log.Error("calendar-query failed, returning empty result", err, "calendar", cal.ID)
		return &model.EventListResult{}, nil
	}
	return res, nil
}

func (a *Adapter) syncCollection(ctx context.Context, cal model.CalendarRef, token string) (*model.EventListResult, error) {
	body := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<d:sync-collection xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:sync-token>%s</d:sync-token>
  <d:sync-level>1</d:sync-level>
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
</d:sync-collection>`, escapeXML(token))

	resp, err := a.makeRequest(ctx, "REPORT", cal.URL, strings.NewReader(body), "1")
	if err != nil {
		return nil, fmt.Errorf("sync-collection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("sync-collection rejected: HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync-collection response: %w", err)
	}
	return a.parseMultistatus(cal, raw)
}

func (a *Adapter) calendarQuery(ctx context.Context, cal model.CalendarRef, since, until time.Time) (*model.EventListResult, error) {
	body := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:time-range start="%s" end="%s"/>
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`, since.UTC().Format(timeRangeFormat), until.UTC().Format(timeRangeFormat))

	resp, err := a.makeRequest(ctx, "REPORT", cal.URL, strings.NewReader(body), "1")
	if err != nil {
		return nil, fmt.Errorf("calendar-query request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar-query rejected: HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read calendar-query response: %w", err)
	}
	return a.parseMultistatus(cal, raw)
}

type msProp struct {
	GetETag      string `xml:"getetag"`
	CalendarData string `xml:"calendar-data"`
}

type msPropstat struct {
	Status string `xml:"status"`
	Prop   msProp `xml:"prop"`
}

type msResponse struct {
	Href      string       `xml:"href"`
	Status    string       `xml:"status"`
	Propstats []msPropstat `xml:"propstat"`
}

type multistatus struct {
	XMLName   xml.Name     `xml:"multistatus"`
	SyncToken string       `xml:"sync-token"`
	Responses []msResponse `xml:"response"`
}

// parseMultistatus extracts etag + calendar-data pairs from a 207 body.
// Responses without a 200 propstat are silently skipped; during an
// incremental sync these are deletions.
func (a *Adapter) parseMultistatus(cal model.CalendarRef, raw []byte) (*model.EventListResult, error) {
	var ms multistatus
	if err := xml.Unmarshal(raw, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse multistatus XML: %w", err)
	}

	result := &model.EventListResult{SyncToken: ms.SyncToken}
	for _, r := range ms.Responses {
		var etag, data string
		for _, ps := range r.Propstats {
			if strings.Contains(ps.Status, "200") {
				etag = strings.Trim(ps.Prop.GetETag, `"`)
				data = ps.Prop.CalendarData
				break
			}
		}
		if data == "" {
			continue
		}
		if etag == "" {
			log.Warn("skipping calendar object without etag", "calendar", cal.ID, "href", r.Href)
			continue
		}
		events, err := parseCalendarObject(cal, data, etag, r.Href, a.markers)
		if err != nil {
			log.Warn("skipping unparsable calendar object", "calendar", cal.ID, "href", r.Href, "reason", err)
			continue
		}
		for _, ev := range events {
			a.rememberHref(cal.ID, ev.ID, r.Href)
			result.Events = append(result.Events, ev)
		}
	}
	return result, nil
}

func (a *Adapter) rememberHref(calID, eventID, href string) {
	if href == "" {
		return
	}
	a.mu.Lock()
	a.hrefs[calID+"/"+eventID] = href
	a.mu.Unlock()
}

// hrefFor returns the object href recorded at parse time. When no cached
// href exists a best-effort {calendar_url}/{id}.ics is used as last resort;
// that guess can target the wrong resource on servers whose href naming is
// not UID-derived.
func (a *Adapter) hrefFor(cal model.CalendarRef, eventID string) string {
	a.mu.Lock()
	href, ok := a.hrefs[cal.ID+"/"+eventID]
	a.mu.Unlock()
	if ok {
		return a.absoluteURL(href)
	}
	log.Warn("no cached href for event, guessing UID-derived path",
		"calendar", cal.ID, "event", eventID)
	return strings.TrimSuffix(cal.URL, "/") + "/" + eventID + ".ics"
}

// absoluteURL resolves a server-relative href against the configured base.
func (a *Adapter) absoluteURL(href string) string {
	if strings.Contains(href, "://") {
		return href
	}
	base := a.cfg.URL
	if i := strings.Index(base, "://"); i >= 0 {
		if j := strings.Index(base[i+3:], "/"); j >= 0 {
			base = base[:i+3+j]
		}
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(href, "/")
}

// GetEvent fetches one event by id, returning nil (not an error) when the
// event does not exist or the calendar is unreachable.
func (a *Adapter) GetEvent(ctx context.Context, cal model.CalendarRef, eventID string) (*model.NormalizedEvent, error) {
	href := a.hrefFor(cal, eventID)
	resp, err := a.makeRequest(ctx, "GET", href, nil, "")
	if err != nil {
		log.Error("event fetch failed", err, "calendar", cal.ID, "event", eventID)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		log.Warn("event fetch returned unexpected status", "calendar", cal.ID,
			"event", eventID, "status", resp.StatusCode)
		return nil, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("event body read failed", err, "calendar", cal.ID, "event", eventID)
		return nil, nil
	}

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	events, err := parseCalendarObject(cal, string(raw), etag, href, a.markers)
	if err != nil {
		log.Error("event parse failed", err, "calendar", cal.ID, "event", eventID)
		return nil, nil
	}

	for _, ev := range events {
		if ev.ID == eventID {
			return ev, nil
		}
	}
	log.Warn("fetched resource does not contain the requested event",
		"calendar", cal.ID, "event", eventID, "href", href)
	return nil, nil
}

// PatchEvent fetches the current event, merges the patch, and issues a
// conditional PUT. A 412 maps to ConflictError, 401/403 to PermissionError,
// any other non-2xx to ValidationError with the response body.
func (a *Adapter) PatchEvent(ctx context.Context, cal model.CalendarRef, eventID string, patch model.EventPatch, ifMatchETag string) (string, error) {
	if cal.ReadOnly {
		return "", &model.PermissionError{Op: "patch_event", Calendar: cal.ID, Reason: "calendar is read-only"}
	}

	current, err := a.GetEvent(ctx, cal, eventID)
	if err != nil {
		return "", err
	}
	if current == nil {
		return "", &model.ValidationError{Msg: fmt.Sprintf("event %s not found in calendar %s", eventID, cal.ID)}
	}

	merged := applyPatch(current, patch)
	return a.putEvent(ctx, cal, merged, current.Meta.Href, ifMatchETag)
}

func (a *Adapter) putEvent(ctx context.Context, cal model.CalendarRef, ev *model.NormalizedEvent, href, ifMatchETag string) (string, error) {
	body, err := encodeEvent(ev, a.markers)
	if err != nil {
		return "", &model.ValidationError{Msg: err.Error()}
	}
	if href == "" {
		href = a.hrefFor(cal, ev.ID)
	} else {
		href = a.absoluteURL(href)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", href, strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	if a.cfg.AuthMode == "basic" {
		req.SetBasicAuth(a.cfg.Username, a.cfg.Password)
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	if ifMatchETag != "" && a.cfg.IfMatchEnabled() {
		req.Header.Set("If-Match", `"`+strings.Trim(ifMatchETag, `"`)+`"`)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to put event: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		actual := strings.Trim(resp.Header.Get("ETag"), `"`)
		return "", &model.ConflictError{ExpectedETag: ifMatchETag, ActualETag: actual}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &model.PermissionError{Op: "put_event", Calendar: cal.ID,
			Reason: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		a.rememberHref(cal.ID, ev.ID, href)
		newETag := strings.Trim(resp.Header.Get("ETag"), `"`)
		if newETag == "" {
			// Some servers omit the ETag on PUT; re-fetch to honor the
			// non-empty etag invariant.
			if fetched, _ := a.GetEvent(ctx, cal, ev.ID); fetched != nil {
				newETag = fetched.ETag
			}
		}
		return newETag, nil
	default:
		raw, _ := io.ReadAll(resp.Body)
		return "", &model.ValidationError{
			Msg:  fmt.Sprintf("put event failed: HTTP %d", resp.StatusCode),
			Body: string(raw),
		}
	}
}

// CreateEvent PUTs a new object to {calendar_url}/{uid}.ics, generating a
// random UID when the event does not carry one.
func (a *Adapter) CreateEvent(ctx context.Context, cal model.CalendarRef, event *model.NormalizedEvent) (string, error) {
	if cal.ReadOnly {
		return "", &model.PermissionError{Op: "create_event", Calendar: cal.ID, Reason: "calendar is read-only"}
	}

	ev := *event
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	href := strings.TrimSuffix(cal.URL, "/") + "/" + ev.ID + ".ics"
	if _, err := a.putEvent(ctx, cal, &ev, href, ""); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// CreateOverride creates a recurrence exception anchored at recurrenceID.
// The override carries its own UID, a RECURRENCE-ID, and a RELATED-TO link
// back to the master so GetSeriesMaster can resolve it.
func (a *Adapter) CreateOverride(ctx context.Context, cal model.CalendarRef, masterID, recurrenceID string, patch model.EventPatch) (string, error) {
	if cal.ReadOnly {
		return "", &model.PermissionError{Op: "create_override", Calendar: cal.ID, Reason: "calendar is read-only"}
	}

	master, err := a.GetEvent(ctx, cal, masterID)
	if err != nil {
		return "", err
	}
	if master == nil {
		return "", &model.ValidationError{Msg: fmt.Sprintf("series master %s not found in calendar %s", masterID, cal.ID)}
	}

	override := applyPatch(master, patch)
	override.ID = uuid.NewString()
	override.ETag = ""
	override.RRule = ""
	override.RecurrenceID = recurrenceID
	override.Meta.MasterID = masterID
	override.Meta.Href = ""

	return a.CreateEvent(ctx, cal, override)
}

// GetSeriesMaster resolves an exception instance back to its master, or
// returns the event itself if it already is the master.
func (a *Adapter) GetSeriesMaster(ctx context.Context, cal model.CalendarRef, eventID string) (*model.NormalizedEvent, error) {
	ev, err := a.GetEvent(ctx, cal, eventID)
	if err != nil || ev == nil {
		return nil, err
	}
	if ev.RecurrenceID == "" {
		return ev, nil
	}
	if ev.Meta.MasterID == "" {
		log.Warn("override has no master link", "calendar", cal.ID, "event", eventID)
		return nil, nil
	}
	return a.GetEvent(ctx, cal, ev.Meta.MasterID)
}

// DeleteEvent issues DELETE and treats 200/204/404 as success, so deleting
// an already-deleted id is a no-op that reports true.
func (a *Adapter) DeleteEvent(ctx context.Context, cal model.CalendarRef, eventID string) (bool, error) {
	if cal.ReadOnly {
		return false, &model.PermissionError{Op: "delete_event", Calendar: cal.ID, Reason: "calendar is read-only"}
	}

	href := a.hrefFor(cal, eventID)
	resp, err := a.makeRequest(ctx, "DELETE", href, nil, "")
	if err != nil {
		return false, fmt.Errorf("failed to delete event: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		a.mu.Lock()
		delete(a.hrefs, cal.ID+"/"+eventID)
		a.mu.Unlock()
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, &model.PermissionError{Op: "delete_event", Calendar: cal.ID,
			Reason: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	default:
		return false, &model.ValidationError{Msg: fmt.Sprintf("delete event failed: HTTP %d", resp.StatusCode)}
	}
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
