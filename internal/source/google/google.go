// Package google implements the REST calendar source adapter. It is a thin
// translation layer over the Google Calendar API: JSON events are normalized
// the same way the CalDAV adapter normalizes VEVENTs, recurrence exceptions
// are detected via recurringEventId, and idempotency markers live in a
// private extended-properties namespace. Conflicts surface as the same
// ConflictError shape CalDAV produces, so callers never branch on backend.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/chronos-sync/chronos/internal/config"
	"github.com/chronos-sync/chronos/internal/log"
	"github.com/chronos-sync/chronos/internal/model"
)

const dateOnly = "2006-01-02"

// Adapter is the REST implementation of source.SourceAdapter.
type Adapter struct {
	svc       *calendar.Service
	namespace string
	calendars []model.CalendarRef
}

// New creates a Google adapter. The OAuth session is created once and reused
// across calls.
func New(ctx context.Context, cfg *config.GoogleConfig) (*Adapter, error) {
	httpClient, err := authenticatedClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return newWithService(svc, cfg), nil
}

func newWithService(svc *calendar.Service, cfg *config.GoogleConfig) *Adapter {
	a := &Adapter{svc: svc, namespace: cfg.Namespace}
	for _, c := range cfg.Calendars {
		ref := model.CalendarRef{
			ID:       c.ID,
			Alias:    c.Alias,
			URL:      c.URL,
			ReadOnly: c.ReadOnly,
			Timezone: c.Timezone,
		}
		if ref.URL == "" {
			// For the REST backend the "URL" is the remote calendar id.
			ref.URL = c.ID
		}
		if ref.Timezone == "" {
			ref.Timezone = "UTC"
		}
		a.calendars = append(a.calendars, ref)
	}
	return a
}

// Capabilities requires no network I/O.
func (a *Adapter) Capabilities() model.AdapterCapabilities {
	return model.AdapterCapabilities{
		Name:              "google",
		CanWrite:          true,
		SupportsSyncToken: true,
		Timezone:          "UTC",
	}
}

// ListCalendars returns the provisioned collections from configuration.
func (a *Adapter) ListCalendars() []model.CalendarRef {
	out := make([]model.CalendarRef, len(a.calendars))
	copy(out, a.calendars)
	return out
}

// Validate issues a minimal listing against the first provisioned calendar.
func (a *Adapter) Validate(ctx context.Context) error {
	if len(a.calendars) == 0 {
		return errors.New("no calendars provisioned")
	}
	_, err := a.svc.Events.List(a.calendars[0].URL).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("google validation failed: %w", err)
	}
	return nil
}

// ListEvents lists incrementally when a sync token is supplied; an expired
// token (HTTP 410) falls open to a windowed listing. Other errors degrade to
// an empty result on this read path.
func (a *Adapter) ListEvents(ctx context.Context, cal model.CalendarRef, opts model.ListOptions) (*model.EventListResult, error) {
	if opts.SyncToken != "" {
		res, err := a.listIncremental(ctx, cal, opts)
		if err == nil {
			return res, nil
		}
		log.Warn("incremental listing failed, falling back to windowed",
			"calendar", cal.ID, "reason", err)
	}
	return a.listWindowed(ctx, cal, opts)
}

func (a *Adapter) listIncremental(ctx context.Context, cal model.CalendarRef, opts model.ListOptions) (*model.EventListResult, error) {
	call := a.svc.Events.List(cal.URL).SyncToken(opts.SyncToken).Context(ctx)
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}
	listing, err := call.Do()
	if err != nil {
		return nil, err
	}
	return a.normalizeListing(cal, listing), nil
}

func (a *Adapter) listWindowed(ctx context.Context, cal model.CalendarRef, opts model.ListOptions) (*model.EventListResult, error) {
	since, until := opts.Since, opts.Until
	if since.IsZero() && until.IsZero() {
		now := time.Now().UTC()
		since = now.AddDate(0, 0, -30)
		until = now.AddDate(0, 0, 400)
	}

	call := a.svc.Events.List(cal.URL).
		TimeMin(since.UTC().Format(time.RFC3339)).
		TimeMax(until.UTC().Format(time.RFC3339)).
		Context(ctx)
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}
	listing, err := call.Do()
	if err != nil {
		log.Error("event listing failed, returning empty result", err, "calendar", cal.ID)
		return &model.EventListResult{}, nil
	}
	return a.normalizeListing(cal, listing), nil
}

func (a *Adapter) normalizeListing(cal model.CalendarRef, listing *calendar.Events) *model.EventListResult {
	result := &model.EventListResult{
		NextPageToken: listing.NextPageToken,
		SyncToken:     listing.NextSyncToken,
	}
	for _, item := range listing.Items {
		if item.Status == "cancelled" {
			// Incremental deltas report deletions as cancelled stubs.
			continue
		}
		ev, err := normalizeEvent(cal, item, a.namespace)
		if err != nil {
			log.Warn("skipping unparsable event", "calendar", cal.ID, "event", item.Id, "reason", err)
			continue
		}
		result.Events = append(result.Events, ev)
	}
	return result
}

// GetEvent returns nil (not an error) when the event does not exist or the
// backend is unreachable.
func (a *Adapter) GetEvent(ctx context.Context, cal model.CalendarRef, eventID string) (*model.NormalizedEvent, error) {
	item, err := a.svc.Events.Get(cal.URL, eventID).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == 404 || gerr.Code == 410) {
			return nil, nil
		}
		log.Error("event fetch failed", err, "calendar", cal.ID, "event", eventID)
		return nil, nil
	}
	ev, err := normalizeEvent(cal, item, a.namespace)
	if err != nil {
		log.Error("event normalization failed", err, "calendar", cal.ID, "event", eventID)
		return nil, nil
	}
	return ev, nil
}

// PatchEvent issues a conditional partial update. A 412 maps to
// ConflictError, 401/403 to PermissionError.
func (a *Adapter) PatchEvent(ctx context.Context, cal model.CalendarRef, eventID string, patch model.EventPatch, ifMatchETag string) (string, error) {
	if cal.ReadOnly {
		return "", &model.PermissionError{Op: "patch_event", Calendar: cal.ID, Reason: "calendar is read-only"}
	}

	body := denormalizePatch(patch, a.namespace)
	call := a.svc.Events.Patch(cal.URL, eventID, body).SendUpdates("none").Context(ctx)
	if ifMatchETag != "" {
		call.Header().Set("If-Match", ifMatchETag)
	}

	updated, err := call.Do()
	if err != nil {
		return "", mapWriteError(err, cal, "patch_event", ifMatchETag)
	}
	return updated.Etag, nil
}

// CreateOverride inserts a recurrence exception anchored at recurrenceID.
func (a *Adapter) CreateOverride(ctx context.Context, cal model.CalendarRef, masterID, recurrenceID string, patch model.EventPatch) (string, error) {
	if cal.ReadOnly {
		return "", &model.PermissionError{Op: "create_override", Calendar: cal.ID, Reason: "calendar is read-only"}
	}

	orig, err := time.Parse(time.RFC3339, recurrenceID)
	if err != nil {
		return "", &model.ValidationError{Msg: fmt.Sprintf("invalid recurrence id %q: %v", recurrenceID, err)}
	}

	body := denormalizePatch(patch, a.namespace)
	body.RecurringEventId = masterID
	body.OriginalStartTime = &calendar.EventDateTime{DateTime: orig.UTC().Format(time.RFC3339)}

	created, err := a.svc.Events.Insert(cal.URL, body).SendUpdates("none").Context(ctx).Do()
	if err != nil {
		return "", mapWriteError(err, cal, "create_override", "")
	}
	return created.Id, nil
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

// CreateEvent inserts a new event and returns its id.
func (a *Adapter) CreateEvent(ctx context.Context, cal model.CalendarRef, event *model.NormalizedEvent) (string, error) {
	if cal.ReadOnly {
		return "", &model.PermissionError{Op: "create_event", Calendar: cal.ID, Reason: "calendar is read-only"}
	}

	body := denormalizeEvent(event, a.namespace)
	created, err := a.svc.Events.Insert(cal.URL, body).SendUpdates("none").Context(ctx).Do()
	if err != nil {
		return "", mapWriteError(err, cal, "create_event", "")
	}
	return created.Id, nil
}

// DeleteEvent deletes an event; deleting an id that is already gone (404 or
// 410) reports true.
func (a *Adapter) DeleteEvent(ctx context.Context, cal model.CalendarRef, eventID string) (bool, error) {
	if cal.ReadOnly {
		return false, &model.PermissionError{Op: "delete_event", Calendar: cal.ID, Reason: "calendar is read-only"}
	}

	err := a.svc.Events.Delete(cal.URL, eventID).SendUpdates("none").Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == 404 || gerr.Code == 410) {
			return true, nil
		}
		return false, mapWriteError(err, cal, "delete_event", "")
	}
	return true, nil
}

func mapWriteError(err error, cal model.CalendarRef, op, ifMatchETag string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 412:
			return &model.ConflictError{ExpectedETag: ifMatchETag}
		case 401, 403:
			return &model.PermissionError{Op: op, Calendar: cal.ID, Reason: gerr.Message}
		default:
			return &model.ValidationError{
				Msg:  fmt.Sprintf("%s failed: HTTP %d", op, gerr.Code),
				Body: gerr.Message,
			}
		}
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

// normalizeEvent maps a REST event to the canonical representation.
func normalizeEvent(cal model.CalendarRef, item *calendar.Event, namespace string) (*model.NormalizedEvent, error) {
	if item.Id == "" {
		return nil, errors.New("event has no id")
	}

	ev := &model.NormalizedEvent{
		ID:          item.Id,
		ETag:        item.Etag,
		Summary:     item.Summary,
		Description: item.Description,
		CalendarID:  cal.ID,
		Timezone:    cal.Timezone,
		Meta: model.EventMeta{
			Calendar: &cal,
			Markers:  map[string]string{},
			Raw:      item,
		},
	}

	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return nil, fmt.Errorf("invalid start time: %w", err)
	}
	if start.IsZero() {
		return nil, errors.New("event has no start time")
	}
	ev.StartTime = start
	ev.AllDay = allDay
	if item.Start != nil && item.Start.TimeZone != "" {
		ev.Timezone = item.Start.TimeZone
	}

	end, _, err := parseEventTime(item.End)
	if err != nil {
		return nil, fmt.Errorf("invalid end time: %w", err)
	}
	switch {
	case !end.IsZero():
		// The end date of an all-day event is exclusive already.
		ev.EndTime = end
	case allDay:
		ev.EndTime = start.AddDate(0, 0, 1)
	default:
		ev.EndTime = start.Add(time.Hour)
	}

	for _, r := range item.Recurrence {
		if strings.HasPrefix(r, "RRULE:") {
			ev.RRule = strings.TrimPrefix(r, "RRULE:")
			break
		}
	}

	if item.RecurringEventId != "" {
		ev.Meta.MasterID = item.RecurringEventId
		orig, _, err := parseEventTime(item.OriginalStartTime)
		if err != nil {
			return nil, fmt.Errorf("invalid original start time: %w", err)
		}
		if !orig.IsZero() {
			ev.RecurrenceID = orig.Format(time.RFC3339)
		}
	}

	if item.ExtendedProperties != nil && item.ExtendedProperties.Private != nil {
		prefix := namespace + "."
		for k, v := range item.ExtendedProperties.Private {
			if strings.HasPrefix(k, prefix) {
				ev.Meta.Markers[strings.TrimPrefix(k, prefix)] = v
			}
		}
	}

	return ev, nil
}

func parseEventTime(edt *calendar.EventDateTime) (t time.Time, allDay bool, err error) {
	if edt == nil {
		return time.Time{}, false, nil
	}
	if edt.Date != "" {
		d, err := time.Parse(dateOnly, edt.Date)
		if err != nil {
			return time.Time{}, false, err
		}
		return d.UTC(), true, nil
	}
	if edt.DateTime != "" {
		dt, err := time.Parse(time.RFC3339, edt.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return dt.UTC(), false, nil
	}
	return time.Time{}, false, nil
}

// denormalizePatch maps a partial update to the REST shape. Only fields the
// patch names are sent.
func denormalizePatch(patch model.EventPatch, namespace string) *calendar.Event {
	body := &calendar.Event{}
	if patch.Summary != nil {
		body.Summary = *patch.Summary
		if *patch.Summary == "" {
			body.ForceSendFields = append(body.ForceSendFields, "Summary")
		}
	}
	if patch.Description != nil {
		body.Description = *patch.Description
		if *patch.Description == "" {
			body.ForceSendFields = append(body.ForceSendFields, "Description")
		}
	}

	allDay := patch.AllDay != nil && *patch.AllDay
	if patch.StartTime != nil {
		body.Start = eventDateTime(*patch.StartTime, allDay)
	}
	if patch.EndTime != nil {
		body.End = eventDateTime(*patch.EndTime, allDay)
	}
	if patch.RRule != nil {
		if *patch.RRule != "" {
			body.Recurrence = []string{"RRULE:" + *patch.RRule}
		} else {
			body.Recurrence = []string{}
			body.ForceSendFields = append(body.ForceSendFields, "Recurrence")
		}
	}
	if patch.Markers != nil {
		private := make(map[string]string, len(patch.Markers))
		for k, v := range patch.Markers {
			private[namespace+"."+k] = v
		}
		body.ExtendedProperties = &calendar.EventExtendedProperties{Private: private}
	}
	return body
}

func denormalizeEvent(ev *model.NormalizedEvent, namespace string) *calendar.Event {
	body := &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       eventDateTime(ev.StartTime, ev.AllDay),
		End:         eventDateTime(ev.EndTime, ev.AllDay),
	}
	if ev.RRule != "" {
		body.Recurrence = []string{"RRULE:" + ev.RRule}
	}
	if len(ev.Meta.Markers) > 0 {
		private := make(map[string]string, len(ev.Meta.Markers))
		for k, v := range ev.Meta.Markers {
			private[namespace+"."+k] = v
		}
		body.ExtendedProperties = &calendar.EventExtendedProperties{Private: private}
	}
	return body
}

func eventDateTime(t time.Time, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.UTC().Format(dateOnly)}
	}
	return &calendar.EventDateTime{DateTime: t.UTC().Format(time.RFC3339)}
}
