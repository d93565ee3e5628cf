package caldav

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/chronos-sync/chronos/internal/config"
	"github.com/chronos-sync/chronos/internal/model"
)

const prodID = "-//Chronos//Calendar Sync//EN"

// relatedToProp links a recurrence override resource back to its master UID.
const relatedToProp = "RELATED-TO"

// markerPropNames maps the fixed marker keys to the configured iCalendar
// property names. Every writer must use the same configured names so
// round-trips are stable.
func markerPropNames(mk config.MarkerConfig) map[string]string {
	return map[string]string{
		model.MarkerCleaned:         mk.Cleaned,
		model.MarkerRuleID:          mk.RuleID,
		model.MarkerSignature:       mk.Signature,
		model.MarkerOriginalSummary: mk.OriginalSummary,
		model.MarkerPayload:         mk.Payload,
	}
}

// parseCalendarObject parses one iCalendar resource into normalized events.
// A resource usually holds a single VEVENT, but a master and its overrides
// may share one object.
func parseCalendarObject(cal model.CalendarRef, icalText, etag, href string, mk config.MarkerConfig) ([]*model.NormalizedEvent, error) {
	dec := ical.NewDecoder(strings.NewReader(icalText))
	parsed, err := dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse iCalendar data: %w", err)
	}

	loc := calendarLocation(cal)

	var events []*model.NormalizedEvent
	for _, comp := range parsed.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		ev, err := eventFromComponent(cal, comp, etag, href, icalText, mk, loc)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no VEVENT found in calendar object %s", href)
	}
	return events, nil
}

func calendarLocation(cal model.CalendarRef) *time.Location {
	if cal.Timezone != "" {
		if loc, err := time.LoadLocation(cal.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

func eventFromComponent(cal model.CalendarRef, comp *ical.Component, etag, href, raw string, mk config.MarkerConfig, loc *time.Location) (*model.NormalizedEvent, error) {
	uid := comp.Props.Get(ical.PropUID)
	if uid == nil || uid.Value == "" {
		return nil, fmt.Errorf("VEVENT in %s is missing UID", href)
	}

	ev := &model.NormalizedEvent{
		ID:         uid.Value,
		ETag:       etag,
		CalendarID: cal.ID,
		Timezone:   cal.Timezone,
		Meta: model.EventMeta{
			Calendar: &cal,
			Markers:  map[string]string{},
			Href:     href,
			Raw:      raw,
		},
	}

	if p := comp.Props.Get(ical.PropSummary); p != nil {
		ev.Summary = p.Value
	}
	if p := comp.Props.Get(ical.PropDescription); p != nil {
		ev.Description = p.Value
	}

	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("VEVENT %s is missing DTSTART", ev.ID)
	}
	ev.AllDay = dtstart.Params.Get("VALUE") == "DATE"
	start, err := dtstart.DateTime(loc)
	if err != nil {
		return nil, fmt.Errorf("VEVENT %s has invalid DTSTART: %w", ev.ID, err)
	}
	ev.StartTime = normalizeTime(start, ev.AllDay)

	if dtend := comp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		end, err := dtend.DateTime(loc)
		if err != nil {
			return nil, fmt.Errorf("VEVENT %s has invalid DTEND: %w", ev.ID, err)
		}
		// DTEND is exclusive per RFC 5545; the raw value is used as-is.
		ev.EndTime = normalizeTime(end, ev.AllDay)
	} else if ev.AllDay {
		ev.EndTime = ev.StartTime.AddDate(0, 0, 1)
	} else {
		ev.EndTime = ev.StartTime.Add(time.Hour)
	}

	if p := comp.Props.Get("RRULE"); p != nil {
		ev.RRule = p.Value
	}
	if p := comp.Props.Get("RECURRENCE-ID"); p != nil {
		rid, err := p.DateTime(loc)
		if err != nil {
			return nil, fmt.Errorf("VEVENT %s has invalid RECURRENCE-ID: %w", ev.ID, err)
		}
		ev.RecurrenceID = rid.UTC().Format(time.RFC3339)
	}
	if p := comp.Props.Get(relatedToProp); p != nil {
		ev.Meta.MasterID = p.Value
	}

	for key, name := range markerPropNames(mk) {
		if p := comp.Props.Get(name); p != nil && p.Value != "" {
			ev.Meta.Markers[key] = p.Value
		}
	}

	return ev, nil
}

// normalizeTime converts to UTC and, for all-day values, pins the time to
// midnight so the event carries a pure calendar date.
func normalizeTime(t time.Time, allDay bool) time.Time {
	if allDay {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return t.UTC()
}

// encodeEvent serializes a normalized event to an iCalendar object ready for
// PUT. Markers are written under the configured X- property names.
func encodeEvent(ev *model.NormalizedEvent, mk config.MarkerConfig) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)

	vevent := ical.NewComponent(ical.CompEvent)
	cal.Children = append(cal.Children, vevent)

	vevent.Props.SetText(ical.PropUID, ev.ID)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())

	if ev.Summary != "" {
		vevent.Props.SetText(ical.PropSummary, ev.Summary)
	}
	if ev.Description != "" {
		vevent.Props.SetText(ical.PropDescription, ev.Description)
	}

	if ev.AllDay {
		dtstart := ical.NewProp(ical.PropDateTimeStart)
		dtstart.SetDate(ev.StartTime)
		vevent.Props.Set(dtstart)

		dtend := ical.NewProp(ical.PropDateTimeEnd)
		dtend.SetDate(ev.EndTime)
		vevent.Props.Set(dtend)
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, ev.StartTime.UTC())
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, ev.EndTime.UTC())
	}

	if ev.RRule != "" {
		// Raw prop: SetText would escape rule separators.
		p := ical.NewProp("RRULE")
		p.Value = ev.RRule
		vevent.Props.Set(p)
	}
	if ev.RecurrenceID != "" {
		rid, err := time.Parse(time.RFC3339, ev.RecurrenceID)
		if err != nil {
			return nil, fmt.Errorf("invalid recurrence id %q: %w", ev.RecurrenceID, err)
		}
		vevent.Props.SetDateTime("RECURRENCE-ID", rid.UTC())
	}
	if ev.Meta.MasterID != "" {
		vevent.Props.SetText(relatedToProp, ev.Meta.MasterID)
	}

	names := markerPropNames(mk)
	for key, value := range ev.Meta.Markers {
		name, ok := names[key]
		if !ok || value == "" {
			continue
		}
		// Raw props: SetText adds VALUE=TEXT and escapes the JSON payload
		// marker, which the parse side reads back verbatim.
		p := ical.NewProp(name)
		p.Value = value
		vevent.Props.Set(p)
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode iCalendar: %w", err)
	}
	return buf.Bytes(), nil
}

// applyPatch merges a partial update into a copy of the current event.
// Nil pointer fields are left untouched; a non-nil marker map replaces the
// stored marker set wholesale.
func applyPatch(ev *model.NormalizedEvent, patch model.EventPatch) *model.NormalizedEvent {
	merged := *ev
	if patch.Summary != nil {
		merged.Summary = *patch.Summary
	}
	if patch.Description != nil {
		merged.Description = *patch.Description
	}
	if patch.StartTime != nil {
		merged.StartTime = patch.StartTime.UTC()
	}
	if patch.EndTime != nil {
		merged.EndTime = patch.EndTime.UTC()
	}
	if patch.AllDay != nil {
		merged.AllDay = *patch.AllDay
	}
	if patch.RRule != nil {
		merged.RRule = *patch.RRule
	}
	if patch.Markers != nil {
		merged.Meta.Markers = patch.Markers
	}
	return &merged
}
