package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	appLog "rollcall/internal/log"
	"rollcall/internal/model"
)

// Imported is one VEVENT mapped onto an event definition. ExDates are the
// start instants of recurrences the calendar excludes; the importer cancels
// the matching occurrences after generation.
type Imported struct {
	UID     string
	Event   model.Event
	ExDates []time.Time
}

// Parse maps the VEVENTs of a calendar onto event definitions.
//
//   - Timed one-off VEVENTs become single events.
//   - Weekly RRULEs (INTERVAL 1, bounded by UNTIL) become recurring events
//     with one time window taken from DTSTART/DTEND.
//   - All-day events, RECURRENCE-ID overrides and other rules are skipped
//     and counted.
//
// Event ids derive from the UID, so importing the same calendar again
// addresses the same events. fallback is the zone for floating times.
func Parse(src Source, body []byte, fallback *time.Location) ([]Imported, int, error) {
	if len(body) == 0 {
		return nil, 0, errors.New("empty ICS body")
	}
	if fallback == nil {
		fallback = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, 0, err
	}

	var (
		out     []Imported
		skipped int
	)
	for _, comp := range cal.Events() {
		imp, perr := parseVEvent(comp, fallback)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Info("ics vevent skipped", "id", src.ID, "uid", imp.UID, "reason", perr.Error())
			skipped++
			continue
		}
		out = append(out, imp)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL),
		"event_count", len(out), "skipped", skipped)
	return out, skipped, nil
}

// EventID is the stable event id for a calendar UID.
func EventID(uid string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("rollcall:ics:"+uid)).String()
}

func parseVEvent(ve *ical.VEvent, fallback *time.Location) (Imported, error) {
	var out Imported

	// UID
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	// RECURRENCE-ID (overridden instance); raw name avoids constant mismatch.
	if ve.GetProperty("RECURRENCE-ID") != nil {
		return out, errors.New("recurrence override")
	}

	ev := model.Event{ID: EventID(out.UID)}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = p.Value
	}
	if ev.Title == "" {
		ev.Title = out.UID
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	if isAllDay(dtStart) {
		return out, errors.New("all-day event")
	}
	loc := propLocation(dtStart, fallback)
	ev.Timezone = loc.String()

	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return out, fmt.Errorf("DTEND: %w", err)
	}
	if isFloating(dtStart) {
		start = rebase(start, loc)
		if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil && isFloating(p) {
			end = rebase(end, loc)
		}
	}
	start, end = start.In(loc), end.In(loc)

	rruleProp := ve.GetProperty(ical.ComponentPropertyRrule)
	if rruleProp == nil {
		ev.Kind = model.EventSingle
		ev.Start, ev.End = start, end
		out.Event = ev
		return out, nil
	}

	rule, err := weeklyRule(rruleProp.Value, start, end, loc)
	if err != nil {
		return out, err
	}
	ev.Kind = model.EventRecurring
	ev.Recurrence = rule
	out.Event = ev

	// EXDATE (can appear multiple times, comma separated)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exLoc := propLocation(p, loc)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, exLoc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}
	return out, nil
}

// weeklyRule accepts the RRULE subset the recurrence model can express.
func weeklyRule(raw string, start, end time.Time, loc *time.Location) (*model.Recurrence, error) {
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return nil, fmt.Errorf("RRULE: %w", err)
	}
	switch {
	case opt.Freq != rrule.WEEKLY:
		return nil, fmt.Errorf("unsupported RRULE frequency %v", opt.Freq)
	case opt.Interval > 1:
		return nil, errors.New("unsupported RRULE interval")
	case opt.Until.IsZero():
		return nil, errors.New("RRULE without UNTIL")
	case len(opt.Bymonth) > 0 || len(opt.Bymonthday) > 0 || len(opt.Bysetpos) > 0:
		return nil, errors.New("unsupported RRULE filter")
	}
	if model.DateOf(start) != model.DateOf(end) {
		return nil, errors.New("occurrence spans midnight")
	}

	rule := &model.Recurrence{
		Windows: []model.TimeWindow{{
			Start: model.TimeOfDay{Hour: start.Hour(), Minute: start.Minute()},
			End:   model.TimeOfDay{Hour: end.Hour(), Minute: end.Minute()},
		}},
		StartDate: model.DateOf(start),
		EndDate:   model.DateOf(opt.Until.In(loc)),
	}
	for _, wd := range opt.Byweekday {
		rule.Weekdays = append(rule.Weekdays, fromRRuleWeekday(wd))
	}
	if len(rule.Weekdays) == 0 {
		rule.Weekdays = []time.Weekday{start.Weekday()}
	}
	return rule, nil
}

// fromRRuleWeekday maps rrule's Monday-first numbering onto time.Weekday.
func fromRRuleWeekday(wd rrule.Weekday) time.Weekday {
	return time.Weekday((wd.Day() + 1) % 7)
}

func isAllDay(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	// VALUE=DATE or no 'T' in the value -> all-day
	return !strings.Contains(p.Value, "T")
}

func isFloating(p *ical.IANAProperty) bool {
	_, hasTZ := p.ICalParameters["TZID"]
	return !hasTZ && !strings.HasSuffix(p.Value, "Z")
}

// propLocation resolves the TZID parameter of p. UTC values and unknown
// zones yield UTC and fallback respectively.
func propLocation(p *ical.IANAProperty, fallback *time.Location) *time.Location {
	if strings.HasSuffix(p.Value, "Z") {
		return time.UTC
	}
	if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		if loc, err := time.LoadLocation(tzs[0]); err == nil {
			return loc
		}
	}
	return fallback
}

// rebase reinterprets the wall clock of t in loc.
func rebase(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
}

// parseICSTime parses a basic ICS date-time string. Values without a zone
// are read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.Time{}, fmt.Errorf("date-only value %q", v)
}
