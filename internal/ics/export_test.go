package ics

import (
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"

	"rollcall/internal/model"
)

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC)
	ev := model.Event{ID: "evt-1", Title: "Saturday Club", Description: "Chess and games", Timezone: "UTC"}
	occs := []model.Occurrence{
		{ID: "occ-1", EventID: ev.ID, Start: start, End: start.Add(3 * time.Hour), Status: model.OccurrenceCompleted},
		{ID: "occ-2", EventID: ev.ID, Start: start.AddDate(0, 0, 7), End: start.AddDate(0, 0, 7).Add(3 * time.Hour), Status: model.OccurrenceCancelled},
	}

	body := Encode(ev, occs, start)
	cal, err := ical.ParseCalendar(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse: %v\n%s", err, body)
	}
	events := cal.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	for i, vev := range events {
		if uid := vev.GetProperty(ical.ComponentPropertyUniqueId); uid == nil || uid.Value != occs[i].ID {
			t.Fatalf("event %d: unexpected uid %v", i, uid)
		}
		gotStart, err := vev.GetStartAt()
		if err != nil || !gotStart.Equal(occs[i].Start) {
			t.Fatalf("event %d: start %v (%v), want %v", i, gotStart, err, occs[i].Start)
		}
		gotEnd, err := vev.GetEndAt()
		if err != nil || !gotEnd.Equal(occs[i].End) {
			t.Fatalf("event %d: end %v (%v), want %v", i, gotEnd, err, occs[i].End)
		}
		if p := vev.GetProperty(PropertyEventID); p == nil || p.Value != ev.ID {
			t.Fatalf("event %d: missing event id property", i)
		}
	}

	statuses := []string{"CONFIRMED", "CANCELLED"}
	for i, vev := range events {
		p := vev.GetProperty(ical.ComponentPropertyStatus)
		if p == nil || p.Value != statuses[i] {
			t.Fatalf("event %d: status %v, want %s", i, p, statuses[i])
		}
	}
	if !strings.Contains(body, "SUMMARY:Saturday Club") {
		t.Fatalf("summary missing:\n%s", body)
	}
}

func TestEncodeEmpty(t *testing.T) {
	t.Parallel()

	body := Encode(model.Event{ID: "evt", Title: "Nothing yet"}, nil, time.Now())
	if !strings.HasPrefix(body, "BEGIN:VCALENDAR") || strings.Contains(body, "BEGIN:VEVENT") {
		t.Fatalf("unexpected body:\n%s", body)
	}
}
