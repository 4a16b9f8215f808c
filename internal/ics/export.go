// Package ics renders stored occurrences as an RFC 5545 calendar feed.
package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"rollcall/internal/model"
)

const productID = "-//rollcall//occurrences//EN"

// PropertyEventID carries the owning event id on every VEVENT.
const PropertyEventID ical.ComponentProperty = "X-ROLLCALL-EVENT-ID"

// Encode builds a VCALENDAR with one VEVENT per occurrence.
//
//   - UID is the occurrence id, so subscribers see a rescheduled occurrence
//     as the same entry.
//   - Cancelled occurrences stay in the feed with STATUS:CANCELLED.
//   - Times are written in UTC; now becomes DTSTAMP.
func Encode(ev model.Event, occs []model.Occurrence, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName(ev.Title)
	if ev.Timezone != "" {
		cal.SetXWRTimezone(ev.Timezone)
	}

	stamp := now.UTC()
	for _, occ := range occs {
		vev := cal.AddEvent(occ.ID)
		vev.SetDtStampTime(stamp)
		vev.SetStartAt(occ.Start.UTC())
		vev.SetEndAt(occ.End.UTC())
		vev.SetSummary(ev.Title)
		if ev.Description != "" {
			vev.SetDescription(ev.Description)
		}
		if !occ.CreatedAt.IsZero() {
			vev.SetCreatedTime(occ.CreatedAt.UTC())
		}
		if !occ.UpdatedAt.IsZero() {
			vev.SetModifiedAt(occ.UpdatedAt.UTC())
		}
		vev.SetStatus(status(occ.Status))
		vev.SetProperty(PropertyEventID, ev.ID)
	}
	return cal.Serialize()
}

func status(s model.OccurrenceStatus) ical.ObjectStatus {
	if s == model.OccurrenceCancelled {
		return ical.ObjectStatusCancelled
	}
	return ical.ObjectStatusConfirmed
}
