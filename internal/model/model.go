package model

import (
	"time"
)

// EventKind distinguishes one-off events from weekly recurring ones.
type EventKind string

const (
	EventSingle    EventKind = "single"
	EventRecurring EventKind = "recurring"
)

// Event is an activity definition before recurrence expansion.
type Event struct {
	ID          string
	Title       string
	Description string
	Kind        EventKind

	// Timezone is the IANA zone in which recurrence wall-clock times apply.
	Timezone string

	// Start / End are used by single events only.
	Start time.Time
	End   time.Time

	// Recurrence is set for recurring events only.
	Recurrence *Recurrence

	// Capacity caps concurrently checked-in participants per occurrence.
	// Zero means unlimited.
	Capacity int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location resolves the event timezone. An empty name means UTC.
func (e Event) Location() (*time.Location, error) {
	if e.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(e.Timezone)
}

// Recurrence is a weekly rule: every listed weekday between StartDate and
// EndDate (inclusive), once per time window.
type Recurrence struct {
	Weekdays  []time.Weekday `json:"weekdays"`
	Windows   []TimeWindow   `json:"time_windows"`
	StartDate Date           `json:"-"`
	EndDate   Date           `json:"-"`
}

// TimeWindow is a daily wall-clock slot; End must be after Start on the same day.
type TimeWindow struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// OccurrenceStatus is the lifecycle state of one concrete occurrence.
type OccurrenceStatus string

const (
	OccurrenceScheduled OccurrenceStatus = "scheduled"
	OccurrenceCompleted OccurrenceStatus = "completed"
	OccurrenceCancelled OccurrenceStatus = "cancelled"
)

// Occurrence is a single concrete instance of an event.
type Occurrence struct {
	ID      string
	EventID string
	Start   time.Time
	End     time.Time
	Status  OccurrenceStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Category is derived from a participant's birth date, never stored.
type Category string

const (
	CategoryMinor Category = "minor"
	CategoryAdult Category = "adult"
)

// Participant is a person who may attend events.
type Participant struct {
	ID        string
	FullName  string
	BirthDate Date
	Phone     string
	Notes     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgeOn returns the participant's age in whole years on the given date.
func (p Participant) AgeOn(on Date) int {
	years := on.Year - p.BirthDate.Year
	if on.Month < p.BirthDate.Month || (on.Month == p.BirthDate.Month && on.Day < p.BirthDate.Day) {
		years--
	}
	return years
}

// CategoryAt classifies the participant at instant now, where majorityAge is
// the age at which a participant stops being a minor. The calendar date of
// now is taken in loc; nil means UTC.
func (p Participant) CategoryAt(now time.Time, loc *time.Location, majorityAge int) Category {
	if loc == nil {
		loc = time.UTC
	}
	if p.AgeOn(DateOf(now.In(loc))) < majorityAge {
		return CategoryMinor
	}
	return CategoryAdult
}

// AttendanceStatus is the state of one attendance record.
type AttendanceStatus string

const (
	AttendanceCheckedIn  AttendanceStatus = "checked_in"
	AttendanceCheckedOut AttendanceStatus = "checked_out"
)

// Attendance records one participant's presence at one occurrence.
type Attendance struct {
	ID            string
	ParticipantID string
	OccurrenceID  string
	Status        AttendanceStatus

	CheckedInAt time.Time
	CheckedInBy string

	// SafetyCodeHash is set only for minors. It embeds its own salt.
	SafetyCodeHash string

	CheckedOutAt *time.Time
	CheckedOutBy string
}

// Open reports whether the attendance is still awaiting check-out.
func (a Attendance) Open() bool {
	return a.Status == AttendanceCheckedIn
}

// RequiresCode reports whether check-out needs safety-code verification.
func (a Attendance) RequiresCode() bool {
	return a.SafetyCodeHash != ""
}

// Actor is the already-authenticated caller of an engine operation.
// Privileged is the resolved organizer/admin capability; the engine performs
// no role lookup of its own.
type Actor struct {
	ID         string
	Privileged bool
}
