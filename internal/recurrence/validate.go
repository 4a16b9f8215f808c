package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "rollcall/internal/errors"
	"rollcall/internal/model"
)

// Validate checks an event definition before any occurrence exists.
// Failures carry CodeValidation.
func Validate(ev model.Event) error {
	if strings.TrimSpace(ev.Title) == "" {
		return invalid("event title is required")
	}
	if ev.Capacity < 0 {
		return invalid("capacity must not be negative")
	}
	if _, err := ev.Location(); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, fmt.Sprintf("unknown timezone %q", ev.Timezone), err)
	}

	switch ev.Kind {
	case model.EventSingle:
		if ev.Start.IsZero() || ev.End.IsZero() {
			return invalid("single event needs start and end")
		}
		if !ev.End.After(ev.Start) {
			return invalid("event end must be after start")
		}
		return nil
	case model.EventRecurring:
		return validateRecurrence(ev.Recurrence)
	default:
		return invalid(fmt.Sprintf("unknown event kind %q", ev.Kind))
	}
}

func validateRecurrence(rec *model.Recurrence) error {
	if rec == nil {
		return invalid("recurring event needs a recurrence rule")
	}
	if len(rec.Weekdays) == 0 {
		return invalid("recurrence weekday set is empty")
	}
	for _, d := range rec.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return invalid(fmt.Sprintf("invalid weekday %d", d))
		}
	}
	if rec.StartDate.IsZero() || rec.EndDate.IsZero() {
		return invalid("recurrence needs start and end dates")
	}
	if rec.EndDate.Before(rec.StartDate) {
		return invalid("recurrence end date is before start date")
	}
	if len(rec.Windows) == 0 {
		return invalid("recurrence needs at least one time window")
	}

	windows := append([]model.TimeWindow(nil), rec.Windows...)
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Start.Minutes() < windows[j].Start.Minutes()
	})
	for i, w := range windows {
		if !validClock(w.Start) || !validClock(w.End) {
			return invalid(fmt.Sprintf("time window %s-%s is out of range", w.Start, w.End))
		}
		if w.End.Minutes() <= w.Start.Minutes() {
			return invalid(fmt.Sprintf("time window %s-%s must end after it starts", w.Start, w.End))
		}
		// Occurrences of one event never overlap.
		if i > 0 && w.Start.Minutes() < windows[i-1].End.Minutes() {
			return invalid(fmt.Sprintf("time windows %s-%s and %s-%s overlap",
				windows[i-1].Start, windows[i-1].End, w.Start, w.End))
		}
	}
	return nil
}

func validClock(t model.TimeOfDay) bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

func invalid(msg string) error {
	return apperrors.New(apperrors.CodeValidation, msg)
}
