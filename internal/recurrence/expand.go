package recurrence

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "rollcall/internal/log"
	"rollcall/internal/model"
)

const (
	defaultMaxOccurrences = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// From / To bound the calendar dates (inclusive, in the event's zone)
	// whose occurrences are produced. A zero value leaves that side open.
	From model.Date
	To   model.Date

	// MaxOccurrences caps one expansion. If zero, defaultMaxOccurrences is used.
	MaxOccurrences int
}

// Span is one concrete [Start, End) occurrence window.
type Span struct {
	Start time.Time
	End   time.Time
}

// ExpandResult wraps the ordered spans and whether the cap cut them short.
type ExpandResult struct {
	Spans     []Span
	Truncated bool
}

// Expand turns an event definition into its ordered occurrence spans.
// It is pure: the same event and config always yield the same spans.
//
//   - Single events yield exactly their own start/end.
//   - Recurring events yield one span per matching weekday per time window
//     between the rule's dates clipped to [cfg.From, cfg.To].
//
// Degenerate rules (no weekdays, no windows, end date before start date)
// yield nothing; Validate reports them as errors at creation time.
func Expand(ev model.Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = defaultMaxOccurrences
	}

	switch ev.Kind {
	case model.EventSingle:
		result.Spans = []Span{{Start: ev.Start, End: ev.End}}
		return result, nil
	case model.EventRecurring:
	default:
		return result, errors.New("expand: unknown event kind " + string(ev.Kind))
	}

	rec := ev.Recurrence
	if rec == nil || len(rec.Weekdays) == 0 || len(rec.Windows) == 0 {
		return result, nil
	}

	loc, err := ev.Location()
	if err != nil {
		return result, err
	}

	from, to := clip(rec.StartDate, rec.EndDate, cfg.From, cfg.To)
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return result, nil
	}

	weekdays := toRRuleWeekdays(rec.Weekdays)
	spans := make([]Span, 0)

	for _, w := range rec.Windows {
		r, err := rrule.NewRRule(rrule.ROption{
			Freq:      rrule.WEEKLY,
			Byweekday: weekdays,
			Dtstart:   from.At(w.Start, loc),
			Until:     to.At(w.Start, loc),
		})
		if err != nil {
			appLog.Error("expand: failed to build rule", err, "event_id", ev.ID)
			return ExpandResult{}, err
		}

		// Each window is capped on its own; the merged list is cut again
		// after sorting so the earliest spans survive.
		next := r.Iterator()
		for n := 0; ; n++ {
			start, ok := next()
			if !ok {
				break
			}
			if n >= cfg.MaxOccurrences {
				result.Truncated = true
				break
			}
			// End is computed from the wall clock of the same date so
			// that DST shifts never stretch or shrink a window.
			end := model.DateOf(start).At(w.End, loc)
			spans = append(spans, Span{Start: start, End: end})
		}
	}

	sort.Slice(spans, func(i, j int) bool {
		if !spans[i].Start.Equal(spans[j].Start) {
			return spans[i].Start.Before(spans[j].Start)
		}
		return spans[i].End.Before(spans[j].End)
	})
	if len(spans) > cfg.MaxOccurrences {
		spans = spans[:cfg.MaxOccurrences]
		result.Truncated = true
	}

	if result.Truncated {
		appLog.Error("expand: truncated occurrences for event due to cap",
			errors.New("max occurrences reached"),
			"event_id", ev.ID,
			"cap", cfg.MaxOccurrences,
		)
	}

	result.Spans = spans
	return result, nil
}

// clip intersects the rule's date range with the requested window.
func clip(ruleFrom, ruleTo, winFrom, winTo model.Date) (model.Date, model.Date) {
	from, to := ruleFrom, ruleTo
	if !winFrom.IsZero() && winFrom.After(from) {
		from = winFrom
	}
	if !winTo.IsZero() && winTo.Before(to) {
		to = winTo
	}
	return from, to
}

func toRRuleWeekdays(days []time.Weekday) []rrule.Weekday {
	out := make([]rrule.Weekday, 0, len(days))
	seen := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		if seen[d] {
			continue
		}
		seen[d] = true
		switch d {
		case time.Monday:
			out = append(out, rrule.MO)
		case time.Tuesday:
			out = append(out, rrule.TU)
		case time.Wednesday:
			out = append(out, rrule.WE)
		case time.Thursday:
			out = append(out, rrule.TH)
		case time.Friday:
			out = append(out, rrule.FR)
		case time.Saturday:
			out = append(out, rrule.SA)
		case time.Sunday:
			out = append(out, rrule.SU)
		}
	}
	return out
}
