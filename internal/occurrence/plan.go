package occurrence

import (
	"rollcall/internal/model"
	"rollcall/internal/recurrence"
	"rollcall/internal/storage"
)

// plan is the pure part of regeneration: existing occurrences are matched
// to expanded spans by start instant.
type plan struct {
	changes   storage.OccurrenceChanges
	unchanged int
	// retained counts stale or moved occurrences left alone because they
	// are no longer scheduled.
	retained int
}

// buildPlan diffs stored occurrences against an expansion. When the
// expansion was truncated, occurrences after its last span were never
// computed and are left untouched.
func buildPlan(eventID string, existing []model.Occurrence, expanded recurrence.ExpandResult, newID func() string) plan {
	spans := expanded.Spans
	p := plan{changes: storage.OccurrenceChanges{EventID: eventID}}

	byStart := make(map[int64]model.Occurrence, len(existing))
	for _, occ := range existing {
		byStart[occ.Start.UnixMilli()] = occ
	}

	matched := make(map[string]bool, len(existing))
	for _, span := range spans {
		key := span.Start.UnixMilli()
		occ, ok := byStart[key]
		if !ok {
			p.changes.Insert = append(p.changes.Insert, model.Occurrence{
				ID:      newID(),
				EventID: eventID,
				Start:   span.Start,
				End:     span.End,
				Status:  model.OccurrenceScheduled,
			})
			// Guard against duplicate spans within one expansion.
			byStart[key] = model.Occurrence{ID: "", Start: span.Start, End: span.End}
			continue
		}
		if occ.ID == "" {
			continue
		}
		matched[occ.ID] = true

		switch {
		case occ.End.Equal(span.End):
			p.unchanged++
		case occ.Status != model.OccurrenceScheduled:
			p.retained++
		default:
			p.changes.Reschedule = append(p.changes.Reschedule, model.Occurrence{
				ID:      occ.ID,
				EventID: eventID,
				Start:   occ.Start,
				End:     span.End,
			})
		}
	}

	for _, occ := range existing {
		if matched[occ.ID] {
			continue
		}
		if expanded.Truncated && (len(spans) == 0 || occ.Start.After(spans[len(spans)-1].Start)) {
			continue
		}
		if occ.Status != model.OccurrenceScheduled {
			p.retained++
			continue
		}
		p.changes.Remove = append(p.changes.Remove, occ.ID)
	}
	return p
}
