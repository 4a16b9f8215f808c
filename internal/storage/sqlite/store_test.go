package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rollcall/internal/model"
	"rollcall/internal/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "rollcall.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

var baseTime = time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC)

func seedEvent(t *testing.T, store *Store, id string) model.Event {
	t.Helper()
	ev := model.Event{
		ID:       id,
		Title:    "Saturday Club",
		Kind:     model.EventRecurring,
		Timezone: "UTC",
		Capacity: 2,
		Recurrence: &model.Recurrence{
			Weekdays: []time.Weekday{time.Saturday},
			Windows: []model.TimeWindow{
				{Start: model.MustTimeOfDay("09:00"), End: model.MustTimeOfDay("12:00")},
			},
			StartDate: model.MustDate("2024-01-01"),
			EndDate:   model.MustDate("2024-01-31"),
		},
		CreatedAt: baseTime,
	}
	if err := store.CreateEvent(context.Background(), ev); err != nil {
		t.Fatalf("create event: %v", err)
	}
	return ev
}

func seedOccurrence(t *testing.T, store *Store, eventID, id string, start time.Time) model.Occurrence {
	t.Helper()
	occ := model.Occurrence{ID: id, EventID: eventID, Start: start, End: start.Add(3 * time.Hour)}
	res, err := store.ApplyOccurrenceChanges(context.Background(), storage.OccurrenceChanges{
		EventID: eventID,
		Insert:  []model.Occurrence{occ},
		At:      baseTime,
	})
	if err != nil {
		t.Fatalf("insert occurrence: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("expected one insert, got %+v", res)
	}
	occ.Status = model.OccurrenceScheduled
	return occ
}

func seedParticipant(t *testing.T, store *Store, id, birth string) model.Participant {
	t.Helper()
	p := model.Participant{ID: id, FullName: id, BirthDate: model.MustDate(birth), CreatedAt: baseTime}
	if err := store.CreateParticipant(context.Background(), p); err != nil {
		t.Fatalf("create participant %s: %v", id, err)
	}
	return p
}

func openAttendance(id, participantID, occurrenceID string) model.Attendance {
	return model.Attendance{
		ID:            id,
		ParticipantID: participantID,
		OccurrenceID:  occurrenceID,
		Status:        model.AttendanceCheckedIn,
		CheckedInAt:   baseTime,
		CheckedInBy:   "staff",
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rollcall.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seedEvent(t, first, "evt-1")
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if _, err := second.GetEvent(context.Background(), "evt-1"); err != nil {
		t.Fatalf("event lost across reopen: %v", err)
	}
}

func TestEventRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	rec := seedEvent(t, store, "evt-rec")

	single := model.Event{
		ID:    "evt-single",
		Title: "Picnic",
		Kind:  model.EventSingle,
		Start: baseTime,
		End:   baseTime.Add(2 * time.Hour),
	}
	if err := store.CreateEvent(ctx, single); err != nil {
		t.Fatalf("create single: %v", err)
	}
	if err := store.CreateEvent(ctx, single); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	got, err := store.GetEvent(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.Recurrence == nil || got.Recurrence.StartDate != rec.Recurrence.StartDate || got.Recurrence.EndDate != rec.Recurrence.EndDate {
		t.Fatalf("recurrence dates lost: %+v", got.Recurrence)
	}
	if len(got.Recurrence.Weekdays) != 1 || got.Recurrence.Weekdays[0] != time.Saturday {
		t.Fatalf("weekdays lost: %+v", got.Recurrence.Weekdays)
	}
	if len(got.Recurrence.Windows) != 1 || got.Recurrence.Windows[0].End != model.MustTimeOfDay("12:00") {
		t.Fatalf("windows lost: %+v", got.Recurrence.Windows)
	}
	if got.Capacity != 2 || !got.CreatedAt.Equal(baseTime) {
		t.Fatalf("unexpected event %+v", got)
	}

	gotSingle, err := store.GetEvent(ctx, single.ID)
	if err != nil {
		t.Fatalf("get single: %v", err)
	}
	if !gotSingle.Start.Equal(single.Start) || !gotSingle.End.Equal(single.End) || gotSingle.Recurrence != nil {
		t.Fatalf("unexpected single %+v", gotSingle)
	}

	recurring, err := store.ListEvents(ctx, model.EventRecurring)
	if err != nil {
		t.Fatalf("list recurring: %v", err)
	}
	if len(recurring) != 1 || recurring[0].ID != rec.ID {
		t.Fatalf("unexpected recurring list %+v", recurring)
	}
	all, err := store.ListEvents(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}

	if _, err := store.GetEvent(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApplyOccurrenceChanges(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	seedEvent(t, store, "evt-1")
	seedParticipant(t, store, "adult", "1990-01-01")

	attended := seedOccurrence(t, store, "evt-1", "occ-attended", baseTime)
	stale := seedOccurrence(t, store, "evt-1", "occ-stale", baseTime.AddDate(0, 0, 7))
	moved := seedOccurrence(t, store, "evt-1", "occ-moved", baseTime.AddDate(0, 0, 14))

	if err := store.CreateAttendance(ctx, openAttendance("att-1", "adult", attended.ID), 0); err != nil {
		t.Fatalf("create attendance: %v", err)
	}

	res, err := store.ApplyOccurrenceChanges(ctx, storage.OccurrenceChanges{
		EventID: "evt-1",
		Remove:  []string{attended.ID, stale.ID},
		Reschedule: []model.Occurrence{
			{ID: moved.ID, End: moved.Start.Add(4 * time.Hour)},
		},
		Insert: []model.Occurrence{
			// Same start as the attended occurrence.
			{ID: "occ-dup", Start: attended.Start, End: attended.End},
			// Overlaps the attended occurrence.
			{ID: "occ-overlap", Start: attended.Start.Add(time.Hour), End: attended.End.Add(time.Hour)},
			// Reuses the removed slot.
			{ID: "occ-new", Start: stale.Start, End: stale.End},
		},
		At: baseTime,
	})
	if err != nil {
		t.Fatalf("apply changes: %v", err)
	}
	want := storage.OccurrenceChangeResult{Inserted: 1, Skipped: 2, Rescheduled: 1, Removed: 1, Retained: 1}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}

	occs, err := store.ListOccurrences(ctx, "evt-1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("list occurrences: %v", err)
	}
	ids := make([]string, 0, len(occs))
	for _, o := range occs {
		ids = append(ids, o.ID)
	}
	if fmt.Sprint(ids) != "[occ-attended occ-new occ-moved]" {
		t.Fatalf("unexpected occurrences %v", ids)
	}
	if got := occs[2].End.Sub(occs[2].Start); got != 4*time.Hour {
		t.Fatalf("reschedule not applied, duration %v", got)
	}

	window, err := store.ListOccurrences(ctx, "evt-1", baseTime.Add(time.Minute), baseTime.AddDate(0, 0, 14))
	if err != nil {
		t.Fatalf("list window: %v", err)
	}
	if len(window) != 1 || window[0].ID != "occ-new" {
		t.Fatalf("unexpected window %+v", window)
	}
}

func TestRescheduleRetainsAttended(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	seedEvent(t, store, "evt-1")
	seedParticipant(t, store, "adult", "1990-01-01")
	occ := seedOccurrence(t, store, "evt-1", "occ-1", baseTime)
	if err := store.CreateAttendance(ctx, openAttendance("att-1", "adult", occ.ID), 0); err != nil {
		t.Fatalf("create attendance: %v", err)
	}

	res, err := store.ApplyOccurrenceChanges(ctx, storage.OccurrenceChanges{
		EventID:    "evt-1",
		Reschedule: []model.Occurrence{{ID: occ.ID, End: occ.Start.Add(time.Hour)}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Rescheduled != 0 || res.Retained != 1 {
		t.Fatalf("attended occurrence must be retained, got %+v", res)
	}
	got, err := store.GetOccurrence(ctx, occ.ID)
	if err != nil {
		t.Fatalf("get occurrence: %v", err)
	}
	if !got.End.Equal(occ.End) {
		t.Fatalf("end changed to %v", got.End)
	}
}

func TestTransitionAndComplete(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	seedEvent(t, store, "evt-1")
	first := seedOccurrence(t, store, "evt-1", "occ-1", baseTime)
	second := seedOccurrence(t, store, "evt-1", "occ-2", baseTime.AddDate(0, 0, 7))
	seedOccurrence(t, store, "evt-1", "occ-3", baseTime.AddDate(0, 0, 14))

	if err := store.TransitionOccurrence(ctx, second.ID, model.OccurrenceScheduled, model.OccurrenceCancelled, baseTime); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.TransitionOccurrence(ctx, second.ID, model.OccurrenceScheduled, model.OccurrenceCancelled, baseTime); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on repeated cancel, got %v", err)
	}
	if err := store.TransitionOccurrence(ctx, "missing", model.OccurrenceScheduled, model.OccurrenceCancelled, baseTime); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	n, err := store.CompleteEndedOccurrences(ctx, second.End.Add(time.Minute), second.End.Add(time.Minute))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if n != 1 {
		t.Fatalf("completed %d, want 1 (cancelled ones stay cancelled)", n)
	}
	got, err := store.GetOccurrence(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.OccurrenceCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	got, err = store.GetOccurrence(ctx, second.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.OccurrenceCancelled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestGuardianLinks(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	seedParticipant(t, store, "ana", "2015-03-02")
	seedParticipant(t, store, "maria", "1985-07-10")
	seedParticipant(t, store, "carlos", "1980-01-01")

	got, err := store.GetParticipant(ctx, "ana")
	if err != nil {
		t.Fatalf("get participant: %v", err)
	}
	if got.BirthDate != model.MustDate("2015-03-02") {
		t.Fatalf("birth date = %v", got.BirthDate)
	}
	if err := store.CreateParticipant(ctx, model.Participant{ID: "ana", BirthDate: got.BirthDate}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := store.LinkGuardian(ctx, "ana", "maria", baseTime); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := store.LinkGuardian(ctx, "ana", "maria", baseTime); err != nil {
		t.Fatalf("relink must be a no-op: %v", err)
	}
	if err := store.LinkGuardian(ctx, "ana", "ana", baseTime); err == nil {
		t.Fatal("expected self link to be rejected")
	}
	if err := store.LinkGuardian(ctx, "ana", "ghost", baseTime); err == nil {
		t.Fatal("expected unknown guardian to be rejected")
	}

	ok, err := store.IsGuardian(ctx, "maria", "ana")
	if err != nil || !ok {
		t.Fatalf("maria must be guardian: ok=%v err=%v", ok, err)
	}
	ok, err = store.IsGuardian(ctx, "carlos", "ana")
	if err != nil || ok {
		t.Fatalf("carlos must not be guardian: ok=%v err=%v", ok, err)
	}
	guardians, err := store.ListGuardians(ctx, "ana")
	if err != nil {
		t.Fatalf("list guardians: %v", err)
	}
	if len(guardians) != 1 || guardians[0] != "maria" {
		t.Fatalf("guardians = %v", guardians)
	}

	if err := store.UnlinkGuardian(ctx, "ana", "maria"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := store.UnlinkGuardian(ctx, "ana", "maria"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAttendanceLifecycle(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	seedEvent(t, store, "evt-1")
	occ := seedOccurrence(t, store, "evt-1", "occ-1", baseTime)
	seedParticipant(t, store, "p1", "1990-01-01")

	a := openAttendance("att-1", "p1", occ.ID)
	a.SafetyCodeHash = "hash"
	if err := store.CreateAttendance(ctx, a, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateAttendance(ctx, openAttendance("att-2", "p1", occ.ID), 0); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict for second open attendance, got %v", err)
	}

	open, err := store.GetOpenAttendance(ctx, "p1", occ.ID)
	if err != nil {
		t.Fatalf("get open: %v", err)
	}
	if open.ID != "att-1" || open.SafetyCodeHash != "hash" || open.CheckedOutAt != nil {
		t.Fatalf("unexpected open attendance %+v", open)
	}

	out := baseTime.Add(2 * time.Hour)
	if err := store.CloseAttendance(ctx, "att-1", "maria", out); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.CloseAttendance(ctx, "att-1", "carlos", out.Add(time.Hour)); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on second close, got %v", err)
	}
	if err := store.CloseAttendance(ctx, "missing", "maria", out); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict for missing attendance, got %v", err)
	}

	closed, err := store.GetAttendance(ctx, "att-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if closed.Status != model.AttendanceCheckedOut || closed.CheckedOutAt == nil || !closed.CheckedOutAt.Equal(out) || closed.CheckedOutBy != "maria" {
		t.Fatalf("unexpected closed attendance %+v", closed)
	}
	if _, err := store.GetOpenAttendance(ctx, "p1", occ.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no open attendance, got %v", err)
	}

	// Checking in again after check-out opens a new record.
	if err := store.CreateAttendance(ctx, openAttendance("att-3", "p1", occ.ID), 0); err != nil {
		t.Fatalf("re-check-in: %v", err)
	}
	all, err := store.ListAttendances(ctx, occ.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected audit trail of 2, got %d", len(all))
	}
}

func TestAttendanceCapacity(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	seedEvent(t, store, "evt-1")
	occ := seedOccurrence(t, store, "evt-1", "occ-1", baseTime)
	for _, id := range []string{"p1", "p2", "p3"} {
		seedParticipant(t, store, id, "1990-01-01")
	}

	if err := store.CreateAttendance(ctx, openAttendance("a1", "p1", occ.ID), 2); err != nil {
		t.Fatalf("a1: %v", err)
	}
	if err := store.CreateAttendance(ctx, openAttendance("a2", "p2", occ.ID), 2); err != nil {
		t.Fatalf("a2: %v", err)
	}
	if err := store.CreateAttendance(ctx, openAttendance("a3", "p3", occ.ID), 2); !errors.Is(err, storage.ErrCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if err := store.CloseAttendance(ctx, "a1", "p1", baseTime.Add(time.Hour)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.CreateAttendance(ctx, openAttendance("a3", "p3", occ.ID), 2); err != nil {
		t.Fatalf("place freed by check-out: %v", err)
	}
}

func TestConcurrentCheckInSinglePair(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	seedEvent(t, store, "evt-1")
	occ := seedOccurrence(t, store, "evt-1", "occ-1", baseTime)
	seedParticipant(t, store, "p1", "1990-01-01")

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CreateAttendance(ctx, openAttendance(fmt.Sprintf("att-%d", i), "p1", occ.ID), 0)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, storage.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != workers-1 {
		t.Fatalf("ok=%d conflicts=%d", ok, conflicts)
	}
}

func TestConcurrentCloseSingleTransition(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	seedEvent(t, store, "evt-1")
	occ := seedOccurrence(t, store, "evt-1", "occ-1", baseTime)
	seedParticipant(t, store, "p1", "1990-01-01")
	if err := store.CreateAttendance(ctx, openAttendance("att-1", "p1", occ.ID), 0); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CloseAttendance(ctx, "att-1", fmt.Sprintf("actor-%d", i), baseTime.Add(time.Duration(i+1)*time.Minute))
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner != -1 {
				t.Fatalf("two winners: %d and %d", winner, i)
			}
			winner = i
		case !errors.Is(err, storage.ErrConflict):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winner == -1 {
		t.Fatal("no winner")
	}

	got, err := store.GetAttendance(ctx, "att-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CheckedOutBy != fmt.Sprintf("actor-%d", winner) {
		t.Fatalf("checked out by %q, winner was %d", got.CheckedOutBy, winner)
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.GetAttendance(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
