package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"

	"rollcall/internal/clock"
	"rollcall/internal/config"
	"rollcall/internal/model"
	"rollcall/internal/storage"
	"rollcall/internal/storage/sqlite"
)

var firstSaturday = time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "rollcall.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	ev := model.Event{
		ID:       "club",
		Title:    "Saturday Club",
		Kind:     model.EventRecurring,
		Timezone: "UTC",
		Recurrence: &model.Recurrence{
			Weekdays:  []time.Weekday{time.Saturday},
			Windows:   []model.TimeWindow{{Start: model.MustTimeOfDay("09:00"), End: model.MustTimeOfDay("12:00")}},
			StartDate: model.MustDate("2024-01-01"),
			EndDate:   model.MustDate("2024-01-31"),
		},
	}
	if err := store.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("create event: %v", err)
	}
	var occs []model.Occurrence
	for i, id := range []string{"occ-1", "occ-2", "occ-3", "occ-4"} {
		start := firstSaturday.AddDate(0, 0, 7*i)
		occs = append(occs, model.Occurrence{ID: id, EventID: ev.ID, Start: start, End: start.Add(3 * time.Hour)})
	}
	if _, err := store.ApplyOccurrenceChanges(ctx, storage.OccurrenceChanges{EventID: ev.ID, Insert: occs, At: firstSaturday}); err != nil {
		t.Fatalf("insert occurrences: %v", err)
	}
	if err := store.TransitionOccurrence(ctx, "occ-2", model.OccurrenceScheduled, model.OccurrenceCancelled, firstSaturday); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return NewServer(cfg, store, clock.Fixed(firstSaturday))
}

func get(t *testing.T, h http.Handler, target string, setup func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, nil).Handler(), "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health: %d %q", rec.Code, rec.Body.String())
	}
}

func TestCalendarFeed(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Handler()
	rec := get(t, h, "/api/events/club/calendar.ics?from=2024-01-10&to=2024-01-27", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type %q", ct)
	}
	cal, err := ical.ParseCalendar(strings.NewReader(rec.Body.String()))
	if err != nil {
		t.Fatalf("parse feed: %v", err)
	}
	var uids []string
	for _, vev := range cal.Events() {
		uids = append(uids, vev.GetProperty(ical.ComponentPropertyUniqueId).Value)
	}
	if strings.Join(uids, ",") != "occ-2,occ-3,occ-4" {
		t.Fatalf("uids = %v", uids)
	}
	if !strings.Contains(rec.Body.String(), "STATUS:CANCELLED") {
		t.Fatalf("cancelled occurrence not marked:\n%s", rec.Body.String())
	}
}

func TestOccurrencesJSON(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Handler()
	rec := get(t, h, "/api/events/club/occurrences?to=2024-01-13", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp occurrencesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Event.ID != "club" || len(resp.Occurrences) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Occurrences[1].Status != string(model.OccurrenceCancelled) {
		t.Fatalf("second occurrence status %q", resp.Occurrences[1].Status)
	}
}

func TestFeedErrors(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Handler()
	tests := []struct {
		target string
		status int
	}{
		{target: "/api/events/nope/calendar.ics", status: http.StatusNotFound},
		{target: "/api/events/club/calendar.ics?from=yesterday", status: http.StatusBadRequest},
		{target: "/api/events/club/occurrences?from=2024-02-01&to=2024-01-01", status: http.StatusBadRequest},
		{target: "/api/events?kind=weekly", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := get(t, h, tt.target, nil); rec.Code != tt.status {
			t.Fatalf("%s: status %d, want %d", tt.target, rec.Code, tt.status)
		}
	}
}

func TestListEvents(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Handler()
	rec := get(t, h, "/api/events?kind=recurring", nil)
	var events []eventDTO
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].ID != "club" || events[0].Start != nil {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "staff", Password: "s3cret"}
	h := newTestServer(t, cfg).Handler()

	if rec := get(t, h, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}
	rec := get(t, h, "/api/events", nil)
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected challenge, got %d", rec.Code)
	}
	if rec := get(t, h, "/api/events", func(r *http.Request) { r.SetBasicAuth("staff", "wrong") }); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", rec.Code)
	}
	if rec := get(t, h, "/api/events", func(r *http.Request) { r.SetBasicAuth("staff", "s3cret") }); rec.Code != http.StatusOK {
		t.Fatalf("valid credentials: %d", rec.Code)
	}
}

type unavailableFeed struct{}

func (unavailableFeed) GetEvent(context.Context, string) (model.Event, error) {
	return model.Event{}, storage.ErrUnavailable
}

func (unavailableFeed) ListEvents(context.Context, model.EventKind) ([]model.Event, error) {
	return nil, errors.New("disk on fire")
}

func (unavailableFeed) ListOccurrences(context.Context, string, time.Time, time.Time) ([]model.Occurrence, error) {
	return nil, storage.ErrUnavailable
}

func TestStorageFailures(t *testing.T) {
	t.Parallel()

	h := NewServer(config.DefaultConfig(), unavailableFeed{}, nil).Handler()
	rec := get(t, h, "/api/events/club/calendar.ics", nil)
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec := get(t, h, "/api/events", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestSecureCompare(t *testing.T) {
	t.Parallel()

	if !secureCompare("abc", "abc") || secureCompare("abc", "abd") || secureCompare("abc", "abcd") {
		t.Fatal("secureCompare mismatch")
	}
}
