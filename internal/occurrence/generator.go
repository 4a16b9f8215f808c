// Package occurrence materializes event definitions into stored occurrences
// and owns occurrence status transitions.
package occurrence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/clock"
	"rollcall/internal/config"
	apperrors "rollcall/internal/errors"
	appLog "rollcall/internal/log"
	"rollcall/internal/model"
	"rollcall/internal/recurrence"
	"rollcall/internal/storage"
)

// Store is the persistence the generator needs.
type Store interface {
	storage.EventStore
	storage.OccurrenceStore
}

// Window bounds generation to calendar dates in the event's timezone,
// inclusive. Zero dates leave that side open.
type Window struct {
	From model.Date
	To   model.Date
}

// GenerateResult reports what one generation run changed.
type GenerateResult struct {
	Created   int
	Updated   int
	Unchanged int
	Removed   int
	// Retained counts occurrences the new expansion no longer matches but
	// that were kept because they have attendance or are no longer scheduled.
	Retained  int
	Truncated bool
}

// Generator creates events and keeps their occurrences in step with the
// event definition.
type Generator struct {
	store           Store
	clock           clock.Clock
	timeout         time.Duration
	maxOccurrences  int
	defaultTimezone string
	closesAfter     time.Duration
	newID           func() string
}

// NewGenerator wires a generator to its store. A nil clock means the system
// clock.
func NewGenerator(store Store, cfg *config.Config, clk clock.Clock) *Generator {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Generator{
		store:           store,
		clock:           clk,
		timeout:         cfg.StorageTimeout,
		maxOccurrences:  cfg.MaxOccurrences,
		defaultTimezone: cfg.Timezone,
		closesAfter:     cfg.CheckIn.ClosesAfter(),
		newID:           uuid.NewString,
	}
}

func (g *Generator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// CreateEvent validates and stores a new event, then generates occurrences
// for its whole recurrence range. Only privileged actors may create events.
func (g *Generator) CreateEvent(ctx context.Context, actor model.Actor, ev model.Event) (model.Event, GenerateResult, error) {
	if !actor.Privileged {
		return model.Event{}, GenerateResult{}, apperrors.WithMetadata(apperrors.CodeNotPermitted,
			"creating events requires an organizer", map[string]string{"actor_id": actor.ID})
	}

	ev.ID = strings.TrimSpace(ev.ID)
	if ev.ID == "" {
		ev.ID = g.newID()
	}
	if strings.TrimSpace(ev.Timezone) == "" {
		ev.Timezone = g.defaultTimezone
	}
	if ev.Kind == model.EventSingle {
		ev.Recurrence = nil
	}
	if err := recurrence.Validate(ev); err != nil {
		return model.Event{}, GenerateResult{}, err
	}
	now := g.clock.Now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now

	opCtx, cancel := g.withTimeout(ctx)
	err := g.store.CreateEvent(opCtx, ev)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return model.Event{}, GenerateResult{}, apperrors.WithMetadata(apperrors.CodeValidation,
				"event id already exists", map[string]string{"event_id": ev.ID})
		}
		return model.Event{}, GenerateResult{}, storage.Failure(opCtx, "create event", err)
	}
	appLog.Info("event created", "event_id", ev.ID, "kind", ev.Kind, "actor_id", actor.ID)

	res, err := g.GenerateOccurrences(ctx, ev.ID, Window{})
	return ev, res, err
}

// UpdateEvent replaces an event definition and regenerates its occurrences
// over the whole recurrence range. Attended occurrences survive the change.
func (g *Generator) UpdateEvent(ctx context.Context, actor model.Actor, ev model.Event) (model.Event, GenerateResult, error) {
	if !actor.Privileged {
		return model.Event{}, GenerateResult{}, apperrors.WithMetadata(apperrors.CodeNotPermitted,
			"updating events requires an organizer", map[string]string{"actor_id": actor.ID})
	}
	if strings.TrimSpace(ev.Timezone) == "" {
		ev.Timezone = g.defaultTimezone
	}
	if ev.Kind == model.EventSingle {
		ev.Recurrence = nil
	}
	if err := recurrence.Validate(ev); err != nil {
		return model.Event{}, GenerateResult{}, err
	}

	opCtx, cancel := g.withTimeout(ctx)
	defer cancel()
	current, err := g.store.GetEvent(opCtx, ev.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Event{}, GenerateResult{}, apperrors.WithMetadata(apperrors.CodeNotFound,
				"event not found", map[string]string{"event_id": ev.ID})
		}
		return model.Event{}, GenerateResult{}, storage.Failure(opCtx, "load event", err)
	}
	ev.CreatedAt = current.CreatedAt
	ev.UpdatedAt = g.clock.Now().UTC()
	if err := g.store.UpdateEvent(opCtx, ev); err != nil {
		return model.Event{}, GenerateResult{}, storage.Failure(opCtx, "update event", err)
	}
	appLog.Info("event updated", "event_id", ev.ID, "actor_id", actor.ID)

	res, err := g.GenerateOccurrences(ctx, ev.ID, Window{})
	return ev, res, err
}

// GenerateOccurrences expands the event over window and reconciles the
// result with stored occurrences, matched by start instant. Running it twice
// with the same inputs changes nothing the second time. Occurrences with
// attendance are never removed or rescheduled.
func (g *Generator) GenerateOccurrences(ctx context.Context, eventID string, window Window) (GenerateResult, error) {
	var result GenerateResult

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	ev, err := g.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return result, apperrors.WithMetadata(apperrors.CodeNotFound, "event not found",
				map[string]string{"event_id": eventID})
		}
		return result, storage.Failure(ctx, "load event", err)
	}

	expanded, err := recurrence.Expand(ev, recurrence.ExpandConfig{
		From:           window.From,
		To:             window.To,
		MaxOccurrences: g.maxOccurrences,
	})
	if err != nil {
		return result, apperrors.Wrap(apperrors.CodeValidation, "expand event", err)
	}
	result.Truncated = expanded.Truncated

	from, to, err := listBounds(ev, window)
	if err != nil {
		return result, apperrors.Wrap(apperrors.CodeValidation, "event timezone", err)
	}
	existing, err := g.store.ListOccurrences(ctx, ev.ID, from, to)
	if err != nil {
		return result, storage.Failure(ctx, "list occurrences", err)
	}

	p := buildPlan(ev.ID, existing, expanded, g.newID)
	p.changes.At = g.clock.Now().UTC()

	applied, err := g.store.ApplyOccurrenceChanges(ctx, p.changes)
	if err != nil {
		return result, storage.Failure(ctx, "apply occurrences", err)
	}

	result.Created = applied.Inserted
	result.Updated = applied.Rescheduled
	result.Unchanged = p.unchanged + applied.Skipped
	result.Removed = applied.Removed
	result.Retained = p.retained + applied.Retained

	appLog.Info("occurrences generated",
		"event_id", ev.ID,
		"from", window.From,
		"to", window.To,
		"created", result.Created,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
		"removed", result.Removed,
		"retained", result.Retained,
		"truncated", result.Truncated,
	)
	return result, nil
}

// listBounds converts the date window into the instants whose stored
// occurrences take part in reconciliation. Single events ignore the window.
func listBounds(ev model.Event, window Window) (time.Time, time.Time, error) {
	if ev.Kind == model.EventSingle {
		return time.Time{}, time.Time{}, nil
	}
	loc, err := ev.Location()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	var from, to time.Time
	if !window.From.IsZero() {
		from = window.From.Midnight(loc)
	}
	if !window.To.IsZero() {
		to = window.To.AddDays(1).Midnight(loc)
	}
	return from, to, nil
}

// CancelOccurrence marks a scheduled occurrence cancelled. Existing
// attendance records are kept; new check-ins are refused.
func (g *Generator) CancelOccurrence(ctx context.Context, actor model.Actor, occurrenceID string) error {
	if !actor.Privileged {
		return apperrors.WithMetadata(apperrors.CodeNotPermitted,
			"cancelling occurrences requires an organizer", map[string]string{"actor_id": actor.ID})
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	err := g.store.TransitionOccurrence(ctx, occurrenceID, model.OccurrenceScheduled, model.OccurrenceCancelled, g.clock.Now().UTC())
	switch {
	case err == nil:
		appLog.Info("occurrence cancelled", "occurrence_id", occurrenceID, "actor_id", actor.ID)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.WithMetadata(apperrors.CodeNotFound, "occurrence not found",
			map[string]string{"occurrence_id": occurrenceID})
	case errors.Is(err, storage.ErrConflict):
		return apperrors.WithMetadata(apperrors.CodeOccurrenceNotActive, "occurrence is not scheduled",
			map[string]string{"occurrence_id": occurrenceID})
	default:
		return storage.Failure(ctx, "cancel occurrence", err)
	}
}

// CompleteEnded marks every scheduled occurrence whose check-in window has
// closed by now as completed and returns how many changed. The window ends
// checkin.closes_after_minutes after the occurrence does.
func (g *Generator) CompleteEnded(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	n, err := g.store.CompleteEndedOccurrences(ctx, now.Add(-g.closesAfter), now)
	if err != nil {
		return 0, storage.Failure(ctx, "complete occurrences", err)
	}
	if n > 0 {
		appLog.Info("occurrences completed", "count", n)
	}
	return n, nil
}
