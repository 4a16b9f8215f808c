// Package storage defines the persistence contract of the attendance engine.
//
// Implementations must enforce the concurrency guarantees themselves: at most
// one open attendance per (participant, occurrence), and a single transition
// of an attendance to checked out. Callers never lock in-process.
package storage

import (
	"context"
	"errors"
	"time"

	apperrors "rollcall/internal/errors"
	"rollcall/internal/model"
)

var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write lost against a uniqueness or state guard.
	ErrConflict = errors.New("record conflict")
	// ErrCapacity indicates an occurrence has no free places left.
	ErrCapacity = errors.New("occurrence capacity reached")
	// ErrUnavailable indicates the backing store is busy or locked.
	ErrUnavailable = errors.New("storage unavailable")
)

// EventStore persists event definitions.
type EventStore interface {
	CreateEvent(ctx context.Context, ev model.Event) error
	// UpdateEvent replaces an event definition. It returns ErrNotFound for
	// an unknown id.
	UpdateEvent(ctx context.Context, ev model.Event) error
	GetEvent(ctx context.Context, id string) (model.Event, error)
	ListEvents(ctx context.Context, kind model.EventKind) ([]model.Event, error)
}

// OccurrenceChanges is one reconciliation batch for a single event, applied
// atomically.
type OccurrenceChanges struct {
	EventID string
	// Insert holds new occurrences; ones overlapping an existing occurrence
	// of the event are skipped.
	Insert []model.Occurrence
	// Reschedule updates the end of existing occurrences that have no
	// attendance yet.
	Reschedule []model.Occurrence
	// Remove deletes occurrences by id unless they have attendance.
	Remove []string
	At     time.Time
}

// OccurrenceChangeResult counts what a batch actually did.
type OccurrenceChangeResult struct {
	Inserted int
	// Skipped counts inserts dropped because the slot is already taken by
	// an occurrence of the same event.
	Skipped     int
	Rescheduled int
	Removed     int
	// Retained counts reschedules and removals skipped because the
	// occurrence already has attendance.
	Retained int
}

// OccurrenceStore persists concrete occurrences.
type OccurrenceStore interface {
	GetOccurrence(ctx context.Context, id string) (model.Occurrence, error)
	// ListOccurrences returns an event's occurrences starting in [from, to)
	// ordered by start. Zero bounds are open.
	ListOccurrences(ctx context.Context, eventID string, from, to time.Time) ([]model.Occurrence, error)
	ApplyOccurrenceChanges(ctx context.Context, changes OccurrenceChanges) (OccurrenceChangeResult, error)
	// TransitionOccurrence moves an occurrence from one status to another.
	// It returns ErrConflict if the occurrence is not in status from.
	TransitionOccurrence(ctx context.Context, id string, from, to model.OccurrenceStatus, at time.Time) error
	// CompleteEndedOccurrences marks scheduled occurrences ending at or
	// before endedBy as completed at at, and returns how many changed.
	CompleteEndedOccurrences(ctx context.Context, endedBy, at time.Time) (int, error)
}

// ParticipantStore persists participants and the guardian association.
type ParticipantStore interface {
	CreateParticipant(ctx context.Context, p model.Participant) error
	GetParticipant(ctx context.Context, id string) (model.Participant, error)
	// LinkGuardian is idempotent.
	LinkGuardian(ctx context.Context, minorID, guardianID string, at time.Time) error
	// UnlinkGuardian returns ErrNotFound if no such link exists.
	UnlinkGuardian(ctx context.Context, minorID, guardianID string) error
	ListGuardians(ctx context.Context, minorID string) ([]string, error)
	IsGuardian(ctx context.Context, guardianID, minorID string) (bool, error)
}

// AttendanceStore persists the attendance audit trail. Rows are never deleted.
type AttendanceStore interface {
	GetAttendance(ctx context.Context, id string) (model.Attendance, error)
	// GetOpenAttendance returns ErrNotFound when the pair has no open record.
	GetOpenAttendance(ctx context.Context, participantID, occurrenceID string) (model.Attendance, error)
	// CreateAttendance inserts an open attendance. It returns ErrConflict if
	// the pair already has one, and ErrCapacity if capacity is positive and
	// the occurrence already holds that many open attendances.
	CreateAttendance(ctx context.Context, a model.Attendance, capacity int) error
	// CloseAttendance checks an open attendance out. It returns ErrConflict
	// if the attendance is missing or already closed.
	CloseAttendance(ctx context.Context, id, actorID string, at time.Time) error
	ListAttendances(ctx context.Context, occurrenceID string) ([]model.Attendance, error)
}

// Store is the full persistence surface.
type Store interface {
	EventStore
	OccurrenceStore
	ParticipantStore
	AttendanceStore
	Close() error
}

// IsTransient reports whether err means the store did not answer in time,
// so the same operation may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// Failure converts an unexpected storage error into a domain error. An
// expired ctx marks the failure transient whatever the driver reported.
// Domain errors pass through unchanged.
func Failure(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return err
	}
	if IsTransient(err) || ctx.Err() != nil {
		return apperrors.Wrap(apperrors.CodeTransientStorage, op, err)
	}
	return apperrors.Wrap(apperrors.CodeUnknown, op, err)
}
