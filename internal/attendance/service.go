package attendance

import (
	"context"
	"errors"
	"strings"
	"time"

	"rollcall/internal/clock"
	"rollcall/internal/config"
	apperrors "rollcall/internal/errors"
	"rollcall/internal/model"
	"rollcall/internal/storage"
)

// Directory resolves the records a check-in refers to.
type Directory interface {
	GetParticipant(ctx context.Context, id string) (model.Participant, error)
	GetOccurrence(ctx context.Context, id string) (model.Occurrence, error)
	GetEvent(ctx context.Context, id string) (model.Event, error)
	ListAttendances(ctx context.Context, occurrenceID string) ([]model.Attendance, error)
}

// Service is the entry point for callers: it resolves ids, bounds storage
// work by a deadline and delegates to the ledger.
type Service struct {
	dir     Directory
	ledger  *Ledger
	clock   clock.Clock
	timeout time.Duration
}

func NewService(dir Directory, ledger *Ledger, clk clock.Clock, timeout time.Duration) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{dir: dir, ledger: ledger, clock: clk, timeout: timeout}
}

// New builds a service with its ledger on top of a single store.
func New(store storage.Store, codes Codes, cfg *config.Config, clk clock.Clock) *Service {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	ledger := NewLedger(store, NewGuardianAuthorizer(store), codes, PolicyFromConfig(cfg))
	return NewService(store, ledger, clk, cfg.StorageTimeout)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CheckInOutcome is what a caller gets back from a check-in. Code is empty
// for adults.
type CheckInOutcome struct {
	AttendanceID string
	Code         string
}

// PerformCheckIn checks a participant into an occurrence on behalf of actor.
func (s *Service) PerformCheckIn(ctx context.Context, participantID, occurrenceID string, actor model.Actor) (CheckInOutcome, error) {
	if err := requireActor(actor); err != nil {
		return CheckInOutcome{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	p, err := s.dir.GetParticipant(ctx, participantID)
	if err != nil {
		return CheckInOutcome{}, resolveFailure(ctx, err, "participant", participantID)
	}
	occ, err := s.dir.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		return CheckInOutcome{}, resolveFailure(ctx, err, "occurrence", occurrenceID)
	}
	ev, err := s.dir.GetEvent(ctx, occ.EventID)
	if err != nil {
		return CheckInOutcome{}, resolveFailure(ctx, err, "event", occ.EventID)
	}

	res, err := s.ledger.CheckIn(ctx, CheckInRequest{
		Participant: p,
		Occurrence:  occ,
		Capacity:    ev.Capacity,
		Actor:       actor,
		Now:         s.clock.Now(),
	})
	if err != nil {
		return CheckInOutcome{}, err
	}
	return CheckInOutcome{AttendanceID: res.Attendance.ID, Code: res.Code}, nil
}

// PerformCheckOut checks an attendance out. code is the candidate safety
// code, empty if none was presented.
func (s *Service) PerformCheckOut(ctx context.Context, attendanceID string, actor model.Actor, code string) (time.Time, error) {
	if err := requireActor(actor); err != nil {
		return time.Time{}, err
	}
	if strings.TrimSpace(attendanceID) == "" {
		return time.Time{}, apperrors.New(apperrors.CodeValidation, "attendance id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.ledger.CheckOut(ctx, CheckOutRequest{
		AttendanceID: attendanceID,
		Actor:        actor,
		Code:         code,
		Now:          s.clock.Now(),
	})
	if err != nil {
		return time.Time{}, err
	}
	return res.CheckedOutAt, nil
}

// ListAttendances returns the attendance records of an occurrence, open and
// closed, in check-in order. Gate staff use it to find the attendance id a
// check-out needs.
func (s *Service) ListAttendances(ctx context.Context, occurrenceID string) ([]model.Attendance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.dir.GetOccurrence(ctx, occurrenceID); err != nil {
		return nil, resolveFailure(ctx, err, "occurrence", occurrenceID)
	}
	out, err := s.dir.ListAttendances(ctx, occurrenceID)
	if err != nil {
		return nil, storage.Failure(ctx, "list attendances", err)
	}
	return out, nil
}

func requireActor(actor model.Actor) error {
	if strings.TrimSpace(actor.ID) == "" {
		return apperrors.New(apperrors.CodeValidation, "actor id is required")
	}
	return nil
}

func resolveFailure(ctx context.Context, err error, kind, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.WithMetadata(apperrors.CodeNotFound, kind+" not found",
			map[string]string{kind + "_id": id})
	}
	return storage.Failure(ctx, "get "+kind, err)
}
