// Package attendance implements the check-in/check-out state machine.
//
// Per (participant, occurrence) an attendance moves NoRecord -> CheckedIn ->
// CheckedOut and never leaves CheckedOut. Both guards are enforced by the
// store, so they hold across processes.
package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/config"
	apperrors "rollcall/internal/errors"
	appLog "rollcall/internal/log"
	"rollcall/internal/model"
	"rollcall/internal/storage"
)

// Codes issues and verifies safety codes.
type Codes interface {
	Generate() (code string, hash string, err error)
	Verify(candidate, hash string) bool
}

// Policy is the configurable part of the state machine.
type Policy struct {
	// OpensBefore is how long before an occurrence starts check-in opens.
	OpensBefore time.Duration
	// ClosesAfter is how long after an occurrence ends check-in stays open.
	ClosesAfter time.Duration
	// MinorAge is the age of majority.
	MinorAge int
	// Location is the zone birthdays are counted in; nil means UTC.
	Location *time.Location
}

// PolicyFromConfig reads the policy out of the application config.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		OpensBefore: cfg.CheckIn.OpensBefore(),
		ClosesAfter: cfg.CheckIn.ClosesAfter(),
		MinorAge:    cfg.MinorAge,
		Location:    cfg.Location(),
	}
}

// Ledger applies check-in and check-out transitions against the store.
type Ledger struct {
	store     storage.AttendanceStore
	guardians *GuardianAuthorizer
	codes     Codes
	policy    Policy
	newID     func() string
}

func NewLedger(store storage.AttendanceStore, guardians *GuardianAuthorizer, codes Codes, policy Policy) *Ledger {
	return &Ledger{
		store:     store,
		guardians: guardians,
		codes:     codes,
		policy:    policy,
		newID:     uuid.NewString,
	}
}

// CheckInRequest carries already-resolved inputs of a check-in.
type CheckInRequest struct {
	Participant model.Participant
	Occurrence  model.Occurrence
	// Capacity of the owning event; zero is unlimited.
	Capacity int
	Actor    model.Actor
	Now      time.Time
}

// CheckInResult is returned once per successful check-in. Code holds the
// plaintext safety code for minors and is never stored.
type CheckInResult struct {
	Attendance model.Attendance
	Code       string
}

// CheckIn opens an attendance for the participant at the occurrence.
func (l *Ledger) CheckIn(ctx context.Context, req CheckInRequest) (CheckInResult, error) {
	p, occ := req.Participant, req.Occurrence
	meta := map[string]string{"participant_id": p.ID, "occurrence_id": occ.ID}

	if err := l.checkActive(occ, req.Now); err != nil {
		return CheckInResult{}, err
	}

	if _, err := l.store.GetOpenAttendance(ctx, p.ID, occ.ID); err == nil {
		return CheckInResult{}, apperrors.WithMetadata(apperrors.CodeAlreadyCheckedIn,
			"participant is already checked in", meta)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return CheckInResult{}, storage.Failure(ctx, "load open attendance", err)
	}

	a := model.Attendance{
		ID:            l.newID(),
		ParticipantID: p.ID,
		OccurrenceID:  occ.ID,
		Status:        model.AttendanceCheckedIn,
		CheckedInAt:   req.Now.UTC(),
		CheckedInBy:   req.Actor.ID,
	}

	var code string
	if p.CategoryAt(req.Now, l.policy.Location, l.policy.MinorAge) == model.CategoryMinor {
		ok, err := l.guardians.HasGuardian(ctx, p.ID)
		if err != nil {
			return CheckInResult{}, err
		}
		if !ok {
			return CheckInResult{}, apperrors.WithMetadata(apperrors.CodeGuardianRequired,
				"minor has no guardian on record", meta)
		}
		var hash string
		code, hash, err = l.codes.Generate()
		if err != nil {
			return CheckInResult{}, apperrors.Wrap(apperrors.CodeUnknown, "issue safety code", err)
		}
		a.SafetyCodeHash = hash
	}

	if err := l.store.CreateAttendance(ctx, a, req.Capacity); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return CheckInResult{}, apperrors.WithMetadata(apperrors.CodeAlreadyCheckedIn,
				"participant is already checked in", meta)
		case errors.Is(err, storage.ErrCapacity):
			return CheckInResult{}, apperrors.WithMetadata(apperrors.CodeCapacityReached,
				"occurrence is full", meta)
		default:
			return CheckInResult{}, storage.Failure(ctx, "create attendance", err)
		}
	}

	appLog.Info("checked in",
		"attendance_id", a.ID,
		"participant_id", p.ID,
		"occurrence_id", occ.ID,
		"actor_id", req.Actor.ID,
		"minor", a.RequiresCode(),
	)
	return CheckInResult{Attendance: a, Code: code}, nil
}

// checkActive rejects check-ins for occurrences that are not scheduled or
// whose grace window [start-OpensBefore, end+ClosesAfter] does not hold now.
func (l *Ledger) checkActive(occ model.Occurrence, now time.Time) error {
	meta := map[string]string{"occurrence_id": occ.ID, "status": string(occ.Status)}
	if occ.Status != model.OccurrenceScheduled {
		return apperrors.WithMetadata(apperrors.CodeOccurrenceNotActive, "occurrence is not scheduled", meta)
	}
	opens := occ.Start.Add(-l.policy.OpensBefore)
	closes := occ.End.Add(l.policy.ClosesAfter)
	if now.Before(opens) || now.After(closes) {
		return apperrors.WithMetadata(apperrors.CodeOccurrenceNotActive, "check-in window is closed", meta)
	}
	return nil
}

// CheckOutRequest carries the inputs of a check-out. Code is the candidate
// safety code, empty when none was given.
type CheckOutRequest struct {
	AttendanceID string
	Actor        model.Actor
	Code         string
	Now          time.Time
}

// CheckOutResult reports the recorded check-out.
type CheckOutResult struct {
	AttendanceID string
	CheckedOutAt time.Time
}

// CheckOut closes an open attendance. Minors are released only with the
// right code and only to a current guardian; adults leave on their own or
// through a privileged actor.
func (l *Ledger) CheckOut(ctx context.Context, req CheckOutRequest) (CheckOutResult, error) {
	meta := map[string]string{"attendance_id": req.AttendanceID}

	a, err := l.store.GetAttendance(ctx, req.AttendanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return CheckOutResult{}, apperrors.WithMetadata(apperrors.CodeNoOpenAttendance, "attendance not found", meta)
		}
		return CheckOutResult{}, storage.Failure(ctx, "load attendance", err)
	}
	if !a.Open() {
		return CheckOutResult{}, apperrors.WithMetadata(apperrors.CodeNoOpenAttendance, "attendance already checked out", meta)
	}

	if a.RequiresCode() {
		if req.Code == "" || !l.codes.Verify(req.Code, a.SafetyCodeHash) {
			return CheckOutResult{}, l.reject(apperrors.CodeInvalidCode, "safety code does not match", a, req.Actor)
		}
		ok, err := l.guardians.IsAuthorized(ctx, req.Actor.ID, a.ParticipantID)
		if err != nil {
			return CheckOutResult{}, err
		}
		if !ok {
			return CheckOutResult{}, l.reject(apperrors.CodeUnauthorizedGuardian, "actor is not a guardian of the participant", a, req.Actor)
		}
	} else if req.Actor.ID != a.ParticipantID && !req.Actor.Privileged {
		return CheckOutResult{}, l.reject(apperrors.CodeNotPermitted, "actor may not check this participant out", a, req.Actor)
	}

	at := req.Now.UTC()
	if err := l.store.CloseAttendance(ctx, a.ID, req.Actor.ID, at); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return CheckOutResult{}, apperrors.WithMetadata(apperrors.CodeNoOpenAttendance, "attendance already checked out", meta)
		}
		return CheckOutResult{}, storage.Failure(ctx, "close attendance", err)
	}

	appLog.Info("checked out",
		"attendance_id", a.ID,
		"participant_id", a.ParticipantID,
		"occurrence_id", a.OccurrenceID,
		"actor_id", req.Actor.ID,
	)
	return CheckOutResult{AttendanceID: a.ID, CheckedOutAt: at}, nil
}

// reject writes the audit record of a refused check-out and builds the error.
// The candidate code is never logged.
func (l *Ledger) reject(code apperrors.Code, msg string, a model.Attendance, actor model.Actor) error {
	meta := map[string]string{
		"attendance_id":  a.ID,
		"participant_id": a.ParticipantID,
		"occurrence_id":  a.OccurrenceID,
		"actor_id":       actor.ID,
	}
	appLog.Warn("audit: check-out rejected",
		"reason", code,
		"attendance_id", a.ID,
		"participant_id", a.ParticipantID,
		"occurrence_id", a.OccurrenceID,
		"actor_id", actor.ID,
	)
	return apperrors.WithMetadata(code, msg, meta)
}
