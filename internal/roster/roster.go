// Package roster registers participants and maintains guardian links.
package roster

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
	"rollcall/internal/storage"
)

// Roster is the participant registry.
type Roster struct {
	store    storage.ParticipantStore
	clock    clock.Clock
	minorAge int
	loc      *time.Location
	timeout  time.Duration
	newID    func() string
}

// New wires a roster to its store. A nil clock means the system clock.
func New(store storage.ParticipantStore, cfg *config.Config, clk clock.Clock) *Roster {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Roster{
		store:    store,
		clock:    clk,
		minorAge: cfg.MinorAge,
		loc:      cfg.Location(),
		timeout:  cfg.StorageTimeout,
		newID:    uuid.NewString,
	}
}

func (r *Roster) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Register stores a new participant and returns it with its id assigned.
func (r *Roster) Register(ctx context.Context, p model.Participant) (model.Participant, error) {
	p.FullName = strings.TrimSpace(p.FullName)
	if p.FullName == "" {
		return model.Participant{}, apperrors.New(apperrors.CodeValidation, "participant name is required")
	}
	if p.BirthDate.IsZero() {
		return model.Participant{}, apperrors.New(apperrors.CodeValidation, "participant birth date is required")
	}
	now := r.clock.Now().UTC()
	if p.BirthDate.After(model.DateOf(now.In(r.loc))) {
		return model.Participant{}, apperrors.New(apperrors.CodeValidation, "participant birth date is in the future")
	}
	if strings.TrimSpace(p.ID) == "" {
		p.ID = r.newID()
	}
	p.CreatedAt, p.UpdatedAt = now, now

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.store.CreateParticipant(ctx, p); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return model.Participant{}, apperrors.WithMetadata(apperrors.CodeValidation,
				"participant id already exists", map[string]string{"participant_id": p.ID})
		}
		return model.Participant{}, storage.Failure(ctx, "create participant", err)
	}
	appLog.Info("participant registered", "participant_id", p.ID, "category", p.CategoryAt(now, r.loc, r.minorAge))
	return p, nil
}

// Get returns a participant by id.
func (r *Roster) Get(ctx context.Context, id string) (model.Participant, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.get(ctx, id)
}

func (r *Roster) get(ctx context.Context, id string) (model.Participant, error) {
	p, err := r.store.GetParticipant(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Participant{}, apperrors.WithMetadata(apperrors.CodeNotFound,
				"participant not found", map[string]string{"participant_id": id})
		}
		return model.Participant{}, storage.Failure(ctx, "get participant", err)
	}
	return p, nil
}

// Category classifies a participant as of now.
func (r *Roster) Category(p model.Participant) model.Category {
	return p.CategoryAt(r.clock.Now(), r.loc, r.minorAge)
}

// LinkGuardian makes guardianID a guardian of minorID. The actor must be
// privileged, the minor must currently be a minor and the guardian an adult.
func (r *Roster) LinkGuardian(ctx context.Context, actor model.Actor, minorID, guardianID string) error {
	if !actor.Privileged {
		return apperrors.WithMetadata(apperrors.CodeNotPermitted,
			"linking guardians requires an organizer", map[string]string{"actor_id": actor.ID})
	}
	if minorID == guardianID {
		return apperrors.New(apperrors.CodeValidation, "a participant cannot be their own guardian")
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	minor, err := r.get(ctx, minorID)
	if err != nil {
		return err
	}
	guardian, err := r.get(ctx, guardianID)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	if minor.CategoryAt(now, r.loc, r.minorAge) != model.CategoryMinor {
		return apperrors.WithMetadata(apperrors.CodeValidation, "only minors have guardians",
			map[string]string{"participant_id": minorID})
	}
	if guardian.CategoryAt(now, r.loc, r.minorAge) != model.CategoryAdult {
		return apperrors.WithMetadata(apperrors.CodeValidation, "a guardian must be an adult",
			map[string]string{"participant_id": guardianID})
	}

	if err := r.store.LinkGuardian(ctx, minorID, guardianID, now.UTC()); err != nil {
		return storage.Failure(ctx, "link guardian", err)
	}
	appLog.Info("guardian linked", "minor_id", minorID, "guardian_id", guardianID, "actor_id", actor.ID)
	return nil
}

// UnlinkGuardian removes a guardian link. It takes effect for check-outs
// that happen afterwards, including of minors already checked in.
func (r *Roster) UnlinkGuardian(ctx context.Context, actor model.Actor, minorID, guardianID string) error {
	if !actor.Privileged {
		return apperrors.WithMetadata(apperrors.CodeNotPermitted,
			"unlinking guardians requires an organizer", map[string]string{"actor_id": actor.ID})
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.store.UnlinkGuardian(ctx, minorID, guardianID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeNotFound, "guardian link not found",
				map[string]string{"minor_id": minorID, "guardian_id": guardianID})
		}
		return storage.Failure(ctx, "unlink guardian", err)
	}
	appLog.Info("guardian unlinked", "minor_id", minorID, "guardian_id", guardianID, "actor_id", actor.ID)
	return nil
}

// Guardians returns the guardian ids of a minor.
func (r *Roster) Guardians(ctx context.Context, minorID string) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ids, err := r.store.ListGuardians(ctx, minorID)
	if err != nil {
		return nil, storage.Failure(ctx, "list guardians", err)
	}
	return ids, nil
}
