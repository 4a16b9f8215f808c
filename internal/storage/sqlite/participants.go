package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rollcall/internal/model"
	"rollcall/internal/storage"
)

// CreateParticipant inserts one participant.
func (s *Store) CreateParticipant(ctx context.Context, p model.Participant) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return fmt.Errorf("participant id is required")
	}
	if p.BirthDate.IsZero() {
		return fmt.Errorf("participant birth date is required")
	}
	createdAt := p.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := p.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO participants (id, full_name, birth_date, phone, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		strings.TrimSpace(p.FullName),
		p.BirthDate.String(),
		strings.TrimSpace(p.Phone),
		p.Notes,
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return wrap("create participant", err)
	}
	return nil
}

// GetParticipant returns one participant by id.
func (s *Store) GetParticipant(ctx context.Context, id string) (model.Participant, error) {
	if err := s.ready(ctx); err != nil {
		return model.Participant{}, err
	}
	var (
		p                    model.Participant
		birthDate            string
		createdAt, updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, full_name, birth_date, phone, notes, created_at, updated_at
		   FROM participants WHERE id = ?`,
		strings.TrimSpace(id),
	).Scan(&p.ID, &p.FullName, &birthDate, &p.Phone, &p.Notes, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Participant{}, storage.ErrNotFound
		}
		return model.Participant{}, wrap("get participant", err)
	}
	if p.BirthDate, err = model.ParseDate(birthDate); err != nil {
		return model.Participant{}, fmt.Errorf("participant %s: %w", p.ID, err)
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

// LinkGuardian records guardianID as a guardian of minorID. Linking an
// existing pair again is a no-op.
func (s *Store) LinkGuardian(ctx context.Context, minorID, guardianID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO participant_guardians (minor_id, guardian_id, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (minor_id, guardian_id) DO NOTHING`,
		strings.TrimSpace(minorID), strings.TrimSpace(guardianID), toMillis(at),
	)
	if err != nil {
		return wrap("link guardian", err)
	}
	return nil
}

// UnlinkGuardian removes a guardian link.
func (s *Store) UnlinkGuardian(ctx context.Context, minorID, guardianID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM participant_guardians WHERE minor_id = ? AND guardian_id = ?`,
		strings.TrimSpace(minorID), strings.TrimSpace(guardianID),
	)
	if err != nil {
		return wrap("unlink guardian", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("unlink guardian", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListGuardians returns the guardian ids of a minor in link order.
func (s *Store) ListGuardians(ctx context.Context, minorID string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT guardian_id FROM participant_guardians
		  WHERE minor_id = ?
		  ORDER BY created_at, guardian_id`,
		strings.TrimSpace(minorID),
	)
	if err != nil {
		return nil, wrap("list guardians", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("scan guardian", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list guardians", err)
	}
	return out, nil
}

// IsGuardian reports whether a direct guardian link exists.
func (s *Store) IsGuardian(ctx context.Context, guardianID, minorID string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	var one int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM participant_guardians WHERE minor_id = ? AND guardian_id = ?`,
		strings.TrimSpace(minorID), strings.TrimSpace(guardianID),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("check guardian", err)
	}
	return true, nil
}
