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

const attendanceColumns = `id, participant_id, occurrence_id, status, checked_in_at, checked_in_by,
       safety_code_hash, checked_out_at, checked_out_by`

// GetAttendance returns one attendance by id.
func (s *Store) GetAttendance(ctx context.Context, id string) (model.Attendance, error) {
	if err := s.ready(ctx); err != nil {
		return model.Attendance{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+attendanceColumns+` FROM attendances WHERE id = ?`,
		strings.TrimSpace(id),
	)
	a, err := scanAttendance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Attendance{}, storage.ErrNotFound
		}
		return model.Attendance{}, wrap("get attendance", err)
	}
	return a, nil
}

// GetOpenAttendance returns the open attendance of a participant at an
// occurrence.
func (s *Store) GetOpenAttendance(ctx context.Context, participantID, occurrenceID string) (model.Attendance, error) {
	if err := s.ready(ctx); err != nil {
		return model.Attendance{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+attendanceColumns+` FROM attendances
		  WHERE participant_id = ? AND occurrence_id = ? AND status = ?`,
		strings.TrimSpace(participantID), strings.TrimSpace(occurrenceID), string(model.AttendanceCheckedIn),
	)
	a, err := scanAttendance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Attendance{}, storage.ErrNotFound
		}
		return model.Attendance{}, wrap("get open attendance", err)
	}
	return a, nil
}

// CreateAttendance inserts an open attendance. The capacity check and the
// insert run under the write lock taken at BEGIN, so concurrent check-ins
// cannot overfill an occurrence.
func (s *Store) CreateAttendance(ctx context.Context, a model.Attendance, capacity int) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return fmt.Errorf("attendance id is required")
	}
	if a.CheckedInAt.IsZero() {
		return fmt.Errorf("check-in time is required")
	}

	var inserted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO attendances (`+attendanceColumns+`)
			 SELECT ?, ?, ?, ?, ?, ?, ?, NULL, ''
			  WHERE ? <= 0
			     OR (SELECT COUNT(*) FROM attendances
			          WHERE occurrence_id = ? AND status = ?) < ?`,
			a.ID,
			a.ParticipantID,
			a.OccurrenceID,
			string(model.AttendanceCheckedIn),
			toMillis(a.CheckedInAt),
			a.CheckedInBy,
			a.SafetyCodeHash,
			capacity,
			a.OccurrenceID,
			string(model.AttendanceCheckedIn),
			capacity,
		)
		if err != nil {
			return err
		}
		inserted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return wrap("create attendance", err)
	}
	if inserted == 0 {
		return storage.ErrCapacity
	}
	return nil
}

// CloseAttendance is the single transition to checked out: only the first
// caller matches the status guard.
func (s *Store) CloseAttendance(ctx context.Context, id, actorID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	var closed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE attendances
			    SET status = ?, checked_out_at = ?, checked_out_by = ?
			  WHERE id = ? AND status = ?`,
			string(model.AttendanceCheckedOut),
			toMillis(at),
			actorID,
			strings.TrimSpace(id),
			string(model.AttendanceCheckedIn),
		)
		if err != nil {
			return err
		}
		closed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return wrap("close attendance", err)
	}
	if closed == 0 {
		return storage.ErrConflict
	}
	return nil
}

// ListAttendances returns every attendance of an occurrence by check-in time.
func (s *Store) ListAttendances(ctx context.Context, occurrenceID string) ([]model.Attendance, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+attendanceColumns+` FROM attendances
		  WHERE occurrence_id = ?
		  ORDER BY checked_in_at, id`,
		strings.TrimSpace(occurrenceID),
	)
	if err != nil {
		return nil, wrap("list attendances", err)
	}
	defer rows.Close()

	var out []model.Attendance
	for rows.Next() {
		a, err := scanAttendance(rows)
		if err != nil {
			return nil, wrap("scan attendance", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list attendances", err)
	}
	return out, nil
}

func scanAttendance(row scanner) (model.Attendance, error) {
	var (
		a            model.Attendance
		status       string
		checkedInAt  int64
		checkedOutAt sql.NullInt64
	)
	if err := row.Scan(
		&a.ID,
		&a.ParticipantID,
		&a.OccurrenceID,
		&status,
		&checkedInAt,
		&a.CheckedInBy,
		&a.SafetyCodeHash,
		&checkedOutAt,
		&a.CheckedOutBy,
	); err != nil {
		return model.Attendance{}, err
	}
	a.Status = model.AttendanceStatus(status)
	a.CheckedInAt = fromMillis(checkedInAt)
	if checkedOutAt.Valid {
		t := fromMillis(checkedOutAt.Int64)
		a.CheckedOutAt = &t
	}
	return a, nil
}
