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

const occurrenceColumns = `id, event_id, start_at, end_at, status, created_at, updated_at`

// GetOccurrence returns one occurrence by id.
func (s *Store) GetOccurrence(ctx context.Context, id string) (model.Occurrence, error) {
	if err := s.ready(ctx); err != nil {
		return model.Occurrence{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE id = ?`,
		strings.TrimSpace(id),
	)
	occ, err := scanOccurrence(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Occurrence{}, storage.ErrNotFound
		}
		return model.Occurrence{}, wrap("get occurrence", err)
	}
	return occ, nil
}

// ListOccurrences returns an event's occurrences starting in [from, to).
func (s *Store) ListOccurrences(ctx context.Context, eventID string, from, to time.Time) ([]model.Occurrence, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := `SELECT ` + occurrenceColumns + ` FROM occurrences WHERE event_id = ?`
	args := []any{strings.TrimSpace(eventID)}
	if !from.IsZero() {
		query += ` AND start_at >= ?`
		args = append(args, toMillis(from))
	}
	if !to.IsZero() {
		query += ` AND start_at < ?`
		args = append(args, toMillis(to))
	}
	query += ` ORDER BY start_at`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list occurrences", err)
	}
	defer rows.Close()

	var out []model.Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, wrap("scan occurrence", err)
		}
		out = append(out, occ)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list occurrences", err)
	}
	return out, nil
}

// ApplyOccurrenceChanges reconciles one event's occurrences in a single
// transaction. Removals run first so their slots can be reused by inserts.
// Occurrences that already have attendance are never rescheduled or removed,
// and no insert or reschedule may overlap another occurrence of the event.
func (s *Store) ApplyOccurrenceChanges(ctx context.Context, changes storage.OccurrenceChanges) (storage.OccurrenceChangeResult, error) {
	var result storage.OccurrenceChangeResult
	if err := s.ready(ctx); err != nil {
		return result, err
	}
	eventID := strings.TrimSpace(changes.EventID)
	if eventID == "" {
		return result, fmt.Errorf("event id is required")
	}
	at := changes.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range changes.Remove {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM occurrences
				  WHERE id = ? AND event_id = ?
				    AND NOT EXISTS (SELECT 1 FROM attendances a WHERE a.occurrence_id = occurrences.id)`,
				id, eventID,
			)
			if err != nil {
				return fmt.Errorf("remove occurrence %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				result.Removed++
			} else {
				result.Retained++
			}
		}

		for _, occ := range changes.Reschedule {
			res, err := tx.ExecContext(ctx,
				`UPDATE occurrences
				    SET end_at = ?, updated_at = ?
				  WHERE id = ? AND event_id = ?
				    AND NOT EXISTS (SELECT 1 FROM attendances a WHERE a.occurrence_id = occurrences.id)
				    AND NOT EXISTS (
				        SELECT 1 FROM occurrences o
				         WHERE o.event_id = occurrences.event_id
				           AND o.id <> occurrences.id
				           AND o.start_at < ? AND o.end_at > occurrences.start_at)`,
				toMillis(occ.End), toMillis(at), occ.ID, eventID, toMillis(occ.End),
			)
			if err != nil {
				return fmt.Errorf("reschedule occurrence %s: %w", occ.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				result.Rescheduled++
			} else {
				result.Retained++
			}
		}

		for _, occ := range changes.Insert {
			status := occ.Status
			if status == "" {
				status = model.OccurrenceScheduled
			}
			start, end := toMillis(occ.Start), toMillis(occ.End)
			res, err := tx.ExecContext(ctx,
				`INSERT INTO occurrences (`+occurrenceColumns+`)
				 SELECT ?, ?, ?, ?, ?, ?, ?
				  WHERE NOT EXISTS (
				        SELECT 1 FROM occurrences o
				         WHERE o.event_id = ? AND o.start_at < ? AND o.end_at > ?)`,
				occ.ID, eventID, start, end, string(status), toMillis(at), toMillis(at),
				eventID, end, start,
			)
			if err != nil {
				return fmt.Errorf("insert occurrence %s: %w", occ.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				result.Inserted++
			} else {
				result.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return storage.OccurrenceChangeResult{}, wrap("apply occurrence changes", err)
	}
	return result, nil
}

// TransitionOccurrence moves an occurrence between statuses if it is
// currently in status from.
func (s *Store) TransitionOccurrence(ctx context.Context, id string, from, to model.OccurrenceStatus, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE occurrences SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toMillis(at), strings.TrimSpace(id), string(from),
	)
	if err != nil {
		return wrap("transition occurrence", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("transition occurrence", err)
	}
	if n == 0 {
		if _, err := s.GetOccurrence(ctx, id); err != nil {
			return err
		}
		return storage.ErrConflict
	}
	return nil
}

// CompleteEndedOccurrences marks every scheduled occurrence that ended at
// or before endedBy as completed.
func (s *Store) CompleteEndedOccurrences(ctx context.Context, endedBy, at time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE occurrences SET status = ?, updated_at = ? WHERE status = ? AND end_at <= ?`,
		string(model.OccurrenceCompleted), toMillis(at), string(model.OccurrenceScheduled), toMillis(endedBy),
	)
	if err != nil {
		return 0, wrap("complete occurrences", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("complete occurrences", err)
	}
	return int(n), nil
}

func scanOccurrence(row scanner) (model.Occurrence, error) {
	var (
		occ                  model.Occurrence
		status               string
		startAt, endAt       int64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&occ.ID, &occ.EventID, &startAt, &endAt, &status, &createdAt, &updatedAt); err != nil {
		return model.Occurrence{}, err
	}
	occ.Start = fromMillis(startAt)
	occ.End = fromMillis(endAt)
	occ.Status = model.OccurrenceStatus(status)
	occ.CreatedAt = fromMillis(createdAt)
	occ.UpdatedAt = fromMillis(updatedAt)
	return occ, nil
}
