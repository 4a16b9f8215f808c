package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rollcall/internal/model"
	"rollcall/internal/storage"
)

const eventColumns = `id, title, description, kind, timezone, start_at, end_at,
       recurrence, recurrence_start, recurrence_end, capacity, created_at, updated_at`

// CreateEvent inserts one event definition.
func (s *Store) CreateEvent(ctx context.Context, ev model.Event) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	ev.ID = strings.TrimSpace(ev.ID)
	if ev.ID == "" {
		return fmt.Errorf("event id is required")
	}

	createdAt := ev.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := ev.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	def, err := encodeDefinition(ev)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		strings.TrimSpace(ev.Title),
		ev.Description,
		string(ev.Kind),
		ev.Timezone,
		def.startAt,
		def.endAt,
		def.rule,
		def.ruleStart,
		def.ruleEnd,
		ev.Capacity,
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return wrap("create event", err)
	}
	return nil
}

// UpdateEvent replaces the definition of an existing event. The creation
// time is kept.
func (s *Store) UpdateEvent(ctx context.Context, ev model.Event) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	def, err := encodeDefinition(ev)
	if err != nil {
		return err
	}
	updatedAt := ev.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE events
		    SET title = ?, description = ?, kind = ?, timezone = ?,
		        start_at = ?, end_at = ?, recurrence = ?, recurrence_start = ?, recurrence_end = ?,
		        capacity = ?, updated_at = ?
		  WHERE id = ?`,
		strings.TrimSpace(ev.Title),
		ev.Description,
		string(ev.Kind),
		ev.Timezone,
		def.startAt,
		def.endAt,
		def.rule,
		def.ruleStart,
		def.ruleEnd,
		ev.Capacity,
		toMillis(updatedAt),
		strings.TrimSpace(ev.ID),
	)
	if err != nil {
		return wrap("update event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("update event", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// definition holds the kind-specific event columns.
type definition struct {
	startAt, endAt     sql.NullInt64
	rule               sql.NullString
	ruleStart, ruleEnd sql.NullString
}

func encodeDefinition(ev model.Event) (definition, error) {
	var def definition
	switch ev.Kind {
	case model.EventSingle:
		def.startAt = sql.NullInt64{Int64: toMillis(ev.Start), Valid: true}
		def.endAt = sql.NullInt64{Int64: toMillis(ev.End), Valid: true}
	case model.EventRecurring:
		if ev.Recurrence == nil {
			return def, fmt.Errorf("recurring event %s has no rule", ev.ID)
		}
		payload, err := json.Marshal(ev.Recurrence)
		if err != nil {
			return def, fmt.Errorf("encode recurrence: %w", err)
		}
		def.rule = sql.NullString{String: string(payload), Valid: true}
		def.ruleStart = sql.NullString{String: ev.Recurrence.StartDate.String(), Valid: true}
		def.ruleEnd = sql.NullString{String: ev.Recurrence.EndDate.String(), Valid: true}
	default:
		return def, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return def, nil
}

// GetEvent returns one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (model.Event, error) {
	if err := s.ready(ctx); err != nil {
		return model.Event{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`,
		strings.TrimSpace(id),
	)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Event{}, storage.ErrNotFound
		}
		return model.Event{}, wrap("get event", err)
	}
	return ev, nil
}

// ListEvents returns events of the given kind, or all events when kind is
// empty, ordered by creation.
func (s *Store) ListEvents(ctx context.Context, kind model.EventKind) ([]model.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list events", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, wrap("scan event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list events", err)
	}
	return out, nil
}

func scanEvent(row scanner) (model.Event, error) {
	var (
		ev                   model.Event
		kind                 string
		startAt, endAt       sql.NullInt64
		rule                 sql.NullString
		ruleStart, ruleEnd   sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&ev.ID,
		&ev.Title,
		&ev.Description,
		&kind,
		&ev.Timezone,
		&startAt,
		&endAt,
		&rule,
		&ruleStart,
		&ruleEnd,
		&ev.Capacity,
		&createdAt,
		&updatedAt,
	); err != nil {
		return model.Event{}, err
	}

	ev.Kind = model.EventKind(kind)
	if startAt.Valid {
		ev.Start = fromMillis(startAt.Int64)
	}
	if endAt.Valid {
		ev.End = fromMillis(endAt.Int64)
	}
	if rule.Valid {
		var rec model.Recurrence
		if err := json.Unmarshal([]byte(rule.String), &rec); err != nil {
			return model.Event{}, fmt.Errorf("decode recurrence of %s: %w", ev.ID, err)
		}
		var err error
		if rec.StartDate, err = model.ParseDate(ruleStart.String); err != nil {
			return model.Event{}, fmt.Errorf("recurrence start of %s: %w", ev.ID, err)
		}
		if rec.EndDate, err = model.ParseDate(ruleEnd.String); err != nil {
			return model.Event{}, fmt.Errorf("recurrence end of %s: %w", ev.ID, err)
		}
		ev.Recurrence = &rec
	}
	ev.CreatedAt = fromMillis(createdAt)
	ev.UpdatedAt = fromMillis(updatedAt)
	return ev, nil
}
