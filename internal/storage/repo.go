package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	// ErrInUse is returned when a delete would orphan rows that still
	// reference the entity.
	ErrInUse = errors.New("still referenced")
)

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	e.DetailJSON = normalizeJSON(e.DetailJSON)

	q := s.sql.Insert("audit_log").
		Columns("actor", "action", "entity", "detail_json").
		Values(e.Actor, e.Action, e.Entity, e.DetailJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func normalizeJSON(raw string) string {
	if strings.TrimSpace(raw) == "" || !json.Valid([]byte(raw)) {
		return "{}"
	}
	return raw
}
