package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// SyncCommands upserts the in-process command registry into the commands
// table so toggles survive restarts and renamed descriptions propagate.
func (s *Store) SyncCommands(ctx context.Context, cmds []Command) error {
	for _, cmd := range cmds {
		q := s.sql.Insert("commands").
			Columns("name", "description", "enabled_default").
			Values(cmd.Name, cmd.Description, cmd.EnabledDefault).
			Suffix("ON CONFLICT(name) DO UPDATE SET description=excluded.description, enabled_default=excluded.enabled_default")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build command upsert query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("upsert command %q: %w", cmd.Name, err)
		}
	}
	return nil
}

func (s *Store) ListCommands(ctx context.Context) ([]Command, error) {
	q := s.sql.Select("id", "name", "description", "enabled_default").
		From("commands").
		OrderBy("name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list commands query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	out := make([]Command, 0)
	for rows.Next() {
		var c Command
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.EnabledDefault); err != nil {
			return nil, fmt.Errorf("scan command row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate command rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetCommandByName(ctx context.Context, name string) (Command, error) {
	q := s.sql.Select("id", "name", "description", "enabled_default").
		From("commands").
		Where(sq.Eq{"name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Command{}, fmt.Errorf("build command query: %w", err)
	}

	var c Command
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.Name, &c.Description, &c.EnabledDefault); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Command{}, ErrNotFound
		}
		return Command{}, fmt.Errorf("get command: %w", err)
	}
	return c, nil
}
