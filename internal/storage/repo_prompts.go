package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreatePrompt(ctx context.Context, p Prompt) (int64, error) {
	if _, err := s.GetPromptByName(ctx, p.Name); err == nil {
		return 0, ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	q := s.sql.Insert("prompts").
		Columns("name", "content", "description").
		Values(p.Name, p.Content, p.Description)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build prompt insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("insert prompt: %w", err)
	}

	created, err := s.GetPromptByName(ctx, p.Name)
	if err != nil {
		return 0, err
	}
	return created.ID, nil
}

// EnsurePrompt seeds a default template without clobbering operator edits.
func (s *Store) EnsurePrompt(ctx context.Context, p Prompt) error {
	q := s.sql.Insert("prompts").
		Columns("name", "content", "description").
		Values(p.Name, p.Content, p.Description).
		Suffix("ON CONFLICT(name) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build prompt ensure query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("ensure prompt: %w", err)
	}
	return nil
}

func (s *Store) GetPromptByName(ctx context.Context, name string) (Prompt, error) {
	q := s.sql.Select("id", "name", "content", "description", "created_at", "updated_at").
		From("prompts").
		Where(sq.Eq{"name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Prompt{}, fmt.Errorf("build prompt query: %w", err)
	}

	var p Prompt
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ID, &p.Name, &p.Content, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Prompt{}, ErrNotFound
		}
		return Prompt{}, fmt.Errorf("get prompt: %w", err)
	}
	return p, nil
}

func (s *Store) ListPrompts(ctx context.Context) ([]Prompt, error) {
	q := s.sql.Select("id", "name", "content", "description", "created_at", "updated_at").
		From("prompts").
		OrderBy("name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list prompts query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	out := make([]Prompt, 0)
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.ID, &p.Name, &p.Content, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan prompt row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdatePrompt(ctx context.Context, name, newName, content, description string) error {
	if newName != "" && newName != name {
		if _, err := s.GetPromptByName(ctx, newName); err == nil {
			return ErrConflict
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	q := s.sql.Update("prompts").
		Set("content", content).
		Set("description", description).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"name": name})
	if newName != "" {
		q = q.Set("name", newName)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build prompt update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update prompt: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeletePromptByName(ctx context.Context, name string) error {
	q := s.sql.Delete("prompts").Where(sq.Eq{"name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete prompt query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete prompt: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
