package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const providerColumns = "id, name, kind, base_url, enc_api_key, config_json, created_at, updated_at"

func (s *Store) CreateProvider(ctx context.Context, p Provider) (int64, error) {
	if _, err := s.GetProviderByName(ctx, p.Name); err == nil {
		return 0, ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	q := s.sql.Insert("providers").
		Columns("name", "kind", "base_url", "enc_api_key", "config_json").
		Values(p.Name, p.Kind, p.BaseURL, p.EncAPIKey, normalizeJSON(p.ConfigJSON))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build provider insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("insert provider: %w", err)
	}

	created, err := s.GetProviderByName(ctx, p.Name)
	if err != nil {
		return 0, err
	}
	return created.ID, nil
}

func (s *Store) GetProviderByName(ctx context.Context, name string) (Provider, error) {
	return s.getProvider(ctx, sq.Eq{"name": name})
}

func (s *Store) GetProviderByID(ctx context.Context, id int64) (Provider, error) {
	return s.getProvider(ctx, sq.Eq{"id": id})
}

func (s *Store) getProvider(ctx context.Context, where sq.Sqlizer) (Provider, error) {
	q := s.sql.Select(providerColumns).From("providers").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Provider{}, fmt.Errorf("build provider query: %w", err)
	}

	var p Provider
	var encAPIKey sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&p.ID, &p.Name, &p.Kind, &p.BaseURL, &encAPIKey, &p.ConfigJSON, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, ErrNotFound
		}
		return Provider{}, fmt.Errorf("get provider: %w", err)
	}
	if encAPIKey.Valid {
		p.EncAPIKey = &encAPIKey.String
	}
	return p, nil
}

func (s *Store) ListProviders(ctx context.Context) ([]Provider, error) {
	q := s.sql.Select(providerColumns).From("providers").OrderBy("name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	out := make([]Provider, 0)
	for rows.Next() {
		var p Provider
		var encAPIKey sql.NullString
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Kind, &p.BaseURL, &encAPIKey, &p.ConfigJSON, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		if encAPIKey.Valid {
			p.EncAPIKey = &encAPIKey.String
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider rows: %w", err)
	}
	return out, nil
}

// UpdateProvider overwrites the mutable columns of the provider named p.Name.
// A nil EncAPIKey keeps the stored key; clearing requires a new empty envelope.
func (s *Store) UpdateProvider(ctx context.Context, p Provider) error {
	q := s.sql.Update("providers").
		Set("kind", p.Kind).
		Set("base_url", p.BaseURL).
		Set("config_json", normalizeJSON(p.ConfigJSON)).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"name": p.Name})
	if p.EncAPIKey != nil {
		q = q.Set("enc_api_key", *p.EncAPIKey)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build provider update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteProviderByName(ctx context.Context, name string) error {
	p, err := s.GetProviderByName(ctx, name)
	if err != nil {
		return err
	}

	countQ := s.sql.Select("COUNT(*)").From("agents").Where(sq.Eq{"provider_id": p.ID})
	sqlStr, args, err := countQ.ToSql()
	if err != nil {
		return fmt.Errorf("build provider usage query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return fmt.Errorf("count provider usage: %w", err)
	}
	if n > 0 {
		return ErrInUse
	}

	q := s.sql.Delete("providers").Where(sq.Eq{"id": p.ID})
	sqlStr, args, err = q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete provider query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}
