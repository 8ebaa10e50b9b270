package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateAgent(ctx context.Context, a Agent) (int64, error) {
	if _, err := s.GetAgentByName(ctx, a.Name); err == nil {
		return 0, ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	q := s.sql.Insert("agents").
		Columns("name", "provider_id", "model", "system_prompt", "settings_json", "max_tokens", "temperature").
		Values(a.Name, a.ProviderID, a.Model, a.SystemPrompt, normalizeJSON(a.SettingsJSON), a.MaxTokens, a.Temperature)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build agent insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("insert agent: %w", err)
	}

	created, err := s.GetAgentByName(ctx, a.Name)
	if err != nil {
		return 0, err
	}
	return created.ID, nil
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (AgentWithProvider, error) {
	return s.getAgent(ctx, sq.Eq{"a.name": name})
}

func (s *Store) GetAgentByID(ctx context.Context, id int64) (AgentWithProvider, error) {
	return s.getAgent(ctx, sq.Eq{"a.id": id})
}

func (s *Store) getAgent(ctx context.Context, where sq.Sqlizer) (AgentWithProvider, error) {
	q := s.sql.Select(
		"a.id", "a.name", "a.provider_id", "a.model", "a.system_prompt", "a.settings_json",
		"a.max_tokens", "a.temperature", "a.created_at", "a.updated_at",
		"p.id", "p.name", "p.kind", "p.base_url", "p.enc_api_key", "p.config_json", "p.created_at", "p.updated_at",
	).From("agents a").
		Join("providers p ON a.provider_id = p.id").
		Where(where)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AgentWithProvider{}, fmt.Errorf("build agent query: %w", err)
	}

	var out AgentWithProvider
	var encAPIKey sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.ID, &out.Name, &out.ProviderID, &out.Model, &out.SystemPrompt, &out.SettingsJSON,
		&out.MaxTokens, &out.Temperature, &out.CreatedAt, &out.UpdatedAt,
		&out.Provider.ID, &out.Provider.Name, &out.Provider.Kind, &out.Provider.BaseURL,
		&encAPIKey, &out.Provider.ConfigJSON, &out.Provider.CreatedAt, &out.Provider.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentWithProvider{}, ErrNotFound
		}
		return AgentWithProvider{}, fmt.Errorf("get agent: %w", err)
	}
	if encAPIKey.Valid {
		out.Provider.EncAPIKey = &encAPIKey.String
	}
	return out, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]AgentWithProvider, error) {
	q := s.sql.Select(
		"a.id", "a.name", "a.provider_id", "a.model", "a.system_prompt", "a.settings_json",
		"a.max_tokens", "a.temperature", "a.created_at", "a.updated_at",
		"p.id", "p.name", "p.kind", "p.base_url", "p.enc_api_key", "p.config_json", "p.created_at", "p.updated_at",
	).From("agents a").
		Join("providers p ON a.provider_id = p.id").
		OrderBy("a.name ASC")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list agents query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	out := make([]AgentWithProvider, 0)
	for rows.Next() {
		var a AgentWithProvider
		var encAPIKey sql.NullString
		if err := rows.Scan(
			&a.ID, &a.Name, &a.ProviderID, &a.Model, &a.SystemPrompt, &a.SettingsJSON,
			&a.MaxTokens, &a.Temperature, &a.CreatedAt, &a.UpdatedAt,
			&a.Provider.ID, &a.Provider.Name, &a.Provider.Kind, &a.Provider.BaseURL,
			&encAPIKey, &a.Provider.ConfigJSON, &a.Provider.CreatedAt, &a.Provider.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		if encAPIKey.Valid {
			a.Provider.EncAPIKey = &encAPIKey.String
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateAgent(ctx context.Context, a Agent) error {
	q := s.sql.Update("agents").
		Set("provider_id", a.ProviderID).
		Set("model", a.Model).
		Set("system_prompt", a.SystemPrompt).
		Set("settings_json", normalizeJSON(a.SettingsJSON)).
		Set("max_tokens", a.MaxTokens).
		Set("temperature", a.Temperature).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"name": a.Name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build agent update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RenameAgent(ctx context.Context, oldName, newName string) error {
	if _, err := s.GetAgentByName(ctx, newName); err == nil {
		return ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	q := s.sql.Update("agents").
		Set("name", newName).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"name": oldName})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build agent rename query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("rename agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAgentByName(ctx context.Context, name string) error {
	q := s.sql.Delete("agents").Where(sq.Eq{"name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete agent query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAgentCommands returns every registry command with the agent's toggle,
// falling back to the command default when the agent has no explicit row.
func (s *Store) ListAgentCommands(ctx context.Context, agentID int64) ([]CommandToggle, error) {
	q := s.sql.Select("c.name", "c.description", "COALESCE(ac.enabled, c.enabled_default)").
		From("commands c").
		LeftJoin("agent_commands ac ON ac.command_id = c.id AND ac.agent_id = ?", agentID).
		OrderBy("c.name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build agent commands query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent commands: %w", err)
	}
	defer rows.Close()

	out := make([]CommandToggle, 0)
	for rows.Next() {
		var t CommandToggle
		if err := rows.Scan(&t.Name, &t.Description, &t.Enabled); err != nil {
			return nil, fmt.Errorf("scan agent command row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent command rows: %w", err)
	}
	return out, nil
}

func (s *Store) SetAgentCommand(ctx context.Context, agentID int64, commandName string, enabled bool) error {
	cmd, err := s.GetCommandByName(ctx, commandName)
	if err != nil {
		return err
	}

	q := s.sql.Insert("agent_commands").
		Columns("agent_id", "command_id", "enabled").
		Values(agentID, cmd.ID, enabled).
		Suffix("ON CONFLICT(agent_id, command_id) DO UPDATE SET enabled=excluded.enabled")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build agent command upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert agent command: %w", err)
	}
	return nil
}

// SetAllAgentCommands toggles every registry command for the agent at once,
// matching the "*" wildcard of the command toggle endpoint.
func (s *Store) SetAllAgentCommands(ctx context.Context, agentID int64, enabled bool) error {
	cmds, err := s.ListCommands(ctx)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, cmd := range cmds {
			q := s.sql.Insert("agent_commands").
				Columns("agent_id", "command_id", "enabled").
				Values(agentID, cmd.ID, enabled).
				Suffix("ON CONFLICT(agent_id, command_id) DO UPDATE SET enabled=excluded.enabled")
			sqlStr, args, err := q.ToSql()
			if err != nil {
				return fmt.Errorf("build agent command upsert query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
				return fmt.Errorf("upsert agent command: %w", err)
			}
		}
		return nil
	})
}

// AgentCommandEnabled resolves one command's effective toggle for an agent.
func (s *Store) AgentCommandEnabled(ctx context.Context, agentID int64, commandName string) (bool, error) {
	toggles, err := s.ListAgentCommands(ctx, agentID)
	if err != nil {
		return false, err
	}
	for _, t := range toggles {
		if t.Name == commandName {
			return t.Enabled, nil
		}
	}
	return false, ErrNotFound
}
