package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// ErrStepRange marks a step number outside the chain's 1..N sequence.
var ErrStepRange = errors.New("step number out of range")

func (s *Store) CreateChain(ctx context.Context, name, description string) (int64, error) {
	if _, err := s.GetChainByName(ctx, name); err == nil {
		return 0, ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	q := s.sql.Insert("chains").Columns("name", "description").Values(name, description)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build chain insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("insert chain: %w", err)
	}

	created, err := s.GetChainByName(ctx, name)
	if err != nil {
		return 0, err
	}
	return created.ID, nil
}

func (s *Store) GetChainByName(ctx context.Context, name string) (Chain, error) {
	return s.getChain(ctx, sq.Eq{"name": name})
}

func (s *Store) GetChainByID(ctx context.Context, id int64) (Chain, error) {
	return s.getChain(ctx, sq.Eq{"id": id})
}

func (s *Store) getChain(ctx context.Context, where sq.Sqlizer) (Chain, error) {
	q := s.sql.Select("id", "name", "description", "created_at", "updated_at").
		From("chains").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chain{}, fmt.Errorf("build chain query: %w", err)
	}

	var c Chain
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chain{}, ErrNotFound
		}
		return Chain{}, fmt.Errorf("get chain: %w", err)
	}
	return c, nil
}

func (s *Store) ListChains(ctx context.Context) ([]Chain, error) {
	q := s.sql.Select("id", "name", "description", "created_at", "updated_at").
		From("chains").
		OrderBy("name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chains query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	defer rows.Close()

	out := make([]Chain, 0)
	for rows.Next() {
		var c Chain
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chain row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateChain(ctx context.Context, name, newName, description string) error {
	if newName != "" && newName != name {
		if _, err := s.GetChainByName(ctx, newName); err == nil {
			return ErrConflict
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	q := s.sql.Update("chains").
		Set("description", description).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"name": name})
	if newName != "" {
		q = q.Set("name", newName)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build chain update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update chain: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteChainByName(ctx context.Context, name string) error {
	q := s.sql.Delete("chains").Where(sq.Eq{"name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete chain query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete chain: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetChainDetail(ctx context.Context, name string) (ChainDetail, error) {
	chain, err := s.GetChainByName(ctx, name)
	if err != nil {
		return ChainDetail{}, err
	}
	steps, err := s.ListChainSteps(ctx, chain.ID)
	if err != nil {
		return ChainDetail{}, err
	}
	return ChainDetail{Chain: chain, Steps: steps}, nil
}

func (s *Store) ListChainSteps(ctx context.Context, chainID int64) ([]ChainStep, error) {
	q := s.sql.Select(
		"cs.id", "cs.chain_id", "cs.step_number", "cs.agent_id", "COALESCE(a.name, '')",
		"cs.step_type", "cs.target", "cs.args_json",
	).From("chain_steps cs").
		LeftJoin("agents a ON cs.agent_id = a.id").
		Where(sq.Eq{"cs.chain_id": chainID}).
		OrderBy("cs.step_number ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build chain steps query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chain steps: %w", err)
	}
	defer rows.Close()

	out := make([]ChainStep, 0)
	for rows.Next() {
		var st ChainStep
		var agentID sql.NullInt64
		if err := rows.Scan(&st.ID, &st.ChainID, &st.StepNumber, &agentID, &st.AgentName, &st.StepType, &st.Target, &st.ArgsJSON); err != nil {
			return nil, fmt.Errorf("scan chain step row: %w", err)
		}
		if agentID.Valid {
			st.AgentID = &agentID.Int64
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain step rows: %w", err)
	}
	return out, nil
}

// AddChainStep inserts the step at st.StepNumber, shifting later steps right.
// A step number past the end appends; the sequence stays dense either way.
func (s *Store) AddChainStep(ctx context.Context, st ChainStep) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ids, err := s.orderedStepIDs(ctx, tx, st.ChainID)
		if err != nil {
			return err
		}

		maxQ := s.sql.Select("COALESCE(MAX(step_number), 0)").From("chain_steps").Where(sq.Eq{"chain_id": st.ChainID})
		sqlStr, args, err := maxQ.ToSql()
		if err != nil {
			return fmt.Errorf("build max step query: %w", err)
		}
		var maxStep int
		if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&maxStep); err != nil {
			return fmt.Errorf("get max step number: %w", err)
		}

		parked := maxStep + 1
		ins := s.sql.Insert("chain_steps").
			Columns("chain_id", "step_number", "agent_id", "step_type", "target", "args_json").
			Values(st.ChainID, parked, st.AgentID, st.StepType, st.Target, normalizeJSON(st.ArgsJSON))
		sqlStr, args, err = ins.ToSql()
		if err != nil {
			return fmt.Errorf("build step insert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert chain step: %w", err)
		}

		sel := s.sql.Select("id").From("chain_steps").Where(sq.Eq{"chain_id": st.ChainID, "step_number": parked})
		sqlStr, args, err = sel.ToSql()
		if err != nil {
			return fmt.Errorf("build step id query: %w", err)
		}
		var newID int64
		if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&newID); err != nil {
			return fmt.Errorf("get inserted step id: %w", err)
		}

		pos := st.StepNumber
		if pos < 1 {
			pos = 1
		}
		if pos > len(ids)+1 {
			pos = len(ids) + 1
		}
		ordered := make([]int64, 0, len(ids)+1)
		ordered = append(ordered, ids[:pos-1]...)
		ordered = append(ordered, newID)
		ordered = append(ordered, ids[pos-1:]...)

		return s.renumberSteps(ctx, tx, st.ChainID, ordered)
	})
}

func (s *Store) UpdateChainStep(ctx context.Context, chainID int64, stepNumber int, st ChainStep) error {
	q := s.sql.Update("chain_steps").
		Set("agent_id", st.AgentID).
		Set("step_type", st.StepType).
		Set("target", st.Target).
		Set("args_json", normalizeJSON(st.ArgsJSON)).
		Where(sq.Eq{"chain_id": chainID, "step_number": stepNumber})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build step update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update chain step: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteChainStep(ctx context.Context, chainID int64, stepNumber int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		del := s.sql.Delete("chain_steps").Where(sq.Eq{"chain_id": chainID, "step_number": stepNumber})
		sqlStr, args, err := del.ToSql()
		if err != nil {
			return fmt.Errorf("build step delete query: %w", err)
		}
		res, err := tx.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return fmt.Errorf("delete chain step: %w", err)
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return ErrNotFound
		}

		ids, err := s.orderedStepIDs(ctx, tx, chainID)
		if err != nil {
			return err
		}
		return s.renumberSteps(ctx, tx, chainID, ids)
	})
}

func (s *Store) MoveChainStep(ctx context.Context, chainID int64, oldNumber, newNumber int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ids, err := s.orderedStepIDs(ctx, tx, chainID)
		if err != nil {
			return err
		}
		if oldNumber < 1 || oldNumber > len(ids) || newNumber < 1 || newNumber > len(ids) {
			return ErrStepRange
		}
		if oldNumber == newNumber {
			return nil
		}

		moved := ids[oldNumber-1]
		rest := append(append([]int64{}, ids[:oldNumber-1]...), ids[oldNumber:]...)
		ordered := make([]int64, 0, len(ids))
		ordered = append(ordered, rest[:newNumber-1]...)
		ordered = append(ordered, moved)
		ordered = append(ordered, rest[newNumber-1:]...)

		return s.renumberSteps(ctx, tx, chainID, ordered)
	})
}

func (s *Store) orderedStepIDs(ctx context.Context, tx *sql.Tx, chainID int64) ([]int64, error) {
	q := s.sql.Select("id").From("chain_steps").Where(sq.Eq{"chain_id": chainID}).OrderBy("step_number ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build step ids query: %w", err)
	}
	rows, err := tx.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list step ids: %w", err)
	}
	defer rows.Close()

	out := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan step id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step ids: %w", err)
	}
	return out, nil
}

// renumberSteps rewrites step numbers to the dense 1..N order given by ids.
// Numbers are negated first so the unique constraint never trips mid-update.
func (s *Store) renumberSteps(ctx context.Context, tx *sql.Tx, chainID int64, ids []int64) error {
	neg := s.sql.Update("chain_steps").
		Set("step_number", sq.Expr("-step_number")).
		Where(sq.Eq{"chain_id": chainID})
	sqlStr, args, err := neg.ToSql()
	if err != nil {
		return fmt.Errorf("build step negate query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("negate step numbers: %w", err)
	}

	for i, id := range ids {
		upd := s.sql.Update("chain_steps").
			Set("step_number", i+1).
			Where(sq.Eq{"id": id})
		sqlStr, args, err := upd.ToSql()
		if err != nil {
			return fmt.Errorf("build step renumber query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("renumber step %d: %w", id, err)
		}
	}
	return nil
}
