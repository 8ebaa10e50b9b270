package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

const runColumns = "id, kind, agent_id, chain_id, conversation_id, input, state, output, error, created_at, started_at, finished_at"

func (s *Store) CreateRun(ctx context.Context, r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.State == "" {
		r.State = RunStatePending
	}
	// Explicit timestamp: sqlite's CURRENT_TIMESTAMP only has second
	// resolution, which breaks latest-run ordering under load.
	q := s.sql.Insert("runs").
		Columns("id", "kind", "agent_id", "chain_id", "conversation_id", "input", "state", "created_at").
		Values(r.ID, r.Kind, r.AgentID, r.ChainID, r.ConversationID, r.Input, r.State, time.Now().UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Run{}, fmt.Errorf("build run insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return s.GetRun(ctx, r.ID)
}

func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	q := s.sql.Select(runColumns).From("runs").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Run{}, fmt.Errorf("build run query: %w", err)
	}
	return s.scanRun(s.db.QueryRowContext(ctx, sqlStr, args...))
}

func (s *Store) LatestRunForAgent(ctx context.Context, agentID int64, kind string) (Run, error) {
	q := s.sql.Select(runColumns).
		From("runs").
		Where(sq.Eq{"agent_id": agentID, "kind": kind}).
		OrderBy("created_at DESC", "id DESC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Run{}, fmt.Errorf("build latest run query: %w", err)
	}
	return s.scanRun(s.db.QueryRowContext(ctx, sqlStr, args...))
}

func (s *Store) scanRun(row *sql.Row) (Run, error) {
	var r Run
	var agentID, chainID sql.NullInt64
	var convID sql.NullString
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&r.ID, &r.Kind, &agentID, &chainID, &convID, &r.Input, &r.State, &r.Output, &r.Error,
		&r.CreatedAt, &startedAt, &finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	if agentID.Valid {
		r.AgentID = &agentID.Int64
	}
	if chainID.Valid {
		r.ChainID = &chainID.Int64
	}
	if convID.Valid {
		r.ConversationID = &convID.String
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return r, nil
}

// MarkRunRunning claims a pending run. ErrNotFound means the run is gone or
// was cancelled before the worker picked it up.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	q := s.sql.Update("runs").
		Set("state", RunStateRunning).
		Set("started_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id, "state": RunStatePending})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build run claim query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRun moves a running run to a terminal state. A cancelled run keeps
// its cancelled state; the zero-row case reports ErrNotFound so the worker
// can tell.
func (s *Store) FinishRun(ctx context.Context, id, state, output, errMsg string) error {
	q := s.sql.Update("runs").
		Set("state", state).
		Set("output", output).
		Set("error", errMsg).
		Set("finished_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id, "state": RunStateRunning})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build run finish query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueRun puts a running run back to pending so a retry can claim it.
func (s *Store) RequeueRun(ctx context.Context, id string) error {
	q := s.sql.Update("runs").
		Set("state", RunStatePending).
		Set("started_at", nil).
		Where(sq.Eq{"id": id, "state": RunStateRunning})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build run requeue query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("requeue run: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CancelRun(ctx context.Context, id string) error {
	q := s.sql.Update("runs").
		Set("state", RunStateCancelled).
		Set("finished_at", nowExpr(s.driver)).
		Where(sq.And{
			sq.Eq{"id": id},
			sq.Eq{"state": []string{RunStatePending, RunStateRunning}},
		})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build run cancel query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpsertRunStep(ctx context.Context, st RunStep) error {
	q := s.sql.Insert("run_steps").
		Columns("run_id", "step_number", "name", "state", "output", "error", "started_at", "finished_at").
		Values(st.RunID, st.StepNumber, st.Name, st.State, st.Output, st.Error, st.StartedAt, st.FinishedAt).
		Suffix("ON CONFLICT(run_id, step_number) DO UPDATE SET name=excluded.name, state=excluded.state, output=excluded.output, error=excluded.error, started_at=excluded.started_at, finished_at=excluded.finished_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build run step upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert run step: %w", err)
	}
	return nil
}

func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]RunStep, error) {
	q := s.sql.Select("run_id", "step_number", "name", "state", "output", "error", "started_at", "finished_at").
		From("run_steps").
		Where(sq.Eq{"run_id": runID}).
		OrderBy("step_number ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build run steps query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list run steps: %w", err)
	}
	defer rows.Close()

	out := make([]RunStep, 0)
	for rows.Next() {
		var st RunStep
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&st.RunID, &st.StepNumber, &st.Name, &st.State, &st.Output, &st.Error, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run step row: %w", err)
		}
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			st.FinishedAt = &finishedAt.Time
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run step rows: %w", err)
	}
	return out, nil
}
