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

func (s *Store) CreateConversation(ctx context.Context, agentID int64, name string) (Conversation, error) {
	id := uuid.NewString()
	q := s.sql.Insert("conversations").
		Columns("id", "agent_id", "name").
		Values(id, agentID, name)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build conversation insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// EnsureConversation finds the agent's conversation by name, creating it on
// first use. The chat endpoint funnels through here with its default name.
func (s *Store) EnsureConversation(ctx context.Context, agentID int64, name string) (Conversation, error) {
	q := s.sql.Select("id", "agent_id", "name", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"agent_id": agentID, "name": name}).
		OrderBy("created_at ASC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build conversation lookup query: %w", err)
	}

	var c Conversation
	err = s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.AgentID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("lookup conversation: %w", err)
	}
	return s.CreateConversation(ctx, agentID, name)
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	q := s.sql.Select("id", "agent_id", "name", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build conversation query: %w", err)
	}

	var c Conversation
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.AgentID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	q := s.sql.Select("id", "agent_id", "name", "created_at", "updated_at").
		From("conversations").
		OrderBy("created_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	q := s.sql.Delete("conversations").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	// Explicit timestamp so message order survives sqlite's second-resolution
	// CURRENT_TIMESTAMP.
	q := s.sql.Insert("messages").
		Columns("id", "conversation_id", "role", "content", "tokens", "created_at").
		Values(m.ID, m.ConversationID, m.Role, m.Content, m.Tokens, time.Now().UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build message insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	touch := s.sql.Update("conversations").
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": m.ConversationID})
	sqlStr, args, err = touch.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build conversation touch query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}

	return s.getMessage(ctx, m.ID)
}

func (s *Store) getMessage(ctx context.Context, id string) (Message, error) {
	q := s.sql.Select("id", "conversation_id", "role", "content", "tokens", "created_at").
		From("messages").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build message query: %w", err)
	}

	var m Message
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Tokens, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	q := s.sql.Select("id", "conversation_id", "role", "content", "tokens", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}
