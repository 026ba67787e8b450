package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Conversation is one chat thread and its generation settings.
type Conversation struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Topic          string    `json:"topic"`
	UseModel       string    `json:"use_model"`
	SystemMessage  string    `json:"system_message"`
	RouterConfig   string    `json:"router_config"`
	Temperature    float64   `json:"temperature"`
	TopP           float64   `json:"top_p"`
	TopK           int       `json:"top_k"`
	Seed           int64     `json:"seed"`
	MinP           float64   `json:"min_p"`
	Mirostat       int       `json:"mirostat"`
	MirostatEta    float64   `json:"mirostat_eta"`
	MirostatTau    float64   `json:"mirostat_tau"`
	MaxNewTokens   int       `json:"max_new_tokens"`
	FirstMessageID int64     `json:"first_message_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const conversationColumns = `id, user_id, topic, use_model, system_message, router_config,
	temperature, top_p, top_k, seed, min_p, mirostat, mirostat_eta, mirostat_tau,
	max_new_tokens, first_message_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Topic, &c.UseModel, &c.SystemMessage, &c.RouterConfig,
		&c.Temperature, &c.TopP, &c.TopK, &c.Seed, &c.MinP, &c.Mirostat, &c.MirostatEta, &c.MirostatTau,
		&c.MaxNewTokens, &c.FirstMessageID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversation inserts c and sets its ID.
func (s *Store) CreateConversation(ctx context.Context, c *Conversation) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO conversations
		(user_id, topic, use_model, system_message, router_config, temperature, top_p, top_k,
		 seed, min_p, mirostat, mirostat_eta, mirostat_tau, max_new_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.UserID, c.Topic, c.UseModel, c.SystemMessage, c.RouterConfig, c.Temperature, c.TopP, c.TopK,
		c.Seed, c.MinP, c.Mirostat, c.MirostatEta, c.MirostatTau, c.MaxNewTokens)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// Conversation returns the conversation with id.
func (s *Store) Conversation(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// Conversations returns the conversations of userID, newest first.
func (s *Store) Conversations(ctx context.Context, userID int64) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = ? ORDER BY updated_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateConversation saves the settings of c. The conversation must belong
// to userID.
func (s *Store) UpdateConversation(ctx context.Context, userID int64, c *Conversation) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET
		topic = ?, use_model = ?, system_message = ?, router_config = ?, temperature = ?, top_p = ?,
		top_k = ?, seed = ?, min_p = ?, mirostat = ?, mirostat_eta = ?, mirostat_tau = ?,
		max_new_tokens = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?`,
		c.Topic, c.UseModel, c.SystemMessage, c.RouterConfig, c.Temperature, c.TopP,
		c.TopK, c.Seed, c.MinP, c.Mirostat, c.MirostatEta, c.MirostatTau,
		c.MaxNewTokens, c.ID, userID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return expectRow(res)
}

// SetFirstMessage points the conversation at the root of its active chain.
func (s *Store) SetFirstMessage(ctx context.Context, conversationID, messageID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET first_message_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, messageID, conversationID)
	if err != nil {
		return fmt.Errorf("set first message: %w", err)
	}
	return expectRow(res)
}

// DeleteConversation deletes a conversation of userID and its messages.
func (s *Store) DeleteConversation(ctx context.Context, userID, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if err := expectRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation messages: %w", err)
	}
	return tx.Commit()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
