package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message is one node of a conversation's message tree. Regenerated
// replies are siblings under the same parent.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Icon           string    `json:"icon"`
	Shortcuts      string    `json:"shortcuts"`
	Files          []string  `json:"files"`
	ParentID       int64     `json:"parent_id"`
	ActiveChildID  int64     `json:"active_child_id"`
	NumChildren    int       `json:"num_children"`
	CreatedAt      time.Time `json:"created_at"`
}

const messageColumns = `id, conversation_id, user_id, role, content, icon, shortcuts, files,
	parent_id, active_child_id, num_children, created_at`

func scanMessage(row scanner) (*Message, error) {
	var (
		m     Message
		files string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.Icon, &m.Shortcuts, &files,
		&m.ParentID, &m.ActiveChildID, &m.NumChildren, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &m.Files); err != nil {
		return nil, fmt.Errorf("message %d files: %w", m.ID, err)
	}
	return &m, nil
}

// CreateMessage inserts m and sets its ID.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	files, err := json.Marshal(m.Files)
	if err != nil {
		return err
	}
	if m.Files == nil {
		files = []byte("[]")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO messages
		(conversation_id, user_id, role, content, icon, shortcuts, files, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.UserID, m.Role, m.Content, m.Icon, m.Shortcuts, string(files), m.ParentID)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}
	created, err := s.Message(ctx, m.ID)
	if err != nil {
		return err
	}
	m.CreatedAt = created.CreatedAt
	return nil
}

// Message returns the message with id.
func (s *Store) Message(ctx context.Context, id int64) (*Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
}

// AddChild makes childID the active child of parentID and counts it.
func (s *Store) AddChild(ctx context.Context, parentID, childID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET active_child_id = ?, num_children = num_children + 1
		WHERE id = ?`, childID, parentID)
	if err != nil {
		return fmt.Errorf("add child: %w", err)
	}
	return expectRow(res)
}

// SetActiveChild switches the branch shown under parentID.
func (s *Store) SetActiveChild(ctx context.Context, parentID, childID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET active_child_id = ? WHERE id = ?`, childID, parentID)
	if err != nil {
		return fmt.Errorf("set active child: %w", err)
	}
	return expectRow(res)
}

// Chain returns the active branch of a conversation, root first.
func (s *Store) Chain(ctx context.Context, conversationID int64) ([]Message, error) {
	conv, err := s.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var out []Message
	seen := make(map[int64]bool)
	for id := conv.FirstMessageID; id != 0 && !seen[id]; {
		seen[id] = true
		m, err := s.Message(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("walk chain: %w", err)
		}
		out = append(out, *m)
		id = m.ActiveChildID
	}
	return out, nil
}

// DeleteMessage deletes a message of userID with everything below it. The
// parent, or the conversation for a root message, is re-pointed at a
// remaining sibling.
func (s *Store) DeleteMessage(ctx context.Context, userID, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var convID, parentID, owner int64
	err = tx.QueryRowContext(ctx, `SELECT conversation_id, parent_id, user_id FROM messages WHERE id = ?`, id).
		Scan(&convID, &parentID, &owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	var sibling int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM messages WHERE conversation_id = ? AND parent_id = ? AND id != ?
		ORDER BY id LIMIT 1`, convID, parentID, id).Scan(&sibling)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("find sibling: %w", err)
	}

	if parentID != 0 {
		_, err = tx.ExecContext(ctx, `UPDATE messages SET active_child_id = ?, num_children = MAX(num_children - 1, 0)
			WHERE id = ?`, sibling, parentID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET first_message_id = ? WHERE id = ? AND first_message_id = ?`,
			sibling, convID, id)
	}
	if err != nil {
		return fmt.Errorf("re-point siblings: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `WITH RECURSIVE subtree(id) AS (
			SELECT ? UNION ALL SELECT m.id FROM messages m JOIN subtree s ON m.parent_id = s.id
		) DELETE FROM messages WHERE id IN (SELECT id FROM subtree)`, id); err != nil {
		return fmt.Errorf("delete message tree: %w", err)
	}
	return tx.Commit()
}
