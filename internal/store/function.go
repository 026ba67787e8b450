package store

import (
	"context"
	"fmt"
)

// PinnedEmbedding maps an extra string to a chat ability function or a
// skill's knowledge domain.
type PinnedEmbedding struct {
	ID     int64
	Text   string
	Target string
	Type   string
}

// AddPinnedEmbedding appends a pin.
func (s *Store) AddPinnedEmbedding(ctx context.Context, p PinnedEmbedding) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO pinned_embeddings (pinned_string, pinned_to, pinned_type)
		VALUES (?, ?, ?)`, p.Text, p.Target, p.Type)
	if err != nil {
		return 0, fmt.Errorf("add pinned embedding: %w", err)
	}
	return res.LastInsertId()
}

// PinnedEmbeddings returns every pin in insertion order.
func (s *Store) PinnedEmbeddings(ctx context.Context) ([]PinnedEmbedding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pinned_string, pinned_to, pinned_type FROM pinned_embeddings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pinned embeddings: %w", err)
	}
	defer rows.Close()

	var out []PinnedEmbedding
	for rows.Next() {
		var p PinnedEmbedding
		if err := rows.Scan(&p.ID, &p.Text, &p.Target, &p.Type); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DynamicFunction is generated function code and the definition it was
// written for.
type DynamicFunction struct {
	ID         int64
	Definition string
	Code       string
}

// SaveDynamicFunction stores a new dynamic function.
func (s *Store) SaveDynamicFunction(ctx context.Context, definition, code string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO dynamic_functions (definition, code) VALUES (?, ?)`, definition, code)
	if err != nil {
		return 0, fmt.Errorf("save dynamic function: %w", err)
	}
	return res.LastInsertId()
}

// DynamicFunctions returns every dynamic function in insertion order.
func (s *Store) DynamicFunctions(ctx context.Context) ([]DynamicFunction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, definition, code FROM dynamic_functions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list dynamic functions: %w", err)
	}
	defer rows.Close()

	var out []DynamicFunction
	for rows.Next() {
		var f DynamicFunction
		if err := rows.Scan(&f.ID, &f.Definition, &f.Code); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
