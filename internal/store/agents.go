package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const agentColumns = `id, name, scopes, created_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	if err := row.Scan(&a.ID, &a.Name, &a.Scopes, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAgent registers a new agent with the given scopes.
func (s *Store) CreateAgent(ctx context.Context, name string, scopes []string) (*Agent, error) {
	if scopes == nil {
		scopes = []string{}
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO agent (name, scopes)
		 VALUES ($1, $2)
		 RETURNING `+agentColumns,
		name, scopes,
	)
	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("creating agent %q: %w", name, err)
	}
	return a, nil
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agent WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

// GetAgentByName returns an agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agent WHERE name = $1`, name)
	a, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	return a, err
}

// ListAgents returns all agents ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agent ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Scopes, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// DeleteAgent removes an agent. The seeded system agent is protected.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent WHERE id = $1 AND name <> 'system'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w or protected", id, ErrNotFound)
	}
	return nil
}
