package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/glasshouse-dev/glasshouse/internal/model"
)

// UpsertAgent creates or replaces an agent's credentials. Used by the admin
// seed path at startup; regular account management is external.
func (db *DB) UpsertAgent(ctx context.Context, a model.Agent) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (agent_id, name, api_key_hash)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (agent_id) DO UPDATE SET name = $2, api_key_hash = $3`,
		a.AgentID, a.Name, a.APIKeyHash,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent by its ID. Returns ErrNotFound if absent.
func (db *DB) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT agent_id, name, api_key_hash, created_at FROM agents WHERE agent_id = $1`,
		agentID,
	).Scan(&a.AgentID, &a.Name, &a.APIKeyHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}
