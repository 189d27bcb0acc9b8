package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/glasshouse-dev/glasshouse/internal/model"
)

// CreateSession inserts a new streaming session.
func (db *DB) CreateSession(ctx context.Context, s model.Session) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sessions (id, agent_id, title, status, started_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.AgentID, s.Title, string(s.Status), s.StartedAt, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID. Returns ErrNotFound if it does not exist.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	var s model.Session
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, title, status, started_at, ended_at, created_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.AgentID, &s.Title, &status, &s.StartedAt, &s.EndedAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	s.Status = model.SessionStatus(status)
	return s, nil
}

// UpdateSessionStatus transitions a session's lifecycle status. Terminal
// statuses also stamp ended_at. The event log is untouched: it outlives the
// session and remains readable for replay.
func (db *DB) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status model.SessionStatus) error {
	var tag string
	if status.Terminal() {
		tag = `UPDATE sessions SET status = $2, ended_at = now() WHERE id = $1`
	} else {
		tag = `UPDATE sessions SET status = $2, ended_at = NULL WHERE id = $1`
	}
	ct, err := db.pool.Exec(ctx, tag, id, string(status))
	if err != nil {
		return fmt.Errorf("storage: update session status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
