package server

import (
	"context"
	"fmt"
	"time"

	"github.com/glasshouse-dev/glasshouse/internal/auth"
	"github.com/glasshouse-dev/glasshouse/internal/model"
)

// SeedAdmin upserts the bootstrap agent account from configuration so a fresh
// deployment can authenticate and stream without external account management.
// A blank API key skips seeding.
func (h *Handlers) SeedAdmin(ctx context.Context, agentID, apiKey string) error {
	if agentID == "" || apiKey == "" {
		h.logger.Info("no admin agent configured, skipping seed")
		return nil
	}

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	if err := h.db.UpsertAgent(ctx, model.Agent{
		AgentID:    agentID,
		Name:       "Bootstrap Agent",
		APIKeyHash: hash,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	h.logger.Info("admin agent seeded", "agent_id", agentID)
	return nil
}
