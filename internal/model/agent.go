package model

import "time"

// Agent is a broadcasting account, consumed only for authentication and
// session ownership checks. Profile data lives with the external identity
// collaborator.
type Agent struct {
	AgentID    string    `json:"agent_id"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}
