package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// EventInput is a single event in an append request, before normalization.
type EventInput struct {
	Kind    Kind           `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// AppendEventsRequest is the request body for POST /v1/sessions/{id}/events.
type AppendEventsRequest struct {
	Events []EventInput `json:"events"`
}

// AppendEventsResponse returns the stored events with assigned IDs, sequence
// numbers, and timestamps. The caller treats anything short of this response
// as a failed append and retries; the log never synthesizes events.
type AppendEventsResponse struct {
	Events []Event `json:"events"`
}

// EventsResponse is the response for replay reads (tail and since). Events are
// ordered oldest-first; Cursor is the highest sequence number in the slice,
// suitable for a subsequent since query.
type EventsResponse struct {
	Events []Event `json:"events"`
	Cursor int64   `json:"cursor"`
}

// CreateSessionRequest is the request body for POST /v1/sessions.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// UpdateSessionStatusRequest is the request body for
// POST /v1/sessions/{id}/status.
type UpdateSessionStatusRequest struct {
	Status SessionStatus `json:"status"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Broker   string `json:"broker,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// FrameType discriminates messages on the live channel.
type FrameType string

const (
	FrameEvent    FrameType = "event"    // persisted content event
	FramePresence FrameType = "presence" // ephemeral viewer join/leave
	FrameReaction FrameType = "reaction" // ephemeral emoji reaction
)

// Frame is one message on a session's live channel. Content events are
// durable in the log before they appear here; presence and reaction frames
// are ephemeral and are never persisted — a disconnected viewer simply never
// sees them.
type Frame struct {
	Type     FrameType       `json:"type"`
	Event    *Event          `json:"event,omitempty"`
	Presence *PresenceUpdate `json:"presence,omitempty"`
	Reaction *Reaction       `json:"reaction,omitempty"`
}

// PresenceAction is a viewer joining or leaving a session.
type PresenceAction string

const (
	PresenceJoin  PresenceAction = "join"
	PresenceLeave PresenceAction = "leave"
)

// PresenceUpdate announces a viewer join/leave plus the resulting count.
type PresenceUpdate struct {
	ViewerID    uuid.UUID      `json:"viewer_id"`
	Name        string         `json:"name,omitempty"`
	Action      PresenceAction `json:"action"`
	ViewerCount int            `json:"viewer_count"`
}

// Reaction is an ephemeral emoji reaction from a viewer.
type Reaction struct {
	ViewerID uuid.UUID `json:"viewer_id"`
	Emoji    string    `json:"emoji"`
	At       time.Time `json:"at"`
}

// ViewerMessage is what a connected viewer may send up the live channel.
type ViewerMessage struct {
	Type     string    `json:"type"` // "join", "leave", "reaction"
	ViewerID uuid.UUID `json:"viewer_id"`
	Name     string    `json:"name,omitempty"`
	Emoji    string    `json:"emoji,omitempty"`
}
