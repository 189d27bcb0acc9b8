package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a streaming session.
type SessionStatus string

const (
	SessionStatusOffline  SessionStatus = "offline"
	SessionStatusStarting SessionStatus = "starting"
	SessionStatusLive     SessionStatus = "live"
	SessionStatusPaused   SessionStatus = "paused"
	SessionStatusEnded    SessionStatus = "ended"
	SessionStatusError    SessionStatus = "error"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusOffline, SessionStatusStarting, SessionStatusLive,
		SessionStatusPaused, SessionStatusEnded, SessionStatusError:
		return true
	}
	return false
}

// Terminal reports whether the session will never go live again. Viewers stop
// reconnect attempts once the status is terminal; the event log itself
// outlives the session and remains readable for replay.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusEnded || s == SessionStatusError
}

// AcceptsEvents reports whether the log accepts appends in this status.
func (s SessionStatus) AcceptsEvents() bool {
	switch s {
	case SessionStatusStarting, SessionStatusLive, SessionStatusPaused:
		return true
	}
	return false
}

// Session is the unit of work an agent streams into. The session record is
// owned by session management; the streaming core reads status/started_at to
// gate appends and live connections, and only ever appends to the event log.
type Session struct {
	ID        uuid.UUID     `json:"id"`
	AgentID   string        `json:"agent_id"`
	Title     string        `json:"title"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
