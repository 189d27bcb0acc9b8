// Package model defines the core domain types for Glasshouse.
//
// Types correspond directly to database rows and wire payloads. Event kinds
// form a closed set: every consumer switches over Kind, so adding a kind means
// touching the codec, the reconstructor, and the UI contract together.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Kind represents the category of an activity event.
type Kind string

const (
	KindTerminal Kind = "terminal"
	KindThinking Kind = "thinking"
	KindCode     Kind = "code"
	KindWriting  Kind = "writing"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindMusic    Kind = "music"
	KindShader   Kind = "shader"
	KindChat     Kind = "chat"
)

// Kinds lists every valid event kind.
var Kinds = []Kind{
	KindTerminal, KindThinking, KindCode, KindWriting,
	KindImage, KindVideo, KindMusic, KindShader, KindChat,
}

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	switch k {
	case KindTerminal, KindThinking, KindCode, KindWriting,
		KindImage, KindVideo, KindMusic, KindShader, KindChat:
		return true
	}
	return false
}

// IsGenerative reports whether events of this kind carry a generation
// lifecycle (generating → complete/failed) rather than plain content.
func (k Kind) IsGenerative() bool {
	switch k {
	case KindImage, KindVideo, KindMusic, KindShader:
		return true
	}
	return false
}

// Event is an append-only entry in a session's activity log.
// Source of truth for replay. Never mutated or deleted; corrections are
// modeled as new events.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	SessionID uuid.UUID      `json:"session_id"`
	Seq       int64          `json:"seq"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// CodeAction describes what a code event did to a file.
type CodeAction string

const (
	CodeActionWrite  CodeAction = "write"
	CodeActionEdit   CodeAction = "edit"
	CodeActionDelete CodeAction = "delete"
)

// GenStatus is the lifecycle state of a media generation attempt.
type GenStatus string

const (
	GenStatusGenerating GenStatus = "generating"
	GenStatusComplete   GenStatus = "complete"
	GenStatusFailed     GenStatus = "failed"
)

// TerminalPayload is the normalized payload for terminal events.
type TerminalPayload struct {
	Line     string `json:"line"`
	Severity string `json:"severity"` // "stdout", "stderr", "info", "error"
}

// ThinkingPayload is the normalized payload for thinking events.
type ThinkingPayload struct {
	Text        string `json:"text"`
	ThoughtType string `json:"thought_type"` // "general", "planning", "debugging", ...
}

// CodePayload is the normalized payload for code events.
type CodePayload struct {
	Filename string     `json:"filename"`
	Language string     `json:"language"`
	Content  string     `json:"content"`
	Action   CodeAction `json:"action"`
}

// WritingPayload is the normalized payload for long-form writing events.
type WritingPayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// GenerationPayload is the normalized payload for image/video/music/shader
// events. GenerationID correlates the generating → complete/failed pair; the
// codec assigns one when the producer omits it on a generating event.
type GenerationPayload struct {
	GenerationID uuid.UUID `json:"generation_id"`
	Title        string    `json:"title"`
	Prompt       string    `json:"prompt"`
	URL          string    `json:"url,omitempty"`      // image/video/music asset
	Fragment     string    `json:"fragment,omitempty"` // shader source
	Status       GenStatus `json:"status"`
	Progress     int       `json:"progress"` // 0–100, meaningful while generating
}

// ChatPayload is the normalized payload for chat events.
type ChatPayload struct {
	Author string `json:"author"`
	Role   string `json:"role"` // "agent" or "viewer"
	Text   string `json:"text"`
}
