package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrValidation is returned when an event cannot be normalized. Events that
// fail validation are never appended to the log.
var ErrValidation = errors.New("model: event validation failed")

// Normalize validates an incoming event and rewrites its payload into the
// canonical shape for its kind, filling defaults for missing optional fields
// (empty string for text, "generating" for status, "general" for thought
// type). A malformed optional field must never block a panel from rendering,
// so normalization degrades gracefully everywhere except the kind itself:
// unknown kinds fail closed to prevent silently-broken UI states.
func Normalize(in EventInput) (EventInput, error) {
	if !in.Kind.Valid() {
		return EventInput{}, fmt.Errorf("%w: unknown kind %q", ErrValidation, in.Kind)
	}

	p := in.Payload
	if p == nil {
		p = map[string]any{}
	}

	switch in.Kind {
	case KindTerminal:
		in.Payload = map[string]any{
			"line":     str(p, "line"),
			"severity": strDefault(p, "severity", "stdout"),
		}
	case KindThinking:
		in.Payload = map[string]any{
			"text":         str(p, "text"),
			"thought_type": strDefault(p, "thought_type", "general"),
		}
	case KindCode:
		action := CodeAction(str(p, "action"))
		switch action {
		case CodeActionWrite, CodeActionEdit, CodeActionDelete:
		default:
			action = CodeActionWrite
		}
		in.Payload = map[string]any{
			"filename": strDefault(p, "filename", "untitled"),
			"language": str(p, "language"),
			"content":  str(p, "content"),
			"action":   string(action),
		}
	case KindWriting:
		in.Payload = map[string]any{
			"title":   str(p, "title"),
			"content": str(p, "content"),
		}
	case KindImage, KindVideo, KindMusic, KindShader:
		// Unknown statuses degrade to generating, matching DecodeGeneration:
		// a producer running a newer status vocabulary still renders as an
		// in-flight generation instead of being bounced.
		status := GenStatus(str(p, "status"))
		switch status {
		case GenStatusGenerating, GenStatusComplete, GenStatusFailed:
		default:
			status = GenStatusGenerating
		}

		genID := parseUUID(p, "generation_id")
		if genID == uuid.Nil && status == GenStatusGenerating {
			// The correlation id is required for generating → complete matching;
			// assign one here when the producer omitted it.
			genID = uuid.New()
		}

		in.Payload = map[string]any{
			"generation_id": genID.String(),
			"title":         str(p, "title"),
			"prompt":        str(p, "prompt"),
			"url":           str(p, "url"),
			"fragment":      str(p, "fragment"),
			"status":        string(status),
			"progress":      clampProgress(num(p, "progress")),
		}
	case KindChat:
		in.Payload = map[string]any{
			"author": str(p, "author"),
			"role":   strDefault(p, "role", "viewer"),
			"text":   str(p, "text"),
		}
	}

	return in, nil
}

// DecodeTerminal extracts the typed terminal payload from a normalized event.
func DecodeTerminal(ev Event) TerminalPayload {
	return TerminalPayload{
		Line:     str(ev.Payload, "line"),
		Severity: strDefault(ev.Payload, "severity", "stdout"),
	}
}

// DecodeThinking extracts the typed thinking payload from a normalized event.
func DecodeThinking(ev Event) ThinkingPayload {
	return ThinkingPayload{
		Text:        str(ev.Payload, "text"),
		ThoughtType: strDefault(ev.Payload, "thought_type", "general"),
	}
}

// DecodeCode extracts the typed code payload from a normalized event.
func DecodeCode(ev Event) CodePayload {
	action := CodeAction(str(ev.Payload, "action"))
	switch action {
	case CodeActionWrite, CodeActionEdit, CodeActionDelete:
	default:
		action = CodeActionWrite
	}
	return CodePayload{
		Filename: strDefault(ev.Payload, "filename", "untitled"),
		Language: str(ev.Payload, "language"),
		Content:  str(ev.Payload, "content"),
		Action:   action,
	}
}

// DecodeWriting extracts the typed writing payload from a normalized event.
func DecodeWriting(ev Event) WritingPayload {
	return WritingPayload{
		Title:   str(ev.Payload, "title"),
		Content: str(ev.Payload, "content"),
	}
}

// DecodeGeneration extracts the typed generation payload from a normalized
// image/video/music/shader event.
func DecodeGeneration(ev Event) GenerationPayload {
	status := GenStatus(str(ev.Payload, "status"))
	switch status {
	case GenStatusGenerating, GenStatusComplete, GenStatusFailed:
	default:
		status = GenStatusGenerating
	}
	return GenerationPayload{
		GenerationID: parseUUID(ev.Payload, "generation_id"),
		Title:        str(ev.Payload, "title"),
		Prompt:       str(ev.Payload, "prompt"),
		URL:          str(ev.Payload, "url"),
		Fragment:     str(ev.Payload, "fragment"),
		Status:       status,
		Progress:     clampProgress(num(ev.Payload, "progress")),
	}
}

// DecodeChat extracts the typed chat payload from a normalized event.
func DecodeChat(ev Event) ChatPayload {
	return ChatPayload{
		Author: str(ev.Payload, "author"),
		Role:   strDefault(ev.Payload, "role", "viewer"),
		Text:   str(ev.Payload, "text"),
	}
}

func str(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func strDefault(p map[string]any, key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// num reads a numeric field. JSON decoding yields float64; direct construction
// in Go may use int.
func num(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func parseUUID(p map[string]any, key string) uuid.UUID {
	id, err := uuid.Parse(str(p, key))
	if err != nil {
		return uuid.Nil
	}
	return id
}

func clampProgress(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(v)
}
