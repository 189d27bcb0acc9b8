package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/glasshouse-dev/glasshouse/internal/model"
)

// AppendEvent durably inserts one event and returns it with the
// server-assigned sequence number and timestamp. The sequence comes from a
// bigserial, so it is strictly increasing across appends to a session (gaps
// are harmless — they only mean a concurrent insert to another session grabbed
// intervening values). The row is committed before the caller hands the event
// to fan-out: a fan-out failure can never lose history.
//
// There is no update or delete counterpart. Corrections are new events.
func (db *DB) AppendEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	err := WithRetry(ctx, 2, 25*time.Millisecond, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO session_events (id, session_id, kind, payload, created_at)
			 VALUES ($1, $2, $3, $4, now())
			 RETURNING seq, created_at`,
			ev.ID, ev.SessionID, string(ev.Kind), ev.Payload,
		).Scan(&ev.Seq, &ev.CreatedAt)
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: append event: %w", err)
	}
	return ev, nil
}

// TailEvents returns up to limit of the most recent events for a session,
// oldest-first. A session with no events returns an empty slice, not an error.
func (db *DB) TailEvents(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, seq, kind, payload, created_at
		 FROM session_events WHERE session_id = $1
		 ORDER BY seq DESC
		 LIMIT $2`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: tail events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	// The query walks the index newest-first; callers want append order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// EventsSince returns events with sequence numbers strictly greater than
// cursor, oldest-first. Used by reconnect catch-up so a viewer fills only the
// gap instead of rebuilding from a full tail.
func (db *DB) EventsSince(ctx context.Context, sessionID uuid.UUID, cursor int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, seq, kind, payload, created_at
		 FROM session_events WHERE session_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`, sessionID, cursor, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: events since: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetEventBySeq fetches a single event by session and sequence number. The
// broker uses this to resolve oversized NOTIFY payloads that were sent by
// reference.
func (db *DB) GetEventBySeq(ctx context.Context, sessionID uuid.UUID, seq int64) (model.Event, error) {
	var ev model.Event
	var kind string
	err := db.pool.QueryRow(ctx,
		`SELECT id, session_id, seq, kind, payload, created_at
		 FROM session_events WHERE session_id = $1 AND seq = $2`,
		sessionID, seq,
	).Scan(&ev.ID, &ev.SessionID, &ev.Seq, &kind, &ev.Payload, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: get event by seq: %w", err)
	}
	ev.Kind = model.Kind(kind)
	return ev, nil
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	events := []model.Event{}
	for rows.Next() {
		var ev model.Event
		var kind string
		if err := rows.Scan(
			&ev.ID, &ev.SessionID, &ev.Seq, &kind, &ev.Payload, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Kind = model.Kind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}
