package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/glasshouse-dev/glasshouse/internal/model"
	"github.com/glasshouse-dev/glasshouse/internal/storage"
)

var brokerMeter = otel.GetMeterProvider().Meter("glasshouse/broker")

// maxNotifyPayload is the largest payload we hand to pg_notify. Postgres caps
// NOTIFY payloads at 8000 bytes; anything bigger is sent by reference
// (session_id + seq) and resolved from the log on receipt.
const maxNotifyPayload = 7800

// eventNotification is the envelope carried on the LISTEN/NOTIFY channel.
// Event is inlined when it fits; otherwise the broker re-reads it by seq.
type eventNotification struct {
	SessionID uuid.UUID    `json:"session_id"`
	Seq       int64        `json:"seq"`
	Event     *model.Event `json:"event,omitempty"`
}

// EncodeEventNotification builds the NOTIFY payload for a freshly appended
// event. Oversized events degrade to a by-reference envelope rather than
// failing the notify.
func EncodeEventNotification(ev model.Event) (string, error) {
	full, err := json.Marshal(eventNotification{
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		Event:     &ev,
	})
	if err != nil {
		return "", err
	}
	if len(full) <= maxNotifyPayload {
		return string(full), nil
	}
	ref, err := json.Marshal(eventNotification{SessionID: ev.SessionID, Seq: ev.Seq})
	if err != nil {
		return "", err
	}
	return string(ref), nil
}

// Broker fans out live frames to per-session subscribers.
//
// Persisted events arrive via Postgres LISTEN/NOTIFY so every server instance
// sees appends made through any instance. Ephemeral frames (presence,
// reactions) are published in-process only.
//
// Delivery is best-effort at-most-once: a subscriber whose buffer is full has
// that frame dropped. Viewers recover dropped content events from the log on
// reconnect; ephemeral frames are gone for good, which is their contract.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan model.Frame]struct{}
}

// NewBroker creates a broker. Call Start in a goroutine to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[uuid.UUID]map[chan model.Frame]struct{}),
	}
}

// Start listens for event notifications and fans them out until ctx is
// cancelled. It blocks, so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelEvents); err != nil {
		b.logger.Error("broker: listen events", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelEvents)

	for {
		_, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		var note eventNotification
		if err := json.Unmarshal([]byte(payload), &note); err != nil {
			b.logger.Warn("broker: malformed notification", "error", err)
			continue
		}

		ev := note.Event
		if ev == nil {
			// Oversized payload was sent by reference; resolve from the log.
			resolved, err := b.db.GetEventBySeq(ctx, note.SessionID, note.Seq)
			if err != nil {
				b.logger.Warn("broker: resolve event by seq",
					"session_id", note.SessionID, "seq", note.Seq, "error", err)
				continue
			}
			ev = &resolved
		}

		b.publish(note.SessionID, model.Frame{Type: model.FrameEvent, Event: ev})
	}
}

// Subscribe registers a new subscriber for a session's live frames.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(sessionID uuid.UUID) chan model.Frame {
	ch := make(chan model.Frame, 64) // Buffer to avoid blocking the fan-out loop.
	b.mu.Lock()
	subs, ok := b.subscribers[sessionID]
	if !ok {
		subs = make(map[chan model.Frame]struct{})
		b.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	if gauge, err := brokerMeter.Int64UpDownCounter("broker.subscribers"); err == nil {
		gauge.Add(context.Background(), 1)
	}
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(sessionID uuid.UUID, ch chan model.Frame) {
	removed := false
	b.mu.Lock()
	if subs, ok := b.subscribers[sessionID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
			removed = true
		}
		if len(subs) == 0 {
			delete(b.subscribers, sessionID)
		}
	}
	b.mu.Unlock()

	if removed {
		if gauge, err := brokerMeter.Int64UpDownCounter("broker.subscribers"); err == nil {
			gauge.Add(context.Background(), -1)
		}
	}
}

// PublishEphemeral delivers a presence or reaction frame to the session's
// current subscribers. Nothing is persisted.
func (b *Broker) PublishEphemeral(sessionID uuid.UUID, frame model.Frame) {
	b.publish(sessionID, frame)
}

// SubscriberCount reports the number of live subscribers for a session.
func (b *Broker) SubscriberCount(sessionID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// publish sends a frame to all subscribers of a session. Slow subscribers
// with a full buffer are skipped so one stalled client cannot block the rest.
func (b *Broker) publish(sessionID uuid.UUID, frame model.Frame) {
	dropped := 0
	b.mu.RLock()
	for ch := range b.subscribers[sessionID] {
		select {
		case ch <- frame:
		default:
			// Subscriber buffer full, drop this frame for them.
			dropped++
		}
	}
	b.mu.RUnlock()

	if dropped > 0 {
		if counter, err := brokerMeter.Int64Counter("broker.dropped_frames"); err == nil {
			counter.Add(context.Background(), int64(dropped), otelmetric.WithAttributes(
				attribute.String("frame_type", string(frame.Type)),
			))
		}
		b.logger.Debug("broker: dropped frames for slow subscribers",
			"session_id", sessionID, "frame_type", frame.Type, "dropped", dropped)
	}
}
