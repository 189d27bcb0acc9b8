package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/glasshouse-dev/glasshouse/internal/model"
	"github.com/glasshouse-dev/glasshouse/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 15 * time.Second
	maxViewerMsg   = 4096
	reactionBudget = 20 // reactions per viewer per budget window
	reactionWindow = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Viewers connect from arbitrary origins; frames carry no credentials and
	// writes are capped, so cross-origin reads are acceptable here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// presenceRegistry tracks which viewers are watching each session.
// Purely in-memory: presence is ephemeral and resets on restart.
type presenceRegistry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]map[uuid.UUID]string // sessionID -> viewerID -> name
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{sessions: make(map[uuid.UUID]map[uuid.UUID]string)}
}

// Join records a viewer and returns the resulting viewer count.
// Joining twice with the same viewer ID updates the name without
// inflating the count.
func (p *presenceRegistry) Join(sessionID, viewerID uuid.UUID, name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	viewers, ok := p.sessions[sessionID]
	if !ok {
		viewers = make(map[uuid.UUID]string)
		p.sessions[sessionID] = viewers
	}
	viewers[viewerID] = name
	return len(viewers)
}

// Leave removes a viewer. Returns the resulting count and whether the viewer
// was actually present.
func (p *presenceRegistry) Leave(sessionID, viewerID uuid.UUID) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	viewers, ok := p.sessions[sessionID]
	if !ok {
		return 0, false
	}
	if _, present := viewers[viewerID]; !present {
		return len(viewers), false
	}
	delete(viewers, viewerID)
	if len(viewers) == 0 {
		delete(p.sessions, sessionID)
	}
	return len(viewers), true
}

// Count returns the number of viewers currently watching a session.
func (p *presenceRegistry) Count(sessionID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions[sessionID])
}

// HandleLive handles GET /v1/sessions/{session_id}/live.
//
// Upgrades to a WebSocket and streams frames for the session: durable content
// events as they are appended, plus ephemeral presence and reaction frames.
// The viewer may send join/leave/reaction messages upstream. Delivery is
// best-effort: a dropped content frame is invisible to a connected viewer
// (seq values are not per-session contiguous, so gaps carry no signal), and
// is recovered only by the cursor-based replay a viewer runs on reconnect.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionIDFromPath(w, r)
	if !ok {
		return
	}
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "live streaming unavailable")
		return
	}

	if _, err := h.db.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
			return
		}
		h.writeInternalError(w, r, "failed to load session", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	sub := h.broker.Subscribe(sessionID)
	defer h.broker.Unsubscribe(sessionID, sub)

	done := make(chan struct{})
	go h.liveWriter(conn, sub, done)
	h.liveReader(conn, sessionID)
	close(done)
	_ = conn.Close()
}

// liveWriter pumps frames from the broker subscription to the socket and
// keeps the connection alive with pings.
func (h *Handlers) liveWriter(conn *websocket.Conn, sub chan model.Frame, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// liveReader consumes viewer messages until the connection drops. A viewer
// who joined and then disconnects without a leave message is swept here.
func (h *Handlers) liveReader(conn *websocket.Conn, sessionID uuid.UUID) {
	conn.SetReadLimit(maxViewerMsg)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var joinedAs uuid.UUID
	reactions := 0
	windowStart := time.Now()

	defer func() {
		if joinedAs != uuid.Nil {
			h.announceLeave(sessionID, joinedAs)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg model.ViewerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // Malformed viewer messages are dropped, not fatal.
		}

		switch msg.Type {
		case "join":
			if msg.ViewerID == uuid.Nil {
				msg.ViewerID = uuid.New()
			}
			joinedAs = msg.ViewerID
			count := h.presence.Join(sessionID, msg.ViewerID, msg.Name)
			h.broker.PublishEphemeral(sessionID, model.Frame{
				Type: model.FramePresence,
				Presence: &model.PresenceUpdate{
					ViewerID:    msg.ViewerID,
					Name:        msg.Name,
					Action:      model.PresenceJoin,
					ViewerCount: count,
				},
			})

		case "leave":
			if joinedAs == uuid.Nil {
				continue
			}
			h.announceLeave(sessionID, joinedAs)
			joinedAs = uuid.Nil

		case "reaction":
			if msg.Emoji == "" {
				continue
			}
			if time.Since(windowStart) > reactionWindow {
				windowStart = time.Now()
				reactions = 0
			}
			reactions++
			if reactions > reactionBudget {
				continue // Reaction spam is silently dropped.
			}
			viewerID := msg.ViewerID
			if viewerID == uuid.Nil {
				viewerID = joinedAs
			}
			h.broker.PublishEphemeral(sessionID, model.Frame{
				Type: model.FrameReaction,
				Reaction: &model.Reaction{
					ViewerID: viewerID,
					Emoji:    msg.Emoji,
					At:       time.Now().UTC(),
				},
			})
		}
	}
}

func (h *Handlers) announceLeave(sessionID, viewerID uuid.UUID) {
	count, present := h.presence.Leave(sessionID, viewerID)
	if !present {
		return
	}
	h.broker.PublishEphemeral(sessionID, model.Frame{
		Type: model.FramePresence,
		Presence: &model.PresenceUpdate{
			ViewerID:    viewerID,
			Action:      model.PresenceLeave,
			ViewerCount: count,
		},
	})
}
