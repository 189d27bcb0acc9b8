package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/glasshouse-dev/glasshouse/internal/auth"
	"github.com/glasshouse-dev/glasshouse/internal/model"
	"github.com/glasshouse-dev/glasshouse/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	broker              *Broker
	presence            *presenceRegistry
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	replayDefaultLimit  int
	replayMaxLimit      int
	jwtExpiration       time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	ReplayDefaultLimit  int
	ReplayMaxLimit      int
	JWTExpiration       time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		broker:              d.Broker,
		presence:            newPresenceRegistry(),
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		replayDefaultLimit:  d.ReplayDefaultLimit,
		replayMaxLimit:      d.ReplayMaxLimit,
		jwtExpiration:       d.JWTExpiration,
	}
}

// HandleAuthToken handles POST /auth/token.
// Exchanges an agent's API key for a signed JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AgentID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id and api_key are required")
		return
	}

	agent, err := h.db.GetAgent(r.Context(), req.AgentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn comparable time so unknown agent IDs are not distinguishable
			// from wrong keys by response latency.
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.writeInternalError(w, r, "failed to load agent", err)
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, agent.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(agent.AgentID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleCreateSession handles POST /v1/sessions.
// Registers a new streaming session owned by the authenticated agent.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	var req model.CreateSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Title == "" {
		req.Title = "Untitled session"
	}

	now := time.Now().UTC()
	session := model.Session{
		ID:        uuid.New(),
		AgentID:   claims.AgentID,
		Title:     req.Title,
		Status:    model.SessionStatusStarting,
		StartedAt: now,
		CreatedAt: now,
	}
	if err := h.db.CreateSession(r.Context(), session); err != nil {
		h.writeInternalError(w, r, "failed to create session", err)
		return
	}

	h.logger.Info("session created",
		"session_id", session.ID, "agent_id", session.AgentID, "title", session.Title)

	writeJSON(w, r, http.StatusCreated, session)
}

// HandleGetSession handles GET /v1/sessions/{session_id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionIDFromPath(w, r)
	if !ok {
		return
	}

	session, err := h.db.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
			return
		}
		h.writeInternalError(w, r, "failed to load session", err)
		return
	}

	writeJSON(w, r, http.StatusOK, session)
}

// HandleUpdateSessionStatus handles POST /v1/sessions/{session_id}/status.
// Only the owning agent may transition a session.
func (h *Handlers) HandleUpdateSessionStatus(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	sessionID, ok := h.sessionIDFromPath(w, r)
	if !ok {
		return
	}

	var req model.UpdateSessionStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	session, err := h.db.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
			return
		}
		h.writeInternalError(w, r, "failed to load session", err)
		return
	}
	if session.AgentID != claims.AgentID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "session belongs to another agent")
		return
	}

	if err := h.db.UpdateSessionStatus(r.Context(), sessionID, req.Status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
			return
		}
		h.writeInternalError(w, r, "failed to update session status", err)
		return
	}

	h.logger.Info("session status updated",
		"session_id", sessionID, "status", req.Status, "agent_id", claims.AgentID)

	session.Status = req.Status
	if req.Status.Terminal() {
		now := time.Now().UTC()
		session.EndedAt = &now
	} else {
		session.EndedAt = nil
	}
	writeJSON(w, r, http.StatusOK, session)
}

// HandleAppendEvents handles POST /v1/sessions/{session_id}/events.
//
// Each event is validated, normalized, durably inserted, and only then
// announced to the fan-out channel. A failure on event i stops the batch:
// events before i are committed and reported back, events from i on are not.
// The caller decides whether to retry the remainder.
func (h *Handlers) HandleAppendEvents(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	sessionID, ok := h.sessionIDFromPath(w, r)
	if !ok {
		return
	}

	var req model.AppendEventsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Events) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "events must not be empty")
		return
	}

	session, err := h.db.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
			return
		}
		h.writeInternalError(w, r, "failed to load session", err)
		return
	}
	if session.AgentID != claims.AgentID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "session belongs to another agent")
		return
	}
	if !session.Status.AcceptsEvents() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			fmt.Sprintf("session status %q does not accept events", session.Status))
		return
	}

	// Normalize the whole batch before touching the log so a malformed event
	// in the middle cannot leave a half-committed batch behind for a
	// validation error we could have caught upfront.
	normalized := make([]model.EventInput, len(req.Events))
	for i, in := range req.Events {
		norm, err := model.Normalize(in)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("event %d: %v", i, err))
			return
		}
		normalized[i] = norm
	}

	stored := make([]model.Event, 0, len(normalized))
	for i, in := range normalized {
		ev, err := h.db.AppendEvent(r.Context(), model.Event{
			ID:        uuid.New(),
			SessionID: sessionID,
			Kind:      in.Kind,
			Payload:   in.Payload,
		})
		if err != nil {
			// Storage failure mid-batch: report what was committed so the
			// caller can retry only the rest. Nothing is acknowledged that
			// did not hit disk.
			h.logger.Error("append event failed",
				"session_id", sessionID, "index", i, "error", err)
			if len(stored) == 0 {
				h.writeInternalError(w, r, "failed to append events", err)
				return
			}
			writeJSON(w, r, http.StatusOK, model.AppendEventsResponse{Events: stored})
			return
		}
		stored = append(stored, ev)

		// The row is committed; fan-out is best-effort from here.
		payload, err := EncodeEventNotification(ev)
		if err != nil {
			h.logger.Warn("encode event notification", "seq", ev.Seq, "error", err)
			continue
		}
		if err := h.db.Notify(r.Context(), storage.ChannelEvents, payload); err != nil {
			h.logger.Warn("notify event", "seq", ev.Seq, "error", err)
		}
	}

	writeJSON(w, r, http.StatusCreated, model.AppendEventsResponse{Events: stored})
}

// HandleReplayEvents handles GET /v1/sessions/{session_id}/events.
//
// Without a since parameter this is a tail read: the most recent events up to
// limit, oldest-first. With since=<seq> it returns events strictly after that
// cursor, for reconnect catch-up.
func (h *Handlers) HandleReplayEvents(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionIDFromPath(w, r)
	if !ok {
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

	limit := h.replayDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > h.replayMaxLimit {
		limit = h.replayMaxLimit
	}

	var events []model.Event
	var err error
	if raw := r.URL.Query().Get("since"); raw != "" {
		cursor, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || cursor < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "since must be a non-negative integer")
			return
		}
		events, err = h.db.EventsSince(r.Context(), sessionID, cursor, limit)
	} else {
		events, err = h.db.TailEvents(r.Context(), sessionID, limit)
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to read events", err)
		return
	}

	var cursor int64
	if len(events) > 0 {
		cursor = events[len(events)-1].Seq
	}
	writeJSON(w, r, http.StatusOK, model.EventsResponse{Events: events, Cursor: cursor})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
	} else {
		resp.Postgres = "ok"
	}
	if h.db.HasNotifyConn() {
		resp.Broker = "ok"
	} else {
		resp.Broker = "disabled"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// sessionIDFromPath parses the {session_id} path value. Writes the error
// response itself and returns ok=false on failure.
func (h *Handlers) sessionIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("session_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

// writeInternalError logs the underlying error and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
