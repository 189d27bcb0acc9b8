package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glasshouse-dev/glasshouse/internal/model"
)

// State is the connection lifecycle phase of a viewer.
type State string

const (
	StateConnecting   State = "connecting"
	StateReplaying    State = "replaying"
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Log is the replay-side view of the event log.
type Log interface {
	// Tail returns up to limit of the most recent events, oldest-first.
	Tail(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.Event, error)
	// Since returns events strictly after cursor, oldest-first.
	Since(ctx context.Context, sessionID uuid.UUID, cursor int64, limit int) ([]model.Event, error)
}

// Channel is the live-side transport. Subscribe opens a frame stream for a
// session; the returned channel closes when the transport drops or cancel is
// called. cancel must be safe to call more than once.
type Channel interface {
	Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan model.Frame, func(), error)
}

// SessionDirectory reads session metadata. The manager only consults status
// to decide whether reconnecting is still worthwhile; it never mutates the
// record.
type SessionDirectory interface {
	GetSession(ctx context.Context, id uuid.UUID) (model.Session, error)
}

// Backoff defaults for replay/reconnect retries.
const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 15 * time.Second
	defaultTailLimit   = 200
)

// ManagerConfig configures a Manager. Log, Channel, and SessionID are
// required; everything else has working defaults.
type ManagerConfig struct {
	Log       Log
	Channel   Channel
	Sessions  SessionDirectory // optional: enables terminal-status checks
	SessionID uuid.UUID
	ViewerID  uuid.UUID // explicit identity, assigned by the embedding app
	Clock     Clock
	Logger    *slog.Logger
	TailLimit int
	Caps      Caps

	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Manager owns one viewer's connection to one session: initial replay,
// live subscription, reconnect catch-up, and teardown.
//
// Lifecycle: Connecting → Replaying → Live → {Reconnecting → Replaying,
// Closed}. Run executes the whole lifecycle on the calling goroutine; all
// state mutation happens there, so accessors are safe from other goroutines
// only for the mutex-guarded fields (State, Cursor). The reconstructor is
// meant to be sampled between Run iterations or after Close by the rendering
// layer that drives Run.
type Manager struct {
	cfg      ManagerConfig
	rec      *Reconstructor
	presence *Presence
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	cursor    int64
	closed    bool
	cancelSub func()
	cancelRun context.CancelFunc

	rng *rand.Rand
}

// ErrClosed is returned by Run when the manager was shut down via Close.
var ErrClosed = errors.New("viewer: manager closed")

// NewManager creates a manager for one viewer and one session. Watching a
// different session means closing this manager and constructing a new one;
// buffers are never reused across sessions.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Log == nil || cfg.Channel == nil {
		return nil, fmt.Errorf("viewer: log and channel are required")
	}
	if cfg.SessionID == uuid.Nil {
		return nil, fmt.Errorf("viewer: session id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TailLimit <= 0 {
		cfg.TailLimit = defaultTailLimit
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}

	return &Manager{
		cfg:      cfg,
		rec:      NewReconstructor(cfg.Clock, cfg.Caps),
		presence: NewPresence(),
		logger:   cfg.Logger.With("session_id", cfg.SessionID, "viewer_id", cfg.ViewerID),
		state:    StateConnecting,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Reconstructor exposes the derived render state.
func (m *Manager) Reconstructor() *Reconstructor { return m.rec }

// Presence exposes the ephemeral roster and reactions.
func (m *Manager) Presence() *Presence { return m.presence }

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Cursor returns the highest sequence number applied so far.
func (m *Manager) Cursor() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// Run executes the connection lifecycle until the session ends, Close is
// called, or ctx is cancelled. It returns nil when the session reached a
// terminal status, ErrClosed after Close, and the context error on
// cancellation.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.cancelRun = cancel
	m.mu.Unlock()

	attempt := 0
	replayed := false

	for {
		if err := m.checkAlive(ctx); err != nil {
			return err
		}

		// Subscribe before replaying so events appended mid-replay queue up
		// on the live path; the cursor dedupe makes the overlap harmless.
		m.setState(StateConnecting)
		frames, cancelSub, err := m.cfg.Channel.Subscribe(ctx, m.cfg.SessionID)
		if err != nil {
			m.logger.Warn("subscribe failed", "error", err)
			if stop, serr := m.retryOrStop(ctx, &attempt); stop {
				return serr
			}
			continue
		}
		m.setCancelSub(cancelSub)

		m.setState(StateReplaying)
		if err := m.replay(ctx, replayed); err != nil {
			cancelSub()
			m.setCancelSub(nil)
			if alive := m.checkAlive(ctx); alive != nil {
				return alive
			}
			m.logger.Warn("replay failed, backing off", "error", err)
			if stop, serr := m.retryOrStop(ctx, &attempt); stop {
				return serr
			}
			continue
		}
		replayed = true
		attempt = 0

		m.setState(StateLive)
		m.consume(ctx, frames)
		cancelSub()
		m.setCancelSub(nil)

		if err := m.checkAlive(ctx); err != nil {
			return err
		}

		// Transport dropped. Presence has no catch-up, so the roster is
		// stale the moment the channel closes.
		m.presence.Reset()
		m.setState(StateReconnecting)

		if m.sessionOver(ctx) {
			m.setState(StateClosed)
			return nil
		}
		if stop, serr := m.retryOrStop(ctx, &attempt); stop {
			return serr
		}
	}
}

// Close tears the manager down: the live subscription is cancelled and any
// in-flight replay is abandoned before Close returns. Results that arrive
// afterwards are discarded by the liveness guard, never merged.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.state = StateClosed
	cancelSub := m.cancelSub
	cancelRun := m.cancelRun
	m.mu.Unlock()

	if cancelSub != nil {
		cancelSub()
	}
	if cancelRun != nil {
		cancelRun()
	}
}

// replay fills the buffers from the log: a full tail on first connect, a
// cursor delta afterwards so already-rendered state is not rebuilt. Replayed
// events never animate.
func (m *Manager) replay(ctx context.Context, reconnect bool) error {
	if !reconnect {
		events, err := m.cfg.Log.Tail(ctx, m.cfg.SessionID, m.cfg.TailLimit)
		if err != nil {
			return fmt.Errorf("viewer: replay: %w", err)
		}
		m.applyEvents(events, false)
		return nil
	}

	// An offline gap can exceed one page, so keep paging from the advancing
	// cursor until the log comes up short.
	for {
		events, err := m.cfg.Log.Since(ctx, m.cfg.SessionID, m.Cursor(), m.cfg.TailLimit)
		if err != nil {
			return fmt.Errorf("viewer: replay: %w", err)
		}
		m.applyEvents(events, false)
		if len(events) < m.cfg.TailLimit {
			return nil
		}
	}
}

// consume drains live frames until the channel closes or the manager dies.
func (m *Manager) consume(ctx context.Context, frames <-chan model.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			m.applyFrame(frame)
		}
	}
}

func (m *Manager) applyFrame(frame model.Frame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	switch frame.Type {
	case model.FrameEvent:
		if frame.Event == nil || frame.Event.Seq <= m.cursor {
			m.mu.Unlock()
			return // Already applied via replay; silent dedupe.
		}
		m.cursor = frame.Event.Seq
		ev := *frame.Event
		m.mu.Unlock()
		m.rec.Apply(ev, true)
	case model.FramePresence:
		m.mu.Unlock()
		if frame.Presence != nil {
			m.presence.ApplyUpdate(*frame.Presence)
		}
	case model.FrameReaction:
		m.mu.Unlock()
		if frame.Reaction != nil {
			m.presence.ApplyReaction(*frame.Reaction)
		}
	default:
		m.mu.Unlock()
	}
}

// applyEvents merges replayed events, skipping anything at or below the
// cursor. Every completion re-checks liveness so a fetch that lands after
// teardown mutates nothing.
func (m *Manager) applyEvents(events []model.Event, live bool) {
	for _, ev := range events {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if ev.Seq <= m.cursor {
			m.mu.Unlock()
			continue
		}
		m.cursor = ev.Seq
		m.mu.Unlock()
		m.rec.Apply(ev, live)
	}
}

// sessionOver reports whether the session reached a terminal status. Without
// a session directory the manager keeps trying; the log outlives the session
// anyway.
func (m *Manager) sessionOver(ctx context.Context) bool {
	if m.cfg.Sessions == nil {
		return false
	}
	session, err := m.cfg.Sessions.GetSession(ctx, m.cfg.SessionID)
	if err != nil {
		m.logger.Warn("session status check failed", "error", err)
		return false
	}
	if session.Status.Terminal() {
		m.logger.Info("session reached terminal status, closing", "status", session.Status)
		return true
	}
	return false
}

// retryOrStop sleeps the jittered backoff for the current attempt. Returns
// stop=true with the reason when the manager should give up instead.
func (m *Manager) retryOrStop(ctx context.Context, attempt *int) (bool, error) {
	delay := m.cfg.BackoffBase << uint(*attempt)
	if delay > m.cfg.BackoffMax || delay <= 0 {
		delay = m.cfg.BackoffMax
	}
	// ±25% jitter keeps a herd of viewers from reconnecting in lockstep.
	jitter := time.Duration(m.rng.Int63n(int64(delay)/2+1)) - delay/4
	delay += jitter
	*attempt++

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true, m.closeReason(ctx)
	case <-timer.C:
		return false, nil
	}
}

func (m *Manager) checkAlive(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (m *Manager) closeReason(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if !m.closed {
		m.state = s
	}
	m.mu.Unlock()
}

func (m *Manager) setCancelSub(cancel func()) {
	m.mu.Lock()
	m.cancelSub = cancel
	m.mu.Unlock()
}
