package viewer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glasshouse-dev/glasshouse/internal/model"
)

// fakeLog serves replay requests from an in-memory event slice.
type fakeLog struct {
	mu         sync.Mutex
	events     []model.Event
	failTails  int
	sinceCalls []int64
}

func (l *fakeLog) add(events ...model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, events...)
}

func (l *fakeLog) Tail(_ context.Context, _ uuid.UUID, limit int) ([]model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failTails > 0 {
		l.failTails--
		return nil, errors.New("log unavailable")
	}
	evs := l.events
	if len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	return append([]model.Event(nil), evs...), nil
}

func (l *fakeLog) Since(_ context.Context, _ uuid.UUID, cursor int64, limit int) ([]model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinceCalls = append(l.sinceCalls, cursor)
	var out []model.Event
	for _, ev := range l.events {
		if ev.Seq > cursor {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *fakeLog) sinceCursors() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.sinceCalls...)
}

// fakeChannel hands out buffered frame channels and lets the test push frames
// or drop the transport.
type fakeChannel struct {
	mu     sync.Mutex
	subs   int
	frames chan model.Frame
}

func (c *fakeChannel) Subscribe(_ context.Context, _ uuid.UUID) (<-chan model.Frame, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs++
	ch := make(chan model.Frame, 16)
	c.frames = ch
	return ch, func() {}, nil
}

func (c *fakeChannel) push(f model.Frame) {
	c.mu.Lock()
	ch := c.frames
	c.mu.Unlock()
	ch <- f
}

// drop closes the current subscription channel, simulating a transport loss.
func (c *fakeChannel) drop() {
	c.mu.Lock()
	ch := c.frames
	c.frames = nil
	c.mu.Unlock()
	close(ch)
}

func (c *fakeChannel) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs
}

type fakeSessions struct {
	mu     sync.Mutex
	status model.SessionStatus
}

func (s *fakeSessions) setStatus(st model.SessionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *fakeSessions) GetSession(_ context.Context, id uuid.UUID) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Session{ID: id, Status: s.status}, nil
}

func newTestManager(t *testing.T, log *fakeLog, ch *fakeChannel, sessions SessionDirectory) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Log:         log,
		Channel:     ch,
		Sessions:    sessions,
		SessionID:   testSession,
		ViewerID:    uuid.New(),
		Clock:       newFakeClock(),
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	return m
}

func eventFrame(ev model.Event) model.Frame {
	return model.Frame{Type: model.FrameEvent, Event: &ev}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		2*time.Second, time.Millisecond, "state never reached %s", want)
}

func waitCursor(t *testing.T, m *Manager, want int64) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Cursor() == want },
		2*time.Second, time.Millisecond, "cursor never reached %d", want)
}

func TestManagerRequiresLogChannelAndSession(t *testing.T) {
	_, err := NewManager(ManagerConfig{Channel: &fakeChannel{}, SessionID: testSession})
	assert.Error(t, err)
	_, err = NewManager(ManagerConfig{Log: &fakeLog{}, SessionID: testSession})
	assert.Error(t, err)
	_, err = NewManager(ManagerConfig{Log: &fakeLog{}, Channel: &fakeChannel{}})
	assert.Error(t, err)
}

func TestManagerFreshConnectReplaysTail(t *testing.T) {
	log := &fakeLog{}
	log.add(
		mkEvent(t, 1, model.KindTerminal, map[string]any{"line": "$ pip install requests"}),
		mkEvent(t, 2, model.KindTerminal, map[string]any{"line": "Successfully installed"}),
		mkEvent(t, 3, model.KindCode, map[string]any{"filename": "app.py", "content": "import requests"}),
	)
	ch := &fakeChannel{}
	m := newTestManager(t, log, ch, nil)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	waitState(t, m, StateLive)
	assert.Equal(t, int64(3), m.Cursor())

	rec := m.Reconstructor()
	require.Len(t, rec.TerminalLines(), 2)
	assert.Equal(t, "$ pip install requests", rec.TerminalLines()[0].Line)

	// Replayed code renders complete, never mid-animation.
	f := rec.File("app.py")
	require.NotNil(t, f)
	assert.Equal(t, "import requests", f.Displayed(time.Now()))
	assert.False(t, f.IsTyping(time.Now()))

	m.Close()
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Equal(t, StateClosed, m.State())
}

func TestManagerDedupesLiveAgainstReplay(t *testing.T) {
	log := &fakeLog{}
	ev1 := mkEvent(t, 1, model.KindTerminal, map[string]any{"line": "one"})
	ev2 := mkEvent(t, 2, model.KindTerminal, map[string]any{"line": "two"})
	log.add(ev1, ev2)
	ch := &fakeChannel{}
	m := newTestManager(t, log, ch, nil)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	waitState(t, m, StateLive)

	// The live path redelivers seq 2 (subscribed before replay finished),
	// then delivers seq 3. Only seq 3 lands.
	ch.push(eventFrame(ev2))
	ch.push(eventFrame(mkEvent(t, 3, model.KindTerminal, map[string]any{"line": "three"})))

	waitCursor(t, m, 3)
	m.Close()
	<-done

	lines := m.Reconstructor().TerminalLines()
	require.Len(t, lines, 3)
	assert.Equal(t, "three", lines[2].Line)
}

func TestManagerReconnectCatchesUpFromCursor(t *testing.T) {
	log := &fakeLog{}
	log.add(mkEvent(t, 42, model.KindTerminal, map[string]any{"line": "before the drop"}))
	ch := &fakeChannel{}
	sessions := &fakeSessions{status: model.SessionStatusLive}
	m := newTestManager(t, log, ch, sessions)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	waitState(t, m, StateLive)
	require.Equal(t, int64(42), m.Cursor())

	// Events 43 and 44 land while the viewer is offline.
	log.add(
		mkEvent(t, 43, model.KindTerminal, map[string]any{"line": "missed"}),
		mkEvent(t, 44, model.KindCode, map[string]any{"filename": "app.py", "content": "x = 1"}),
	)
	ch.drop()

	waitCursor(t, m, 44)
	waitState(t, m, StateLive)

	assert.GreaterOrEqual(t, ch.subscribeCount(), 2)
	assert.Contains(t, log.sinceCursors(), int64(42))

	// Catch-up is replay: the code file renders complete.
	f := m.Reconstructor().File("app.py")
	require.NotNil(t, f)
	assert.False(t, f.IsTyping(time.Now()))
	assert.Len(t, m.Reconstructor().TerminalLines(), 2)

	m.Close()
	<-done
}

func TestManagerReconnectPagesThroughLargeGap(t *testing.T) {
	log := &fakeLog{}
	log.add(mkEvent(t, 1, model.KindTerminal, map[string]any{"line": "before"}))
	ch := &fakeChannel{}
	sessions := &fakeSessions{status: model.SessionStatusLive}
	m, err := NewManager(ManagerConfig{
		Log:         log,
		Channel:     ch,
		Sessions:    sessions,
		SessionID:   testSession,
		ViewerID:    uuid.New(),
		Clock:       newFakeClock(),
		TailLimit:   2,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	waitState(t, m, StateLive)
	require.Equal(t, int64(1), m.Cursor())

	// Five events land while the viewer is offline: more than two catch-up
	// pages at this page size.
	for seq := int64(2); seq <= 6; seq++ {
		log.add(mkEvent(t, seq, model.KindTerminal, map[string]any{"line": "missed"}))
	}
	ch.drop()

	waitCursor(t, m, 6)
	waitState(t, m, StateLive)

	// Paging walked the whole gap from the advancing cursor.
	cursors := log.sinceCursors()
	assert.Contains(t, cursors, int64(1))
	assert.Contains(t, cursors, int64(3))
	assert.Contains(t, cursors, int64(5))

	m.Close()
	<-done
	assert.Len(t, m.Reconstructor().TerminalLines(), 6)
}

func TestManagerStopsOnTerminalSession(t *testing.T) {
	log := &fakeLog{}
	log.add(mkEvent(t, 1, model.KindTerminal, map[string]any{"line": "bye"}))
	ch := &fakeChannel{}
	sessions := &fakeSessions{status: model.SessionStatusLive}
	m := newTestManager(t, log, ch, sessions)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	waitState(t, m, StateLive)

	// The session ends and the transport drops; no reconnect follows.
	sessions.setStatus(model.SessionStatusEnded)
	ch.drop()

	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 1, ch.subscribeCount())
}

func TestManagerRetriesFailedReplay(t *testing.T) {
	log := &fakeLog{failTails: 2}
	log.add(mkEvent(t, 1, model.KindTerminal, map[string]any{"line": "finally"}))
	ch := &fakeChannel{}
	m := newTestManager(t, log, ch, nil)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	waitState(t, m, StateLive)
	assert.Equal(t, int64(1), m.Cursor())
	assert.GreaterOrEqual(t, ch.subscribeCount(), 3)

	m.Close()
	<-done
}

func TestManagerPresenceFramesAndResetOnDrop(t *testing.T) {
	log := &fakeLog{}
	ch := &fakeChannel{}
	sessions := &fakeSessions{status: model.SessionStatusLive}
	m := newTestManager(t, log, ch, sessions)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	waitState(t, m, StateLive)

	viewer := uuid.New()
	ch.push(model.Frame{Type: model.FramePresence, Presence: &model.PresenceUpdate{
		ViewerID: viewer, Name: "ada", Action: model.PresenceJoin, ViewerCount: 7,
	}})
	ch.push(model.Frame{Type: model.FrameReaction, Reaction: &model.Reaction{
		ViewerID: viewer, Emoji: "🔥", At: time.Now(),
	}})
	// A trailing event frame gives the test a cursor to wait on; the frames
	// above were applied first on the same goroutine.
	ch.push(eventFrame(mkEvent(t, 1, model.KindTerminal, map[string]any{"line": "x"})))
	waitCursor(t, m, 1)

	assert.Equal(t, 7, m.Presence().ViewerCount())
	assert.Equal(t, []string{"ada"}, m.Presence().Roster())
	require.Len(t, m.Presence().Reactions(), 1)
	assert.Equal(t, "🔥", m.Presence().Reactions()[0].Emoji)

	// Presence has no catch-up: a drop clears the mirror.
	ch.drop()
	require.Eventually(t, func() bool {
		return ch.subscribeCount() >= 2 && m.State() == StateLive
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, m.Presence().ViewerCount())
	assert.Empty(t, m.Presence().Roster())

	m.Close()
	<-done
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	m := newTestManager(t, &fakeLog{}, &fakeChannel{}, nil)
	m.Close()
	m.Close()
	assert.Equal(t, StateClosed, m.State())
	assert.ErrorIs(t, m.Run(context.Background()), ErrClosed)
}
