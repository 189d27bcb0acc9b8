package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glasshouse-dev/glasshouse/internal/model"
	"github.com/glasshouse-dev/glasshouse/internal/storage"
	"github.com/glasshouse-dev/glasshouse/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()

	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

// newSession inserts an agent and a live session owned by it.
func newSession(t *testing.T) model.Session {
	t.Helper()
	ctx := context.Background()

	agentID := "agent-" + uuid.NewString()
	require.NoError(t, testDB.UpsertAgent(ctx, model.Agent{
		AgentID:    agentID,
		Name:       "Test Agent",
		APIKeyHash: "$argon2id$v=19$m=65536,t=3,p=2$placeholder$placeholder",
	}))

	s := model.Session{
		ID:        uuid.New(),
		AgentID:   agentID,
		Title:     "test stream",
		Status:    model.SessionStatusLive,
		StartedAt: time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateSession(ctx, s))
	return s
}

func appendN(t *testing.T, sessionID uuid.UUID, n int) []model.Event {
	t.Helper()
	ctx := context.Background()
	out := make([]model.Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := testDB.AppendEvent(ctx, model.Event{
			ID:        uuid.New(),
			SessionID: sessionID,
			Kind:      model.KindTerminal,
			Payload:   map[string]any{"line": "x", "severity": "stdout"},
		})
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	s := newSession(t)
	events := appendN(t, s.ID, 5)

	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
	assert.False(t, events[0].CreatedAt.IsZero())
}

func TestTailEventsOldestFirst(t *testing.T) {
	s := newSession(t)
	events := appendN(t, s.ID, 10)

	got, err := testDB.TailEvents(context.Background(), s.ID, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)

	// Most recent 4, in append order.
	assert.Equal(t, events[6].Seq, got[0].Seq)
	assert.Equal(t, events[9].Seq, got[3].Seq)
	assert.Equal(t, "x", got[0].Payload["line"])
}

func TestTailEventsEmptySession(t *testing.T) {
	s := newSession(t)
	got, err := testDB.TailEvents(context.Background(), s.ID, 10)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestEventsSinceStrictlyAfterCursor(t *testing.T) {
	s := newSession(t)
	events := appendN(t, s.ID, 6)
	cursor := events[2].Seq

	got, err := testDB.EventsSince(context.Background(), s.ID, cursor, 100)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, events[3].Seq, got[0].Seq)

	// Same call again returns the same window: reads never consume the log.
	again, err := testDB.EventsSince(context.Background(), s.ID, cursor, 100)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	// A cursor at the head yields nothing.
	head, err := testDB.EventsSince(context.Background(), s.ID, events[5].Seq, 100)
	require.NoError(t, err)
	assert.Empty(t, head)
}

func TestEventsAreIsolatedBySession(t *testing.T) {
	a, b := newSession(t), newSession(t)
	appendN(t, a.ID, 3)
	appendN(t, b.ID, 2)

	got, err := testDB.TailEvents(context.Background(), b.ID, 100)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, ev := range got {
		assert.Equal(t, b.ID, ev.SessionID)
	}
}

func TestGetEventBySeq(t *testing.T) {
	s := newSession(t)
	events := appendN(t, s.ID, 2)

	got, err := testDB.GetEventBySeq(context.Background(), s.ID, events[1].Seq)
	require.NoError(t, err)
	assert.Equal(t, events[1].ID, got.ID)
	assert.Equal(t, model.KindTerminal, got.Kind)

	_, err = testDB.GetEventBySeq(context.Background(), s.ID, events[1].Seq+1000)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionRoundTrip(t *testing.T) {
	s := newSession(t)

	got, err := testDB.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.AgentID, got.AgentID)
	assert.Equal(t, model.SessionStatusLive, got.Status)
	assert.Nil(t, got.EndedAt)

	_, err = testDB.GetSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateSessionStatusStampsEndedAt(t *testing.T) {
	s := newSession(t)
	ctx := context.Background()

	require.NoError(t, testDB.UpdateSessionStatus(ctx, s.ID, model.SessionStatusEnded))
	got, err := testDB.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusEnded, got.Status)
	require.NotNil(t, got.EndedAt)

	// Going back to a non-terminal status clears the stamp.
	require.NoError(t, testDB.UpdateSessionStatus(ctx, s.ID, model.SessionStatusLive))
	got, err = testDB.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got.EndedAt)

	assert.ErrorIs(t, testDB.UpdateSessionStatus(ctx, uuid.New(), model.SessionStatusEnded), storage.ErrNotFound)
}

func TestUpsertAgentReplacesCredentials(t *testing.T) {
	ctx := context.Background()
	agentID := "agent-" + uuid.NewString()

	require.NoError(t, testDB.UpsertAgent(ctx, model.Agent{AgentID: agentID, Name: "v1", APIKeyHash: "hash-1"}))
	require.NoError(t, testDB.UpsertAgent(ctx, model.Agent{AgentID: agentID, Name: "v2", APIKeyHash: "hash-2"}))

	got, err := testDB.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)
	assert.Equal(t, "hash-2", got.APIKeyHash)

	_, err = testDB.GetAgent(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelEvents))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelEvents, `{"seq":1}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelEvents, channel)
	assert.Equal(t, `{"seq":1}`, payload)
}
