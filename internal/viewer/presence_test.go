package viewer

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/glasshouse-dev/glasshouse/internal/model"
)

func TestPresenceJoinLeave(t *testing.T) {
	p := NewPresence()
	ada, bob := uuid.New(), uuid.New()

	p.ApplyUpdate(model.PresenceUpdate{ViewerID: ada, Name: "ada", Action: model.PresenceJoin, ViewerCount: 1})
	p.ApplyUpdate(model.PresenceUpdate{ViewerID: bob, Name: "bob", Action: model.PresenceJoin, ViewerCount: 2})
	assert.Equal(t, 2, p.ViewerCount())
	assert.ElementsMatch(t, []string{"ada", "bob"}, p.Roster())

	p.ApplyUpdate(model.PresenceUpdate{ViewerID: ada, Action: model.PresenceLeave, ViewerCount: 1})
	assert.Equal(t, 1, p.ViewerCount())
	assert.Equal(t, []string{"bob"}, p.Roster())
}

func TestPresenceServerCountIsAuthoritative(t *testing.T) {
	p := NewPresence()

	// The roster only covers joins seen on this connection; the count covers
	// everyone.
	p.ApplyUpdate(model.PresenceUpdate{ViewerID: uuid.New(), Name: "late", Action: model.PresenceJoin, ViewerCount: 40})
	assert.Equal(t, 40, p.ViewerCount())
	assert.Len(t, p.Roster(), 1)
}

func TestPresenceReactionsBounded(t *testing.T) {
	p := NewPresence()
	for i := 0; i < DefaultReactionCap+10; i++ {
		p.ApplyReaction(model.Reaction{ViewerID: uuid.New(), Emoji: fmt.Sprintf("e%d", i), At: time.Now()})
	}
	got := p.Reactions()
	assert.Len(t, got, DefaultReactionCap)
	assert.Equal(t, "e10", got[0].Emoji)
}

func TestPresenceReset(t *testing.T) {
	p := NewPresence()
	p.ApplyUpdate(model.PresenceUpdate{ViewerID: uuid.New(), Name: "ada", Action: model.PresenceJoin, ViewerCount: 3})
	p.ApplyReaction(model.Reaction{Emoji: "👏", At: time.Now()})

	p.Reset()
	assert.Zero(t, p.ViewerCount())
	assert.Empty(t, p.Roster())
	// Reactions are already rendered; Reset only drops the roster.
	assert.Len(t, p.Reactions(), 1)
}
