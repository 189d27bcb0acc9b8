package viewer

import (
	"sort"

	"github.com/google/uuid"

	"github.com/glasshouse-dev/glasshouse/internal/model"
)

// DefaultReactionCap bounds the recent-reactions buffer.
const DefaultReactionCap = 50

// Presence mirrors the ephemeral viewer roster and recent reactions for one
// session. None of this survives a disconnect: updates missed while offline
// are gone, which is the contract — presence is not content and has no
// catch-up path. Not safe for concurrent use; the manager's run loop is the
// single writer.
type Presence struct {
	roster    map[uuid.UUID]string
	count     int
	reactions *Ring[model.Reaction]
}

// NewPresence creates an empty presence mirror.
func NewPresence() *Presence {
	return &Presence{
		roster:    make(map[uuid.UUID]string),
		reactions: NewRing[model.Reaction](DefaultReactionCap),
	}
}

// ApplyUpdate merges a presence frame. The server's viewer count is
// authoritative; the local roster only names the viewers this connection has
// seen join.
func (p *Presence) ApplyUpdate(u model.PresenceUpdate) {
	switch u.Action {
	case model.PresenceJoin:
		p.roster[u.ViewerID] = u.Name
	case model.PresenceLeave:
		delete(p.roster, u.ViewerID)
	}
	p.count = u.ViewerCount
}

// ApplyReaction buffers a reaction frame.
func (p *Presence) ApplyReaction(r model.Reaction) {
	p.reactions.Push(r)
}

// ViewerCount returns the server-reported viewer count.
func (p *Presence) ViewerCount() int { return p.count }

// Roster returns the known viewer names sorted by ID for stable rendering.
func (p *Presence) Roster() []string {
	ids := make([]uuid.UUID, 0, len(p.roster))
	for id := range p.roster {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = p.roster[id]
	}
	return names
}

// Reactions returns the recent reactions oldest-first.
func (p *Presence) Reactions() []model.Reaction { return p.reactions.Items() }

// Reset clears all presence state. Called on disconnect: the roster cannot be
// trusted across a gap with no catch-up.
func (p *Presence) Reset() {
	p.roster = make(map[uuid.UUID]string)
	p.count = 0
}
