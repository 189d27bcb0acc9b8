package server

import (
	"testing"

	"github.com/google/uuid"
)

func TestPresenceRegistryJoinIsIdempotent(t *testing.T) {
	p := newPresenceRegistry()
	session := uuid.New()
	viewer := uuid.New()

	if got := p.Join(session, viewer, "ada"); got != 1 {
		t.Fatalf("first join count = %d, want 1", got)
	}
	// A rejoin (page refresh, duplicate join message) must not inflate the count.
	if got := p.Join(session, viewer, "ada lovelace"); got != 1 {
		t.Fatalf("rejoin count = %d, want 1", got)
	}
	if got := p.Join(session, uuid.New(), "bob"); got != 2 {
		t.Fatalf("second viewer count = %d, want 2", got)
	}
}

func TestPresenceRegistryLeave(t *testing.T) {
	p := newPresenceRegistry()
	session := uuid.New()
	ada, bob := uuid.New(), uuid.New()
	p.Join(session, ada, "ada")
	p.Join(session, bob, "bob")

	count, present := p.Leave(session, ada)
	if !present || count != 1 {
		t.Fatalf("Leave = (%d, %v), want (1, true)", count, present)
	}

	// Leaving twice is a no-op.
	count, present = p.Leave(session, ada)
	if present || count != 1 {
		t.Fatalf("double Leave = (%d, %v), want (1, false)", count, present)
	}

	if _, present := p.Leave(uuid.New(), ada); present {
		t.Fatal("Leave on unknown session reported the viewer present")
	}
}

func TestPresenceRegistrySessionsAreIsolated(t *testing.T) {
	p := newPresenceRegistry()
	sessionA, sessionB := uuid.New(), uuid.New()
	p.Join(sessionA, uuid.New(), "ada")
	p.Join(sessionA, uuid.New(), "bob")
	p.Join(sessionB, uuid.New(), "carol")

	if got := p.Count(sessionA); got != 2 {
		t.Fatalf("Count(A) = %d, want 2", got)
	}
	if got := p.Count(sessionB); got != 1 {
		t.Fatalf("Count(B) = %d, want 1", got)
	}
	if got := p.Count(uuid.New()); got != 0 {
		t.Fatalf("Count(unknown) = %d, want 0", got)
	}
}
