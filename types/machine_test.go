package types

import (
	"testing"
	"time"
)

func TestMachineAssigned(t *testing.T) {
	m := &Machine{ID: "m-1"}
	if m.Assigned() {
		t.Fatal("spare machine reported assigned")
	}
	m.UserID = "alice"
	if !m.Assigned() {
		t.Fatal("owned machine reported unassigned")
	}
}

func TestMachineExpired(t *testing.T) {
	now := time.Now()
	m := &Machine{ID: "m-1", UserID: "alice"}
	if m.Expired(now) {
		t.Fatal("machine without expiry can never expire")
	}

	later := now.Add(time.Minute)
	m.ExpiresAt = &later
	if m.Expired(now) {
		t.Fatal("live lease reported expired")
	}
	// Boundary: expiry exactly at now counts as lapsed.
	if !m.Expired(later) {
		t.Fatal("lease at its expiry instant should be lapsed")
	}
	if !m.Expired(later.Add(time.Second)) {
		t.Fatal("lapsed lease reported live")
	}
}

func TestAnyActive(t *testing.T) {
	if AnyActive(nil) {
		t.Fatal("empty session list reported active")
	}
	sessions := []*Session{
		{ID: "1", State: "Disconnected"},
		{ID: "2", State: "Idle"},
	}
	if AnyActive(sessions) {
		t.Fatal("no active sessions, AnyActive = true")
	}
	sessions = append(sessions, &Session{ID: "3", State: SessionActive})
	if !AnyActive(sessions) {
		t.Fatal("active session missed")
	}
}
