package clientctx

import (
	"errors"
	"testing"
	"time"
)

func TestLifecycle(t *testing.T) {
	m := NewManager()

	if !m.Create("c1") {
		t.Fatal("Create() = false")
	}
	if m.Create("c1") {
		t.Fatal("Create() twice = true")
	}
	if err := m.SetActiveSession("c1", "sess"); err != nil {
		t.Fatalf("SetActiveSession: %v", err)
	}
	if err := m.SetActiveSession("nope", "sess"); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("unknown client: err = %v", err)
	}
	m.Touch("c1", "S1")
	m.Touch("c1", "S2")

	got, ok := m.Get("c1")
	if !ok || got.ActiveSessionID != "sess" || len(got.ConnectedServers) != 2 {
		t.Fatalf("Get() = %+v, %v", got, ok)
	}

	if cleared := m.ClearSession("sess"); len(cleared) != 1 || cleared[0] != "c1" {
		t.Fatalf("ClearSession() = %v", cleared)
	}
	if m.ActiveSession("c1") != "" {
		t.Fatal("session still bound")
	}
}

func TestCascadeTeardown(t *testing.T) {
	m := NewManager()
	m.Create("c1")
	m.Create("c2")

	for _, uri := range []string{"file:///a", "file:///b", "file:///c"} {
		if _, err := m.AddSubscription("c1", "S1", uri); err != nil {
			t.Fatalf("AddSubscription: %v", err)
		}
	}
	other, _ := m.AddSubscription("c2", "S1", "file:///a")

	removed, ok := m.Remove("c1")
	if !ok || len(removed) != 3 {
		t.Fatalf("Remove() = %d subs, %v", len(removed), ok)
	}
	if subs := m.Subscriptions("c1"); len(subs) != 0 {
		t.Fatalf("subscriptions left for c1: %v", subs)
	}
	if _, ok := m.Get("c1"); ok {
		t.Fatal("context still present")
	}
	for _, s := range m.Subscriptions("") {
		if s.ClientID == "c1" {
			t.Fatalf("dangling subscription %+v", s)
		}
	}
	if all := m.Subscriptions(""); len(all) != 1 || all[0].ID != other.ID {
		t.Fatalf("other client's subscriptions affected: %v", all)
	}
	if _, err := m.AddSubscription("c1", "S1", "x"); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("subscription without context: err = %v", err)
	}
}

func TestFindAndRemoveSubscription(t *testing.T) {
	m := NewManager()
	m.Create("c1")
	s, _ := m.AddSubscription("c1", "S1", "file:///a")

	found, ok := m.FindSubscription("c1", "S1", "file:///a")
	if !ok || found.ID != s.ID {
		t.Fatalf("FindSubscription() = %+v, %v", found, ok)
	}
	if _, ok := m.FindSubscription("c1", "S2", "file:///a"); ok {
		t.Fatal("matched wrong server")
	}
	if _, ok := m.RemoveSubscription(s.ID); !ok {
		t.Fatal("RemoveSubscription() = false")
	}
	if got, _ := m.Get("c1"); len(got.Subscriptions) != 0 {
		t.Fatalf("context still lists %v", got.Subscriptions)
	}
}

func TestRemoveServer(t *testing.T) {
	m := NewManager()
	m.Create("c1")
	m.AddSubscription("c1", "S1", "a")
	m.AddSubscription("c1", "S2", "b")

	removed := m.RemoveServer("S1")
	if len(removed) != 1 || removed[0].URI != "a" {
		t.Fatalf("RemoveServer() = %v", removed)
	}
	got, _ := m.Get("c1")
	if len(got.ConnectedServers) != 1 || got.ConnectedServers[0] != "S2" || len(got.Subscriptions) != 1 {
		t.Fatalf("context after RemoveServer = %+v", got)
	}
}

func TestIdle(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(WithClock(func() time.Time { return now }))
	m.Create("old")
	now = now.Add(10 * time.Minute)
	m.Create("new")

	idle := m.Idle(5 * time.Minute)
	if len(idle) != 1 || idle[0] != "old" {
		t.Fatalf("Idle() = %v", idle)
	}
	m.Touch("old", "")
	if idle := m.Idle(5 * time.Minute); len(idle) != 0 {
		t.Fatalf("Idle() after Touch = %v", idle)
	}
}
