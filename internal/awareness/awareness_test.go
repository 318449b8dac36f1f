package awareness

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestStatesPropagateBetweenClients(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	a := NewWithClock("c1", time.Minute, clock.now)
	b := NewWithClock("c2", time.Minute, clock.now)

	a.SetLocal(State{UserID: "u1", Name: "Alice", CameraReady: true})
	data, err := a.EncodeUpdate("c1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var changes []Change
	b.OnChange(func(ch Change) { changes = append(changes, ch) })
	if err := b.ApplyUpdate(data, "net"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	st, ok := b.States()["c1"]
	if !ok || st.UserID != "u1" || !st.IsOnline || !st.CameraReady {
		t.Fatalf("unexpected remote state %+v", st)
	}
	if st.LastSeen != clock.t.UnixMilli() {
		t.Fatalf("expected lastSeen %d, got %d", clock.t.UnixMilli(), st.LastSeen)
	}
	if len(changes) != 1 || len(changes[0].Added) != 1 {
		t.Fatalf("expected one added change, got %+v", changes)
	}

	// replaying an old update is ignored
	if err := b.ApplyUpdate(data, "net"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("stale update should not emit, got %d changes", len(changes))
	}
}

func TestOfflineRemovesState(t *testing.T) {
	a := New("c1", time.Minute)
	b := New("c2", time.Minute)
	a.SetLocal(State{UserID: "u1"})
	up, _ := a.EncodeUpdate()
	_ = b.ApplyUpdate(up, nil)

	a.SetOffline()
	up, _ = a.EncodeUpdate("c1")
	_ = b.ApplyUpdate(up, nil)

	if _, ok := b.States()["c1"]; ok {
		t.Fatalf("expected c1 removed after going offline")
	}
	if users := b.OnlineUsers(); len(users) != 0 {
		t.Fatalf("expected no online users, got %v", users)
	}
}

func TestRemoveStaleAfterTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	a := NewWithClock("c1", 10*time.Second, clock.now)
	b := NewWithClock("c2", 10*time.Second, clock.now)
	a.SetLocal(State{UserID: "u1"})
	b.SetLocal(State{UserID: "u2"})
	up, _ := a.EncodeUpdate()
	_ = b.ApplyUpdate(up, nil)

	clock.t = clock.t.Add(5 * time.Second)
	if removed := b.RemoveStale(); len(removed) != 0 {
		t.Fatalf("nothing should expire yet, got %v", removed)
	}

	clock.t = clock.t.Add(6 * time.Second)
	removed := b.RemoveStale()
	if len(removed) != 1 || removed[0] != "c1" {
		t.Fatalf("expected c1 to expire, got %v", removed)
	}
	if _, ok := b.Local(); !ok {
		t.Fatalf("local state must survive the sweep")
	}
}
