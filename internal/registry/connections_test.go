package registry

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"chatgate/internal/protocol"
)

type nullSender struct{}

func (nullSender) Enqueue([]byte) bool { return true }

func newTestConnections() *Connections {
	return NewConnections(zerolog.Nop())
}

func conn(id, userID string) *Connection {
	c := &Connection{ID: id, Sender: nullSender{}}
	if userID != "" {
		c.UserID = userID
		c.Username = userID
		c.Authenticated = true
	}
	return c
}

func TestRegisterDuplicateIDRefused(t *testing.T) {
	reg := newTestConnections()

	if !reg.Register(conn("c1", "")) {
		t.Fatal("first registration should succeed")
	}
	if reg.Register(conn("c1", "")) {
		t.Fatal("duplicate id must be refused")
	}
	if got := reg.Stats().Current; got != 1 {
		t.Fatalf("current = %d, want 1", got)
	}
}

func TestPresenceFiresOnTransitionsOnly(t *testing.T) {
	reg := newTestConnections()
	var online, offline []string
	reg.OnPresence(
		func(u string) { online = append(online, u) },
		func(u string) { offline = append(offline, u) },
	)

	reg.Register(conn("c1", "alice"))
	reg.Register(conn("c2", "alice"))
	if len(online) != 1 || online[0] != "alice" {
		t.Fatalf("online hooks = %v, want exactly one for alice", online)
	}

	reg.Unregister("c1", "test")
	if len(offline) != 0 {
		t.Fatalf("offline fired with a connection remaining: %v", offline)
	}
	if !reg.IsOnline("alice") {
		t.Fatal("alice still has a live connection")
	}

	reg.Unregister("c2", "test")
	if len(offline) != 1 || offline[0] != "alice" {
		t.Fatalf("offline hooks = %v, want exactly one for alice", offline)
	}
	if reg.IsOnline("alice") {
		t.Fatal("alice has no live connections")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	reg := newTestConnections()
	offline := 0
	reg.OnPresence(nil, func(string) { offline++ })

	reg.Register(conn("c1", "alice"))
	reg.Unregister("c1", "test")
	reg.Unregister("c1", "test")
	reg.Unregister("never-existed", "test")

	if offline != 1 {
		t.Fatalf("offline fired %d times, want 1", offline)
	}
}

func TestAuthenticateUpgradesOnce(t *testing.T) {
	reg := newTestConnections()
	reg.Register(conn("c1", ""))

	profile := protocol.UserProfile{ID: "alice", Username: "alice"}
	if !reg.Authenticate("c1", profile) {
		t.Fatal("guest upgrade should succeed")
	}
	if reg.Authenticate("c1", protocol.UserProfile{ID: "bob"}) {
		t.Fatal("second upgrade must fail")
	}
	if reg.Authenticate("unknown", profile) {
		t.Fatal("unknown id must fail")
	}

	got, ok := reg.Get("c1")
	if !ok || got.UserID != "alice" || !got.Authenticated {
		t.Fatalf("connection state after upgrade = %+v", got)
	}
	if !reg.IsOnline("alice") {
		t.Fatal("authenticated user should be online")
	}
}

func TestConnectionsOfReturnsSnapshots(t *testing.T) {
	reg := newTestConnections()
	reg.Register(conn("c1", "alice"))
	reg.Register(conn("c2", "alice"))
	reg.Register(conn("c3", "bob"))

	conns := reg.ConnectionsOf("alice")
	if len(conns) != 2 {
		t.Fatalf("got %d connections, want 2", len(conns))
	}
	for _, c := range conns {
		if c.UserID != "alice" {
			t.Fatalf("connection %s owned by %s", c.ID, c.UserID)
		}
	}
}

func TestReconcilePurgesOrphans(t *testing.T) {
	reg := newTestConnections()
	reg.Register(conn("c1", "alice"))
	reg.Register(conn("c2", "bob"))

	orphans := reg.Reconcile(map[string]bool{"c1": true})
	if len(orphans) != 1 || orphans[0] != "c2" {
		t.Fatalf("orphans = %v, want [c2]", orphans)
	}
	if reg.IsOnline("bob") {
		t.Fatal("bob's orphaned entry should be gone")
	}
	if !reg.IsOnline("alice") {
		t.Fatal("alice's live entry must survive")
	}

	// A second pass with the same live set finds nothing.
	if orphans := reg.Reconcile(map[string]bool{"c1": true}); len(orphans) != 0 {
		t.Fatalf("second reconcile found %v", orphans)
	}
}

func TestStatsCounters(t *testing.T) {
	reg := newTestConnections()
	for i := 0; i < 5; i++ {
		reg.Register(conn(fmt.Sprintf("c%d", i), ""))
	}
	reg.Unregister("c0", "test")
	reg.Unregister("c1", "test")

	stats := reg.Stats()
	if stats.Current != 3 {
		t.Errorf("current = %d, want 3", stats.Current)
	}
	if stats.Peak != 5 {
		t.Errorf("peak = %d, want 5", stats.Peak)
	}
	if stats.Total != 5 {
		t.Errorf("total = %d, want 5", stats.Total)
	}
}
