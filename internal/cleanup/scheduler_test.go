package cleanup

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/limits"
	"chatgate/internal/protocol"
	"chatgate/internal/registry"
)

type nullSender struct{}

func (nullSender) Enqueue([]byte) bool { return true }

func TestRunOncePurgesOrphans(t *testing.T) {
	conns := registry.NewConnections(zerolog.Nop())
	rooms := registry.NewRooms("sys:", zerolog.Nop())
	conns.Register(&registry.Connection{ID: "live", Sender: nullSender{}})
	conns.Register(&registry.Connection{ID: "orphan", Sender: nullSender{}})

	liveIDs := func() map[string]bool { return map[string]bool{"live": true} }
	s := NewScheduler(time.Minute, time.Hour, conns, rooms, liveIDs, nil, zerolog.Nop())
	s.RunOnce()

	if got := conns.Stats().Current; got != 1 {
		t.Fatalf("connections after sweep = %d, want 1", got)
	}
	if _, ok := conns.Get("orphan"); ok {
		t.Fatal("orphan entry should be gone")
	}
	if _, ok := conns.Get("live"); !ok {
		t.Fatal("live entry must survive")
	}
}

func TestRunOnceSweepsExpiredRooms(t *testing.T) {
	conns := registry.NewConnections(zerolog.Nop())
	rooms := registry.NewRooms("sys:", zerolog.Nop())
	rooms.Ensure("stale", "stale", protocol.RoomPublic)
	rooms.Ensure("sys:lobby", "lobby", protocol.RoomPublic)

	s := NewScheduler(time.Minute, 0, conns, rooms, nil, nil, zerolog.Nop())
	s.RunOnce()

	if _, ok := rooms.Room("stale"); ok {
		t.Fatal("expired empty room should be swept")
	}
	if _, ok := rooms.Room("sys:lobby"); !ok {
		t.Fatal("reserved room must survive the sweep")
	}
}

func TestRunOncePurgesLimiterWindows(t *testing.T) {
	conns := registry.NewConnections(zerolog.Nop())
	rooms := registry.NewRooms("sys:", zerolog.Nop())
	limiter := limits.NewFixedWindow(10, time.Nanosecond)
	limiter.Check("conn-1")
	time.Sleep(time.Millisecond)

	s := NewScheduler(time.Minute, time.Hour, conns, rooms, nil,
		[]*limits.FixedWindow{limiter}, zerolog.Nop())
	s.RunOnce()

	if got := limiter.Tracked(); got != 0 {
		t.Fatalf("tracked windows after sweep = %d, want 0", got)
	}
}

func TestRunOnceIdempotent(t *testing.T) {
	conns := registry.NewConnections(zerolog.Nop())
	rooms := registry.NewRooms("sys:", zerolog.Nop())
	conns.Register(&registry.Connection{ID: "orphan", Sender: nullSender{}})

	s := NewScheduler(time.Minute, 0, conns, rooms,
		func() map[string]bool { return nil }, nil, zerolog.Nop())
	s.RunOnce()
	s.RunOnce()

	if got := conns.Stats().Current; got != 0 {
		t.Fatalf("connections = %d, want 0", got)
	}
}
