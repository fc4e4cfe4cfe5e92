package registry

import (
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/protocol"
)

func newTestRooms() *Rooms {
	return NewRooms("sys:", zerolog.Nop())
}

func TestJoinLeaveAlgebra(t *testing.T) {
	r := newTestRooms()
	r.Ensure("general", "general", protocol.RoomPublic)

	if !r.Join("general", "c1", "alice") {
		t.Fatal("first join should succeed")
	}
	if r.Join("general", "c1", "alice") {
		t.Fatal("duplicate join must return false")
	}
	if !r.Leave("general", "c1") {
		t.Fatal("leave should succeed")
	}
	if r.Leave("general", "c1") {
		t.Fatal("leaving twice must return false")
	}
}

func TestEmptyRoomDeletedOnLastLeave(t *testing.T) {
	r := newTestRooms()
	r.Ensure("general", "general", protocol.RoomPublic)
	r.Join("general", "c1", "alice")
	r.Join("general", "c2", "bob")

	r.Leave("general", "c1")
	if _, ok := r.Room("general"); !ok {
		t.Fatal("room with members must survive")
	}

	r.Leave("general", "c2")
	if _, ok := r.Room("general"); ok {
		t.Fatal("room should be deleted when its last member leaves")
	}
}

func TestReservedRoomSurvivesEmpty(t *testing.T) {
	r := newTestRooms()
	r.Ensure("sys:announcements", "Announcements", protocol.RoomPublic)
	r.Join("sys:announcements", "c1", "alice")
	r.Leave("sys:announcements", "c1")

	if _, ok := r.Room("sys:announcements"); !ok {
		t.Fatal("reserved room must survive emptying")
	}
	if swept := r.SweepEmpty(0); len(swept) != 0 {
		t.Fatalf("sweep removed reserved room: %v", swept)
	}
}

func TestMembersOrderedByJoin(t *testing.T) {
	r := newTestRooms()
	r.Ensure("general", "general", protocol.RoomPublic)
	r.Join("general", "c1", "alice")
	r.Join("general", "c2", "bob")
	r.Join("general", "c3", "carol")

	members := r.MembersOf("general")
	var ids []string
	for _, m := range members {
		ids = append(ids, m.ConnID)
	}
	if !reflect.DeepEqual(ids, []string{"c1", "c2", "c3"}) {
		t.Fatalf("member order = %v, want join order", ids)
	}
}

func TestFirstMemberIsModerator(t *testing.T) {
	r := newTestRooms()
	r.Ensure("general", "general", protocol.RoomPublic)
	r.Join("general", "c1", "alice")
	r.Join("general", "c2", "bob")

	members := r.MembersOf("general")
	if members[0].Role != RoleModerator {
		t.Errorf("first member role = %s, want moderator", members[0].Role)
	}
	if members[1].Role != RoleMember {
		t.Errorf("second member role = %s, want member", members[1].Role)
	}
}

func TestLeaveAllClearsMemberships(t *testing.T) {
	r := newTestRooms()
	r.Ensure("b-room", "b-room", protocol.RoomPublic)
	r.Ensure("a-room", "a-room", protocol.RoomPublic)
	r.Join("b-room", "c1", "alice")
	r.Join("a-room", "c1", "alice")
	r.Join("a-room", "c2", "bob")

	left := r.LeaveAll("c1")
	if !reflect.DeepEqual(left, []string{"a-room", "b-room"}) {
		t.Fatalf("left = %v, want sorted [a-room b-room]", left)
	}
	if rooms := r.RoomsOf("c1"); len(rooms) != 0 {
		t.Fatalf("c1 still holds memberships: %v", rooms)
	}
	// a-room keeps bob; b-room emptied and was deleted.
	if _, ok := r.Room("a-room"); !ok {
		t.Fatal("a-room should survive, bob remains")
	}
	if _, ok := r.Room("b-room"); ok {
		t.Fatal("b-room should be deleted")
	}

	if left := r.LeaveAll("c1"); left != nil {
		t.Fatalf("second LeaveAll = %v, want nil", left)
	}
}

func TestIsMemberMatchesAnyConnection(t *testing.T) {
	r := newTestRooms()
	r.Ensure("general", "general", protocol.RoomPublic)
	r.Join("general", "c1", "alice")

	if !r.IsMember("alice", "general") {
		t.Fatal("alice joined via c1")
	}
	if r.IsMember("bob", "general") {
		t.Fatal("bob never joined")
	}
	if r.IsMember("alice", "nonexistent") {
		t.Fatal("membership in unknown room")
	}
}

func TestSweepEmptyRespectsTTL(t *testing.T) {
	r := newTestRooms()
	r.Ensure("stale", "stale", protocol.RoomPublic)

	if swept := r.SweepEmpty(time.Hour); len(swept) != 0 {
		t.Fatalf("young room swept: %v", swept)
	}
	swept := r.SweepEmpty(0)
	if len(swept) != 1 || swept[0] != "stale" {
		t.Fatalf("swept = %v, want [stale]", swept)
	}
	// Idempotent.
	if swept := r.SweepEmpty(0); len(swept) != 0 {
		t.Fatalf("second sweep found %v", swept)
	}
}

func TestRoomPassword(t *testing.T) {
	r := newTestRooms()
	r.Ensure("private", "private", protocol.RoomPrivate)
	if !r.SetPassword("private", "hunter2") {
		t.Fatal("set password on existing room")
	}

	if r.CheckPassword("private", "wrong") {
		t.Fatal("wrong password accepted")
	}
	if !r.CheckPassword("private", "hunter2") {
		t.Fatal("correct password rejected")
	}

	r.Ensure("open", "open", protocol.RoomPublic)
	if !r.CheckPassword("open", "") {
		t.Fatal("password-less room must admit everyone")
	}
	if !r.CheckPassword("open", "anything") {
		t.Fatal("password-less room ignores supplied passwords")
	}
}

func TestEnsureIdempotent(t *testing.T) {
	r := newTestRooms()
	info1, created := r.Ensure("general", "General", protocol.RoomPublic)
	if !created {
		t.Fatal("first ensure should create")
	}
	info2, created := r.Ensure("general", "Other Name", protocol.RoomPrivate)
	if created {
		t.Fatal("second ensure must not recreate")
	}
	if info2.Name != info1.Name || info2.Type != info1.Type {
		t.Fatalf("existing room mutated: %+v vs %+v", info1, info2)
	}
}

func TestEnsureJoinCreatesAndJoins(t *testing.T) {
	r := newTestRooms()

	out := r.EnsureJoin("general", "general", protocol.RoomPublic, "", "c1", "alice")
	if !out.Created || !out.Joined || !out.Admitted {
		t.Fatalf("outcome = %+v, want created+joined", out)
	}
	if !r.IsMember("alice", "general") {
		t.Fatal("joined outcome without membership")
	}
	if members := r.MembersOf("general"); members[0].Role != RoleModerator {
		t.Fatalf("creator role = %s, want moderator", members[0].Role)
	}

	// Duplicate join: admitted, nothing changed.
	out = r.EnsureJoin("general", "general", protocol.RoomPublic, "", "c1", "alice")
	if out.Created || out.Joined || !out.Admitted {
		t.Fatalf("duplicate outcome = %+v", out)
	}
}

func TestEnsureJoinRevivesDeletedRoom(t *testing.T) {
	r := newTestRooms()
	r.EnsureJoin("general", "general", protocol.RoomPublic, "", "c1", "alice")

	// Last member leaving deletes the room out from under later joiners.
	r.Leave("general", "c1")
	if _, ok := r.Room("general"); ok {
		t.Fatal("room should be gone")
	}

	out := r.EnsureJoin("general", "general", protocol.RoomPublic, "", "c2", "bob")
	if !out.Created || !out.Joined {
		t.Fatalf("outcome = %+v, want the room recreated and joined", out)
	}
	if !r.IsMember("bob", "general") {
		t.Fatal("bob must be a member of the recreated room")
	}
}

func TestEnsureJoinPassword(t *testing.T) {
	r := newTestRooms()

	// The creator's password becomes the room's join password.
	out := r.EnsureJoin("vault", "vault", protocol.RoomPrivate, "hunter2", "c1", "alice")
	if !out.Created || !out.Admitted {
		t.Fatalf("creator outcome = %+v", out)
	}

	out = r.EnsureJoin("vault", "vault", protocol.RoomPrivate, "wrong", "c2", "bob")
	if out.Admitted || out.Joined {
		t.Fatalf("wrong password outcome = %+v", out)
	}
	if r.IsMember("bob", "vault") {
		t.Fatal("rejected joiner must not be a member")
	}

	out = r.EnsureJoin("vault", "vault", protocol.RoomPrivate, "hunter2", "c2", "bob")
	if !out.Admitted || !out.Joined {
		t.Fatalf("correct password outcome = %+v", out)
	}
}
