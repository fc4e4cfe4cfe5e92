package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/protocol"
)

// Role is a member's standing within a room.
type Role string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Member is one connection's membership in a room. The key is
// (roomID, connectionID), not (roomID, userID): one user may hold several
// simultaneous connections, each joining independently.
type Member struct {
	ConnID   string
	UserID   string
	Role     Role
	JoinedAt time.Time

	seq int64
}

// RoomInfo is a snapshot of a room's descriptive state.
type RoomInfo struct {
	ID        string
	Name      string
	Type      protocol.RoomType
	CreatedAt time.Time
	Members   int
}

type room struct {
	id        string
	name      string
	roomType  protocol.RoomType
	password  string
	createdAt time.Time
	members   map[string]*Member
}

// Rooms tracks membership and lifecycle of named broadcast groups. Rooms
// are created lazily on first use and deleted when the last member leaves,
// unless the id carries the reserved prefix.
type Rooms struct {
	mu             sync.RWMutex
	rooms          map[string]*room
	byConn         map[string]map[string]bool // connID → set of roomIDs
	reservedPrefix string
	joinSeq        int64
	logger         zerolog.Logger
}

func NewRooms(reservedPrefix string, logger zerolog.Logger) *Rooms {
	return &Rooms{
		rooms:          make(map[string]*room),
		byConn:         make(map[string]map[string]bool),
		reservedPrefix: reservedPrefix,
		logger:         logger.With().Str("component", "rooms").Logger(),
	}
}

func (r *Rooms) reserved(roomID string) bool {
	return r.reservedPrefix != "" && strings.HasPrefix(roomID, r.reservedPrefix)
}

// Ensure creates the room if absent. Idempotent: an existing room is
// returned unchanged. The second return value reports whether this call
// created it.
func (r *Rooms) Ensure(roomID, defaultName string, roomType protocol.RoomType) (RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:        roomID,
			name:      defaultName,
			roomType:  roomType,
			createdAt: time.Now(),
			members:   make(map[string]*Member),
		}
		r.rooms[roomID] = rm
		r.logger.Debug().Str("room_id", roomID).Str("type", string(roomType)).Msg("Room created")
	}
	return r.infoLocked(rm), !ok
}

// SetPassword sets the join password on a private room. Returns false for
// unknown rooms.
func (r *Rooms) SetPassword(roomID, password string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	rm.password = password
	return true
}

// CheckPassword reports whether the given password grants entry to the
// room. Rooms without a password admit everyone.
func (r *Rooms) CheckPassword(roomID, password string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	return rm.password == "" || rm.password == password
}

// Join adds the connection to the room. Returns false, not an error, when
// the room does not exist or the connection is already a member. The first
// member of a room becomes its moderator.
func (r *Rooms) Join(roomID, connID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := rm.members[connID]; member {
		return false
	}
	r.joinLocked(rm, connID, userID)
	return true
}

// JoinOutcome reports what a single EnsureJoin call did.
type JoinOutcome struct {
	// Created is true when this call created the room.
	Created bool
	// Joined is true when the connection became a member; false means it
	// already was one.
	Joined bool
	// Admitted is false when an existing room's password rejected the
	// caller. Created implies Admitted.
	Admitted bool
}

// EnsureJoin creates the room if absent and joins the connection to it as
// one atomic step, so the room cannot be emptied and deleted by another
// connection between creation and join. A password given on creation
// becomes the room's join password; for an existing room it must match.
func (r *Rooms) EnsureJoin(roomID, defaultName string, roomType protocol.RoomType, password, connID, userID string) JoinOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := JoinOutcome{Admitted: true}
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:        roomID,
			name:      defaultName,
			roomType:  roomType,
			password:  password,
			createdAt: time.Now(),
			members:   make(map[string]*Member),
		}
		r.rooms[roomID] = rm
		out.Created = true
		r.logger.Debug().Str("room_id", roomID).Str("type", string(roomType)).Msg("Room created")
	} else if rm.password != "" && rm.password != password {
		out.Admitted = false
		return out
	}

	if _, member := rm.members[connID]; member {
		return out
	}
	r.joinLocked(rm, connID, userID)
	out.Joined = true
	return out
}

func (r *Rooms) joinLocked(rm *room, connID, userID string) {
	role := RoleMember
	if len(rm.members) == 0 {
		role = RoleModerator
	}
	r.joinSeq++
	rm.members[connID] = &Member{
		ConnID:   connID,
		UserID:   userID,
		Role:     role,
		JoinedAt: time.Now(),
		seq:      r.joinSeq,
	}

	set := r.byConn[connID]
	if set == nil {
		set = make(map[string]bool)
		r.byConn[connID] = set
	}
	set[rm.id] = true
}

// Leave removes the connection from the room. Returns false when it was
// not a member. A room emptied by the departure is deleted immediately
// unless reserved.
func (r *Rooms) Leave(roomID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(roomID, connID)
}

func (r *Rooms) leaveLocked(roomID, connID string) bool {
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := rm.members[connID]; !member {
		return false
	}
	delete(rm.members, connID)

	if set := r.byConn[connID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}

	if len(rm.members) == 0 && !r.reserved(roomID) {
		delete(r.rooms, roomID)
		r.logger.Debug().Str("room_id", roomID).Msg("Empty room deleted")
	}
	return true
}

// LeaveAll removes the connection from every room it joined and returns
// the room ids left, for the disconnect cascade. Membership entries never
// outlive their connection.
func (r *Rooms) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byConn[connID]
	if len(set) == 0 {
		return nil
	}
	left := make([]string, 0, len(set))
	for roomID := range set {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		r.leaveLocked(roomID, connID)
	}
	sort.Strings(left)
	return left
}

// MembersOf returns the room's members ordered by join time. Nil for
// unknown rooms.
func (r *Rooms) MembersOf(roomID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Member, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// IsMember reports whether ANY connection of the user is a member of the
// room.
func (r *Rooms) IsMember(userID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	for _, m := range rm.members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Room returns a snapshot of the room's descriptive state.
func (r *Rooms) Room(roomID string) (RoomInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return r.infoLocked(rm), true
}

// RoomsOf returns the ids of rooms the connection has joined.
func (r *Rooms) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byConn[connID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for roomID := range set {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of live rooms.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// SweepEmpty deletes rooms that are empty AND older than maxAge AND not
// reserved. Returns the ids removed. Idempotent.
func (r *Rooms) SweepEmpty(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var swept []string
	for roomID, rm := range r.rooms {
		if len(rm.members) != 0 || r.reserved(roomID) {
			continue
		}
		if rm.createdAt.After(cutoff) {
			continue
		}
		delete(r.rooms, roomID)
		swept = append(swept, roomID)
	}
	if len(swept) > 0 {
		r.logger.Info().Strs("room_ids", swept).Msg("Swept expired empty rooms")
	}
	return swept
}

func (r *Rooms) infoLocked(rm *room) RoomInfo {
	return RoomInfo{
		ID:        rm.id,
		Name:      rm.name,
		Type:      rm.roomType,
		CreatedAt: rm.createdAt,
		Members:   len(rm.members),
	}
}
