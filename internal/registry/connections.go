package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/protocol"
)

// Sender is the outbound half of a live connection. Enqueue must never
// block; it returns false when the connection's buffer is full and the
// payload was dropped.
type Sender interface {
	Enqueue(data []byte) bool
}

// Connection is one live transport session. A connection belongs to at
// most one user and its identity is immutable once authenticated.
type Connection struct {
	ID            string
	UserID        string
	Username      string
	Authenticated bool
	Status        protocol.Status
	ConnectedAt   time.Time
	LastActivity  time.Time
	Sender        Sender
}

// ConnectionStats is the snapshot exposed on the admin surface.
type ConnectionStats struct {
	Current       int   `json:"current"`
	Peak          int   `json:"peak"`
	Authenticated int   `json:"authenticated"`
	Total         int64 `json:"total"`
}

// Connections maps opaque connection ids to identity and presence. All
// methods are safe for concurrent use; presence hooks fire outside the
// registry lock, after the mutation that caused them.
type Connections struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]map[string]*Connection

	peak  int
	auth  int
	total int64

	onOnline  func(userID string)
	onOffline func(userID string)

	logger zerolog.Logger
}

func NewConnections(logger zerolog.Logger) *Connections {
	return &Connections{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
		logger: logger.With().Str("component", "connections").Logger(),
	}
}

// OnPresence installs the online/offline transition hooks. Must be called
// before the registry starts receiving registrations.
func (c *Connections) OnPresence(online, offline func(userID string)) {
	c.onOnline = online
	c.onOffline = offline
}

// Register records a new connection. One handshake yields exactly one id,
// so a duplicate id is an invariant violation: it is logged loudly and
// refused, never silently accepted.
func (c *Connections) Register(conn *Connection) bool {
	var wentOnline string

	c.mu.Lock()
	if _, exists := c.byID[conn.ID]; exists {
		c.mu.Unlock()
		c.logger.Error().
			Str("conn_id", conn.ID).
			Msg("Invariant violation: duplicate connection id registration")
		return false
	}

	now := time.Now()
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}
	conn.LastActivity = now
	if conn.Status == "" {
		conn.Status = protocol.StatusOnline
	}

	c.byID[conn.ID] = conn
	c.total++
	if len(c.byID) > c.peak {
		c.peak = len(c.byID)
	}
	if conn.Authenticated {
		c.auth++
	}
	if conn.UserID != "" {
		set := c.byUser[conn.UserID]
		if set == nil {
			set = make(map[string]*Connection)
			c.byUser[conn.UserID] = set
			wentOnline = conn.UserID
		}
		set[conn.ID] = conn
	}
	c.mu.Unlock()

	if wentOnline != "" && c.onOnline != nil {
		c.onOnline(wentOnline)
	}
	return true
}

// Authenticate upgrades a guest connection to an authenticated one. It is
// the single allowed identity transition; it fails on unknown ids and on
// connections that already carry an identity.
func (c *Connections) Authenticate(id string, user protocol.UserProfile) bool {
	var wentOnline string

	c.mu.Lock()
	conn, ok := c.byID[id]
	if !ok || conn.Authenticated {
		c.mu.Unlock()
		return false
	}
	conn.UserID = user.ID
	conn.Username = user.Username
	conn.Authenticated = true
	c.auth++

	set := c.byUser[user.ID]
	if set == nil {
		set = make(map[string]*Connection)
		c.byUser[user.ID] = set
		wentOnline = user.ID
	}
	set[id] = conn
	c.mu.Unlock()

	if wentOnline != "" && c.onOnline != nil {
		c.onOnline(wentOnline)
	}
	return true
}

// Unregister removes a connection. Unknown ids are an idempotent no-op.
// When the removed connection was the user's last one, the offline hook
// fires exactly once for that 1→0 transition.
func (c *Connections) Unregister(id, reason string) {
	var wentOffline string

	c.mu.Lock()
	conn, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.byID, id)
	if conn.Authenticated {
		c.auth--
	}
	if conn.UserID != "" {
		if set := c.byUser[conn.UserID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(c.byUser, conn.UserID)
				wentOffline = conn.UserID
			}
		}
	}
	c.mu.Unlock()

	c.logger.Debug().
		Str("conn_id", id).
		Str("user_id", conn.UserID).
		Str("reason", reason).
		Msg("Connection unregistered")

	if wentOffline != "" && c.onOffline != nil {
		c.onOffline(wentOffline)
	}
}

// Get returns a snapshot copy of the connection's state.
func (c *Connections) Get(id string) (Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.byID[id]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// Touch updates the connection's last-activity timestamp.
func (c *Connections) Touch(id string) {
	c.mu.Lock()
	if conn, ok := c.byID[id]; ok {
		conn.LastActivity = time.Now()
	}
	c.mu.Unlock()
}

// SetStatus records a presence status for every connection of the user.
func (c *Connections) SetStatus(userID string, status protocol.Status) {
	c.mu.Lock()
	for _, conn := range c.byUser[userID] {
		conn.Status = status
	}
	c.mu.Unlock()
}

// IsOnline reports whether the user has at least one live connection.
func (c *Connections) IsOnline(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byUser[userID]) > 0
}

// ConnectionsOf returns snapshot copies of every live connection owned by
// the user. The slice order is unspecified.
func (c *Connections) ConnectionsOf(userID string) []Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Connection, 0, len(set))
	for _, conn := range set {
		out = append(out, *conn)
	}
	return out
}

// OnlineUsers returns an unordered snapshot of user ids with at least one
// live connection.
func (c *Connections) OnlineUsers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byUser))
	for userID := range c.byUser {
		out = append(out, userID)
	}
	return out
}

// All returns snapshot copies of every live connection.
func (c *Connections) All() []Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Connection, 0, len(c.byID))
	for _, conn := range c.byID {
		out = append(out, *conn)
	}
	return out
}

// Reconcile removes bookkeeping for any connection id not present in the
// live set and returns the ids purged. Used by the cleanup scheduler to
// catch entries a missed disconnect left behind.
func (c *Connections) Reconcile(live map[string]bool) []string {
	c.mu.RLock()
	var orphans []string
	for id := range c.byID {
		if !live[id] {
			orphans = append(orphans, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range orphans {
		c.logger.Warn().Str("conn_id", id).Msg("Purging orphaned connection entry")
		c.Unregister(id, "reconcile")
	}
	return orphans
}

// Stats returns the current/peak/authenticated connection counters.
func (c *Connections) Stats() ConnectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionStats{
		Current:       len(c.byID),
		Peak:          c.peak,
		Authenticated: c.auth,
		Total:         c.total,
	}
}
