// Package notify computes delivery targets over the connection and room
// registries and performs the fan-out. Delivery is at-least-once per
// connection: a user on three devices receives three copies by design.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/monitoring"
	"chatgate/internal/protocol"
	"chatgate/internal/registry"
)

// Scope of an envelope's targeting.
const (
	ScopeUser = "user"
	ScopeRoom = "room"
	ScopeAll  = "all"
)

// Envelope is one outbound emit in relay-portable form. The dispatcher
// delivers it to local connections; a configured mirror forwards it to
// sibling processes, which replay it through DeliverEnvelope. Origin is
// the loop guard: a process ignores envelopes it published itself.
type Envelope struct {
	Origin      string          `json:"origin"`
	Scope       string          `json:"scope"`
	Target      string          `json:"target,omitempty"`
	ExcludeConn string          `json:"excludeConn,omitempty"`
	ExcludeUser string          `json:"excludeUser,omitempty"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload"`
}

// Mirror forwards envelopes to other processes. It extends fan-out only:
// presence and membership queries stay process-local, so a mirror is never
// consulted for isOnline/membersOf answers.
type Mirror interface {
	Publish(env *Envelope) error
}

// Dispatcher fans events out to connections.
type Dispatcher struct {
	origin string
	conns  *registry.Connections
	rooms  *registry.Rooms
	pool   *Pool
	logger zerolog.Logger

	mu     sync.RWMutex
	mirror Mirror
}

func NewDispatcher(origin string, conns *registry.Connections, rooms *registry.Rooms, pool *Pool, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		origin: origin,
		conns:  conns,
		rooms:  rooms,
		pool:   pool,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// SetMirror installs the optional broadcast relay.
func (d *Dispatcher) SetMirror(m Mirror) {
	d.mu.Lock()
	d.mirror = m
	d.mu.Unlock()
}

// Origin identifies this process in mirrored envelopes.
func (d *Dispatcher) Origin() string { return d.origin }

// ---- Generic emits (used by event handlers) ----

// EmitToConn sends one event to a single connection. False when the
// connection is unknown or its buffer was full.
func (d *Dispatcher) EmitToConn(connID, event string, payload any) bool {
	conn, ok := d.conns.Get(connID)
	if !ok {
		return false
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		d.logger.Error().Err(err).Str("event", event).Msg("Failed to encode event")
		return false
	}
	if !conn.Sender.Enqueue(frame) {
		monitoring.NotificationsDropped.Inc()
		d.logger.Warn().Str("conn_id", connID).Str("event", event).Msg("Delivery dropped: buffer full")
		return false
	}
	return true
}

// EmitToUser delivers once per live connection of the user and returns the
// delivery count. Zero connections means zero emits and no side effects.
func (d *Dispatcher) EmitToUser(userID, event string, payload any, mirrorIt bool) int {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		d.logger.Error().Err(err).Str("event", event).Msg("Failed to encode event")
		return 0
	}
	delivered := d.deliverToUser(userID, frame)
	if mirrorIt {
		d.mirrorEnvelope(ScopeUser, userID, "", "", event, payload)
	}
	return delivered
}

// EmitToRoom delivers to every member connection of the room except
// excludeConn and returns the delivery count. Silent no-op for a
// nonexistent room.
func (d *Dispatcher) EmitToRoom(roomID, event string, payload any, excludeConn string, mirrorIt bool) int {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		d.logger.Error().Err(err).Str("event", event).Msg("Failed to encode event")
		return 0
	}
	delivered := d.deliverToRoom(roomID, frame, excludeConn)
	if mirrorIt {
		d.mirrorEnvelope(ScopeRoom, roomID, excludeConn, "", event, payload)
	}
	return delivered
}

// EmitToAll delivers to every connection except those owned by
// excludeUser.
func (d *Dispatcher) EmitToAll(event string, payload any, excludeUser string, mirrorIt bool) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		d.logger.Error().Err(err).Str("event", event).Msg("Failed to encode event")
		return
	}
	d.deliverToAll(frame, excludeUser)
	if mirrorIt {
		d.mirrorEnvelope(ScopeAll, "", "", excludeUser, event, payload)
	}
}

// ---- Notification surface ----

// SendToUser delivers a notification to every connection of the user.
// Returns false, with no side effects, when the user is offline.
func (d *Dispatcher) SendToUser(userID string, n *protocol.Notification) bool {
	if !d.conns.IsOnline(userID) {
		return false
	}
	n.TargetUserID = userID
	delivered := d.EmitToUser(userID, protocol.EventNotification, n, true)
	if delivered > 0 {
		monitoring.NotificationsDelivered.WithLabelValues("user").Add(float64(delivered))
	}
	return delivered > 0
}

// SendToRoom delivers a notification to all members of the room except the
// excluded connection. No-ops silently for a nonexistent room.
func (d *Dispatcher) SendToRoom(roomID string, n *protocol.Notification, excludeConn string) {
	delivered := d.EmitToRoom(roomID, protocol.EventNotification, n, excludeConn, true)
	if delivered > 0 {
		monitoring.NotificationsDelivered.WithLabelValues("room").Add(float64(delivered))
	}
}

// SendToAll delivers a notification to every connection except those owned
// by the excluded user.
func (d *Dispatcher) SendToAll(n *protocol.Notification, excludeUser string) {
	d.EmitToAll(protocol.EventNotification, n, excludeUser, true)
	monitoring.NotificationsDelivered.WithLabelValues("all").Inc()
}

// BulkItem targets one user in a bulk send.
type BulkItem struct {
	UserID       string
	Notification *protocol.Notification
}

// BulkReport tallies a bulk send. Failed counts items whose user had no
// live connection (or whose delivery panicked); failures never abort the
// run.
type BulkReport struct {
	Success int
	Failed  int
}

// SendBulk partitions items into batches of batchSize. Deliveries within a
// batch run concurrently on the pool; an inter-batch delay bounds the
// burst load one campaign can put on the gateway.
func (d *Dispatcher) SendBulk(ctx context.Context, items []BulkItem, batchSize int, delay time.Duration) BulkReport {
	if batchSize < 1 {
		batchSize = 1
	}

	var report BulkReport
	var mu sync.Mutex

	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		var wg sync.WaitGroup
		for _, item := range batch {
			item := item
			wg.Add(1)
			submitted := d.pool.Submit(ctx, func() {
				defer wg.Done()
				ok := d.SendToUser(item.UserID, item.Notification)
				mu.Lock()
				if ok {
					report.Success++
				} else {
					report.Failed++
				}
				mu.Unlock()
				if !ok {
					d.logger.Debug().
						Str("user_id", item.UserID).
						Str("notification_id", item.Notification.ID).
						Msg("Bulk delivery failed: user offline")
				}
			})
			if !submitted {
				wg.Done()
				mu.Lock()
				report.Failed++
				mu.Unlock()
			}
		}
		wg.Wait()

		if end < len(items) && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				monitoring.NotificationsDelivered.WithLabelValues("bulk").Add(float64(report.Success))
				return report
			}
		}
	}

	monitoring.NotificationsDelivered.WithLabelValues("bulk").Add(float64(report.Success))
	return report
}

// ---- Relay replay ----

// DeliverEnvelope replays a mirrored envelope against local connections
// only. Envelopes originating from this process are ignored.
func (d *Dispatcher) DeliverEnvelope(env *Envelope) {
	if env.Origin == d.origin {
		return
	}
	frame, err := json.Marshal(protocol.Frame{Type: env.Event, Data: env.Payload})
	if err != nil {
		return
	}
	monitoring.RelayReceived.Inc()

	switch env.Scope {
	case ScopeUser:
		d.deliverToUser(env.Target, frame)
	case ScopeRoom:
		d.deliverToRoom(env.Target, frame, env.ExcludeConn)
	case ScopeAll:
		d.deliverToAll(frame, env.ExcludeUser)
	}
}

// ---- Local delivery ----

func (d *Dispatcher) deliverToUser(userID string, frame []byte) int {
	delivered := 0
	for _, conn := range d.conns.ConnectionsOf(userID) {
		if conn.Sender.Enqueue(frame) {
			delivered++
		} else {
			monitoring.NotificationsDropped.Inc()
		}
	}
	return delivered
}

func (d *Dispatcher) deliverToRoom(roomID string, frame []byte, excludeConn string) int {
	delivered := 0
	for _, member := range d.rooms.MembersOf(roomID) {
		if member.ConnID == excludeConn {
			continue
		}
		conn, ok := d.conns.Get(member.ConnID)
		if !ok {
			continue
		}
		if conn.Sender.Enqueue(frame) {
			delivered++
		} else {
			monitoring.NotificationsDropped.Inc()
		}
	}
	return delivered
}

func (d *Dispatcher) deliverToAll(frame []byte, excludeUser string) {
	for _, conn := range d.conns.All() {
		if excludeUser != "" && conn.UserID == excludeUser {
			continue
		}
		if !conn.Sender.Enqueue(frame) {
			monitoring.NotificationsDropped.Inc()
		}
	}
}

func (d *Dispatcher) mirrorEnvelope(scope, target, excludeConn, excludeUser, event string, payload any) {
	d.mu.RLock()
	mirror := d.mirror
	d.mu.RUnlock()
	if mirror == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env := &Envelope{
		Origin:      d.origin,
		Scope:       scope,
		Target:      target,
		ExcludeConn: excludeConn,
		ExcludeUser: excludeUser,
		Event:       event,
		Payload:     data,
	}
	if err := mirror.Publish(env); err != nil {
		d.logger.Warn().Err(err).Str("event", event).Msg("Relay mirror publish failed")
		return
	}
	monitoring.RelayPublished.Inc()
}
