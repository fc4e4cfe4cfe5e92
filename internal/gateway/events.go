package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"chatgate/internal/monitoring"
	"chatgate/internal/protocol"
)

// inboundPayload is implemented by every inbound event payload. Validate
// runs before the handler; a handler never sees a malformed payload.
type inboundPayload interface {
	Validate() error
}

// eventDef binds an inbound event name to its payload schema and handler.
// The table is the single source of truth for what the gateway accepts; an
// event name not present here is rejected before any handler code runs.
type eventDef struct {
	payload func() inboundPayload
	handle  func(s *Server, c *Client, p inboundPayload)
}

var inboundEvents = map[string]eventDef{
	protocol.EventAuthenticate: {
		payload: func() inboundPayload { return &protocol.AuthenticatePayload{} },
		handle: func(s *Server, c *Client, p inboundPayload) {
			s.handleAuthenticate(c, p.(*protocol.AuthenticatePayload))
		},
	},
	protocol.EventJoinRoom: {
		payload: func() inboundPayload { return &protocol.JoinRoomPayload{} },
		handle: func(s *Server, c *Client, p inboundPayload) {
			s.handleJoinRoom(c, p.(*protocol.JoinRoomPayload))
		},
	},
	protocol.EventLeaveRoom: {
		payload: func() inboundPayload { return &protocol.LeaveRoomPayload{} },
		handle: func(s *Server, c *Client, p inboundPayload) {
			s.handleLeaveRoom(c, p.(*protocol.LeaveRoomPayload))
		},
	},
	protocol.EventSendMessage: {
		payload: func() inboundPayload { return &protocol.SendMessagePayload{} },
		handle: func(s *Server, c *Client, p inboundPayload) {
			s.handleSendMessage(c, p.(*protocol.SendMessagePayload))
		},
	},
	protocol.EventTypingStart: {
		payload: func() inboundPayload { return &protocol.TypingPayload{} },
		handle: func(s *Server, c *Client, p inboundPayload) {
			s.handleTyping(c, p.(*protocol.TypingPayload), true)
		},
	},
	protocol.EventTypingStop: {
		payload: func() inboundPayload { return &protocol.TypingPayload{} },
		handle: func(s *Server, c *Client, p inboundPayload) {
			s.handleTyping(c, p.(*protocol.TypingPayload), false)
		},
	},
	protocol.EventUpdateStatus: {
		payload: func() inboundPayload { return &protocol.UpdateStatusPayload{} },
		handle: func(s *Server, c *Client, p inboundPayload) {
			s.handleUpdateStatus(c, p.(*protocol.UpdateStatusPayload))
		},
	},
	protocol.EventPing: {
		handle: func(s *Server, c *Client, _ inboundPayload) {
			s.handlePing(c)
		},
	},
}

// dispatch routes one inbound frame. The connection-level limiter is
// charged first, for every frame received, so malformed or unknown frames
// cannot be flooded for free. Then the frame is parsed and looked up, the
// payload is validated, and only then does the handler run. A rate-limited
// frame never reaches its handler.
func (s *Server) dispatch(c *Client, raw []byte) {
	defer monitoring.RecoverPanic(s.logger, "dispatch", map[string]any{
		"conn_id": c.id,
	})

	if res := s.eventLimiter.Check(c.id); !res.Allowed {
		monitoring.RateLimited.WithLabelValues("connection").Inc()
		s.dispatcher.EmitToConn(c.id, protocol.EventRateLimitExceeded,
			protocol.RateLimitEvent{RetryAfter: res.RetryAfter})
		return
	}

	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.emitError(c, protocol.ValidationError("malformed frame"))
		return
	}

	def, ok := inboundEvents[frame.Type]
	if !ok {
		s.emitError(c, protocol.ValidationError("unknown event type: "+frame.Type))
		return
	}
	monitoring.EventsReceived.WithLabelValues(frame.Type).Inc()

	var payload inboundPayload
	if def.payload != nil {
		payload = def.payload()
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, payload); err != nil {
				s.emitError(c, protocol.ValidationError("malformed payload for "+frame.Type))
				return
			}
		}
		if err := payload.Validate(); err != nil {
			var evErr *protocol.ClientError
			if !errors.As(err, &evErr) {
				evErr = protocol.ValidationError(err.Error())
			}
			s.emitError(c, evErr)
			return
		}
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("conn_id", c.id).
					Str("event", frame.Type).
					Interface("panic_value", r).
					Str("stack_trace", string(debug.Stack())).
					Msg("Event handler panic recovered")
				s.emitError(c, protocol.InternalError("event handler failure"))
			}
		}()
		def.handle(s, c, payload)
	}()
}

// emitError sends a uniform error event to the offending connection only
// and counts it by taxonomy code.
func (s *Server) emitError(c *Client, evErr *protocol.ClientError) {
	monitoring.EventErrors.WithLabelValues(string(evErr.Code)).Inc()
	s.dispatcher.EmitToConn(c.id, protocol.EventError, evErr.Event())
}

// identity resolves the sender's effective identity. Guests act under a
// connection-scoped pseudo id so room membership and message attribution
// work without authentication.
func (s *Server) identity(c *Client) (userID, username string, authenticated bool) {
	conn, ok := s.conns.Get(c.id)
	if ok && conn.Authenticated {
		return conn.UserID, conn.Username, true
	}
	return "guest:" + c.id, "guest", false
}

// ---- Handlers ----

func (s *Server) handleAuthenticate(c *Client, p *protocol.AuthenticatePayload) {
	reply := func(res protocol.AuthenticateResult) {
		s.dispatcher.EmitToConn(c.id, protocol.EventAuthenticate, res)
	}

	conn, ok := s.conns.Get(c.id)
	if !ok {
		return
	}
	if conn.Authenticated {
		reply(protocol.AuthenticateResult{Success: false, Error: "already authenticated"})
		return
	}

	claims, err := s.verifier.Verify(p.Token)
	if err != nil {
		monitoring.EventErrors.WithLabelValues(string(protocol.CodeAuthentication)).Inc()
		s.logger.Debug().Str("conn_id", c.id).Err(err).Msg("Token rejected")
		reply(protocol.AuthenticateResult{Success: false, Error: "invalid token"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DirectoryTimeout)
	profile, err := s.dir.FindByID(ctx, claims.UserID)
	cancel()
	if err != nil {
		s.logger.Warn().Str("user_id", claims.UserID).Err(err).Msg("Directory lookup failed")
		reply(protocol.AuthenticateResult{Success: false, Error: "directory unavailable"})
		return
	}
	if profile == nil {
		monitoring.EventErrors.WithLabelValues(string(protocol.CodeAuthentication)).Inc()
		reply(protocol.AuthenticateResult{Success: false, Error: "unknown user"})
		return
	}
	if profile.Username == "" {
		profile.Username = claims.Username
	}

	// The verify and lookup above crossed blocking boundaries; the
	// connection may have gone away meanwhile. Re-check before upgrading.
	if c.disconnected() {
		return
	}
	if !s.conns.Authenticate(c.id, *profile) {
		reply(protocol.AuthenticateResult{Success: false, Error: "already authenticated"})
		return
	}
	c.markAuthenticated()
	monitoring.ConnectionsAuthenticated.Inc()

	s.logger.Info().
		Str("conn_id", c.id).
		Str("user_id", profile.ID).
		Str("username", profile.Username).
		Msg("Connection authenticated")
	reply(protocol.AuthenticateResult{Success: true, User: profile})
}

func (s *Server) handleJoinRoom(c *Client, p *protocol.JoinRoomPayload) {
	reply := func(res protocol.RoomResult) {
		s.dispatcher.EmitToConn(c.id, protocol.EventJoinRoom, res)
	}
	userID, _, _ := s.identity(c)

	roomType := protocol.RoomPublic
	if p.Password != "" {
		roomType = protocol.RoomPrivate
	}
	// Create-if-absent and join are one registry operation: a concurrent
	// leave cascade deleting the room cannot slip in between them.
	out := s.rooms.EnsureJoin(p.RoomID, p.RoomID, roomType, p.Password, c.id, userID)
	if !out.Admitted {
		monitoring.EventErrors.WithLabelValues(string(protocol.CodeAuthorization)).Inc()
		reply(protocol.RoomResult{Success: false, RoomID: p.RoomID, Error: "invalid password"})
		return
	}
	if !out.Joined {
		// Already a member. The join is idempotent from the client's view;
		// no second room_joined broadcast.
		reply(protocol.RoomResult{Success: true, RoomID: p.RoomID})
		return
	}
	monitoring.RoomsActive.Set(float64(s.rooms.Count()))

	reply(protocol.RoomResult{Success: true, RoomID: p.RoomID})
	s.dispatcher.EmitToRoom(p.RoomID, protocol.EventRoomJoined,
		protocol.RoomJoinedEvent{RoomID: p.RoomID, UserID: userID}, c.id, true)
}

func (s *Server) handleLeaveRoom(c *Client, p *protocol.LeaveRoomPayload) {
	reply := func(res protocol.RoomResult) {
		s.dispatcher.EmitToConn(c.id, protocol.EventLeaveRoom, res)
	}
	userID, _, _ := s.identity(c)

	if !s.rooms.Leave(p.RoomID, c.id) {
		reply(protocol.RoomResult{Success: false, RoomID: p.RoomID, Error: "not a member"})
		return
	}
	monitoring.RoomsActive.Set(float64(s.rooms.Count()))

	reply(protocol.RoomResult{Success: true, RoomID: p.RoomID})
	s.dispatcher.EmitToRoom(p.RoomID, protocol.EventRoomLeft,
		protocol.RoomLeftEvent{RoomID: p.RoomID, UserID: userID}, "", true)
}

func (s *Server) handleSendMessage(c *Client, p *protocol.SendMessagePayload) {
	reply := func(res protocol.SendMessageResult) {
		s.dispatcher.EmitToConn(c.id, protocol.EventSendMessage, res)
	}

	if res := s.messageLimiter.Check(c.id); !res.Allowed {
		monitoring.RateLimited.WithLabelValues("message").Inc()
		s.dispatcher.EmitToConn(c.id, protocol.EventRateLimitExceeded,
			protocol.RateLimitEvent{RetryAfter: res.RetryAfter})
		reply(protocol.SendMessageResult{Success: false, Error: "rate limited"})
		return
	}

	userID, username, _ := s.identity(c)
	if !s.rooms.IsMember(userID, p.RoomID) {
		monitoring.EventErrors.WithLabelValues(string(protocol.CodeAuthorization)).Inc()
		reply(protocol.SendMessageResult{Success: false, Error: "not a member"})
		return
	}

	msgType := p.Type
	if msgType == "" {
		msgType = "text"
	}
	msg := &protocol.RoomMessage{
		ID:        uuid.NewString(),
		RoomID:    p.RoomID,
		UserID:    userID,
		Username:  username,
		Content:   p.Content,
		Timestamp: time.Now().UnixMilli(),
		Type:      msgType,
		Metadata:  p.Metadata,
	}

	// Other connections of the same user still receive the message; only
	// the sending connection is excluded.
	s.dispatcher.EmitToRoom(p.RoomID, protocol.EventRoomMessage, msg, c.id, true)
	reply(protocol.SendMessageResult{Success: true, Message: msg})
}

// handleTyping is fire-and-forget: no callback, non-members dropped
// silently.
func (s *Server) handleTyping(c *Client, p *protocol.TypingPayload, typing bool) {
	userID, _, _ := s.identity(c)
	if !s.rooms.IsMember(userID, p.RoomID) {
		return
	}
	s.dispatcher.EmitToRoom(p.RoomID, protocol.EventTyping,
		protocol.TypingEvent{RoomID: p.RoomID, UserID: userID, Typing: typing}, c.id, true)
}

func (s *Server) handleUpdateStatus(c *Client, p *protocol.UpdateStatusPayload) {
	conn, ok := s.conns.Get(c.id)
	if !ok {
		return
	}
	if !conn.Authenticated {
		s.emitError(c, protocol.AuthorizationError("authentication required"))
		return
	}

	s.conns.SetStatus(conn.UserID, p.Status)

	// Broadcast once per room the user is in, across all their connections.
	seen := make(map[string]bool)
	for _, uc := range s.conns.ConnectionsOf(conn.UserID) {
		for _, roomID := range s.rooms.RoomsOf(uc.ID) {
			if seen[roomID] {
				continue
			}
			seen[roomID] = true
			s.dispatcher.EmitToRoom(roomID, protocol.EventStatusChanged,
				protocol.StatusEvent{UserID: conn.UserID, Status: p.Status}, c.id, true)
		}
	}
}

func (s *Server) handlePing(c *Client) {
	s.dispatcher.EmitToConn(c.id, protocol.EventPing,
		protocol.PongResult{Pong: true, Timestamp: time.Now().UnixMilli()})
}
