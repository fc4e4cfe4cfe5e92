package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Inbound event names. Every client frame carries one of these in its
// "type" field; anything else is rejected before dispatch.
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventSendMessage  = "send_message"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventUpdateStatus = "update_status"
	EventPing         = "ping"
)

// Outbound event names.
const (
	EventConnected         = "connected"
	EventRoomJoined        = "room_joined"
	EventRoomLeft          = "room_left"
	EventRoomMessage       = "room_message"
	EventNotification      = "notification"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventTyping            = "typing"
	EventStatusChanged     = "status_changed"
	EventError             = "error"
	EventRateLimitExceeded = "rate_limit_exceeded"
)

// Frame is the outer envelope for every frame in both directions.
//
//	{"type": "join_room", "data": {"roomId": "general"}}
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps a payload in a Frame and serializes it.
func Encode(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return json.Marshal(Frame{Type: eventType, Data: data})
}

// Presence status values accepted by update_status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// RoomType classifies a broadcast group.
type RoomType string

const (
	RoomPublic  RoomType = "public"
	RoomPrivate RoomType = "private"
	RoomDirect  RoomType = "direct"
)

func (t RoomType) Valid() bool {
	switch t {
	case RoomPublic, RoomPrivate, RoomDirect:
		return true
	}
	return false
}

// NotificationType classifies a notification for client rendering.
type NotificationType string

const (
	NotifyInfo    NotificationType = "info"
	NotifySuccess NotificationType = "success"
	NotifyWarning NotificationType = "warning"
	NotifyError   NotificationType = "error"
)

// Notification is the unit the dispatcher fans out.
type Notification struct {
	ID           string           `json:"id"`
	Type         NotificationType `json:"type"`
	Title        string           `json:"title"`
	Message      string           `json:"message"`
	Timestamp    int64            `json:"timestamp"`
	TargetUserID string           `json:"userId,omitempty"`
	Data         map[string]any   `json:"data,omitempty"`
}

// NewNotification builds a notification with a fresh id and current timestamp.
func NewNotification(kind NotificationType, title, message string) *Notification {
	return &Notification{
		ID:        uuid.NewString(),
		Type:      kind,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ---- Inbound payloads ----

type AuthenticatePayload struct {
	Token string `json:"token"`
}

func (p *AuthenticatePayload) Validate() error {
	if p.Token == "" {
		return fieldError("token", "required")
	}
	return nil
}

type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password,omitempty"`
}

func (p *JoinRoomPayload) Validate() error {
	if p.RoomID == "" {
		return fieldError("roomId", "required")
	}
	if len(p.RoomID) > 128 {
		return fieldError("roomId", "too long (max 128)")
	}
	return nil
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

func (p *LeaveRoomPayload) Validate() error {
	if p.RoomID == "" {
		return fieldError("roomId", "required")
	}
	return nil
}

const MaxMessageContentBytes = 4096

type SendMessagePayload struct {
	RoomID   string         `json:"roomId"`
	Content  string         `json:"content"`
	Type     string         `json:"type,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (p *SendMessagePayload) Validate() error {
	if p.RoomID == "" {
		return fieldError("roomId", "required")
	}
	if p.Content == "" {
		return fieldError("content", "required")
	}
	if len(p.Content) > MaxMessageContentBytes {
		return fieldError("content", fmt.Sprintf("too long (max %d bytes)", MaxMessageContentBytes))
	}
	return nil
}

type TypingPayload struct {
	RoomID string `json:"roomId"`
}

func (p *TypingPayload) Validate() error {
	if p.RoomID == "" {
		return fieldError("roomId", "required")
	}
	return nil
}

type UpdateStatusPayload struct {
	Status Status `json:"status"`
}

func (p *UpdateStatusPayload) Validate() error {
	if !p.Status.Valid() {
		return fieldError("status", "must be one of online, away, busy, offline")
	}
	return nil
}

// ---- Callback results ----

// UserProfile is the identity attached to an authenticated connection,
// as returned by the User Directory.
type UserProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type AuthenticateResult struct {
	Success bool         `json:"success"`
	User    *UserProfile `json:"user,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type RoomResult struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type SendMessageResult struct {
	Success bool         `json:"success"`
	Message *RoomMessage `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type PongResult struct {
	Pong      bool  `json:"pong"`
	Timestamp int64 `json:"timestamp"`
}

// ---- Outbound payloads ----

type ConnectedEvent struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type RoomJoinedEvent struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type RoomLeftEvent struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// RoomMessage is a chat message fanned out to a room.
type RoomMessage struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"roomId"`
	UserID    string         `json:"userId"`
	Username  string         `json:"username"`
	Content   string         `json:"content"`
	Timestamp int64          `json:"timestamp"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type TypingEvent struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

type StatusEvent struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

type PresenceEvent struct {
	UserID string `json:"userId"`
}

type ErrorEvent struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Timestamp int64     `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

type RateLimitEvent struct {
	RetryAfter int `json:"retryAfter"`
}
