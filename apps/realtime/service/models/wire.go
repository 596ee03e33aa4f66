package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/zeidalqadri/tenderflow-realtime/internal"
)

// ClientAction names a client-to-server message type.
type ClientAction string

const (
	ActionJoin        ClientAction = "join"
	ActionLeave       ClientAction = "leave"
	ActionPresence    ClientAction = "presence"
	ActionTypingStart ClientAction = "typing:start"
	ActionTypingStop  ClientAction = "typing:stop"
	ActionPing        ClientAction = "ping"
)

// PresenceStatus is a client-reported availability state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// ValidPresenceStatus reports whether s is an accepted client-reported state.
// Offline is derived server-side and never accepted from the wire.
func ValidPresenceStatus(s PresenceStatus) bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy:
		return true
	default:
		return false
	}
}

var (
	ErrUnknownAction   = errors.New("unknown client action")
	ErrRoomRequired    = errors.New("room is required")
	ErrInvalidPresence = errors.New("invalid presence status")
)

// ClientMessage is the envelope for everything a client sends after the
// handshake. Unknown fields are ignored so older clients keep working.
type ClientMessage struct {
	Action ClientAction   `json:"action"`
	Room   string         `json:"room,omitempty"`
	Status PresenceStatus `json:"status,omitempty"`
	Page   string         `json:"page,omitempty"`
}

// Validate checks the message against the rules for its action. Room
// membership rules (resource rooms only) are enforced by the connection
// manager, not here.
func (m *ClientMessage) Validate() error {
	switch m.Action {
	case ActionJoin, ActionLeave, ActionTypingStart, ActionTypingStop:
		if m.Room == "" {
			return ErrRoomRequired
		}
		if _, err := internal.ParseRoom(m.Room); err != nil {
			return err
		}
	case ActionPresence:
		if !ValidPresenceStatus(m.Status) {
			return fmt.Errorf("%w: %q", ErrInvalidPresence, m.Status)
		}
	case ActionPing:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
	}

	return nil
}

// Server-to-client message types that are not domain event types.
const (
	ServerConnected = "connected"
	ServerPong      = "pong"
	ServerError     = "error"
	ServerTyping    = "user:typing"
)

// ServerMessage is the envelope for everything sent to a client.
type ServerMessage struct {
	Type      string       `json:"type"`
	Room      string       `json:"room,omitempty"`
	Data      data.JSONMap `json:"data,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewServerMessage stamps a server message with the current time.
func NewServerMessage(msgType, room string, payload data.JSONMap) *ServerMessage {
	return &ServerMessage{
		Type:      msgType,
		Room:      room,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	}
}

// Encode renders the message for the socket. A message that cannot be
// encoded is a programming error surfaced to the caller.
func (m *ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// PresenceChange is the internal event payload produced when a user's
// availability changes. The presence publisher turns it into a bus event.
type PresenceChange struct {
	TenantID  string         `json:"tenant_id"`
	UserID    string         `json:"user_id"`
	Status    PresenceStatus `json:"status"`
	ChangedAt time.Time      `json:"changed_at"`
}

// BroadcastFrame is the fan-out unit carried on the cross-instance
// backplane. Origin lets receiving instances skip frames they produced
// themselves. Room is the tenant-scoped routing key used for membership
// lookups; WireRoom is the plain room name clients see, so a socket on a
// sibling instance receives the same message as one on the origin.
type BroadcastFrame struct {
	ID        string       `json:"id"`
	Room      string       `json:"room"`
	WireRoom  string       `json:"wire_room"`
	Event     string       `json:"event"`
	Payload   data.JSONMap `json:"payload,omitempty"`
	Origin    string       `json:"origin"`
	Timestamp time.Time    `json:"timestamp"`
}

// ServerMessage converts the frame into the message delivered to sockets.
// The routing key stays internal; only the wire name goes to the client.
func (f *BroadcastFrame) ServerMessage() *ServerMessage {
	return &ServerMessage{
		Type:      f.Event,
		Room:      f.WireRoom,
		Data:      f.Payload,
		Timestamp: f.Timestamp,
	}
}
