// Package events defines the lifecycle events published by the networking
// core and the bus that carries them to operator-side subscribers.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session events
	EventSessionConnected    EventType = "session_connected"
	EventSessionReconnected  EventType = "session_reconnected"
	EventSessionDisconnected EventType = "session_disconnected"
	EventSessionRejected     EventType = "session_rejected"

	// Room events
	EventRoomProvisioned EventType = "room_provisioned"
	EventRoomCreated     EventType = "room_created"
	EventPlayerSeated    EventType = "player_seated"
	EventRoomFilled      EventType = "room_filled"
	EventRoomRemoved     EventType = "room_removed"

	// System events
	EventTickLag       EventType = "tick_lag"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// SessionState is the connectivity state of a player session.
type SessionState int

const (
	SessionUnassigned SessionState = iota
	SessionConnected
	SessionDisconnected
	SessionEvicted
)

var sessionStateStrings = map[SessionState]string{
	SessionUnassigned:   "unassigned",
	SessionConnected:    "connected",
	SessionDisconnected: "disconnected",
	SessionEvicted:      "evicted",
}

// String returns the string representation of SessionState.
func (s SessionState) String() string {
	if str, ok := sessionStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes SessionState as a JSON string (e.g. "connected").
func (s SessionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// DisconnectReason explains why a session lost its socket.
type DisconnectReason int

const (
	ReasonTimeout DisconnectReason = iota
	ReasonSocketClosed
	ReasonRoomEnded
)

var disconnectReasonStrings = map[DisconnectReason]string{
	ReasonTimeout:      "heartbeat_timeout",
	ReasonSocketClosed: "socket_closed",
	ReasonRoomEnded:    "room_ended",
}

func (r DisconnectReason) String() string {
	if str, ok := disconnectReasonStrings[r]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes DisconnectReason as a JSON string.
func (r DisconnectReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Event represents a single event in the system. Handlers run
// concurrently, so Time is the only reliable ordering between events.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// SessionPayload accompanies session events.
type SessionPayload struct {
	PlayerID  int64            `json:"player_id"`
	RoomID    int64            `json:"room_id"`
	Seat      int              `json:"seat"`
	Remote    string           `json:"remote,omitempty"`
	Transport string           `json:"transport,omitempty"`
	Reason    DisconnectReason `json:"reason"`
	Detail    string           `json:"detail,omitempty"`
}

// Participant is one roster entry of a provisioned room.
type Participant struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ActualID string `json:"actual_id"`
	Avatar   string `json:"avatar,omitempty"`
}

// RoomPayload accompanies room lifecycle events.
type RoomPayload struct {
	RoomID       int64             `json:"room_id"`
	Capacity     int               `json:"capacity"`
	BotCount     int               `json:"bot_count"`
	BotWins      bool              `json:"bot_wins"`
	Permanent    bool              `json:"permanent"`
	Seats        []int64           `json:"seats,omitempty"`
	Participants []Participant     `json:"participants,omitempty"`
	Extras       map[string]string `json:"extras,omitempty"`
}

// SeatPayload accompanies EventPlayerSeated.
type SeatPayload struct {
	RoomID   int64 `json:"room_id"`
	PlayerID int64 `json:"player_id"`
	Seat     int   `json:"seat"`
	Reseat   bool  `json:"reseat"`
}

// TickLagPayload accompanies EventTickLag.
type TickLagPayload struct {
	Level      string  `json:"level"`
	SlowTicks  int     `json:"slow_ticks"`
	MaxMs      float64 `json:"max_ms"`
	BudgetMs   float64 `json:"budget_ms"`
	WindowMins int     `json:"window_mins"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
