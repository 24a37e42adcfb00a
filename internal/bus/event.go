package bus

import "time"

// Event kinds published by the chat daemon. Subscribers filter by prefix,
// so "message." receives every message event.
const (
	KindMessageSent     = "message.sent"
	KindMessageRead     = "message.read"
	KindMessagesRead    = "message.read_all"
	KindMessageDeleted  = "message.deleted"
	KindPresenceChanged = "presence.changed"
	KindConnOpened      = "conn.opened"
	KindConnClosed      = "conn.closed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// PresencePayload accompanies presence.changed.
type PresencePayload struct {
	UserID string
	Online bool
}

// ConnPayload accompanies conn.opened and conn.closed.
type ConnPayload struct {
	ConnID string
	UserID string
}
