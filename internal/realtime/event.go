// Package realtime owns the process-local live state of the chat daemon:
// which connections belong to which user, who is online, and the expiry
// timers that take idle users offline.
package realtime

// Outbound event types pushed to connections.
const (
	EventOnlineUsers    = "onlineUsers"
	EventNewMessage     = "newMessage"
	EventUserTyping     = "userTyping"
	EventMessageRead    = "messageRead"
	EventMessagesRead   = "messagesRead"
	EventMessageDeleted = "messageDeleted"
	EventAck            = "ack"
)

// Event is one outbound frame. RequestID is set only on acknowledgments.
type Event struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Conn is a live connection the hub can push events to. Send must not
// block; it reports false when the event was dropped.
type Conn interface {
	ID() string
	Send(evt Event) bool
}
