package store

// Conversation is a two-party conversation. UserA and UserB hold the pair
// sorted ascending; Participants mirrors them for JSON consumers.
type Conversation struct {
	ID            string   `db:"id" json:"id"`
	UserA         string   `db:"user_a" json:"-"`
	UserB         string   `db:"user_b" json:"-"`
	Participants  []string `db:"-" json:"participants"`
	LastMessageID *string  `db:"last_message_id" json:"lastMessageId,omitempty"`
	IsDeleted     bool     `db:"is_deleted" json:"isDeleted"`
	CreatedAt     int64    `db:"created_at" json:"createdAt"`
	UpdatedAt     int64    `db:"updated_at" json:"updatedAt"`
}

// Has reports whether userID is one of the two participants.
func (c *Conversation) Has(userID string) bool {
	return userID == c.UserA || userID == c.UserB
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID string) string {
	if userID == c.UserA {
		return c.UserB
	}
	return c.UserA
}

func (c *Conversation) fill() {
	c.Participants = []string{c.UserA, c.UserB}
}

// ConversationSummary is a conversation as listed for one user: the other
// participant's profile and a preview of the latest message.
type ConversationSummary struct {
	Conversation
	Peer        Peer            `json:"peer"`
	LastMessage *MessagePreview `json:"lastMessage,omitempty"`
}

// Peer identifies the other participant of a listed conversation.
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessagePreview summarizes the latest message of a conversation.
type MessagePreview struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	IsRead    bool   `json:"isRead"`
	CreatedAt int64  `json:"createdAt"`
}

// Message is a direct message. IsRead and IsDeleted only ever go from false
// to true; rows are never removed.
type Message struct {
	ID             string `db:"id" json:"id"`
	ConversationID string `db:"conversation_id" json:"conversationId"`
	SenderID       string `db:"sender_id" json:"senderId"`
	ReceiverID     string `db:"receiver_id" json:"receiverId"`
	Content        string `db:"content" json:"content"`
	IsRead         bool   `db:"is_read" json:"isRead"`
	IsDeleted      bool   `db:"is_deleted" json:"isDeleted"`
	CreatedAt      int64  `db:"created_at" json:"createdAt"`
	UpdatedAt      int64  `db:"updated_at" json:"updatedAt"`
}

// User is the profile cached from verified token claims.
type User struct {
	ID          string `db:"id" json:"id"`
	DisplayName string `db:"display_name" json:"displayName"`
	Email       string `db:"email" json:"email"`
	UpdatedAt   int64  `db:"updated_at" json:"updatedAt"`
}

// Stats are table-level counters reported on the admin socket.
type Stats struct {
	Conversations int64 `db:"conversations"`
	Messages      int64 `db:"messages"`
	Unread        int64 `db:"unread"`
	Users         int64 `db:"users"`
}

// SortPair orders two user ids the way conversations store them.
func SortPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}
