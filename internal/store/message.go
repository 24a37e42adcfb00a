package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

const messageColumns = `id, conversation_id, sender_id, receiver_id, content, is_read, is_deleted, created_at, updated_at`

// AppendMessage stores a new unread message in an existing conversation.
func (db *DB) AppendMessage(ctx context.Context, conversationID, senderID, receiverID, content string) (*Message, error) {
	return appendMessage(ctx, db, conversationID, senderID, receiverID, content, time.Now().UnixMilli())
}

func appendMessage(ctx context.Context, q sqlx.ExecerContext, conversationID, senderID, receiverID, content string, now int64) (*Message, error) {
	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// SendMessage resolves the pair's conversation, appends the message and
// moves the conversation's last-message pointer in one transaction. On
// error nothing is committed.
func (db *DB) SendMessage(ctx context.Context, senderID, receiverID, content string) (*Message, *Conversation, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	conv, err := findOrCreateConversation(ctx, tx, senderID, receiverID, now)
	if err != nil {
		return nil, nil, err
	}
	msg, err := appendMessage(ctx, tx, conv.ID, senderID, receiverID, content, now)
	if err != nil {
		return nil, nil, err
	}
	if err := setLastMessage(ctx, tx, conv.ID, msg.ID, now); err != nil {
		return nil, nil, fmt.Errorf("update last message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	conv.LastMessageID = &msg.ID
	conv.UpdatedAt = now
	return msg, conv, nil
}

// GetMessage returns a message by id, including soft-deleted ones, or nil.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns one page of a conversation's live messages. Pages
// count back from the newest message (page 1 is the latest pageSize
// messages); each page is returned oldest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]Message, error) {
	page, pageSize = normalizePage(page, pageSize)
	msgs := []Message{}
	err := db.SelectContext(ctx, &msgs, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND is_deleted = 0
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, conversationID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListByParticipantPair pages the history between two users. A pair that
// never talked has an empty history.
func (db *DB) ListByParticipantPair(ctx context.Context, a, b string, page, pageSize int) ([]Message, error) {
	conv, err := db.FindConversation(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return []Message{}, nil
	}
	return db.ListMessages(ctx, conv.ID, page, pageSize)
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// MarkRead flags a message read. Marking an already-read message is a no-op.
// Returns nil if the message does not exist.
func (db *DB) MarkRead(ctx context.Context, id string) (*Message, error) {
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET is_read = 1, updated_at = ?
		WHERE id = ? AND is_read = 0`, time.Now().UnixMilli(), id)
	if err != nil {
		return nil, err
	}
	return db.GetMessage(ctx, id)
}

// MarkAllReadForReceiver flags every unread live message addressed to
// userID in the conversation and returns how many changed.
func (db *DB) MarkAllReadForReceiver(ctx context.Context, conversationID, userID string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET is_read = 1, updated_at = ?
		WHERE conversation_id = ? AND receiver_id = ? AND is_read = 0 AND is_deleted = 0`,
		time.Now().UnixMilli(), conversationID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SoftDeleteMessage hides a message from listings and unread counts.
// Reports false when the message was missing or already deleted.
func (db *DB) SoftDeleteMessage(ctx context.Context, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET is_deleted = 1, updated_at = ?
		WHERE id = ? AND is_deleted = 0`, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountUnread counts live unread messages addressed to userID across all
// conversations.
func (db *DB) CountUnread(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM messages
		WHERE receiver_id = ? AND is_read = 0 AND is_deleted = 0`, userID)
	return n, err
}
