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

const conversationColumns = `id, user_a, user_b, last_message_id, is_deleted, created_at, updated_at`

// FindOrCreateConversation returns the live conversation for the unordered
// pair {a, b}, creating it on first contact. Concurrent callers converge on
// one row through the partial unique index on the sorted pair.
func (db *DB) FindOrCreateConversation(ctx context.Context, a, b string) (*Conversation, error) {
	return findOrCreateConversation(ctx, db, a, b, time.Now().UnixMilli())
}

func findOrCreateConversation(ctx context.Context, q sqlx.ExtContext, a, b string, now int64) (*Conversation, error) {
	if a == b {
		return nil, fmt.Errorf("conversation needs two distinct users, got %q twice", a)
	}
	lo, hi := SortPair(a, b)
	c, err := findConversation(ctx, q, lo, hi)
	if err != nil || c != nil {
		return c, err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO conversations (id, user_a, user_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		uuid.NewString(), lo, hi, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	c, err = findConversation(ctx, q, lo, hi)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conversation %s|%s missing after insert", lo, hi)
	}
	return c, nil
}

// FindConversation returns the live conversation for {a, b}, or nil.
func (db *DB) FindConversation(ctx context.Context, a, b string) (*Conversation, error) {
	lo, hi := SortPair(a, b)
	return findConversation(ctx, db, lo, hi)
}

func findConversation(ctx context.Context, q sqlx.QueryerContext, lo, hi string) (*Conversation, error) {
	var c Conversation
	err := sqlx.GetContext(ctx, q, &c, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_a = ? AND user_b = ? AND is_deleted = 0`, lo, hi)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.fill()
	return &c, nil
}

// GetConversation returns a live conversation by id, or nil.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := db.GetContext(ctx, &c, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = ? AND is_deleted = 0`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.fill()
	return &c, nil
}

// SetLastMessage points the conversation at its newest message and bumps
// its activity time.
func (db *DB) SetLastMessage(ctx context.Context, conversationID, messageID string) error {
	return setLastMessage(ctx, db, conversationID, messageID, time.Now().UnixMilli())
}

func setLastMessage(ctx context.Context, q sqlx.ExecerContext, conversationID, messageID string, now int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = ?, updated_at = ?
		WHERE id = ?`, messageID, now, conversationID)
	return err
}

// SoftDeleteConversation hides a conversation from listings. A later
// FindOrCreateConversation for the same pair starts a fresh one.
func (db *DB) SoftDeleteConversation(ctx context.Context, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE conversations SET is_deleted = 1, updated_at = ?
		WHERE id = ? AND is_deleted = 0`, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type conversationRow struct {
	Conversation
	PeerID        string         `db:"peer_id"`
	PeerName      string         `db:"peer_name"`
	LastID        sql.NullString `db:"last_id"`
	LastSenderID  sql.NullString `db:"last_sender_id"`
	LastContent   sql.NullString `db:"last_content"`
	LastIsRead    sql.NullBool   `db:"last_is_read"`
	LastCreatedAt sql.NullInt64  `db:"last_created_at"`
}

// ListConversationsForUser returns the user's live conversations, most
// recent activity first. The peer name falls back from display name to
// email to id.
func (db *DB) ListConversationsForUser(ctx context.Context, userID string) ([]ConversationSummary, error) {
	var rows []conversationRow
	err := db.SelectContext(ctx, &rows, `
		SELECT c.id, c.user_a, c.user_b, c.last_message_id, c.is_deleted, c.created_at, c.updated_at,
			p.peer_id,
			COALESCE(NULLIF(u.display_name, ''), NULLIF(u.email, ''), p.peer_id) AS peer_name,
			m.id AS last_id, m.sender_id AS last_sender_id, m.content AS last_content,
			m.is_read AS last_is_read, m.created_at AS last_created_at
		FROM conversations c
		JOIN (
			SELECT id AS conv_id, CASE WHEN user_a = ? THEN user_b ELSE user_a END AS peer_id
			FROM conversations
			WHERE (user_a = ? OR user_b = ?) AND is_deleted = 0
		) p ON p.conv_id = c.id
		LEFT JOIN users u ON u.id = p.peer_id
		LEFT JOIN messages m ON m.id = c.last_message_id AND m.is_deleted = 0
		ORDER BY c.updated_at DESC, c.rowid DESC`, userID, userID, userID)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationSummary, 0, len(rows))
	for _, r := range rows {
		r.Conversation.fill()
		s := ConversationSummary{
			Conversation: r.Conversation,
			Peer:         Peer{ID: r.PeerID, Name: r.PeerName},
		}
		if r.LastID.Valid {
			s.LastMessage = &MessagePreview{
				ID:        r.LastID.String,
				SenderID:  r.LastSenderID.String,
				Content:   r.LastContent.String,
				IsRead:    r.LastIsRead.Bool,
				CreatedAt: r.LastCreatedAt.Int64,
			}
		}
		out = append(out, s)
	}
	return out, nil
}
