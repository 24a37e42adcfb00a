package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/chatd/chatd/internal/auth"
	"github.com/chatd/chatd/internal/chat"
	"github.com/chatd/chatd/internal/realtime"
	"github.com/chatd/chatd/internal/store"
	"go.uber.org/zap"
)

// session is what a handler knows about the connection it serves: the
// verified token and, after register, the bound user.
type session struct {
	conn   realtime.Conn
	claims *auth.Claims
	userID string
}

type handlerFunc func(ctx context.Context, s *session, payload json.RawMessage) (ack, error)

func (g *Gateway) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		"register":      g.handleRegister,
		"sendMessage":   g.handleSendMessage,
		"markAsRead":    g.handleMarkAsRead,
		"markAllAsRead": g.handleMarkAllAsRead,
		"deleteMessage": g.handleDeleteMessage,
		"ping":          g.handlePing,
		"typing":        g.handleTyping(true),
		"stopTyping":    g.handleTyping(false),
	}
}

// Events lists the inbound event names the gateway accepts.
func (g *Gateway) Events() []string {
	out := make([]string, 0, len(g.handlers))
	for name := range g.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs one inbound frame and returns its acknowledgment. Errors
// are reported in the ack; they never end the connection.
func (g *Gateway) Dispatch(ctx context.Context, s *session, in Inbound) (reply realtime.Event) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("handler panicked", zap.String("type", in.Type), zap.Any("panic", r), zap.Stack("stack"))
			reply = errorAck(in.RequestID, fmt.Errorf("%w: handler panic: %v", chat.ErrInternal, r))
		}
	}()
	h, ok := g.handlers[in.Type]
	if !ok {
		return errorAck(in.RequestID, fmt.Errorf("%w: unknown event %q", chat.ErrValidation, in.Type))
	}
	if in.Type != "register" && s.userID == "" {
		return errorAck(in.RequestID, fmt.Errorf("%w: register before sending %s", chat.ErrUnauthenticated, in.Type))
	}
	body, err := h(ctx, s, in.Payload)
	if err != nil {
		return errorAck(in.RequestID, err)
	}
	return ackEvent(in.RequestID, body)
}

func (g *Gateway) handleRegister(ctx context.Context, s *session, payload json.RawMessage) (ack, error) {
	userID, err := stringArg(payload, "userId")
	if err != nil {
		return nil, err
	}
	if userID != s.claims.UserID() {
		return nil, fmt.Errorf("%w: userId does not match the connection's token", chat.ErrForbidden)
	}
	s.userID = userID
	g.state.Register(userID, s.conn)
	g.chat.RecordUser(ctx, &store.User{ID: userID, DisplayName: s.claims.Name, Email: s.claims.Email})
	return ack{"status": "ok", "userId": userID}, nil
}

type sendMessageArgs struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

func (g *Gateway) handleSendMessage(ctx context.Context, s *session, payload json.RawMessage) (ack, error) {
	var args sendMessageArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, fmt.Errorf("%w: sendMessage expects {receiverId, content}", chat.ErrValidation)
	}
	g.state.Heartbeat(s.userID)
	res, err := g.chat.SendMessage(ctx, s.userID, args.ReceiverID, args.Content)
	if err != nil {
		return nil, err
	}
	return ack{"status": "ok", "message": res.Message, "conversationId": res.ConversationID}, nil
}

func (g *Gateway) handleMarkAsRead(ctx context.Context, s *session, payload json.RawMessage) (ack, error) {
	id, err := stringArg(payload, "messageId")
	if err != nil {
		return nil, err
	}
	g.state.Heartbeat(s.userID)
	msg, err := g.chat.MarkMessageAsRead(ctx, id, s.userID)
	if err != nil {
		return nil, err
	}
	return ack{"status": "success", "message": msg}, nil
}

func (g *Gateway) handleMarkAllAsRead(ctx context.Context, s *session, payload json.RawMessage) (ack, error) {
	id, err := stringArg(payload, "conversationId")
	if err != nil {
		return nil, err
	}
	g.state.Heartbeat(s.userID)
	n, err := g.chat.MarkAllAsRead(ctx, id, s.userID)
	if err != nil {
		return nil, err
	}
	return ack{"status": "success", "count": n}, nil
}

func (g *Gateway) handleDeleteMessage(ctx context.Context, s *session, payload json.RawMessage) (ack, error) {
	id, err := stringArg(payload, "messageId")
	if err != nil {
		return nil, err
	}
	g.state.Heartbeat(s.userID)
	if err := g.chat.DeleteMessage(ctx, id, s.userID); err != nil {
		return nil, err
	}
	return ack{"status": "success"}, nil
}

func (g *Gateway) handlePing(_ context.Context, s *session, _ json.RawMessage) (ack, error) {
	g.state.Heartbeat(s.userID)
	return ack{"status": "pong", "timestamp": time.Now().UnixMilli()}, nil
}

func (g *Gateway) handleTyping(isTyping bool) handlerFunc {
	return func(_ context.Context, s *session, payload json.RawMessage) (ack, error) {
		to, err := stringArg(payload, "receiverId")
		if err != nil {
			return nil, err
		}
		if err := g.chat.Typing(s.userID, to, isTyping); err != nil {
			return nil, err
		}
		return ack{"status": "ok"}, nil
	}
}
