// Package chat routes direct messages: it validates and persists them,
// enforces who may read or delete what, and fans results out to the live
// connections of both participants.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chatd/chatd/internal/bus"
	"github.com/chatd/chatd/internal/cache"
	"github.com/chatd/chatd/internal/realtime"
	"github.com/chatd/chatd/internal/store"
	"go.uber.org/zap"
)

// MaxContentBytes bounds a message body.
const MaxContentBytes = 5 * 1024

// DefaultCacheTTL is how long a conversation listing stays cached.
const DefaultCacheTTL = 5 * time.Minute

// Store is the persistence the service needs. *store.DB satisfies it.
type Store interface {
	SendMessage(ctx context.Context, senderID, receiverID, content string) (*store.Message, *store.Conversation, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	MarkRead(ctx context.Context, id string) (*store.Message, error)
	SoftDeleteMessage(ctx context.Context, id string) (bool, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	MarkAllReadForReceiver(ctx context.Context, conversationID, userID string) (int64, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]store.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]store.Message, error)
	UpsertUser(ctx context.Context, u *store.User) error
}

var _ Store = (*store.DB)(nil)

// SendResult is returned by SendMessage and pushed as newMessage.
type SendResult struct {
	Message        *store.Message `json:"message"`
	ConversationID string         `json:"conversationId"`
}

// Receipt payloads pushed to both participants.
type (
	MessageReadEvent struct {
		MessageID      string `json:"messageId"`
		ConversationID string `json:"conversationId"`
		ReadBy         string `json:"readBy"`
	}
	MessagesReadEvent struct {
		ConversationID string `json:"conversationId"`
		ReadBy         string `json:"readBy"`
		Count          int64  `json:"count"`
	}
	MessageDeletedEvent struct {
		MessageID      string `json:"messageId"`
		ConversationID string `json:"conversationId"`
	}
	TypingEvent struct {
		UserID   string `json:"userId"`
		IsTyping bool   `json:"isTyping"`
	}
)

// Service is the message router.
type Service struct {
	store    Store
	state    realtime.State
	cache    cache.Cache
	cacheTTL time.Duration
	bus      *bus.Bus
	log      *zap.Logger

	// gens counts invalidations per user. A listing read from the store is
	// cached only if its user's count did not move during the read.
	genMu sync.Mutex
	gens  map[string]uint64
}

// NewService wires the router. cacheTTL <= 0 selects DefaultCacheTTL.
func NewService(st Store, state realtime.State, c cache.Cache, b *bus.Bus, log *zap.Logger, cacheTTL time.Duration) *Service {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, state: state, cache: c, cacheTTL: cacheTTL, bus: b, log: log, gens: make(map[string]uint64)}
}

// SendMessage persists a message from senderID to receiverID, creating the
// conversation on first contact, and delivers newMessage to every live
// connection of both users. Nothing is delivered or cached if persisting
// fails.
func (s *Service) SendMessage(ctx context.Context, senderID, receiverID, content string) (*SendResult, error) {
	if err := validateSend(senderID, receiverID, content); err != nil {
		return nil, err
	}

	msg, conv, err := s.store.SendMessage(ctx, senderID, receiverID, content)
	if err != nil {
		s.log.Error("send message failed", zap.String("sender_id", senderID), zap.String("receiver_id", receiverID), zap.Error(err))
		return nil, fmt.Errorf("%w: save message: %w", ErrInternal, err)
	}

	res := &SendResult{Message: msg, ConversationID: conv.ID}
	s.invalidate(ctx, senderID, receiverID)
	n := s.state.Deliver(realtime.Event{Type: realtime.EventNewMessage, Payload: res}, senderID, receiverID)
	s.emit(bus.KindMessageSent, res)
	s.log.Debug("message sent",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", conv.ID),
		zap.Int("delivered", n))
	return res, nil
}

func validateSend(senderID, receiverID, content string) error {
	switch {
	case senderID == "":
		return fmt.Errorf("%w: sender is required", ErrUnauthenticated)
	case strings.TrimSpace(receiverID) == "":
		return fmt.Errorf("%w: receiverId is required", ErrValidation)
	case senderID == receiverID:
		return fmt.Errorf("%w: cannot message yourself", ErrValidation)
	case strings.TrimSpace(content) == "":
		return fmt.Errorf("%w: content is required", ErrValidation)
	case len(content) > MaxContentBytes:
		return fmt.Errorf("%w: content exceeds %d bytes", ErrValidation, MaxContentBytes)
	case !utf8.ValidString(content):
		return fmt.Errorf("%w: content is not valid UTF-8", ErrValidation)
	}
	return nil
}

// MarkMessageAsRead flags a message read on behalf of its receiver. Calling
// it again is a no-op that returns the message unchanged.
func (s *Service) MarkMessageAsRead(ctx context.Context, messageID, callerID string) (*store.Message, error) {
	msg, err := s.liveMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if callerID != msg.ReceiverID {
		return nil, fmt.Errorf("%w: only the receiver can mark a message as read", ErrForbidden)
	}
	if msg.IsRead {
		return msg, nil
	}

	updated, err := s.store.MarkRead(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: mark read: %w", ErrInternal, err)
	}
	if updated == nil {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}

	s.invalidate(ctx, msg.SenderID, msg.ReceiverID)
	evt := MessageReadEvent{MessageID: msg.ID, ConversationID: msg.ConversationID, ReadBy: callerID}
	s.state.Deliver(realtime.Event{Type: realtime.EventMessageRead, Payload: evt}, msg.SenderID, msg.ReceiverID)
	s.emit(bus.KindMessageRead, evt)
	return updated, nil
}

// MarkAllAsRead flags every unread message addressed to callerID in the
// conversation and returns how many changed. Messages the caller sent are
// untouched.
func (s *Service) MarkAllAsRead(ctx context.Context, conversationID, callerID string) (int64, error) {
	conv, err := s.participantConversation(ctx, conversationID, callerID)
	if err != nil {
		return 0, err
	}

	n, err := s.store.MarkAllReadForReceiver(ctx, conv.ID, callerID)
	if err != nil {
		return 0, fmt.Errorf("%w: mark all read: %w", ErrInternal, err)
	}
	if n == 0 {
		return 0, nil
	}

	s.invalidate(ctx, conv.UserA, conv.UserB)
	evt := MessagesReadEvent{ConversationID: conv.ID, ReadBy: callerID, Count: n}
	s.state.Deliver(realtime.Event{Type: realtime.EventMessagesRead, Payload: evt}, conv.UserA, conv.UserB)
	s.emit(bus.KindMessagesRead, evt)
	return n, nil
}

// DeleteMessage soft-deletes a message on behalf of its sender.
func (s *Service) DeleteMessage(ctx context.Context, messageID, callerID string) error {
	msg, err := s.liveMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if callerID != msg.SenderID {
		return fmt.Errorf("%w: only the sender can delete a message", ErrForbidden)
	}

	ok, err := s.store.SoftDeleteMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("%w: delete message: %w", ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}

	s.invalidate(ctx, msg.SenderID, msg.ReceiverID)
	evt := MessageDeletedEvent{MessageID: msg.ID, ConversationID: msg.ConversationID}
	s.state.Deliver(realtime.Event{Type: realtime.EventMessageDeleted, Payload: evt}, msg.SenderID, msg.ReceiverID)
	s.emit(bus.KindMessageDeleted, evt)
	return nil
}

// CountUnread counts live unread messages addressed to callerID.
func (s *Service) CountUnread(ctx context.Context, callerID string) (int64, error) {
	n, err := s.store.CountUnread(ctx, callerID)
	if err != nil {
		return 0, fmt.Errorf("%w: count unread: %w", ErrInternal, err)
	}
	return n, nil
}

// ListConversations returns the caller's conversations, newest activity
// first, serving from the cache when possible.
func (s *Service) ListConversations(ctx context.Context, callerID string) ([]store.ConversationSummary, error) {
	key := cache.ConversationsKey(callerID)
	var convs []store.ConversationSummary
	err := cache.GetJSON(ctx, s.cache, key, &convs)
	if err == nil {
		return convs, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.log.Warn("conversation cache read failed", zap.String("user_id", callerID), zap.Error(err))
	}

	gen := s.generation(callerID)
	convs, err = s.store.ListConversationsForUser(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %w", ErrInternal, err)
	}
	if s.generation(callerID) != gen {
		return convs, nil
	}
	if err := cache.SetJSON(ctx, s.cache, key, convs, s.cacheTTL); err != nil {
		s.log.Warn("conversation cache write failed", zap.String("user_id", callerID), zap.Error(err))
	}
	// An invalidation that landed between the check and the write may have
	// deleted the key before our write; drop what we just wrote.
	if s.generation(callerID) != gen {
		if _, err := s.cache.Del(ctx, key); err != nil {
			s.log.Warn("conversation cache invalidation failed", zap.String("user_id", callerID), zap.Error(err))
		}
	}
	return convs, nil
}

// ListMessages returns one page of a conversation's history, oldest first.
// Only participants may read it.
func (s *Service) ListMessages(ctx context.Context, conversationID, callerID string, page, limit int) ([]store.Message, error) {
	conv, err := s.participantConversation(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %w", ErrInternal, err)
	}
	return msgs, nil
}

// Typing relays a typing indicator to the receiver's connections only.
func (s *Service) Typing(senderID, receiverID string, isTyping bool) error {
	if receiverID == "" {
		return fmt.Errorf("%w: receiverId is required", ErrValidation)
	}
	if receiverID == senderID {
		return fmt.Errorf("%w: cannot type to yourself", ErrValidation)
	}
	s.state.Deliver(realtime.Event{
		Type:    realtime.EventUserTyping,
		Payload: TypingEvent{UserID: senderID, IsTyping: isTyping},
	}, receiverID)
	return nil
}

// RecordUser caches the profile carried by a verified token so listings can
// show names. Failures are logged and otherwise ignored.
func (s *Service) RecordUser(ctx context.Context, u *store.User) {
	if u.ID == "" || (u.DisplayName == "" && u.Email == "") {
		return
	}
	if err := s.store.UpsertUser(ctx, u); err != nil {
		s.log.Warn("record user failed", zap.String("user_id", u.ID), zap.Error(err))
	}
}

func (s *Service) liveMessage(ctx context.Context, id string) (*store.Message, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: messageId is required", ErrValidation)
	}
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get message: %w", ErrInternal, err)
	}
	if msg == nil || msg.IsDeleted {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return msg, nil
}

func (s *Service) participantConversation(ctx context.Context, id, callerID string) (*store.Conversation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: conversationId is required", ErrValidation)
	}
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get conversation: %w", ErrInternal, err)
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	if !conv.Has(callerID) {
		return nil, fmt.Errorf("%w: not a participant of this conversation", ErrForbidden)
	}
	return conv, nil
}

// invalidate bumps each user's generation before deleting, never after.
func (s *Service) invalidate(ctx context.Context, userIDs ...string) {
	keys := make([]string, len(userIDs))
	s.genMu.Lock()
	for i, u := range userIDs {
		keys[i] = cache.ConversationsKey(u)
		s.gens[u]++
	}
	s.genMu.Unlock()
	if _, err := s.cache.Del(ctx, keys...); err != nil {
		s.log.Warn("conversation cache invalidation failed", zap.Strings("user_ids", userIDs), zap.Error(err))
	}
}

func (s *Service) generation(userID string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.gens[userID]
}

func (s *Service) emit(kind string, payload any) {
	if s.bus != nil {
		s.bus.Emit(kind, payload)
	}
}
