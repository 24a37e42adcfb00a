package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatd/chatd/internal/bus"
	"github.com/chatd/chatd/internal/cache"
	"github.com/chatd/chatd/internal/realtime"
	"github.com/chatd/chatd/internal/store"
)

type recConn struct {
	id string
	mu sync.Mutex
	in []realtime.Event
}

func (c *recConn) ID() string { return c.id }

func (c *recConn) Send(evt realtime.Event) bool {
	c.mu.Lock()
	c.in = append(c.in, evt)
	c.mu.Unlock()
	return true
}

func (c *recConn) count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.in {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (c *recConn) last(typ string) (realtime.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.in) - 1; i >= 0; i-- {
		if c.in[i].Type == typ {
			return c.in[i], true
		}
	}
	return realtime.Event{}, false
}

type harness struct {
	db    *store.DB
	hub   *realtime.Hub
	cache *cache.Memory
	bus   *bus.Bus
	svc   *Service
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newHarness(t *testing.T, st Store) *harness {
	t.Helper()
	db := testDB(t)
	if st == nil {
		st = db
	}
	b := bus.New()
	hub := realtime.NewHub(realtime.Options{Timeout: time.Minute}, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	mem := cache.NewMemory()
	return &harness{
		db:    db,
		hub:   hub,
		cache: mem,
		bus:   b,
		svc:   NewService(st, hub, mem, b, nil, time.Minute),
	}
}

func (h *harness) connect(userID, connID string) *recConn {
	c := &recConn{id: connID}
	h.hub.Register(userID, c)
	return c
}

func TestScenarioFirstContactFanOutAndReceipts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	c1 := h.connect("A", "c1")
	c2 := h.connect("A", "c2")
	c3 := h.connect("B", "c3")
	bystander := h.connect("C", "c4")

	res, err := h.svc.SendMessage(ctx, "A", "B", "hi")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	m := res.Message
	if m.SenderID != "A" || m.ReceiverID != "B" || m.Content != "hi" || m.IsRead {
		t.Errorf("message = %+v", m)
	}

	conv, err := h.db.GetConversation(ctx, res.ConversationID)
	if err != nil || conv == nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if conv.Participants[0] != "A" || conv.Participants[1] != "B" {
		t.Errorf("participants = %v, want [A B]", conv.Participants)
	}

	for _, c := range []*recConn{c1, c2, c3} {
		if c.count(realtime.EventNewMessage) != 1 {
			t.Errorf("%s got %d newMessage, want 1", c.id, c.count(realtime.EventNewMessage))
		}
	}
	if bystander.count(realtime.EventNewMessage) != 0 {
		t.Error("bystander received newMessage")
	}
	evt, _ := c3.last(realtime.EventNewMessage)
	if p, ok := evt.Payload.(*SendResult); !ok || p.ConversationID != res.ConversationID {
		t.Errorf("newMessage payload = %#v", evt.Payload)
	}

	read, err := h.svc.MarkMessageAsRead(ctx, m.ID, "B")
	if err != nil {
		t.Fatalf("MarkMessageAsRead(B) error = %v", err)
	}
	if !read.IsRead {
		t.Error("message not read after receiver marked it")
	}
	if c1.count(realtime.EventMessageRead) != 1 {
		t.Error("sender did not get the read receipt")
	}

	if _, err := h.svc.MarkMessageAsRead(ctx, m.ID, "A"); !errors.Is(err, ErrForbidden) {
		t.Errorf("MarkMessageAsRead(A) error = %v, want ErrForbidden", err)
	}
}

func TestMarkMessageAsReadIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.connect("A", "a1")
	res, _ := h.svc.SendMessage(ctx, "A", "B", "hi")

	for range 3 {
		m, err := h.svc.MarkMessageAsRead(ctx, res.Message.ID, "B")
		if err != nil {
			t.Fatal(err)
		}
		if !m.IsRead {
			t.Error("IsRead = false")
		}
	}
	if n := a.count(realtime.EventMessageRead); n != 1 {
		t.Errorf("read receipts = %d, want 1", n)
	}

	tests := []struct {
		name   string
		id     string
		caller string
		want   error
	}{
		{"third party", res.Message.ID, "C", ErrForbidden},
		{"sender", res.Message.ID, "A", ErrForbidden},
		{"missing", "nope", "B", ErrNotFound},
		{"empty id", "", "B", ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.MarkMessageAsRead(ctx, tt.id, tt.caller); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		sender   string
		receiver string
		content  string
		want     error
	}{
		{"no sender", "", "B", "hi", ErrUnauthenticated},
		{"no receiver", "A", " ", "hi", ErrValidation},
		{"self", "A", "A", "hi", ErrValidation},
		{"blank", "A", "B", " \n\t", ErrValidation},
		{"too long", "A", "B", strings.Repeat("x", MaxContentBytes+1), ErrValidation},
		{"bad utf8", "A", "B", "\xff\xfe", ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.SendMessage(ctx, tt.sender, tt.receiver, tt.content); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := h.svc.SendMessage(ctx, "A", "B", strings.Repeat("x", MaxContentBytes)); err != nil {
		t.Errorf("content at the limit rejected: %v", err)
	}
}

type failingStore struct {
	*store.DB
}

func (failingStore) SendMessage(context.Context, string, string, string) (*store.Message, *store.Conversation, error) {
	return nil, nil, errors.New("disk full")
}

func TestSendFailureHasNoSideEffects(t *testing.T) {
	db := testDB(t)
	h := newHarness(t, failingStore{db})
	ctx := context.Background()
	a := h.connect("A", "a1")
	b := h.connect("B", "b1")

	key := cache.ConversationsKey("A")
	_ = h.cache.Set(ctx, key, "[]", time.Minute)

	_, err := h.svc.SendMessage(ctx, "A", "B", "hi")
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("error = %v, want ErrInternal", err)
	}
	if PublicMessage(err) != ErrInternal.Error() {
		t.Errorf("PublicMessage() leaked detail: %q", PublicMessage(err))
	}
	if a.count(realtime.EventNewMessage)+b.count(realtime.EventNewMessage) != 0 {
		t.Error("newMessage delivered for a failed send")
	}
	if _, err := h.cache.Get(ctx, key); err != nil {
		t.Errorf("cache touched by a failed send: %v", err)
	}
}

func TestMarkAllAsReadOnlyCallerInbound(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	r1, _ := h.svc.SendMessage(ctx, "A", "B", "1")
	_, _ = h.svc.SendMessage(ctx, "A", "B", "2")
	fromB, _ := h.svc.SendMessage(ctx, "B", "A", "3")
	b := h.connect("B", "b1")

	n, err := h.svc.MarkAllAsRead(ctx, r1.ConversationID, "B")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if m, _ := h.db.GetMessage(ctx, fromB.Message.ID); m.IsRead {
		t.Error("message sent by caller was marked read")
	}
	if b.count(realtime.EventMessagesRead) != 1 {
		t.Error("messagesRead not pushed")
	}

	if _, err := h.svc.MarkAllAsRead(ctx, r1.ConversationID, "C"); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-participant error = %v, want ErrForbidden", err)
	}
	if _, err := h.svc.MarkAllAsRead(ctx, "missing", "B"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing conversation error = %v, want ErrNotFound", err)
	}
	if n, err := h.svc.MarkAllAsRead(ctx, r1.ConversationID, "B"); err != nil || n != 0 {
		t.Errorf("second MarkAllAsRead() = %d, %v", n, err)
	}
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	b := h.connect("B", "b1")

	keep, _ := h.svc.SendMessage(ctx, "A", "B", "keep")
	gone, _ := h.svc.SendMessage(ctx, "A", "B", "gone")

	if err := h.svc.DeleteMessage(ctx, gone.Message.ID, "B"); !errors.Is(err, ErrForbidden) {
		t.Errorf("receiver delete error = %v, want ErrForbidden", err)
	}
	if err := h.svc.DeleteMessage(ctx, gone.Message.ID, "A"); err != nil {
		t.Fatalf("sender delete error = %v", err)
	}
	if b.count(realtime.EventMessageDeleted) != 1 {
		t.Error("messageDeleted not pushed to receiver")
	}
	if err := h.svc.DeleteMessage(ctx, gone.Message.ID, "A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}

	msgs, err := h.svc.ListMessages(ctx, keep.ConversationID, "B", 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != keep.Message.ID {
		t.Errorf("listing after delete = %+v", msgs)
	}
	if n, _ := h.svc.CountUnread(ctx, "B"); n != 1 {
		t.Errorf("unread after delete = %d, want 1", n)
	}
	if _, err := h.svc.MarkMessageAsRead(ctx, gone.Message.ID, "B"); !errors.Is(err, ErrNotFound) {
		t.Errorf("reading a deleted message error = %v, want ErrNotFound", err)
	}
}

func TestListMessagesRequiresParticipant(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, _ := h.svc.SendMessage(ctx, "A", "B", "hi")

	if _, err := h.svc.ListMessages(ctx, res.ConversationID, "C", 1, 20); !errors.Is(err, ErrForbidden) {
		t.Errorf("error = %v, want ErrForbidden", err)
	}
	if _, err := h.svc.ListMessages(ctx, "missing", "A", 1, 20); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	for _, u := range []string{"A", "B"} {
		msgs, err := h.svc.ListMessages(ctx, res.ConversationID, u, 1, 20)
		if err != nil || len(msgs) != 1 {
			t.Errorf("ListMessages(%s) = %d msgs, %v", u, len(msgs), err)
		}
	}
}

func TestListConversationsCacheAside(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, _ = h.svc.SendMessage(ctx, "A", "B", "one")
	first, err := h.svc.ListConversations(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d conversations, want 1", len(first))
	}
	if _, err := h.cache.Get(ctx, cache.ConversationsKey("A")); err != nil {
		t.Fatalf("listing was not cached: %v", err)
	}

	// A new conversation for A must invalidate A's cached listing.
	_, _ = h.svc.SendMessage(ctx, "C", "A", "two")
	if _, err := h.cache.Get(ctx, cache.ConversationsKey("A")); !errors.Is(err, cache.ErrMiss) {
		t.Errorf("cache not invalidated: %v", err)
	}
	second, err := h.svc.ListConversations(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 2 || second[0].Peer.ID != "C" {
		t.Errorf("listing after send = %+v", second)
	}

	cached, err := h.svc.ListConversations(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 2 || cached[0].ID != second[0].ID || len(cached[0].Participants) != 2 {
		t.Errorf("cached listing = %+v", cached)
	}
}

// slowListStore runs during a listing read, after the rows were fetched.
type slowListStore struct {
	*store.DB
	during func()
}

func (s slowListStore) ListConversationsForUser(ctx context.Context, userID string) ([]store.ConversationSummary, error) {
	convs, err := s.DB.ListConversationsForUser(ctx, userID)
	if s.during != nil {
		s.during()
	}
	return convs, err
}

func TestListConversationsSendDuringReadIsNotCached(t *testing.T) {
	db := testDB(t)
	st := &slowListStore{DB: db}
	h := newHarness(t, st)
	ctx := context.Background()

	if _, err := h.svc.SendMessage(ctx, "A", "B", "one"); err != nil {
		t.Fatal(err)
	}
	st.during = func() {
		st.during = nil
		if _, err := h.svc.SendMessage(ctx, "C", "A", "two"); err != nil {
			t.Error(err)
		}
	}

	stale, err := h.svc.ListConversations(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Fatalf("listing read before the send = %d conversations, want 1", len(stale))
	}
	if _, err := h.cache.Get(ctx, cache.ConversationsKey("A")); !errors.Is(err, cache.ErrMiss) {
		t.Errorf("listing invalidated mid-read was cached: %v", err)
	}

	fresh, err := h.svc.ListConversations(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 2 {
		t.Errorf("listing after send = %d conversations, want 2", len(fresh))
	}
}

func TestTyping(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("A", "a1")
	b := h.connect("B", "b1")

	if err := h.svc.Typing("A", "B", true); err != nil {
		t.Fatal(err)
	}
	if a.count(realtime.EventUserTyping) != 0 {
		t.Error("typing echoed to the sender")
	}
	evt, ok := b.last(realtime.EventUserTyping)
	if !ok {
		t.Fatal("receiver got no userTyping")
	}
	if p := evt.Payload.(TypingEvent); p.UserID != "A" || !p.IsTyping {
		t.Errorf("payload = %+v", p)
	}
	if err := h.svc.Typing("A", "", false); !errors.Is(err, ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestRecordUserFeedsListingNames(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.svc.RecordUser(ctx, &store.User{ID: "B", DisplayName: "Bea"})
	h.svc.RecordUser(ctx, &store.User{ID: "C"})
	_, _ = h.svc.SendMessage(ctx, "A", "B", "hi")

	convs, err := h.svc.ListConversations(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if convs[0].Peer.Name != "Bea" {
		t.Errorf("peer name = %q, want Bea", convs[0].Peer.Name)
	}
	if u, _ := h.db.GetUser(ctx, "C"); u != nil {
		t.Error("a profile without name or email should not be stored")
	}
}

func TestBusEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ch, unsub := h.bus.Subscribe("message.", 8)
	defer unsub()

	res, _ := h.svc.SendMessage(ctx, "A", "B", "hi")
	_, _ = h.svc.MarkMessageAsRead(ctx, res.Message.ID, "B")
	_ = h.svc.DeleteMessage(ctx, res.Message.ID, "A")

	want := []string{bus.KindMessageSent, bus.KindMessageRead, bus.KindMessageDeleted}
	for _, k := range want {
		select {
		case evt := <-ch:
			if evt.Kind != k {
				t.Errorf("kind = %q, want %q", evt.Kind, k)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", k)
		}
	}
}
