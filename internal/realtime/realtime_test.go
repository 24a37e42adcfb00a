package realtime

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/chatd/chatd/internal/bus"
)

// fakeClock is a manual Scheduler: timers fire only when Advance passes
// their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Schedule(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !c.now.Before(t.at) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeConn struct {
	id string
	mu sync.Mutex
	in []Event
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(evt Event) bool {
	c.mu.Lock()
	c.in = append(c.in, evt)
	c.mu.Unlock()
	return true
}

func (c *fakeConn) events(typ string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.in {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) lastSnapshot(t *testing.T) map[string]bool {
	t.Helper()
	evts := c.events(EventOnlineUsers)
	if len(evts) == 0 {
		t.Fatalf("%s received no onlineUsers", c.id)
	}
	return evts[len(evts)-1].Payload.(map[string]bool)
}

func startHub(t *testing.T, timeout time.Duration) (*Hub, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	h := NewHub(Options{Timeout: timeout, Scheduler: clock.Schedule, Now: clock.Now}, bus.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h, clock
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	c1, c2, c3 := newConn("c1"), newConn("c2"), newConn("c3")
	r.Register("a", c2)
	r.Register("a", c1)
	r.Register("b", c3)

	got := r.Lookup("a")
	if len(got) != 2 || got[0].ID() != "c1" || got[1].ID() != "c2" {
		t.Errorf("Lookup(a) = %v", ids(got))
	}
	if r.Connections() != 3 || r.Users() != 2 {
		t.Errorf("counts = %d conns, %d users", r.Connections(), r.Users())
	}

	u, empty, ok := r.Unregister("c1")
	if !ok || u != "a" || empty {
		t.Errorf("Unregister(c1) = %q, %v, %v", u, empty, ok)
	}
	u, empty, ok = r.Unregister("c2")
	if !ok || u != "a" || !empty {
		t.Errorf("Unregister(c2) = %q, %v, %v", u, empty, ok)
	}
	if _, _, ok := r.Unregister("c2"); ok {
		t.Error("Unregister of unknown conn reported ok")
	}
	if len(r.Lookup("a")) != 0 {
		t.Error("a still has connections")
	}
}

func TestRegistryMovesConnection(t *testing.T) {
	r := NewRegistry()
	c := newConn("c1")
	r.Register("a", c)
	prev, empty := r.Register("b", c)
	if prev != "a" || !empty {
		t.Errorf("Register move = %q, %v", prev, empty)
	}
	if owner, _ := r.Owner("c1"); owner != "b" {
		t.Errorf("owner = %q, want b", owner)
	}
	if prev, _ := r.Register("b", c); prev != "" {
		t.Errorf("re-register same user reported move from %q", prev)
	}
}

func TestPresenceTransitions(t *testing.T) {
	clock := newFakeClock()
	var expired []uint64
	p := NewPresence(10*time.Second, clock.Schedule, clock.Now, func(_ string, gen uint64) {
		expired = append(expired, gen)
	})

	if !p.Heartbeat("a") {
		t.Error("first heartbeat should bring a online")
	}
	if p.Heartbeat("a") {
		t.Error("second heartbeat should not report a transition")
	}
	if p.Pending() != 1 || clock.Live() != 1 {
		t.Errorf("pending = %d, live timers = %d, want 1 and 1", p.Pending(), clock.Live())
	}

	clock.Advance(10 * time.Second)
	if len(expired) != 1 {
		t.Fatalf("expired callbacks = %d, want 1", len(expired))
	}
	if p.Expire("a", expired[0]-1) {
		t.Error("stale generation should be ignored")
	}
	if !p.Expire("a", expired[0]) {
		t.Error("current generation should take a offline")
	}
	if p.Status("a") != Offline {
		t.Errorf("status = %s, want OFFLINE", p.Status("a"))
	}
	if p.Expire("a", expired[0]) {
		t.Error("repeated expiry should be ignored")
	}
	if p.Disconnect("a") {
		t.Error("disconnect while offline should not transition")
	}

	if snap := p.Snapshot(); len(snap) != 1 || snap["a"] {
		t.Errorf("snapshot = %v, want a:false", snap)
	}
}

func TestPresenceDisconnectCancelsTimer(t *testing.T) {
	clock := newFakeClock()
	fired := 0
	p := NewPresence(time.Second, clock.Schedule, clock.Now, func(string, uint64) { fired++ })

	p.Heartbeat("a")
	if !p.Disconnect("a") {
		t.Fatal("disconnect should take a offline")
	}
	if clock.Live() != 0 || p.Pending() != 0 {
		t.Errorf("timers left after disconnect: clock %d, presence %d", clock.Live(), p.Pending())
	}
	clock.Advance(time.Hour)
	if fired != 0 {
		t.Errorf("cancelled timer fired %d times", fired)
	}
}

func TestPresenceLastActivity(t *testing.T) {
	clock := newFakeClock()
	p := NewPresence(time.Minute, clock.Schedule, clock.Now, nil)
	p.Heartbeat("a")
	clock.Advance(5 * time.Second)
	p.Heartbeat("a")
	at, ok := p.LastActivity("a")
	if !ok || !at.Equal(clock.Now()) {
		t.Errorf("LastActivity = %v, %v, want %v", at, ok, clock.Now())
	}
	if _, ok := p.LastActivity("nobody"); ok {
		t.Error("LastActivity for unknown user reported ok")
	}
}

func TestHubRegisterBroadcastsOnline(t *testing.T) {
	h, _ := startHub(t, 15*time.Second)
	a, b := newConn("a1"), newConn("b1")

	h.Register("alice", a)
	h.Register("bob", b)

	snap := a.lastSnapshot(t)
	if !snap["alice"] || !snap["bob"] {
		t.Errorf("alice's latest snapshot = %v, want both online", snap)
	}
	if got := h.Snapshot(); !got["alice"] || !got["bob"] {
		t.Errorf("Snapshot() = %v", got)
	}
}

func TestHubSecondDeviceGetsSnapshotWithoutBroadcast(t *testing.T) {
	h, _ := startHub(t, 15*time.Second)
	a1, a2, b := newConn("a1"), newConn("a2"), newConn("b1")

	h.Register("bob", b)
	h.Register("alice", a1)
	before := len(b.events(EventOnlineUsers))

	h.Register("alice", a2)
	if len(a2.events(EventOnlineUsers)) != 1 {
		t.Errorf("second device got %d snapshots, want 1", len(a2.events(EventOnlineUsers)))
	}
	if after := len(b.events(EventOnlineUsers)); after != before {
		t.Errorf("bob got %d extra broadcasts for a non-transition", after-before)
	}
}

func TestHubZeroConnectionsOfflineImmediately(t *testing.T) {
	h, clock := startHub(t, 15*time.Second)
	a1, a2, b := newConn("a1"), newConn("a2"), newConn("b1")
	h.Register("alice", a1)
	h.Register("alice", a2)
	h.Register("bob", b)

	h.Unregister("a1")
	if !h.Snapshot()["alice"] {
		t.Fatal("alice should stay online with one connection left")
	}

	h.Unregister("a2")
	if h.Snapshot()["alice"] {
		t.Error("alice should be offline with zero connections")
	}
	if snap := b.lastSnapshot(t); snap["alice"] {
		t.Errorf("bob's snapshot still shows alice online: %v", snap)
	}
	if st := h.Stats(); st.Timers != 1 {
		t.Errorf("armed timers = %d, want 1 (bob only)", st.Timers)
	}

	// A heartbeat for a user without connections must not revive them.
	h.Heartbeat("alice")
	clock.Advance(time.Second)
	if h.Snapshot()["alice"] {
		t.Error("heartbeat revived a user with no connections")
	}
}

func TestHubHeartbeatsKeepOnline(t *testing.T) {
	const window = 15 * time.Second
	h, clock := startHub(t, window)
	a := newConn("a1")
	h.Register("alice", a)

	for range 10 {
		clock.Advance(window - time.Second)
		h.Heartbeat("alice")
		if !h.Snapshot()["alice"] {
			t.Fatal("alice went offline despite heartbeats")
		}
	}
	if n := len(a.events(EventOnlineUsers)); n != 1 {
		t.Errorf("onlineUsers events = %d, want 1 (heartbeats are not transitions)", n)
	}
}

func TestHubExpiresAfterExactlyOneWindow(t *testing.T) {
	const window = 15 * time.Second
	h, clock := startHub(t, window)
	a := newConn("a1")
	h.Register("alice", a)

	clock.Advance(window - time.Nanosecond)
	if !h.Snapshot()["alice"] {
		t.Fatal("alice expired before the window elapsed")
	}
	clock.Advance(time.Nanosecond)
	if h.Snapshot()["alice"] {
		t.Fatal("alice still online after one full window")
	}
	if snap := a.lastSnapshot(t); snap["alice"] {
		t.Errorf("expiry was not broadcast: %v", snap)
	}

	// Still connected, so the next heartbeat brings alice back.
	h.Heartbeat("alice")
	if !h.Snapshot()["alice"] {
		t.Error("heartbeat after expiry should bring alice back online")
	}
}

func TestHubDeliverDedupes(t *testing.T) {
	h, _ := startHub(t, time.Minute)
	a1, a2, b := newConn("a1"), newConn("a2"), newConn("b1")
	h.Register("alice", a1)
	h.Register("alice", a2)
	h.Register("bob", b)

	n := h.Deliver(Event{Type: EventNewMessage}, "alice", "bob", "alice", "nobody")
	if n != 3 {
		t.Errorf("Deliver() = %d, want 3", n)
	}
	for _, c := range []*fakeConn{a1, a2, b} {
		if got := len(c.events(EventNewMessage)); got != 1 {
			t.Errorf("%s got %d newMessage, want 1", c.id, got)
		}
	}
}

func TestHubPublishesBusEvents(t *testing.T) {
	clock := newFakeClock()
	b := bus.New()
	ch, unsub := b.Subscribe("", 16)
	defer unsub()
	h := NewHub(Options{Timeout: time.Second, Scheduler: clock.Schedule, Now: clock.Now}, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); <-h.Done() }()
	go h.Run(ctx)

	h.Register("alice", newConn("a1"))
	h.Unregister("a1")

	var kinds []string
	for len(kinds) < 4 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatalf("got kinds %v, want 4 events", kinds)
		}
	}
	want := []string{bus.KindConnOpened, bus.KindPresenceChanged, bus.KindConnClosed, bus.KindPresenceChanged}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds = %v, want %v", kinds, want)
			break
		}
	}
}

func TestHubCloseCancelsTimers(t *testing.T) {
	clock := newFakeClock()
	h := NewHub(Options{Timeout: time.Minute, Scheduler: clock.Schedule, Now: clock.Now}, nil, nil)
	go h.Run(context.Background())

	h.Register("alice", newConn("a1"))
	h.Register("bob", newConn("b1"))
	if clock.Live() != 2 {
		t.Fatalf("live timers = %d, want 2", clock.Live())
	}

	h.Close()
	h.Close()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	if clock.Live() != 0 {
		t.Errorf("live timers after Close = %d, want 0", clock.Live())
	}

	// Calls after shutdown return without blocking.
	h.Register("carol", newConn("c1"))
	if snap := h.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot() after close = %v, want empty", snap)
	}
}

func TestHubOwnerAndStats(t *testing.T) {
	h, _ := startHub(t, time.Minute)
	h.Register("alice", newConn("a1"))
	h.Register("alice", newConn("a2"))
	h.Register("bob", newConn("b1"))

	if u, ok := h.Owner("a2"); !ok || u != "alice" {
		t.Errorf("Owner(a2) = %q, %v", u, ok)
	}
	st := h.Stats()
	if st.Connections != 3 || st.Users != 2 || st.Online != 2 {
		t.Errorf("Stats() = %+v", st)
	}
}

func ids(cs []Conn) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID()
	}
	sort.Strings(out)
	return out
}
