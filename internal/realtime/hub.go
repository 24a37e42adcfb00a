package realtime

import (
	"context"
	"time"

	"github.com/chatd/chatd/internal/bus"
	"go.uber.org/zap"
)

// DefaultTimeout is how long a user stays online without a heartbeat.
const DefaultTimeout = 15 * time.Second

// State is the live-state surface the gateway and the message router depend
// on. Hub is the in-process implementation; a shared store could back a
// multi-instance deployment behind the same interface.
type State interface {
	Register(userID string, c Conn)
	Unregister(connID string)
	Heartbeat(userID string)
	Deliver(evt Event, userIDs ...string) int
	Snapshot() map[string]bool
	Stats() Stats
}

// Stats describes the hub at one instant.
type Stats struct {
	Connections int
	Users       int
	Online      int
	Timers      int
	StartedAt   time.Time
}

// Options configure a Hub. Zero values pick the defaults.
type Options struct {
	Timeout   time.Duration
	Scheduler Scheduler
	Now       func() time.Time
}

// Hub owns the registry, the presence tracker and its timers. A single
// goroutine (Run) executes every read and mutation in submission order,
// including timer firings, so none of the owned state needs locking.
type Hub struct {
	cmds chan func()
	quit chan struct{}
	done chan struct{}

	registry    *Registry
	presence    *Presence
	broadcaster *Broadcaster

	bus       *bus.Bus
	log       *zap.Logger
	startedAt time.Time
}

var _ State = (*Hub)(nil)

// NewHub creates a hub. Call Run to start processing.
func NewHub(opts Options, b *bus.Bus, log *zap.Logger) *Hub {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		cmds:      make(chan func(), 256),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		registry:  NewRegistry(),
		bus:       b,
		log:       log,
		startedAt: opts.Now(),
	}
	h.presence = NewPresence(opts.Timeout, opts.Scheduler, opts.Now, h.postExpire)
	h.broadcaster = NewBroadcaster(h.registry, h.presence)
	return h
}

// Run processes commands until ctx is cancelled or Close is called. All
// outstanding timers are cancelled before it returns.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.presence.StopAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.quit:
			return
		case fn := <-h.cmds:
			fn()
		}
	}
}

// Close stops the loop. Safe to call more than once.
func (h *Hub) Close() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
}

// Done is closed once Run has returned and every timer is cancelled.
func (h *Hub) Done() <-chan struct{} { return h.done }

// post enqueues fn without waiting for it to run. Returns false once the
// hub is stopping.
func (h *Hub) post(fn func()) bool {
	select {
	case <-h.quit:
		return false
	case <-h.done:
		return false
	default:
	}
	select {
	case h.cmds <- fn:
		return true
	case <-h.quit:
		return false
	case <-h.done:
		return false
	}
}

// do runs fn on the loop and waits for it. Returns false if the hub
// stopped before fn ran.
func (h *Hub) do(fn func()) bool {
	ran := make(chan struct{})
	if !h.post(func() { fn(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) postExpire(userID string, gen uint64) {
	h.post(func() {
		if h.presence.Expire(userID, gen) {
			h.log.Debug("presence expired", zap.String("user_id", userID))
			h.changed(userID, false)
		}
	})
}

// Register binds c to userID, marks the user active and sends the new
// connection the current snapshot. Everyone else hears about it only if the
// user just came online.
func (h *Hub) Register(userID string, c Conn) {
	h.do(func() {
		prev, prevEmpty := h.registry.Register(userID, c)
		if prev != "" && prevEmpty && h.presence.Disconnect(prev) {
			h.changed(prev, false)
		}
		h.emit(bus.KindConnOpened, bus.ConnPayload{ConnID: c.ID(), UserID: userID})
		if h.presence.Heartbeat(userID) {
			h.changed(userID, true)
			return
		}
		h.broadcaster.SendTo(c)
	})
}

// Unregister drops a connection. A user left with no connections goes
// offline at once, regardless of their timer.
func (h *Hub) Unregister(connID string) {
	h.do(func() {
		userID, empty, ok := h.registry.Unregister(connID)
		if !ok {
			return
		}
		h.emit(bus.KindConnClosed, bus.ConnPayload{ConnID: connID, UserID: userID})
		if empty && h.presence.Disconnect(userID) {
			h.changed(userID, false)
		}
	})
}

// Heartbeat refreshes a connected user's presence. Users with no live
// connection are ignored so they cannot appear online.
func (h *Hub) Heartbeat(userID string) {
	h.do(func() {
		if len(h.registry.Lookup(userID)) == 0 {
			return
		}
		if h.presence.Heartbeat(userID) {
			h.changed(userID, true)
		}
	})
}

// Deliver sends evt to every live connection of the given users, each
// connection at most once, and returns how many accepted it.
func (h *Hub) Deliver(evt Event, userIDs ...string) int {
	n := 0
	h.do(func() {
		seen := make(map[string]bool, len(userIDs))
		for _, u := range userIDs {
			if seen[u] {
				continue
			}
			seen[u] = true
			for _, c := range h.registry.Lookup(u) {
				if c.Send(evt) {
					n++
				} else {
					h.log.Warn("dropped event for slow connection",
						zap.String("conn_id", c.ID()), zap.String("type", evt.Type))
				}
			}
		}
	})
	return n
}

// Snapshot returns every known user's online flag.
func (h *Hub) Snapshot() map[string]bool {
	var snap map[string]bool
	if !h.do(func() { snap = h.presence.Snapshot() }) {
		return map[string]bool{}
	}
	return snap
}

// Owner returns the user a connection is registered to.
func (h *Hub) Owner(connID string) (string, bool) {
	var (
		u  string
		ok bool
	)
	h.do(func() { u, ok = h.registry.Owner(connID) })
	return u, ok
}

// Stats reports counters for the admin socket.
func (h *Hub) Stats() Stats {
	s := Stats{StartedAt: h.startedAt}
	h.do(func() {
		s.Connections = h.registry.Connections()
		s.Users = h.registry.Users()
		s.Online = len(h.presence.OnlineUsers())
		s.Timers = h.presence.Pending()
	})
	return s
}

func (h *Hub) changed(userID string, online bool) {
	h.log.Info("presence changed", zap.String("user_id", userID), zap.Bool("online", online))
	h.emit(bus.KindPresenceChanged, bus.PresencePayload{UserID: userID, Online: online})
	h.broadcaster.Broadcast()
}

func (h *Hub) emit(kind string, payload any) {
	if h.bus != nil {
		h.bus.Emit(kind, payload)
	}
}
