package realtime

// Broadcaster pushes the full presence snapshot to every live connection.
// It holds no state of its own.
type Broadcaster struct {
	registry *Registry
	presence *Presence
}

// NewBroadcaster relays presence from p to the connections in r.
func NewBroadcaster(r *Registry, p *Presence) *Broadcaster {
	return &Broadcaster{registry: r, presence: p}
}

// Broadcast sends onlineUsers to all connections and returns how many
// accepted it.
func (b *Broadcaster) Broadcast() int {
	evt := b.snapshotEvent()
	n := 0
	for _, c := range b.registry.All() {
		if c.Send(evt) {
			n++
		}
	}
	return n
}

// SendTo delivers the snapshot to one connection.
func (b *Broadcaster) SendTo(c Conn) bool {
	return c.Send(b.snapshotEvent())
}

func (b *Broadcaster) snapshotEvent() Event {
	return Event{Type: EventOnlineUsers, Payload: b.presence.Snapshot()}
}
