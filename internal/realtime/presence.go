package realtime

import (
	"sort"
	"time"
)

// Status is a user's presence state.
type Status string

const (
	Offline Status = "OFFLINE"
	Online  Status = "ONLINE"
)

// Trigger is an input to the presence state machine.
type Trigger string

const (
	TriggerHeartbeat  Trigger = "heartbeat"
	TriggerExpiry     Trigger = "expiry"
	TriggerDisconnect Trigger = "disconnect"
)

// transitions lists, per state, where each accepted trigger leads. Triggers
// missing from a state's row are ignored.
var transitions = map[Status]map[Trigger]Status{
	Offline: {TriggerHeartbeat: Online},
	Online:  {TriggerHeartbeat: Online, TriggerExpiry: Offline, TriggerDisconnect: Offline},
}

// Scheduler runs f once after d and returns a function that cancels it.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

// AfterFunc is the wall-clock Scheduler.
func AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type presenceEntry struct {
	status       Status
	lastActivity time.Time
	gen          uint64
	stop         func() bool
}

// Presence is the per-user online/offline state machine. Each online user
// owns one expiry timer; every heartbeat re-arms it under a new generation
// so a firing that raced the heartbeat is recognized as stale. Not safe for
// concurrent use; the Hub serializes access and routes timer firings back
// through its loop via onExpire.
type Presence struct {
	timeout  time.Duration
	schedule Scheduler
	now      func() time.Time
	onExpire func(userID string, gen uint64)
	entries  map[string]*presenceEntry
}

// NewPresence creates a tracker. onExpire is invoked from the scheduler's
// goroutine when a timer fires; it must hand the call to Expire on the
// owning goroutine.
func NewPresence(timeout time.Duration, schedule Scheduler, now func() time.Time, onExpire func(userID string, gen uint64)) *Presence {
	if schedule == nil {
		schedule = AfterFunc
	}
	if now == nil {
		now = time.Now
	}
	return &Presence{
		timeout:  timeout,
		schedule: schedule,
		now:      now,
		onExpire: onExpire,
		entries:  make(map[string]*presenceEntry),
	}
}

// Heartbeat records activity and re-arms the user's expiry timer. Reports
// whether the user just came online.
func (p *Presence) Heartbeat(userID string) bool {
	e := p.entry(userID)
	from, ok := p.apply(e, TriggerHeartbeat)
	if !ok {
		return false
	}
	e.lastActivity = p.now()
	p.arm(userID, e)
	return from != Online
}

// Disconnect takes the user offline immediately, cancelling the timer.
// Reports whether the status changed.
func (p *Presence) Disconnect(userID string) bool {
	e, ok := p.entries[userID]
	if !ok {
		return false
	}
	if _, ok := p.apply(e, TriggerDisconnect); !ok {
		return false
	}
	p.disarm(e)
	return true
}

// Expire handles a timer firing armed under gen. Stale generations are
// ignored. Reports whether the user went offline.
func (p *Presence) Expire(userID string, gen uint64) bool {
	e, ok := p.entries[userID]
	if !ok || e.gen != gen || e.stop == nil {
		return false
	}
	e.stop = nil
	_, ok = p.apply(e, TriggerExpiry)
	return ok
}

// Status returns the user's current state.
func (p *Presence) Status(userID string) Status {
	if e, ok := p.entries[userID]; ok {
		return e.status
	}
	return Offline
}

// LastActivity returns the time of the user's latest heartbeat.
func (p *Presence) LastActivity(userID string) (time.Time, bool) {
	e, ok := p.entries[userID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastActivity, true
}

// Snapshot returns every user ever seen with whether they are online now.
func (p *Presence) Snapshot() map[string]bool {
	out := make(map[string]bool, len(p.entries))
	for u, e := range p.entries {
		out[u] = e.status == Online
	}
	return out
}

// OnlineUsers returns the online user ids, sorted.
func (p *Presence) OnlineUsers() []string {
	var out []string
	for u, e := range p.entries {
		if e.status == Online {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// Pending reports how many expiry timers are armed.
func (p *Presence) Pending() int {
	n := 0
	for _, e := range p.entries {
		if e.stop != nil {
			n++
		}
	}
	return n
}

// StopAll cancels every outstanding timer.
func (p *Presence) StopAll() {
	for _, e := range p.entries {
		p.disarm(e)
	}
}

func (p *Presence) entry(userID string) *presenceEntry {
	e, ok := p.entries[userID]
	if !ok {
		e = &presenceEntry{status: Offline}
		p.entries[userID] = e
	}
	return e
}

func (p *Presence) apply(e *presenceEntry, t Trigger) (from Status, ok bool) {
	to, ok := transitions[e.status][t]
	if !ok {
		return e.status, false
	}
	from = e.status
	e.status = to
	return from, true
}

func (p *Presence) arm(userID string, e *presenceEntry) {
	p.disarm(e)
	e.gen++
	gen := e.gen
	e.stop = p.schedule(p.timeout, func() {
		if p.onExpire != nil {
			p.onExpire(userID, gen)
		}
	})
}

func (p *Presence) disarm(e *presenceEntry) {
	if e.stop != nil {
		e.stop()
		e.stop = nil
	}
}
