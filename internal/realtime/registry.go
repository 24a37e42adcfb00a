package realtime

import "sort"

// Registry maps users to their live connections. A user may hold several
// connections at once, one per device. Not safe for concurrent use; the Hub
// serializes access.
type Registry struct {
	byUser map[string]map[string]Conn
	owner  map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]Conn),
		owner:  make(map[string]string),
	}
}

// Register adds c to userID's set. A connection registered under another
// user is moved; the returned string names the user it left ("" if none)
// and nowEmpty reports whether that user has no connections left.
func (r *Registry) Register(userID string, c Conn) (prevUser string, nowEmpty bool) {
	id := c.ID()
	if prev, ok := r.owner[id]; ok && prev != userID {
		_, nowEmpty, _ = r.Unregister(id)
		prevUser = prev
	}
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]Conn)
		r.byUser[userID] = set
	}
	set[id] = c
	r.owner[id] = userID
	return prevUser, nowEmpty
}

// Unregister removes a connection from whichever user owns it. ok is false
// for an unknown connection.
func (r *Registry) Unregister(connID string) (userID string, nowEmpty, ok bool) {
	userID, ok = r.owner[connID]
	if !ok {
		return "", false, false
	}
	delete(r.owner, connID)
	set := r.byUser[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byUser, userID)
		return userID, true, true
	}
	return userID, false, true
}

// Owner returns the user a connection is registered to.
func (r *Registry) Owner(connID string) (string, bool) {
	u, ok := r.owner[connID]
	return u, ok
}

// Lookup returns userID's live connections ordered by id.
func (r *Registry) Lookup(userID string) []Conn {
	return sorted(r.byUser[userID])
}

// All returns every live connection ordered by id.
func (r *Registry) All() []Conn {
	out := make([]Conn, 0, len(r.owner))
	for _, set := range r.byUser {
		for _, c := range set {
			out = append(out, c)
		}
	}
	sortConns(out)
	return out
}

// Connections reports the number of live connections.
func (r *Registry) Connections() int { return len(r.owner) }

// Users reports the number of users with at least one connection.
func (r *Registry) Users() int { return len(r.byUser) }

func sorted(set map[string]Conn) []Conn {
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sortConns(out)
	return out
}

func sortConns(cs []Conn) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID() < cs[j].ID() })
}
