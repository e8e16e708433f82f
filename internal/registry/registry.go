package registry

import (
	"messmini/internal/models"
	"sort"
	"sync"
)

// Change describes how one registry mutation affected a user's online state.
// WasOnline and Online are observed under the same lock as the mutation.
type Change struct {
	UserID    string
	WasOnline bool
	Online    bool
	// Seq is the user's edge counter after the mutation.
	Seq uint64
}

// Edge reports whether the change crossed between zero and a positive
// number of connections.
func (c Change) Edge() bool {
	return c.WasOnline != c.Online
}

// Registry maps live connections to users and back. It is the only
// source of truth for who is online.
type Registry struct {
	// Map of connID -> userID
	byConn map[models.ConnID]string

	// Map of userID -> set of connIDs
	byUser map[string]map[models.ConnID]struct{}

	// Map of userID -> number of presence edges seen so far
	seq map[string]uint64

	mu sync.RWMutex
}

func New() *Registry {
	return &Registry{
		byConn: make(map[models.ConnID]string),
		byUser: make(map[string]map[models.ConnID]struct{}),
		seq:    make(map[string]uint64),
	}
}

// Register binds conn to userID. Registering a known connection replaces
// its binding, in which case the previous owner is reported first.
func (r *Registry) Register(conn models.ConnID, userID string) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []Change

	if prev, ok := r.byConn[conn]; ok {
		if prev == userID {
			return []Change{r.changeLocked(userID, true, true)}
		}
		wasOnline := len(r.byUser[prev]) > 0
		r.unbindLocked(conn, prev)
		changes = append(changes, r.changeLocked(prev, wasOnline, len(r.byUser[prev]) > 0))
	}

	wasOnline := len(r.byUser[userID]) > 0
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[models.ConnID]struct{})
		r.byUser[userID] = conns
	}
	conns[conn] = struct{}{}
	r.byConn[conn] = userID

	return append(changes, r.changeLocked(userID, wasOnline, true))
}

// Unregister removes the binding of conn. It is safe to call repeatedly:
// an unknown connection yields ok == false and a zero Change.
func (r *Registry) Unregister(conn models.ConnID) (string, bool, Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[conn]
	if !ok {
		return "", false, Change{}
	}

	r.unbindLocked(conn, userID)
	return userID, true, r.changeLocked(userID, true, len(r.byUser[userID]) > 0)
}

// ConnectionsFor returns a copy of the user's live connections.
func (r *Registry) ConnectionsFor(userID string) []models.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	result := make([]models.ConnID, 0, len(conns))
	for c := range conns {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// UserOf returns the user bound to conn.
func (r *Registry) UserOf(conn models.ConnID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[conn]
	return userID, ok
}

// OnlineUsers returns the sorted IDs of all users with at least one connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *Registry) unbindLocked(conn models.ConnID, userID string) {
	delete(r.byConn, conn)
	conns := r.byUser[userID]
	delete(conns, conn)
	if len(conns) == 0 {
		delete(r.byUser, userID)
	}
}

func (r *Registry) changeLocked(userID string, wasOnline, online bool) Change {
	if wasOnline != online {
		r.seq[userID]++
	}
	return Change{
		UserID:    userID,
		WasOnline: wasOnline,
		Online:    online,
		Seq:       r.seq[userID],
	}
}
