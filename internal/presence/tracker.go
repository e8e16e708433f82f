package presence

import (
	"log/slog"
	"messmini/internal/models"
	"messmini/internal/registry"
	"time"
)

// Store receives the last known presence of a user. Writes carrying a seq
// lower than the stored one must be ignored.
type Store interface {
	SetPresence(userID string, presence models.Presence, seq uint64) error
}

// Tracker derives online/offline edges from the connection registry.
// It keeps no state of its own: every answer is read through the registry.
type Tracker struct {
	registry *registry.Registry
	store    Store
	now      func() time.Time
}

func NewTracker(reg *registry.Registry, store Store) *Tracker {
	return &Tracker{
		registry: reg,
		store:    store,
		now:      time.Now,
	}
}

// Connect registers conn for userID and returns the resulting edges.
// A second device of an already online user yields nothing.
func (t *Tracker) Connect(conn models.ConnID, userID string) []models.PresenceChange {
	return t.edges(t.registry.Register(conn, userID))
}

// Disconnect unregisters conn. Unknown or already removed connections
// are a no-op and report ok == false.
func (t *Tracker) Disconnect(conn models.ConnID) (string, bool, []models.PresenceChange) {
	userID, ok, change := t.registry.Unregister(conn)
	if !ok {
		return "", false, nil
	}
	return userID, true, t.edges([]registry.Change{change})
}

func (t *Tracker) Online(userID string) bool {
	return t.registry.IsOnline(userID)
}

// Snapshot returns the IDs of every user currently online.
func (t *Tracker) Snapshot() []string {
	return t.registry.OnlineUsers()
}

func (t *Tracker) edges(changes []registry.Change) []models.PresenceChange {
	var result []models.PresenceChange
	for _, c := range changes {
		if !c.Edge() {
			continue
		}
		pc := models.PresenceChange{
			UserID:   c.UserID,
			Online:   c.Online,
			LastSeen: t.now().Unix(),
			Seq:      c.Seq,
		}
		t.persist(pc)
		result = append(result, pc)
	}
	return result
}

// persist is best effort: the in-memory transition stands even if the write fails.
func (t *Tracker) persist(pc models.PresenceChange) {
	if t.store == nil {
		return
	}
	err := t.store.SetPresence(pc.UserID, models.Presence{
		Online:   pc.Online,
		LastSeen: pc.LastSeen,
	}, pc.Seq)
	if err != nil {
		slog.Warn("failed to persist presence", "user_id", pc.UserID, "online", pc.Online, "error", err)
	}
}
