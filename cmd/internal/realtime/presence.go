package realtime

import (
	"log/slog"
	"sync"
)

// Presence maps each online user to the single connection currently representing it.
//
// Semantics:
//   - Announce is an idempotent upsert; the last writer wins for a user id.
//   - A handle represents at most one user; re-announcing as another user releases the old entry.
//   - Remove is keyed by handle, so a stale handle never evicts the newer one that replaced it.
//
// Presence is process-local and never persisted. Cross-instance routing is the Cluster's job.
type Presence struct {
	log *slog.Logger

	mu       sync.RWMutex
	byUser   map[int64]*Client
	byHandle map[*Client]int64
}

// NewPresence constructs an empty registry.
func NewPresence(log *slog.Logger) *Presence {
	if log == nil {
		log = slog.Default()
	}
	return &Presence{
		log:      log,
		byUser:   make(map[int64]*Client),
		byHandle: make(map[*Client]int64),
	}
}

// AnnounceResult describes what an Announce changed.
type AnnounceResult struct {
	// Replaced is the previous handle of the same user, now unreachable (nil if none).
	Replaced *Client
	// Released is the user id the handle held before, now offline locally (0 if none).
	Released int64
}

// Announce records c as the live connection of userID.
func (p *Presence) Announce(userID int64, c *Client) AnnounceResult {
	if c == nil || userID <= 0 {
		return AnnounceResult{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var res AnnounceResult

	if prev, ok := p.byHandle[c]; ok && prev != userID {
		delete(p.byUser, prev)
		res.Released = prev
	}

	if old, ok := p.byUser[userID]; ok && old != c {
		delete(p.byHandle, old)
		res.Replaced = old
	}

	p.byUser[userID] = c
	p.byHandle[c] = userID

	p.log.Debug("presence.announce", "user_id", userID, "conn_id", c.ID, "replaced", res.Replaced != nil)
	return res
}

// Resolve returns the live connection of userID, if any.
func (p *Presence) Resolve(userID int64) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.byUser[userID]
	return c, ok
}

// Remove drops c from the registry.
// It returns the user c represented and true when that user went offline;
// unknown or already-replaced handles are a no-op.
func (p *Presence) Remove(c *Client) (int64, bool) {
	if c == nil {
		return 0, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	userID, ok := p.byHandle[c]
	if !ok {
		return 0, false
	}
	delete(p.byHandle, c)
	if p.byUser[userID] == c {
		delete(p.byUser, userID)
	}

	p.log.Debug("presence.remove", "user_id", userID, "conn_id", c.ID)
	return userID, true
}

// Users returns the ids of all locally present users (unordered).
func (p *Presence) Users() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]int64, 0, len(p.byUser))
	for id := range p.byUser {
		out = append(out, id)
	}
	return out
}

// Len returns the number of locally present users.
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byUser)
}
