package relay

import (
	"sort"
	"sync"
)

// Registry is the single source of truth for who is online: identity →
// live session. Only the connection lifecycle code mutates it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
	}
}

// Register binds identity to sess, unconditionally superseding any existing
// entry (last writer wins). Returns the displaced session, if any; the
// caller owns closing its transport.
func (r *Registry) Register(identity string, sess *session) (displaced *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.sessions[identity]
	r.sessions[identity] = sess
	if old == sess {
		return nil
	}
	return old
}

// Unregister removes the entry for identity only if it still points at sess.
// The compare-and-delete keeps a stale disconnect from a superseded
// connection from erasing a newer session. Reports whether an entry was
// removed.
func (r *Registry) Unregister(identity string, sess *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[identity] != sess {
		return false
	}
	delete(r.sessions, identity)
	return true
}

// Lookup returns the live session for identity, or nil.
func (r *Registry) Lookup(identity string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[identity]
}

// Snapshot returns a consistent point-in-time view of all online
// identities, sorted.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	identities := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		identities = append(identities, id)
	}
	r.mu.RUnlock()
	sort.Strings(identities)
	return identities
}

// Count returns the number of online identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
