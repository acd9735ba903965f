package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"courier/internal/ws"
)

// Broadcaster fans the online-identity set out to every live connection,
// authenticated or not. It holds no presence state of its own; the set it
// sends always comes from a registry snapshot.
type Broadcaster struct {
	mu    sync.Mutex
	conns map[*session]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		conns: make(map[*session]struct{}),
	}
}

func (b *Broadcaster) Track(sess *session) {
	b.mu.Lock()
	b.conns[sess] = struct{}{}
	b.mu.Unlock()
}

func (b *Broadcaster) Untrack(sess *session) {
	b.mu.Lock()
	delete(b.conns, sess)
	b.mu.Unlock()
}

// Broadcast sends the identity set to all tracked connections. Delivery is
// non-blocking per connection; one slow or dead peer never stalls the
// fan-out or aborts delivery to the rest.
func (b *Broadcaster) Broadcast(identities []string) {
	data, err := json.Marshal(ws.UserList{Type: ws.TypeUserList, Users: identities})
	if err != nil {
		return
	}

	b.mu.Lock()
	conns := make([]*session, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if !c.deliver(data) {
			slog.Debug("presence update dropped", "conn", c.id)
		}
	}
}

// Count returns the number of tracked connections.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}
