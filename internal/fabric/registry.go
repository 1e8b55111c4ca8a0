package fabric

import (
	"sync"

	"github.com/lattice-mesh/fabric/internal/session"
)

// Channel is a named multi-session group for fan-out within a node (spec
// §3). It is created lazily on first join and removed once empty.
type Channel struct {
	mu      sync.RWMutex
	members map[uint64]*session.Session
}

func newChannel() *Channel {
	return &Channel{members: make(map[uint64]*session.Session)}
}

func (c *Channel) add(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[s.ID()] = s
}

func (c *Channel) remove(id uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, id)
	return len(c.members)
}

// Count returns the channel's current member count.
func (c *Channel) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

func (c *Channel) each(fn func(*session.Session)) {
	c.mu.RLock()
	members := make([]*session.Session, 0, len(c.members))
	for _, s := range c.members {
		members = append(members, s)
	}
	c.mu.RUnlock()
	for _, s := range members {
		fn(s)
	}
}

// registries bundles the four process-local, mutex-guarded maps the spec
// names in §3: sockets (every accepted connection), sessions (UID-bound
// only), channels, and clusters. Clusters live in the separate
// internal/cluster package; the Server only tracks the first three here.
type registries struct {
	mu       sync.RWMutex
	sockets  map[uint64]*session.Session
	sessions map[string]*session.Session
	channels map[string]*Channel
}

func newRegistries() *registries {
	return &registries{
		sockets:  make(map[uint64]*session.Session),
		sessions: make(map[string]*session.Session),
		channels: make(map[string]*Channel),
	}
}

func (r *registries) addSocket(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[s.ID()] = s
}

func (r *registries) removeSocket(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, id)
}

func (r *registries) eachSocket(fn func(*session.Session)) {
	r.mu.RLock()
	sockets := make([]*session.Session, 0, len(r.sockets))
	for _, s := range r.sockets {
		sockets = append(sockets, s)
	}
	r.mu.RUnlock()
	for _, s := range sockets {
		fn(s)
	}
}

func (r *registries) bindUID(uid string, s *session.Session) (displaced *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	displaced = r.sessions[uid]
	r.sessions[uid] = s
	return displaced
}

func (r *registries) unbindUID(uid string, expect *session.Session) {
	if uid == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[uid]; ok && (expect == nil || current == expect) {
		delete(r.sessions, uid)
	}
}

func (r *registries) lookupUID(uid string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[uid]
	return s, ok
}

func (r *registries) joinChannel(gid string, s *session.Session) {
	r.mu.Lock()
	ch, ok := r.channels[gid]
	if !ok {
		ch = newChannel()
		r.channels[gid] = ch
	}
	r.mu.Unlock()
	ch.add(s)
	s.JoinChannel(gid)
}

func (r *registries) quitChannel(gid string, s *session.Session) {
	r.mu.RLock()
	ch, ok := r.channels[gid]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if remaining := ch.remove(s.ID()); remaining == 0 {
		r.mu.Lock()
		delete(r.channels, gid)
		r.mu.Unlock()
	}
	s.QuitChannel(gid)
}

func (r *registries) channel(gid string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[gid]
	return ch, ok
}

// snapshotCounts returns the live socket count, UID-bound count, and
// channel count, for the admin metrics surface.
func (r *registries) snapshotCounts() (sockets, bound, channels int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets), len(r.sessions), len(r.channels)
}
