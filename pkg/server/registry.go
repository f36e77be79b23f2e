package server

import (
	"net/netip"
	"sync"
)

// Registry indexes connected users three ways: by session id, by host
// address, and by (host, port) peer address. The embedded RWMutex is the
// users lock described in the concurrency model: the UDP datapath holds
// the read side while routing, the control loop takes the write side for
// membership changes, and the datapath upgrades to the write side only
// to migrate a newly identified peer address.
//
// The index methods themselves do no locking; callers hold the
// appropriate side. Every path that releases the read side to take the
// write side must re-verify the session still resolves to the same user
// afterwards, because the control loop may disconnect anyone in the gap.
type Registry struct {
	sync.RWMutex

	session map[uint32]*User
	host    map[netip.Addr]map[*User]struct{}
	peer    map[netip.AddrPort]*User
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		session: make(map[uint32]*User),
		host:    make(map[netip.Addr]map[*User]struct{}),
		peer:    make(map[netip.AddrPort]*User),
	}
}

// Get returns the user for a session id, or nil.
func (r *Registry) Get(session uint32) *User {
	return r.session[session]
}

// ByPeer returns the user whose voice datagrams arrive from addr, or nil.
func (r *Registry) ByPeer(addr netip.AddrPort) *User {
	return r.peer[addr]
}

// HostUsers returns the set of users connected from a host whose UDP
// port is not yet known. The returned map is live; callers only iterate.
func (r *Registry) HostUsers(host netip.Addr) map[*User]struct{} {
	return r.host[host]
}

// Add inserts a freshly connected user into the session and host indices.
func (r *Registry) Add(u *User) {
	r.session[u.session] = u
	set := r.host[u.host]
	if set == nil {
		set = make(map[*User]struct{})
		r.host[u.host] = set
	}
	set[u] = struct{}{}
}

// MigratePeer moves a user from the host index to the peer index once a
// datagram has proven which port it uses. Replaces any stale peer entry
// for the same user.
func (r *Registry) MigratePeer(u *User, addr netip.AddrPort) {
	if set := r.host[u.host]; set != nil {
		delete(set, u)
		if len(set) == 0 {
			delete(r.host, u.host)
		}
	}
	if u.udpAddr.IsValid() {
		delete(r.peer, u.udpAddr)
	}
	u.udpAddr = addr
	r.peer[addr] = u
}

// Remove drops a user from all three indices.
func (r *Registry) Remove(u *User) {
	delete(r.session, u.session)
	if set := r.host[u.host]; set != nil {
		delete(set, u)
		if len(set) == 0 {
			delete(r.host, u.host)
		}
	}
	if u.udpAddr.IsValid() {
		delete(r.peer, u.udpAddr)
	}
}

// Count returns the number of connected users.
func (r *Registry) Count() int {
	return len(r.session)
}

// All returns a snapshot slice of connected users.
func (r *Registry) All() []*User {
	out := make([]*User, 0, len(r.session))
	for _, u := range r.session {
		out = append(out, u)
	}
	return out
}
