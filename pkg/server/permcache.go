package server

import (
	"sync"

	"github.com/Iyara/mumble/pkg/acl"
)

// PermissionCache memoizes evaluated permission bitsets per
// (session, channel). Its mutex is always acquired while the caller
// already holds at least the read side of the users lock, and no other
// lock is taken inside it.
//
// Invalidation scopes: one user (group membership or registration
// changed) or everything (ACL structure changed). Whoever invalidates a
// user here must also drop that user's whisper target cache, because
// target expansion bakes permission results in; Server.clearUserCaches
// is the single place that does both.
type PermissionCache struct {
	mu    sync.Mutex
	perms map[uint32]map[int64]acl.Permission
}

// NewPermissionCache returns an empty cache.
func NewPermissionCache() *PermissionCache {
	return &PermissionCache{perms: make(map[uint32]map[int64]acl.Permission)}
}

// Evaluate returns the permission bitset for u on c, computing and
// memoizing on miss.
func (pc *PermissionCache) Evaluate(g *ChannelGraph, u *User, c *Channel) acl.Permission {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	byChannel := pc.perms[u.session]
	if byChannel != nil {
		if p, ok := byChannel[c.ID]; ok {
			return p
		}
	} else {
		byChannel = make(map[int64]acl.Permission)
		pc.perms[u.session] = byChannel
	}

	p := acl.Evaluate(g.ACLChain(c), u.userID)
	byChannel[c.ID] = p
	return p
}

// HasPermission reports whether u holds perm on c.
func (pc *PermissionCache) HasPermission(g *ChannelGraph, u *User, c *Channel, perm acl.Permission) bool {
	return pc.Evaluate(g, u, c)&perm == perm
}

// ClearUser drops all cached entries for one session.
func (pc *PermissionCache) ClearUser(session uint32) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.perms, session)
}

// ClearChannel drops entries referencing one channel, for channel
// deletion: a cache entry must never outlive its channel.
func (pc *PermissionCache) ClearChannel(id int64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, byChannel := range pc.perms {
		delete(byChannel, id)
	}
}

// ClearAll drops everything, for ACL structural changes.
func (pc *PermissionCache) ClearAll() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.perms = make(map[uint32]map[int64]acl.Permission)
}

// Len returns the number of sessions with cached entries.
func (pc *PermissionCache) Len() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.perms)
}
