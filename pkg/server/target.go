package server

import "github.com/Iyara/mumble/pkg/acl"

// WhisperTargetChannel is one channel clause of a whisper target: a
// channel, optionally widened to its link closure and/or its transitive
// children, optionally narrowed to members of a named group.
type WhisperTargetChannel struct {
	ChannelID int64
	Links     bool
	Children  bool
	Group     string
}

// WhisperTarget is a user-configured recipient specification bound to a
// target slot 1..30.
type WhisperTarget struct {
	Channels []WhisperTargetChannel
	Sessions []uint32
}

// IsEmpty reports whether the target names no recipients at all.
func (wt *WhisperTarget) IsEmpty() bool {
	return len(wt.Channels) == 0 && len(wt.Sessions) == 0
}

type targetKey struct {
	session uint32
	target  byte
}

// targetSet is a resolved recipient pair. The two sets are disjoint:
// a session reachable through a channel clause never appears in direct.
type targetSet struct {
	channel map[uint32]*User
	direct  map[uint32]*User
}

// TargetResolver expands whisper targets into recipient sets and
// memoizes the result per (session, target).
//
// The cache map is guarded by the users lock, like the per-user state it
// is derived from: the datapath reads it under the shared side and must
// upgrade to the exclusive side to insert, re-verifying the sender still
// exists on both sides of the gap. Invalidation runs under the
// exclusive side from the control loop.
type TargetResolver struct {
	cache map[targetKey]*targetSet
}

// NewTargetResolver returns an empty resolver.
func NewTargetResolver() *TargetResolver {
	return &TargetResolver{cache: make(map[targetKey]*targetSet)}
}

// Lookup returns the memoized recipient set, or nil.
func (tr *TargetResolver) Lookup(session uint32, target byte) *targetSet {
	return tr.cache[targetKey{session, target}]
}

// Insert memoizes a resolved set. Callers hold the exclusive users lock.
func (tr *TargetResolver) Insert(session uint32, target byte, set *targetSet) {
	tr.cache[targetKey{session, target}] = set
}

// ClearUser drops every memoized set computed for one sender, and every
// set that could contain the user as a recipient. Membership changes of
// any user can alter anyone's recipient sets, so this clears all entries
// whose sets mention the session as well as the sender's own.
func (tr *TargetResolver) ClearUser(session uint32) {
	for key, set := range tr.cache {
		if key.session == session {
			delete(tr.cache, key)
			continue
		}
		if _, ok := set.channel[session]; ok {
			delete(tr.cache, key)
			continue
		}
		if _, ok := set.direct[session]; ok {
			delete(tr.cache, key)
		}
	}
}

// ClearSlot drops the memoized set for one (sender, slot), used when the
// client redefines that slot.
func (tr *TargetResolver) ClearSlot(session uint32, target byte) {
	delete(tr.cache, targetKey{session, target})
}

// ClearAll drops every memoized set: channel graph or ACL changes
// invalidate arbitrary expansions.
func (tr *TargetResolver) ClearAll() {
	clear(tr.cache)
}

// resolve computes the recipient pair for sender u and target wt.
// Callers hold at least the read side of the users lock.
func (tr *TargetResolver) resolve(s *Server, u *User, wt *WhisperTarget) *targetSet {
	set := &targetSet{
		channel: make(map[uint32]*User),
		direct:  make(map[uint32]*User),
	}

	for _, wtc := range wt.Channels {
		c := s.channels.Get(wtc.ChannelID)
		if c == nil {
			continue
		}

		link := wtc.Links && len(c.links) > 0
		children := wtc.Children && len(c.children) > 0
		group := wtc.Group != ""

		if !link && !children && !group {
			// Common case: one channel, no closure, no group filter.
			if s.perms.HasPermission(s.channels, u, c, acl.Whisper) {
				for _, dst := range c.users {
					set.channel[dst.session] = dst
				}
			}
			continue
		}

		var expansion map[int64]*Channel
		if link {
			expansion = c.AllLinks()
		} else {
			expansion = map[int64]*Channel{c.ID: c}
		}
		if children {
			for id, sub := range c.AllChildren() {
				expansion[id] = sub
			}
		}

		for _, tc := range expansion {
			if !s.perms.HasPermission(s.channels, u, tc, acl.Whisper) {
				continue
			}
			for _, dst := range tc.users {
				if group && !tc.ACL.IsMember(wtc.Group, dst.userID) {
					continue
				}
				set.channel[dst.session] = dst
			}
		}
	}

	for _, session := range wt.Sessions {
		dst := s.users.Get(session)
		if dst == nil {
			continue
		}
		if _, already := set.channel[session]; !already {
			set.direct[session] = dst
		}
	}

	// The speaker never whispers to themselves.
	delete(set.channel, u.session)
	delete(set.direct, u.session)

	return set
}
