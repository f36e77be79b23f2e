// Package acl implements per-channel access rules and named groups.
//
// A channel carries an ordered list of rules. Each rule names either a
// user id or a group defined on the same channel, and grants or revokes a
// set of permission bits. Evaluation walks the chain of ACL sets from the
// root channel down to the target channel: rules on ancestors apply to a
// channel when marked ApplySubs, rules on the channel itself when marked
// ApplyHere. Later rules override earlier ones.
package acl

// Permission is a bitset of channel capabilities.
type Permission uint32

const (
	None        Permission = 0
	Write       Permission = 1 << iota // edit the channel's ACL
	Traverse                           // pass through on the way to a sub-channel
	Enter                              // join the channel
	Speak                              // normal speech heard in the channel
	Whisper                            // be a whisper recipient set member
	MuteDeafen                         // mute or deafen others
	Move                               // move other users
	MakeChannel                        // create sub-channels
	LinkChannel                        // link or unlink the channel
	TextMessage                        // send text to the channel
	Kick                               // remove users from the server
	Ban                                // ban users
)

// DefaultPermissions is what an unmatched user can do.
const DefaultPermissions = Traverse | Enter | Speak | Whisper | TextMessage

// AllPermissions is granted to the superuser.
const AllPermissions = ^Permission(0)

// Group is a named set of user ids scoped to one channel.
type Group struct {
	Name    string
	Members map[int64]bool
}

// NewGroup returns an empty group.
func NewGroup(name string) *Group {
	return &Group{Name: name, Members: make(map[int64]bool)}
}

// Rule is one ACL entry. Exactly one of UserID (>= 0) or Group is the
// subject; UserID -1 means the rule targets a group.
type Rule struct {
	UserID    int64
	Group     string
	ApplyHere bool
	ApplySubs bool
	Allow     Permission
	Deny      Permission
}

// Set is the ACL state attached to one channel.
type Set struct {
	// InheritACL controls whether ancestor rules reach this channel and
	// below. When false, evaluation restarts from the defaults here.
	InheritACL bool
	Rules      []Rule
	Groups     map[string]*Group
}

// NewSet returns an empty inheriting ACL set.
func NewSet() *Set {
	return &Set{InheritACL: true, Groups: make(map[string]*Group)}
}

// IsMember reports whether a user id belongs to a named group of this set.
// Anonymous users (negative ids) are never group members.
func (s *Set) IsMember(group string, userID int64) bool {
	if userID < 0 {
		return false
	}
	g, ok := s.Groups[group]
	return ok && g.Members[userID]
}

// matches reports whether a rule's subject covers the user, resolving a
// group subject against the set the rule is defined on.
func (r *Rule) matches(defined *Set, userID int64) bool {
	if r.Group != "" {
		return defined.IsMember(r.Group, userID)
	}
	return r.UserID >= 0 && r.UserID == userID
}

// HasPermission evaluates perm for userID over the root-to-target chain
// of ACL sets. chain[len-1] is the target channel's set.
func HasPermission(chain []*Set, userID int64, perm Permission) bool {
	return Evaluate(chain, userID)&perm == perm
}

// Evaluate computes the full permission bitset for userID at the channel
// whose ACL set is last in chain.
func Evaluate(chain []*Set, userID int64) Permission {
	// Find the closest non-inheriting set; nothing above it applies.
	start := 0
	for i := len(chain) - 1; i > 0; i-- {
		if !chain[i].InheritACL {
			start = i
			break
		}
	}

	granted := DefaultPermissions
	last := len(chain) - 1
	for i := start; i < len(chain); i++ {
		set := chain[i]
		for j := range set.Rules {
			rule := &set.Rules[j]
			if i == last && !rule.ApplyHere {
				continue
			}
			if i != last && !rule.ApplySubs {
				continue
			}
			if !rule.matches(set, userID) {
				continue
			}
			granted &^= rule.Deny
			granted |= rule.Allow
		}
	}
	return granted
}
