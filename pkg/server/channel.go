package server

import (
	"errors"

	"github.com/Iyara/mumble/pkg/acl"
)

var (
	ErrChannelExists   = errors.New("server: channel id already in use")
	ErrUnknownChannel  = errors.New("server: unknown channel")
	ErrChannelNotEmpty = errors.New("server: channel has sub-channels")
	ErrChannelCycle    = errors.New("server: move would create a cycle")
)

// Channel is one node of the channel tree. Link edges are symmetric and
// may form cycles; closure queries use a visited set. The graph owns all
// channels; links and parents hold plain references that are only
// reachable through the graph.
//
// Structure and membership are guarded by the server's users lock.
type Channel struct {
	ID          int64
	Name        string
	Description string

	parent   *Channel
	children []*Channel
	links    map[int64]*Channel

	users map[uint32]*User

	ACL *acl.Set
}

func newChannel(id int64, name string) *Channel {
	return &Channel{
		ID:    id,
		Name:  name,
		links: make(map[int64]*Channel),
		users: make(map[uint32]*User),
		ACL:   acl.NewSet(),
	}
}

// Parent returns the parent channel, nil at the root.
func (c *Channel) Parent() *Channel { return c.parent }

// IsEmpty reports whether no user is present.
func (c *Channel) IsEmpty() bool { return len(c.users) == 0 }

// AllLinks returns the closure of c under the link relation, including c
// itself. Breadth-first with a visited set; link cycles terminate.
func (c *Channel) AllLinks() map[int64]*Channel {
	seen := map[int64]*Channel{c.ID: c}
	queue := []*Channel{c}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for id, l := range cur.links {
			if _, ok := seen[id]; !ok {
				seen[id] = l
				queue = append(queue, l)
			}
		}
	}
	return seen
}

// AllChildren returns every transitive sub-channel of c, excluding c.
func (c *Channel) AllChildren() map[int64]*Channel {
	out := make(map[int64]*Channel)
	queue := append([]*Channel(nil), c.children...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out[cur.ID] = cur
		queue = append(queue, cur.children...)
	}
	return out
}

// ChannelGraph is the in-memory channel tree with link edges.
type ChannelGraph struct {
	channels map[int64]*Channel
	root     *Channel
	nextID   int64
}

// NewChannelGraph returns a graph containing only a root channel.
func NewChannelGraph(rootName string) *ChannelGraph {
	root := newChannel(0, rootName)
	return &ChannelGraph{
		channels: map[int64]*Channel{0: root},
		root:     root,
		nextID:   1,
	}
}

// Root returns the root channel.
func (g *ChannelGraph) Root() *Channel { return g.root }

// Get returns a channel by id, or nil.
func (g *ChannelGraph) Get(id int64) *Channel { return g.channels[id] }

// Len returns the number of channels.
func (g *ChannelGraph) Len() int { return len(g.channels) }

// Add creates a channel under parent and returns it.
func (g *ChannelGraph) Add(name string, parent *Channel) *Channel {
	id := g.nextID
	g.nextID++
	return g.AddWithID(id, name, parent)
}

// AddWithID inserts a channel with a fixed id, used when loading the
// persisted tree. Panics on a duplicate id would hide store corruption,
// so it returns the existing channel instead.
func (g *ChannelGraph) AddWithID(id int64, name string, parent *Channel) *Channel {
	if existing, ok := g.channels[id]; ok {
		return existing
	}
	if id >= g.nextID {
		g.nextID = id + 1
	}
	c := newChannel(id, name)
	c.parent = parent
	if parent != nil {
		parent.children = append(parent.children, c)
	}
	g.channels[id] = c
	return c
}

// Remove deletes a leaf channel from the graph, detaching its links.
// Channels with sub-channels must have them removed (or reparented)
// first. Present users are the caller's problem: the server moves them
// to the parent before calling Remove.
func (g *ChannelGraph) Remove(c *Channel) error {
	if g.channels[c.ID] != c {
		return ErrUnknownChannel
	}
	if c == g.root {
		return ErrChannelNotEmpty
	}
	if len(c.children) > 0 {
		return ErrChannelNotEmpty
	}
	for _, l := range c.links {
		delete(l.links, c.ID)
	}
	if p := c.parent; p != nil {
		for i, sib := range p.children {
			if sib == c {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}
	delete(g.channels, c.ID)
	return nil
}

// SetParent reparents a channel. Moving a channel under one of its own
// descendants would detach a subtree, so that is refused.
func (g *ChannelGraph) SetParent(c, parent *Channel) error {
	if c == g.root {
		return ErrChannelNotEmpty
	}
	for p := parent; p != nil; p = p.parent {
		if p == c {
			return ErrChannelCycle
		}
	}
	if old := c.parent; old != nil {
		for i, sib := range old.children {
			if sib == c {
				old.children = append(old.children[:i], old.children[i+1:]...)
				break
			}
		}
	}
	c.parent = parent
	parent.children = append(parent.children, c)
	return nil
}

// Link records a symmetric link between two channels.
func (g *ChannelGraph) Link(a, b *Channel) {
	if a == b {
		return
	}
	a.links[b.ID] = b
	b.links[a.ID] = a
}

// Unlink removes the link edge between two channels.
func (g *ChannelGraph) Unlink(a, b *Channel) {
	delete(a.links, b.ID)
	delete(b.links, a.ID)
}

// ACLChain returns the ACL sets from the root down to c, the order
// acl.Evaluate expects.
func (g *ChannelGraph) ACLChain(c *Channel) []*acl.Set {
	var rev []*acl.Set
	for cur := c; cur != nil; cur = cur.parent {
		rev = append(rev, cur.ACL)
	}
	chain := make([]*acl.Set, len(rev))
	for i, set := range rev {
		chain[len(rev)-1-i] = set
	}
	return chain
}
