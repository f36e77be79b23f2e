package server

import (
	"testing"

	"github.com/Iyara/mumble/pkg/acl"
	"github.com/Iyara/mumble/pkg/protocol"
)

// setTarget installs a whisper target slot directly, the way the
// VoiceTarget handler would.
func setTarget(s *Server, u *User, slot byte, wt *WhisperTarget) {
	s.users.Lock()
	s.targets.ClearSlot(u.session, slot)
	u.targets[slot] = wt
	s.users.Unlock()
}

func TestWhisperToChannel(t *testing.T) {
	s := newTestServer(t)
	root := s.channels.Root()
	ops := s.channels.Add("Ops", root)

	speaker := addUser(t, s, "speaker", root)
	inOps := addUser(t, s, "in-ops", ops)
	addUser(t, s, "bystander", root)

	setTarget(s, speaker, 1, &WhisperTarget{
		Channels: []WhisperTargetChannel{{ChannelID: ops.ID}},
	})

	route(s, speaker, voicePacket(t, 1, 1, []byte("psst"), false))

	got := drainDeliveries(t, s)
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	d := got[0]
	if d.session != inOps.session {
		t.Fatalf("whisper delivered to %d", d.session)
	}
	if d.class != protocol.ContextWhisperChannel {
		t.Fatalf("class = %d, want whisper-channel", d.class)
	}
	if d.target != 1 {
		t.Fatalf("target = %d, want the original slot", d.target)
	}
}

func TestWhisperChannelWithLinks(t *testing.T) {
	s := newTestServer(t)
	root := s.channels.Root()
	a := s.channels.Add("A", root)
	b := s.channels.Add("B", root)
	c := s.channels.Add("C", root)
	s.channels.Link(a, b)
	s.channels.Link(b, c) // closure of A reaches C through B

	speaker := addUser(t, s, "speaker", root)
	inA := addUser(t, s, "in-a", a)
	inB := addUser(t, s, "in-b", b)
	inC := addUser(t, s, "in-c", c)

	setTarget(s, speaker, 2, &WhisperTarget{
		Channels: []WhisperTargetChannel{{ChannelID: a.ID, Links: true}},
	})

	route(s, speaker, voicePacket(t, 2, 1, []byte("psst"), false))

	got := drainDeliveries(t, s)
	want := map[uint32]bool{inA.session: true, inB.session: true, inC.session: true}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %d, want %d", len(got), len(want))
	}
	for _, d := range got {
		if !want[d.session] {
			t.Fatalf("unexpected recipient %d", d.session)
		}
		if d.class != protocol.ContextWhisperChannel {
			t.Fatalf("class = %d, want whisper-channel", d.class)
		}
	}
}

func TestWhisperChannelWithChildren(t *testing.T) {
	s := newTestServer(t)
	root := s.channels.Root()
	parent := s.channels.Add("Parent", root)
	child := s.channels.Add("Child", parent)
	grand := s.channels.Add("Grand", child)

	speaker := addUser(t, s, "speaker", root)
	inParent := addUser(t, s, "in-parent", parent)
	inGrand := addUser(t, s, "in-grand", grand)

	setTarget(s, speaker, 3, &WhisperTarget{
		Channels: []WhisperTargetChannel{{ChannelID: parent.ID, Children: true}},
	})

	route(s, speaker, voicePacket(t, 3, 1, []byte("psst"), false))

	got := drainDeliveries(t, s)
	want := map[uint32]bool{inParent.session: true, inGrand.session: true}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %d, want %d", len(got), len(want))
	}
	for _, d := range got {
		if !want[d.session] {
			t.Fatalf("unexpected recipient %d", d.session)
		}
	}
}

func TestWhisperGroupFilter(t *testing.T) {
	s := newTestServer(t)
	root := s.channels.Root()
	ops := s.channels.Add("Ops", root)

	g := acl.NewGroup("oncall")
	g.Members[42] = true
	ops.ACL.Groups["oncall"] = g

	speaker := addUser(t, s, "speaker", root)
	member := addUser(t, s, "member", ops)
	outsider := addUser(t, s, "outsider", ops)
	member.userID = 42
	outsider.userID = 43

	setTarget(s, speaker, 4, &WhisperTarget{
		Channels: []WhisperTargetChannel{{ChannelID: ops.ID, Group: "oncall"}},
	})

	route(s, speaker, voicePacket(t, 4, 1, []byte("psst"), false))

	got := drainDeliveries(t, s)
	if len(got) != 1 || got[0].session != member.session {
		t.Fatalf("deliveries = %+v, want only group member %d", got, member.session)
	}
}

func TestDirectWhisperAndDedup(t *testing.T) {
	s := newTestServer(t)
	root := s.channels.Root()
	ops := s.channels.Add("Ops", root)

	speaker := addUser(t, s, "speaker", root)
	inOps := addUser(t, s, "in-ops", ops)
	elsewhere := addUser(t, s, "elsewhere", root)

	// inOps is reachable both through the channel clause and the session
	// list; it must be delivered exactly once, with the channel class.
	setTarget(s, speaker, 5, &WhisperTarget{
		Channels: []WhisperTargetChannel{{ChannelID: ops.ID}},
		Sessions: []uint32{inOps.session, elsewhere.session},
	})

	route(s, speaker, voicePacket(t, 5, 1, []byte("psst"), false))

	got := drainDeliveries(t, s)
	if len(got) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(got))
	}
	classes := map[uint32]byte{}
	for _, d := range got {
		if _, dup := classes[d.session]; dup {
			t.Fatalf("session %d delivered twice", d.session)
		}
		classes[d.session] = d.class
	}
	if classes[inOps.session] != protocol.ContextWhisperChannel {
		t.Fatalf("channel-reachable recipient class = %d", classes[inOps.session])
	}
	if classes[elsewhere.session] != protocol.ContextWhisperDirect {
		t.Fatalf("direct recipient class = %d", classes[elsewhere.session])
	}
}

func TestWhisperSelfExcluded(t *testing.T) {
	s := newTestServer(t)
	root := s.channels.Root()
	speaker := addUser(t, s, "speaker", root)

	setTarget(s, speaker, 6, &WhisperTarget{
		Channels: []WhisperTargetChannel{{ChannelID: root.ID}},
		Sessions: []uint32{speaker.session},
	})

	route(s, speaker, voicePacket(t, 6, 1, []byte("psst"), false))
	if got := drainDeliveries(t, s); len(got) != 0 {
		t.Fatalf("speaker whispered to themselves: %+v", got)
	}
}

func TestUndefinedTargetDropped(t *testing.T) {
	s := newTestServer(t)
	root := s.channels.Root()
	speaker := addUser(t, s, "speaker", root)
	addUser(t, s, "hearer", root)

	before := s.metrics.VoicePacketsDropped.Load()
	route(s, speaker, voicePacket(t, 9, 1, []byte("psst"), false))

	if got := drainDeliveries(t, s); len(got) != 0 {
		t.Fatalf("undefined slot delivered %d packets", len(got))
	}
	if s.metrics.VoicePacketsDropped.Load() != before+1 {
		t.Fatal("drop not counted")
	}
}

func TestTargetCacheMemoizesAndInvalidates(t *testing.T) {
	s := newTestServer(t)
	root := s.channels.Root()
	ops := s.channels.Add("Ops", root)
	speaker := addUser(t, s, "speaker", root)
	first := addUser(t, s, "first", ops)

	setTarget(s, speaker, 1, &WhisperTarget{
		Channels: []WhisperTargetChannel{{ChannelID: ops.ID}},
	})
	route(s, speaker, voicePacket(t, 1, 1, []byte("a"), false))
	drainDeliveries(t, s)

	s.users.RLock()
	cached := s.targets.Lookup(speaker.session, 1)
	s.users.RUnlock()
	if cached == nil {
		t.Fatal("expansion not memoized")
	}

	// A second user joins ops; the stale cache would miss them without
	// invalidation.
	second := addUser(t, s, "second", ops)
	s.users.Lock()
	s.targets.ClearUser(second.session)
	s.users.Unlock()

	route(s, speaker, voicePacket(t, 1, 2, []byte("b"), false))
	got := drainDeliveries(t, s)
	want := map[uint32]bool{first.session: true, second.session: true}
	if len(got) != len(want) {
		t.Fatalf("deliveries after join = %d, want %d", len(got), len(want))
	}
	for _, d := range got {
		if !want[d.session] {
			t.Fatalf("unexpected recipient %d", d.session)
		}
	}
}

func TestWhisperReachesUserWhoJoinedAfterCaching(t *testing.T) {
	s := newTestServer(t)
	root := s.channels.Root()
	ops := s.channels.Add("Ops", root)
	speaker := addUser(t, s, "speaker", root)
	first := addUser(t, s, "first", ops)

	setTarget(s, speaker, 1, &WhisperTarget{
		Channels: []WhisperTargetChannel{{ChannelID: ops.ID}},
	})

	// Prime the memoized expansion.
	route(s, speaker, voicePacket(t, 1, 1, []byte("a"), false))
	drainDeliveries(t, s)

	// A user moves into the targeted channel through the server path;
	// the next whisper must reach them.
	late := addUser(t, s, "late", root)
	s.users.Lock()
	s.moveUser(late, ops)
	s.users.Unlock()

	route(s, speaker, voicePacket(t, 1, 2, []byte("b"), false))
	got := drainDeliveries(t, s)
	want := map[uint32]bool{first.session: true, late.session: true}
	if len(got) != len(want) {
		t.Fatalf("deliveries after join = %d, want %d", len(got), len(want))
	}
	for _, d := range got {
		if !want[d.session] {
			t.Fatalf("unexpected recipient %d", d.session)
		}
	}
}

func TestClearUserDropsRecipientEntries(t *testing.T) {
	tr := NewTargetResolver()
	set := &targetSet{
		channel: map[uint32]*User{5: nil},
		direct:  map[uint32]*User{},
	}
	tr.Insert(1, 1, set)
	tr.Insert(2, 3, &targetSet{
		channel: map[uint32]*User{},
		direct:  map[uint32]*User{9: nil},
	})

	// Session 5 appears as a recipient of (1,1); clearing it must drop
	// that entry but leave (2,3) alone.
	tr.ClearUser(5)
	if tr.Lookup(1, 1) != nil {
		t.Fatal("entry containing cleared session survived")
	}
	if tr.Lookup(2, 3) == nil {
		t.Fatal("unrelated entry dropped")
	}

	// Clearing a sender drops its own entries.
	tr.ClearUser(2)
	if tr.Lookup(2, 3) != nil {
		t.Fatal("sender entry survived ClearUser")
	}
}
