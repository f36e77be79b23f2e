package server

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/Iyara/mumble/pkg/acl"
	"github.com/Iyara/mumble/pkg/auth"
	"github.com/Iyara/mumble/pkg/datastore"
	"github.com/Iyara/mumble/pkg/model"
	"github.com/Iyara/mumble/pkg/protocol"
)

// recordConn captures every frame the server writes so tests can assert
// on the control conversation.
type recordConn struct {
	nopConn
	buf bytes.Buffer
}

func (c *recordConn) Write(p []byte) (int, error) { return c.buf.Write(p) }

// frames decodes everything written so far.
func (c *recordConn) frames(t *testing.T) map[byte][][]byte {
	t.Helper()
	out := make(map[byte][][]byte)
	r := bytes.NewReader(c.buf.Bytes())
	for r.Len() > 0 {
		msgType, payload, err := protocol.ReadFrame(r)
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		out[msgType] = append(out[msgType], payload)
	}
	return out
}

func newStoreServer(t *testing.T) *Server {
	t.Helper()
	st, err := datastore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s := New(DefaultConfig(), st)
	if err := s.loadState(); err != nil {
		t.Fatalf("loadState: %v", err)
	}
	return s
}

// connectUser attaches a fresh unauthenticated connection.
func connectUser(t *testing.T, s *Server) (*User, *recordConn) {
	t.Helper()
	conn := &recordConn{}
	u := newUser(s.pool.Get(), conn, netip.MustParseAddr("198.51.100.7"))
	if err := u.crypt.GenerateKey(); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s.users.Lock()
	s.users.Add(u)
	s.users.Unlock()
	return u, conn
}

func authPayload(t *testing.T, name, password string) []byte {
	t.Helper()
	data, err := protocol.Marshal(&protocol.Authenticate{Username: name, Password: password})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestAuthenticateAnonymous(t *testing.T) {
	s := newStoreServer(t)
	u, conn := connectUser(t, s)

	s.handleAuthenticate(u, authPayload(t, "alice", ""))

	if !u.IsAuthenticated() {
		t.Fatal("user not authenticated")
	}
	if u.UserID() != -1 {
		t.Fatalf("anonymous userID = %d", u.UserID())
	}
	if u.Channel() != s.channels.Root() {
		t.Fatal("user not placed in root")
	}

	frames := conn.frames(t)
	if len(frames[protocol.MsgCryptSetup]) == 0 {
		t.Fatal("no CryptSetup sent")
	}
	var cs protocol.CryptSetup
	if err := protocol.Unmarshal(frames[protocol.MsgCryptSetup][0], &cs); err != nil {
		t.Fatalf("unmarshal CryptSetup: %v", err)
	}
	if !bytes.Equal(cs.Key, u.crypt.Key()) {
		t.Fatal("CryptSetup key mismatch")
	}
	if len(frames[protocol.MsgChannelState]) == 0 {
		t.Fatal("no channel tree sent")
	}
	if len(frames[protocol.MsgServerSync]) != 1 {
		t.Fatal("no ServerSync sent")
	}
	var sync protocol.ServerSync
	if err := protocol.Unmarshal(frames[protocol.MsgServerSync][0], &sync); err != nil {
		t.Fatalf("unmarshal ServerSync: %v", err)
	}
	if sync.Session != u.Session() {
		t.Fatalf("ServerSync session = %d, want %d", sync.Session, u.Session())
	}
	if sync.MaxBandwidth != s.cfg.MaxBandwidth {
		t.Fatalf("ServerSync bandwidth = %d", sync.MaxBandwidth)
	}
}

func TestAuthenticateRegistered(t *testing.T) {
	s := newStoreServer(t)

	salt, _ := auth.NewSalt()
	id, err := s.store.RegisterUser("bob", auth.HashPassword("sekrit", salt), salt)
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	u, _ := connectUser(t, s)
	s.handleAuthenticate(u, authPayload(t, "bob", "sekrit"))
	if !u.IsAuthenticated() || u.UserID() != id {
		t.Fatalf("registered login: auth=%t id=%d", u.IsAuthenticated(), u.UserID())
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	s := newStoreServer(t)

	salt, _ := auth.NewSalt()
	if _, err := s.store.RegisterUser("bob", auth.HashPassword("sekrit", salt), salt); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	u, conn := connectUser(t, s)
	s.handleAuthenticate(u, authPayload(t, "bob", "wrong"))

	if u.IsAuthenticated() {
		t.Fatal("wrong password authenticated")
	}
	if u.state != StateDead {
		t.Fatal("rejected user not torn down")
	}
	if len(conn.frames(t)[protocol.MsgReject]) != 1 {
		t.Fatal("no Reject sent")
	}
	if s.metrics.FailedAuths.Load() != 1 {
		t.Fatal("failed auth not counted")
	}
}

func TestAuthenticateDuplicateName(t *testing.T) {
	s := newStoreServer(t)
	u1, _ := connectUser(t, s)
	s.handleAuthenticate(u1, authPayload(t, "alice", ""))

	u2, conn := connectUser(t, s)
	s.handleAuthenticate(u2, authPayload(t, "alice", ""))
	if u2.IsAuthenticated() {
		t.Fatal("duplicate name authenticated")
	}
	if len(conn.frames(t)[protocol.MsgReject]) != 1 {
		t.Fatal("no Reject sent for duplicate name")
	}
}

func TestAuthenticateInvalidUsername(t *testing.T) {
	s := newStoreServer(t)
	u, _ := connectUser(t, s)
	s.handleAuthenticate(u, authPayload(t, "no spaces allowed", ""))
	if u.IsAuthenticated() {
		t.Fatal("invalid username authenticated")
	}
}

func TestUserStateSelfMuteAndMove(t *testing.T) {
	s := newStoreServer(t)
	u, _ := connectUser(t, s)
	s.handleAuthenticate(u, authPayload(t, "alice", ""))

	s.users.Lock()
	den := s.channels.Add("Den", s.channels.Root())
	s.users.Unlock()

	selfDeaf := true
	cid := uint32(den.ID)
	payload, _ := protocol.Marshal(&protocol.UserState{
		SelfDeaf:  &selfDeaf,
		ChannelID: &cid,
	})
	s.handleUserState(u, payload)

	if !u.SelfDeafened || !u.SelfMuted {
		t.Fatal("self-deaf must imply self-mute")
	}
	if u.Channel() != den {
		t.Fatalf("user in %v, want Den", u.Channel().Name)
	}
	if _, ok := den.users[u.Session()]; !ok {
		t.Fatal("channel member set not updated")
	}
	if _, ok := s.channels.Root().users[u.Session()]; ok {
		t.Fatal("user still in old channel member set")
	}
}

func TestUserStateMoveDeniedWithoutEnter(t *testing.T) {
	s := newStoreServer(t)
	u, conn := connectUser(t, s)
	s.handleAuthenticate(u, authPayload(t, "alice", ""))

	u.userID = 7
	s.users.Lock()
	vault := s.channels.Add("Vault", s.channels.Root())
	vault.ACL.Rules = append(vault.ACL.Rules,
		acl.Rule{UserID: 7, ApplyHere: true, Deny: acl.Enter})
	s.clearAllCaches()
	s.users.Unlock()

	cid := uint32(vault.ID)
	payload, _ := protocol.Marshal(&protocol.UserState{ChannelID: &cid})
	s.handleUserState(u, payload)

	if u.Channel() == vault {
		t.Fatal("entered a channel without Enter")
	}
	if len(conn.frames(t)[protocol.MsgPermissionDenied]) == 0 {
		t.Fatal("no PermissionDenied sent")
	}
}

func TestMuteOtherRequiresPermission(t *testing.T) {
	s := newStoreServer(t)
	actor, conn := connectUser(t, s)
	s.handleAuthenticate(actor, authPayload(t, "actor", ""))
	victim, _ := connectUser(t, s)
	s.handleAuthenticate(victim, authPayload(t, "victim", ""))

	mute := true
	payload, _ := protocol.Marshal(&protocol.UserState{Session: victim.Session(), Mute: &mute})
	s.handleUserState(actor, payload)

	if victim.Muted {
		t.Fatal("muted without MuteDeafen permission")
	}
	if len(conn.frames(t)[protocol.MsgPermissionDenied]) == 0 {
		t.Fatal("no PermissionDenied sent")
	}

	// Grant the permission and retry.
	actor.userID = 7
	s.users.Lock()
	s.channels.Root().ACL.Rules = append(s.channels.Root().ACL.Rules,
		acl.Rule{UserID: 7, ApplyHere: true, Allow: acl.MuteDeafen})
	s.clearAllCaches()
	s.users.Unlock()

	s.handleUserState(actor, payload)
	if !victim.Muted {
		t.Fatal("mute not applied after grant")
	}
}

func TestVoiceTargetRegisterAndClear(t *testing.T) {
	s := newStoreServer(t)
	u, _ := connectUser(t, s)
	s.handleAuthenticate(u, authPayload(t, "alice", ""))

	payload, _ := protocol.Marshal(&protocol.VoiceTarget{
		ID:       2,
		Sessions: []uint32{99},
		Channels: []protocol.VoiceTargetChannel{{ChannelID: 0, Links: true}},
	})
	s.handleVoiceTarget(u, payload)

	s.users.RLock()
	wt := u.targets[2]
	s.users.RUnlock()
	if wt == nil || len(wt.Sessions) != 1 || len(wt.Channels) != 1 || !wt.Channels[0].Links {
		t.Fatalf("target slot not stored: %+v", wt)
	}

	empty, _ := protocol.Marshal(&protocol.VoiceTarget{ID: 2})
	s.handleVoiceTarget(u, empty)
	s.users.RLock()
	_, still := u.targets[2]
	s.users.RUnlock()
	if still {
		t.Fatal("empty VoiceTarget did not clear the slot")
	}

	// Out-of-range slots are ignored.
	bad, _ := protocol.Marshal(&protocol.VoiceTarget{ID: 31, Sessions: []uint32{1}})
	s.handleVoiceTarget(u, bad)
	if len(u.targets) != 0 {
		t.Fatal("out-of-range slot stored")
	}
}

func TestCryptSetupResyncAnswer(t *testing.T) {
	s := newStoreServer(t)
	u, _ := connectUser(t, s)
	s.handleAuthenticate(u, authPayload(t, "alice", ""))

	nonce := make([]byte, 16)
	for i := range nonce {
		nonce[i] = byte(0x40 + i)
	}
	payload, _ := protocol.Marshal(&protocol.CryptSetup{ClientNonce: nonce})
	s.handleCryptSetup(u, payload)

	if !bytes.Equal(u.crypt.DecryptIV(), nonce) {
		t.Fatal("client nonce not installed")
	}
}

func TestCryptSetupNonceQuery(t *testing.T) {
	s := newStoreServer(t)
	u, conn := connectUser(t, s)
	s.handleAuthenticate(u, authPayload(t, "alice", ""))
	conn.buf.Reset()

	payload, _ := protocol.Marshal(&protocol.CryptSetup{})
	s.handleCryptSetup(u, payload)

	frames := conn.frames(t)[protocol.MsgCryptSetup]
	if len(frames) != 1 {
		t.Fatalf("CryptSetup replies = %d, want 1", len(frames))
	}
	var cs protocol.CryptSetup
	if err := protocol.Unmarshal(frames[0], &cs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(cs.ServerNonce, u.crypt.EncryptIV()) {
		t.Fatal("server nonce not returned")
	}
}

func TestPingEchoesCryptStats(t *testing.T) {
	s := newStoreServer(t)
	u, conn := connectUser(t, s)
	s.handleAuthenticate(u, authPayload(t, "alice", ""))
	conn.buf.Reset()

	u.crypt.Good = 17
	u.crypt.Late = 2

	payload, _ := protocol.Marshal(&protocol.Ping{Timestamp: 12345})
	s.handlePingMsg(u, payload)

	frames := conn.frames(t)[protocol.MsgPing]
	if len(frames) != 1 {
		t.Fatal("no ping reply")
	}
	var p protocol.Ping
	if err := protocol.Unmarshal(frames[0], &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Timestamp != 12345 {
		t.Fatalf("timestamp = %d, not echoed", p.Timestamp)
	}
	if p.Good != 17 || p.Late != 2 {
		t.Fatalf("crypt stats = %d/%d, want 17/2", p.Good, p.Late)
	}
}

func TestChannelCreateRequiresMakeChannel(t *testing.T) {
	s := newStoreServer(t)
	u, conn := connectUser(t, s)
	s.handleAuthenticate(u, authPayload(t, "alice", ""))

	parent := uint32(0)
	payload, _ := protocol.Marshal(&protocol.ChannelState{Parent: &parent, Name: "Lounge"})
	s.handleChannelState(u, payload)
	if s.channels.Len() != 1 {
		t.Fatal("channel created without MakeChannel")
	}
	if len(conn.frames(t)[protocol.MsgPermissionDenied]) == 0 {
		t.Fatal("no PermissionDenied sent")
	}

	u.userID = 7
	s.users.Lock()
	s.channels.Root().ACL.Rules = append(s.channels.Root().ACL.Rules,
		acl.Rule{UserID: 7, ApplyHere: true, Allow: acl.MakeChannel})
	s.clearAllCaches()
	s.users.Unlock()

	s.handleChannelState(u, payload)
	if s.channels.Len() != 2 {
		t.Fatal("channel not created after grant")
	}

	// The channel was persisted with the id the graph uses.
	channels, err := s.store.ListChannels()
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	found := false
	for _, c := range channels {
		if c.Name == "Lounge" && s.channels.Get(c.ID) != nil {
			found = true
		}
	}
	if !found {
		t.Fatal("created channel missing from store or graph")
	}
	if s.metrics.ChannelsCreated.Load() != 1 {
		t.Fatal("creation not counted")
	}
}

func TestKickRequiresPermission(t *testing.T) {
	s := newStoreServer(t)
	actor, conn := connectUser(t, s)
	s.handleAuthenticate(actor, authPayload(t, "actor", ""))
	victim, _ := connectUser(t, s)
	s.handleAuthenticate(victim, authPayload(t, "victim", ""))

	payload, _ := protocol.Marshal(&protocol.UserRemove{Session: victim.Session(), Reason: "spam"})
	s.handleUserRemove(actor, payload)
	if victim.state == StateDead {
		t.Fatal("kicked without Kick permission")
	}
	if len(conn.frames(t)[protocol.MsgPermissionDenied]) == 0 {
		t.Fatal("no PermissionDenied sent")
	}

	actor.userID = 7
	s.users.Lock()
	s.channels.Root().ACL.Rules = append(s.channels.Root().ACL.Rules,
		acl.Rule{UserID: 7, ApplyHere: true, Allow: acl.Kick})
	s.clearAllCaches()
	s.users.Unlock()

	s.handleUserRemove(actor, payload)
	if victim.state != StateDead {
		t.Fatal("kick not applied after grant")
	}
	if s.metrics.KickCount.Load() != 1 {
		t.Fatal("kick not counted")
	}
}

func TestKickWithBanRecordsBan(t *testing.T) {
	s := newStoreServer(t)
	actor, _ := connectUser(t, s)
	s.handleAuthenticate(actor, authPayload(t, "actor", ""))
	victim, _ := connectUser(t, s)
	s.handleAuthenticate(victim, authPayload(t, "victim", ""))

	// Kick alone is not enough to ban.
	actor.userID = 7
	s.users.Lock()
	s.channels.Root().ACL.Rules = append(s.channels.Root().ACL.Rules,
		acl.Rule{UserID: 7, ApplyHere: true, Allow: acl.Kick})
	s.clearAllCaches()
	s.users.Unlock()

	payload, _ := protocol.Marshal(&protocol.UserRemove{Session: victim.Session(), Reason: "abuse", Ban: true})
	s.handleUserRemove(actor, payload)
	if victim.state == StateDead {
		t.Fatal("banned without Ban permission")
	}

	s.users.Lock()
	s.channels.Root().ACL.Rules = append(s.channels.Root().ACL.Rules,
		acl.Rule{UserID: 7, ApplyHere: true, Allow: acl.Ban})
	s.clearAllCaches()
	s.users.Unlock()

	s.handleUserRemove(actor, payload)
	if victim.state != StateDead {
		t.Fatal("ban target not removed")
	}
	if !s.isBanned(victim.host, time.Now()) {
		t.Fatal("ban not effective in memory")
	}
	bans, err := s.store.ListBans()
	if err != nil {
		t.Fatalf("ListBans: %v", err)
	}
	if len(bans) != 1 || bans[0].Reason != "abuse" {
		t.Fatalf("bans = %+v, want one for abuse", bans)
	}
}

func TestChannelRemoveMovesOccupants(t *testing.T) {
	s := newStoreServer(t)
	u, conn := connectUser(t, s)
	s.handleAuthenticate(u, authPayload(t, "alice", ""))

	ch := &model.Channel{ParentID: datastore.RootChannelID, Name: "Doomed", InheritACL: true}
	if err := s.store.CreateChannel(ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	s.users.Lock()
	den := s.channels.AddWithID(ch.ID, ch.Name, s.channels.Root())
	s.moveUser(u, den)
	s.users.Unlock()

	payload, _ := protocol.Marshal(&protocol.ChannelRemove{ID: uint32(den.ID)})
	s.handleChannelRemove(u, payload)
	if s.channels.Get(den.ID) == nil {
		t.Fatal("removed without Write permission")
	}
	if len(conn.frames(t)[protocol.MsgPermissionDenied]) == 0 {
		t.Fatal("no PermissionDenied sent")
	}

	u.userID = 7
	s.users.Lock()
	s.channels.Root().ACL.Rules = append(s.channels.Root().ACL.Rules,
		acl.Rule{UserID: 7, ApplyHere: true, ApplySubs: true, Allow: acl.Write})
	s.clearAllCaches()
	s.users.Unlock()

	s.handleChannelRemove(u, payload)
	if s.channels.Get(den.ID) != nil {
		t.Fatal("channel not removed after grant")
	}
	if u.Channel() != s.channels.Root() {
		t.Fatal("occupant not moved to the parent")
	}
	channels, err := s.store.ListChannels()
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	for _, c := range channels {
		if c.ID == den.ID {
			t.Fatal("channel still in store")
		}
	}
	if s.metrics.ChannelsDeleted.Load() != 1 {
		t.Fatal("deletion not counted")
	}
}

func TestRemoveClientIdempotent(t *testing.T) {
	s := newStoreServer(t)
	u, _ := connectUser(t, s)
	s.handleAuthenticate(u, authPayload(t, "alice", ""))

	s.removeClient(u, "test")
	s.removeClient(u, "test again")

	if s.metrics.TotalDisconnects.Load() != 1 {
		t.Fatalf("disconnects = %d, want 1", s.metrics.TotalDisconnects.Load())
	}
	s.users.RLock()
	defer s.users.RUnlock()
	if s.users.Get(u.Session()) != nil {
		t.Fatal("removed user still in registry")
	}
	if _, ok := s.channels.Root().users[u.Session()]; ok {
		t.Fatal("removed user still in channel member set")
	}
}

func TestReaderTimeoutConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Timeout <= 0 {
		t.Fatal("default timeout not positive")
	}
	if time.Duration(cfg.Timeout)*time.Second < 5*time.Second {
		t.Fatal("default timeout unreasonably short")
	}
}

var _ net.Conn = (*recordConn)(nil)
