package server

import (
	"errors"
	"log/slog"
	"net/netip"
	"runtime"
	"time"

	"github.com/Iyara/mumble/pkg/acl"
	"github.com/Iyara/mumble/pkg/auth"
	"github.com/Iyara/mumble/pkg/datastore"
	"github.com/Iyara/mumble/pkg/model"
	"github.com/Iyara/mumble/pkg/protocol"
	"github.com/Iyara/mumble/pkg/version"
)

// writeTimeout bounds one control write. A client that cannot drain its
// socket within this is torn down by its reader deadline soon after.
const writeTimeout = 10 * time.Second

// readerLoop reads control frames off one TLS connection and forwards
// them to the control loop. The read deadline doubles as the idle
// timeout: a silent client is disconnected without a separate sweep.
func (s *Server) readerLoop(u *User) {
	defer s.netwg.Done()
	timeout := time.Duration(s.cfg.Timeout) * time.Second
	for {
		_ = u.conn.SetReadDeadline(time.Now().Add(timeout))
		kind, payload, err := protocol.ReadFrame(u.conn)
		select {
		case s.incoming <- clientMessage{u: u, kind: kind, payload: payload, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handlerLoop is the control loop: a single goroutine that owns every
// control-plane mutation. Reader goroutines and the datapath feed it
// through channels, so handlers never race each other.
func (s *Server) handlerLoop() {
	defer s.netwg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.incoming:
			s.handleMessage(msg)
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleMessage(msg clientMessage) {
	u := msg.u
	if msg.err != nil {
		s.removeClient(u, "connection closed")
		return
	}

	if u.state == StateDead {
		return
	}

	switch msg.kind {
	case protocol.MsgVersion:
		s.handleVersion(u, msg.payload)
	case protocol.MsgAuthenticate:
		s.handleAuthenticate(u, msg.payload)
	case protocol.MsgUDPTunnel:
		s.handleTunnel(u, msg.payload)
	case protocol.MsgUserState:
		s.handleUserState(u, msg.payload)
	case protocol.MsgVoiceTarget:
		s.handleVoiceTarget(u, msg.payload)
	case protocol.MsgCryptSetup:
		s.handleCryptSetup(u, msg.payload)
	case protocol.MsgPing:
		s.handlePingMsg(u, msg.payload)
	case protocol.MsgChannelState:
		s.handleChannelState(u, msg.payload)
	case protocol.MsgChannelRemove:
		s.handleChannelRemove(u, msg.payload)
	case protocol.MsgUserRemove:
		s.handleUserRemove(u, msg.payload)
	default:
		slog.Debug("unhandled control message", "kind", msg.kind, "session", u.session)
	}
}

func (s *Server) handleEvent(ev any) {
	switch e := ev.(type) {
	case ResyncRequest:
		s.users.RLock()
		u := s.users.Get(e.Session)
		s.users.RUnlock()
		if u == nil || u.state != StateAuthenticated {
			return
		}
		// An empty CryptSetup solicits the client's current nonce.
		s.sendMessage(u, protocol.MsgCryptSetup, &protocol.CryptSetup{})
	case TunneledFrame:
		s.users.RLock()
		u := s.users.Get(e.Session)
		s.users.RUnlock()
		if u == nil || u.state != StateAuthenticated {
			return
		}
		_ = u.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := u.conn.Write(e.Frame); err != nil {
			slog.Debug("tunnel write failed", "session", e.Session, "error", err)
		}
	}
}

// sendMessage marshals and writes one control message. Only the control
// loop writes to connections, so writes never interleave.
func (s *Server) sendMessage(u *User, kind byte, v any) {
	payload, err := protocol.Marshal(v)
	if err != nil {
		slog.Error("marshal control message failed", "kind", kind, "error", err)
		return
	}
	_ = u.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteFrame(u.conn, kind, payload); err != nil {
		slog.Debug("control write failed", "session", u.session, "error", err)
	}
}

// broadcast sends one control message to every authenticated user,
// marshaling once.
func (s *Server) broadcast(kind byte, v any) {
	payload, err := protocol.Marshal(v)
	if err != nil {
		slog.Error("marshal broadcast failed", "kind", kind, "error", err)
		return
	}
	s.users.RLock()
	targets := make([]*User, 0, s.users.Count())
	for _, u := range s.users.All() {
		if u.state == StateAuthenticated {
			targets = append(targets, u)
		}
	}
	s.users.RUnlock()
	for _, u := range targets {
		_ = u.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := protocol.WriteFrame(u.conn, kind, payload); err != nil {
			slog.Debug("broadcast write failed", "session", u.session, "error", err)
		}
	}
}

func (s *Server) broadcastUserRemove(u *User, reason string) {
	s.broadcast(protocol.MsgUserRemove, &protocol.UserRemove{Session: u.session, Reason: reason})
}

func (s *Server) handleVersion(u *User, payload []byte) {
	var v protocol.Version
	if err := protocol.Unmarshal(payload, &v); err != nil {
		s.removeClient(u, "malformed version")
		return
	}
	slog.Debug("client version", "session", u.session, "version", v.Version, "os", v.OS)
	s.sendMessage(u, protocol.MsgVersion, &protocol.Version{
		Version: version.String(),
		OS:      runtime.GOOS,
	})
}

func (s *Server) reject(u *User, reason string) {
	s.sendMessage(u, protocol.MsgReject, &protocol.Reject{Reason: reason})
	s.metrics.FailedAuths.Add(1)
	s.removeClient(u, reason)
}

func (s *Server) handleAuthenticate(u *User, payload []byte) {
	if u.state != StateConnected {
		return
	}

	var a protocol.Authenticate
	if err := protocol.Unmarshal(payload, &a); err != nil {
		s.reject(u, "malformed authenticate")
		return
	}
	if err := model.ValidateUsername(a.Username); err != nil {
		s.reject(u, "invalid username")
		return
	}

	s.users.RLock()
	taken := false
	for _, other := range s.users.All() {
		if other != u && other.state == StateAuthenticated && other.name == a.Username {
			taken = true
			break
		}
	}
	s.users.RUnlock()
	if taken {
		s.reject(u, "username already in use")
		return
	}

	userID := int64(-1)
	lastChannel := int64(datastore.RootChannelID)
	account, err := s.store.GetUserByName(a.Username)
	switch {
	case err == nil:
		// Registered name: the password must match.
		if !auth.Verify(a.Password, account.Salt, account.PasswordHash) {
			s.reject(u, "wrong password")
			return
		}
		userID = account.ID
		lastChannel = account.LastChannel
	case errors.Is(err, datastore.ErrNotFound):
		// Unregistered name, anonymous session.
	default:
		slog.Error("account lookup failed", "user", a.Username, "error", err)
		s.reject(u, "internal error")
		return
	}

	s.users.Lock()
	u.name = a.Username
	u.userID = userID
	u.state = StateAuthenticated

	c := s.channels.Get(lastChannel)
	if c == nil {
		c = s.channels.Root()
	}
	if !s.perms.HasPermission(s.channels, u, c, acl.Enter) {
		c = s.channels.Root()
	}
	u.channel = c
	c.users[u.session] = u
	u.Suppressed = !s.perms.HasPermission(s.channels, u, c, acl.Speak)
	// Joining a channel invalidates whisper expansions the same way a
	// move does.
	s.targets.ClearAll()
	s.users.Unlock()

	s.sendMessage(u, protocol.MsgCryptSetup, &protocol.CryptSetup{
		Key:         u.crypt.Key(),
		ClientNonce: u.crypt.DecryptIV(),
		ServerNonce: u.crypt.EncryptIV(),
	})

	s.sendChannelTree(u)
	s.sendUserList(u)

	s.broadcast(protocol.MsgUserState, s.userStateOf(u))

	s.sendMessage(u, protocol.MsgServerSync, &protocol.ServerSync{
		Session:      u.session,
		MaxBandwidth: s.cfg.MaxBandwidth,
		WelcomeText:  s.cfg.WelcomeText,
	})

	s.metrics.SuccessfulAuths.Add(1)
	slog.Info("user authenticated",
		"user", u.name, "session", u.session,
		"registered", userID >= 0, "channel", c.Name)
}

// sendChannelTree sends one ChannelState per channel, parents before
// children so the client can build the tree incrementally.
func (s *Server) sendChannelTree(u *User) {
	s.users.RLock()
	var states []*protocol.ChannelState
	var walk func(c *Channel)
	walk = func(c *Channel) {
		states = append(states, s.channelStateOf(c))
		for _, child := range c.children {
			walk(child)
		}
	}
	walk(s.channels.Root())
	s.users.RUnlock()

	for _, st := range states {
		s.sendMessage(u, protocol.MsgChannelState, st)
	}
}

func (s *Server) channelStateOf(c *Channel) *protocol.ChannelState {
	st := &protocol.ChannelState{
		ID:          uint32(c.ID),
		Name:        c.Name,
		Description: c.Description,
	}
	if c.parent != nil {
		p := uint32(c.parent.ID)
		st.Parent = &p
	}
	for id := range c.links {
		st.Links = append(st.Links, uint32(id))
	}
	return st
}

// sendUserList tells a fresh client about everyone already present.
func (s *Server) sendUserList(u *User) {
	s.users.RLock()
	var states []*protocol.UserState
	for _, other := range s.users.All() {
		if other != u && other.state == StateAuthenticated {
			states = append(states, s.userStateOf(other))
		}
	}
	s.users.RUnlock()

	for _, st := range states {
		s.sendMessage(u, protocol.MsgUserState, st)
	}
}

func (s *Server) userStateOf(u *User) *protocol.UserState {
	st := &protocol.UserState{
		Session: u.session,
		Name:    u.name,
	}
	if u.channel != nil {
		cid := uint32(u.channel.ID)
		st.ChannelID = &cid
	}
	if u.Muted {
		t := true
		st.Mute = &t
	}
	if u.Deafened {
		t := true
		st.Deaf = &t
	}
	if u.SelfMuted {
		t := true
		st.SelfMute = &t
	}
	if u.SelfDeafened {
		t := true
		st.SelfDeaf = &t
	}
	if u.Suppressed {
		t := true
		st.Suppress = &t
	}
	return st
}

func (s *Server) handleTunnel(u *User, payload []byte) {
	if u.state != StateAuthenticated {
		return
	}
	if len(payload) == 0 || len(payload) > protocol.MaxVoicePlain {
		s.metrics.VoicePacketsDropped.Add(1)
		return
	}
	s.metrics.TunneledFramesIn.Add(1)

	s.users.RLock()
	// Voice arriving over TLS means the client's UDP path is not
	// working; stop sending it datagrams until one arrives again.
	u.prefersUDP.Store(false)
	s.routeVoice(u, payload)
	s.users.RUnlock()
}

func (s *Server) handleUserState(actor *User, payload []byte) {
	if actor.state != StateAuthenticated {
		return
	}
	var st protocol.UserState
	if err := protocol.Unmarshal(payload, &st); err != nil {
		return
	}

	s.users.Lock()
	target := actor
	if st.Session != 0 && st.Session != actor.session {
		target = s.users.Get(st.Session)
	}
	if target == nil || target.state != StateAuthenticated {
		s.users.Unlock()
		return
	}

	self := target == actor
	changed := false

	if !self && (st.Mute != nil || st.Deaf != nil || st.Suppress != nil) {
		if target.channel == nil || !s.perms.HasPermission(s.channels, actor, target.channel, acl.MuteDeafen) {
			s.users.Unlock()
			s.sendMessage(actor, protocol.MsgPermissionDenied, &protocol.PermissionDenied{Reason: "mute/deafen denied"})
			return
		}
		if st.Mute != nil {
			target.Muted = *st.Mute
			changed = true
		}
		if st.Deaf != nil {
			target.Deafened = *st.Deaf
			if target.Deafened {
				target.Muted = true
			}
			changed = true
		}
		if st.Suppress != nil {
			target.Suppressed = *st.Suppress
			changed = true
		}
	}

	if self {
		if st.SelfMute != nil {
			target.SelfMuted = *st.SelfMute
			changed = true
		}
		if st.SelfDeaf != nil {
			target.SelfDeafened = *st.SelfDeaf
			// Deafening yourself without muting makes no sense.
			if target.SelfDeafened {
				target.SelfMuted = true
			}
			changed = true
		}
		if st.PluginCtx != "" {
			target.PluginContext = st.PluginCtx
		}
	}

	var moveErr string
	if st.ChannelID != nil {
		dest := s.channels.Get(int64(*st.ChannelID))
		switch {
		case dest == nil:
			moveErr = "unknown channel"
		case dest == target.channel:
		case self && !s.perms.HasPermission(s.channels, actor, dest, acl.Enter):
			moveErr = "enter denied"
		case !self && !s.perms.HasPermission(s.channels, actor, dest, acl.Move):
			moveErr = "move denied"
		default:
			s.moveUser(target, dest)
			changed = true
		}
	}
	out := s.userStateOf(target)
	out.Actor = actor.session
	s.users.Unlock()

	if moveErr != "" {
		s.sendMessage(actor, protocol.MsgPermissionDenied, &protocol.PermissionDenied{Reason: moveErr})
	}
	if changed {
		s.broadcast(protocol.MsgUserState, out)
	}
}

// moveUser places a user into a channel and recomputes what depends on
// membership. Every memoized whisper expansion is dropped: any sender
// whispering at the source or destination channel has a stale set now,
// and expansions do not record which channels produced them.
// Caller holds the exclusive users lock.
func (s *Server) moveUser(u *User, dest *Channel) {
	if u.channel != nil {
		delete(u.channel.users, u.session)
	}
	u.channel = dest
	dest.users[u.session] = u
	u.Suppressed = !s.perms.HasPermission(s.channels, u, dest, acl.Speak)
	s.targets.ClearAll()

	if u.userID >= 0 {
		if err := s.store.SetLastChannel(u.userID, dest.ID); err != nil {
			slog.Error("persist last channel failed", "user", u.name, "error", err)
		}
	}
}

func (s *Server) handleVoiceTarget(u *User, payload []byte) {
	if u.state != StateAuthenticated {
		return
	}
	var vt protocol.VoiceTarget
	if err := protocol.Unmarshal(payload, &vt); err != nil {
		return
	}
	if vt.ID < 1 || vt.ID > protocol.MaxWhisperTarget {
		return
	}

	s.users.Lock()
	defer s.users.Unlock()

	s.targets.ClearSlot(u.session, vt.ID)

	if len(vt.Sessions) == 0 && len(vt.Channels) == 0 {
		delete(u.targets, vt.ID)
		return
	}

	wt := &WhisperTarget{Sessions: vt.Sessions}
	for _, ch := range vt.Channels {
		wt.Channels = append(wt.Channels, WhisperTargetChannel{
			ChannelID: int64(ch.ChannelID),
			Links:     ch.Links,
			Children:  ch.Children,
			Group:     ch.Group,
		})
	}
	u.targets[vt.ID] = wt
}

func (s *Server) handleCryptSetup(u *User, payload []byte) {
	var cs protocol.CryptSetup
	if err := protocol.Unmarshal(payload, &cs); err != nil {
		return
	}

	if len(cs.ClientNonce) == 0 {
		// Client lost the server's stream; hand it the current nonce.
		s.users.RLock()
		nonce := u.crypt.EncryptIV()
		s.users.RUnlock()
		s.sendMessage(u, protocol.MsgCryptSetup, &protocol.CryptSetup{ServerNonce: nonce})
		return
	}

	s.users.Lock()
	err := u.crypt.SetDecryptIV(cs.ClientNonce)
	s.users.Unlock()
	if err != nil {
		slog.Debug("bad client nonce", "session", u.session, "error", err)
	}
}

func (s *Server) handlePingMsg(u *User, payload []byte) {
	var p protocol.Ping
	if err := protocol.Unmarshal(payload, &p); err != nil {
		return
	}
	s.users.RLock()
	reply := &protocol.Ping{
		Timestamp: p.Timestamp,
		Good:      u.crypt.Good,
		Late:      u.crypt.Late,
		Lost:      u.crypt.Lost,
		Resync:    u.crypt.Resync,
	}
	s.users.RUnlock()
	s.sendMessage(u, protocol.MsgPing, reply)
}

// handleChannelState creates a channel. Only creation is supported over
// the wire; renames and moves are administrative operations done against
// the store.
func (s *Server) handleChannelState(u *User, payload []byte) {
	if u.state != StateAuthenticated {
		return
	}
	var cs protocol.ChannelState
	if err := protocol.Unmarshal(payload, &cs); err != nil {
		return
	}
	if cs.ID != 0 || cs.Parent == nil {
		return
	}

	ch := &model.Channel{
		ParentID:    int64(*cs.Parent),
		Name:        cs.Name,
		Description: cs.Description,
		InheritACL:  true,
	}
	if err := ch.Validate(); err != nil {
		s.sendMessage(u, protocol.MsgPermissionDenied, &protocol.PermissionDenied{Reason: err.Error()})
		return
	}

	s.users.Lock()
	parent := s.channels.Get(ch.ParentID)
	if parent == nil {
		s.users.Unlock()
		s.sendMessage(u, protocol.MsgPermissionDenied, &protocol.PermissionDenied{Reason: "unknown parent"})
		return
	}
	if !s.perms.HasPermission(s.channels, u, parent, acl.MakeChannel) {
		s.users.Unlock()
		s.sendMessage(u, protocol.MsgPermissionDenied, &protocol.PermissionDenied{Reason: "make channel denied"})
		return
	}
	if err := s.store.CreateChannel(ch); err != nil {
		s.users.Unlock()
		slog.Error("persist channel failed", "name", ch.Name, "error", err)
		s.sendMessage(u, protocol.MsgPermissionDenied, &protocol.PermissionDenied{Reason: "internal error"})
		return
	}
	c := s.channels.AddWithID(ch.ID, ch.Name, parent)
	c.Description = ch.Description
	c.ACL.InheritACL = ch.InheritACL
	s.clearAllCaches()
	state := s.channelStateOf(c)
	s.users.Unlock()

	s.metrics.ChannelsCreated.Add(1)
	slog.Info("channel created", "channel", c.Name, "id", c.ID, "by", u.name)
	s.broadcast(protocol.MsgChannelState, state)
}

// handleChannelRemove deletes a channel without sub-channels. Users still
// present are moved to the parent first.
func (s *Server) handleChannelRemove(u *User, payload []byte) {
	if u.state != StateAuthenticated {
		return
	}
	var cr protocol.ChannelRemove
	if err := protocol.Unmarshal(payload, &cr); err != nil {
		return
	}

	s.users.Lock()
	c := s.channels.Get(int64(cr.ID))
	if c == nil || c == s.channels.Root() {
		s.users.Unlock()
		s.sendMessage(u, protocol.MsgPermissionDenied, &protocol.PermissionDenied{Reason: "unknown channel"})
		return
	}
	if !s.perms.HasPermission(s.channels, u, c, acl.Write) {
		s.users.Unlock()
		s.sendMessage(u, protocol.MsgPermissionDenied, &protocol.PermissionDenied{Reason: "remove denied"})
		return
	}
	if len(c.children) > 0 {
		s.users.Unlock()
		s.sendMessage(u, protocol.MsgPermissionDenied, &protocol.PermissionDenied{Reason: "channel has sub-channels"})
		return
	}

	parent := c.Parent()
	occupants := make([]*User, 0, len(c.users))
	for _, occupant := range c.users {
		occupants = append(occupants, occupant)
	}
	var movedStates []*protocol.UserState
	for _, occupant := range occupants {
		s.moveUser(occupant, parent)
		st := s.userStateOf(occupant)
		st.Actor = u.session
		movedStates = append(movedStates, st)
	}

	if err := s.store.DeleteChannel(c.ID); err != nil {
		s.users.Unlock()
		slog.Error("delete channel failed", "channel", c.Name, "error", err)
		s.sendMessage(u, protocol.MsgPermissionDenied, &protocol.PermissionDenied{Reason: "internal error"})
		return
	}
	if err := s.channels.Remove(c); err != nil {
		s.users.Unlock()
		slog.Error("remove channel failed", "channel", c.Name, "error", err)
		return
	}
	s.clearAllCaches()
	s.users.Unlock()

	s.metrics.ChannelsDeleted.Add(1)
	slog.Info("channel removed", "channel", c.Name, "id", c.ID, "by", u.name)
	for _, st := range movedStates {
		s.broadcast(protocol.MsgUserState, st)
	}
	s.broadcast(protocol.MsgChannelRemove, &protocol.ChannelRemove{ID: cr.ID})
}

// handleUserRemove kicks a user, optionally recording an address ban.
// Kick and Ban are server-wide capabilities, so they are evaluated on
// the root channel.
func (s *Server) handleUserRemove(actor *User, payload []byte) {
	if actor.state != StateAuthenticated {
		return
	}
	var ur protocol.UserRemove
	if err := protocol.Unmarshal(payload, &ur); err != nil {
		return
	}

	need := acl.Kick
	if ur.Ban {
		need = acl.Ban
	}

	s.users.RLock()
	target := s.users.Get(ur.Session)
	present := target != nil && target.state == StateAuthenticated
	allowed := present && s.perms.HasPermission(s.channels, actor, s.channels.Root(), need)
	var host netip.Addr
	if present {
		host = target.host
	}
	s.users.RUnlock()

	if !present {
		return
	}
	if !allowed {
		s.sendMessage(actor, protocol.MsgPermissionDenied, &protocol.PermissionDenied{Reason: "kick denied"})
		return
	}

	if ur.Ban {
		s.addBan(model.Ban{
			IP:     host.String(),
			Mask:   host.BitLen(),
			Reason: ur.Reason,
		})
	}
	s.metrics.KickCount.Add(1)

	reason := ur.Reason
	if reason == "" {
		reason = "kicked"
	}
	slog.Info("user kicked", "user", target.name, "by", actor.name, "ban", ur.Ban)
	s.removeClient(target, reason)
}
