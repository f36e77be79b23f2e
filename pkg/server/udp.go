package server

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/Iyara/mumble/pkg/cryptstate"
	"github.com/Iyara/mumble/pkg/protocol"
)

// udpLoop is the voice datapath receiver. One goroutine owns the socket
// and blocks on reads; every datagram is classified, decrypted, and
// routed before the next read. Errors are per-datagram: a bad packet is
// counted and dropped, never fatal to the loop.
func (s *Server) udpLoop() {
	defer s.netwg.Done()

	buf := make([]byte, protocol.MaxUDPPacket+1)
	plain := make([]byte, protocol.MaxUDPPacket)

	for {
		n, addr, err := s.udpConn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.isClosing() {
				return
			}
			slog.Warn("udp read failed", "error", err)
			continue
		}

		if n == protocol.ServerInfoPingSize && binary.BigEndian.Uint32(buf[0:4]) == 0 {
			s.handleServerInfoPing(buf[:n], addr)
			continue
		}
		if n < protocol.MinUDPPacket || n > protocol.MaxUDPPacket {
			s.metrics.VoicePacketsDropped.Add(1)
			continue
		}

		s.handleUDPPacket(buf[:n], plain, addr)
	}
}

// handleServerInfoPing answers the unauthenticated pre-connect probe.
// The client nonce is echoed so it can match replies to requests.
func (s *Server) handleServerInfoPing(packet []byte, addr netip.AddrPort) {
	ident := binary.BigEndian.Uint64(packet[4:])

	s.users.RLock()
	users := uint32(s.users.Count())
	s.users.RUnlock()

	reply := protocol.ServerInfoReply(ident, users, uint32(s.cfg.MaxUsers), uint32(s.cfg.MaxBandwidth))
	if _, err := s.udpConn.WriteToUDPAddrPort(reply, addr); err != nil {
		slog.Debug("server info reply failed", "addr", addr, "error", err)
	}
}

// handleUDPPacket attributes one encrypted datagram to a user and routes
// the plaintext. Attribution is by exact peer address first; on a miss,
// every not-yet-migrated user from the same host is probed with a trial
// decrypt, and the first success claims the (host, port) pair.
func (s *Server) handleUDPPacket(packet, plain []byte, addr netip.AddrPort) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

	s.users.RLock()

	u := s.users.ByPeer(addr)
	if u != nil {
		out, ok := s.checkDecrypt(u, packet, plain)
		if !ok {
			s.users.RUnlock()
			s.metrics.VoicePacketsDropped.Add(1)
			return
		}
		s.routePlain(u, out)
		s.users.RUnlock()
		return
	}

	// Unknown port. Probe candidates from the same host; decryption
	// doubles as authentication here, so a failure is just "not you".
	var claimed *User
	var claimedPlain []byte
	for cand := range s.users.HostUsers(addr.Addr()) {
		if !cand.crypt.IsValid() || cand.state != StateAuthenticated {
			continue
		}
		if err := cand.crypt.Decrypt(plain[:len(packet)-cryptstate.Overhead], packet); err != nil {
			continue
		}
		claimed = cand
		claimedPlain = plain[:len(packet)-cryptstate.Overhead]
		break
	}
	if claimed == nil {
		s.users.RUnlock()
		s.metrics.VoicePacketsDropped.Add(1)
		return
	}

	// The peer index is written under the exclusive lock. The user can
	// be disconnected in the gap, so re-verify by session on both sides.
	session := claimed.session
	s.users.RUnlock()

	s.users.Lock()
	if s.users.Get(session) != claimed {
		s.users.Unlock()
		return
	}
	s.users.MigratePeer(claimed, addr)
	s.users.Unlock()
	s.metrics.PeerMigrations.Add(1)
	slog.Debug("udp peer identified", "user", claimed.name, "session", session, "addr", addr)

	s.users.RLock()
	if s.users.Get(session) != claimed {
		s.users.RUnlock()
		return
	}
	s.routePlain(claimed, claimedPlain)
	s.users.RUnlock()
}

// routePlain dispatches one decrypted packet by kind. Caller holds the
// read side of the users lock.
func (s *Server) routePlain(u *User, plain []byte) {
	kind, _ := protocol.UnpackHeader(plain[0])
	switch kind {
	case protocol.UDPPing:
		s.handlePing(u, plain)
	case protocol.UDPVoice:
		u.prefersUDP.Store(true)
		s.metrics.VoicePacketsIn.Add(1)
		s.metrics.VoiceBytesIn.Add(int64(len(plain) + cryptstate.Overhead))
		s.routeVoice(u, plain)
	default:
		s.metrics.VoicePacketsDropped.Add(1)
	}
}

// checkDecrypt decrypts a datagram for an already-identified peer. When
// decryption fails and the crypt state has been silent past its
// tolerance, a resync request is enqueued for the control loop; the
// crypt state rate-limits how often that happens.
func (s *Server) checkDecrypt(u *User, packet, plain []byte) ([]byte, bool) {
	if !u.crypt.IsValid() {
		return nil, false
	}
	out := plain[:len(packet)-cryptstate.Overhead]
	err := u.crypt.Decrypt(out, packet)
	if err == nil {
		return out, true
	}
	if errors.Is(err, cryptstate.ErrDecrypt) {
		now := time.Now()
		if now.Sub(u.crypt.LastGood()) > 5*time.Second && u.crypt.RequestResync(now) {
			s.metrics.ResyncRequests.Add(1)
			s.enqueueEvent(ResyncRequest{Session: u.session})
		}
	}
	return nil, false
}

// listenUDP opens the voice socket on the same address as the control
// listener.
func listenUDP(host string, port int) (*net.UDPConn, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
