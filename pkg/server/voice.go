package server

import (
	"time"

	"github.com/Iyara/mumble/pkg/acl"
	"github.com/Iyara/mumble/pkg/cryptstate"
	"github.com/Iyara/mumble/pkg/packetdata"
	"github.com/Iyara/mumble/pkg/protocol"
)

// ipOverhead approximates the per-datagram cost on the wire: IPv4 header,
// UDP header and the crypt envelope. The bandwidth gate charges it so a
// flood of tiny packets cannot slip under the limit.
const ipOverhead = 20 + 8 + cryptstate.Overhead

// routeVoice fans one plaintext voice packet out to its recipients.
// plain is the full decrypted packet including the header byte; it is not
// retained after the call returns. Both ingest paths call this holding
// the shared side of the users lock: the UDP receiver directly, the
// control loop for frames arriving through the TLS tunnel.
func (s *Server) routeVoice(u *User, plain []byte) {
	if !u.CanSpeak() {
		s.metrics.VoicePacketsDropped.Add(1)
		return
	}

	now := time.Now()
	u.meterMu.Lock()
	u.meter.Record(ipOverhead+len(plain), now)
	over := u.meter.Rate(now) > s.cfg.MaxBandwidth
	u.meterMu.Unlock()
	if over {
		s.metrics.BandwidthDrops.Add(1)
		return
	}

	_, target := protocol.UnpackHeader(plain[0])

	// Walk the frame headers to find where positional data starts, so it
	// can be trimmed for recipients outside the sender's acoustic world.
	pdi := packetdata.New(plain[1:])
	pdi.GetUint64() // sequence counter
	for {
		header := pdi.GetUint64()
		pdi.Skip(int(header & protocol.FrameLengthMask))
		if !pdi.IsValid() || header&protocol.FrameContinuation == 0 {
			break
		}
	}
	poslen := 0
	if pdi.IsValid() {
		poslen = pdi.Left()
	}

	// Rewrite the packet as receivers expect it: the header byte, then
	// the sender's session, then the original payload untouched.
	var buf [protocol.MaxUDPPacket + 8]byte
	pds := packetdata.New(buf[1:])
	pds.PutUint32(u.session)
	pds.CopyBytes(plain[1:])
	if !pds.IsValid() {
		s.metrics.VoicePacketsDropped.Add(1)
		return
	}
	packet := buf[:1+pds.Size()]

	if target == protocol.TargetLoopback {
		packet[0] = protocol.PackHeader(protocol.ContextLoopback, target)
		var cache []byte
		s.sendVoice(u, packet, &cache, false)
		return
	}

	if target == protocol.TargetNormal {
		c := u.channel
		if c == nil {
			s.metrics.VoicePacketsDropped.Add(1)
			return
		}
		packet[0] = protocol.PackHeader(protocol.ContextNormal, target)
		var cache, trimCache []byte
		s.broadcastVoice(u, c.users, packet, poslen, &cache, &trimCache)
		// Links are transitive: speech reaches the whole link closure,
		// gated per channel by the sender's Speak permission there.
		for _, linked := range c.AllLinks() {
			if linked == c {
				continue
			}
			if !s.perms.HasPermission(s.channels, u, linked, acl.Speak) {
				continue
			}
			s.broadcastVoice(u, linked.users, packet, poslen, &cache, &trimCache)
		}
		return
	}

	// Whisper target. Resolve through the memoized cache; a miss means
	// expanding under the shared lock, then upgrading to the exclusive
	// side to insert. The sender can be removed in the unlocked gap, so
	// its session is re-verified on both sides.
	set := s.targets.Lookup(u.session, target)
	if set == nil {
		wt := u.targets[target]
		if wt == nil || wt.IsEmpty() {
			s.metrics.VoicePacketsDropped.Add(1)
			return
		}
		set = s.targets.resolve(s, u, wt)

		session := u.session
		s.users.RUnlock()
		s.users.Lock()
		if s.users.Get(session) == u {
			s.targets.Insert(session, target, set)
		}
		s.users.Unlock()
		s.users.RLock()
		if s.users.Get(session) != u {
			return
		}
	}

	packet[0] = protocol.PackHeader(protocol.ContextWhisperChannel, target)
	var cache, trimCache []byte
	s.broadcastVoice(u, set.channel, packet, poslen, &cache, &trimCache)

	// The tunnel cache holds the whisper-channel header byte, so direct
	// recipients need fresh frames.
	packet[0] = protocol.PackHeader(protocol.ContextWhisperDirect, target)
	var directCache, directTrimCache []byte
	s.broadcastVoice(u, set.direct, packet, poslen, &directCache, &directTrimCache)
}

// broadcastVoice sends packet to every eligible user in dsts. Recipients
// sharing the sender's positional context get the full packet; everyone
// else gets it with the trailing positional bytes cut off.
func (s *Server) broadcastVoice(u *User, dsts map[uint32]*User, packet []byte, poslen int, cache, trimCache *[]byte) {
	trimmed := packet[:len(packet)-poslen]
	for _, dst := range dsts {
		if dst == u || dst.IsDeaf() || dst.state != StateAuthenticated {
			continue
		}
		if poslen > 0 && dst.PluginContext == u.PluginContext {
			s.sendVoice(dst, packet, cache, false)
		} else {
			s.sendVoice(dst, trimmed, trimCache, false)
		}
	}
}

// handlePing answers a voice-channel keepalive: the payload is echoed
// back encrypted so the client can measure UDP round-trip time and
// confirm the crypt channel works in both directions.
func (s *Server) handlePing(u *User, plain []byte) {
	var cache []byte
	s.sendVoice(u, plain, &cache, true)
}
