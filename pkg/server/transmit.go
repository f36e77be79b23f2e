package server

import (
	"github.com/Iyara/mumble/pkg/cryptstate"
	"github.com/Iyara/mumble/pkg/protocol"
)

// sendVoice delivers one plaintext voice packet to u, choosing the
// transport: if the recipient's UDP address is known, its crypt state is
// initialized, and it prefers UDP (or the caller forces it, as the ping
// echo does), the packet is encrypted into the recipient's send buffer
// and written to the socket. Otherwise the packet is framed for the TLS
// tunnel and handed to the control loop.
//
// cache points to the shared tunnel frame for the current broadcast
// phase: it is built on the first TLS recipient and reused for the rest,
// so a broadcast costs one allocation, not one per recipient. Callers
// hold at least the read side of the users lock.
func (s *Server) sendVoice(u *User, packet []byte, cache *[]byte, force bool) {
	if (u.prefersUDP.Load() || force) && u.UDPReady() {
		if len(packet)+cryptstate.Overhead > len(u.sendBuf) {
			s.metrics.VoicePacketsDropped.Add(1)
			return
		}
		out := u.sendBuf[:len(packet)+cryptstate.Overhead]

		// Two threads can emit to the same recipient: the datapath
		// routing a datagram and the control loop routing tunneled
		// voice. The counter in the crypt state must advance once per
		// emitted packet.
		u.cryptMu.Lock()
		u.crypt.Encrypt(out, packet)
		_, err := s.udpConn.WriteToUDPAddrPort(out, u.udpAddr)
		u.cryptMu.Unlock()

		if err == nil {
			s.metrics.VoicePacketsOut.Add(1)
			s.metrics.VoiceBytesOut.Add(int64(len(out)))
		}
		return
	}

	if *cache == nil {
		*cache = protocol.TunnelFrame(packet)
	}
	if s.enqueueEvent(TunneledFrame{Session: u.session, Frame: *cache}) {
		s.metrics.TunneledFramesOut.Add(1)
	}
}
