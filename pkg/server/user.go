package server

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/Iyara/mumble/pkg/bandwidth"
	"github.com/Iyara/mumble/pkg/cryptstate"
	"github.com/Iyara/mumble/pkg/protocol"
)

// UserState tracks where a connection is in its lifecycle.
type UserState int

const (
	// StateConnected: TLS is up, login not yet completed.
	StateConnected UserState = iota
	// StateAuthenticated: the user participates in voice and presence.
	StateAuthenticated
	// StateDead: removal has begun; the user must not receive anything.
	StateDead
)

// User is one connected client.
//
// Mutable presence fields (state, channel, flags, udpAddr, whisper
// targets) are guarded by the server's users lock: the UDP datapath
// reads them under the shared side, the control loop mutates them under
// the exclusive side. prefersUDP is atomic because both ingest paths
// flip it while holding only the shared side. The bandwidth meter and
// the encrypt counter carry their own mutexes: voice for one user can
// flow through the datapath and the control loop at the same time.
type User struct {
	session uint32
	userID  int64 // registered account id, negative while anonymous
	name    string

	state   UserState
	channel *Channel

	Muted        bool // muted by an admin
	Suppressed   bool // may not speak in the current channel
	SelfMuted    bool
	Deafened     bool // deafened by an admin
	SelfDeafened bool

	// PluginContext identifies the sender's acoustic world; positional
	// audio is only forwarded between users sharing it.
	PluginContext string

	prefersUDP atomic.Bool    // a voice datagram has arrived over UDP
	udpAddr    netip.AddrPort // zero until the first valid datagram fixes the port
	host       netip.Addr     // learned from the TLS peer address

	// cryptMu serializes Encrypt calls: the datapath and the control
	// loop may both emit voice to the same recipient, and each emission
	// must advance the counter exactly once.
	cryptMu sync.Mutex
	crypt   cryptstate.CryptState

	// sendBuf holds one outgoing encrypted datagram. The rewrite adds a
	// header byte and a session varint in front of the original payload,
	// so a maximum-size inbound packet grows past MaxUDPPacket here.
	sendBuf [protocol.MaxUDPPacket + 8 + cryptstate.Overhead]byte

	// meterMu guards the meter against concurrent ingest for one sender.
	meterMu sync.Mutex
	meter   *bandwidth.Meter

	targets map[byte]*WhisperTarget

	conn net.Conn // TLS control connection; written to by the control loop only
}

func newUser(session uint32, conn net.Conn, host netip.Addr) *User {
	return &User{
		session: session,
		userID:  -1,
		host:    host,
		meter:   bandwidth.NewMeter(),
		targets: make(map[byte]*WhisperTarget),
		conn:    conn,
	}
}

// Session returns the session id assigned at connect.
func (u *User) Session() uint32 { return u.session }

// UserID returns the registered account id, negative for anonymous users.
func (u *User) UserID() int64 { return u.userID }

// Name returns the display name, empty before authentication.
func (u *User) Name() string { return u.name }

// Channel returns the channel the user is in. Callers hold the users lock.
func (u *User) Channel() *Channel { return u.channel }

// IsAuthenticated reports whether login completed.
func (u *User) IsAuthenticated() bool { return u.state == StateAuthenticated }

// IsDeaf reports whether voice must not be delivered to this user.
func (u *User) IsDeaf() bool { return u.Deafened || u.SelfDeafened }

// CanSpeak reports whether the voice router accepts packets from this user.
func (u *User) CanSpeak() bool {
	return u.state == StateAuthenticated && !u.Muted && !u.SelfMuted && !u.Suppressed
}

// UDPReady reports whether an encrypted datagram can be sent directly.
// Callers hold the users lock.
func (u *User) UDPReady() bool {
	return u.udpAddr.IsValid() && u.udpAddr.Port() != 0 && u.crypt.IsValid()
}
