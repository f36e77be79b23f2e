// Package protocol defines the UDP voice wire format, the TLS control
// framing, and the JSON control messages exchanged on the control plane.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// UDP datagram bounds. A datagram below MinUDPPacket cannot carry the
// 4-byte cipher header plus the type/target byte; anything above
// MaxUDPPacket is rejected outright.
const (
	MinUDPPacket = 5
	MaxUDPPacket = 512
)

// MaxVoicePlain is the largest plaintext a voice datagram can carry:
// the datagram cap minus the cipher header.
const MaxVoicePlain = MaxUDPPacket - 4

// Message kinds carried in bits 7..5 of the first plaintext byte of a
// datagram arriving from a client.
const (
	UDPVoice = 1
	UDPPing  = 2
)

// Delivery classes written into bits 7..5 of the first byte when the
// server emits a voice packet to a recipient.
const (
	ContextNormal         = 0 // speech to the sender's own or linked channel
	ContextWhisperChannel = 1 // whisper resolved through a channel spec
	ContextWhisperDirect  = 2 // whisper to an explicitly listed session
	ContextLoopback       = 3 // echo back to the sender
)

// Voice targets encoded in bits 4..0 of the first plaintext byte.
const (
	TargetNormal     = 0  // current channel plus links
	TargetLoopback   = 31 // server-side echo for latency probing
	MaxWhisperTarget = 30 // targets 1..30 are client-defined whisper slots
)

// Frame header bits: the low 13 bits of a frame header varint hold the
// frame length, FrameContinuation marks that another frame follows.
const (
	FrameLengthMask   = 0x1fff
	FrameContinuation = 0x2000
)

// PackHeader builds the first plaintext byte from a message kind or
// delivery class and a target.
func PackHeader(kind, target byte) byte {
	return kind<<5 | target&0x1f
}

// UnpackHeader splits the first plaintext byte.
func UnpackHeader(b byte) (kind, target byte) {
	return (b >> 5) & 0x7, b & 0x1f
}

// Control message types. Type 0 is reserved for tunneled voice so a
// tunneled datagram is exactly the [type][u24 len][payload] frame.
const (
	MsgUDPTunnel = iota
	MsgVersion
	MsgAuthenticate
	MsgReject
	MsgServerSync
	MsgChannelState
	MsgUserState
	MsgUserRemove
	MsgVoiceTarget
	MsgCryptSetup
	MsgPing
	MsgPermissionDenied
	MsgChannelRemove
)

// MaxControlPayload bounds a single control frame. The u24 length field
// allows 16 MiB; no legitimate message comes anywhere near this.
const MaxControlPayload = 1 << 20

var ErrFrameTooLarge = errors.New("protocol: control frame too large")

// WriteFrame writes one [u8 type][u24 big-endian length][payload] frame.
func WriteFrame(w io.Writer, msgType byte, payload []byte) error {
	if len(payload) > MaxControlPayload {
		return ErrFrameTooLarge
	}
	hdr := [4]byte{msgType, byte(len(payload) >> 16), byte(len(payload) >> 8), byte(len(payload))}
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one control frame.
func ReadFrame(r io.Reader) (msgType byte, payload []byte, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("protocol: read frame header: %w", err)
	}
	length := int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
	if length > MaxControlPayload {
		return 0, nil, ErrFrameTooLarge
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}
	return hdr[0], payload, nil
}

// TunnelFrame prepends the tunnel framing to a plaintext voice packet so
// it can be handed to a control connection in one write.
func TunnelFrame(packet []byte) []byte {
	buf := make([]byte, 4+len(packet))
	buf[0] = MsgUDPTunnel
	buf[1] = byte(len(packet) >> 16)
	buf[2] = byte(len(packet) >> 8)
	buf[3] = byte(len(packet))
	copy(buf[4:], packet)
	return buf
}

// Version is the first message in either direction on a new connection.
type Version struct {
	Version string `json:"version"`
	OS      string `json:"os,omitempty"`
}

// Authenticate carries the client's login request.
type Authenticate struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// Reject tells a client why its connection is being refused.
type Reject struct {
	Reason string `json:"reason"`
}

// ServerSync completes authentication: it tells the client its session id
// and the server's operating limits.
type ServerSync struct {
	Session      uint32 `json:"session"`
	MaxBandwidth int    `json:"max_bandwidth"`
	WelcomeText  string `json:"welcome_text,omitempty"`
}

// ChannelState describes one channel of the tree.
type ChannelState struct {
	ID          uint32   `json:"id"`
	Parent      *uint32  `json:"parent,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Links       []uint32 `json:"links,omitempty"`
}

// UserState mutates or reports a user's presence and flags. Pointer
// fields are left nil when not being changed.
type UserState struct {
	Session   uint32  `json:"session"`
	Actor     uint32  `json:"actor,omitempty"`
	Name      string  `json:"name,omitempty"`
	ChannelID *uint32 `json:"channel_id,omitempty"`
	Mute      *bool   `json:"mute,omitempty"`
	Deaf      *bool   `json:"deaf,omitempty"`
	SelfMute  *bool   `json:"self_mute,omitempty"`
	SelfDeaf  *bool   `json:"self_deaf,omitempty"`
	Suppress  *bool   `json:"suppress,omitempty"`
	PluginCtx string  `json:"plugin_ctx,omitempty"`
}

// UserRemove announces a disconnect, or requests a kick when sent by a
// client. Ban additionally records an address ban for the removed user.
type UserRemove struct {
	Session uint32 `json:"session"`
	Reason  string `json:"reason,omitempty"`
	Ban     bool   `json:"ban,omitempty"`
}

// ChannelRemove requests deletion of a channel, and announces it when
// broadcast by the server.
type ChannelRemove struct {
	ID uint32 `json:"id"`
}

// VoiceTargetChannel is one channel clause of a whisper target.
type VoiceTargetChannel struct {
	ChannelID uint32 `json:"channel_id"`
	Group     string `json:"group,omitempty"`
	Links     bool   `json:"links,omitempty"`
	Children  bool   `json:"children,omitempty"`
}

// VoiceTarget registers or clears whisper target slot ID (1..30) for the
// sending user. An empty target clears the slot.
type VoiceTarget struct {
	ID       byte                 `json:"id"`
	Sessions []uint32             `json:"sessions,omitempty"`
	Channels []VoiceTargetChannel `json:"channels,omitempty"`
}

// CryptSetup negotiates datagram key material. The server sends the key
// and both nonces on login; an empty CryptSetup from the server solicits
// a resync, which the client answers with its current nonce.
type CryptSetup struct {
	Key         []byte `json:"key,omitempty"`
	ClientNonce []byte `json:"client_nonce,omitempty"`
	ServerNonce []byte `json:"server_nonce,omitempty"`
}

// Ping is echoed by the server; the crypt counters let clients display
// datagram link health.
type Ping struct {
	Timestamp uint64 `json:"timestamp"`
	Good      uint32 `json:"good,omitempty"`
	Late      uint32 `json:"late,omitempty"`
	Lost      uint32 `json:"lost,omitempty"`
	Resync    uint32 `json:"resync,omitempty"`
}

// PermissionDenied reports a refused control-plane operation.
type PermissionDenied struct {
	Reason string `json:"reason"`
}

// Marshal encodes a control message body as JSON.
func Marshal(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a control message body.
func Unmarshal(data []byte, msg any) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("protocol: unmarshal: %w", err)
	}
	return nil
}

// ServerInfoPingSize is the size of the unauthenticated server-info ping
// datagram clients send before connecting.
const ServerInfoPingSize = 12

// ServerInfoReply builds the 24-byte reply to a server-info ping: the
// protocol version, the echoed client nonce, and the server's occupancy
// and bandwidth limits.
func ServerInfoReply(ident uint64, users, maxUsers, maxBandwidth uint32) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint32(buf[0:], 1<<16)
	binary.BigEndian.PutUint64(buf[4:], ident)
	binary.BigEndian.PutUint32(buf[12:], users)
	binary.BigEndian.PutUint32(buf[16:], maxUsers)
	binary.BigEndian.PutUint32(buf[20:], maxBandwidth)
	return buf
}
