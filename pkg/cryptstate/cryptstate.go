// Package cryptstate implements the per-user authenticated datagram cipher
// for the UDP voice path.
//
// The construction is encrypt-then-MAC: AES-128 in CTR mode keyed per user,
// with an HMAC-SHA256 tag truncated to three bytes. A datagram carries a
// 4-byte header in front of the ciphertext: byte 0 is the low byte of the
// sender's packet counter (the IV byte), bytes 1..3 are the truncated tag.
// The ciphertext is exactly as long as the plaintext, so the total cipher
// overhead on the wire is the 4 header bytes.
//
// Each direction keeps a full 16-byte IV that acts as the packet counter.
// On decrypt the IV byte from the header is reconciled against the local
// counter, tolerating up to 30 packets of reordering and arbitrary loss,
// while a per-IV-byte history rejects replays. Decryption either yields a
// verified plaintext or fails without producing output.
package cryptstate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"
)

// KeySize is the AES key length in bytes.
const KeySize = 16

// IVSize is the per-direction packet counter length in bytes.
const IVSize = 16

// Overhead is the number of bytes encryption adds to a plaintext.
const Overhead = 4

const tagSize = 3

// ErrDecrypt is returned when a datagram fails authentication or replay
// and reordering checks.
var ErrDecrypt = errors.New("cryptstate: decryption failed")

// resyncInterval gates how often sustained decrypt failure may solicit a
// crypt resync from the control plane.
const resyncInterval = 5 * time.Second

// CryptState holds one user's symmetric cipher context.
//
// It is not internally synchronized. The UDP datapath decrypts and the
// transmit path encrypts; both run under the registry lock that also
// guards the owning user.
type CryptState struct {
	key       []byte
	encryptIV [IVSize]byte
	decryptIV [IVSize]byte

	block          cipher.Block
	decryptHistory [256]byte

	// Stats, exposed to the control plane for CryptSetup/UDPStats replies.
	Good   uint32
	Late   uint32
	Lost   uint32
	Resync uint32

	lastGood    time.Time
	lastRequest time.Time
}

// GenerateKey initializes the state with a fresh random key and random
// IVs for both directions.
func (cs *CryptState) GenerateKey() error {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("cryptstate: generate key: %w", err)
	}
	var eiv, div [IVSize]byte
	if _, err := io.ReadFull(rand.Reader, eiv[:]); err != nil {
		return fmt.Errorf("cryptstate: generate iv: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, div[:]); err != nil {
		return fmt.Errorf("cryptstate: generate iv: %w", err)
	}
	return cs.SetKey(key, eiv[:], div[:])
}

// SetKey replaces the key material and both direction IVs.
func (cs *CryptState) SetKey(key, encryptIV, decryptIV []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("cryptstate: invalid key length %d", len(key))
	}
	if len(encryptIV) != IVSize || len(decryptIV) != IVSize {
		return fmt.Errorf("cryptstate: invalid iv length")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("cryptstate: new cipher: %w", err)
	}
	cs.key = append([]byte(nil), key...)
	copy(cs.encryptIV[:], encryptIV)
	copy(cs.decryptIV[:], decryptIV)
	cs.block = block
	for i := range cs.decryptHistory {
		cs.decryptHistory[i] = 0
	}
	return nil
}

// SetDecryptIV replaces only the remote-to-local IV. Used when the client
// answers a resync request with its current counter.
func (cs *CryptState) SetDecryptIV(iv []byte) error {
	if len(iv) != IVSize {
		return fmt.Errorf("cryptstate: invalid iv length")
	}
	copy(cs.decryptIV[:], iv)
	return nil
}

// Key returns the symmetric key, or nil before SetKey.
func (cs *CryptState) Key() []byte { return cs.key }

// EncryptIV returns the current local-to-remote counter.
func (cs *CryptState) EncryptIV() []byte { return cs.encryptIV[:] }

// DecryptIV returns the current remote-to-local counter.
func (cs *CryptState) DecryptIV() []byte { return cs.decryptIV[:] }

// IsValid reports whether key material has been negotiated.
func (cs *CryptState) IsValid() bool {
	return cs.block != nil
}

// LastGood returns the time of the last successful decryption.
func (cs *CryptState) LastGood() time.Time { return cs.lastGood }

// RequestResync reports whether sustained decrypt failure should trigger a
// resync solicitation now. A true return updates the request timestamp, so
// at most one request is emitted per interval.
func (cs *CryptState) RequestResync(now time.Time) bool {
	if now.Sub(cs.lastGood) <= resyncInterval {
		return false
	}
	if now.Sub(cs.lastRequest) <= resyncInterval {
		return false
	}
	cs.lastRequest = now
	cs.Resync++
	return true
}

func (cs *CryptState) tag(dst []byte, iv, ciphertext []byte) {
	mac := hmac.New(sha256.New, cs.key)
	mac.Write(iv)
	mac.Write(ciphertext)
	sum := mac.Sum(nil)
	copy(dst, sum[:tagSize])
}

// Encrypt encrypts src into dst, which must be at least len(src)+Overhead
// bytes. It advances the encrypt IV by one packet.
func (cs *CryptState) Encrypt(dst, src []byte) {
	// Bump the counter with carry.
	for i := range cs.encryptIV {
		cs.encryptIV[i]++
		if cs.encryptIV[i] != 0 {
			break
		}
	}

	ctr := cipher.NewCTR(cs.block, cs.encryptIV[:])
	ctr.XORKeyStream(dst[Overhead:], src)

	dst[0] = cs.encryptIV[0]
	cs.tag(dst[1:Overhead], cs.encryptIV[:], dst[Overhead:Overhead+len(src)])
}

// Decrypt authenticates and decrypts src into dst, which must be at least
// len(src)-Overhead bytes. On any failure the decrypt IV is left unchanged
// and no plaintext is produced.
func (cs *CryptState) Decrypt(dst, src []byte) error {
	if len(src) < Overhead {
		return ErrDecrypt
	}

	ivbyte := src[0]
	restore := false
	saved := cs.decryptIV
	late := false
	var lost uint32

	if (cs.decryptIV[0]+1)&0xff == ivbyte {
		// In-order packet.
		if ivbyte > cs.decryptIV[0] {
			cs.decryptIV[0] = ivbyte
		} else {
			// Counter low byte wrapped.
			cs.decryptIV[0] = ivbyte
			for i := 1; i < IVSize; i++ {
				cs.decryptIV[i]++
				if cs.decryptIV[i] != 0 {
					break
				}
			}
		}
	} else {
		diff := int(ivbyte) - int(cs.decryptIV[0])
		if diff > 128 {
			diff -= 256
		} else if diff < -128 {
			diff += 256
		}

		switch {
		case ivbyte < cs.decryptIV[0] && diff > -30 && diff < 0:
			// Late packet, same counter window.
			late = true
			cs.decryptIV[0] = ivbyte
			restore = true
		case ivbyte > cs.decryptIV[0] && diff > -30 && diff < 0:
			// Late packet from before the low byte wrapped.
			late = true
			cs.decryptIV[0] = ivbyte
			restore = true
			for i := 1; i < IVSize; i++ {
				cs.decryptIV[i]--
				if cs.decryptIV[i] != 0xff {
					break
				}
			}
		case ivbyte > cs.decryptIV[0] && diff > 0:
			// Packets lost, no wrap.
			lost = uint32(diff - 1)
			cs.decryptIV[0] = ivbyte
		case ivbyte < cs.decryptIV[0] && diff > 0:
			// Packets lost across a wrap.
			lost = uint32(diff - 1)
			cs.decryptIV[0] = ivbyte
			for i := 1; i < IVSize; i++ {
				cs.decryptIV[i]++
				if cs.decryptIV[i] != 0 {
					break
				}
			}
		default:
			return ErrDecrypt
		}

		if cs.decryptHistory[ivbyte] == cs.decryptIV[1] {
			// Replay within the current counter window.
			cs.decryptIV = saved
			return ErrDecrypt
		}
	}

	ciphertext := src[Overhead:]
	var want [tagSize]byte
	cs.tag(want[:], cs.decryptIV[:], ciphertext)
	if subtle.ConstantTimeCompare(want[:], src[1:Overhead]) != 1 {
		cs.decryptIV = saved
		return ErrDecrypt
	}

	ctr := cipher.NewCTR(cs.block, cs.decryptIV[:])
	ctr.XORKeyStream(dst[:len(ciphertext)], ciphertext)

	cs.decryptHistory[ivbyte] = cs.decryptIV[1]
	if restore {
		cs.decryptIV = saved
	}

	cs.Good++
	if late {
		cs.Late++
		if cs.Lost > 0 {
			cs.Lost--
		}
	}
	cs.Lost += lost
	cs.lastGood = time.Now()
	return nil
}
