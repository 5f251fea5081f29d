// Package cipherstate tracks per-direction encryption keys and sequence
// counters for one SSH connection and performs AEAD framing of packets
// once encryption has been activated by NEWKEYS. The wire cipher is
// pinned to aes256-gcm@openssh.com (RFC 5647), built directly on stdlib
// crypto/aes + crypto/cipher.
package cipherstate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/whisphq/whisp/internal/sshpacket"
)

const (
	keySize   = 32 // aes256
	ivSize    = 12 // GCM nonce
	tagSize   = 16
	blockSize = 16 // aes256-gcm@openssh.com pads to the cipher block size
)

// direction indexes the two independent key/IV/sequence slots.
type direction struct {
	key [keySize]byte
	iv  [ivSize]byte
	seq uint64
}

// nonce builds the 12-byte GCM nonce for this direction's current
// sequence number: an 8-byte fixed prefix from the IV plus a 4-byte
// big-endian counter seeded from the IV's last four bytes (RFC 5647 §7.1).
func (d *direction) nonce() [ivSize]byte {
	base := binary.BigEndian.Uint32(d.iv[8:12])
	counter := base + uint32(d.seq)

	var n [ivSize]byte
	copy(n[:8], d.iv[:8])
	binary.BigEndian.PutUint32(n[8:12], counter)
	return n
}

// CipherState is owned by one Connection. It is not safe for concurrent
// use; the Connection decrypts only on its dispatch goroutine and holds
// its write mutex around every Encrypt and around SwapRekey.
type CipherState struct {
	encryptionActive       bool
	hasCompletedInitialKex bool
	rekeyInProgress        bool

	clientToServer direction
	serverToClient direction

	// shadow holds keys derived for a rekey in progress, swapped into the
	// live slots only once both sides have sent/received NEWKEYS.
	shadowC2S direction
	shadowS2C direction
}

// New returns a CipherState with encryption disabled, as at connection
// start.
func New() *CipherState {
	return &CipherState{}
}

// EncryptionActive reports whether AEAD framing is in effect.
func (c *CipherState) EncryptionActive() bool { return c.encryptionActive }

// EnableEncryption flips encryptionActive on first NEWKEYS. Calling it
// again is a no-op: the flag only ever transitions false -> true.
func (c *CipherState) EnableEncryption() {
	c.encryptionActive = true
	c.hasCompletedInitialKex = true
}

// HasCompletedInitialKex reports whether the first key exchange has
// finished, which is what distinguishes a later KEXINIT as a rekey.
func (c *CipherState) HasCompletedInitialKex() bool { return c.hasCompletedInitialKex }

// InstallInitialKeys derives and installs the first set of directional
// keys directly into the live slots (no shadow/swap dance needed before
// any traffic has been encrypted).
func (c *CipherState) InstallInitialKeys(sharedSecret, exchangeHash, sessionID []byte) error {
	c2sIV, s2cIV, c2sKey, s2cKey, err := deriveKeys(sharedSecret, exchangeHash, sessionID)
	if err != nil {
		return err
	}
	c.clientToServer = direction{key: c2sKey, iv: c2sIV}
	c.serverToClient = direction{key: s2cKey, iv: s2cIV}
	return nil
}

// PrepareRekey derives the next set of directional keys into the shadow
// slots without touching the live ones; traffic up to the peer's NEWKEYS
// must still flow under the current keys (RFC 4253 §9).
func (c *CipherState) PrepareRekey(sharedSecret, exchangeHash, sessionID []byte) error {
	c2sIV, s2cIV, c2sKey, s2cKey, err := deriveKeys(sharedSecret, exchangeHash, sessionID)
	if err != nil {
		return err
	}
	c.shadowC2S = direction{key: c2sKey, iv: c2sIV}
	c.shadowS2C = direction{key: s2cKey, iv: s2cIV}
	c.rekeyInProgress = true
	return nil
}

// SwapRekey atomically copies the shadow keys into the live slots and
// resets both sequence counters to zero. Called
// once both client and server NEWKEYS have been exchanged.
func (c *CipherState) SwapRekey() {
	c.clientToServer = direction{key: c.shadowC2S.key, iv: c.shadowC2S.iv}
	c.serverToClient = direction{key: c.shadowS2C.key, iv: c.shadowS2C.iv}
	c.shadowC2S = direction{}
	c.shadowS2C = direction{}
	c.rekeyInProgress = false
}

// RekeyInProgress reports whether PrepareRekey has run without a
// matching SwapRekey yet.
func (c *CipherState) RekeyInProgress() bool { return c.rekeyInProgress }

// Encrypt frames and AEAD-seals one server->client packet, returning the
// bytes to write to the socket. The 4-byte length is sent in the clear
// and doubles as GCM associated data.
func (c *CipherState) Encrypt(msgType byte, payload []byte) ([]byte, error) {
	body := make([]byte, 0, 1+len(payload))
	body = append(body, msgType)
	body = append(body, payload...)

	padLen := blockSize - ((1 + len(body)) % blockSize)
	if padLen < 4 {
		padLen += blockSize
	}
	plaintext := make([]byte, 1+len(body)+padLen)
	plaintext[0] = byte(padLen)
	copy(plaintext[1:], body)
	// Padding bytes are left zeroed; their content is never interpreted.

	aead, err := newGCM(c.serverToClient.key)
	if err != nil {
		return nil, fmt.Errorf("cipherstate: encrypt: %w", err)
	}

	lengthField := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthField, uint32(len(plaintext)))

	n := c.serverToClient.nonce()
	sealed := aead.Seal(nil, n[:], plaintext, lengthField)
	c.serverToClient.seq++

	out := make([]byte, 0, 4+len(sealed))
	out = append(out, lengthField...)
	out = append(out, sealed...)
	return out, nil
}

// Need reports the decode state of DecryptNext.
type Need int

const (
	// NeedMore means the buffer does not yet hold a full packet.
	NeedMore Need = iota
	// NeedOK means a packet was successfully decrypted.
	NeedOK
	// NeedFatal means the AEAD tag failed to verify; the connection must
	// be torn down.
	NeedFatal
)

// DecryptNext parses and authenticates one client->server packet from
// the front of buf. It requires at least 4 bytes to read the length and
// 4+length+tagSize to attempt decryption.
func (c *CipherState) DecryptNext(buf []byte, maxPacketLen uint32) (*sshpacket.Packet, int, Need, error) {
	if len(buf) < 4 {
		return nil, 0, NeedMore, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length > maxPacketLen {
		return nil, 0, NeedFatal, fmt.Errorf("cipherstate: packet length %d exceeds max", length)
	}
	total := 4 + int(length) + tagSize
	if len(buf) < total {
		return nil, 0, NeedMore, nil
	}

	aead, err := newGCM(c.clientToServer.key)
	if err != nil {
		return nil, 0, NeedFatal, fmt.Errorf("cipherstate: decrypt: %w", err)
	}

	n := c.clientToServer.nonce()
	plaintext, err := aead.Open(nil, n[:], buf[4:total], buf[0:4])
	if err != nil {
		return nil, 0, NeedFatal, fmt.Errorf("cipherstate: tag verification failed: %w", err)
	}
	c.clientToServer.seq++

	if len(plaintext) < 1 {
		return nil, 0, NeedFatal, fmt.Errorf("cipherstate: empty plaintext")
	}
	padLen := int(plaintext[0])
	if padLen < 4 || padLen > len(plaintext)-1 {
		return nil, 0, NeedFatal, fmt.Errorf("cipherstate: invalid padding length %d", padLen)
	}
	body := plaintext[1 : len(plaintext)-padLen]
	if len(body) < 1 {
		return nil, 0, NeedFatal, fmt.Errorf("cipherstate: empty payload")
	}

	pkt := sshpacket.NewPacket(body[0], body[1:])
	return pkt, total, NeedOK, nil
}

func newGCM(key [keySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// deriveKeys implements the SSH KDF (RFC 4253 §7.2): for need length N
// and letter L, K1 = SHA-256(K || H || L || session_id), Ki+1 =
// SHA-256(K || H || K1 || ... || Ki), truncated to N bytes. K is the
// shared secret packed as an mpint; H is the current exchange hash;
// session_id is pinned to the first exchange's hash forever.
func deriveKeys(sharedSecret, exchangeHash, sessionID []byte) (c2sIV, s2cIV [ivSize]byte, c2sKey, s2cKey [keySize]byte, err error) {
	k := sshpacket.WriteMpint(nil, sharedSecret)

	a := kdf(k, exchangeHash, 'A', sessionID, ivSize)     // C->S IV
	b := kdf(k, exchangeHash, 'B', sessionID, ivSize)     // S->C IV
	cKey := kdf(k, exchangeHash, 'C', sessionID, keySize) // C->S key
	dKey := kdf(k, exchangeHash, 'D', sessionID, keySize) // S->C key

	copy(c2sIV[:], a)
	copy(s2cIV[:], b)
	copy(c2sKey[:], cKey)
	copy(s2cKey[:], dKey)
	return c2sIV, s2cIV, c2sKey, s2cKey, nil
}

func kdf(k, h []byte, letter byte, sessionID []byte, n int) []byte {
	first := sha256.New()
	first.Write(k)
	first.Write(h)
	first.Write([]byte{letter})
	first.Write(sessionID)
	out := first.Sum(nil)

	for len(out) < n {
		next := sha256.New()
		next.Write(k)
		next.Write(h)
		next.Write(out)
		out = append(out, next.Sum(nil)...)
	}
	return out[:n]
}
