// Package sshpacket frames and unframes the SSH binary packet protocol
// (RFC 4253 §6) and provides typed extraction helpers over a packet's
// payload. It knows nothing about encryption; CipherState in package
// cipherstate wraps a Packet's wire bytes with AEAD sealing.
package sshpacket

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// Message type constants (RFC 4250 §4.1).
const (
	MsgDisconnect              = 1
	MsgIgnore                  = 2
	MsgUnimplemented           = 3
	MsgDebug                   = 4
	MsgServiceRequest          = 5
	MsgServiceAccept           = 6
	MsgExtInfo                 = 7
	MsgKexInit                 = 20
	MsgNewKeys                 = 21
	MsgKexDHInit               = 30
	MsgKexDHReply              = 31
	MsgUserauthRequest         = 50
	MsgUserauthFailure         = 51
	MsgUserauthSuccess         = 52
	MsgUserauthPKOK            = 60
	MsgGlobalRequest           = 80
	MsgChannelOpen             = 90
	MsgChannelOpenConfirmation = 91
	MsgChannelOpenFailure      = 92
	MsgChannelWindowAdjust     = 93
	MsgChannelData             = 94
	MsgChannelExtendedData     = 95
	MsgChannelEOF              = 96
	MsgChannelClose            = 97
	MsgChannelRequest          = 98
	MsgChannelSuccess          = 99
	MsgChannelFailure          = 100
)

// Disconnect reason codes (RFC 4253 §11.1), used with MsgDisconnect.
const (
	DisconnectKeyExchangeFailed       = 3
	DisconnectMACError                = 6
	DisconnectProtocolError           = 2
	DisconnectByApplication           = 11
	DisconnectConnectionLost          = 10
)

// ErrFrameTooLarge is returned when a decoded packet_length exceeds the
// caller-supplied maximum.
var ErrFrameTooLarge = errors.New("sshpacket: packet length exceeds max_packet_size")

// ErrInvalidFrame is returned for malformed framing: bad padding length,
// truncated payload, or a cleartext block-size violation.
var ErrInvalidFrame = errors.New("sshpacket: invalid frame")

// ErrShortBuffer is returned by Unframe when the buffer does not yet hold
// a complete cleartext packet; the caller should read more and retry.
var ErrShortBuffer = errors.New("sshpacket: buffer too short")

// blockSize is used to compute cleartext padding (RFC 4253 §6 requires
// a multiple of 8 before a cipher is negotiated). Once encryption is
// active, CipherState computes padding against the cipher block instead.
const blockSize = 8

// minPadding is the minimum padding length mandated by RFC 4253 §6.
const minPadding = 4

// Packet is one decoded binary-packet payload: a message type byte plus
// the remaining bytes, with a cursor for sequential typed extraction.
type Packet struct {
	Type    byte
	Payload []byte
	pos     int
}

// NewPacket wraps a message type and payload bytes (payload excludes the
// type byte) into a Packet ready for reading.
func NewPacket(msgType byte, payload []byte) *Packet {
	return &Packet{Type: msgType, Payload: payload}
}

// Frame builds the cleartext wire form of a packet: 4-byte length,
// 1-byte padding length, the message-type byte + payload, then padding.
// Used only before encryption is active; once NEWKEYS has been
// exchanged, CipherState.Encrypt takes over.
func Frame(msgType byte, payload []byte) ([]byte, error) {
	body := make([]byte, 0, 1+len(payload))
	body = append(body, msgType)
	body = append(body, payload...)

	padLen := blockSize - ((1 + len(body)) % blockSize)
	if padLen < minPadding {
		padLen += blockSize
	}

	padded := 1 + len(body) + padLen
	buf := make([]byte, 4+padded)
	binary.BigEndian.PutUint32(buf[0:4], uint32(padded))
	buf[4] = byte(padLen)
	copy(buf[5:], body)
	if _, err := rand.Read(buf[5+len(body):]); err != nil {
		return nil, fmt.Errorf("sshpacket: generate padding: %w", err)
	}
	return buf, nil
}

// Unframe parses one cleartext packet from the front of buf, returning
// the packet and the number of bytes consumed. maxPacketLen bounds
// packet_length against the connection's current max_packet_size.
func Unframe(buf []byte, maxPacketLen uint32) (*Packet, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrShortBuffer
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length > maxPacketLen {
		return nil, 0, fmt.Errorf("%w: packet_length %d", ErrFrameTooLarge, length)
	}
	if length < 1+minPadding {
		return nil, 0, fmt.Errorf("%w: packet_length %d", ErrInvalidFrame, length)
	}
	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, ErrShortBuffer
	}

	padLen := int(buf[4])
	if padLen < minPadding || padLen > int(length)-1 {
		return nil, 0, fmt.Errorf("%w: padding length %d", ErrInvalidFrame, padLen)
	}
	body := buf[5 : total-padLen]
	if len(body) < 1 {
		return nil, 0, fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}

	return &Packet{Type: body[0], Payload: body[1:]}, total, nil
}

// remaining returns the unread tail of the payload.
func (p *Packet) remaining() []byte {
	if p.pos >= len(p.Payload) {
		return nil
	}
	return p.Payload[p.pos:]
}

// ReadByte extracts a single byte (used for booleans and opcodes).
func (p *Packet) ReadByte() (byte, error) {
	r := p.remaining()
	if len(r) < 1 {
		return 0, fmt.Errorf("%w: read byte past end", ErrInvalidFrame)
	}
	p.pos++
	return r[0], nil
}

// ReadBool extracts a boolean (single byte, nonzero is true).
func (p *Packet) ReadBool() (bool, error) {
	b, err := p.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadUint32 extracts a 4-byte big-endian unsigned integer.
func (p *Packet) ReadUint32() (uint32, error) {
	r := p.remaining()
	if len(r) < 4 {
		return 0, fmt.Errorf("%w: read uint32 past end", ErrInvalidFrame)
	}
	v := binary.BigEndian.Uint32(r[:4])
	p.pos += 4
	return v, nil
}

// ReadString extracts a length-prefixed byte string.
func (p *Packet) ReadString() ([]byte, error) {
	n, err := p.ReadUint32()
	if err != nil {
		return nil, err
	}
	r := p.remaining()
	if uint32(len(r)) < n {
		return nil, fmt.Errorf("%w: read string past end", ErrInvalidFrame)
	}
	s := r[:n]
	p.pos += int(n)
	return s, nil
}

// ReadCString is ReadString with the result converted to a Go string.
func (p *Packet) ReadCString() (string, error) {
	b, err := p.ReadString()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadMpint extracts an SSH mpint: a length-prefixed two's-complement
// big-endian integer. Only non-negative values are expected on this
// wire (shared secrets); the sign bit is not interpreted.
func (p *Packet) ReadMpint() ([]byte, error) {
	b, err := p.ReadString()
	if err != nil {
		return nil, err
	}
	// Strip a canonical leading zero byte inserted only to keep the MSB
	// clear; callers that need raw magnitude get it without the marker.
	for len(b) > 1 && b[0] == 0 {
		b = b[1:]
	}
	return b, nil
}

// Remaining reports whether unread payload bytes remain.
func (p *Packet) Remaining() int {
	return len(p.Payload) - p.pos
}

// --- Tagged write helpers ---
//
// Rather than a runtime type-dispatch packer, each value kind has its own
// explicit Write* function composed at the call site.

// WriteUint32 appends a big-endian uint32.
func WriteUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// WriteString appends a length-prefixed byte string.
func WriteString(buf []byte, s []byte) []byte {
	buf = WriteUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// WriteCString appends a length-prefixed Go string.
func WriteCString(buf []byte, s string) []byte {
	return WriteString(buf, []byte(s))
}

// WriteBool appends a single boolean byte.
func WriteBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// WriteByte appends a single raw byte.
func WriteByte(buf []byte, v byte) []byte {
	return append(buf, v)
}

// WriteMpint appends an SSH-canonical mpint for a non-negative big-endian
// magnitude: a leading zero byte is inserted when the top bit of the
// first byte is set, so the value is never misread as negative.
func WriteMpint(buf []byte, magnitude []byte) []byte {
	// Trim leading zero bytes from the input magnitude first so the
	// canonicalization below adds at most one.
	m := magnitude
	for len(m) > 1 && m[0] == 0 {
		m = m[1:]
	}
	if len(m) == 0 {
		m = []byte{0}
	}
	if m[0]&0x80 != 0 {
		canon := make([]byte, 0, len(m)+1)
		canon = append(canon, 0)
		canon = append(canon, m...)
		m = canon
	}
	return WriteString(buf, m)
}
