// Package kex implements KEXINIT negotiation and the curve25519-sha256
// key exchange (RFC 8731). Negotiation is nominal: the server
// advertises exactly one algorithm per list and rejects a client that
// didn't offer the same choices.
package kex

import (
	"crypto/rand"
	"fmt"

	"github.com/whisphq/whisp/internal/sshpacket"
)

// Algorithm names the server announces and requires.
const (
	KexAlgorithm     = "curve25519-sha256"
	HostKeyAlgorithm = "ssh-ed25519"
	CipherAlgorithm  = "aes256-gcm@openssh.com"
	MACAlgorithm     = "hmac-sha2-256"
	CompressionNone  = "none"
)

// KexInit is one parsed (or about-to-be-built) KEXINIT payload.
type KexInit struct {
	Cookie                  [16]byte
	KexAlgorithms           []string
	ServerHostKeyAlgorithms []string
	EncryptionC2S           []string
	EncryptionS2C           []string
	MACC2S                  []string
	MACS2C                  []string
	CompressionC2S          []string
	CompressionS2C          []string
	LanguagesC2S            []string
	LanguagesS2C            []string
	FirstKexPacketFollows   bool
	Reserved                uint32

	// Raw is the verbatim payload (including the message-type byte) as
	// received or sent, needed unmodified for the exchange-hash transcript.
	Raw []byte
}

// BuildServerKexInit returns the server's KEXINIT payload and its raw,
// message-type-prefixed encoding for later inclusion in the exchange hash.
func BuildServerKexInit() (*KexInit, error) {
	var cookie [16]byte
	if _, err := rand.Read(cookie[:]); err != nil {
		return nil, fmt.Errorf("kex: generate cookie: %w", err)
	}

	k := &KexInit{
		Cookie:                  cookie,
		KexAlgorithms:           []string{KexAlgorithm},
		ServerHostKeyAlgorithms: []string{HostKeyAlgorithm},
		EncryptionC2S:           []string{CipherAlgorithm},
		EncryptionS2C:           []string{CipherAlgorithm},
		MACC2S:                  []string{MACAlgorithm},
		MACS2C:                  []string{MACAlgorithm},
		CompressionC2S:          []string{CompressionNone},
		CompressionS2C:          []string{CompressionNone},
	}
	k.Raw = k.encode()
	return k, nil
}

func (k *KexInit) encode() []byte {
	buf := []byte{sshpacket.MsgKexInit}
	buf = append(buf, k.Cookie[:]...)
	buf = sshpacket.WriteCString(buf, joinNames(k.KexAlgorithms))
	buf = sshpacket.WriteCString(buf, joinNames(k.ServerHostKeyAlgorithms))
	buf = sshpacket.WriteCString(buf, joinNames(k.EncryptionC2S))
	buf = sshpacket.WriteCString(buf, joinNames(k.EncryptionS2C))
	buf = sshpacket.WriteCString(buf, joinNames(k.MACC2S))
	buf = sshpacket.WriteCString(buf, joinNames(k.MACS2C))
	buf = sshpacket.WriteCString(buf, joinNames(k.CompressionC2S))
	buf = sshpacket.WriteCString(buf, joinNames(k.CompressionS2C))
	buf = sshpacket.WriteCString(buf, joinNames(k.LanguagesC2S))
	buf = sshpacket.WriteCString(buf, joinNames(k.LanguagesS2C))
	buf = sshpacket.WriteBool(buf, k.FirstKexPacketFollows)
	buf = sshpacket.WriteUint32(buf, k.Reserved)
	return buf
}

// Payload returns the KEXINIT payload without the message-type byte,
// ready to send as a Packet.
func (k *KexInit) Payload() []byte {
	return k.Raw[1:]
}

// ParseClientKexInit parses a client KEXINIT packet and validates that
// the client offered the server's fixed algorithm suite.
func ParseClientKexInit(pkt *sshpacket.Packet) (*KexInit, error) {
	k := &KexInit{}

	cookie, err := readRaw(pkt, 16)
	if err != nil {
		return nil, fmt.Errorf("kex: read cookie: %w", err)
	}
	copy(k.Cookie[:], cookie)

	lists := make([][]string, 10)
	for i := range lists {
		s, err := pkt.ReadCString()
		if err != nil {
			return nil, fmt.Errorf("kex: read algorithm list %d: %w", i, err)
		}
		lists[i] = splitNames(s)
	}
	k.KexAlgorithms = lists[0]
	k.ServerHostKeyAlgorithms = lists[1]
	k.EncryptionC2S = lists[2]
	k.EncryptionS2C = lists[3]
	k.MACC2S = lists[4]
	k.MACS2C = lists[5]
	k.CompressionC2S = lists[6]
	k.CompressionS2C = lists[7]
	k.LanguagesC2S = lists[8]
	k.LanguagesS2C = lists[9]

	follows, err := pkt.ReadBool()
	if err != nil {
		return nil, fmt.Errorf("kex: read first_kex_packet_follows: %w", err)
	}
	k.FirstKexPacketFollows = follows

	reserved, err := pkt.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("kex: read reserved: %w", err)
	}
	k.Reserved = reserved

	if !contains(k.KexAlgorithms, KexAlgorithm) {
		return nil, fmt.Errorf("kex: client did not offer %s", KexAlgorithm)
	}
	if !contains(k.ServerHostKeyAlgorithms, HostKeyAlgorithm) {
		return nil, fmt.Errorf("kex: client did not offer %s", HostKeyAlgorithm)
	}
	if !contains(k.EncryptionC2S, CipherAlgorithm) || !contains(k.EncryptionS2C, CipherAlgorithm) {
		return nil, fmt.Errorf("kex: client did not offer %s", CipherAlgorithm)
	}
	if !contains(k.MACC2S, MACAlgorithm) || !contains(k.MACS2C, MACAlgorithm) {
		return nil, fmt.Errorf("kex: client did not offer %s", MACAlgorithm)
	}
	if !contains(k.CompressionC2S, CompressionNone) || !contains(k.CompressionS2C, CompressionNone) {
		return nil, fmt.Errorf("kex: client did not offer compression %s", CompressionNone)
	}

	k.Raw = append([]byte{sshpacket.MsgKexInit}, pkt.Payload...)
	return k, nil
}

func readRaw(pkt *sshpacket.Packet, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := pkt.ReadByte()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}

func splitNames(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
