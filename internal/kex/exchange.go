package kex

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/whisphq/whisp/internal/crypto"
	"github.com/whisphq/whisp/internal/sshpacket"
)

// HostSigner signs an exchange hash with the server's persistent host
// key and exposes its public key for the host-key blob. Implemented by
// internal/hostkey.Store; an interface here keeps kex decoupled from the
// key-storage concern.
type HostSigner interface {
	PublicKey() ed25519.PublicKey
	Sign(message []byte) []byte
}

// Context is ephemeral state for one key exchange (initial or rekey).
// It is discarded once keys are derived and installed.
type Context struct {
	ClientKexInit *KexInit
	ServerKexInit *KexInit

	ClientEphemeralPublic [crypto.KeySize]byte
	serverEphemeralPublic [crypto.KeySize]byte

	SharedSecret []byte // big-endian magnitude
	ExchangeHash []byte // H
}

// hostKeyBlob returns string("ssh-ed25519") || string(pub), the wire
// encoding of the Ed25519 host public key.
func hostKeyBlob(pub ed25519.PublicKey) []byte {
	buf := sshpacket.WriteCString(nil, HostKeyAlgorithm)
	buf = sshpacket.WriteString(buf, pub)
	return buf
}

// Reply is the content of a KEXDH_REPLY message (RFC 8731 §3).
type Reply struct {
	HostKeyBlob     []byte
	ServerEphemeral [crypto.KeySize]byte
	SignatureBlob   []byte
}

// Payload encodes the reply as a KEXDH_REPLY packet payload.
func (r *Reply) Payload() []byte {
	buf := sshpacket.WriteString(nil, r.HostKeyBlob)
	buf = sshpacket.WriteString(buf, r.ServerEphemeral[:])
	buf = sshpacket.WriteString(buf, r.SignatureBlob)
	return buf
}

// Run performs the server side of one curve25519-sha256 exchange: it
// generates a fresh ephemeral keypair, computes the X25519 shared
// secret against the client's public key, derives the exchange hash H
// over the full transcript, and signs H with the host key. clientVersion
// and serverVersion are the trimmed "SSH-2.0-..." identification lines.
func Run(clientKexInitPkt *sshpacket.Packet, clientVersion, serverVersion string, serverKexInit *KexInit, kexDHInit *sshpacket.Packet, signer HostSigner) (*Context, *Reply, error) {
	clientKexInit, err := ParseClientKexInit(clientKexInitPkt)
	if err != nil {
		return nil, nil, fmt.Errorf("kex: %w", err)
	}

	clientPubBytes, err := kexDHInit.ReadString()
	if err != nil {
		return nil, nil, fmt.Errorf("kex: read client ephemeral public: %w", err)
	}
	if len(clientPubBytes) != crypto.KeySize {
		return nil, nil, fmt.Errorf("kex: client ephemeral public key has length %d, want %d", len(clientPubBytes), crypto.KeySize)
	}
	var clientPub [crypto.KeySize]byte
	copy(clientPub[:], clientPubBytes)

	serverPriv, serverPub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, nil, fmt.Errorf("kex: generate ephemeral keypair: %w", err)
	}

	shared, err := crypto.ComputeECDH(serverPriv, clientPub)
	crypto.ZeroKey(&serverPriv)
	if err != nil {
		return nil, nil, fmt.Errorf("kex: compute shared secret: %w", err)
	}

	hostPub := signer.PublicKey()
	blob := hostKeyBlob(hostPub)

	h := exchangeHash(clientVersion, serverVersion, clientKexInit.Raw, serverKexInit.Raw, blob, clientPub[:], serverPub[:], shared[:])

	sig := signer.Sign(h)
	sigBlob := sshpacket.WriteCString(nil, HostKeyAlgorithm)
	sigBlob = sshpacket.WriteString(sigBlob, sig)

	ctx := &Context{
		ClientKexInit:         clientKexInit,
		ServerKexInit:         serverKexInit,
		ClientEphemeralPublic: clientPub,
		serverEphemeralPublic: serverPub,
		SharedSecret:          shared[:],
		ExchangeHash:          h,
	}
	reply := &Reply{
		HostKeyBlob:     blob,
		ServerEphemeral: serverPub,
		SignatureBlob:   sigBlob,
	}
	return ctx, reply, nil
}

// exchangeHash computes H = SHA-256 of the length-prefixed concatenation
// of the transcript fields (RFC 8731 §3.1), in order.
func exchangeHash(clientVersion, serverVersion string, clientKexInitRaw, serverKexInitRaw, hostKeyBlob, clientEphemeral, serverEphemeral, sharedSecret []byte) []byte {
	buf := sshpacket.WriteCString(nil, clientVersion)
	buf = sshpacket.WriteCString(buf, serverVersion)
	buf = sshpacket.WriteString(buf, clientKexInitRaw)
	buf = sshpacket.WriteString(buf, serverKexInitRaw)
	buf = sshpacket.WriteString(buf, hostKeyBlob)
	buf = sshpacket.WriteString(buf, clientEphemeral)
	buf = sshpacket.WriteString(buf, serverEphemeral)
	buf = sshpacket.WriteMpint(buf, sharedSecret)

	sum := sha256.Sum256(buf)
	return sum[:]
}
