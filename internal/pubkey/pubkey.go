// Package pubkey parses SSH public-key and signature blobs and verifies
// publickey userauth signatures (RFC 4252 §7). ssh-ed25519 verification
// is delegated to stdlib crypto/ed25519 and ssh-rsa verification to
// stdlib crypto/rsa, which leaves only the
// SSH blob encoding and signed-data construction here.
package pubkey

import (
	"crypto"
	cryptorsa "crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"

	ed25519crypto "crypto/ed25519"

	"github.com/whisphq/whisp/internal/sshpacket"
)

// Algorithm name constants.
const (
	AlgoSSHRSA     = "ssh-rsa"
	AlgoRSASHA256  = "rsa-sha2-256"
	AlgoRSASHA512  = "rsa-sha2-512"
	AlgoSSHEd25519 = "ssh-ed25519"
)

// ErrUnsupportedAlgorithm is returned for a key type or signature
// algorithm outside §4.4's compatibility matrix.
var ErrUnsupportedAlgorithm = errors.New("pubkey: unsupported algorithm")

// ErrAlgorithmMismatch is returned when the signature algorithm is not
// one the presented key type accepts.
var ErrAlgorithmMismatch = errors.New("pubkey: signature algorithm incompatible with key type")

// Key is a parsed client public key, keeping the original blob so it can
// be echoed back verbatim in USERAUTH_PK_OK and reused for downstream
// env injection.
type Key struct {
	Algorithm string // the key's own type: "ssh-rsa" or "ssh-ed25519"
	Blob      []byte // original wire blob, verbatim

	rsaPublic *cryptorsa.PublicKey
	edPublic  ed25519crypto.PublicKey
}

// ParseKeyBlob parses an SSH public-key blob (ssh-rsa or ssh-ed25519).
func ParseKeyBlob(blob []byte) (*Key, error) {
	pkt := sshpacket.NewPacket(0, blob)
	algo, err := pkt.ReadCString()
	if err != nil {
		return nil, fmt.Errorf("pubkey: read key type: %w", err)
	}

	switch algo {
	case AlgoSSHEd25519:
		pub, err := pkt.ReadString()
		if err != nil {
			return nil, fmt.Errorf("pubkey: read ed25519 public key: %w", err)
		}
		if len(pub) != ed25519crypto.PublicKeySize {
			return nil, fmt.Errorf("pubkey: ed25519 public key has length %d", len(pub))
		}
		return &Key{Algorithm: algo, Blob: blob, edPublic: ed25519crypto.PublicKey(pub)}, nil

	case AlgoSSHRSA:
		eBytes, err := pkt.ReadMpint()
		if err != nil {
			return nil, fmt.Errorf("pubkey: read rsa exponent: %w", err)
		}
		nBytes, err := pkt.ReadMpint()
		if err != nil {
			return nil, fmt.Errorf("pubkey: read rsa modulus: %w", err)
		}
		e := new(big.Int).SetBytes(eBytes)
		n := new(big.Int).SetBytes(nBytes)
		return &Key{
			Algorithm: algo,
			Blob:      canonicalRSABlob(e, n),
			rsaPublic: &cryptorsa.PublicKey{N: n, E: int(e.Int64())},
		}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algo)
	}
}

// canonicalRSABlob rebuilds string("ssh-rsa") || string(e) || string(n)
// as specified in §4.4 so the signed-data buffer always uses the
// canonical encoding regardless of how the client padded its mpints.
func canonicalRSABlob(e, n *big.Int) []byte {
	buf := sshpacket.WriteCString(nil, AlgoSSHRSA)
	buf = sshpacket.WriteMpint(buf, e.Bytes())
	buf = sshpacket.WriteMpint(buf, n.Bytes())
	return buf
}

// SignatureBlob is a parsed signature: string(algorithm) || string(sig).
type SignatureBlob struct {
	Algorithm string
	Signature []byte
}

// ParseSignatureBlob parses a signature blob from a publickey
// USERAUTH_REQUEST.
func ParseSignatureBlob(blob []byte) (*SignatureBlob, error) {
	pkt := sshpacket.NewPacket(0, blob)
	algo, err := pkt.ReadCString()
	if err != nil {
		return nil, fmt.Errorf("pubkey: read signature algorithm: %w", err)
	}
	sig, err := pkt.ReadString()
	if err != nil {
		return nil, fmt.Errorf("pubkey: read signature: %w", err)
	}
	return &SignatureBlob{Algorithm: algo, Signature: sig}, nil
}

// SignedData builds the canonical buffer signed for a publickey
// USERAUTH_REQUEST (RFC 4252 §7): length-prefixed session_id, then raw
// USERAUTH_REQUEST(50), username, service, "publickey", the boolean
// true, signature_algorithm, and the public_key_blob.
func SignedData(sessionID []byte, username, service, sigAlgorithm string, keyBlob []byte) []byte {
	buf := sshpacket.WriteString(nil, sessionID)
	buf = sshpacket.WriteByte(buf, sshpacket.MsgUserauthRequest)
	buf = sshpacket.WriteCString(buf, username)
	buf = sshpacket.WriteCString(buf, service)
	buf = sshpacket.WriteCString(buf, "publickey")
	buf = sshpacket.WriteBool(buf, true)
	buf = sshpacket.WriteCString(buf, sigAlgorithm)
	buf = sshpacket.WriteString(buf, keyBlob)
	return buf
}

// Verify checks sig (already split into algorithm + raw signature)
// against signedData using key, enforcing the algorithm compatibility
// matrix (RFC 8332 §3).
func Verify(key *Key, sig *SignatureBlob, signedData []byte) error {
	switch key.Algorithm {
	case AlgoSSHEd25519:
		if sig.Algorithm != AlgoSSHEd25519 {
			return fmt.Errorf("%w: ed25519 key got %s", ErrAlgorithmMismatch, sig.Algorithm)
		}
		if !ed25519crypto.Verify(key.edPublic, signedData, sig.Signature) {
			return fmt.Errorf("pubkey: ed25519 signature verification failed")
		}
		return nil

	case AlgoSSHRSA:
		var hash crypto.Hash
		switch sig.Algorithm {
		case AlgoSSHRSA:
			hash = crypto.SHA1
		case AlgoRSASHA256:
			hash = crypto.SHA256
		case AlgoRSASHA512:
			hash = crypto.SHA512
		default:
			return fmt.Errorf("%w: rsa key got %s", ErrAlgorithmMismatch, sig.Algorithm)
		}
		digest := hashWith(hash, signedData)
		if err := cryptorsa.VerifyPKCS1v15(key.rsaPublic, hash, digest, sig.Signature); err != nil {
			return fmt.Errorf("pubkey: rsa signature verification failed: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, key.Algorithm)
	}
}

func hashWith(h crypto.Hash, data []byte) []byte {
	switch h {
	case crypto.SHA1:
		sum := sha1.Sum(data)
		return sum[:]
	case crypto.SHA256:
		sum := sha256.Sum256(data)
		return sum[:]
	case crypto.SHA512:
		sum := sha512.Sum512(data)
		return sum[:]
	default:
		panic("pubkey: unsupported hash")
	}
}
