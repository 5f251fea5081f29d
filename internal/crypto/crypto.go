// Package crypto provides the X25519 key-agreement primitive used by
// the curve25519-sha256 key exchange. Ed25519 signing lives with its
// only user, the host key store; the symmetric cipher (AES-256-GCM)
// lives in package cipherstate, since its nonce construction is
// dictated by the SSH wire protocol rather than being a general-purpose
// primitive.
package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of an X25519 private or public key in bytes.
	KeySize = 32
)

// GenerateEphemeralKeypair generates a new ephemeral X25519 keypair for use
// in a single key exchange. The private key should be zeroed after the
// shared secret has been computed.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per RFC 7748.
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// ComputeECDH performs X25519 Diffie-Hellman and returns the shared secret.
// The result is rejected if it is the all-zero low-order point, which would
// indicate an invalid or malicious remote public key.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return sharedSecret, nil
}

// ZeroKey overwrites a fixed-size key array with zeros, scrubbing
// ephemeral key material once the shared secret has been computed.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
