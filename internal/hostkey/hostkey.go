// Package hostkey loads or generates the server's persistent Ed25519
// host key, shared read-only across every connection: a data directory,
// strict file permissions, and generate-on-first-use. Only the 32-byte
// seed is persisted; the full private key is re-derived from it on load.
package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "ssh_host_key"
	publicKeyFile  = "ssh_host_key.pub"

	privateKeyMode os.FileMode = 0o600
	publicKeyMode  os.FileMode = 0o644
)

// Store holds the server's host keypair, loaded once and read by every
// connection's key exchange. It satisfies kex.HostSigner.
type Store struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// PublicKey returns the 32-byte Ed25519 public key, as embedded in the
// host key blob sent with KEXDH_REPLY.
func (s *Store) PublicKey() ed25519.PublicKey { return s.pub }

// Sign signs an exchange hash with the host private key.
func (s *Store) Sign(message []byte) []byte {
	return ed25519.Sign(s.priv, message)
}

// Load opens dir, reading an existing keypair or generating and
// persisting a new one if absent. dir defaults to
// "$HOME/.whisp-<name>/" when empty.
func Load(dir, name string) (*Store, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("hostkey: resolve home dir: %w", err)
		}
		dir = filepath.Join(home, fmt.Sprintf(".whisp-%s", name))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("hostkey: create %s: %w", dir, err)
	}

	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	seed, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("hostkey: %s has unexpected length %d", privPath, len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Store{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil

	case os.IsNotExist(err):
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("hostkey: generate keypair: %w", err)
		}
		if err := os.WriteFile(privPath, priv.Seed(), privateKeyMode); err != nil {
			return nil, fmt.Errorf("hostkey: write %s: %w", privPath, err)
		}
		if err := os.WriteFile(pubPath, pub, publicKeyMode); err != nil {
			return nil, fmt.Errorf("hostkey: write %s: %w", pubPath, err)
		}
		return &Store{pub: pub, priv: priv}, nil

	default:
		return nil, fmt.Errorf("hostkey: read %s: %w", privPath, err)
	}
}
