// Package identity provides long-term peer identity management.
//
// An identity is an Ed25519 signing keypair persisted across runs. The public
// key is published through the rendezvous and is what the remote peer verifies
// handshake signatures against.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/postalsys/duovoice/internal/crypto"
)

// FileSize is the on-disk size of an identity file: the 32-byte private seed
// followed by the 32-byte public key.
const FileSize = crypto.Ed25519SeedSize + crypto.Ed25519PublicKeySize

var (
	// ErrInvalidIdentityFile is returned when the identity file is corrupt.
	ErrInvalidIdentityFile = errors.New("invalid identity file")
)

// Identity holds a long-term Ed25519 signing keypair.
type Identity struct {
	PublicKey  [crypto.Ed25519PublicKeySize]byte
	PrivateKey [crypto.Ed25519PrivateKeySize]byte
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}

	id := &Identity{}
	copy(id.PublicKey[:], pub)
	copy(id.PrivateKey[:], priv)
	return id, nil
}

// FromSeed reconstructs an identity from a 32-byte seed.
func FromSeed(seed [crypto.Ed25519SeedSize]byte) *Identity {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)

	id := &Identity{}
	copy(id.PublicKey[:], pub)
	copy(id.PrivateKey[:], priv)
	return id
}

// Sign signs a handshake transcript with the identity private key.
func (id *Identity) Sign(message []byte) [crypto.Ed25519SignatureSize]byte {
	return crypto.Sign(id.PrivateKey, message)
}

// PublicKeyBase64 returns the public key in the base64 form used by the
// rendezvous wire protocol.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey[:])
}

// Zero scrubs the private key material.
func (id *Identity) Zero() {
	crypto.ZeroSigningKey(&id.PrivateKey)
}

// Store persists the identity to path as seed || public, written atomically
// via a temp file rename.
func (id *Identity) Store(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create identity directory: %w", err)
		}
	}

	buf := make([]byte, 0, FileSize)
	buf = append(buf, id.PrivateKey[:crypto.Ed25519SeedSize]...)
	buf = append(buf, id.PublicKey[:]...)

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, buf, 0600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	crypto.ZeroBytes(buf)

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("persist identity: %w", err)
	}

	return nil
}

// Load reads an identity from path. The stored public key must match the one
// derived from the stored seed.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	defer crypto.ZeroBytes(data)

	if len(data) != FileSize {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidIdentityFile, len(data), FileSize)
	}

	var seed [crypto.Ed25519SeedSize]byte
	copy(seed[:], data[:crypto.Ed25519SeedSize])
	id := FromSeed(seed)
	crypto.ZeroBytes(seed[:])

	var storedPub [crypto.Ed25519PublicKeySize]byte
	copy(storedPub[:], data[crypto.Ed25519SeedSize:])
	if id.PublicKey != storedPub {
		return nil, fmt.Errorf("%w: stored public key does not match seed", ErrInvalidIdentityFile)
	}

	return id, nil
}

// LoadOrCreate loads an existing identity from path, or generates and
// persists a new one if none exists. The second return value reports whether
// a new identity was created.
func LoadOrCreate(path string) (*Identity, bool, error) {
	id, err := Load(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	id, err = Generate()
	if err != nil {
		return nil, false, err
	}

	if err := id.Store(path); err != nil {
		return nil, false, err
	}

	return id, true, nil
}

// ParsePublicKey decodes a base64 public key as published to the rendezvous.
func ParsePublicKey(b64 string) ([crypto.Ed25519PublicKeySize]byte, error) {
	var pub [crypto.Ed25519PublicKeySize]byte

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return pub, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != crypto.Ed25519PublicKeySize {
		return pub, fmt.Errorf("public key must be %d bytes, got %d", crypto.Ed25519PublicKeySize, len(raw))
	}

	copy(pub[:], raw)
	return pub, nil
}
