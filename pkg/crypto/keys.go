package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidBundle    = errors.New("invalid prekey bundle")
	ErrNoSession        = errors.New("no session with peer")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KeyPair holds a node's long-term identity: an X25519 key for key
// agreement and an Ed25519 key for signing prekeys.
type KeyPair struct {
	IdentityPrivate []byte
	IdentityPublic  []byte
	SigningPrivate  ed25519.PrivateKey
	SigningPublic   ed25519.PublicKey
}

// GenerateKeyPair generates fresh identity and signing keys
func GenerateKeyPair() (*KeyPair, error) {
	identityPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(identityPriv); err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}

	identityPub, err := curve25519.X25519(identityPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive identity key: %w", err)
	}

	signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	return &KeyPair{
		IdentityPrivate: identityPriv,
		IdentityPublic:  identityPub,
		SigningPrivate:  signingPriv,
		SigningPublic:   signingPub,
	}, nil
}

// keystore is the on-disk JSON form. Only private material is stored; the
// public halves are re-derived on load.
type keystore struct {
	IdentityPrivate string `json:"identityPrivate"`
	SigningSeed     string `json:"signingSeed"`
}

// SaveKeyPair writes the key material to path, readable only by the owner
func SaveKeyPair(path string, kp *KeyPair) error {
	data, err := json.MarshalIndent(keystore{
		IdentityPrivate: base64.StdEncoding.EncodeToString(kp.IdentityPrivate),
		SigningSeed:     base64.StdEncoding.EncodeToString(kp.SigningPrivate.Seed()),
	}, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// LoadKeyPair reads a keystore written by SaveKeyPair
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ks keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("unreadable keystore: %w", err)
	}

	identityPriv, err := base64.StdEncoding.DecodeString(ks.IdentityPrivate)
	if err != nil || len(identityPriv) != curve25519.ScalarSize {
		return nil, ErrInvalidKey
	}

	seed, err := base64.StdEncoding.DecodeString(ks.SigningSeed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKey
	}

	identityPub, err := curve25519.X25519(identityPriv, curve25519.Basepoint)
	if err != nil {
		return nil, ErrInvalidKey
	}
	signingPriv := ed25519.NewKeyFromSeed(seed)

	return &KeyPair{
		IdentityPrivate: identityPriv,
		IdentityPublic:  identityPub,
		SigningPrivate:  signingPriv,
		SigningPublic:   signingPriv.Public().(ed25519.PublicKey),
	}, nil
}
