package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

// PreKeyBundle is the public key material a peer publishes so others can
// establish a session with it. The signed prekey carries an Ed25519
// signature, so a relay passing bundles along cannot swap keys in.
type PreKeyBundle struct {
	Address         string   `json:"address"`
	ChainType       string   `json:"chainType"`
	IdentityKey     string   `json:"identityKey"`
	SigningKey      string   `json:"signingKey"`
	SignedPreKey    string   `json:"signedPreKey"`
	PreKeySignature string   `json:"preKeySignature"`
	OneTimePreKeys  []string `json:"oneTimePreKeys,omitempty"`
	Timestamp       int64    `json:"timestamp"`
}

// ParsePreKeyBundle decodes a bundle and verifies its prekey signature
func ParsePreKeyBundle(data []byte) (*PreKeyBundle, error) {
	var b PreKeyBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: not json", ErrInvalidBundle)
	}
	if b.Address == "" || b.ChainType == "" {
		return nil, fmt.Errorf("%w: missing identity", ErrInvalidBundle)
	}
	if err := b.Verify(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Verify checks the Ed25519 signature over the signed prekey
func (b *PreKeyBundle) Verify() error {
	signingKey, err := base64.StdEncoding.DecodeString(b.SigningKey)
	if err != nil || len(signingKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad signing key", ErrInvalidBundle)
	}

	signedPre, err := decodeCurveKey(b.SignedPreKey)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(b.PreKeySignature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrInvalidBundle)
	}

	if !ed25519.Verify(ed25519.PublicKey(signingKey), signedPre, sig) {
		return fmt.Errorf("%w: prekey signature rejected", ErrInvalidBundle)
	}
	return nil
}

// Fingerprint returns a short BLAKE2b digest of the identity key, for logs
// and out-of-band comparison
func (b *PreKeyBundle) Fingerprint() string {
	raw, err := base64.StdEncoding.DecodeString(b.IdentityKey)
	if err != nil {
		return "unknown"
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// decodeCurveKey decodes a base64 X25519 public key
func decodeCurveKey(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: bad curve key", ErrInvalidBundle)
	}
	return raw, nil
}
