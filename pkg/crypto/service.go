package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	sessionInfo        = "peerwave-session-v1"
	defaultOneTimeKeys = 8
	nonceSize          = 24
)

// Service is the reference end-to-end crypto for the chat bridge: X25519
// key agreement over exchanged prekey bundles, HKDF-SHA256 derivation, and
// NaCl secretbox for payloads. One static key per peer pair; there is no
// ratchet, so a compromised key exposes that pair's whole history.
type Service struct {
	address   string
	chainType string
	keys      *KeyPair
	logger    *logrus.Entry

	mu        sync.Mutex
	signedPre *preKeyPair
	oneTime   []*preKeyPair
	sessions  map[string]*[32]byte
}

type preKeyPair struct {
	private []byte
	public  []byte
}

func newPreKeyPair() (*preKeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate prekey: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive prekey: %w", err)
	}
	return &preKeyPair{private: priv, public: pub}, nil
}

// NewService creates a crypto service for the given identity. Prekeys are
// generated on the spot.
func NewService(address, chainType string, keys *KeyPair, logger *logrus.Entry) (*Service, error) {
	if keys == nil {
		return nil, ErrInvalidKey
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	signedPre, err := newPreKeyPair()
	if err != nil {
		return nil, err
	}

	oneTime := make([]*preKeyPair, 0, defaultOneTimeKeys)
	for i := 0; i < defaultOneTimeKeys; i++ {
		otk, err := newPreKeyPair()
		if err != nil {
			return nil, err
		}
		oneTime = append(oneTime, otk)
	}

	return &Service{
		address:   strings.ToLower(address),
		chainType: chainType,
		keys:      keys,
		logger:    logger.WithField("component", "crypto"),
		signedPre: signedPre,
		oneTime:   oneTime,
		sessions:  make(map[string]*[32]byte),
	}, nil
}

// MyAddress returns the lowercased wallet address this service encrypts as
func (s *Service) MyAddress() string { return s.address }

// MyChainType returns the chain the address lives on
func (s *Service) MyChainType() string { return s.chainType }

// MyPreKeyBundle returns the signed JSON bundle peers need to establish a
// session with this node
func (s *Service) MyPreKeyBundle() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oneTime := make([]string, 0, len(s.oneTime))
	for _, otk := range s.oneTime {
		oneTime = append(oneTime, base64.StdEncoding.EncodeToString(otk.public))
	}

	bundle := PreKeyBundle{
		Address:         s.address,
		ChainType:       s.chainType,
		IdentityKey:     base64.StdEncoding.EncodeToString(s.keys.IdentityPublic),
		SigningKey:      base64.StdEncoding.EncodeToString(s.keys.SigningPublic),
		SignedPreKey:    base64.StdEncoding.EncodeToString(s.signedPre.public),
		PreKeySignature: base64.StdEncoding.EncodeToString(ed25519.Sign(s.keys.SigningPrivate, s.signedPre.public)),
		OneTimePreKeys:  oneTime,
		Timestamp:       time.Now().UnixMilli(),
	}

	return json.Marshal(bundle)
}

// ProcessPreKeyBundle verifies a peer's bundle and derives the pairwise
// session key. Processing the same peer's bundle again replaces the key.
func (s *Service) ProcessPreKeyBundle(data []byte) error {
	bundle, err := ParsePreKeyBundle(data)
	if err != nil {
		return err
	}

	theirIdentity, err := decodeCurveKey(bundle.IdentityKey)
	if err != nil {
		return err
	}
	theirSignedPre, err := decodeCurveKey(bundle.SignedPreKey)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.deriveSessionKey(theirIdentity, theirSignedPre)
	if err != nil {
		return err
	}
	s.sessions[sessionID(bundle.Address, bundle.ChainType)] = key

	s.logger.WithFields(logrus.Fields{
		"peer":        strings.ToLower(bundle.Address),
		"fingerprint": bundle.Fingerprint(),
	}).Info("🔐 Session established")

	return nil
}

// EncryptMessage seals plaintext for the peer. The plaintext is padded to
// a cell size first, so ciphertext length leaks only the bucket.
func (s *Service) EncryptMessage(address, chainType string, plaintext []byte) ([]byte, error) {
	key, err := s.sessionKey(address, chainType)
	if err != nil {
		return nil, err
	}

	padded, err := padToCell(plaintext)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], padded, &nonce, key), nil
}

// DecryptMessage opens a ciphertext from the peer
func (s *Service) DecryptMessage(address, chainType string, ciphertext []byte) ([]byte, error) {
	key, err := s.sessionKey(address, chainType)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < nonceSize {
		return nil, ErrDecryptionFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	padded, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return unpad(padded)
}

// HasSession reports whether a pairwise key exists for the peer
func (s *Service) HasSession(address, chainType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID(address, chainType)]
	return ok
}

// deriveSessionKey runs both X25519 agreements (my identity against their
// signed prekey, my signed prekey against their identity) and feeds them
// to HKDF-SHA256. The two shared secrets are sorted before hashing, so
// both ends derive the same key without negotiating roles.
func (s *Service) deriveSessionKey(theirIdentity, theirSignedPre []byte) (*[32]byte, error) {
	dh1, err := curve25519.X25519(s.keys.IdentityPrivate, theirSignedPre)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	dh2, err := curve25519.X25519(s.signedPre.private, theirIdentity)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	secret := make([]byte, 0, len(dh1)+len(dh2))
	if bytes.Compare(dh1, dh2) <= 0 {
		secret = append(append(secret, dh1...), dh2...)
	} else {
		secret = append(append(secret, dh2...), dh1...)
	}

	var key [32]byte
	kdf := hkdf.New(sha256.New, secret, nil, []byte(sessionInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return &key, nil
}

func (s *Service) sessionKey(address, chainType string) (*[32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.sessions[sessionID(address, chainType)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", strings.ToLower(address), ErrNoSession)
	}
	return key, nil
}

func sessionID(address, chainType string) string {
	return strings.ToLower(chainType + ":" + address)
}
