package crypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newService(t *testing.T, address, chainType string) *Service {
	t.Helper()

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	s, err := NewService(address, chainType, kp, quietLogger())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return s
}

// pair establishes a session in both directions by exchanging bundles
func pair(t *testing.T, a, b *Service) {
	t.Helper()

	bundleA, err := a.MyPreKeyBundle()
	if err != nil {
		t.Fatalf("MyPreKeyBundle() error = %v", err)
	}
	bundleB, err := b.MyPreKeyBundle()
	if err != nil {
		t.Fatalf("MyPreKeyBundle() error = %v", err)
	}

	if err := a.ProcessPreKeyBundle(bundleB); err != nil {
		t.Fatalf("ProcessPreKeyBundle() error = %v", err)
	}
	if err := b.ProcessPreKeyBundle(bundleA); err != nil {
		t.Fatalf("ProcessPreKeyBundle() error = %v", err)
	}
}

func TestPreKeyBundleRoundTrip(t *testing.T) {
	s := newService(t, "0xA11CE", "eth")

	data, err := s.MyPreKeyBundle()
	if err != nil {
		t.Fatalf("MyPreKeyBundle() error = %v", err)
	}

	bundle, err := ParsePreKeyBundle(data)
	if err != nil {
		t.Fatalf("ParsePreKeyBundle() error = %v", err)
	}

	if bundle.Address != "0xa11ce" {
		t.Errorf("bundle address = %q, want lowercased %q", bundle.Address, "0xa11ce")
	}
	if bundle.ChainType != "eth" {
		t.Errorf("bundle chain type = %q, want %q", bundle.ChainType, "eth")
	}
	if len(bundle.OneTimePreKeys) != defaultOneTimeKeys {
		t.Errorf("one-time prekeys = %d, want %d", len(bundle.OneTimePreKeys), defaultOneTimeKeys)
	}
	if len(bundle.Fingerprint()) != 16 {
		t.Errorf("fingerprint length = %d, want 16 hex chars", len(bundle.Fingerprint()))
	}
}

func TestProcessPreKeyBundleRejectsTampering(t *testing.T) {
	alice := newService(t, "0xA11CE", "eth")
	mallory := newService(t, "0xBAD", "eth")

	data, err := alice.MyPreKeyBundle()
	if err != nil {
		t.Fatalf("MyPreKeyBundle() error = %v", err)
	}

	// Swap alice's signed prekey for mallory's; the signature no longer
	// matches
	var bundle PreKeyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	malloryData, err := mallory.MyPreKeyBundle()
	if err != nil {
		t.Fatalf("MyPreKeyBundle() error = %v", err)
	}
	var malloryBundle PreKeyBundle
	if err := json.Unmarshal(malloryData, &malloryBundle); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	bundle.SignedPreKey = malloryBundle.SignedPreKey

	tampered, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	bob := newService(t, "0xB0B", "eth")
	if err := bob.ProcessPreKeyBundle(tampered); !errors.Is(err, ErrInvalidBundle) {
		t.Fatalf("ProcessPreKeyBundle() error = %v, want ErrInvalidBundle", err)
	}
}

func TestProcessPreKeyBundleRejectsGarbage(t *testing.T) {
	s := newService(t, "0xA11CE", "eth")

	for _, payload := range []string{"{nope", `{"address":""}`, `{"address":"0xb0b","chainType":"eth"}`} {
		if err := s.ProcessPreKeyBundle([]byte(payload)); !errors.Is(err, ErrInvalidBundle) {
			t.Errorf("ProcessPreKeyBundle(%q) error = %v, want ErrInvalidBundle", payload, err)
		}
	}
}

func TestEncryptDecryptBothDirections(t *testing.T) {
	alice := newService(t, "0xA11CE", "eth")
	bob := newService(t, "0xB0B", "eth")
	pair(t, alice, bob)

	plaintext := []byte("hey bob, keys worked")
	ciphertext, err := alice.EncryptMessage("0xB0B", "eth", plaintext)
	if err != nil {
		t.Fatalf("EncryptMessage() error = %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext contains the plaintext")
	}

	decrypted, err := bob.DecryptMessage("0xA11CE", "eth", ciphertext)
	if err != nil {
		t.Fatalf("DecryptMessage() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("decrypted = %q, want %q", decrypted, plaintext)
	}

	// And the other way
	reply := []byte("hey alice")
	ciphertext, err = bob.EncryptMessage("0xa11ce", "eth", reply)
	if err != nil {
		t.Fatalf("EncryptMessage() error = %v", err)
	}
	decrypted, err = alice.DecryptMessage("0xb0b", "eth", ciphertext)
	if err != nil {
		t.Fatalf("DecryptMessage() error = %v", err)
	}
	if !bytes.Equal(decrypted, reply) {
		t.Fatalf("decrypted = %q, want %q", decrypted, reply)
	}
}

func TestAddressCaseInsensitive(t *testing.T) {
	alice := newService(t, "0xA11CE", "eth")
	bob := newService(t, "0xB0B", "eth")
	pair(t, alice, bob)

	if !alice.HasSession("0XB0B", "ETH") {
		t.Fatal("HasSession() is case sensitive")
	}

	ciphertext, err := alice.EncryptMessage("0XB0B", "ETH", []byte("case test"))
	if err != nil {
		t.Fatalf("EncryptMessage() with uppercase address error = %v", err)
	}
	if _, err := bob.DecryptMessage("0xA11CE", "eth", ciphertext); err != nil {
		t.Fatalf("DecryptMessage() error = %v", err)
	}
}

func TestEncryptWithoutSession(t *testing.T) {
	alice := newService(t, "0xA11CE", "eth")

	if _, err := alice.EncryptMessage("0xB0B", "eth", []byte("hi")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("EncryptMessage() error = %v, want ErrNoSession", err)
	}
	if _, err := alice.DecryptMessage("0xB0B", "eth", []byte("junk")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("DecryptMessage() error = %v, want ErrNoSession", err)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	alice := newService(t, "0xA11CE", "eth")
	bob := newService(t, "0xB0B", "eth")
	pair(t, alice, bob)

	ciphertext, err := alice.EncryptMessage("0xB0B", "eth", []byte("do not touch"))
	if err != nil {
		t.Fatalf("EncryptMessage() error = %v", err)
	}

	ciphertext[len(ciphertext)-1] ^= 0x01
	if _, err := bob.DecryptMessage("0xA11CE", "eth", ciphertext); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("DecryptMessage() error = %v, want ErrDecryptionFailed", err)
	}

	if _, err := bob.DecryptMessage("0xA11CE", "eth", []byte("tiny")); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("DecryptMessage() on short input error = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptWrongPeerKey(t *testing.T) {
	alice := newService(t, "0xA11CE", "eth")
	bob := newService(t, "0xB0B", "eth")
	carol := newService(t, "0xCA201", "eth")
	pair(t, alice, bob)
	pair(t, alice, carol)

	// Sealed for bob; carol's pairwise key with alice must not open it
	ciphertext, err := alice.EncryptMessage("0xB0B", "eth", []byte("for bob only"))
	if err != nil {
		t.Fatalf("EncryptMessage() error = %v", err)
	}
	if _, err := carol.DecryptMessage("0xA11CE", "eth", ciphertext); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("DecryptMessage() error = %v, want ErrDecryptionFailed", err)
	}
}

func TestCiphertextLengthHidesMessageSize(t *testing.T) {
	alice := newService(t, "0xA11CE", "eth")
	bob := newService(t, "0xB0B", "eth")
	pair(t, alice, bob)

	short, err := alice.EncryptMessage("0xB0B", "eth", []byte("hi"))
	if err != nil {
		t.Fatalf("EncryptMessage() error = %v", err)
	}
	longer, err := alice.EncryptMessage("0xB0B", "eth", []byte(strings.Repeat("x", 400)))
	if err != nil {
		t.Fatalf("EncryptMessage() error = %v", err)
	}

	// Both fit the smallest cell, so their ciphertexts are the same length
	if len(short) != len(longer) {
		t.Fatalf("ciphertext lengths differ within a cell: %d vs %d", len(short), len(longer))
	}
}
