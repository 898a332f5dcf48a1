package crypto

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	if len(kp.IdentityPrivate) != curve25519.ScalarSize {
		t.Errorf("identity private key length = %d, want %d", len(kp.IdentityPrivate), curve25519.ScalarSize)
	}
	if len(kp.IdentityPublic) != curve25519.PointSize {
		t.Errorf("identity public key length = %d, want %d", len(kp.IdentityPublic), curve25519.PointSize)
	}
	if len(kp.SigningPrivate) != ed25519.PrivateKeySize {
		t.Errorf("signing private key length = %d, want %d", len(kp.SigningPrivate), ed25519.PrivateKeySize)
	}

	// Public half must be the curve point of the private half
	derived, err := curve25519.X25519(kp.IdentityPrivate, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519() error = %v", err)
	}
	if !bytes.Equal(derived, kp.IdentityPublic) {
		t.Error("identity public key does not match private key")
	}

	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if bytes.Equal(kp.IdentityPrivate, other.IdentityPrivate) {
		t.Error("two generated key pairs share an identity key")
	}
}

func TestSaveLoadKeyPair(t *testing.T) {
	original, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "keys.json")
	if err := SaveKeyPair(path, original); err != nil {
		t.Fatalf("SaveKeyPair() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("keystore mode = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadKeyPair(path)
	if err != nil {
		t.Fatalf("LoadKeyPair() error = %v", err)
	}

	if !bytes.Equal(loaded.IdentityPrivate, original.IdentityPrivate) {
		t.Error("identity private key changed across save/load")
	}
	if !bytes.Equal(loaded.IdentityPublic, original.IdentityPublic) {
		t.Error("identity public key changed across save/load")
	}
	if !bytes.Equal(loaded.SigningPrivate, original.SigningPrivate) {
		t.Error("signing private key changed across save/load")
	}
	if !bytes.Equal(loaded.SigningPublic, original.SigningPublic) {
		t.Error("signing public key changed across save/load")
	}
}

func TestLoadKeyPairRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name    string
		content string
	}{
		{"not json", "not a keystore"},
		{"short identity key", `{"identityPrivate":"c2hvcnQ=","signingSeed":"c2hvcnQ="}`},
		{"empty", `{}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".json")
			if err := os.WriteFile(path, []byte(tc.content), 0600); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}

			if _, err := LoadKeyPair(path); err == nil {
				t.Fatal("LoadKeyPair() accepted a garbage keystore")
			}
		})
	}
}

func TestLoadKeyPairMissingFile(t *testing.T) {
	_, err := LoadKeyPair(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("LoadKeyPair() succeeded on a missing file")
	}
	if errors.Is(err, ErrInvalidKey) {
		t.Error("missing file should surface the os error, not ErrInvalidKey")
	}
}
