package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrInvalidPadding = errors.New("invalid padding")

// Cell sizes plaintexts are padded to before sealing. Ciphertext length
// then reveals which bucket a message fell into, not its exact size.
const (
	cellSmall  = 512
	cellMedium = 1024
	cellLarge  = 4096
	cellHuge   = 8192
)

// The padded form starts with the plaintext length, so no out-of-band
// bookkeeping travels with the ciphertext
const padLenSize = 4

// cellFor picks the bucket for a payload of n bytes, prefix included
func cellFor(n int) int {
	switch {
	case n <= cellSmall:
		return cellSmall
	case n <= cellMedium:
		return cellMedium
	case n <= cellLarge:
		return cellLarge
	case n <= cellHuge:
		return cellHuge
	default:
		return (n + cellHuge - 1) / cellHuge * cellHuge
	}
}

// padToCell prefixes plaintext with its length and fills the rest of the
// cell with random bytes, indistinguishable from ciphertext
func padToCell(plaintext []byte) ([]byte, error) {
	total := cellFor(padLenSize + len(plaintext))

	padded := make([]byte, total)
	binary.LittleEndian.PutUint32(padded, uint32(len(plaintext)))
	copy(padded[padLenSize:], plaintext)

	if _, err := rand.Read(padded[padLenSize+len(plaintext):]); err != nil {
		return nil, fmt.Errorf("failed to generate padding: %w", err)
	}
	return padded, nil
}

// unpad recovers the plaintext from a padded cell
func unpad(padded []byte) ([]byte, error) {
	if len(padded) < padLenSize {
		return nil, ErrInvalidPadding
	}

	n := binary.LittleEndian.Uint32(padded)
	if int(n) > len(padded)-padLenSize {
		return nil, ErrInvalidPadding
	}

	return padded[padLenSize : padLenSize+int(n)], nil
}
