package e2ee

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// DeriveTransferKey derives the one-time symmetric transfer key for a
// paired session. The ECDH shared secret is the input key material, the
// room id the salt, and the upper-cased pairing code the context info,
// so the relay cannot derive the key from the public key exchange alone:
// it never sees the pairing code.
//
// The caller must zero sharedSecret after this returns.
func DeriveTransferKey(sharedSecret []byte, pairingCode, roomID string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	if pairingCode == "" {
		return nil, errors.New("pairing code is required")
	}
	if roomID == "" {
		return nil, errors.New("room id is required")
	}

	reader := hkdf.New(sha256.New, sharedSecret, []byte(roomID), []byte(strings.ToUpper(pairingCode)))

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive transfer key: %w", err)
	}

	return key, nil
}
