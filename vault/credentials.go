package vault

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/tyler-smith/go-bip39"

	"walletlink/e2ee"
)

// ErrBadCredential indicates a credential blob that cannot be decrypted
// with the supplied password. Deliberately does not distinguish a wrong
// password from a corrupt blob.
var ErrBadCredential = errors.New("vault: credential cannot be decrypted")

// EncryptMnemonic packs a BIP39 mnemonic into a credential blob: the
// underlying entropy encrypted under the password, base64 encoded. The
// entropy form keeps the blob small and language independent.
func EncryptMnemonic(mnemonic, password string) (string, error) {
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return "", fmt.Errorf("invalid mnemonic: %w", err)
	}
	defer e2ee.Zero(entropy)

	return encryptCredential(entropy, password)
}

// DecryptMnemonic recovers the mnemonic from a credential blob.
func DecryptMnemonic(credential, password string) (string, error) {
	entropy, err := decryptCredential(credential, password)
	if err != nil {
		return "", err
	}
	defer e2ee.Zero(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadCredential, err)
	}
	return mnemonic, nil
}

// EncryptPrivateKey packs a raw private key into a credential blob.
func EncryptPrivateKey(privateKey []byte, password string) (string, error) {
	return encryptCredential(privateKey, password)
}

// DecryptPrivateKey recovers the raw private key from a credential
// blob.
func DecryptPrivateKey(credential, password string) ([]byte, error) {
	return decryptCredential(credential, password)
}

// Reencrypt moves a credential blob from one password to another. The
// intermediate plaintext is zeroed before returning.
func Reencrypt(credential, oldPassword, newPassword string) (string, error) {
	plaintext, err := decryptCredential(credential, oldPassword)
	if err != nil {
		return "", err
	}
	defer e2ee.Zero(plaintext)

	return encryptCredential(plaintext, newPassword)
}

// VerifyCredential checks that a credential blob decrypts under the
// password without exposing its content.
func VerifyCredential(credential, password string) error {
	plaintext, err := decryptCredential(credential, password)
	if err != nil {
		return err
	}
	e2ee.Zero(plaintext)
	return nil
}

func encryptCredential(plaintext []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("vault: password is required")
	}
	blob, err := e2ee.EncryptWithPassword(password, plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

func decryptCredential(credential, password string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCredential, err)
	}
	plaintext, err := e2ee.DecryptWithPassword(password, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCredential, err)
	}
	return plaintext, nil
}
