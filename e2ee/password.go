package e2ee

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 5000
	passwordSaltSize = 32
)

// EncryptWithPassword seals data under a password. The key is derived
// with PBKDF2-HMAC-SHA256 over sha256(password) and a random salt, and
// the output blob is self-contained: salt||nonce||ciphertext.
//
// During the handshake the pairing code itself is the password, which is
// how each peer proves it knows the code without sending it.
func EncryptWithPassword(password string, data []byte) ([]byte, error) {
	if password == "" {
		return nil, errors.New("zero-length password is not supported")
	}

	salt := make([]byte, passwordSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key := keyFromPassword(password, salt)
	defer Zero(key)

	ciphertext, nonce, err := Encrypt(key, data)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// DecryptWithPassword opens a salt||nonce||ciphertext blob produced by
// EncryptWithPassword.
func DecryptWithPassword(password string, blob []byte) ([]byte, error) {
	const nonceSize = 12
	if password == "" {
		return nil, errors.New("zero-length password is not supported")
	}
	if len(blob) <= passwordSaltSize+nonceSize {
		return nil, errors.New("encrypted blob too short")
	}

	salt := blob[:passwordSaltSize]
	nonce := blob[passwordSaltSize : passwordSaltSize+nonceSize]
	ciphertext := blob[passwordSaltSize+nonceSize:]

	key := keyFromPassword(password, salt)
	defer Zero(key)

	return Decrypt(key, nonce, ciphertext)
}

func keyFromPassword(password string, salt []byte) []byte {
	hashedPassword := sha256.Sum256([]byte(password))
	return pbkdf2.Key(hashedPassword[:], salt, pbkdf2Iterations, KeySize, sha256.New)
}
