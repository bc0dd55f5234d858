// Package e2ee contains the cryptographic primitives for the transfer
// session: ephemeral secp256k1 ECDH, AES-256-GCM payload encryption,
// password-based encryption and transfer-key derivation. All key
// material handled here is in-memory only.
package e2ee

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// CompressedPublicKeySize is the exact serialized length of a compressed
// secp256k1 public key exchanged during the handshake.
const CompressedPublicKeySize = 33

// GenerateKeyPair creates a fresh ephemeral secp256k1 private key. The
// caller must zero it with ZeroPrivateKey as soon as the shared secret
// has been derived.
func GenerateKeyPair() (*btcec.PrivateKey, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral secp256k1 key: %w", err)
	}
	return privateKey, nil
}

// ParsePublicKey parses a compressed secp256k1 public key, enforcing the
// fixed-length format before any curve math runs.
func ParsePublicKey(raw []byte) (*btcec.PublicKey, error) {
	if len(raw) != CompressedPublicKeySize {
		return nil, fmt.Errorf("invalid public key length: got %d want %d", len(raw), CompressedPublicKeySize)
	}

	publicKey, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse compressed public key: %w", err)
	}

	return publicKey, nil
}

// SharedSecret performs the ECDH scalar multiplication between the local
// ephemeral private key and the peer's public key. The result is the
// sha256 of the shared point serialized in compressed format:
//
//	sx := k*P
//	s := sha256(sx.SerializeCompressed())
func SharedSecret(privateKey *btcec.PrivateKey, peerPublicKey *btcec.PublicKey) [32]byte {
	var (
		peerJacobian btcec.JacobianPoint
		shared       btcec.JacobianPoint
	)
	peerPublicKey.AsJacobian(&peerJacobian)

	btcec.ScalarMultNonConst(&privateKey.Key, &peerJacobian, &shared)
	shared.ToAffine()
	sharedPubKey := btcec.NewPublicKey(&shared.X, &shared.Y)

	return sha256.Sum256(sharedPubKey.SerializeCompressed())
}

// ZeroPrivateKey overwrites an ephemeral private key in place. Forward
// secrecy depends on this running immediately after key derivation.
func ZeroPrivateKey(privateKey *btcec.PrivateKey) {
	if privateKey != nil {
		privateKey.Zero()
	}
}

// Zero overwrites a byte slice containing secret material.
func Zero(secret []byte) {
	for i := range secret {
		secret[i] = 0
	}
}
