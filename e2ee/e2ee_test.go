package e2ee

import (
	"bytes"
	"testing"
)

func TestSharedSecretMatchesAcrossPeers(t *testing.T) {
	alicePrivate, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate alice keypair: %v", err)
	}
	bobPrivate, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate bob keypair: %v", err)
	}

	aliceShared := SharedSecret(alicePrivate, bobPrivate.PubKey())
	bobShared := SharedSecret(bobPrivate, alicePrivate.PubKey())

	if !bytes.Equal(aliceShared[:], bobShared[:]) {
		t.Fatal("expected matching shared secrets")
	}
}

func TestSharedSecretDiffersForDifferentPeers(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate alice keypair: %v", err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate bob keypair: %v", err)
	}
	mallory, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate mallory keypair: %v", err)
	}

	honest := SharedSecret(alice, bob.PubKey())
	intercepted := SharedSecret(mallory, bob.PubKey())

	if bytes.Equal(honest[:], intercepted[:]) {
		t.Fatal("expected different shared secrets for different key pairs")
	}
}

func TestParsePublicKeyEnforcesCompressedLength(t *testing.T) {
	private, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	compressed := private.PubKey().SerializeCompressed()
	if len(compressed) != CompressedPublicKeySize {
		t.Fatalf("expected compressed key of %d bytes, got %d", CompressedPublicKeySize, len(compressed))
	}

	parsed, err := ParsePublicKey(compressed)
	if err != nil {
		t.Fatalf("parse compressed public key: %v", err)
	}
	if !parsed.IsEqual(private.PubKey()) {
		t.Fatal("parsed public key does not match original")
	}

	if _, err := ParsePublicKey(compressed[:32]); err == nil {
		t.Fatal("expected truncated public key to be rejected")
	}
	if _, err := ParsePublicKey(append(compressed, 0x00)); err == nil {
		t.Fatal("expected oversized public key to be rejected")
	}
	if _, err := ParsePublicKey(make([]byte, CompressedPublicKeySize)); err == nil {
		t.Fatal("expected all-zero public key to be rejected")
	}
}

func TestZeroPrivateKey(t *testing.T) {
	private, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	ZeroPrivateKey(private)

	serialized := private.Serialize()
	if !bytes.Equal(serialized, make([]byte, len(serialized))) {
		t.Fatal("expected zeroed private key to serialize as all zeros")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	plaintext := []byte("transfer payload")

	ciphertext, nonce, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	decrypted, err := Decrypt(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("expected %q, got %q", plaintext, decrypted)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	wrongKey := bytes.Repeat([]byte{0x43}, KeySize)

	ciphertext, nonce, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := Decrypt(wrongKey, nonce, ciphertext); err == nil {
		t.Fatal("expected decryption with wrong key to fail")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, KeySize)

	blob, err := Seal(key, []byte("bundle"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := Open(key, blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(opened) != "bundle" {
		t.Fatalf("expected %q, got %q", "bundle", opened)
	}

	if _, err := Open(key, blob[:8]); err == nil {
		t.Fatal("expected short blob to be rejected")
	}
}

func TestPasswordEncryptionRoundTrip(t *testing.T) {
	blob, err := EncryptWithPassword("PAIRING-CODE", []byte("verify"))
	if err != nil {
		t.Fatalf("encrypt with password: %v", err)
	}

	plaintext, err := DecryptWithPassword("PAIRING-CODE", blob)
	if err != nil {
		t.Fatalf("decrypt with password: %v", err)
	}
	if string(plaintext) != "verify" {
		t.Fatalf("expected %q, got %q", "verify", plaintext)
	}

	if _, err := DecryptWithPassword("WRONG-CODE", blob); err == nil {
		t.Fatal("expected decryption with wrong password to fail")
	}
	if _, err := EncryptWithPassword("", []byte("verify")); err == nil {
		t.Fatal("expected empty password to be rejected")
	}
}

func TestDeriveTransferKeyIsDeterministicPerInputs(t *testing.T) {
	shared := bytes.Repeat([]byte{0x11}, 32)

	key1, err := DeriveTransferKey(shared, "pairing-code", "ROOM-ID-123")
	if err != nil {
		t.Fatalf("derive transfer key: %v", err)
	}
	key2, err := DeriveTransferKey(shared, "PAIRING-CODE", "ROOM-ID-123")
	if err != nil {
		t.Fatalf("derive transfer key: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Fatal("expected case-normalized pairing codes to derive the same key")
	}

	otherCode, err := DeriveTransferKey(shared, "OTHER-CODE", "ROOM-ID-123")
	if err != nil {
		t.Fatalf("derive transfer key: %v", err)
	}
	if bytes.Equal(key1, otherCode) {
		t.Fatal("expected different pairing codes to derive different keys")
	}

	otherRoom, err := DeriveTransferKey(shared, "PAIRING-CODE", "ROOM-ID-456")
	if err != nil {
		t.Fatalf("derive transfer key: %v", err)
	}
	if bytes.Equal(key1, otherRoom) {
		t.Fatal("expected different rooms to derive different keys")
	}

	if len(key1) != KeySize {
		t.Fatalf("expected %d-byte transfer key, got %d", KeySize, len(key1))
	}
}
