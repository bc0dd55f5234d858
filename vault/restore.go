package vault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/crypto/sha3"

	"walletlink/bundle"
	"walletlink/e2ee"
)

// ErrInvalidPrivateKey indicates an imported-account key of the wrong
// size or outside the curve order.
var ErrInvalidPrivateKey = errors.New("vault: invalid private key")

var evmAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// keyIdentity derives the public identity of an imported private key on
// a network: compressed public key hex plus the account address. The
// bundle's own address wins when present; it is only re-derived when
// the bundle omitted it.
func keyIdentity(privateKey []byte, networkID string, account bundle.Account) (pub, address string, err error) {
	if len(privateKey) != 32 {
		return "", "", fmt.Errorf("%w: %d bytes", ErrInvalidPrivateKey, len(privateKey))
	}

	_, pubKey := btcec.PrivKeyFromBytes(privateKey)
	pub = hexPub(pubKey.SerializeCompressed())

	address = account.Address
	if address == "" {
		switch implForNetwork(networkID) {
		case "btc":
			address, err = btcAddress(pubKey, purposeForDeriveType(account.DeriveType))
			if err != nil {
				return "", "", err
			}
		case bundle.ImplEVM:
			address = evmAddress(pubKey)
		default:
			return "", "", fmt.Errorf("account %s has no address and %s addresses cannot be derived here", account.ID, networkID)
		}
	}

	return pub, address, nil
}

// watchingAccountFromInput builds a watching-only account row from one
// restoration input. ok is false when the input kind cannot produce an
// account on the network, so the caller can fall through to the next
// input.
func watchingAccountFromInput(account bundle.Account, input, networkID string) (bundle.Account, bool, error) {
	restored := account
	restored.CreateAtNetwork = networkID
	restored.Impl = implForNetwork(networkID)

	switch {
	case isCompressedPubHex(input):
		raw, err := hex.DecodeString(input)
		if err != nil {
			return bundle.Account{}, false, nil
		}
		pubKey, err := e2ee.ParsePublicKey(raw)
		if err != nil {
			return bundle.Account{}, false, nil
		}

		restored.ID = account.ID + "--watch-pub"
		restored.Pub = input
		switch implForNetwork(networkID) {
		case "btc":
			address, err := btcAddress(pubKey, purposeForDeriveType(account.DeriveType))
			if err != nil {
				return bundle.Account{}, false, err
			}
			restored.Address = address
		case bundle.ImplEVM:
			restored.Address = evmAddress(pubKey)
		}
		return restored, true, nil

	case isExtendedPub(input):
		// Extended keys only describe UTXO-style derivation.
		if implForNetwork(networkID) != "btc" {
			return bundle.Account{}, false, nil
		}
		accountKey, err := hdkeychain.NewKeyFromString(input)
		if err != nil {
			return bundle.Account{}, false, nil
		}

		purpose := purposeForDeriveType(account.DeriveType)
		if strings.HasPrefix(input, "zpub") {
			purpose = purposeSegwit
		}
		address, err := firstExternalAddress(accountKey, purpose)
		if err != nil {
			return bundle.Account{}, false, err
		}

		restored.ID = account.ID + "--watch-xpub"
		restored.Xpub = input
		restored.Address = address
		return restored, true, nil

	default:
		if err := validateAddress(input, networkID); err != nil {
			return bundle.Account{}, false, err
		}
		restored.ID = account.ID + "--watch-address"
		restored.Address = input
		return restored, true, nil
	}
}

func isCompressedPubHex(input string) bool {
	if len(input) != 2*e2ee.CompressedPublicKeySize {
		return false
	}
	_, err := hex.DecodeString(input)
	return err == nil
}

func isExtendedPub(input string) bool {
	for _, prefix := range []string{"xpub", "ypub", "zpub", "tpub"} {
		if strings.HasPrefix(input, prefix) {
			return true
		}
	}
	return false
}

func validateAddress(address, networkID string) error {
	if address == "" {
		return errors.New("vault: empty address")
	}
	switch implForNetwork(networkID) {
	case "btc":
		if _, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams); err != nil {
			return fmt.Errorf("vault: invalid address for %s: %w", networkID, err)
		}
	case bundle.ImplEVM:
		if !evmAddressPattern.MatchString(address) {
			return fmt.Errorf("vault: invalid address for %s", networkID)
		}
	}
	return nil
}

// btcAddress encodes a public key as the address form matching the
// derivation purpose.
func btcAddress(pubKey *btcec.PublicKey, purpose uint32) (string, error) {
	keyHash := btcutil.Hash160(pubKey.SerializeCompressed())

	switch purpose {
	case purposeSegwit:
		address, err := btcutil.NewAddressWitnessPubKeyHash(keyHash, &chaincfg.MainNetParams)
		if err != nil {
			return "", fmt.Errorf("p2wpkh address: %w", err)
		}
		return address.EncodeAddress(), nil

	case purposeNestedSegwit:
		witness, err := btcutil.NewAddressWitnessPubKeyHash(keyHash, &chaincfg.MainNetParams)
		if err != nil {
			return "", fmt.Errorf("nested witness program: %w", err)
		}
		script, err := txscript.PayToAddrScript(witness)
		if err != nil {
			return "", fmt.Errorf("nested witness script: %w", err)
		}
		address, err := btcutil.NewAddressScriptHash(script, &chaincfg.MainNetParams)
		if err != nil {
			return "", fmt.Errorf("p2sh-p2wpkh address: %w", err)
		}
		return address.EncodeAddress(), nil

	default:
		address, err := btcutil.NewAddressPubKeyHash(keyHash, &chaincfg.MainNetParams)
		if err != nil {
			return "", fmt.Errorf("p2pkh address: %w", err)
		}
		return address.EncodeAddress(), nil
	}
}

// evmAddress derives the 0x address of a secp256k1 public key.
func evmAddress(pubKey *btcec.PublicKey) string {
	uncompressed := pubKey.SerializeUncompressed()
	digest := sha3.NewLegacyKeccak256()
	digest.Write(uncompressed[1:])
	sum := digest.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}
