package vault

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"walletlink/bundle"
	"walletlink/importer"
)

// BIP44 purpose values per derivation flavor.
const (
	purposeLegacy       = 44
	purposeNestedSegwit = 49
	purposeSegwit       = 84
)

func purposeForDeriveType(deriveType string) uint32 {
	switch deriveType {
	case "segwit":
		return purposeSegwit
	case "nested-segwit":
		return purposeNestedSegwit
	default:
		return purposeLegacy
	}
}

func coinTypeForNetwork(networkID string) uint32 {
	if coin, ok := supportedNetworks[networkID]; ok {
		return coin
	}
	if bundle.IsEVMNetwork(networkID) {
		return 60
	}
	return 0
}

func implForNetwork(networkID string) string {
	impl, _, found := strings.Cut(networkID, "--")
	if !found {
		return networkID
	}
	return impl
}

// deriveAccount derives the account of one derivation index on one
// network from a wallet seed.
func deriveAccount(seed []byte, walletID string, network importer.NetworkRequest, index int) (bundle.Account, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return bundle.Account{}, fmt.Errorf("derive master key: %w", err)
	}
	defer master.Zero()

	purpose := purposeForDeriveType(network.DeriveType)
	coin := coinTypeForNetwork(network.NetworkID)
	path := fmt.Sprintf("m/%d'/%d'/%d'", purpose, coin, index)

	accountKey := master
	for _, step := range []uint32{purpose, coin, uint32(index)} {
		accountKey, err = accountKey.Derive(hdkeychain.HardenedKeyStart + step)
		if err != nil {
			return bundle.Account{}, fmt.Errorf("derive %s: %w", path, err)
		}
	}
	defer accountKey.Zero()

	neutered, err := accountKey.Neuter()
	if err != nil {
		return bundle.Account{}, fmt.Errorf("neuter %s: %w", path, err)
	}

	pathIndex := index
	account := bundle.Account{
		ID:              walletID + "--" + path,
		Path:            path,
		PathIndex:       &pathIndex,
		Impl:            implForNetwork(network.NetworkID),
		CreateAtNetwork: network.NetworkID,
		DeriveType:      network.DeriveType,
		AccountOrder:    float64(index),
	}

	pubKey, err := neutered.ECPubKey()
	if err != nil {
		return bundle.Account{}, fmt.Errorf("account public key of %s: %w", path, err)
	}

	switch implForNetwork(network.NetworkID) {
	case "btc":
		account.Xpub = neutered.String()
		address, err := firstExternalAddress(neutered, purpose)
		if err != nil {
			return bundle.Account{}, err
		}
		account.Address = address
	case bundle.ImplEVM:
		account.Pub = hexPub(pubKey.SerializeCompressed())
		account.Address = evmAddress(pubKey)
	default:
		account.Pub = hexPub(pubKey.SerializeCompressed())
	}

	return account, nil
}

// firstExternalAddress derives the 0/0 receive address of an account
// key, encoded per the derivation purpose.
func firstExternalAddress(accountKey *hdkeychain.ExtendedKey, purpose uint32) (string, error) {
	child := accountKey
	var err error
	for _, step := range []uint32{0, 0} {
		child, err = child.Derive(step)
		if err != nil {
			return "", fmt.Errorf("derive external address: %w", err)
		}
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("external address public key: %w", err)
	}

	return btcAddress(pubKey, purpose)
}
