package bundle

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"walletlink/e2ee"
)

// ErrInvalidTransferData indicates a payload that failed to decrypt or
// parse. The payload is never partially trusted.
var ErrInvalidTransferData = errors.New("bundle: invalid transfer data")

// Encode deterministically serializes a bundle and encrypts it under the
// session transfer key, returning a base64 blob for the client-to-client
// channel. There is no unencrypted path.
func Encode(data *TransferData, key []byte) (string, error) {
	if data == nil {
		return "", errors.New("bundle: transfer data is required")
	}

	// encoding/json writes map keys in sorted order and struct fields
	// in declaration order, so equal bundles serialize identically.
	plaintext, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal transfer data: %w", err)
	}

	sealed, err := e2ee.Seal(key, plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt transfer data: %w", err)
	}

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decode decrypts and parses a received payload. Any failure along the
// way surfaces as ErrInvalidTransferData.
func Decode(rawData string, key []byte) (*TransferData, error) {
	sealed, err := base64.StdEncoding.DecodeString(rawData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransferData, err)
	}

	plaintext, err := e2ee.Open(key, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransferData, err)
	}

	var data TransferData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransferData, err)
	}

	return &data, nil
}

// NetworkResolver answers whether a network id exists on the receiving
// device.
type NetworkResolver interface {
	HasNetwork(networkID string) bool
}

// RemapUnknownNetworks rewrites watching accounts created on custom EVM
// networks the receiving device does not know onto the default EVM
// network, degrading gracefully instead of rejecting the account.
func RemapUnknownNetworks(data *TransferData, resolver NetworkResolver) {
	for id, account := range data.PrivateData.WatchingAccounts {
		networkID := account.CreateAtNetwork
		if networkID == "" || !IsEVMNetwork(networkID) {
			continue
		}
		if resolver.HasNetwork(networkID) {
			continue
		}

		account.CreateAtNetwork = DefaultEVMNetworkID
		data.PrivateData.WatchingAccounts[id] = account
	}
}
