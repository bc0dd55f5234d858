// Package bundle models the secret bundle exchanged between paired
// devices and implements its build, selection, serialization and
// encryption pipeline. A bundle only ever exists in memory between
// build→encrypt→send on one side and receive→decrypt→import on the
// other.
package bundle

import "strings"

// Wallet types carried in a bundle.
const (
	WalletTypeHD       = "hd"
	WalletTypeImported = "imported"
	WalletTypeWatching = "watching"
)

// Chain implementation identifiers that need special handling.
const (
	ImplTON = "ton"
	ImplEVM = "evm"
)

// DefaultEVMNetworkID is the fallback network for watching accounts
// created on custom EVM networks unknown to the receiving device.
const DefaultEVMNetworkID = "evm--1"

// Account is one transferable account record. Watching accounts carry
// whichever of Pub/Xpub/XpubSegwit/Address they were created from.
type Account struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Address         string  `json:"address,omitempty"`
	Pub             string  `json:"pub,omitempty"`
	Xpub            string  `json:"xpub,omitempty"`
	XpubSegwit      string  `json:"xpubSegwit,omitempty"`
	Path            string  `json:"path,omitempty"`
	PathIndex       *int    `json:"pathIndex,omitempty"`
	Impl            string  `json:"impl,omitempty"`
	CreateAtNetwork string  `json:"createAtNetwork,omitempty"`
	DeriveType      string  `json:"deriveType,omitempty"`
	AccountOrder    float64 `json:"accountOrder,omitempty"`
	Version         int     `json:"version,omitempty"`
}

// Wallet is one transferable HD wallet with its accounts in display
// order.
type Wallet struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Backuped    bool      `json:"backuped"`
	Accounts    []Account `json:"accounts"`
	AccountIDs  []string  `json:"accountIds"`
	WalletOrder float64   `json:"walletOrder,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	Version     int       `json:"version,omitempty"`
}

// PrivateData is the secret portion of a transfer. Credentials are
// device-encrypted blobs referenced by item id, never embedded twice.
type PrivateData struct {
	Credentials      map[string]string  `json:"credentials"`
	Wallets          map[string]Wallet  `json:"wallets"`
	ImportedAccounts map[string]Account `json:"importedAccounts"`
	WatchingAccounts map[string]Account `json:"watchingAccounts"`
}

// TransferData is the full bundle shipped between peers.
type TransferData struct {
	PrivateData    PrivateData `json:"privateData"`
	AppVersion     string      `json:"appVersion"`
	IsWatchingOnly bool        `json:"isWatchingOnly"`
	IsEmptyData    bool        `json:"isEmptyData"`
}

// SelectionInfo marks one selectable item.
type SelectionInfo struct {
	Checked bool `json:"checked"`
}

// SelectionMap drives which items are extracted from a bundle, keyed by
// item id per category.
type SelectionMap struct {
	Wallet          map[string]SelectionInfo `json:"wallet"`
	ImportedAccount map[string]SelectionInfo `json:"importedAccount"`
	WatchingAccount map[string]SelectionInfo `json:"watchingAccount"`
}

// SelectedWallet is a wallet picked for import together with its
// revealable-seed credential.
type SelectedWallet struct {
	ID         string
	Item       Wallet
	Credential string
}

// SelectedAccount is an account picked for import. Imported TON accounts
// additionally carry a secondary mnemonic credential.
type SelectedAccount struct {
	ID                    string
	Item                  Account
	Credential            string
	TONMnemonicCredential string
}

// SelectedData is the filtered, ordered subset of a bundle handed to the
// import engine.
type SelectedData struct {
	Wallets          []SelectedWallet
	ImportedAccounts []SelectedAccount
	WatchingAccounts []SelectedAccount
}

// TONMnemonicCredentialID returns the credential id under which an
// imported TON account's secondary mnemonic travels.
func TONMnemonicCredentialID(accountID string) string {
	return accountID + "--ton-mnemonic"
}

// IsEVMNetwork reports whether a network id belongs to the EVM
// implementation family.
func IsEVMNetwork(networkID string) bool {
	return strings.HasPrefix(networkID, ImplEVM+"--")
}
