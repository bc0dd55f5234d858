package bundle

import (
	"context"
	"fmt"
	"sort"
)

// Source enumerates the local account store for bundle building. The
// implementation decides what a credential blob contains; this package
// only moves them by reference.
type Source interface {
	// DumpCredentials returns every device-encrypted credential blob
	// keyed by item id.
	DumpCredentials(ctx context.Context) (map[string]string, error)
	// HDWallets returns all local HD wallets with their accounts.
	HDWallets(ctx context.Context) ([]Wallet, error)
	// ImportedAccounts returns all private-key imported accounts.
	ImportedAccounts(ctx context.Context) ([]Account, error)
	// WatchingAccounts returns all watching-only accounts.
	WatchingAccounts(ctx context.Context) ([]Account, error)
}

// Build snapshots the local account store into a transfer bundle,
// preserving each category's display order.
func Build(ctx context.Context, source Source, appVersion string) (*TransferData, error) {
	credentials, err := source.DumpCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("dump credentials: %w", err)
	}

	wallets, err := source.HDWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hd wallets: %w", err)
	}
	imported, err := source.ImportedAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list imported accounts: %w", err)
	}
	watching, err := source.WatchingAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list watching accounts: %w", err)
	}

	private := PrivateData{
		Credentials:      credentials,
		Wallets:          make(map[string]Wallet, len(wallets)),
		ImportedAccounts: make(map[string]Account, len(imported)),
		WatchingAccounts: make(map[string]Account, len(watching)),
	}

	for _, wallet := range wallets {
		sortAccounts(wallet.Accounts)
		private.Wallets[wallet.ID] = wallet
	}
	for _, account := range imported {
		private.ImportedAccounts[account.ID] = account
	}
	for _, account := range watching {
		private.WatchingAccounts[account.ID] = account
	}

	return &TransferData{
		PrivateData:    private,
		AppVersion:     appVersion,
		IsWatchingOnly: len(private.Wallets) == 0 && len(private.ImportedAccounts) == 0 && len(private.WatchingAccounts) > 0,
		IsEmptyData:    len(private.Wallets) == 0 && len(private.ImportedAccounts) == 0 && len(private.WatchingAccounts) == 0,
	}, nil
}

// Select extracts the checked items from a bundle, ordered by their
// stable order keys rather than map iteration order. Imported TON
// accounts pick up their secondary mnemonic credential when present.
func Select(data *TransferData, selection SelectionMap) *SelectedData {
	selected := &SelectedData{}

	for id, info := range selection.Wallet {
		if !info.Checked {
			continue
		}
		wallet, ok := data.PrivateData.Wallets[id]
		if !ok {
			continue
		}
		selected.Wallets = append(selected.Wallets, SelectedWallet{
			ID:         id,
			Item:       wallet,
			Credential: data.PrivateData.Credentials[id],
		})
	}
	sort.SliceStable(selected.Wallets, func(i, j int) bool {
		return selected.Wallets[i].Item.WalletOrder < selected.Wallets[j].Item.WalletOrder
	})

	selected.ImportedAccounts = selectAccounts(
		selection.ImportedAccount, data.PrivateData.ImportedAccounts, data.PrivateData.Credentials, true,
	)
	selected.WatchingAccounts = selectAccounts(
		selection.WatchingAccount, data.PrivateData.WatchingAccounts, nil, false,
	)

	return selected
}

func selectAccounts(
	selection map[string]SelectionInfo,
	source map[string]Account,
	credentials map[string]string,
	withTONMnemonic bool,
) []SelectedAccount {
	var selected []SelectedAccount
	for id, info := range selection {
		if !info.Checked {
			continue
		}
		account, ok := source[id]
		if !ok {
			continue
		}

		item := SelectedAccount{
			ID:         id,
			Item:       account,
			Credential: credentials[id],
		}
		if withTONMnemonic && account.Impl == ImplTON {
			item.TONMnemonicCredential = credentials[TONMnemonicCredentialID(id)]
		}
		selected = append(selected, item)
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Item.AccountOrder < selected[j].Item.AccountOrder
	})
	return selected
}

func sortAccounts(accounts []Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		return accounts[i].AccountOrder < accounts[j].AccountOrder
	})
}

// HasSecrets reports whether a selection includes anything requiring the
// sender's unlock password (HD wallets or imported accounts).
func (s *SelectedData) HasSecrets() bool {
	return len(s.Wallets) > 0 || len(s.ImportedAccounts) > 0
}

// TotalImportUnits counts the progress units an import of this selection
// will produce: one per HD account, one per imported account, one per
// watching account.
func (s *SelectedData) TotalImportUnits() int {
	total := 0
	for _, wallet := range s.Wallets {
		total += len(wallet.Item.Accounts)
	}
	total += len(s.ImportedAccounts)
	total += len(s.WatchingAccounts)
	return total
}
