package bundle

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"walletlink/e2ee"
)

type fakeSource struct {
	credentials map[string]string
	wallets     []Wallet
	imported    []Account
	watching    []Account
}

func (f *fakeSource) DumpCredentials(context.Context) (map[string]string, error) {
	return f.credentials, nil
}

func (f *fakeSource) HDWallets(context.Context) ([]Wallet, error) {
	return f.wallets, nil
}

func (f *fakeSource) ImportedAccounts(context.Context) ([]Account, error) {
	return f.imported, nil
}

func (f *fakeSource) WatchingAccounts(context.Context) ([]Account, error) {
	return f.watching, nil
}

func intPtr(v int) *int { return &v }

func testTransferData(t *testing.T) *TransferData {
	t.Helper()

	source := &fakeSource{
		credentials: map[string]string{
			"wallet-1":                                "encrypted-seed-1",
			"imported-1":                              "encrypted-key-1",
			"imported-ton":                            "encrypted-key-ton",
			TONMnemonicCredentialID("imported-ton"):   "encrypted-ton-mnemonic",
		},
		wallets: []Wallet{
			{
				ID:   "wallet-1",
				Name: "Main",
				Type: WalletTypeHD,
				Accounts: []Account{
					{ID: "hd-2", Name: "Account 2", PathIndex: intPtr(1), CreateAtNetwork: "btc--0", AccountOrder: 2},
					{ID: "hd-1", Name: "Account 1", PathIndex: intPtr(0), CreateAtNetwork: "btc--0", AccountOrder: 1},
				},
				AccountIDs:  []string{"hd-1", "hd-2"},
				WalletOrder: 1,
			},
		},
		imported: []Account{
			{ID: "imported-1", Name: "Imported", CreateAtNetwork: "btc--0", AccountOrder: 1},
			{ID: "imported-ton", Name: "TON", Impl: ImplTON, CreateAtNetwork: "ton--mainnet", AccountOrder: 2},
		},
		watching: []Account{
			{ID: "watch-1", Name: "Watcher", Address: "bc1qexample", CreateAtNetwork: "btc--0", AccountOrder: 1},
		},
	}

	data, err := Build(context.Background(), source, "5.0.0")
	if err != nil {
		t.Fatalf("build transfer data: %v", err)
	}
	return data
}

func TestBuildSnapshotsAndSorts(t *testing.T) {
	data := testTransferData(t)

	if data.IsEmptyData {
		t.Fatal("expected non-empty bundle")
	}
	if data.IsWatchingOnly {
		t.Fatal("expected bundle with wallets to not be watching-only")
	}
	if data.AppVersion != "5.0.0" {
		t.Fatalf("expected app version 5.0.0, got %q", data.AppVersion)
	}

	wallet := data.PrivateData.Wallets["wallet-1"]
	if wallet.Accounts[0].ID != "hd-1" || wallet.Accounts[1].ID != "hd-2" {
		t.Fatalf("expected accounts sorted by order key, got %v", wallet.AccountIDs)
	}
}

func TestBuildWatchingOnlyAndEmptyFlags(t *testing.T) {
	watchingOnly, err := Build(context.Background(), &fakeSource{
		credentials: map[string]string{},
		watching:    []Account{{ID: "watch-1"}},
	}, "")
	if err != nil {
		t.Fatalf("build watching-only bundle: %v", err)
	}
	if !watchingOnly.IsWatchingOnly {
		t.Fatal("expected watching-only flag")
	}

	empty, err := Build(context.Background(), &fakeSource{credentials: map[string]string{}}, "")
	if err != nil {
		t.Fatalf("build empty bundle: %v", err)
	}
	if !empty.IsEmptyData {
		t.Fatal("expected empty-data flag")
	}
	if empty.IsWatchingOnly {
		t.Fatal("empty bundle must not be watching-only")
	}
}

func TestSelectFiltersAndOrders(t *testing.T) {
	data := testTransferData(t)

	selected := Select(data, SelectionMap{
		Wallet: map[string]SelectionInfo{
			"wallet-1": {Checked: true},
			"missing":  {Checked: true},
		},
		ImportedAccount: map[string]SelectionInfo{
			"imported-ton": {Checked: true},
			"imported-1":   {Checked: true},
		},
		WatchingAccount: map[string]SelectionInfo{
			"watch-1": {Checked: false},
		},
	})

	if len(selected.Wallets) != 1 {
		t.Fatalf("expected 1 selected wallet, got %d", len(selected.Wallets))
	}
	if selected.Wallets[0].Credential != "encrypted-seed-1" {
		t.Fatalf("expected wallet credential to be attached, got %q", selected.Wallets[0].Credential)
	}

	if len(selected.ImportedAccounts) != 2 {
		t.Fatalf("expected 2 selected imported accounts, got %d", len(selected.ImportedAccounts))
	}
	if selected.ImportedAccounts[0].ID != "imported-1" {
		t.Fatalf("expected order-key sorting, got %q first", selected.ImportedAccounts[0].ID)
	}
	ton := selected.ImportedAccounts[1]
	if ton.TONMnemonicCredential != "encrypted-ton-mnemonic" {
		t.Fatalf("expected TON mnemonic credential to be attached, got %q", ton.TONMnemonicCredential)
	}

	if len(selected.WatchingAccounts) != 0 {
		t.Fatalf("expected unchecked watching account to be skipped, got %d", len(selected.WatchingAccounts))
	}

	if !selected.HasSecrets() {
		t.Fatal("expected selection with wallets to require a password")
	}
	if got := selected.TotalImportUnits(); got != 4 {
		t.Fatalf("expected 4 import units, got %d", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data := testTransferData(t)
	key := bytes.Repeat([]byte{0x21}, e2ee.KeySize)

	encoded, err := Encode(data, key)
	if err != nil {
		t.Fatalf("encode bundle: %v", err)
	}

	decoded, err := Decode(encoded, key)
	if err != nil {
		t.Fatalf("decode bundle: %v", err)
	}

	if decoded.AppVersion != data.AppVersion {
		t.Fatalf("expected app version %q, got %q", data.AppVersion, decoded.AppVersion)
	}
	if len(decoded.PrivateData.Wallets) != len(data.PrivateData.Wallets) {
		t.Fatal("wallet map did not survive the round trip")
	}
	if decoded.PrivateData.Credentials["wallet-1"] != "encrypted-seed-1" {
		t.Fatal("credentials did not survive the round trip")
	}

	reencoded, err := Encode(decoded, key)
	if err != nil {
		t.Fatalf("re-encode bundle: %v", err)
	}
	redecoded, err := Decode(reencoded, key)
	if err != nil {
		t.Fatalf("re-decode bundle: %v", err)
	}
	if redecoded.PrivateData.Wallets["wallet-1"].Name != "Main" {
		t.Fatal("bundle content drifted across round trips")
	}
}

func TestDecodeRejectsWrongKeyAndGarbage(t *testing.T) {
	data := testTransferData(t)
	key := bytes.Repeat([]byte{0x21}, e2ee.KeySize)
	wrongKey := bytes.Repeat([]byte{0x22}, e2ee.KeySize)

	encoded, err := Encode(data, key)
	if err != nil {
		t.Fatalf("encode bundle: %v", err)
	}

	if _, err := Decode(encoded, wrongKey); !errors.Is(err, ErrInvalidTransferData) {
		t.Fatalf("expected ErrInvalidTransferData for wrong key, got %v", err)
	}
	if _, err := Decode("not base64!!", key); !errors.Is(err, ErrInvalidTransferData) {
		t.Fatalf("expected ErrInvalidTransferData for garbage input, got %v", err)
	}
	if _, err := Decode("", key); !errors.Is(err, ErrInvalidTransferData) {
		t.Fatalf("expected ErrInvalidTransferData for empty input, got %v", err)
	}
}

type fakeResolver map[string]bool

func (f fakeResolver) HasNetwork(networkID string) bool { return f[networkID] }

func TestRemapUnknownNetworks(t *testing.T) {
	data := &TransferData{
		PrivateData: PrivateData{
			WatchingAccounts: map[string]Account{
				"known-evm":   {ID: "known-evm", CreateAtNetwork: "evm--137"},
				"custom-evm":  {ID: "custom-evm", CreateAtNetwork: "evm--999999"},
				"non-evm":     {ID: "non-evm", CreateAtNetwork: "btc--0"},
				"no-network":  {ID: "no-network"},
			},
		},
	}

	RemapUnknownNetworks(data, fakeResolver{"evm--137": true})

	if got := data.PrivateData.WatchingAccounts["known-evm"].CreateAtNetwork; got != "evm--137" {
		t.Fatalf("known network must be untouched, got %q", got)
	}
	if got := data.PrivateData.WatchingAccounts["custom-evm"].CreateAtNetwork; got != DefaultEVMNetworkID {
		t.Fatalf("unknown custom EVM network must remap to default, got %q", got)
	}
	if got := data.PrivateData.WatchingAccounts["non-evm"].CreateAtNetwork; got != "btc--0" {
		t.Fatalf("non-EVM network must be untouched, got %q", got)
	}
}
