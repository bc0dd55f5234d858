package vault

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"

	"walletlink/bundle"
	"walletlink/e2ee"
	"walletlink/importer"
)

var (
	// ErrWrongPassword indicates the unlock password does not match the
	// stored verifier.
	ErrWrongPassword = errors.New("vault: wrong unlock password")
	// ErrUnknownWallet indicates account creation against a wallet this
	// service did not create in its lifetime.
	ErrUnknownWallet = errors.New("vault: unknown wallet")
	// ErrUnsupportedNetwork indicates a network this device cannot
	// restore accounts on.
	ErrUnsupportedNetwork = errors.New("vault: unsupported network")
)

// passwordVerifierKey is the metadata row holding the unlock-password
// verifier blob.
const passwordVerifierKey = "password-verifier"

// passwordVerifyText is the known plaintext inside the verifier blob.
const passwordVerifyText = "vault-password-verify-v1"

// supportedNetworks maps network ids this device can restore accounts
// on to their BIP44 coin types.
var supportedNetworks = map[string]uint32{
	"btc--0":       0,
	"evm--1":       60,
	"evm--56":      60,
	"evm--137":     60,
	"ton--mainnet": 607,
}

// Service is an unlocked view of the vault. It holds the unlock
// password and the seeds of wallets it created, both wiped on Close.
// One Service lives for one unlocked session.
type Service struct {
	store *Store

	mu            sync.Mutex
	localPassword string
	seeds         map[string][]byte
}

// NewService unlocks the vault with the device password. The first
// unlock seeds the password verifier; later unlocks are checked against
// it.
func NewService(store *Store, localPassword string) (*Service, error) {
	if localPassword == "" {
		return nil, ErrWrongPassword
	}

	verifier, err := store.Metadata(passwordVerifierKey)
	switch {
	case errors.Is(err, ErrNotFound):
		verifier, err = encryptCredential([]byte(passwordVerifyText), localPassword)
		if err != nil {
			return nil, err
		}
		if err := store.SetMetadata(passwordVerifierKey, verifier); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if err := VerifyCredential(verifier, localPassword); err != nil {
			return nil, ErrWrongPassword
		}
	}

	return &Service{
		store:         store,
		localPassword: localPassword,
		seeds:         map[string][]byte{},
	}, nil
}

// Close wipes the unlock password and every cached seed.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, seed := range s.seeds {
		e2ee.Zero(seed)
		delete(s.seeds, id)
	}
	s.localPassword = ""
}

// PromptPasswordVerify re-verifies the unlock password against the
// stored verifier and returns it. Used before persisting re-encrypted
// secrets.
func (s *Service) PromptPasswordVerify(ctx context.Context) (string, error) {
	s.mu.Lock()
	password := s.localPassword
	s.mu.Unlock()
	if password == "" {
		return "", ErrWrongPassword
	}

	verifier, err := s.store.Metadata(passwordVerifierKey)
	if err != nil {
		return "", err
	}
	if err := VerifyCredential(verifier, password); err != nil {
		return "", ErrWrongPassword
	}
	return password, nil
}

// MnemonicFromCredential decrypts a revealable-seed credential with the
// transfer password.
func (s *Service) MnemonicFromCredential(credential, password string) (string, error) {
	return DecryptMnemonic(credential, password)
}

// PrivateKeyFromCredential decrypts an imported-account credential with
// the transfer password.
func (s *Service) PrivateKeyFromCredential(credential, password string) ([]byte, error) {
	return DecryptPrivateKey(credential, password)
}

// ReencryptSeedCredential moves a credential from the transfer password
// to the local unlock password.
func (s *Service) ReencryptSeedCredential(credential, transferPassword, localPassword string) (string, error) {
	return Reencrypt(credential, transferPassword, localPassword)
}

// CreateHDWallet persists a new HD wallet: the wallet row plus its seed
// credential encrypted under the unlock password. The seed stays cached
// in memory so accounts can be derived for it until Close.
func (s *Service) CreateHDWallet(ctx context.Context, params importer.CreateHDWalletParams) (string, error) {
	s.mu.Lock()
	password := s.localPassword
	s.mu.Unlock()

	credential, err := EncryptMnemonic(params.Mnemonic, password)
	if err != nil {
		return "", err
	}

	walletID := "hd--" + uuid.NewString()
	name := params.Name
	if name == "" {
		name = "Wallet"
	}

	if err := s.store.SaveWallet(bundle.Wallet{
		ID:       walletID,
		Name:     name,
		Type:     bundle.WalletTypeHD,
		Backuped: params.Backuped,
		Avatar:   params.Avatar,
	}); err != nil {
		return "", err
	}
	if err := s.store.SaveCredential(walletID, credential); err != nil {
		return "", err
	}

	seed := bip39.NewSeed(params.Mnemonic, "")
	s.mu.Lock()
	s.seeds[walletID] = seed
	s.mu.Unlock()

	log.Infof("Created HD wallet %s", walletID)
	return walletID, nil
}

// BatchCreateAccounts derives and persists the accounts of one
// derivation index across several networks. It stops at the first
// failing network and reports how many accounts were created.
func (s *Service) BatchCreateAccounts(ctx context.Context, params importer.BatchCreateAccountsParams) (int, error) {
	s.mu.Lock()
	seed, ok := s.seeds[params.WalletID]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownWallet, params.WalletID)
	}

	created := 0
	for _, network := range params.Networks {
		account, err := deriveAccount(seed, params.WalletID, network, params.Index)
		if err != nil {
			return created, err
		}
		if err := s.store.SaveAccount(params.WalletID, account); err != nil {
			return created, err
		}
		created++
	}

	log.Debugf("Created %d accounts at index %d of wallet %s", created, params.Index, params.WalletID)
	return created, nil
}

// SetAccountName renames every account of a wallet at the given
// derivation index.
func (s *Service) SetAccountName(ctx context.Context, walletID string, index int, name string) error {
	return s.store.RenameAccount(walletID, index, name)
}

// NetworkIDForAccount resolves the network an account should be
// restored on. Unknown custom EVM networks degrade to the default EVM
// network instead of failing.
func (s *Service) NetworkIDForAccount(account bundle.Account) (string, error) {
	networkID := account.CreateAtNetwork
	if networkID == "" {
		return "", errors.New("account has no creation network")
	}
	if _, ok := supportedNetworks[networkID]; ok {
		return networkID, nil
	}
	if bundle.IsEVMNetwork(networkID) {
		return bundle.DefaultEVMNetworkID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedNetwork, networkID)
}

// DeriveTypeForAccount resolves the derivation flavor for an account on
// a network.
func (s *Service) DeriveTypeForAccount(networkID string, account bundle.Account) (string, error) {
	if account.DeriveType != "" {
		return account.DeriveType, nil
	}
	return "default", nil
}

// RestoreImportedAccount recreates a private-key imported account. The
// key is re-encrypted under the unlock password before persisting; the
// raw key never reaches storage.
func (s *Service) RestoreImportedAccount(ctx context.Context, account bundle.Account, privateKey []byte, networkID string) (string, error) {
	if _, ok := supportedNetworks[networkID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedNetwork, networkID)
	}

	pub, address, err := keyIdentity(privateKey, networkID, account)
	if err != nil {
		return "", err
	}

	if err := s.ensureWallet(importedWalletID, "Imported", bundle.WalletTypeImported); err != nil {
		return "", err
	}

	accountID := account.ID
	if accountID == "" {
		accountID = "imported--" + uuid.NewString()
	}

	s.mu.Lock()
	password := s.localPassword
	s.mu.Unlock()
	credential, err := EncryptPrivateKey(privateKey, password)
	if err != nil {
		return "", err
	}

	restored := account
	restored.ID = accountID
	restored.Pub = pub
	restored.Address = address
	restored.CreateAtNetwork = networkID

	if err := s.store.SaveAccount(importedWalletID, restored); err != nil {
		return "", err
	}
	if err := s.store.SaveCredential(accountID, credential); err != nil {
		return "", err
	}

	log.Infof("Restored imported account %s", accountID)
	return accountID, nil
}

// RestoreWatchingAccount recreates a watching-only account from one
// restoration input. It reports false for inputs the network cannot
// use, letting the caller fall through to the next input.
func (s *Service) RestoreWatchingAccount(ctx context.Context, account bundle.Account, input, networkID string) (bool, error) {
	if _, ok := supportedNetworks[networkID]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, networkID)
	}

	restored, ok, err := watchingAccountFromInput(account, input, networkID)
	if err != nil || !ok {
		return false, err
	}

	if err := s.ensureWallet(watchingWalletID, "Watching", bundle.WalletTypeWatching); err != nil {
		return false, err
	}
	if err := s.store.SaveAccount(watchingWalletID, restored); err != nil {
		return false, err
	}

	log.Infof("Restored watching account %s", restored.ID)
	return true, nil
}

// SaveTONMnemonic persists an imported TON account's secondary mnemonic
// credential, already re-encrypted under the unlock password.
func (s *Service) SaveTONMnemonic(ctx context.Context, accountID, encryptedCredential string) error {
	return s.store.SaveCredential(bundle.TONMnemonicCredentialID(accountID), encryptedCredential)
}

// HasNetwork reports whether this device supports a network id.
func (s *Service) HasNetwork(networkID string) bool {
	_, ok := supportedNetworks[networkID]
	return ok
}

// VerifyWalletCredential checks that a stored wallet or account
// credential decrypts under the unlock password, the sender-side
// precondition before building a bundle with secrets.
func (s *Service) VerifyWalletCredential(itemID string) error {
	credential, err := s.store.Credential(itemID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	password := s.localPassword
	s.mu.Unlock()
	return VerifyCredential(credential, password)
}

const (
	importedWalletID = "imported--global"
	watchingWalletID = "watching--global"
)

func (s *Service) ensureWallet(walletID, name, walletType string) error {
	exists, err := s.store.HasWallet(walletID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.store.SaveWallet(bundle.Wallet{ID: walletID, Name: name, Type: walletType})
}

// hexPub encodes a compressed public key for storage.
func hexPub(raw []byte) string {
	return hex.EncodeToString(raw)
}

var (
	_ importer.Vault           = (*Service)(nil)
	_ importer.PasswordService = (*Service)(nil)
	_ bundle.NetworkResolver   = (*Service)(nil)
)
