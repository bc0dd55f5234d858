// Package importer consumes a decrypted transfer bundle and recreates
// wallets and accounts on the receiving device. Failures are contained
// per item: one bad wallet or account never aborts the batch. The whole
// pipeline runs sequentially so progress counting and error attribution
// stay exact.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"walletlink/bundle"
)

var (
	// ErrMissingCredentialOrPassword indicates an imported-account
	// branch was entered without its credential or password. There is
	// nothing partial to attempt, so this aborts the import.
	ErrMissingCredentialOrPassword = errors.New("importer: credential and password are required")
	// ErrMissingNetworkID indicates an account without a creation
	// network, which cannot be restored anywhere.
	ErrMissingNetworkID = errors.New("importer: network id is required")
)

// CreateHDWalletParams describes the HD wallet to recreate.
type CreateHDWalletParams struct {
	Name     string
	Mnemonic string
	Avatar   string
	Backuped bool
}

// NetworkRequest is one (network, derive type) pair to create an
// account for.
type NetworkRequest struct {
	NetworkID  string
	DeriveType string
}

// BatchCreateAccountsParams creates the accounts of one derivation index
// across several networks in one go.
type BatchCreateAccountsParams struct {
	WalletID string
	Index    int
	Networks []NetworkRequest
}

// Vault is the account/key-derivation collaborator the engine drives.
// Implementations own credential formats, derivation and persistence.
type Vault interface {
	// MnemonicFromCredential decrypts a revealable-seed credential with
	// the transfer password and returns the wallet mnemonic.
	MnemonicFromCredential(credential, password string) (string, error)
	// PrivateKeyFromCredential decrypts an imported-account credential
	// and returns the raw private key.
	PrivateKeyFromCredential(credential, password string) ([]byte, error)
	// ReencryptSeedCredential re-encrypts a seed credential from the
	// transfer password to the local unlock password.
	ReencryptSeedCredential(credential, transferPassword, localPassword string) (string, error)

	CreateHDWallet(ctx context.Context, params CreateHDWalletParams) (walletID string, err error)
	BatchCreateAccounts(ctx context.Context, params BatchCreateAccountsParams) (created int, err error)
	SetAccountName(ctx context.Context, walletID string, index int, name string) error

	NetworkIDForAccount(account bundle.Account) (string, error)
	DeriveTypeForAccount(networkID string, account bundle.Account) (string, error)

	RestoreImportedAccount(ctx context.Context, account bundle.Account, privateKey []byte, networkID string) (accountID string, err error)
	RestoreWatchingAccount(ctx context.Context, account bundle.Account, input, networkID string) (added bool, err error)
	SaveTONMnemonic(ctx context.Context, accountID, encryptedCredential string) error
}

// PasswordService is the local unlock-password collaborator. The engine
// never stores the password it returns.
type PasswordService interface {
	PromptPasswordVerify(ctx context.Context) (password string, err error)
}

// Result is the outcome of one import run. Success with a non-empty
// error list means a partial import.
type Result struct {
	Success    bool        `json:"success"`
	ErrorsInfo []ItemError `json:"errorsInfo"`
}

// Engine runs imports one at a time. Starting a new import supersedes
// the running one: the superseded run observes the token change at its
// next loop boundary and stops without error.
type Engine struct {
	vault     Vault
	passwords PasswordService

	taskMu        sync.Mutex
	currentTaskID string

	tracker progressTracker
}

// New creates an import engine over the given collaborators.
func New(vault Vault, passwords PasswordService) *Engine {
	return &Engine{vault: vault, passwords: passwords}
}

// SetProgressListener installs a callback invoked after every progress
// change. Must be set before StartImport.
func (e *Engine) SetProgressListener(listener func(Progress)) {
	e.tracker.mu.Lock()
	e.tracker.listener = listener
	e.tracker.mu.Unlock()
}

// Progress returns a snapshot of the current import progress.
func (e *Engine) Progress() Progress {
	return e.tracker.snapshot()
}

// ResetProgress clears progress state, e.g. after the UI has shown the
// outcome of a cancelled run.
func (e *Engine) ResetProgress() {
	e.tracker.reset()
}

// CancelImport supersedes the running import, if any. Cancellation is
// cooperative: the running loop stops at its next boundary check.
// Side effects already committed are not rolled back.
func (e *Engine) CancelImport() {
	e.taskMu.Lock()
	e.currentTaskID = uuid.NewString()
	e.taskMu.Unlock()
	log.Infof("Import cancelled")
}

func (e *Engine) beginTask() string {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()
	e.currentTaskID = uuid.NewString()
	return e.currentTaskID
}

func (e *Engine) isSuperseded(ctx context.Context, taskID string) bool {
	if ctx.Err() != nil {
		return true
	}
	e.taskMu.Lock()
	defer e.taskMu.Unlock()
	return e.currentTaskID != taskID
}

// StartImport recreates the selected wallets and accounts using the
// supplied transfer password. Per-item failures are returned in
// ErrorsInfo; only structural precondition failures abort the run.
//
// Re-importing the same bundle is not deduplicated beyond what the
// vault's own constraints enforce, so duplicates are possible.
func (e *Engine) StartImport(ctx context.Context, selected *bundle.SelectedData, password string) (*Result, error) {
	taskID := e.beginTask()
	e.tracker.init(selected.TotalImportUnits())

	errorsInfo := []ItemError{}
	cancelled := &Result{Success: false, ErrorsInfo: []ItemError{}}

	for _, wallet := range selected.Wallets {
		if e.isSuperseded(ctx, taskID) {
			return cancelled, nil
		}
		var superseded bool
		errorsInfo, superseded = e.importHDWallet(ctx, taskID, wallet, password, errorsInfo)
		if superseded {
			return cancelled, nil
		}
	}

	for _, account := range selected.ImportedAccounts {
		if e.isSuperseded(ctx, taskID) {
			return cancelled, nil
		}
		if err := e.importAccount(ctx, account, password, &errorsInfo); err != nil {
			return nil, err
		}
	}

	for _, account := range selected.WatchingAccounts {
		if e.isSuperseded(ctx, taskID) {
			return cancelled, nil
		}
		added, superseded, err := e.restoreWatchingAccount(ctx, taskID, account)
		if err != nil {
			return nil, err
		}
		if added {
			e.tracker.advance()
		}
		if superseded {
			return cancelled, nil
		}
	}

	// Completion stats are only ever frozen for a run that finished on
	// its own; a cancellation observed inside the last item must not
	// reach complete.
	if e.isSuperseded(ctx, taskID) {
		return cancelled, nil
	}

	e.tracker.complete(errorsInfo)
	log.Infof("Import finished: %d errors", len(errorsInfo))

	return &Result{Success: true, ErrorsInfo: errorsInfo}, nil
}

// importHDWallet recreates one HD wallet and its network accounts. Every
// sub-step failure is appended to errorsInfo and processing continues.
// The second return value reports a supersede observed inside the
// wallet's own loops, which the caller must treat as cancellation.
func (e *Engine) importHDWallet(ctx context.Context, taskID string, wallet bundle.SelectedWallet, password string, errorsInfo []ItemError) ([]ItemError, bool) {
	var walletID string

	err := func() error {
		if wallet.Credential == "" {
			return errors.New("credential is required")
		}
		if password == "" {
			return errors.New("password is required")
		}

		mnemonic, err := e.vault.MnemonicFromCredential(wallet.Credential, password)
		if err != nil {
			return err
		}

		walletID, err = e.vault.CreateHDWallet(ctx, CreateHDWalletParams{
			Name:     wallet.Item.Name,
			Mnemonic: mnemonic,
			Avatar:   wallet.Item.Avatar,
			Backuped: wallet.Item.Backuped,
		})
		return err
	}()
	if err != nil {
		log.Debugf("Wallet %s creation failed: %v", wallet.ID, err)
		errorsInfo = append(errorsInfo, ItemError{
			Category: CategoryCreateWallet,
			WalletID: wallet.ID,
			Error:    err.Error(),
		})
	}

	// Recompute which (network, derive type) pairs each derivation
	// index needs, keeping custom account names for reapplication.
	networksByIndex := make(map[int][]NetworkRequest)
	indexOrder := []int{}
	names := make(map[int]string)

	for _, account := range wallet.Item.Accounts {
		if e.isSuperseded(ctx, taskID) {
			return errorsInfo, true
		}

		if account.PathIndex != nil && account.Name != "" {
			names[*account.PathIndex] = account.Name
		}

		networkID, err := e.vault.NetworkIDForAccount(account)
		if err == nil {
			var deriveType string
			deriveType, err = e.vault.DeriveTypeForAccount(networkID, account)
			if err == nil {
				if account.PathIndex == nil {
					err = errors.New("account has no derivation index")
				} else {
					index := *account.PathIndex
					if _, seen := networksByIndex[index]; !seen {
						indexOrder = append(indexOrder, index)
					}
					networksByIndex[index] = append(networksByIndex[index], NetworkRequest{
						NetworkID:  networkID,
						DeriveType: deriveType,
					})
				}
			}
		}
		if err != nil {
			errorsInfo = append(errorsInfo, ItemError{
				Category:  CategoryNetworkParams,
				WalletID:  wallet.ID,
				AccountID: account.ID,
				Error:     err.Error(),
			})
		}
	}

	for _, index := range indexOrder {
		if e.isSuperseded(ctx, taskID) {
			return errorsInfo, true
		}
		networks := networksByIndex[index]

		if walletID != "" {
			created, err := e.vault.BatchCreateAccounts(ctx, BatchCreateAccountsParams{
				WalletID: walletID,
				Index:    index,
				Networks: networks,
			})
			if err != nil {
				errorsInfo = append(errorsInfo, ItemError{
					Category:    CategoryBatchCreate,
					WalletID:    wallet.ID,
					NetworkInfo: describeNetworks(networks, index),
					Error:       err.Error(),
				})
			}
			for i := 0; i < created; i++ {
				e.tracker.advance()
			}
		}

		if walletID != "" && names[index] != "" {
			if err := e.vault.SetAccountName(ctx, walletID, index, names[index]); err != nil {
				// Naming is cosmetic; keep importing.
				log.Debugf("Renaming account %d of wallet %s failed: %v", index, walletID, err)
			}
		}
	}

	return errorsInfo, e.isSuperseded(ctx, taskID)
}

// importAccount recreates one private-key imported account. Missing
// credential or password is a structural failure for this branch.
func (e *Engine) importAccount(ctx context.Context, account bundle.SelectedAccount, password string, errorsInfo *[]ItemError) error {
	if account.Credential == "" || password == "" {
		return fmt.Errorf("%w: account %s", ErrMissingCredentialOrPassword, account.ID)
	}

	networkID, err := e.vault.NetworkIDForAccount(account.Item)
	if err != nil || networkID == "" {
		return fmt.Errorf("%w: account %s", ErrMissingNetworkID, account.ID)
	}

	privateKey, err := e.vault.PrivateKeyFromCredential(account.Credential, password)
	if err != nil {
		return fmt.Errorf("decrypt credential of account %s: %w", account.ID, err)
	}
	defer zeroBytes(privateKey)

	accountID, err := e.vault.RestoreImportedAccount(ctx, account.Item, privateKey, networkID)
	if err != nil {
		return fmt.Errorf("restore imported account %s: %w", account.ID, err)
	}
	if accountID == "" {
		return nil
	}

	if account.TONMnemonicCredential != "" {
		// Best effort: a failed secondary mnemonic never fails the
		// already-restored account.
		if err := e.saveTONMnemonic(ctx, accountID, account.TONMnemonicCredential, password); err != nil {
			log.Debugf("TON mnemonic restore for account %s failed: %v", accountID, err)
			*errorsInfo = append(*errorsInfo, ItemError{
				Category:  CategoryTONMnemonic,
				AccountID: account.ID,
				Error:     err.Error(),
			})
		}
	}

	e.tracker.advance()
	return nil
}

// saveTONMnemonic moves an imported TON account's secondary mnemonic to
// this device: decrypt under the transfer password, re-encrypt under the
// freshly re-verified local unlock password, then persist.
func (e *Engine) saveTONMnemonic(ctx context.Context, accountID, credential, transferPassword string) error {
	localPassword, err := e.passwords.PromptPasswordVerify(ctx)
	if err != nil {
		return fmt.Errorf("verify local password: %w", err)
	}

	reencrypted, err := e.vault.ReencryptSeedCredential(credential, transferPassword, localPassword)
	if err != nil {
		return fmt.Errorf("re-encrypt TON mnemonic: %w", err)
	}

	return e.vault.SaveTONMnemonic(ctx, accountID, reencrypted)
}

// restoreWatchingAccount tries restoration inputs in priority order:
// public key, extended public key, segwit extended public key, then the
// plain address only if nothing else produced an account. The second
// return value reports a supersede observed between inputs.
func (e *Engine) restoreWatchingAccount(ctx context.Context, taskID string, account bundle.SelectedAccount) (bool, bool, error) {
	networkID, err := e.vault.NetworkIDForAccount(account.Item)
	if err != nil || networkID == "" {
		return false, false, fmt.Errorf("%w: account %s", ErrMissingNetworkID, account.ID)
	}

	added := false
	for _, input := range []string{account.Item.Pub, account.Item.Xpub, account.Item.XpubSegwit} {
		if input == "" {
			continue
		}
		if e.isSuperseded(ctx, taskID) {
			return added, true, nil
		}
		ok, err := e.vault.RestoreWatchingAccount(ctx, account.Item, input, networkID)
		if err != nil {
			log.Debugf("Watching restore of account %s from key input failed: %v", account.ID, err)
			continue
		}
		added = added || ok
	}

	if !added && account.Item.Address != "" {
		if e.isSuperseded(ctx, taskID) {
			return added, true, nil
		}
		ok, err := e.vault.RestoreWatchingAccount(ctx, account.Item, account.Item.Address, networkID)
		if err != nil {
			log.Debugf("Watching restore of account %s from address failed: %v", account.ID, err)
		}
		added = added || ok
	}

	return added, e.isSuperseded(ctx, taskID), nil
}

func describeNetworks(networks []NetworkRequest, index int) string {
	described := ""
	for i, network := range networks {
		if i > 0 {
			described += ", "
		}
		described += network.NetworkID + "-" + network.DeriveType
	}
	return fmt.Sprintf("%s----%d", described, index)
}

func zeroBytes(secret []byte) {
	for i := range secret {
		secret[i] = 0
	}
}
