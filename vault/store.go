// Package vault is the local account store behind transfers: wallets,
// accounts and device-encrypted credentials in SQLite, plus the
// key-derivation service the import pipeline drives. Raw secrets only
// ever pass through in memory; everything persisted is encrypted under
// the device unlock password.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"walletlink/bundle"
)

// DefaultDBFileName is the SQLite filename under the app data dir.
const DefaultDBFileName = "vault.db"

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("vault: not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS wallets (
  id           TEXT PRIMARY KEY,
  name         TEXT NOT NULL,
  type         TEXT NOT NULL CHECK(type IN ('hd','imported','watching')),
  backuped     INTEGER NOT NULL DEFAULT 0,
  avatar       TEXT NOT NULL DEFAULT '',
  wallet_order REAL NOT NULL DEFAULT 0
);
`,
	`
CREATE TABLE IF NOT EXISTS accounts (
  id                TEXT PRIMARY KEY,
  wallet_id         TEXT NOT NULL REFERENCES wallets(id) ON DELETE CASCADE,
  name              TEXT NOT NULL DEFAULT '',
  address           TEXT NOT NULL DEFAULT '',
  pub               TEXT NOT NULL DEFAULT '',
  xpub              TEXT NOT NULL DEFAULT '',
  xpub_segwit       TEXT NOT NULL DEFAULT '',
  path              TEXT NOT NULL DEFAULT '',
  path_index        INTEGER,
  impl              TEXT NOT NULL DEFAULT '',
  create_at_network TEXT NOT NULL DEFAULT '',
  derive_type       TEXT NOT NULL DEFAULT '',
  account_order     REAL NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_accounts_wallet
ON accounts (wallet_id, account_order, id);
`,
	`
CREATE TABLE IF NOT EXISTS credentials (
  id      TEXT PRIMARY KEY,
  payload TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS metadata (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) vault.db under the given data directory and
// runs migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// SaveWallet inserts a wallet row.
func (s *Store) SaveWallet(wallet bundle.Wallet) error {
	if wallet.ID == "" {
		return errors.New("wallet id is required")
	}
	if wallet.Type == "" {
		return errors.New("wallet type is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO wallets (id, name, type, backuped, avatar, wallet_order)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		wallet.ID,
		wallet.Name,
		wallet.Type,
		boolToInt(wallet.Backuped),
		wallet.Avatar,
		wallet.WalletOrder,
	)
	if err != nil {
		return fmt.Errorf("insert wallet %q: %w", wallet.ID, err)
	}
	return nil
}

// HasWallet reports whether a wallet row exists.
func (s *Store) HasWallet(walletID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM wallets WHERE id = ?`, walletID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check wallet %q: %w", walletID, err)
	}
	return true, nil
}

// SaveAccount inserts an account row under a wallet.
func (s *Store) SaveAccount(walletID string, account bundle.Account) error {
	if account.ID == "" {
		return errors.New("account id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO accounts (
			id, wallet_id, name, address, pub, xpub, xpub_segwit,
			path, path_index, impl, create_at_network, derive_type, account_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		walletID,
		account.Name,
		account.Address,
		account.Pub,
		account.Xpub,
		account.XpubSegwit,
		account.Path,
		nullIntPtr(account.PathIndex),
		account.Impl,
		account.CreateAtNetwork,
		account.DeriveType,
		account.AccountOrder,
	)
	if err != nil {
		return fmt.Errorf("insert account %q: %w", account.ID, err)
	}
	return nil
}

// RenameAccount sets the display name of every account of a wallet at
// the given derivation index.
func (s *Store) RenameAccount(walletID string, pathIndex int, name string) error {
	result, err := s.db.Exec(
		`UPDATE accounts SET name = ? WHERE wallet_id = ? AND path_index = ?`,
		name, walletID, pathIndex,
	)
	if err != nil {
		return fmt.Errorf("rename account %d of wallet %q: %w", pathIndex, walletID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename account %d of wallet %q: %w", pathIndex, walletID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCredential upserts a device-encrypted credential blob.
func (s *Store) SaveCredential(id, payload string) error {
	if id == "" {
		return errors.New("credential id is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO credentials (id, payload) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		id, payload,
	)
	if err != nil {
		return fmt.Errorf("save credential %q: %w", id, err)
	}
	return nil
}

// Credential fetches one credential blob.
func (s *Store) Credential(id string) (string, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM credentials WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get credential %q: %w", id, err)
	}
	return payload, nil
}

// DumpCredentials returns every credential blob keyed by item id.
func (s *Store) DumpCredentials(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM credentials`)
	if err != nil {
		return nil, fmt.Errorf("dump credentials: %w", err)
	}
	defer rows.Close()

	credentials := map[string]string{}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		credentials[id] = payload
	}
	return credentials, rows.Err()
}

// HDWallets returns all HD wallets with their accounts in display
// order.
func (s *Store) HDWallets(ctx context.Context) ([]bundle.Wallet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, backuped, avatar, wallet_order
		 FROM wallets WHERE type = ? ORDER BY wallet_order, id`,
		bundle.WalletTypeHD,
	)
	if err != nil {
		return nil, fmt.Errorf("list hd wallets: %w", err)
	}
	defer rows.Close()

	var wallets []bundle.Wallet
	for rows.Next() {
		var wallet bundle.Wallet
		var backuped int
		if err := rows.Scan(&wallet.ID, &wallet.Name, &wallet.Type, &backuped, &wallet.Avatar, &wallet.WalletOrder); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		wallet.Backuped = backuped != 0
		wallets = append(wallets, wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range wallets {
		accounts, err := s.walletAccounts(ctx, wallets[i].ID)
		if err != nil {
			return nil, err
		}
		wallets[i].Accounts = accounts
		for _, account := range accounts {
			wallets[i].AccountIDs = append(wallets[i].AccountIDs, account.ID)
		}
	}

	return wallets, nil
}

// ImportedAccounts returns all private-key imported accounts.
func (s *Store) ImportedAccounts(ctx context.Context) ([]bundle.Account, error) {
	return s.accountsByWalletType(ctx, bundle.WalletTypeImported)
}

// WatchingAccounts returns all watching-only accounts.
func (s *Store) WatchingAccounts(ctx context.Context) ([]bundle.Account, error) {
	return s.accountsByWalletType(ctx, bundle.WalletTypeWatching)
}

func (s *Store) walletAccounts(ctx context.Context, walletID string) ([]bundle.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		accountSelect+` WHERE wallet_id = ? ORDER BY account_order, id`,
		walletID,
	)
	if err != nil {
		return nil, fmt.Errorf("list accounts of wallet %q: %w", walletID, err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

func (s *Store) accountsByWalletType(ctx context.Context, walletType string) ([]bundle.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		accountSelect+` WHERE wallet_id IN (SELECT id FROM wallets WHERE type = ?)
		 ORDER BY account_order, id`,
		walletType,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s accounts: %w", walletType, err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

const accountSelect = `SELECT
	id, name, address, pub, xpub, xpub_segwit,
	path, path_index, impl, create_at_network, derive_type, account_order
FROM accounts`

func scanAccounts(rows *sql.Rows) ([]bundle.Account, error) {
	var accounts []bundle.Account
	for rows.Next() {
		var account bundle.Account
		var pathIndex sql.NullInt64
		if err := rows.Scan(
			&account.ID, &account.Name, &account.Address, &account.Pub,
			&account.Xpub, &account.XpubSegwit, &account.Path, &pathIndex,
			&account.Impl, &account.CreateAtNetwork, &account.DeriveType,
			&account.AccountOrder,
		); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if pathIndex.Valid {
			index := int(pathIndex.Int64)
			account.PathIndex = &index
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// Metadata reads one metadata value.
func (s *Store) Metadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", key, err)
	}
	return value, nil
}

// SetMetadata upserts one metadata value.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

var _ bundle.Source = (*Store)(nil)
