package maildb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentworkforce/relaymail/internal/syncerr"
)

// SnapshotVersion is bumped whenever the persisted layout changes.
const SnapshotVersion = 1

type Snapshot struct {
	Version  int        `json:"version"`
	Accounts []*Account `json:"accounts"`
}

type AccountEntry struct {
	Key     AccountKey
	Account *Account
}

type Options struct {
	Name    string
	Backend StateBackend
	Logger  *slog.Logger
}

// Database is the in-memory account store with pluggable persistence. The
// content of every account is guarded by mu; callers that hold a pointer from
// Account or MutableAccount must serialize access per account themselves.
type Database struct {
	mu       sync.RWMutex
	saveMu   sync.Mutex
	name     string
	accounts map[string]*Account
	order    []string
	backend  StateBackend
	logger   *slog.Logger
}

func NewDatabase(opts Options) *Database {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "primary"
	}
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Database{
		name:     name,
		accounts: map[string]*Account{},
		backend:  backend,
		logger:   logger.With("store", name),
	}
}

func (db *Database) Name() string {
	return db.name
}

func (db *Database) Account(key AccountKey) (*Account, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	account := db.accountLocked(key)
	return account, account != nil
}

// MutableAccount returns the live account for in-place mutation by a caller
// that already owns the account's serialization.
func (db *Database) MutableAccount(key AccountKey) (*Account, bool) {
	return db.Account(key)
}

// View runs fn with the account under the read lock.
func (db *Database) View(key AccountKey, fn func(*Account) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	account := db.accountLocked(key)
	if account == nil {
		return syncerr.NotFound("account %q", key.Login)
	}
	return fn(account)
}

// Update runs fn with the account under the write lock.
func (db *Database) Update(key AccountKey, fn func(*Account) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	account := db.accountLocked(key)
	if account == nil {
		return syncerr.NotFound("account %q", key.Login)
	}
	return fn(account)
}

func (db *Database) InitEmptyAccount(key AccountKey) *Account {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.initEmptyAccountLocked(key)
}

func (db *Database) DeleteAccount(key AccountKey) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.accounts[key.Login]; !ok {
		return false
	}
	delete(db.accounts, key.Login)
	for i, login := range db.order {
		if login == key.Login {
			db.order = append(db.order[:i:i], db.order[i+1:]...)
			break
		}
	}
	return true
}

func (db *Database) Reset() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.accounts = map[string]*Account{}
	db.order = nil
}

// Accounts returns the accounts in insertion order.
func (db *Database) Accounts() []AccountEntry {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]AccountEntry, 0, len(db.order))
	for _, login := range db.order {
		account := db.accounts[login]
		out = append(out, AccountEntry{Key: account.Key, Account: account})
	}
	return out
}

func (db *Database) Keys() []AccountKey {
	entries := db.Accounts()
	out := make([]AccountKey, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Key)
	}
	return out
}

func (db *Database) Stat() Stat {
	db.mu.RLock()
	defer db.mu.RUnlock()
	total := Stat{}
	for _, login := range db.order {
		stat := AccountStat(db.accounts[login], false)
		total.Accounts++
		total.Conversations += stat.Conversations
		total.Mails += stat.Mails
		total.Folders += stat.Folders
		total.Contacts += stat.Contacts
		total.Unread += stat.Unread
	}
	return total
}

func (db *Database) AccountStat(key AccountKey, includingSpam bool) (Stat, error) {
	var stat Stat
	err := db.View(key, func(account *Account) error {
		stat = AccountStat(account, includingSpam)
		return nil
	})
	return stat, err
}

// AccountStat counts the entities of account. Unread mails that sit in the
// spam folder are left out of Unread unless includingSpam is set.
func AccountStat(account *Account, includingSpam bool) Stat {
	if account == nil {
		return Stat{}
	}
	stat := Stat{
		Conversations: account.ConversationEntries.Len(),
		Mails:         account.Mails.Len(),
		Folders:       account.Folders.Len(),
		Contacts:      account.Contacts.Len(),
	}
	account.Mails.Range(func(_ string, mail Mail) bool {
		if !mail.Unread {
			return true
		}
		if !includingSpam && mail.InFolder(SystemFolderSpam) {
			return true
		}
		stat.Unread++
		return true
	})
	return stat
}

func (db *Database) SaveToFile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.saveMu.Lock()
	defer db.saveMu.Unlock()

	snapshot := db.snapshot()
	if err := db.backend.Save(ctx, snapshot); err != nil {
		return syncerr.Wrap(syncerr.KindIO, err, "save %s store", db.name)
	}
	db.logger.Debug("store saved", "accounts", len(snapshot.Accounts))
	return nil
}

func (db *Database) LoadFromFile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot, err := db.backend.Load(ctx)
	if err != nil {
		return syncerr.Wrap(syncerr.KindIO, err, "load %s store", db.name)
	}
	if snapshot == nil {
		db.Reset()
		return nil
	}
	if snapshot.Version > SnapshotVersion {
		return syncerr.New(syncerr.KindIO, "load %s store: snapshot version %d is newer than supported %d", db.name, snapshot.Version, SnapshotVersion)
	}

	accounts := make(map[string]*Account, len(snapshot.Accounts))
	order := make([]string, 0, len(snapshot.Accounts))
	for _, account := range snapshot.Accounts {
		if account == nil || account.Key.Login == "" {
			continue
		}
		account.ensureTables()
		if _, dup := accounts[account.Key.Login]; !dup {
			order = append(order, account.Key.Login)
		}
		accounts[account.Key.Login] = account
	}

	db.mu.Lock()
	db.accounts = accounts
	db.order = order
	db.mu.Unlock()
	db.logger.Debug("store loaded", "accounts", len(order))
	return nil
}

func (db *Database) Persisted(ctx context.Context) (bool, error) {
	if checker, ok := db.backend.(existenceChecker); ok {
		exists, err := checker.Exists(ctx)
		if err != nil {
			return false, syncerr.Wrap(syncerr.KindIO, err, "probe %s store", db.name)
		}
		return exists, nil
	}
	snapshot, err := db.backend.Load(ctx)
	if err != nil {
		return false, syncerr.Wrap(syncerr.KindIO, err, "probe %s store", db.name)
	}
	return snapshot != nil, nil
}

func (db *Database) Close() error {
	if closer, ok := db.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (db *Database) String() string {
	return fmt.Sprintf("maildb(%s)", db.name)
}

func (db *Database) snapshot() *Snapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()
	snapshot := &Snapshot{
		Version:  SnapshotVersion,
		Accounts: make([]*Account, 0, len(db.order)),
	}
	for _, login := range db.order {
		snapshot.Accounts = append(snapshot.Accounts, db.accounts[login].Clone())
	}
	return snapshot
}

func (db *Database) accountLocked(key AccountKey) *Account {
	return db.accounts[key.Login]
}

func (db *Database) initEmptyAccountLocked(key AccountKey) *Account {
	account := newAccount(key)
	if existing, ok := db.accounts[key.Login]; ok {
		account.Rev = existing.Rev
	} else {
		db.order = append(db.order, key.Login)
	}
	db.accounts[key.Login] = account
	return account
}
