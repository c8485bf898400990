package maildb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS relaymail_state (
	state_key TEXT PRIMARY KEY,
	version INTEGER NOT NULL DEFAULT 0,
	snapshot TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

type sqliteStateRow struct {
	Version  int    `db:"version"`
	Snapshot string `db:"snapshot"`
}

// SQLiteStateBackend keeps snapshots in a single-file sqlite database, one row
// per state key.
type SQLiteStateBackend struct {
	path     string
	stateKey string

	initOnce sync.Once
	initErr  error
	db       *sqlx.DB
}

func NewSQLiteStateBackend(path, stateKey string) (*SQLiteStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(stateKey) == "" {
		stateKey = defaultStateKey
	}
	return &SQLiteStateBackend{path: path, stateKey: stateKey}, nil
}

func (b *SQLiteStateBackend) Load(ctx context.Context) (*Snapshot, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	var row sqliteStateRow
	err := b.db.GetContext(ctx, &row, `SELECT version, snapshot FROM relaymail_state WHERE state_key = ?`, b.stateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(row.Snapshot), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *SQLiteStateBackend) Save(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO relaymail_state (state_key, version, snapshot, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key)
		DO UPDATE SET version = excluded.version, snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`,
		b.stateKey, snapshot.Version, string(payload))
	return err
}

func (b *SQLiteStateBackend) Exists(ctx context.Context) (bool, error) {
	if err := b.ensureReady(ctx); err != nil {
		return false, err
	}
	var count int
	if err := b.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM relaymail_state WHERE state_key = ?`, b.stateKey); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteStateBackend) ensureReady(ctx context.Context) error {
	b.initOnce.Do(func() {
		db, err := sqlx.Open("sqlite", b.path)
		if err != nil {
			b.initErr = err
			return
		}
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
