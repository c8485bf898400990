package maildb

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const boltOpenTimeout = time.Second

var boltStateBucket = []byte("relaymail_state")

type BoltStateBackend struct {
	path     string
	stateKey []byte

	initOnce sync.Once
	initErr  error
	db       *bolt.DB
}

func NewBoltStateBackend(path, stateKey string) (*BoltStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(stateKey) == "" {
		stateKey = defaultStateKey
	}
	return &BoltStateBackend{path: path, stateKey: []byte(stateKey)}, nil
}

func (b *BoltStateBackend) Load(ctx context.Context) (*Snapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var snapshot *Snapshot
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(boltStateBucket).Get(b.stateKey)
		if data == nil {
			return nil
		}
		snapshot = &Snapshot{}
		return json.Unmarshal(data, snapshot)
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (b *BoltStateBackend) Save(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltStateBucket).Put(b.stateKey, payload)
	})
}

func (b *BoltStateBackend) Exists(ctx context.Context) (bool, error) {
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	exists := false
	err := b.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(boltStateBucket).Get(b.stateKey) != nil
		return nil
	})
	return exists, err
}

func (b *BoltStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltStateBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
		if err != nil {
			b.initErr = err
			return
		}
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(boltStateBucket)
			return err
		})
		if err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
