package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	dataBucket   = []byte("data")
	expiryBucket = []byte("expiry")
)

// EmbeddedEngine is a file-backed KV engine built on go.etcd.io/bbolt (the
// same embedded store hashicorp/raft-boltdb uses for the Raft log, so the
// dependency is already resident in the binary via pkg/coordinator).
type EmbeddedEngine struct {
	db     *bbolt.DB
	reaper *time.Ticker
	done   chan struct{}
}

// OpenEmbedded opens (creating if absent) a bbolt file at path.
func OpenEmbedded(path string) (*EmbeddedEngine, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, hal9errors.Runtime("open embedded storage: %v", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(expiryBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, hal9errors.Runtime("init embedded storage buckets: %v", err)
	}

	e := &EmbeddedEngine{db: db, done: make(chan struct{})}
	e.reaper = time.NewTicker(time.Second)
	go e.reapLoop()
	return e, nil
}

func (e *EmbeddedEngine) reapLoop() {
	for {
		select {
		case <-e.reaper.C:
			e.reapExpired()
		case <-e.done:
			return
		}
	}
}

func (e *EmbeddedEngine) reapExpired() {
	now := time.Now().UnixNano()
	_ = e.db.Update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(expiryBucket)
		db := tx.Bucket(dataBucket)
		var expired [][]byte
		c := eb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) == 8 && int64(binary.BigEndian.Uint64(v)) <= now {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			db.Delete(k)
			eb.Delete(k)
		}
		return nil
	})
}

func isExpired(eb *bbolt.Bucket, key []byte) bool {
	v := eb.Get(key)
	if len(v) != 8 {
		return false
	}
	deadline := int64(binary.BigEndian.Uint64(v))
	return deadline <= time.Now().UnixNano()
}

func (e *EmbeddedEngine) Put(ctx context.Context, key string, value []byte) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(dataBucket).Put([]byte(key), value); err != nil {
			return err
		}
		// A fresh Put clears any previous TTL, matching the expectation that
		// overwriting a key resets its lifecycle.
		return tx.Bucket(expiryBucket).Delete([]byte(key))
	})
}

func (e *EmbeddedEngine) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := e.db.View(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(expiryBucket)
		if isExpired(eb, []byte(key)) {
			return nil
		}
		v := tx.Bucket(dataBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		value = append([]byte(nil), v...)
		found = true
		return nil
	})
	return value, found, err
}

func (e *EmbeddedEngine) Delete(ctx context.Context, key string) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(dataBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(expiryBucket).Delete([]byte(key))
	})
}

func (e *EmbeddedEngine) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := e.Get(ctx, key)
	return found, err
}

func (e *EmbeddedEngine) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := e.db.View(func(tx *bbolt.Tx) error {
		db := tx.Bucket(dataBucket)
		eb := tx.Bucket(expiryBucket)
		c := db.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			if isExpired(eb, k) {
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// CompareAndSwap is atomic because bbolt serializes all writers through a
// single update transaction: exactly one concurrent caller observing the
// same expected value commits.
func (e *EmbeddedEngine) CompareAndSwap(ctx context.Context, key string, expected, newValue []byte) (bool, error) {
	var swapped bool
	err := e.db.Update(func(tx *bbolt.Tx) error {
		db := tx.Bucket(dataBucket)
		eb := tx.Bucket(expiryBucket)
		cur := db.Get([]byte(key))
		if isExpired(eb, []byte(key)) {
			cur = nil
		}
		if !bytes.Equal(cur, expected) {
			return nil
		}
		swapped = true
		return db.Put([]byte(key), newValue)
	})
	return swapped, err
}

func (e *EmbeddedEngine) SetTTL(ctx context.Context, key string, d time.Duration) error {
	deadline := time.Now().Add(d).UnixNano()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(deadline))
	return e.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(dataBucket).Get([]byte(key)) == nil {
			return hal9errors.NotFound("key", key)
		}
		return tx.Bucket(expiryBucket).Put([]byte(key), buf)
	})
}

func (e *EmbeddedEngine) Transaction(ctx context.Context) (Tx, error) {
	tx, err := e.db.Begin(true)
	if err != nil {
		return nil, err
	}
	return &embeddedTx{tx: tx}, nil
}

func (e *EmbeddedEngine) Close() error {
	close(e.done)
	e.reaper.Stop()
	return e.db.Close()
}

type embeddedTx struct {
	tx      *bbolt.Tx
	puts    []kv
	deletes []string
}

type kv struct {
	key   string
	value []byte
}

func (t *embeddedTx) Put(key string, value []byte) {
	t.puts = append(t.puts, kv{key, value})
}

func (t *embeddedTx) Delete(key string) {
	t.deletes = append(t.deletes, key)
}

func (t *embeddedTx) Commit(ctx context.Context) error {
	db := t.tx.Bucket(dataBucket)
	eb := t.tx.Bucket(expiryBucket)
	for _, w := range t.puts {
		if err := db.Put([]byte(w.key), w.value); err != nil {
			t.tx.Rollback()
			return err
		}
		eb.Delete([]byte(w.key))
	}
	for _, k := range t.deletes {
		if err := db.Delete([]byte(k)); err != nil {
			t.tx.Rollback()
			return err
		}
		eb.Delete([]byte(k))
	}
	return t.tx.Commit()
}

func (t *embeddedTx) Rollback() error {
	return t.tx.Rollback()
}
