// Package store wraps the embedded document database. All persistent
// state (account records, transfer stats, file owners) lives here, keyed
// by collection. Account writes go through the Proxy, which batches
// field-level mutations for replication.
package store

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("store: not found")

// DB is a handle to the backing database. Open with ":memory:" for an
// ephemeral store (tests, dry runs).
type DB struct {
	bdb *buntdb.DB
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	bdb, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &DB{bdb: bdb}, nil
}

func (db *DB) Close() error { return db.bdb.Close() }

func (db *DB) set(key, value string) error {
	return db.bdb.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, value, nil)
		return err
	})
}

func (db *DB) get(key string) (string, error) {
	var value string
	err := db.bdb.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return "", ErrNotFound
	}
	return value, err
}

func (db *DB) delete(key string) error {
	err := db.bdb.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

// eachPrefix visits every key with the given prefix.
func (db *DB) eachPrefix(prefix string, fn func(key, value string) error) error {
	var visitErr error
	err := db.bdb.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				return true
			}
			if err := fn(key, value); err != nil {
				visitErr = err
				return false
			}
			return true
		})
	})
	if visitErr != nil {
		return visitErr
	}
	return err
}

// update runs a read-modify-write transaction on a single key. The
// modifier receives the current value ("" when absent) and returns the
// replacement.
func (db *DB) update(key string, fn func(cur string) (string, error)) error {
	return db.bdb.Update(func(tx *buntdb.Tx) error {
		cur, err := tx.Get(key)
		if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key, next, nil)
		return err
	})
}
