package vaultdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	// Register the bbolt backend of walletdb.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// DBFilename is the name of the database file inside the data
	// directory.
	DBFilename = "vault.db"

	// dbFilePermission is the permission of the data directory.
	dbFilePermission = 0700
)

var (
	// vaultBucket maps a vault name to its encrypted record.
	vaultBucket = []byte("vaults")

	// receiptBucket maps a concealed seal to the sealed blinded utxo it
	// was created from.
	receiptBucket = []byte("receipts")

	// stashBucket maps a contract id to the encoded history of the
	// contract.
	stashBucket = []byte("stash")

	// stateBucket maps a lifecycle key to its transfer state.
	stateBucket = []byte("transfer-states")

	topLevelBuckets = [][]byte{
		vaultBucket, receiptBucket, stashBucket, stateBucket,
	}
)

// DB is the persistent store of a vault daemon. It wraps a bbolt backed kvdb
// and hands out the typed stores living in its buckets.
type DB struct {
	kvdb.Backend

	path string
}

// Open opens the database in dir, creating the directory, the file and the
// top level buckets if needed.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, dbFilePermission); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, DBFilename)
	backend, err := kvdb.Open(
		kvdb.BoltBackendName, path, true, kvdb.DefaultDBTimeout, false,
	)
	if errors.Is(err, kvdb.ErrDbDoesNotExist) {
		log.Infof("Creating vault database at %v", path)

		backend, err = kvdb.Create(
			kvdb.BoltBackendName, path, true,
			kvdb.DefaultDBTimeout, false,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open %v: %w", path, err)
	}

	db := &DB{Backend: backend, path: path}
	if err := db.initBuckets(); err != nil {
		_ = backend.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the location of the database file.
func (d *DB) Path() string {
	return d.path
}

func (d *DB) initBuckets() error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		for _, b := range topLevelBuckets {
			if _, err := tx.CreateTopLevelBucket(b); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// put stores value under key in the named top level bucket.
func (d *DB) put(bucket, key, value []byte) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		b := tx.ReadWriteBucket(bucket)
		if b == nil {
			return kvdb.ErrBucketNotFound
		}

		return b.Put(key, value)
	}, func() {})
}

// fetch returns a copy of the value stored under key, or nil if there is
// none.
func (d *DB) fetch(bucket, key []byte) ([]byte, error) {
	var value []byte
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		b := tx.ReadBucket(bucket)
		if b == nil {
			return kvdb.ErrBucketNotFound
		}

		if v := b.Get(key); v != nil {
			value = append([]byte(nil), v...)
		}

		return nil
	}, func() {
		value = nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// keys lists the keys of a top level bucket in byte order.
func (d *DB) keys(bucket []byte) ([][]byte, error) {
	var keys [][]byte
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		b := tx.ReadBucket(bucket)
		if b == nil {
			return kvdb.ErrBucketNotFound
		}

		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
	}, func() {
		keys = nil
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}
