package vaultdb

import (
	"github.com/bitmask/vaultd/contract"
	"github.com/bitmask/vaultd/rgb"
	"github.com/bitmask/vaultd/transfer"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/kvdb"
)

// Stash persists the history of every known contract.
type Stash struct {
	db *DB
}

// A compile time check to ensure Stash implements transfer.Stash.
var _ transfer.Stash = (*Stash)(nil)

// Stash returns the contract stash of the database.
func (d *DB) Stash() *Stash {
	return &Stash{db: d}
}

// FetchConsignment returns the stored history of a contract, or
// transfer.ErrUnknownContract.
func (s *Stash) FetchConsignment(
	id rgb.ContractID) (*contract.Consignment, error) {

	raw, err := s.db.fetch(stashBucket, id[:])
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, transfer.ErrUnknownContract
	}

	return contract.DecodeConsignment(raw)
}

// PutConsignment merges c into the stored history of its contract. The read,
// merge and write happen in one transaction.
func (s *Stash) PutConsignment(c *contract.Consignment) error {
	id := c.ContractID()

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		b := tx.ReadWriteBucket(stashBucket)
		if b == nil {
			return kvdb.ErrBucketNotFound
		}

		var known *contract.Consignment
		if raw := b.Get(id[:]); raw != nil {
			var err error
			known, err = contract.DecodeConsignment(raw)
			if err != nil {
				return err
			}
		}

		merged, err := transfer.MergeHistory(known, c)
		if err != nil {
			return err
		}
		raw, err := merged.Encode()
		if err != nil {
			return err
		}

		return b.Put(id[:], raw)
	}, func() {})
}

// Contracts lists the ids of the stashed contracts in byte order.
func (s *Stash) Contracts() ([]rgb.ContractID, error) {
	keys, err := s.db.keys(stashBucket)
	if err != nil {
		return nil, err
	}

	ids := make([]rgb.ContractID, 0, len(keys))
	for _, k := range keys {
		var id rgb.ContractID
		if len(k) != chainhash.HashSize {
			log.Warnf("Skipping malformed stash key %x", k)
			continue
		}
		copy(id[:], k)
		ids = append(ids, id)
	}

	return ids, nil
}
