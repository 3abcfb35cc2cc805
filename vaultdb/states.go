package vaultdb

import (
	"fmt"

	"github.com/bitmask/vaultd/transfer"
)

// StateStore persists the lifecycle state of transfers.
type StateStore struct {
	db *DB
}

// A compile time check to ensure StateStore implements transfer.StateStore.
var _ transfer.StateStore = (*StateStore)(nil)

// StateStore returns the transfer state store of the database.
func (d *DB) StateStore() *StateStore {
	return &StateStore{db: d}
}

// FetchState returns the state recorded for key, or
// transfer.ErrStateNotFound.
func (s *StateStore) FetchState(key string) (transfer.State, error) {
	v, err := s.db.fetch(stateBucket, []byte(key))
	switch {
	case err != nil:
		return 0, err

	case v == nil:
		return 0, transfer.ErrStateNotFound

	case len(v) != 1:
		return 0, fmt.Errorf("malformed state of %v: %x", key, v)
	}

	return transfer.State(v[0]), nil
}

// PutState records the state of key.
func (s *StateStore) PutState(key string, st transfer.State) error {
	return s.db.put(stateBucket, []byte(key), []byte{byte(st)})
}
