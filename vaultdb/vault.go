package vaultdb

import (
	"errors"

	"github.com/bitmask/vaultd/vault"
)

// ErrVaultNotFound is returned when no vault is stored under a name.
var ErrVaultNotFound = errors.New("vault not found")

// VaultStore persists encrypted vaults by name. The records never touch the
// database in plaintext.
type VaultStore struct {
	db *DB
}

// VaultStore returns the vault store of the database.
func (d *DB) VaultStore() *VaultStore {
	return &VaultStore{db: d}
}

// PutVault stores blob under name, replacing any previous vault.
func (s *VaultStore) PutVault(name string, blob vault.EncryptedVault) error {
	if err := s.db.put(vaultBucket, []byte(name), blob); err != nil {
		return err
	}

	log.Debugf("Stored vault %q (%d bytes)", name, len(blob))

	return nil
}

// FetchVault returns the vault stored under name.
func (s *VaultStore) FetchVault(name string) (vault.EncryptedVault, error) {
	blob, err := s.db.fetch(vaultBucket, []byte(name))
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrVaultNotFound
	}

	return blob, nil
}
