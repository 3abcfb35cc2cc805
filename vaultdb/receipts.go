package vaultdb

import (
	"encoding/json"
	"errors"

	"github.com/bitmask/vaultd/blinding"
	"github.com/bitmask/vaultd/transfer"
	"github.com/bitmask/vaultd/vault"
)

// ErrReceiptNotFound is returned when no receipt exists for a concealed seal.
var ErrReceiptNotFound = errors.New("receipt not found")

// ReceiptStore keeps the blinded utxos handed out by a receiver. Each receipt
// is sealed under the vault key since its blinding factor unlocks the
// transfer.
type ReceiptStore struct {
	db  *DB
	key vault.Key
}

// A compile time check to ensure ReceiptStore implements
// transfer.ReceiptStore.
var _ transfer.ReceiptStore = (*ReceiptStore)(nil)

// ReceiptStore returns the receipt store of the database sealed under key.
func (d *DB) ReceiptStore(key vault.Key) *ReceiptStore {
	return &ReceiptStore{db: d, key: key}
}

// PutReceipt seals and stores a blinded utxo keyed by its concealed seal.
func (s *ReceiptStore) PutReceipt(b *blinding.BlindedUtxo) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	sealed, err := vault.Seal(s.key, payload)
	if err != nil {
		return err
	}

	return s.db.put(receiptBucket, []byte(b.Conceal.String()), sealed)
}

// FetchReceipt returns the blinded utxo behind a concealed seal. A receipt
// sealed under another key fails with an AuthenticationError.
func (s *ReceiptStore) FetchReceipt(
	seal blinding.ConcealedSeal) (*blinding.BlindedUtxo, error) {

	sealed, err := s.db.fetch(receiptBucket, []byte(seal.String()))
	if err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, ErrReceiptNotFound
	}

	return s.open(sealed)
}

// ListReceipts returns every stored receipt ordered by concealed seal.
func (s *ReceiptStore) ListReceipts() ([]*blinding.BlindedUtxo, error) {
	keys, err := s.db.keys(receiptBucket)
	if err != nil {
		return nil, err
	}

	receipts := make([]*blinding.BlindedUtxo, 0, len(keys))
	for _, k := range keys {
		sealed, err := s.db.fetch(receiptBucket, k)
		if err != nil {
			return nil, err
		}
		b, err := s.open(sealed)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, b)
	}

	return receipts, nil
}

func (s *ReceiptStore) open(sealed []byte) (*blinding.BlindedUtxo, error) {
	payload, err := vault.Open(s.key, sealed)
	if err != nil {
		return nil, err
	}

	var b blinding.BlindedUtxo
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, err
	}

	return &b, nil
}
