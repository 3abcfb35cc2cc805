package transfer

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/bitmask/vaultd/contract"
	"github.com/bitmask/vaultd/indexer"
	"github.com/bitmask/vaultd/rgb"
)

// ErrUnknownContract is returned by a Stash for contracts it does not hold.
var ErrUnknownContract = errors.New("unknown contract")

// Stash holds the known history of every contract, one consignment per
// contract with its endpoints cleared.
type Stash interface {
	// FetchConsignment returns the history of a contract, or
	// ErrUnknownContract.
	FetchConsignment(id rgb.ContractID) (*contract.Consignment, error)

	// PutConsignment merges c into the history of its contract.
	PutConsignment(c *contract.Consignment) error

	// Contracts lists the ids of the stashed contracts.
	Contracts() ([]rgb.ContractID, error)
}

// MergeHistory merges c into the known history of its contract. A nil known
// history starts from the genesis of c.
func MergeHistory(known, c *contract.Consignment) (*contract.Consignment,
	error) {

	if known == nil {
		known = contract.NewConsignment(c.Genesis)
	}

	return known.Merge(c)
}

// MemStash is a Stash held in memory.
type MemStash struct {
	mu        sync.Mutex
	histories map[rgb.ContractID]*contract.Consignment
}

// A compile time check to ensure MemStash implements Stash.
var _ Stash = (*MemStash)(nil)

// NewMemStash creates an empty in-memory stash.
func NewMemStash() *MemStash {
	return &MemStash{
		histories: make(map[rgb.ContractID]*contract.Consignment),
	}
}

// FetchConsignment returns the history of a contract.
func (m *MemStash) FetchConsignment(
	id rgb.ContractID) (*contract.Consignment, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.histories[id]
	if !ok {
		return nil, ErrUnknownContract
	}

	return c, nil
}

// PutConsignment merges c into the history of its contract.
func (m *MemStash) PutConsignment(c *contract.Consignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := c.ContractID()
	merged, err := MergeHistory(m.histories[id], c)
	if err != nil {
		return err
	}
	m.histories[id] = merged

	return nil
}

// Contracts lists the ids of the stashed contracts.
func (m *MemStash) Contracts() ([]rgb.ContractID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]rgb.ContractID, 0, len(m.histories))
	for id := range m.histories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	return ids, nil
}

// StashIndexer serves the contracts of a stash as an indexing service.
type StashIndexer struct {
	Stash  Stash
	Engine ContractEngine
}

// A compile time check to ensure StashIndexer implements
// indexer.AssetIndexer.
var _ indexer.AssetIndexer = (*StashIndexer)(nil)

// GetAsset returns the asset of a stashed contract. Unknown and malformed
// ids match nothing.
func (s *StashIndexer) GetAsset(_ context.Context,
	contractID string) ([]rgb.Asset, error) {

	id, err := rgb.ParseContractID(contractID)
	if err != nil {
		return nil, nil
	}

	c, err := s.Stash.FetchConsignment(id)
	switch {
	case errors.Is(err, ErrUnknownContract):
		return nil, nil

	case err != nil:
		return nil, err
	}

	asset, err := s.Engine.Asset(c)
	if err != nil {
		return nil, err
	}

	return []rgb.Asset{*asset}, nil
}

// ListAssets returns the asset of every stashed contract.
func (s *StashIndexer) ListAssets(context.Context) ([]rgb.Asset, error) {
	ids, err := s.Stash.Contracts()
	if err != nil {
		return nil, err
	}

	assets := make([]rgb.Asset, 0, len(ids))
	for _, id := range ids {
		c, err := s.Stash.FetchConsignment(id)
		if err != nil {
			return nil, err
		}
		asset, err := s.Engine.Asset(c)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *asset)
	}

	return assets, nil
}
