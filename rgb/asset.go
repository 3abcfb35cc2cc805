package rgb

import (
	"github.com/btcsuite/btcd/wire"
)

// RevealedAmount is an allocation amount together with the blinding factor
// of its amount commitment.
type RevealedAmount struct {
	Value    uint64 `json:"value"`
	Blinding string `json:"blinding,omitempty"`
}

// Allocation binds an amount of an asset to a transaction output.
type Allocation struct {
	NodeID         string         `json:"nodeId,omitempty"`
	Index          uint16         `json:"index"`
	Outpoint       string         `json:"outpoint"`
	RevealedAmount RevealedAmount `json:"revealedAmount"`
}

// Asset is the public metadata of an asset contract as reported by the
// indexing service.
type Asset struct {
	ID               string       `json:"id"`
	Ticker           string       `json:"ticker"`
	Name             string       `json:"name"`
	Description      *string      `json:"description,omitempty"`
	KnownCirculating uint64       `json:"knownCirculating"`
	IssueLimit       uint64       `json:"issueLimit"`
	Chain            string       `json:"chain,omitempty"`
	DecimalPrecision uint8        `json:"decimalPrecision"`
	Date             string       `json:"date,omitempty"`
	KnownAllocations []Allocation `json:"knownAllocations"`
}

// ThinAsset is the wallet local view of an asset: its metadata plus the
// allocations sitting on outputs the wallet can currently spend.
type ThinAsset struct {
	ID          string       `json:"id"`
	Ticker      string       `json:"ticker"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Allocations []Allocation `json:"allocations"`
	Balance     uint64       `json:"balance"`
}

// NewThinAsset derives the wallet view of asset given the wallet's current
// unspent outputs. The balance is always recomputed from the allocations; an
// asset without matching allocations has a zero balance.
func NewThinAsset(id string, asset *Asset, unspent []wire.OutPoint) ThinAsset {
	thin := ThinAsset{
		ID:          id,
		Ticker:      asset.Ticker,
		Name:        asset.Name,
		Allocations: []Allocation{},
	}
	if asset.Description != nil {
		thin.Description = *asset.Description
	}

	thin.Allocations, thin.Balance = UnspentAllocations(
		asset.KnownAllocations, NewOutpointSet(unspent...),
	)

	return thin
}

// UnspentAllocations filters allocations down to those whose outpoint is in
// the unspent set and sums their revealed amounts.
func UnspentAllocations(allocs []Allocation,
	unspent OutpointSet) ([]Allocation, uint64) {

	var (
		matching = make([]Allocation, 0, len(allocs))
		balance  uint64
	)
	for _, a := range allocs {
		if !unspent.ContainsString(a.Outpoint) {
			continue
		}

		matching = append(matching, a)
		balance += a.RevealedAmount.Value
	}

	return matching, balance
}
