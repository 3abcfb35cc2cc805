package contract

import (
	"encoding/base64"
	"fmt"

	"github.com/bitmask/vaultd/blinding"
	"github.com/bitmask/vaultd/rgb"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// consignmentTag is the tag of the hash identifying a consignment.
	consignmentTag = "bitmask/consignment"

	// consignmentVersion is the only encoding version understood.
	consignmentVersion uint8 = 1
)

// Consignment is the proof handed from a sender to a receiver: the genesis of
// the contract, the history of anchored transitions leading to the transfer,
// and the concealed seals of the beneficiary. Consignments are values; every
// operation returning a modified consignment returns a copy.
type Consignment struct {
	Genesis   *Genesis
	Bundles   []*Bundle
	Endpoints []blinding.ConcealedSeal
}

const (
	consignmentTypeVersion   tlv.Type = 0
	consignmentTypeGenesis   tlv.Type = 1
	consignmentTypeBundles   tlv.Type = 2
	consignmentTypeEndpoints tlv.Type = 3
)

// NewConsignment returns a consignment holding only the genesis.
func NewConsignment(g *Genesis) *Consignment {
	return &Consignment{Genesis: g}
}

// ContractID returns the id of the consigned contract.
func (c *Consignment) ContractID() rgb.ContractID {
	return c.Genesis.ContractID()
}

// ID identifies the consignment by its contract and final transition. The id
// is stable across revealing the endpoints.
func (c *Consignment) ID() chainhash.Hash {
	contractID := c.ContractID()
	msgs := [][]byte{contractID[:]}
	if n := len(c.Bundles); n > 0 {
		last := c.Bundles[n-1].Transition.ID()
		msgs = append(msgs, last[:])
	}

	return *chainhash.TaggedHash([]byte(consignmentTag), msgs...)
}

// Encode serializes the consignment.
func (c *Consignment) Encode() ([]byte, error) {
	genesis, err := c.Genesis.Encode()
	if err != nil {
		return nil, err
	}
	bundles, err := encodeEach(c.Bundles, (*Bundle).encode)
	if err != nil {
		return nil, err
	}
	endpoints, err := encodeEach(c.Endpoints,
		func(s blinding.ConcealedSeal) ([]byte, error) {
			return s[:], nil
		},
	)
	if err != nil {
		return nil, err
	}
	version := consignmentVersion

	return encodeRecords(
		tlv.MakePrimitiveRecord(consignmentTypeVersion, &version),
		tlv.MakePrimitiveRecord(consignmentTypeGenesis, &genesis),
		tlv.MakePrimitiveRecord(consignmentTypeBundles, &bundles),
		tlv.MakePrimitiveRecord(consignmentTypeEndpoints, &endpoints),
	)
}

// DecodeConsignment parses a serialized consignment. Malformed input is a
// FormatError.
func DecodeConsignment(raw []byte) (*Consignment, error) {
	var (
		version                     uint8
		genesis, bundles, endpoints []byte
	)
	_, err := decodeRecords(raw, []tlv.Type{
		consignmentTypeVersion, consignmentTypeGenesis,
		consignmentTypeBundles, consignmentTypeEndpoints,
	},
		tlv.MakePrimitiveRecord(consignmentTypeVersion, &version),
		tlv.MakePrimitiveRecord(consignmentTypeGenesis, &genesis),
		tlv.MakePrimitiveRecord(consignmentTypeBundles, &bundles),
		tlv.MakePrimitiveRecord(consignmentTypeEndpoints, &endpoints),
	)
	if err != nil {
		return nil, err
	}
	if version != consignmentVersion {
		return nil, rgberr.Newf(rgberr.FormatError,
			"unsupported consignment version %d", version)
	}

	g, err := DecodeGenesis(genesis)
	if err != nil {
		return nil, err
	}
	bs, err := decodeEach(bundles, decodeBundle)
	if err != nil {
		return nil, err
	}
	eps, err := decodeEach(endpoints,
		func(raw []byte) (blinding.ConcealedSeal, error) {
			var s blinding.ConcealedSeal
			if len(raw) != len(s) {
				return s, rgberr.Newf(rgberr.FormatError,
					"endpoint is %d bytes", len(raw))
			}
			copy(s[:], raw)

			return s, nil
		},
	)
	if err != nil {
		return nil, err
	}

	return &Consignment{Genesis: g, Bundles: bs, Endpoints: eps}, nil
}

// String returns the transport form of the consignment: base64 of its
// encoding.
func (c *Consignment) String() string {
	raw, err := c.Encode()
	if err != nil {
		panic(err)
	}

	return base64.StdEncoding.EncodeToString(raw)
}

// ParseConsignment decodes the transport form of a consignment.
func ParseConsignment(s string) (*Consignment, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, rgberr.Newf(rgberr.FormatError,
			"consignment is not base64: %v", err)
	}

	return DecodeConsignment(raw)
}

// copy returns a deep copy of the consignment. The genesis is shared, it is
// never modified.
func (c *Consignment) copy() *Consignment {
	cp := &Consignment{
		Genesis:   c.Genesis,
		Bundles:   make([]*Bundle, 0, len(c.Bundles)),
		Endpoints: append([]blinding.ConcealedSeal(nil), c.Endpoints...),
	}
	for _, b := range c.Bundles {
		cp.Bundles = append(cp.Bundles, b.copy())
	}

	return cp
}

// Extend returns a copy of the consignment with a new anchored transition
// appended and the given endpoints.
func (c *Consignment) Extend(b *Bundle,
	endpoints ...blinding.ConcealedSeal) *Consignment {

	cp := c.copy()
	cp.Bundles = append(cp.Bundles, b.copy())
	cp.Endpoints = append([]blinding.ConcealedSeal(nil), endpoints...)

	return cp
}

// Reveal returns a copy of the consignment in which the concealed seal
// committing to op under factor is replaced by its revealed form, together
// with the owned value it carries. A ValidationError is returned if no
// assignment matches.
func (c *Consignment) Reveal(op wire.OutPoint, factor uint64) (*Consignment,
	*OwnedValue, error) {

	target := blinding.Conceal(op, factor)

	cp := c.copy()
	for i := len(cp.Bundles) - 1; i >= 0; i-- {
		t := cp.Bundles[i].Transition
		for idx, a := range t.Assignments {
			if a.Seal.Kind != SealConcealed ||
				a.Seal.Concealed != target {

				continue
			}

			t.Assignments[idx].Seal = NewRevealedSeal(op, factor)

			return cp, &OwnedValue{
				NodeID:   t.ID(),
				Index:    uint16(idx),
				Outpoint: op,
				Amount:   a.Amount,
				Blinding: factor,
			}, nil
		}
	}

	return nil, nil, rgberr.New(rgberr.ValidationError,
		fmt.Errorf("%w: %v", ErrNoMatchingEndpoint, op))
}

// Merge returns a copy of c extended with the bundles of other it does not
// know yet. Seals revealed in either are revealed in the result. Both must
// belong to the same contract.
func (c *Consignment) Merge(other *Consignment) (*Consignment, error) {
	if !c.Genesis.Equal(other.Genesis) {
		return nil, rgberr.New(rgberr.ValidationError,
			ErrContractMismatch)
	}

	merged := c.copy()
	index := make(map[chainhash.Hash]*Bundle, len(merged.Bundles))
	for _, b := range merged.Bundles {
		index[b.Transition.ID()] = b
	}

	for _, b := range other.Bundles {
		id := b.Transition.ID()

		known, ok := index[id]
		if !ok {
			cp := b.copy()
			merged.Bundles = append(merged.Bundles, cp)
			index[id] = cp

			continue
		}

		for i, a := range b.Transition.Assignments {
			if a.Seal.Kind == SealRevealed &&
				known.Transition.Assignments[i].Seal.Kind ==
					SealConcealed {

				known.Transition.Assignments[i].Seal = a.Seal
			}
		}
	}
	merged.Endpoints = nil

	return merged, nil
}
