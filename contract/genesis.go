package contract

import (
	"bytes"
	"encoding/base64"
	"time"

	"github.com/bitmask/vaultd/rgb"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// genesisTag is the tag of the hash committing to a genesis.
	genesisTag = "bitmask/contract-genesis"

	// MaxPrecision is the largest number of decimal digits an asset may
	// use.
	MaxPrecision = 18
)

// Assignment allocates an amount of the asset to a seal.
type Assignment struct {
	Seal   Seal
	Amount uint64
}

const (
	assignTypeSeal   tlv.Type = 1
	assignTypeAmount tlv.Type = 2
)

// encode serializes the assignment.
func (a Assignment) encode() ([]byte, error) {
	seal, err := a.Seal.encode()
	if err != nil {
		return nil, err
	}
	amount := a.Amount

	return encodeRecords(
		tlv.MakePrimitiveRecord(assignTypeSeal, &seal),
		tlv.MakePrimitiveRecord(assignTypeAmount, &amount),
	)
}

// commit serializes the assignment with its seal in committed form.
func (a Assignment) commit() ([]byte, error) {
	return Assignment{
		Seal:   NewConcealedSeal(a.Seal.commitment()),
		Amount: a.Amount,
	}.encode()
}

func decodeAssignment(raw []byte) (Assignment, error) {
	var (
		seal   []byte
		amount uint64
	)
	_, err := decodeRecords(raw,
		[]tlv.Type{assignTypeSeal, assignTypeAmount},
		tlv.MakePrimitiveRecord(assignTypeSeal, &seal),
		tlv.MakePrimitiveRecord(assignTypeAmount, &amount),
	)
	if err != nil {
		return Assignment{}, err
	}

	s, err := decodeSeal(seal)
	if err != nil {
		return Assignment{}, err
	}

	return Assignment{Seal: s, Amount: amount}, nil
}

// Genesis is the root of an asset contract: its metadata and the initial
// allocation of the whole supply.
type Genesis struct {
	Chain       string
	Ticker      string
	Name        string
	Description string
	Precision   uint8
	Supply      uint64
	Timestamp   int64

	Assignments []Assignment
}

const (
	genesisTypeChain       tlv.Type = 1
	genesisTypeTicker      tlv.Type = 2
	genesisTypeName        tlv.Type = 3
	genesisTypeDescription tlv.Type = 4
	genesisTypePrecision   tlv.Type = 5
	genesisTypeSupply      tlv.Type = 6
	genesisTypeTimestamp   tlv.Type = 7
	genesisTypeAssignments tlv.Type = 8
)

// encode serializes the genesis, using assign to serialize each assignment.
func (g *Genesis) encode(assign func(Assignment) ([]byte, error)) ([]byte,
	error) {

	assignments, err := encodeEach(g.Assignments, assign)
	if err != nil {
		return nil, err
	}

	var (
		chain     = []byte(g.Chain)
		ticker    = []byte(g.Ticker)
		name      = []byte(g.Name)
		desc      = []byte(g.Description)
		precision = g.Precision
		supply    = g.Supply
		timestamp = uint64(g.Timestamp)
	)

	return encodeRecords(
		tlv.MakePrimitiveRecord(genesisTypeChain, &chain),
		tlv.MakePrimitiveRecord(genesisTypeTicker, &ticker),
		tlv.MakePrimitiveRecord(genesisTypeName, &name),
		tlv.MakePrimitiveRecord(genesisTypeDescription, &desc),
		tlv.MakePrimitiveRecord(genesisTypePrecision, &precision),
		tlv.MakePrimitiveRecord(genesisTypeSupply, &supply),
		tlv.MakePrimitiveRecord(genesisTypeTimestamp, &timestamp),
		tlv.MakePrimitiveRecord(genesisTypeAssignments, &assignments),
	)
}

// Encode serializes the genesis.
func (g *Genesis) Encode() ([]byte, error) {
	return g.encode(Assignment.encode)
}

// DecodeGenesis parses a serialized genesis.
func DecodeGenesis(raw []byte) (*Genesis, error) {
	var (
		chain, ticker, name, desc []byte
		precision                 uint8
		supply, timestamp         uint64
		assignments               []byte
	)
	_, err := decodeRecords(raw, []tlv.Type{
		genesisTypeChain, genesisTypeTicker, genesisTypeName,
		genesisTypePrecision, genesisTypeSupply, genesisTypeTimestamp,
		genesisTypeAssignments,
	},
		tlv.MakePrimitiveRecord(genesisTypeChain, &chain),
		tlv.MakePrimitiveRecord(genesisTypeTicker, &ticker),
		tlv.MakePrimitiveRecord(genesisTypeName, &name),
		tlv.MakePrimitiveRecord(genesisTypeDescription, &desc),
		tlv.MakePrimitiveRecord(genesisTypePrecision, &precision),
		tlv.MakePrimitiveRecord(genesisTypeSupply, &supply),
		tlv.MakePrimitiveRecord(genesisTypeTimestamp, &timestamp),
		tlv.MakePrimitiveRecord(genesisTypeAssignments, &assignments),
	)
	if err != nil {
		return nil, err
	}

	assigns, err := decodeEach(assignments, decodeAssignment)
	if err != nil {
		return nil, err
	}

	return &Genesis{
		Chain:       string(chain),
		Ticker:      string(ticker),
		Name:        string(name),
		Description: string(desc),
		Precision:   precision,
		Supply:      supply,
		Timestamp:   int64(timestamp),
		Assignments: assigns,
	}, nil
}

// String returns the transport form of the genesis: base64 of its encoding.
func (g *Genesis) String() string {
	raw, err := g.Encode()
	if err != nil {
		panic(err)
	}

	return base64.StdEncoding.EncodeToString(raw)
}

// ParseGenesis decodes the transport form of a genesis.
func ParseGenesis(s string) (*Genesis, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, rgberr.Newf(rgberr.FormatError,
			"genesis is not base64: %v", err)
	}

	return DecodeGenesis(raw)
}

// ContractID returns the id of the contract, a tagged hash of the genesis
// with its seals in committed form.
func (g *Genesis) ContractID() rgb.ContractID {
	raw, err := g.encode(Assignment.commit)
	if err != nil {
		// Encoding into memory only fails on invariant violations.
		panic(err)
	}

	return rgb.ContractID(*chainhash.TaggedHash([]byte(genesisTag), raw))
}

// Equal reports whether two geneses are the same.
func (g *Genesis) Equal(other *Genesis) bool {
	a, errA := g.Encode()
	b, errB := other.Encode()

	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// OwnedValues returns the allocations of the genesis.
func (g *Genesis) OwnedValues() []OwnedValue {
	id := g.ContractID()

	values := make([]OwnedValue, 0, len(g.Assignments))
	for i, a := range g.Assignments {
		op, ok := a.Seal.Resolve(chainhash.Hash{})
		if !ok {
			continue
		}
		values = append(values, OwnedValue{
			NodeID:   chainhash.Hash(id),
			Index:    uint16(i),
			Outpoint: op,
			Amount:   a.Amount,
			Blinding: a.Seal.Blinding,
		})
	}

	return values
}

// Asset returns the public metadata of the contract with the genesis
// allocations as its known allocations.
func (g *Genesis) Asset() *rgb.Asset {
	return g.assetWith(g.OwnedValues())
}

// assetWith returns the metadata of the contract with the given known
// allocations.
func (g *Genesis) assetWith(values []OwnedValue) *rgb.Asset {
	asset := &rgb.Asset{
		ID:               g.ContractID().String(),
		Ticker:           g.Ticker,
		Name:             g.Name,
		KnownCirculating: g.Supply,
		IssueLimit:       g.Supply,
		Chain:            g.Chain,
		DecimalPrecision: g.Precision,
		Date:             time.Unix(g.Timestamp, 0).UTC().Format(time.RFC3339),
		KnownAllocations: make([]rgb.Allocation, 0, len(values)),
	}
	if g.Description != "" {
		desc := g.Description
		asset.Description = &desc
	}
	for _, v := range values {
		asset.KnownAllocations = append(asset.KnownAllocations,
			v.Allocation())
	}

	return asset
}
