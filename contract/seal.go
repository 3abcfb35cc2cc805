package contract

import (
	"fmt"

	"github.com/bitmask/vaultd/blinding"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
)

// SealKind tells how a seal designates the output that owns an assignment.
type SealKind uint8

const (
	// SealRevealed designates an explicit outpoint.
	SealRevealed SealKind = iota

	// SealWitness designates an output of the anchor transaction of the
	// transition carrying the seal. Only the vout is known upfront, the
	// txid is the anchor's.
	SealWitness

	// SealConcealed only carries the concealed commitment to an outpoint;
	// the owner knows the pre-image.
	SealConcealed
)

// String returns the name of the seal kind.
func (k SealKind) String() string {
	switch k {
	case SealRevealed:
		return "revealed"
	case SealWitness:
		return "witness"
	case SealConcealed:
		return "concealed"
	default:
		return fmt.Sprintf("SealKind(%d)", uint8(k))
	}
}

// Seal binds an assignment to a single-use transaction output.
type Seal struct {
	Kind SealKind

	// Outpoint is the sealed output of a revealed seal. For a witness seal
	// only the index is meaningful.
	Outpoint wire.OutPoint

	// Blinding is the blinding factor of revealed and witness seals.
	Blinding uint64

	// Concealed is the commitment of a concealed seal.
	Concealed blinding.ConcealedSeal
}

// NewRevealedSeal returns a seal on an explicit outpoint.
func NewRevealedSeal(op wire.OutPoint, factor uint64) Seal {
	return Seal{Kind: SealRevealed, Outpoint: op, Blinding: factor}
}

// NewWitnessSeal returns a seal on output vout of the anchor transaction.
func NewWitnessSeal(vout uint32, factor uint64) Seal {
	return Seal{
		Kind:     SealWitness,
		Outpoint: wire.OutPoint{Index: vout},
		Blinding: factor,
	}
}

// NewConcealedSeal returns a seal known only by its commitment.
func NewConcealedSeal(c blinding.ConcealedSeal) Seal {
	return Seal{Kind: SealConcealed, Concealed: c}
}

// Resolve returns the outpoint of the seal, given the txid of the anchor
// transaction that carries it. Concealed seals do not resolve.
func (s Seal) Resolve(anchor chainhash.Hash) (wire.OutPoint, bool) {
	switch s.Kind {
	case SealRevealed:
		return s.Outpoint, true

	case SealWitness:
		return wire.OutPoint{Hash: anchor, Index: s.Outpoint.Index}, true

	default:
		return wire.OutPoint{}, false
	}
}

// Conceal returns the concealed form of the seal. Witness seals are concealed
// against the given anchor txid.
func (s Seal) Conceal(anchor chainhash.Hash) blinding.ConcealedSeal {
	op, ok := s.Resolve(anchor)
	if !ok {
		return s.Concealed
	}

	return blinding.Conceal(op, s.Blinding)
}

// commitment is the value a node id commits to for this seal. Revealing a
// concealed seal leaves it unchanged, and witness seals commit against a zero
// anchor so that node ids do not depend on the anchor transaction.
func (s Seal) commitment() blinding.ConcealedSeal {
	return s.Conceal(chainhash.Hash{})
}

const (
	sealTypeKind      tlv.Type = 1
	sealTypeTxid      tlv.Type = 2
	sealTypeVout      tlv.Type = 3
	sealTypeBlinding  tlv.Type = 4
	sealTypeConcealed tlv.Type = 5
)

// encode serializes the seal. Concealed seals carry only their commitment.
func (s Seal) encode() ([]byte, error) {
	kind := uint8(s.Kind)

	if s.Kind == SealConcealed {
		concealed := [32]byte(s.Concealed)
		return encodeRecords(
			tlv.MakePrimitiveRecord(sealTypeKind, &kind),
			tlv.MakePrimitiveRecord(sealTypeConcealed, &concealed),
		)
	}

	var (
		txid  = [32]byte(s.Outpoint.Hash)
		vout  = s.Outpoint.Index
		blind = s.Blinding
	)
	records := []tlv.Record{tlv.MakePrimitiveRecord(sealTypeKind, &kind)}
	if s.Kind == SealRevealed {
		records = append(records,
			tlv.MakePrimitiveRecord(sealTypeTxid, &txid),
		)
	}
	records = append(records,
		tlv.MakePrimitiveRecord(sealTypeVout, &vout),
		tlv.MakePrimitiveRecord(sealTypeBlinding, &blind),
	)

	return encodeRecords(records...)
}

// decodeSeal parses a seal.
func decodeSeal(raw []byte) (Seal, error) {
	var (
		kind      uint8
		txid      [32]byte
		vout      uint32
		blind     uint64
		concealed [32]byte
	)

	parsed, err := decodeRecords(raw, []tlv.Type{sealTypeKind},
		tlv.MakePrimitiveRecord(sealTypeKind, &kind),
		tlv.MakePrimitiveRecord(sealTypeTxid, &txid),
		tlv.MakePrimitiveRecord(sealTypeVout, &vout),
		tlv.MakePrimitiveRecord(sealTypeBlinding, &blind),
		tlv.MakePrimitiveRecord(sealTypeConcealed, &concealed),
	)
	if err != nil {
		return Seal{}, err
	}

	has := func(types ...tlv.Type) bool {
		for _, typ := range types {
			if _, ok := parsed[typ]; !ok {
				return false
			}
		}
		return true
	}

	switch SealKind(kind) {
	case SealRevealed:
		if !has(sealTypeTxid, sealTypeVout, sealTypeBlinding) {
			break
		}
		op := wire.OutPoint{Hash: chainhash.Hash(txid), Index: vout}
		return NewRevealedSeal(op, blind), nil

	case SealWitness:
		if !has(sealTypeVout, sealTypeBlinding) {
			break
		}
		return NewWitnessSeal(vout, blind), nil

	case SealConcealed:
		if !has(sealTypeConcealed) {
			break
		}
		return NewConcealedSeal(blinding.ConcealedSeal(concealed)), nil

	default:
		return Seal{}, rgberr.Newf(rgberr.FormatError,
			"unknown seal kind %d", kind)
	}

	return Seal{}, rgberr.Newf(rgberr.FormatError, "incomplete %v seal",
		SealKind(kind))
}
