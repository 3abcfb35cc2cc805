package contract

import (
	"bytes"
	"encoding/binary"

	"github.com/bitmask/vaultd/rgb"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
)

// transitionTag is the tag of the hash committing to a transition.
const transitionTag = "bitmask/state-transition"

// OwnedValue is an allocation the history of a contract resolves to an
// outpoint: the node that created it, its index there and the amount.
type OwnedValue struct {
	NodeID   chainhash.Hash
	Index    uint16
	Outpoint wire.OutPoint
	Amount   uint64
	Blinding uint64
}

// Allocation returns the public form of the owned value.
func (v OwnedValue) Allocation() rgb.Allocation {
	return rgb.Allocation{
		NodeID:   v.NodeID.String(),
		Index:    v.Index,
		Outpoint: v.Outpoint.String(),
		RevealedAmount: rgb.RevealedAmount{
			Value: v.Amount,
		},
	}
}

// Transition moves the allocations on Inputs to new assignments. It is
// committed to by an OP_RETURN output of its anchor transaction, which must
// also spend every input.
type Transition struct {
	ContractID  rgb.ContractID
	Inputs      []wire.OutPoint
	Assignments []Assignment
}

const (
	transitionTypeContract    tlv.Type = 1
	transitionTypeInputs      tlv.Type = 2
	transitionTypeAssignments tlv.Type = 3
)

func encodeOutpoint(op wire.OutPoint) ([]byte, error) {
	var b [chainhash.HashSize + 4]byte
	copy(b[:], op.Hash[:])
	binary.LittleEndian.PutUint32(b[chainhash.HashSize:], op.Index)

	return b[:], nil
}

func decodeOutpoint(raw []byte) (wire.OutPoint, error) {
	if len(raw) != chainhash.HashSize+4 {
		return wire.OutPoint{}, rgberr.Newf(rgberr.FormatError,
			"outpoint is %d bytes", len(raw))
	}

	var op wire.OutPoint
	copy(op.Hash[:], raw[:chainhash.HashSize])
	op.Index = binary.LittleEndian.Uint32(raw[chainhash.HashSize:])

	return op, nil
}

func (t *Transition) encode(assign func(Assignment) ([]byte, error)) ([]byte,
	error) {

	inputs, err := encodeEach(t.Inputs, encodeOutpoint)
	if err != nil {
		return nil, err
	}
	assignments, err := encodeEach(t.Assignments, assign)
	if err != nil {
		return nil, err
	}
	contractID := [32]byte(t.ContractID)

	return encodeRecords(
		tlv.MakePrimitiveRecord(transitionTypeContract, &contractID),
		tlv.MakePrimitiveRecord(transitionTypeInputs, &inputs),
		tlv.MakePrimitiveRecord(transitionTypeAssignments, &assignments),
	)
}

// Encode serializes the transition.
func (t *Transition) Encode() ([]byte, error) {
	return t.encode(Assignment.encode)
}

// DecodeTransition parses a serialized transition.
func DecodeTransition(raw []byte) (*Transition, error) {
	var (
		contractID          [32]byte
		inputs, assignments []byte
	)
	_, err := decodeRecords(raw, []tlv.Type{
		transitionTypeContract, transitionTypeInputs,
		transitionTypeAssignments,
	},
		tlv.MakePrimitiveRecord(transitionTypeContract, &contractID),
		tlv.MakePrimitiveRecord(transitionTypeInputs, &inputs),
		tlv.MakePrimitiveRecord(transitionTypeAssignments, &assignments),
	)
	if err != nil {
		return nil, err
	}

	ins, err := decodeEach(inputs, decodeOutpoint)
	if err != nil {
		return nil, err
	}
	assigns, err := decodeEach(assignments, decodeAssignment)
	if err != nil {
		return nil, err
	}

	return &Transition{
		ContractID:  rgb.ContractID(contractID),
		Inputs:      ins,
		Assignments: assigns,
	}, nil
}

// ID returns the id of the transition. Seals enter the id in committed form,
// so revealing a concealed seal does not change it.
func (t *Transition) ID() chainhash.Hash {
	raw, err := t.encode(Assignment.commit)
	if err != nil {
		panic(err)
	}

	return *chainhash.TaggedHash([]byte(transitionTag), raw)
}

// CommitmentScript returns the OP_RETURN output script committing to the
// transition.
func (t *Transition) CommitmentScript() ([]byte, error) {
	id := t.ID()
	return txscript.NullDataScript(id[:])
}

// copy returns a deep copy of the transition.
func (t *Transition) copy() *Transition {
	return &Transition{
		ContractID:  t.ContractID,
		Inputs:      append([]wire.OutPoint(nil), t.Inputs...),
		Assignments: append([]Assignment(nil), t.Assignments...),
	}
}

// Bundle is a transition together with its anchor transaction.
type Bundle struct {
	Transition *Transition
	Anchor     *wire.MsgTx
}

const (
	bundleTypeTransition tlv.Type = 1
	bundleTypeAnchor     tlv.Type = 2
)

func (b *Bundle) encode() ([]byte, error) {
	transition, err := b.Transition.Encode()
	if err != nil {
		return nil, err
	}

	var anchorBuf bytes.Buffer
	if err := b.Anchor.Serialize(&anchorBuf); err != nil {
		return nil, err
	}
	anchor := anchorBuf.Bytes()

	return encodeRecords(
		tlv.MakePrimitiveRecord(bundleTypeTransition, &transition),
		tlv.MakePrimitiveRecord(bundleTypeAnchor, &anchor),
	)
}

func decodeBundle(raw []byte) (*Bundle, error) {
	var transition, anchor []byte
	_, err := decodeRecords(raw,
		[]tlv.Type{bundleTypeTransition, bundleTypeAnchor},
		tlv.MakePrimitiveRecord(bundleTypeTransition, &transition),
		tlv.MakePrimitiveRecord(bundleTypeAnchor, &anchor),
	)
	if err != nil {
		return nil, err
	}

	t, err := DecodeTransition(transition)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(anchor)); err != nil {
		return nil, rgberr.Wrap(rgberr.FormatError, err)
	}

	return &Bundle{Transition: t, Anchor: tx}, nil
}

// copy returns a deep copy of the bundle.
func (b *Bundle) copy() *Bundle {
	return &Bundle{
		Transition: b.Transition.copy(),
		Anchor:     b.Anchor.Copy(),
	}
}
