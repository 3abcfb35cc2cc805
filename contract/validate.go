package contract

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bitmask/vaultd/blinding"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNoMatchingEndpoint is returned when revealing an outpoint that no
	// concealed seal of the consignment commits to.
	ErrNoMatchingEndpoint = errors.New("no endpoint matches the " +
		"revealed outpoint")

	// ErrContractMismatch is returned when combining histories of
	// different contracts.
	ErrContractMismatch = errors.New("consignments belong to different " +
		"contracts")

	// ErrUnknownInput is returned when a transition spends an allocation
	// its history does not contain.
	ErrUnknownInput = errors.New("transition spends an unknown " +
		"allocation")

	// ErrMissingCommitment is returned when an anchor transaction does
	// not commit to its transition.
	ErrMissingCommitment = errors.New("anchor does not commit to " +
		"transition")

	// ErrAnchorInputs is returned when an anchor transaction does not
	// spend every input of its transition.
	ErrAnchorInputs = errors.New("anchor does not spend transition input")

	// ErrAmountMismatch is returned when a transition does not conserve
	// the amount it spends.
	ErrAmountMismatch = errors.New("transition inputs and outputs differ")

	// ErrAmountOverflow is returned when amounts of a node overflow.
	ErrAmountOverflow = errors.New("amount overflow")

	// ErrUnknownEndpoint is returned when an endpoint of a consignment is
	// not assigned by its final node.
	ErrUnknownEndpoint = errors.New("endpoint not assigned by final " +
		"transition")
)

// history is the state obtained by replaying a consignment.
type history struct {
	// unspent holds the resolvable allocations not spent by a later
	// transition.
	unspent map[wire.OutPoint]OwnedValue

	// order keeps the insertion order of unspent.
	order []wire.OutPoint

	// final holds the concealed form of the seals assigned by the last
	// node.
	final map[blinding.ConcealedSeal]struct{}
}

func (h *history) add(v OwnedValue) error {
	if _, ok := h.unspent[v.Outpoint]; ok {
		return fmt.Errorf("outpoint %v assigned twice", v.Outpoint)
	}
	h.unspent[v.Outpoint] = v
	h.order = append(h.order, v.Outpoint)

	return nil
}

// values returns the unspent allocations in the order they were created.
func (h *history) values() []OwnedValue {
	values := make([]OwnedValue, 0, len(h.unspent))
	for _, op := range h.order {
		if v, ok := h.unspent[op]; ok {
			values = append(values, v)
		}
	}

	return values
}

// replay checks every rule of the contract over the consignment and returns
// the resulting state.
func replay(c *Consignment) (*history, error) {
	g := c.Genesis
	if err := checkIssuance(g); err != nil {
		return nil, err
	}

	h := &history{
		unspent: make(map[wire.OutPoint]OwnedValue),
		final:   make(map[blinding.ConcealedSeal]struct{}),
	}

	var total uint64
	for _, a := range g.Assignments {
		if a.Seal.Kind != SealRevealed {
			return nil, fmt.Errorf("genesis seal is %v", a.Seal.Kind)
		}
		if total+a.Amount < total {
			return nil, ErrAmountOverflow
		}
		total += a.Amount
		h.final[a.Seal.commitment()] = struct{}{}
	}
	if total != g.Supply {
		return nil, fmt.Errorf("genesis assigns %d of supply %d",
			total, g.Supply)
	}
	for _, v := range g.OwnedValues() {
		if err := h.add(v); err != nil {
			return nil, err
		}
	}

	contractID := g.ContractID()
	for i, b := range c.Bundles {
		t := b.Transition
		if t.ContractID != contractID {
			return nil, fmt.Errorf("bundle %d: %w", i,
				ErrContractMismatch)
		}
		if err := replayBundle(h, b); err != nil {
			return nil, fmt.Errorf("bundle %d (%v): %w", i, t.ID(),
				err)
		}
	}

	for _, ep := range c.Endpoints {
		if _, ok := h.final[ep]; !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnknownEndpoint, ep)
		}
	}

	return h, nil
}

// replayBundle applies one anchored transition to the state.
func replayBundle(h *history, b *Bundle) error {
	t, anchor := b.Transition, b.Anchor
	anchorTxid := anchor.TxHash()

	if len(t.Inputs) == 0 {
		return fmt.Errorf("transition has no inputs")
	}

	spent := make(map[wire.OutPoint]struct{}, len(anchor.TxIn))
	for _, in := range anchor.TxIn {
		spent[in.PreviousOutPoint] = struct{}{}
	}

	var in uint64
	for _, op := range t.Inputs {
		v, ok := h.unspent[op]
		if !ok {
			return fmt.Errorf("%w: %v", ErrUnknownInput, op)
		}
		if _, ok := spent[op]; !ok {
			return fmt.Errorf("%w: %v", ErrAnchorInputs, op)
		}
		delete(h.unspent, op)
		if in+v.Amount < in {
			return ErrAmountOverflow
		}
		in += v.Amount
	}

	commitment, err := t.CommitmentScript()
	if err != nil {
		return err
	}
	committed := false
	for _, out := range anchor.TxOut {
		if bytes.Equal(out.PkScript, commitment) {
			committed = true
			break
		}
	}
	if !committed {
		return ErrMissingCommitment
	}

	var (
		out    uint64
		nodeID = t.ID()
	)
	h.final = make(map[blinding.ConcealedSeal]struct{})
	for idx, a := range t.Assignments {
		if out+a.Amount < out {
			return ErrAmountOverflow
		}
		out += a.Amount
		h.final[a.Seal.Conceal(anchorTxid)] = struct{}{}

		if a.Seal.Kind == SealWitness &&
			int(a.Seal.Outpoint.Index) >= len(anchor.TxOut) {

			return fmt.Errorf("witness seal on missing output %d",
				a.Seal.Outpoint.Index)
		}

		op, ok := a.Seal.Resolve(anchorTxid)
		if !ok {
			continue
		}
		err := h.add(OwnedValue{
			NodeID:   nodeID,
			Index:    uint16(idx),
			Outpoint: op,
			Amount:   a.Amount,
			Blinding: a.Seal.Blinding,
		})
		if err != nil {
			return err
		}
	}
	if in != out {
		return fmt.Errorf("%w: %d in, %d out", ErrAmountMismatch, in, out)
	}

	return nil
}

// Validate checks the consignment: the genesis, every anchored transition and
// the endpoints. Failures are ValidationErrors.
func Validate(c *Consignment) error {
	if _, err := replay(c); err != nil {
		log.Debugf("Consignment %v failed validation: %v", c.ID(), err)

		return rgberr.New(rgberr.ValidationError, err)
	}

	return nil
}

// Allocations returns the allocations of the consignment that resolve to an
// outpoint and are not spent by a later transition.
func Allocations(c *Consignment) ([]OwnedValue, error) {
	h, err := replay(c)
	if err != nil {
		return nil, rgberr.New(rgberr.ValidationError, err)
	}

	return h.values(), nil
}
