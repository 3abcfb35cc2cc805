package contract

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bitmask/vaultd/blinding"
	"github.com/bitmask/vaultd/rgb"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

var (
	// ErrEmptyTicker is returned when issuing an asset without a ticker.
	ErrEmptyTicker = errors.New("asset ticker is empty")

	// ErrEmptyName is returned when issuing an asset without a name.
	ErrEmptyName = errors.New("asset name is empty")

	// ErrPrecision is returned when issuing an asset with more than
	// MaxPrecision decimals.
	ErrPrecision = fmt.Errorf("asset precision exceeds %d", MaxPrecision)

	// ErrZeroSupply is returned when issuing an asset without supply.
	ErrZeroSupply = errors.New("asset supply is zero")
)

// Config holds the collaborators of an Engine.
type Config struct {
	// Params is the network assets are issued on.
	Params *chaincfg.Params

	// Rand is the source of seal blinding factors. Nil means
	// crypto/rand.
	Rand io.Reader

	// Clock stamps new geneses. Nil means the system clock.
	Clock clock.Clock
}

// Engine is a self-contained contract engine for fungible assets. It is
// stateless: histories are passed in and returned as consignments.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine.
func NewEngine(cfg *Config) *Engine {
	e := &Engine{cfg: *cfg}
	if e.cfg.Rand == nil {
		e.cfg.Rand = rand.Reader
	}
	if e.cfg.Clock == nil {
		e.cfg.Clock = clock.NewDefaultClock()
	}

	return e
}

// IssueRequest holds the parameters of a new asset.
type IssueRequest struct {
	Ticker      string
	Name        string
	Description string
	Precision   uint8
	Supply      uint64

	// Outpoint is the textual outpoint receiving the whole supply.
	Outpoint string
}

// checkIssuance checks the parameters of a genesis.
func checkIssuance(g *Genesis) error {
	switch {
	case g.Ticker == "":
		return ErrEmptyTicker
	case g.Name == "":
		return ErrEmptyName
	case g.Precision > MaxPrecision:
		return ErrPrecision
	case g.Supply == 0:
		return ErrZeroSupply
	}

	return nil
}

// blindingFactor draws a seal blinding factor.
func (e *Engine) blindingFactor() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(e.cfg.Rand, b[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// Issue creates the genesis of a new asset with the whole supply allocated
// to the given outpoint. Every rejection is an IssuanceError; a malformed
// outpoint keeps its FormatError as the cause.
func (e *Engine) Issue(req *IssueRequest) (*Genesis, []OwnedValue, error) {
	op, err := rgb.ParseOutpoint(req.Outpoint)
	if err != nil {
		return nil, nil, rgberr.New(rgberr.IssuanceError, err)
	}

	g := &Genesis{
		Chain:       e.cfg.Params.Name,
		Ticker:      req.Ticker,
		Name:        req.Name,
		Description: req.Description,
		Precision:   req.Precision,
		Supply:      req.Supply,
		Timestamp:   e.cfg.Clock.Now().Unix(),
	}
	if err := checkIssuance(g); err != nil {
		return nil, nil, rgberr.New(rgberr.IssuanceError, err)
	}

	factor, err := e.blindingFactor()
	if err != nil {
		return nil, nil, rgberr.New(rgberr.IssuanceError, err)
	}
	g.Assignments = []Assignment{{
		Seal:   NewRevealedSeal(op, factor),
		Amount: req.Supply,
	}}

	log.Infof("Issued %d %s as contract %v", req.Supply, req.Ticker,
		g.ContractID())

	return g, g.OwnedValues(), nil
}

// TransitionRequest describes a transfer of an asset.
type TransitionRequest struct {
	ContractID rgb.ContractID

	// Inputs are the allocations spent. Their sum must cover Amount.
	Inputs []OwnedValue

	// Amount is paid to Beneficiary.
	Amount uint64

	// Beneficiary is the concealed seal of the receiver.
	Beneficiary blinding.ConcealedSeal

	// ChangeVout is the output of the anchor transaction receiving the
	// remainder, if any.
	ChangeVout uint32
}

// PrepareTransition builds the transition of a transfer: the amount to the
// beneficiary and the remainder to a witness seal on ChangeVout. Failures are
// TransferConstructionErrors.
func (e *Engine) PrepareTransition(req *TransitionRequest) (*Transition,
	*Assignment, error) {

	fail := func(err error) (*Transition, *Assignment, error) {
		return nil, nil, rgberr.New(rgberr.TransferConstructionError,
			err)
	}

	if req.Amount == 0 {
		return fail(errors.New("transfer amount is zero"))
	}
	if len(req.Inputs) == 0 {
		return fail(errors.New("transfer has no inputs"))
	}

	var total uint64
	inputs := make([]wire.OutPoint, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		total += in.Amount
		inputs = append(inputs, in.Outpoint)
	}
	if total < req.Amount {
		return fail(fmt.Errorf("inputs hold %d, need %d", total,
			req.Amount))
	}

	t := &Transition{
		ContractID: req.ContractID,
		Inputs:     inputs,
		Assignments: []Assignment{{
			Seal:   NewConcealedSeal(req.Beneficiary),
			Amount: req.Amount,
		}},
	}

	var change *Assignment
	if remainder := total - req.Amount; remainder > 0 {
		factor, err := e.blindingFactor()
		if err != nil {
			return fail(err)
		}
		change = &Assignment{
			Seal:   NewWitnessSeal(req.ChangeVout, factor),
			Amount: remainder,
		}
		t.Assignments = append(t.Assignments, *change)
	}

	return t, change, nil
}

// Consign appends the anchored transition to the history and checks the
// result. The beneficiary seals become the endpoints of the returned
// consignment.
func (e *Engine) Consign(history *Consignment, t *Transition,
	anchor *wire.MsgTx) (*Consignment, error) {

	var endpoints []blinding.ConcealedSeal
	for _, a := range t.Assignments {
		if a.Seal.Kind == SealConcealed {
			endpoints = append(endpoints, a.Seal.Concealed)
		}
	}

	c := history.Extend(&Bundle{Transition: t, Anchor: anchor},
		endpoints...)
	if _, err := replay(c); err != nil {
		return nil, rgberr.New(rgberr.TransferConstructionError, err)
	}

	log.Debugf("Consigned transition %v anchored in %v", t.ID(),
		anchor.TxHash())

	return c, nil
}

// Validate checks a consignment.
func (e *Engine) Validate(c *Consignment) error {
	return Validate(c)
}

// Reveal reveals the endpoint of c committing to op under factor.
func (e *Engine) Reveal(c *Consignment, op wire.OutPoint,
	factor uint64) (*Consignment, *OwnedValue, error) {

	return c.Reveal(op, factor)
}

// Allocations returns the unspent resolvable allocations of c.
func (e *Engine) Allocations(c *Consignment) ([]OwnedValue, error) {
	return Allocations(c)
}

// Asset returns the public metadata of the contract of c with its unspent
// resolvable allocations.
func (e *Engine) Asset(c *Consignment) (*rgb.Asset, error) {
	values, err := Allocations(c)
	if err != nil {
		return nil, err
	}

	return c.Genesis.assetWith(values), nil
}
