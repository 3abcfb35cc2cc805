package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bitmask/vaultd/blinding"
	"github.com/bitmask/vaultd/contract"
	"github.com/bitmask/vaultd/indexer"
	"github.com/bitmask/vaultd/rgb"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/bitmask/vaultd/walletview"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// AssetOutputValue is the value of the outputs carrying asset
	// allocations.
	AssetOutputValue btcutil.Amount = 613

	// assetChangeVout is the anchor output receiving the sender's asset
	// change.
	assetChangeVout = 1
)

// ContractEngine builds and verifies the proofs of asset contracts.
type ContractEngine interface {
	// Issue creates the genesis of a new asset.
	Issue(req *contract.IssueRequest) (*contract.Genesis,
		[]contract.OwnedValue, error)

	// PrepareTransition builds the transition of a transfer, returning
	// the change assignment if any.
	PrepareTransition(req *contract.TransitionRequest) (
		*contract.Transition, *contract.Assignment, error)

	// Consign appends an anchored transition to a history.
	Consign(history *contract.Consignment, t *contract.Transition,
		anchor *wire.MsgTx) (*contract.Consignment, error)

	// Validate checks a consignment.
	Validate(c *contract.Consignment) error

	// Reveal reveals the endpoint committing to op under factor.
	Reveal(c *contract.Consignment, op wire.OutPoint,
		factor uint64) (*contract.Consignment, *contract.OwnedValue,
		error)

	// Allocations returns the unspent resolvable allocations of a
	// history.
	Allocations(c *contract.Consignment) ([]contract.OwnedValue, error)

	// Asset returns the public view of a history.
	Asset(c *contract.Consignment) (*rgb.Asset, error)
}

// A compile time check to ensure the reference engine is a ContractEngine.
var _ ContractEngine = (*contract.Engine)(nil)

// ReceiptStore keeps the blinded outputs handed out by the receiver.
type ReceiptStore interface {
	// PutReceipt stores a blinded output.
	PutReceipt(b *blinding.BlindedUtxo) error
}

// Config holds the collaborators of an Orchestrator.
type Config struct {
	// Engine builds and checks proofs.
	Engine ContractEngine

	// Indexer is queried for asset views.
	Indexer indexer.AssetIndexer

	// Ledger broadcasts anchor transactions.
	Ledger walletview.Ledger

	// States records the lifecycle state of contracts, seals and
	// consignments.
	States StateStore

	// Stash holds contract histories.
	Stash Stash

	// Receipts optionally persists blinded outputs.
	Receipts fn.Option[ReceiptStore]

	// Blinder creates blinded outputs.
	Blinder *blinding.Blinder

	// FeeRate is the fee rate of anchor transactions. Zero lets the
	// ledger estimate it.
	FeeRate walletview.SatPerVByte
}

// Orchestrator runs the asset lifecycle: issue, blind, transfer, validate and
// accept. It holds no wallet state; views are passed per operation.
type Orchestrator struct {
	cfg *Config
}

// New creates an orchestrator.
func New(cfg *Config) *Orchestrator {
	if cfg.Blinder == nil {
		cfg.Blinder = blinding.NewBlinder(nil)
	}

	return &Orchestrator{cfg: cfg}
}

// Config returns a copy of the configuration of the orchestrator.
func (o *Orchestrator) Config() Config {
	return *o.cfg
}

// IssueResult is the outcome of an issuance.
type IssueResult struct {
	Genesis *contract.Genesis
	Values  []contract.OwnedValue
	Asset   *rgb.Asset
}

// Issue creates a new asset with its whole supply on req.Outpoint and stashes
// its genesis.
func (o *Orchestrator) Issue(ctx context.Context,
	req *contract.IssueRequest) (*IssueResult, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g, values, err := o.cfg.Engine.Issue(req)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.IssuanceError, err)
	}

	if err := o.cfg.Stash.PutConsignment(
		contract.NewConsignment(g),
	); err != nil {
		return nil, fmt.Errorf("unable to stash genesis: %w", err)
	}
	id := g.ContractID()
	if err := advance(o.cfg.States, id.String(), StateIssued); err != nil {
		return nil, err
	}

	return &IssueResult{
		Genesis: g,
		Values:  values,
		Asset:   g.Asset(),
	}, nil
}

// Blind conceals an outpoint of the receiver. The factor stays with the
// receiver, persisted if a receipt store is configured.
func (o *Orchestrator) Blind(ctx context.Context,
	outpoint string) (*blinding.BlindedUtxo, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blinded, err := o.cfg.Blinder.Blind(outpoint)
	if err != nil {
		return nil, err
	}

	var storeErr error
	o.cfg.Receipts.WhenSome(func(r ReceiptStore) {
		storeErr = r.PutReceipt(blinded)
	})
	if storeErr != nil {
		return nil, fmt.Errorf("unable to store receipt: %w", storeErr)
	}

	err = advance(o.cfg.States, blinded.Conceal.String(), StateBlinded)
	if err != nil {
		return nil, err
	}

	return blinded, nil
}

// Views are the three wallet perspectives of a transfer.
type Views struct {
	// Assets is the view of the outputs carrying asset allocations.
	Assets walletview.WalletView

	// Funding signs the anchor transaction. It must control the asset
	// outputs being spent and the coins paying the fee.
	Funding walletview.WalletView

	// Change receives the bitcoin change.
	Change walletview.WalletView
}

// TransferRequest describes an outgoing transfer.
type TransferRequest struct {
	// ContractID is the bech32 id of the asset to send.
	ContractID string

	// Amount is the amount of the asset to send.
	Amount uint64

	// Beneficiary is the textual concealed seal of the receiver.
	Beneficiary string

	Views Views
}

// TransferResponse is the outcome of a transfer.
type TransferResponse struct {
	// Consignment is the transport form of the proof for the receiver.
	Consignment string

	// ConsignmentID identifies the consignment.
	ConsignmentID chainhash.Hash

	// Anchor is the broadcast transaction committing to the transfer.
	Anchor *wire.MsgTx

	// Change is the allocation kept by the sender, if any.
	Change fn.Option[contract.OwnedValue]
}

// allocationGroup is the set of allocations of one contract on one output.
type allocationGroup struct {
	outpoint wire.OutPoint
	values   []contract.OwnedValue
	amount   uint64
}

// spendable groups the allocations sitting on unspent outputs by outpoint,
// largest amount first.
func spendable(values []contract.OwnedValue,
	unspent []walletview.Utxo) []*allocationGroup {

	owned := make(map[wire.OutPoint]struct{}, len(unspent))
	for _, u := range unspent {
		owned[u.OutPoint] = struct{}{}
	}

	byOutpoint := make(map[wire.OutPoint]*allocationGroup)
	var groups []*allocationGroup
	for _, v := range values {
		if _, ok := owned[v.Outpoint]; !ok {
			continue
		}

		g, ok := byOutpoint[v.Outpoint]
		if !ok {
			g = &allocationGroup{outpoint: v.Outpoint}
			byOutpoint[v.Outpoint] = g
			groups = append(groups, g)
		}
		g.values = append(g.values, v)
		g.amount += v.Amount
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].amount > groups[j].amount
	})

	return groups
}

// Transfer sends an amount of an asset to a concealed seal. It selects the
// allocations to spend from the assets view, has the funding view sign an
// anchor transaction committing to the transition, broadcasts it and returns
// the consignment for the receiver. Nothing is broadcast if ctx is done
// before the broadcast. Once the anchor is broadcast the response is always
// returned; a local bookkeeping failure after that point is reported as a
// *PersistError and the caller must still deliver resp.Consignment.
func (o *Orchestrator) Transfer(ctx context.Context,
	req *TransferRequest) (*TransferResponse, error) {

	id, err := rgb.ParseContractID(req.ContractID)
	if err != nil {
		return nil, err
	}
	beneficiary, err := blinding.ParseConceal(req.Beneficiary)
	if err != nil {
		return nil, rgberr.New(rgberr.TransferConstructionError, err)
	}
	if req.Amount == 0 {
		return nil, rgberr.Newf(rgberr.TransferConstructionError,
			"transfer amount is zero")
	}

	history, err := o.cfg.Stash.FetchConsignment(id)
	if err != nil {
		return nil, rgberr.New(rgberr.TransferConstructionError,
			fmt.Errorf("%v: %w", id, err))
	}
	values, err := o.cfg.Engine.Allocations(history)
	if err != nil {
		return nil, rgberr.New(rgberr.TransferConstructionError, err)
	}

	unspent, err := req.Views.Assets.ListUnspent(ctx)
	if err != nil {
		return nil, err
	}

	// Pick whole outputs, every allocation on a spent output moves.
	var (
		groups  = spendable(values, unspent)
		inputs  []contract.OwnedValue
		spent   = make(map[wire.OutPoint]struct{})
		covered uint64
		total   uint64
	)
	for _, g := range groups {
		total += g.amount
	}
	if total < req.Amount {
		return nil, rgberr.Newf(rgberr.InsufficientAssetBalance,
			"%v: balance %d, requested %d", id, total, req.Amount)
	}
	for _, g := range groups {
		if covered >= req.Amount {
			break
		}
		inputs = append(inputs, g.values...)
		spent[g.outpoint] = struct{}{}
		covered += g.amount
	}

	t, change, err := o.cfg.Engine.PrepareTransition(
		&contract.TransitionRequest{
			ContractID:  id,
			Inputs:      inputs,
			Amount:      req.Amount,
			Beneficiary: beneficiary,
			ChangeVout:  assetChangeVout,
		},
	)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.TransferConstructionError, err)
	}

	anchor, err := o.buildAnchor(ctx, req.Views, t, change != nil, spent,
		unspent)
	if err != nil {
		return nil, err
	}

	c, err := o.cfg.Engine.Consign(history, t, anchor)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.TransferConstructionError, err)
	}

	// Last point of return: past the broadcast the transfer is public.
	if err := ctx.Err(); err != nil {
		log.Infof("Transfer of %d %v cancelled before broadcast",
			req.Amount, id)

		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	txid, err := o.cfg.Ledger.Broadcast(ctx, anchor)
	if err != nil {
		return nil, err
	}

	cid := c.ID()
	resp := &TransferResponse{
		Consignment:   c.String(),
		ConsignmentID: cid,
		Anchor:        anchor,
	}
	if change != nil {
		resp.Change = fn.Some(contract.OwnedValue{
			NodeID: t.ID(),
			Index:  uint16(len(t.Assignments) - 1),
			Outpoint: wire.OutPoint{
				Hash:  txid,
				Index: assetChangeVout,
			},
			Amount:   change.Amount,
			Blinding: change.Seal.Blinding,
		})
	}

	if err := o.cfg.Stash.PutConsignment(c); err != nil {
		log.Errorf("Anchor %v broadcast but consignment %v not "+
			"stashed: %v", txid, cid, err)

		return resp, &PersistError{Txid: txid, Err: err}
	}
	if err := advance(o.cfg.States, cid.String(),
		StateTransferred); err != nil {

		log.Errorf("Anchor %v broadcast but consignment %v not "+
			"recorded: %v", txid, cid, err)

		return resp, &PersistError{Txid: txid, Err: err}
	}

	log.Infof("Transferred %d of %v in %v, consignment %v", req.Amount,
		id, txid, cid)

	return resp, nil
}

// buildAnchor has the funding view sign the anchor transaction: the
// transition commitment at vout 0, the asset change at vout 1 if any, then
// the bitcoin change. Asset outputs other than the spent ones are kept out
// of coin selection.
func (o *Orchestrator) buildAnchor(ctx context.Context, views Views,
	t *contract.Transition, withChange bool,
	spent map[wire.OutPoint]struct{},
	assetUnspent []walletview.Utxo) (*wire.MsgTx, error) {

	commitment, err := t.CommitmentScript()
	if err != nil {
		return nil, rgberr.New(rgberr.TransferConstructionError, err)
	}
	outputs := []*wire.TxOut{wire.NewTxOut(0, commitment)}

	if withChange {
		addr, err := views.Assets.NextReceiveAddress(ctx)
		if err != nil {
			return nil, err
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, rgberr.New(rgberr.LedgerError, err)
		}
		outputs = append(outputs,
			wire.NewTxOut(int64(AssetOutputValue), script),
		)
	}

	changeAddr, err := views.Change.NextChangeAddress(ctx)
	if err != nil {
		return nil, err
	}

	var mustSpend, exclude []wire.OutPoint
	for _, u := range assetUnspent {
		if _, ok := spent[u.OutPoint]; ok {
			mustSpend = append(mustSpend, u.OutPoint)
		} else {
			exclude = append(exclude, u.OutPoint)
		}
	}

	anchor, err := views.Funding.BuildAndSign(ctx, &walletview.TxRequest{
		Outputs:       outputs,
		MustSpend:     mustSpend,
		Exclude:       exclude,
		ChangeAddress: fn.Some(changeAddr),
		FeeRate:       o.cfg.FeeRate,
	})
	if err != nil {
		return nil, err
	}

	return anchor, nil
}

// Validate checks a consignment and that the indexing service is reachable
// for its contract. It changes nothing but the informational state and may
// be retried freely.
func (o *Orchestrator) Validate(ctx context.Context, consignment string) error {
	c, err := contract.ParseConsignment(consignment)
	if err != nil {
		return err
	}
	key := c.ID().String()

	state, known, err := fetchState(o.cfg.States, key)
	if err != nil {
		return err
	}
	if known && state == StateRejected {
		return rgberr.New(rgberr.ValidationError, ErrRejected)
	}

	if err := o.cfg.Engine.Validate(c); err != nil {
		o.reject(key)

		return rgberr.Wrap(rgberr.ValidationError, err)
	}

	contractID := c.ContractID().String()
	assets, err := o.cfg.Indexer.GetAsset(ctx, contractID)
	if err != nil {
		return rgberr.Wrap(rgberr.RemoteServiceError, err)
	}
	if len(assets) == 0 {
		log.Debugf("Contract %s not indexed yet", contractID)
	}

	if !known || CanTransition(state, StateValidated) {
		if err := advance(o.cfg.States, key, StateValidated); err != nil {
			return err
		}
	}

	return nil
}

// reject records a consignment as rejected where allowed.
func (o *Orchestrator) reject(key string) {
	err := advance(o.cfg.States, key, StateRejected)
	if err != nil && !errors.Is(err, ErrInvalidStateTransition) {
		log.Errorf("Unable to record rejection of %v: %v", key, err)
	}
}

// AcceptRequest describes the acceptance of an incoming transfer.
type AcceptRequest struct {
	// Consignment is the transport form of the received proof.
	Consignment string

	// Outpoint is the textual outpoint that was blinded.
	Outpoint string

	// Blinding is the blinding factor of the concealed seal.
	Blinding uint64

	// Assets is the receiver's view of asset outputs, used to refresh
	// the balance.
	Assets walletview.WalletView
}

// AcceptResult is the outcome of an acceptance.
type AcceptResult struct {
	ContractID    rgb.ContractID
	ConsignmentID chainhash.Hash

	// Allocation is the revealed allocation received.
	Allocation contract.OwnedValue

	// Asset is the refreshed wallet view of the asset. It is nil when
	// the refresh failed.
	Asset *rgb.ThinAsset
}

// PersistError is returned together with a non-nil TransferResponse when the
// anchor was broadcast but the consignment could not be stashed or its state
// recorded. The assets have moved on chain, so the consignment in the
// response is the only copy the receiver can get.
type PersistError struct {
	Txid chainhash.Hash
	Err  error
}

// Error returns the persistence failure.
func (e *PersistError) Error() string {
	return fmt.Sprintf("anchor %v broadcast but unable to persist "+
		"transfer: %v", e.Txid, e.Err)
}

// Unwrap returns the cause of the persistence failure.
func (e *PersistError) Unwrap() error {
	return e.Err
}

// RefreshError is returned together with a non-nil AcceptResult when the
// acceptance completed but the asset view could not be refreshed. The
// transfer is final; RefreshAsset can be retried.
type RefreshError struct {
	ContractID string
	Err        error
}

// Error returns the refresh failure.
func (e *RefreshError) Error() string {
	return fmt.Sprintf("transfer accepted but refreshing asset %s "+
		"failed: %v", e.ContractID, e.Err)
}

// Unwrap returns the cause of the refresh failure.
func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Accept validates a consignment, reveals its endpoint with the receiver's
// outpoint and blinding factor, and merges it into the stash. Acceptance is
// not repeatable: a consignment once accepted is refused. A refresh failure
// after the merge is reported as a *RefreshError along with the result.
func (o *Orchestrator) Accept(ctx context.Context,
	req *AcceptRequest) (*AcceptResult, error) {

	c, err := contract.ParseConsignment(req.Consignment)
	if err != nil {
		return nil, err
	}
	op, err := rgb.ParseOutpoint(req.Outpoint)
	if err != nil {
		return nil, err
	}
	key := c.ID().String()

	state, known, err := fetchState(o.cfg.States, key)
	if err != nil {
		return nil, err
	}
	switch {
	case known && state == StateRejected:
		return nil, rgberr.New(rgberr.ValidationError, ErrRejected)

	case known && state == StateAccepted:
		return nil, rgberr.New(rgberr.ValidationError,
			ErrAlreadyAccepted)
	}

	if err := o.cfg.Engine.Validate(c); err != nil {
		o.reject(key)

		return nil, rgberr.Wrap(rgberr.ValidationError, err)
	}

	revealed, value, err := o.cfg.Engine.Reveal(c, op, req.Blinding)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.ValidationError, err)
	}

	// Last point of return: the reveal is committed below.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := o.cfg.Stash.PutConsignment(revealed); err != nil {
		return nil, fmt.Errorf("unable to stash consignment: %w", err)
	}
	err = advance(o.cfg.States, key, StateAccepted)
	switch {
	// Another acceptance of the same consignment got here first.
	case errors.Is(err, ErrInvalidStateTransition):
		if state, _, _ := fetchState(o.cfg.States, key); state ==
			StateRejected {

			return nil, rgberr.New(rgberr.ValidationError,
				ErrRejected)
		}

		return nil, rgberr.New(rgberr.ValidationError,
			ErrAlreadyAccepted)

	case err != nil:
		return nil, err
	}
	seal := blinding.Conceal(op, req.Blinding).String()
	if _, ok, _ := fetchState(o.cfg.States, seal); ok {
		if err := advance(o.cfg.States, seal, StateAccepted); err != nil {
			log.Warnf("Unable to record acceptance of %v: %v",
				seal, err)
		}
	}

	contractID := c.ContractID()
	result := &AcceptResult{
		ContractID:    contractID,
		ConsignmentID: c.ID(),
		Allocation:    *value,
	}

	log.Infof("Accepted %d of %v on %v", value.Amount, contractID, op)

	asset, err := o.RefreshAsset(ctx, contractID.String(), req.Assets)
	if err != nil {
		return result, &RefreshError{
			ContractID: contractID.String(),
			Err:        err,
		}
	}
	result.Asset = asset

	return result, nil
}

// RefreshAsset returns the wallet view of an asset: its allocations on the
// view's unspent outputs as known by the indexing service.
func (o *Orchestrator) RefreshAsset(ctx context.Context, contractID string,
	view walletview.WalletView) (*rgb.ThinAsset, error) {

	unspent, err := view.ListUnspent(ctx)
	if err != nil {
		return nil, err
	}

	return indexer.ThinAsset(ctx, o.cfg.Indexer, contractID,
		outpoints(unspent))
}

// outpoints returns the outpoints of utxos.
func outpoints(utxos []walletview.Utxo) []wire.OutPoint {
	ops := make([]wire.OutPoint, 0, len(utxos))
	for _, u := range utxos {
		ops = append(ops, u.OutPoint)
	}

	return ops
}

// GenesisSource imports an asset from the transport form of its genesis.
type GenesisSource struct {
	Genesis string
}

// ContractIDSource imports an asset known to the indexing service.
type ContractIDSource struct {
	ContractID string
}

// ImportSource selects how an asset is imported.
type ImportSource = fn.Either[GenesisSource, ContractIDSource]

// ImportAsset returns the wallet view of an asset, either from its genesis,
// which is stashed, or from the indexing service.
func (o *Orchestrator) ImportAsset(ctx context.Context, src ImportSource,
	view walletview.WalletView) (*rgb.ThinAsset, error) {

	var (
		thin *rgb.ThinAsset
		err  error
	)
	src.WhenLeft(func(s GenesisSource) {
		thin, err = o.importGenesis(ctx, s.Genesis, view)
	})
	src.WhenRight(func(s ContractIDSource) {
		if _, err = rgb.ParseContractID(s.ContractID); err != nil {
			return
		}
		thin, err = o.RefreshAsset(ctx, s.ContractID, view)
	})

	return thin, err
}

func (o *Orchestrator) importGenesis(ctx context.Context, genesis string,
	view walletview.WalletView) (*rgb.ThinAsset, error) {

	g, err := contract.ParseGenesis(genesis)
	if err != nil {
		return nil, err
	}
	c := contract.NewConsignment(g)
	if err := o.cfg.Engine.Validate(c); err != nil {
		return nil, rgberr.Wrap(rgberr.ValidationError, err)
	}

	unspent, err := view.ListUnspent(ctx)
	if err != nil {
		return nil, err
	}

	if err := o.cfg.Stash.PutConsignment(c); err != nil {
		return nil, fmt.Errorf("unable to stash genesis: %w", err)
	}

	id := g.ContractID().String()
	thin := rgb.NewThinAsset(id, g.Asset(), outpoints(unspent))

	return &thin, nil
}

// ListAssets returns every asset known to the indexing service.
func (o *Orchestrator) ListAssets(ctx context.Context) ([]rgb.Asset, error) {
	assets, err := o.cfg.Indexer.ListAssets(ctx)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.RemoteServiceError, err)
	}

	return assets, nil
}
