package walletview

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultGapLimit is the number of consecutive unused addresses after
	// which a descriptor scan stops.
	DefaultGapLimit = 20

	// DefaultConfTarget is the confirmation target used for fee
	// estimates.
	DefaultConfTarget = 6

	// DefaultFeeRate is used when no fee rate is requested and no estimate
	// is available.
	DefaultFeeRate SatPerVByte = 1
)

var (
	// ErrInsufficientFunds is returned when the view's outputs cannot pay
	// for the requested outputs and the fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnknownOutpoint is returned when a transaction must spend an
	// output the view does not control.
	ErrUnknownOutpoint = errors.New("outpoint not controlled by wallet")

	// ErrEmptyRequest is returned when a request has neither outputs nor
	// inputs.
	ErrEmptyRequest = errors.New("transaction request is empty")
)

// LedgerConfig holds the tunables of a DescriptorLedger.
type LedgerConfig struct {
	// GapLimit is the descriptor scan gap limit.
	GapLimit uint32

	// ConfTarget is passed to the chain source's fee estimator.
	ConfTarget uint32

	// FeeRate is the fallback fee rate.
	FeeRate SatPerVByte
}

// DefaultLedgerConfig returns the default ledger configuration.
func DefaultLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		GapLimit:   DefaultGapLimit,
		ConfTarget: DefaultConfTarget,
		FeeRate:    DefaultFeeRate,
	}
}

// DescriptorLedger is a Ledger of descriptor wallets over an address indexed
// ChainSource.
type DescriptorLedger struct {
	src    ChainSource
	params *chaincfg.Params
	cfg    LedgerConfig
}

// A compile time check to ensure DescriptorLedger implements the Ledger
// interface.
var _ Ledger = (*DescriptorLedger)(nil)

// NewLedger creates a ledger over src for the given network. A nil cfg uses
// the defaults.
func NewLedger(src ChainSource, params *chaincfg.Params,
	cfg *LedgerConfig) *DescriptorLedger {

	if cfg == nil {
		cfg = DefaultLedgerConfig()
	}
	l := &DescriptorLedger{
		src:    src,
		params: params,
		cfg:    *cfg,
	}
	if l.cfg.GapLimit == 0 {
		l.cfg.GapLimit = DefaultGapLimit
	}
	if l.cfg.ConfTarget == 0 {
		l.cfg.ConfTarget = DefaultConfTarget
	}
	if l.cfg.FeeRate == 0 {
		l.cfg.FeeRate = DefaultFeeRate
	}

	return l
}

// Params returns the network of the ledger.
func (l *DescriptorLedger) Params() *chaincfg.Params {
	return l.params
}

// Open returns the view of a descriptor.
//
// NOTE: Part of the Ledger interface.
func (l *DescriptorLedger) Open(ctx context.Context, descriptor string,
	change fn.Option[string]) (WalletView, error) {

	if err := ctx.Err(); err != nil {
		return nil, rgberr.New(rgberr.LedgerError, err)
	}

	recv, err := newKeyChain(descriptor, l.params)
	if err != nil {
		return nil, rgberr.New(rgberr.LedgerError,
			fmt.Errorf("unable to open descriptor: %w", err))
	}

	view := &descriptorView{
		ledger: l,
		recv:   recv,
	}

	var changeErr error
	change.WhenSome(func(desc string) {
		kc, err := newKeyChain(desc, l.params)
		if err != nil {
			changeErr = err
			return
		}
		view.change = fn.Some(kc)
	})
	if changeErr != nil {
		return nil, rgberr.New(rgberr.LedgerError, fmt.Errorf("unable "+
			"to open change descriptor: %w", changeErr))
	}

	return view, nil
}

// Broadcast publishes tx.
//
// NOTE: Part of the Ledger interface.
func (l *DescriptorLedger) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	txid, err := l.src.Broadcast(ctx, tx)
	if err != nil {
		log.Errorf("Unable to broadcast tx %v: %v", tx.TxHash(), err)

		return chainhash.Hash{}, rgberr.Wrap(rgberr.LedgerError, err)
	}

	log.Infof("Broadcast transaction %v", txid)

	return txid, nil
}

// feeRate resolves the fee rate of a request.
func (l *DescriptorLedger) feeRate(ctx context.Context,
	requested SatPerVByte) SatPerVByte {

	if requested != 0 {
		return requested
	}

	estimator, ok := l.src.(FeeEstimator)
	if !ok {
		return l.cfg.FeeRate
	}

	rate, err := estimator.EstimateFeeRate(ctx, l.cfg.ConfTarget)
	if err != nil || rate == 0 {
		log.Warnf("Fee estimation failed, using %d sat/vB: %v",
			l.cfg.FeeRate, err)

		return l.cfg.FeeRate
	}

	return rate
}

// usedAddress is an address of a view with history.
type usedAddress struct {
	key   *derivedKey
	txs   []ChainTx
	utxos []ChainUtxo
}

// chainScan is the result of scanning one descriptor.
type chainScan struct {
	used        []usedAddress
	firstUnused *derivedKey
}

// descriptorView is the WalletView of a descriptor and an optional change
// descriptor.
type descriptorView struct {
	ledger *DescriptorLedger
	recv   *keyChain
	change fn.Option[*keyChain]
}

// A compile time check to ensure descriptorView implements the WalletView
// interface.
var _ WalletView = (*descriptorView)(nil)

// scanChain walks a descriptor until GapLimit consecutive addresses without
// history have been seen.
func (v *descriptorView) scanChain(ctx context.Context,
	kc *keyChain) (*chainScan, error) {

	var (
		scan chainScan
		gap  uint32
		src  = v.ledger.src
	)
	for index := uint32(0); gap < v.ledger.cfg.GapLimit; index++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key, err := kc.key(index)
		if err != nil {
			return nil, err
		}

		txs, err := src.AddressTxs(ctx, key.addr)
		if err != nil {
			return nil, err
		}
		if len(txs) == 0 {
			if scan.firstUnused == nil {
				scan.firstUnused = key
			}
			gap++

			continue
		}
		gap = 0

		utxos, err := src.AddressUtxos(ctx, key.addr)
		if err != nil {
			return nil, err
		}
		scan.used = append(scan.used, usedAddress{
			key:   key,
			txs:   txs,
			utxos: utxos,
		})
	}

	return &scan, nil
}

// viewState is a snapshot of everything a view knows about the chain.
type viewState struct {
	recv   *chainScan
	change fn.Option[*chainScan]

	// keys maps output scripts to the key controlling them.
	keys map[string]*derivedKey
}

// used returns the used addresses of both descriptors.
func (s *viewState) used() []usedAddress {
	used := append([]usedAddress(nil), s.recv.used...)
	s.change.WhenSome(func(c *chainScan) {
		used = append(used, c.used...)
	})

	return used
}

// sync scans the view's descriptors.
func (v *descriptorView) sync(ctx context.Context) (*viewState, error) {
	recv, err := v.scanChain(ctx, v.recv)
	if err != nil {
		return nil, err
	}

	state := &viewState{
		recv: recv,
		keys: make(map[string]*derivedKey),
	}

	if kc, ok := v.changeChain(); ok {
		change, err := v.scanChain(ctx, kc)
		if err != nil {
			return nil, err
		}
		state.change = fn.Some(change)
	}

	for _, addr := range state.used() {
		state.keys[string(addr.key.pkScript)] = addr.key
	}

	return state, nil
}

// changeChain returns the change descriptor's key chain, if any.
func (v *descriptorView) changeChain() (*keyChain, bool) {
	kc := v.change.UnwrapOr(nil)

	return kc, kc != nil
}

// NextReceiveAddress returns the first unused address of the descriptor.
//
// NOTE: Part of the WalletView interface.
func (v *descriptorView) NextReceiveAddress(
	ctx context.Context) (btcutil.Address, error) {

	state, err := v.sync(ctx)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.LedgerError, err)
	}

	return state.recv.firstUnused.addr, nil
}

// NextChangeAddress returns the first unused address of the change
// descriptor.
//
// NOTE: Part of the WalletView interface.
func (v *descriptorView) NextChangeAddress(
	ctx context.Context) (btcutil.Address, error) {

	state, err := v.sync(ctx)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.LedgerError, err)
	}

	return state.nextChange().addr, nil
}

// Balance returns the total value of the view's unspent outputs.
//
// NOTE: Part of the WalletView interface.
func (v *descriptorView) Balance(ctx context.Context) (btcutil.Amount,
	error) {

	utxos, err := v.ListUnspent(ctx)
	if err != nil {
		return 0, err
	}

	var total btcutil.Amount
	for _, u := range utxos {
		total += u.Value
	}

	return total, nil
}

// ListUnspent returns the view's unspent outputs, largest first.
//
// NOTE: Part of the WalletView interface.
func (v *descriptorView) ListUnspent(ctx context.Context) ([]Utxo, error) {
	state, err := v.sync(ctx)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.LedgerError, err)
	}

	return state.unspent(), nil
}

// unspent flattens the unspent outputs of a state.
func (s *viewState) unspent() []Utxo {
	var (
		utxos []Utxo
		seen  = make(map[wire.OutPoint]struct{})
	)
	for _, addr := range s.used() {
		for _, u := range addr.utxos {
			if _, ok := seen[u.OutPoint]; ok {
				continue
			}
			seen[u.OutPoint] = struct{}{}

			utxos = append(utxos, Utxo{
				OutPoint:  u.OutPoint,
				Value:     u.Value,
				PkScript:  addr.key.pkScript,
				Confirmed: u.Confirmed,
			})
		}
	}

	sort.SliceStable(utxos, func(i, j int) bool {
		return utxos[i].Value > utxos[j].Value
	})

	return utxos
}

// ListTransactions returns the transactions touching the view.
//
// NOTE: Part of the WalletView interface.
func (v *descriptorView) ListTransactions(
	ctx context.Context) ([]TxSummary, error) {

	state, err := v.sync(ctx)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.LedgerError, err)
	}

	var (
		summaries []TxSummary
		seen      = make(map[chainhash.Hash]struct{})
	)
	for _, addr := range state.used() {
		for _, tx := range addr.txs {
			if _, ok := seen[tx.TxID]; ok {
				continue
			}
			seen[tx.TxID] = struct{}{}

			summary := TxSummary{
				TxID:      tx.TxID,
				Fee:       tx.Fee,
				Confirmed: tx.Confirmed,
				BlockTime: tx.BlockTime,
			}
			for _, in := range tx.Inputs {
				if _, ok := state.keys[string(in.PkScript)]; ok {
					summary.Sent += in.Value
				}
			}
			for _, out := range tx.Outputs {
				if _, ok := state.keys[string(out.PkScript)]; ok {
					summary.Received += out.Value
				}
			}

			summaries = append(summaries, summary)
		}
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if a.Confirmed != b.Confirmed {
			return !a.Confirmed
		}

		return a.BlockTime.After(b.BlockTime)
	})

	return summaries, nil
}

// BuildAndSign funds req from the view's outputs and signs every input.
//
// NOTE: Part of the WalletView interface.
func (v *descriptorView) BuildAndSign(ctx context.Context,
	req *TxRequest) (*wire.MsgTx, error) {

	tx, err := v.buildAndSign(ctx, req)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.LedgerError, err)
	}

	log.Debugf("Built transaction %v: %v", tx.TxHash(),
		newLogClosure(func() string {
			return spew.Sdump(tx)
		}),
	)

	return tx, nil
}

func (v *descriptorView) buildAndSign(ctx context.Context,
	req *TxRequest) (*wire.MsgTx, error) {

	if len(req.Outputs) == 0 && len(req.MustSpend) == 0 {
		return nil, ErrEmptyRequest
	}

	for _, out := range req.Outputs {
		err := txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb)
		if err != nil {
			return nil, fmt.Errorf("invalid output %x: %w",
				out.PkScript, err)
		}
	}

	state, err := v.sync(ctx)
	if err != nil {
		return nil, err
	}

	changeScript, err := v.changeScript(state, req.ChangeAddress)
	if err != nil {
		return nil, err
	}

	mustSpend, candidates, err := splitInputs(
		state.unspent(), req.MustSpend, req.Exclude,
	)
	if err != nil {
		return nil, err
	}

	feeRate := v.ledger.feeRate(ctx, req.FeeRate)

	// The outputs are copied since the change is appended to them.
	outputs := make([]*wire.TxOut, 0, len(req.Outputs)+1)
	for _, out := range req.Outputs {
		outputs = append(outputs, wire.NewTxOut(out.Value, out.PkScript))
	}

	authored, err := txauthor.NewUnsignedTransaction(
		outputs, feeRate.FeePerKVByte(),
		makeInputSource(mustSpend, candidates),
		&txauthor.ChangeSource{
			NewScript: func() ([]byte, error) {
				return changeScript, nil
			},
			ScriptSize: len(changeScript),
		},
	)
	if err != nil {
		return nil, err
	}

	tx := authored.Tx
	tx.Version = 2

	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range tx.TxIn {
		prevOuts.AddPrevOut(txIn.PreviousOutPoint, wire.NewTxOut(
			int64(authored.PrevInputValues[i]), authored.PrevScripts[i],
		))
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	for i, txIn := range tx.TxIn {
		pkScript := authored.PrevScripts[i]
		key, ok := state.keys[string(pkScript)]
		if !ok {
			return nil, fmt.Errorf("no key for input %v",
				txIn.PreviousOutPoint)
		}

		witness, err := txscript.TaprootWitnessSignature(
			tx, sigHashes, i, int64(authored.PrevInputValues[i]),
			pkScript, txscript.SigHashDefault, key.priv,
		)
		if err != nil {
			return nil, err
		}
		tx.TxIn[i].Witness = witness
	}

	return tx, nil
}

// changeScript picks the output script receiving the change.
func (v *descriptorView) changeScript(state *viewState,
	addr fn.Option[btcutil.Address]) ([]byte, error) {

	if addr.IsSome() {
		return txscript.PayToAddrScript(addr.UnwrapOr(nil))
	}

	return state.nextChange().pkScript, nil
}

// nextChange returns the key change should be paid to.
func (s *viewState) nextChange() *derivedKey {
	next := s.recv.firstUnused
	s.change.WhenSome(func(c *chainScan) {
		next = c.firstUnused
	})

	return next
}

// splitInputs separates the outputs a transaction must spend, in request
// order, from the ones coin selection may add. Excluded outputs are only
// spent when required.
func splitInputs(unspent []Utxo, mustSpend,
	exclude []wire.OutPoint) ([]Utxo, []Utxo, error) {

	byOutpoint := make(map[wire.OutPoint]Utxo, len(unspent))
	for _, u := range unspent {
		byOutpoint[u.OutPoint] = u
	}

	skip := make(map[wire.OutPoint]struct{}, len(exclude))
	for _, op := range exclude {
		skip[op] = struct{}{}
	}

	var (
		required []Utxo
		taken    = make(map[wire.OutPoint]struct{}, len(mustSpend))
	)
	for _, op := range mustSpend {
		u, ok := byOutpoint[op]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnknownOutpoint,
				op)
		}
		if _, ok := taken[op]; ok {
			continue
		}
		taken[op] = struct{}{}
		required = append(required, u)
	}

	candidates := make([]Utxo, 0, len(unspent))
	for _, u := range unspent {
		if _, ok := skip[u.OutPoint]; ok {
			continue
		}
		if _, ok := taken[u.OutPoint]; ok {
			continue
		}
		candidates = append(candidates, u)
	}

	return required, candidates, nil
}

// makeInputSource returns an input source spending every required output
// first, then the candidates in order until the target is reached. The
// candidates of a view are sorted largest first.
func makeInputSource(required, candidates []Utxo) txauthor.InputSource {
	var (
		total   btcutil.Amount
		inputs  []*wire.TxIn
		values  []btcutil.Amount
		scripts [][]byte
	)
	add := func(u Utxo) {
		op := u.OutPoint
		inputs = append(inputs, wire.NewTxIn(&op, nil, nil))
		values = append(values, u.Value)
		scripts = append(scripts, u.PkScript)
		total += u.Value
	}
	for _, u := range required {
		add(u)
	}

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		for (total < target || len(inputs) == 0) && len(candidates) > 0 {
			add(candidates[0])
			candidates = candidates[1:]
		}
		if total < target {
			return 0, nil, nil, nil, fmt.Errorf("%w: have %v, "+
				"need %v", ErrInsufficientFunds, total, target)
		}

		return total, inputs, values, scripts, nil
	}
}
