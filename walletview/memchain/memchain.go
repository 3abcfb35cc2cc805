// Package memchain implements an in-memory chain backend for descriptor
// wallets. Transactions are fully script verified before they are accepted,
// which makes it a faithful stand-in for a real node in tests and local
// development.
package memchain

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitmask/vaultd/walletview"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrMissingInput is returned when a transaction spends an output that
	// does not exist or is already spent.
	ErrMissingInput = errors.New("missing or spent input")

	// ErrNegativeFee is returned when a transaction creates more value
	// than it spends.
	ErrNegativeFee = errors.New("outputs exceed inputs")

	// genesisTime is the block time of height zero.
	genesisTime = time.Unix(1600000000, 0)
)

// blockInterval is the time between two mined blocks.
const blockInterval = 10 * time.Minute

// utxoEntry is an unspent output.
type utxoEntry struct {
	txOut *wire.TxOut
	txid  chainhash.Hash
}

// txRecord is a transaction accepted by the chain.
type txRecord struct {
	tx        *wire.MsgTx
	prevOuts  []*wire.TxOut
	fee       btcutil.Amount
	height    int32
	confirmed bool
}

// Chain is an in-memory, address indexed chain. The zero value is not usable;
// use New.
type Chain struct {
	params *chaincfg.Params

	mu       sync.Mutex
	height   int32
	nonce    uint64
	feeRate  walletview.SatPerVByte
	utxos    map[wire.OutPoint]*utxoEntry
	txs      map[chainhash.Hash]*txRecord
	byScript map[string][]chainhash.Hash
	mempool  []chainhash.Hash

	// broadcastErr, if set, makes every broadcast fail.
	broadcastErr error
}

// A compile time check to ensure Chain implements the ChainSource and
// FeeEstimator interfaces.
var _ walletview.ChainSource = (*Chain)(nil)
var _ walletview.FeeEstimator = (*Chain)(nil)

// New creates an empty chain.
func New(params *chaincfg.Params) *Chain {
	return &Chain{
		params:   params,
		feeRate:  walletview.DefaultFeeRate,
		utxos:    make(map[wire.OutPoint]*utxoEntry),
		txs:      make(map[chainhash.Hash]*txRecord),
		byScript: make(map[string][]chainhash.Hash),
	}
}

// SetFeeRate sets the rate returned by EstimateFeeRate.
func (c *Chain) SetFeeRate(rate walletview.SatPerVByte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.feeRate = rate
}

// SetBroadcastErr makes every following broadcast fail with err. A nil err
// restores normal operation.
func (c *Chain) SetBroadcastErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.broadcastErr = err
}

// Fund creates a confirmed output of amt paying to addr, out of thin air.
func (c *Chain) Fund(addr btcutil.Address,
	amt btcutil.Amount) (wire.OutPoint, error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return wire.OutPoint{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nonce++
	var extraNonce [8]byte
	binary.BigEndian.PutUint64(extraNonce[:], c.nonce)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  extraNonce[:],
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(int64(amt), pkScript))

	c.height++
	c.addTx(tx, nil, 0, true)

	log.Debugf("Funded %v with %v in %v", addr, amt, tx.TxHash())

	return wire.OutPoint{Hash: tx.TxHash(), Index: 0}, nil
}

// MineBlock confirms every transaction in the mempool and returns the new
// height.
func (c *Chain) MineBlock() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.height++
	for _, txid := range c.mempool {
		rec := c.txs[txid]
		rec.confirmed = true
		rec.height = c.height
	}

	log.Debugf("Mined block %d with %d transactions", c.height,
		len(c.mempool))

	c.mempool = nil

	return c.height
}

// Tx returns an accepted transaction.
func (c *Chain) Tx(txid chainhash.Hash) (*wire.MsgTx, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.txs[txid]
	if !ok {
		return nil, false
	}

	return rec.tx.Copy(), true
}

// IsUnspent reports whether op is an unspent output.
func (c *Chain) IsUnspent(op wire.OutPoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.utxos[op]
	return ok
}

// addTx indexes an accepted transaction. The caller must hold the mutex.
func (c *Chain) addTx(tx *wire.MsgTx, prevOuts []*wire.TxOut,
	fee btcutil.Amount, confirmed bool) {

	txid := tx.TxHash()
	rec := &txRecord{
		tx:        tx.Copy(),
		prevOuts:  prevOuts,
		fee:       fee,
		confirmed: confirmed,
	}
	if confirmed {
		rec.height = c.height
	} else {
		c.mempool = append(c.mempool, txid)
	}
	c.txs[txid] = rec

	touched := make(map[string]struct{})
	for i, in := range tx.TxIn {
		delete(c.utxos, in.PreviousOutPoint)
		if prevOuts != nil {
			touched[string(prevOuts[i].PkScript)] = struct{}{}
		}
	}
	for i, out := range tx.TxOut {
		if txscript.GetScriptClass(out.PkScript) == txscript.NullDataTy {
			continue
		}
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		c.utxos[op] = &utxoEntry{txOut: out, txid: txid}
		touched[string(out.PkScript)] = struct{}{}
	}
	for script := range touched {
		c.byScript[script] = append(c.byScript[script], txid)
	}
}

// blockTime returns the time of the block at height.
func blockTime(height int32) time.Time {
	return genesisTime.Add(time.Duration(height) * blockInterval)
}

// AddressUtxos returns the unspent outputs paying to addr.
//
// NOTE: Part of the walletview.ChainSource interface.
func (c *Chain) AddressUtxos(ctx context.Context,
	addr btcutil.Address) ([]walletview.ChainUtxo, error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var utxos []walletview.ChainUtxo
	for op, entry := range c.utxos {
		if !bytes.Equal(entry.txOut.PkScript, pkScript) {
			continue
		}
		utxos = append(utxos, walletview.ChainUtxo{
			OutPoint:  op,
			Value:     btcutil.Amount(entry.txOut.Value),
			Confirmed: c.txs[entry.txid].confirmed,
		})
	}

	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].OutPoint.String() < utxos[j].OutPoint.String()
	})

	return utxos, nil
}

// AddressTxs returns the transactions touching addr.
//
// NOTE: Part of the walletview.ChainSource interface.
func (c *Chain) AddressTxs(ctx context.Context,
	addr btcutil.Address) ([]walletview.ChainTx, error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	txids := c.byScript[string(pkScript)]
	txs := make([]walletview.ChainTx, 0, len(txids))
	for _, txid := range txids {
		rec := c.txs[txid]

		chainTx := walletview.ChainTx{
			TxID:      txid,
			Fee:       rec.fee,
			Confirmed: rec.confirmed,
		}
		if rec.confirmed {
			chainTx.BlockTime = blockTime(rec.height)
		}
		for _, prev := range rec.prevOuts {
			chainTx.Inputs = append(chainTx.Inputs, walletview.ChainTxIO{
				PkScript: prev.PkScript,
				Value:    btcutil.Amount(prev.Value),
			})
		}
		for _, out := range rec.tx.TxOut {
			chainTx.Outputs = append(chainTx.Outputs,
				walletview.ChainTxIO{
					PkScript: out.PkScript,
					Value:    btcutil.Amount(out.Value),
				},
			)
		}

		txs = append(txs, chainTx)
	}

	return txs, nil
}

// Broadcast verifies every input script of tx and adds it to the mempool.
//
// NOTE: Part of the walletview.ChainSource interface.
func (c *Chain) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	if err := ctx.Err(); err != nil {
		return chainhash.Hash{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broadcastErr != nil {
		return chainhash.Hash{}, c.broadcastErr
	}

	txid := tx.TxHash()
	if _, ok := c.txs[txid]; ok {
		return txid, nil
	}

	var (
		prevOuts = make([]*wire.TxOut, len(tx.TxIn))
		fetcher  = txscript.NewMultiPrevOutFetcher(nil)
		inValue  int64
		outValue int64
	)
	for i, in := range tx.TxIn {
		entry, ok := c.utxos[in.PreviousOutPoint]
		if !ok {
			return chainhash.Hash{}, fmt.Errorf("%w: %v",
				ErrMissingInput, in.PreviousOutPoint)
		}
		prevOuts[i] = entry.txOut
		fetcher.AddPrevOut(in.PreviousOutPoint, entry.txOut)
		inValue += entry.txOut.Value
	}
	for _, out := range tx.TxOut {
		outValue += out.Value
	}
	if outValue > inValue {
		return chainhash.Hash{}, ErrNegativeFee
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i := range tx.TxIn {
		vm, err := txscript.NewEngine(
			prevOuts[i].PkScript, tx, i,
			txscript.StandardVerifyFlags, nil, sigHashes,
			prevOuts[i].Value, fetcher,
		)
		if err != nil {
			return chainhash.Hash{}, err
		}
		if err := vm.Execute(); err != nil {
			return chainhash.Hash{}, fmt.Errorf("input %d: %w", i,
				err)
		}
	}

	c.addTx(tx, prevOuts, btcutil.Amount(inValue-outValue), false)

	log.Debugf("Accepted transaction %v into mempool", txid)

	return txid, nil
}

// EstimateFeeRate returns the configured fee rate.
//
// NOTE: Part of the walletview.FeeEstimator interface.
func (c *Chain) EstimateFeeRate(_ context.Context,
	_ uint32) (walletview.SatPerVByte, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.feeRate, nil
}
