package esplora

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/bitmask/vaultd/walletview"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ChainSource serves descriptor wallets from an Esplora API.
type ChainSource struct {
	client *Client
}

// A compile time check to ensure ChainSource implements the ChainSource and
// FeeEstimator interfaces.
var _ walletview.ChainSource = (*ChainSource)(nil)
var _ walletview.FeeEstimator = (*ChainSource)(nil)

// NewChainSource creates a chain source over client.
func NewChainSource(client *Client) *ChainSource {
	return &ChainSource{client: client}
}

// AddressUtxos returns the unspent outputs paying to addr.
//
// NOTE: Part of the walletview.ChainSource interface.
func (s *ChainSource) AddressUtxos(ctx context.Context,
	addr btcutil.Address) ([]walletview.ChainUtxo, error) {

	utxos, err := s.client.GetAddressUTXOs(ctx, addr.EncodeAddress())
	if err != nil {
		return nil, err
	}

	result := make([]walletview.ChainUtxo, 0, len(utxos))
	for _, u := range utxos {
		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid utxo txid: %w", err)
		}

		result = append(result, walletview.ChainUtxo{
			OutPoint:  wire.OutPoint{Hash: *txid, Index: u.Vout},
			Value:     btcutil.Amount(u.Value),
			Confirmed: u.Status.Confirmed,
		})
	}

	return result, nil
}

// AddressTxs returns the transactions touching addr.
//
// NOTE: Part of the walletview.ChainSource interface.
func (s *ChainSource) AddressTxs(ctx context.Context,
	addr btcutil.Address) ([]walletview.ChainTx, error) {

	txs, err := s.client.GetAddressTxs(ctx, addr.EncodeAddress())
	if err != nil {
		return nil, err
	}

	result := make([]walletview.ChainTx, 0, len(txs))
	for _, tx := range txs {
		chainTx, err := toChainTx(tx)
		if err != nil {
			return nil, err
		}
		result = append(result, *chainTx)
	}

	return result, nil
}

// toChainTx converts an API transaction.
func toChainTx(tx *TxInfo) (*walletview.ChainTx, error) {
	txid, err := chainhash.NewHashFromStr(tx.TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid txid: %w", err)
	}

	chainTx := &walletview.ChainTx{
		TxID:      *txid,
		Fee:       btcutil.Amount(tx.Fee),
		Confirmed: tx.Status.Confirmed,
	}
	if tx.Status.Confirmed {
		chainTx.BlockTime = time.Unix(tx.Status.BlockTime, 0)
	}

	for _, in := range tx.Vin {
		if in.PrevOut == nil {
			continue
		}
		txIO, err := toChainTxIO(in.PrevOut)
		if err != nil {
			return nil, err
		}
		chainTx.Inputs = append(chainTx.Inputs, *txIO)
	}
	for i := range tx.Vout {
		txIO, err := toChainTxIO(&tx.Vout[i])
		if err != nil {
			return nil, err
		}
		chainTx.Outputs = append(chainTx.Outputs, *txIO)
	}

	return chainTx, nil
}

func toChainTxIO(out *TxVout) (*walletview.ChainTxIO, error) {
	pkScript, err := hex.DecodeString(out.ScriptPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid scriptpubkey: %w", err)
	}

	return &walletview.ChainTxIO{
		PkScript: pkScript,
		Value:    btcutil.Amount(out.Value),
	}, nil
}

// Broadcast publishes tx.
//
// NOTE: Part of the walletview.ChainSource interface.
func (s *ChainSource) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	txid, err := s.client.BroadcastTx(ctx, tx)
	if err != nil {
		return chainhash.Hash{}, err
	}

	return *txid, nil
}

// EstimateFeeRate returns the estimate of the largest published target not
// above confTarget, or of the smallest target if all are above it. Rates are
// rounded up to whole sat/vB.
//
// NOTE: Part of the walletview.FeeEstimator interface.
func (s *ChainSource) EstimateFeeRate(ctx context.Context,
	confTarget uint32) (walletview.SatPerVByte, error) {

	estimates, err := s.client.GetFeeEstimates(ctx)
	if err != nil {
		return 0, err
	}

	return pickFeeRate(estimates, confTarget)
}

// pickFeeRate selects the estimate for confTarget.
func pickFeeRate(estimates FeeEstimates,
	confTarget uint32) (walletview.SatPerVByte, error) {

	type estimate struct {
		target uint64
		rate   float64
	}

	var sorted []estimate
	for key, rate := range estimates {
		target, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			continue
		}
		sorted = append(sorted, estimate{target, rate})
	}
	if len(sorted) == 0 {
		return 0, fmt.Errorf("no fee estimates available")
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].target < sorted[j].target
	})

	chosen := sorted[0]
	for _, e := range sorted {
		if e.target > uint64(confTarget) {
			break
		}
		chosen = e
	}

	return walletview.SatPerVByte(math.Ceil(chosen.rate)), nil
}
