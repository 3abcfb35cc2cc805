package walletview

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// SatPerVByte is a fee rate in satoshis per virtual byte.
type SatPerVByte uint64

// FeePerKVByte returns the rate in satoshis per kilo virtual byte.
func (s SatPerVByte) FeePerKVByte() btcutil.Amount {
	return btcutil.Amount(s * 1000)
}

// Utxo is an unspent output controlled by a wallet view.
type Utxo struct {
	OutPoint  wire.OutPoint
	Value     btcutil.Amount
	PkScript  []byte
	Confirmed bool
}

// TxSummary is the wallet view of a transaction touching its addresses.
type TxSummary struct {
	TxID      chainhash.Hash
	Received  btcutil.Amount
	Sent      btcutil.Amount
	Fee       btcutil.Amount
	Confirmed bool
	BlockTime time.Time
}

// TxRequest describes a transaction a wallet view should fund and sign.
type TxRequest struct {
	// Outputs are added to the transaction in order, before any change
	// output. OP_RETURN outputs with a zero value are allowed.
	Outputs []*wire.TxOut

	// MustSpend lists outputs of the view that have to be inputs of the
	// transaction, regardless of the amount needed.
	MustSpend []wire.OutPoint

	// Exclude lists outputs of the view coin selection must not pick.
	Exclude []wire.OutPoint

	// ChangeAddress receives the change. If unset the change goes to the
	// view's change descriptor, or to its next receive address.
	ChangeAddress fn.Option[btcutil.Address]

	// FeeRate is the fee rate to pay. Zero asks the ledger for an
	// estimate.
	FeeRate SatPerVByte
}

// WalletView is a wallet opened from a descriptor: the perspective of one
// account on the base ledger. Every failure is a LedgerError.
type WalletView interface {
	// NextReceiveAddress returns the first address of the descriptor
	// without history. It keeps returning the same address until that
	// address is used.
	NextReceiveAddress(ctx context.Context) (btcutil.Address, error)

	// NextChangeAddress returns the first address of the change
	// descriptor without history, or the next receive address if the view
	// has no change descriptor.
	NextChangeAddress(ctx context.Context) (btcutil.Address, error)

	// Balance returns the total value of the view's unspent outputs.
	Balance(ctx context.Context) (btcutil.Amount, error)

	// ListUnspent returns the view's unspent outputs.
	ListUnspent(ctx context.Context) ([]Utxo, error)

	// ListTransactions returns the transactions touching the view's
	// addresses, unconfirmed first, then most recent first.
	ListTransactions(ctx context.Context) ([]TxSummary, error)

	// BuildAndSign funds and signs a transaction without broadcasting
	// it.
	BuildAndSign(ctx context.Context, req *TxRequest) (*wire.MsgTx, error)
}

// Ledger opens wallet views and publishes transactions.
type Ledger interface {
	// Open returns the view of a spending descriptor with an optional
	// change descriptor.
	Open(ctx context.Context, descriptor string,
		change fn.Option[string]) (WalletView, error)

	// Broadcast publishes a signed transaction. It is never retried.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
}

// ChainUtxo is an unspent output as reported by a chain backend.
type ChainUtxo struct {
	OutPoint  wire.OutPoint
	Value     btcutil.Amount
	Confirmed bool
}

// ChainTxIO is an input or output of a ChainTx. Inputs carry the script and
// value of the output they spend.
type ChainTxIO struct {
	PkScript []byte
	Value    btcutil.Amount
}

// ChainTx is a transaction as reported by a chain backend.
type ChainTx struct {
	TxID      chainhash.Hash
	Inputs    []ChainTxIO
	Outputs   []ChainTxIO
	Fee       btcutil.Amount
	Confirmed bool
	BlockTime time.Time
}

// ChainSource is the address indexed chain backend a descriptor wallet is
// built on.
type ChainSource interface {
	// AddressUtxos returns the unspent outputs paying to addr.
	AddressUtxos(ctx context.Context, addr btcutil.Address) ([]ChainUtxo,
		error)

	// AddressTxs returns the transactions that touch addr.
	AddressTxs(ctx context.Context, addr btcutil.Address) ([]ChainTx,
		error)

	// Broadcast publishes tx.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
}

// FeeEstimator is implemented by chain sources that can suggest a fee rate.
type FeeEstimator interface {
	// EstimateFeeRate returns a fee rate expected to confirm within
	// confTarget blocks.
	EstimateFeeRate(ctx context.Context,
		confTarget uint32) (SatPerVByte, error)
}
