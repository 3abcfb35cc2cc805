package bitmask

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bitmask/vaultd/blinding"
	"github.com/bitmask/vaultd/contract"
	"github.com/bitmask/vaultd/indexer"
	"github.com/bitmask/vaultd/rgb"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/bitmask/vaultd/seed"
	"github.com/bitmask/vaultd/transfer"
	"github.com/bitmask/vaultd/vault"
	"github.com/bitmask/vaultd/vaultdb"
	"github.com/bitmask/vaultd/walletview"
	"github.com/bitmask/vaultd/walletview/esplora"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// FundOutputValue is the value of each output created by FundVault.
const FundOutputValue btcutil.Amount = 613

// Bitmask is the library surface of the vault daemon: vault management, the
// base ledger wallets and the asset lifecycle. The network is fixed at
// construction.
type Bitmask struct {
	cfg    *Config
	ledger walletview.Ledger
	db     *vaultdb.DB
	orch   *transfer.Orchestrator
}

// New assembles a Bitmask over an opened database, a ledger and an indexing
// service.
func New(cfg *Config, db *vaultdb.DB, ledger walletview.Ledger,
	idx indexer.AssetIndexer) *Bitmask {

	engine := contract.NewEngine(&contract.Config{
		Params: cfg.ActiveNetParams,
		Clock:  clock.NewDefaultClock(),
	})

	return &Bitmask{
		cfg:    cfg,
		ledger: ledger,
		db:     db,
		orch: transfer.New(&transfer.Config{
			Engine:  engine,
			Indexer: idx,
			Ledger:  ledger,
			States:  db.StateStore(),
			Stash:   db.Stash(),
		}),
	}
}

// NewFromConfig opens the database in the network's data directory and
// connects the Esplora ledger and the indexing service named by cfg.
func NewFromConfig(cfg *Config) (*Bitmask, error) {
	dir := filepath.Join(cfg.DataDir, cfg.ActiveNetParams.Name)
	db, err := vaultdb.Open(dir)
	if err != nil {
		return nil, err
	}

	src := esplora.NewChainSource(esplora.NewClient(&esplora.ClientConfig{
		URL:            cfg.Esplora.URL,
		RequestTimeout: cfg.Esplora.Timeout,
		MaxRetries:     cfg.Esplora.MaxRetries,
	}))
	ledger := walletview.NewLedger(
		src, cfg.ActiveNetParams, &walletview.LedgerConfig{
			GapLimit:   cfg.Wallet.GapLimit,
			ConfTarget: cfg.Wallet.ConfTarget,
			FeeRate:    walletview.SatPerVByte(cfg.Wallet.FeeRate),
		},
	)
	idx := indexer.NewClient(&indexer.Config{
		URL:            cfg.Indexer.URL,
		RequestTimeout: cfg.Indexer.Timeout,
	})

	bmskLog.Infof("Using %v with esplora=%v, indexer=%v",
		cfg.ActiveNetParams.Name, cfg.Esplora.URL, cfg.Indexer.URL)

	return New(cfg, db, ledger, idx), nil
}

// Close closes the database.
func (b *Bitmask) Close() error {
	return b.db.Close()
}

// Network returns the name of the network the instance operates on.
func (b *Bitmask) Network() string {
	return b.cfg.ActiveNetParams.Name
}

// Params returns the parameters of the network the instance operates on.
func (b *Bitmask) Params() *chaincfg.Params {
	return b.cfg.ActiveNetParams
}

// GetVault decrypts a vault with a password.
func (b *Bitmask) GetVault(password string,
	encrypted vault.EncryptedVault) (*vault.Record, error) {

	return vault.Decrypt(encrypted, vault.DeriveKey(password))
}

// MnemonicSeedData is a mnemonic together with the vault derived from it.
type MnemonicSeedData struct {
	Mnemonic string `json:"mnemonic"`

	// SerializedEncryptedMessage is the encrypted vault of the mnemonic.
	SerializedEncryptedMessage vault.EncryptedVault `json:"serializedEncryptedMessage"`
}

// GetMnemonicSeed creates a new mnemonic and its vault, encrypted under
// encryptionPassword. seedPassword is the optional BIP-39 passphrase.
func (b *Bitmask) GetMnemonicSeed(encryptionPassword,
	seedPassword string) (*MnemonicSeedData, error) {

	mnemonic, rec, err := seed.Generate(seedPassword, b.Params())
	if err != nil {
		return nil, err
	}

	return seedData(mnemonic, rec, encryptionPassword)
}

// SaveMnemonicSeed restores the vault of an existing mnemonic, encrypted
// under encryptionPassword.
func (b *Bitmask) SaveMnemonicSeed(mnemonic, encryptionPassword,
	seedPassword string) (*MnemonicSeedData, error) {

	rec, err := seed.Import(mnemonic, seedPassword, b.Params())
	if err != nil {
		return nil, err
	}

	return seedData(mnemonic, rec, encryptionPassword)
}

func seedData(mnemonic string, rec *vault.Record,
	password string) (*MnemonicSeedData, error) {

	blob, err := vault.Encrypt(rec, vault.DeriveKey(password))
	if err != nil {
		return nil, err
	}

	return &MnemonicSeedData{
		Mnemonic:                   mnemonic,
		SerializedEncryptedMessage: blob,
	}, nil
}

// StoreVault persists an encrypted vault under name.
func (b *Bitmask) StoreVault(name string, blob vault.EncryptedVault) error {
	return b.db.VaultStore().PutVault(name, blob)
}

// LoadVault decrypts the vault stored under name.
func (b *Bitmask) LoadVault(name, password string) (*vault.Record, error) {
	blob, err := b.db.VaultStore().FetchVault(name)
	if err != nil {
		return nil, err
	}

	return b.GetVault(password, blob)
}

// WalletTransaction is a transaction of a wallet.
type WalletTransaction struct {
	TxID      chainhash.Hash `json:"txid"`
	Received  uint64         `json:"received"`
	Sent      uint64         `json:"sent"`
	Fee       uint64         `json:"fee"`
	Confirmed bool           `json:"confirmed"`

	// ConfirmationTime is set for confirmed transactions.
	ConfirmationTime fn.Option[time.Time] `json:"-"`
}

// WalletData is the state of a wallet.
type WalletData struct {
	Address      string              `json:"address"`
	Balance      string              `json:"balance"`
	Transactions []WalletTransaction `json:"transactions"`
	Unspent      []string            `json:"unspent"`
}

// GetWalletData returns the next receive address, the balance, the history
// and the unspent outputs of a wallet.
func (b *Bitmask) GetWalletData(ctx context.Context, descriptor string,
	changeDescriptor fn.Option[string]) (*WalletData, error) {

	view, err := b.ledger.Open(ctx, descriptor, changeDescriptor)
	if err != nil {
		return nil, err
	}

	addr, err := view.NextReceiveAddress(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := view.Balance(ctx)
	if err != nil {
		return nil, err
	}
	unspent, err := view.ListUnspent(ctx)
	if err != nil {
		return nil, err
	}
	txs, err := view.ListTransactions(ctx)
	if err != nil {
		return nil, err
	}

	data := &WalletData{
		Address:      addr.String(),
		Balance:      fmt.Sprintf("%d", int64(balance)),
		Transactions: make([]WalletTransaction, 0, len(txs)),
		Unspent:      make([]string, 0, len(unspent)),
	}
	for _, u := range unspent {
		data.Unspent = append(data.Unspent, u.OutPoint.String())
	}
	for _, tx := range txs {
		wtx := WalletTransaction{
			TxID:      tx.TxID,
			Received:  uint64(tx.Received),
			Sent:      uint64(tx.Sent),
			Fee:       uint64(tx.Fee),
			Confirmed: tx.Confirmed,
		}
		if tx.Confirmed {
			wtx.ConfirmationTime = fn.Some(tx.BlockTime)
		}
		data.Transactions = append(data.Transactions, wtx)
	}

	bmskLog.Tracef("Wallet data: %v", newLogClosure(func() string {
		return spew.Sdump(data)
	}))

	return data, nil
}

// ImportListAssets returns every asset known to the indexing service.
func (b *Bitmask) ImportListAssets(ctx context.Context) ([]rgb.Asset, error) {
	return b.orch.ListAssets(ctx)
}

// CreateAsset issues a new asset with its whole supply on req.Outpoint.
func (b *Bitmask) CreateAsset(ctx context.Context,
	req *contract.IssueRequest) (*transfer.IssueResult, error) {

	return b.orch.Issue(ctx, req)
}

// ImportAsset returns the view of an asset on the tokens wallet, from its
// genesis or from the indexing service.
func (b *Bitmask) ImportAsset(ctx context.Context, tokensDescriptor string,
	src transfer.ImportSource) (*rgb.ThinAsset, error) {

	view, err := b.ledger.Open(ctx, tokensDescriptor, fn.None[string]())
	if err != nil {
		return nil, err
	}

	return b.orch.ImportAsset(ctx, src, view)
}

// SetBlindedUtxo conceals an outpoint of the receiver. The caller keeps the
// blinding factor.
func (b *Bitmask) SetBlindedUtxo(ctx context.Context,
	utxo string) (*blinding.BlindedUtxo, error) {

	return b.orch.Blind(ctx, utxo)
}

// SaveBlindedUtxo conceals an outpoint of the receiver and stores the receipt
// sealed under the vault password.
func (b *Bitmask) SaveBlindedUtxo(ctx context.Context, password,
	utxo string) (*blinding.BlindedUtxo, error) {

	return b.withReceipts(password).Blind(ctx, utxo)
}

// ListReceipts returns the receipts sealed under the vault password.
func (b *Bitmask) ListReceipts(password string) ([]*blinding.BlindedUtxo,
	error) {

	return b.db.ReceiptStore(vault.DeriveKey(password)).ListReceipts()
}

// withReceipts returns an orchestrator storing receipts under password.
func (b *Bitmask) withReceipts(password string) *transfer.Orchestrator {
	cfg := b.orch.Config()
	cfg.Receipts = fn.Some[transfer.ReceiptStore](
		b.db.ReceiptStore(vault.DeriveKey(password)),
	)

	return transfer.New(&cfg)
}

// SendSats pays amount to address from a wallet and broadcasts the
// transaction.
func (b *Bitmask) SendSats(ctx context.Context, descriptor,
	changeDescriptor, address string,
	amount btcutil.Amount) (*wire.MsgTx, error) {

	addr, err := btcutil.DecodeAddress(address, b.Params())
	if err != nil {
		return nil, rgberr.Newf(rgberr.FormatError, "invalid address "+
			"%q: %v", address, err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, rgberr.New(rgberr.FormatError, err)
	}

	return b.pay(ctx, descriptor, changeDescriptor,
		wire.NewTxOut(int64(amount), script))
}

// pay builds, signs and broadcasts a transaction with the given outputs.
func (b *Bitmask) pay(ctx context.Context, descriptor,
	changeDescriptor string, outputs ...*wire.TxOut) (*wire.MsgTx, error) {

	view, err := b.ledger.Open(ctx, descriptor, fn.Some(changeDescriptor))
	if err != nil {
		return nil, err
	}

	// The ledger estimates the fee rate, falling back to the configured
	// one.
	tx, err := view.BuildAndSign(ctx, &walletview.TxRequest{
		Outputs: outputs,
	})
	if err != nil {
		return nil, err
	}

	if _, err := b.ledger.Broadcast(ctx, tx); err != nil {
		return nil, err
	}

	return tx, nil
}

// FundVaultDetails are the outputs created by FundVault.
type FundVaultDetails struct {
	TxID       string `json:"txid"`
	SendAssets string `json:"send_assets"`
	RecvAssets string `json:"recv_assets"`
	SendUDAs   string `json:"send_udas"`
	RecvUDAs   string `json:"recv_udas"`
}

// FundVault creates two asset carrying outputs on address and two on
// udaAddress, paid from the BTC wallet.
func (b *Bitmask) FundVault(ctx context.Context, descriptor,
	changeDescriptor, address, udaAddress string) (*FundVaultDetails,
	error) {

	var scripts [][]byte
	for _, a := range []string{address, udaAddress} {
		addr, err := btcutil.DecodeAddress(a, b.Params())
		if err != nil {
			return nil, rgberr.Newf(rgberr.FormatError, "invalid "+
				"address %q: %v", a, err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, rgberr.New(rgberr.FormatError, err)
		}
		scripts = append(scripts, script)
	}

	value := int64(FundOutputValue)
	tx, err := b.pay(ctx, descriptor, changeDescriptor,
		wire.NewTxOut(value, scripts[0]),
		wire.NewTxOut(value, scripts[0]),
		wire.NewTxOut(value, scripts[1]),
		wire.NewTxOut(value, scripts[1]),
	)
	if err != nil {
		return nil, err
	}

	txid := tx.TxHash()
	output := func(i uint32) string {
		return wire.NewOutPoint(&txid, i).String()
	}

	return &FundVaultDetails{
		TxID:       txid.String(),
		SendAssets: output(0),
		RecvAssets: output(1),
		SendUDAs:   output(2),
		RecvUDAs:   output(3),
	}, nil
}

// SendTokensRequest describes an asset transfer from the wallets of a vault.
type SendTokensRequest struct {
	BtcDescriptor       string
	BtcChangeDescriptor string
	RgbTokensDescriptor string

	// BlindedUtxo is the concealed seal of the receiver.
	BlindedUtxo string

	Amount     uint64
	ContractID string
}

// SendTokens transfers an asset to a concealed seal. The asset carrying
// outputs live on the tokens wallet, the fees are paid from the BTC wallet
// and the BTC change goes to the change wallet. A *transfer.PersistError comes
// with a usable response whose consignment must still reach the receiver.
func (b *Bitmask) SendTokens(ctx context.Context,
	req *SendTokensRequest) (*transfer.TransferResponse, error) {

	assets, err := b.ledger.Open(
		ctx, req.RgbTokensDescriptor, fn.None[string](),
	)
	if err != nil {
		return nil, err
	}
	funding, err := b.ledger.Open(
		ctx, req.RgbTokensDescriptor, fn.Some(req.BtcDescriptor),
	)
	if err != nil {
		return nil, err
	}
	change, err := b.ledger.Open(
		ctx, req.RgbTokensDescriptor, fn.Some(req.BtcChangeDescriptor),
	)
	if err != nil {
		return nil, err
	}

	return b.orch.Transfer(ctx, &transfer.TransferRequest{
		ContractID:  req.ContractID,
		Amount:      req.Amount,
		Beneficiary: req.BlindedUtxo,
		Views: transfer.Views{
			Assets:  assets,
			Funding: funding,
			Change:  change,
		},
	})
}

// ValidateTransaction checks a consignment.
func (b *Bitmask) ValidateTransaction(ctx context.Context,
	consignment string) error {

	return b.orch.Validate(ctx, consignment)
}

// AcceptTransaction reveals the endpoint of a consignment committing to
// txid:vout under blinding and refreshes the asset on the tokens wallet. A
// *transfer.RefreshError comes with a non-nil result: the transfer is
// accepted, only the asset view is stale.
func (b *Bitmask) AcceptTransaction(ctx context.Context, tokensDescriptor,
	consignment, txid string, vout uint32,
	blindingFactor uint64) (*transfer.AcceptResult, error) {

	view, err := b.ledger.Open(ctx, tokensDescriptor, fn.None[string]())
	if err != nil {
		return nil, err
	}

	return b.orch.Accept(ctx, &transfer.AcceptRequest{
		Consignment: consignment,
		Outpoint:    fmt.Sprintf("%s:%d", txid, vout),
		Blinding:    blindingFactor,
		Assets:      view,
	})
}

// ImportAccept accepts a consignment and returns the refreshed asset. The
// refresh can be repeated with RefreshAsset if it fails.
func (b *Bitmask) ImportAccept(ctx context.Context, tokensDescriptor,
	consignment, txid string, vout uint32,
	blindingFactor uint64) (*rgb.ThinAsset, error) {

	res, err := b.AcceptTransaction(
		ctx, tokensDescriptor, consignment, txid, vout, blindingFactor,
	)
	if err != nil {
		var refreshErr *transfer.RefreshError
		if errors.As(err, &refreshErr) {
			bmskLog.Warnf("Accepted consignment %v, asset view is "+
				"stale: %v", res.ConsignmentID, refreshErr.Err)
		}

		return nil, err
	}

	return res.Asset, nil
}

// RefreshAsset returns the view of an asset on the tokens wallet without
// touching its history.
func (b *Bitmask) RefreshAsset(ctx context.Context, tokensDescriptor,
	contractID string) (*rgb.ThinAsset, error) {

	view, err := b.ledger.Open(ctx, tokensDescriptor, fn.None[string]())
	if err != nil {
		return nil, err
	}

	return b.orch.RefreshAsset(ctx, contractID, view)
}
