package bitmask

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitmask/vaultd/build"
	"github.com/bitmask/vaultd/contract"
	"github.com/bitmask/vaultd/indexer"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/bitmask/vaultd/seed"
	"github.com/bitmask/vaultd/transfer"
	"github.com/bitmask/vaultd/vault"
	"github.com/bitmask/vaultd/vaultdb"
	"github.com/bitmask/vaultd/walletview"
	"github.com/bitmask/vaultd/walletview/memchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const (
	senderMnemonic = "abandon abandon abandon abandon abandon abandon " +
		"abandon abandon abandon abandon abandon about"

	receiverMnemonic = "legal winner thank year wave sausage worth " +
		"useful legal winner thank yellow"

	testPassword = "correct horse battery staple"
)

// testConfig returns a valid regtest configuration rooted in a temporary
// directory.
func testConfig(t *testing.T) *Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.BitmaskDir = t.TempDir()
	cfg.DataDir = filepath.Join(cfg.BitmaskDir, defaultDataDirname)
	cfg.LogDir = filepath.Join(cfg.BitmaskDir, defaultLogDirname)
	cfg.Network = "regtest"

	valid, err := ValidateConfig(cfg)
	require.NoError(t, err)

	return valid
}

// newTestBitmask creates an instance on the given chain whose indexing
// service is its own stash served over HTTP.
func newTestBitmask(t *testing.T, chain *memchain.Chain) *Bitmask {
	t.Helper()

	cfg := testConfig(t)
	db, err := vaultdb.Open(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	engine := contract.NewEngine(&contract.Config{
		Params: cfg.ActiveNetParams,
	})
	srv := httptest.NewServer(indexer.NewHandler(&transfer.StashIndexer{
		Stash:  db.Stash(),
		Engine: engine,
	}))
	t.Cleanup(srv.Close)

	ledgerCfg := walletview.DefaultLedgerConfig()
	ledgerCfg.GapLimit = 5
	ledger := walletview.NewLedger(chain, cfg.ActiveNetParams, ledgerCfg)

	return New(
		cfg, db, ledger, indexer.NewClient(&indexer.Config{URL: srv.URL}),
	)
}

// restore imports a mnemonic and opens the resulting vault.
func restore(t *testing.T, b *Bitmask, mnemonic string) *vault.Record {
	t.Helper()

	data, err := b.SaveMnemonicSeed(mnemonic, testPassword, "")
	require.NoError(t, err)
	require.Equal(t, mnemonic, data.Mnemonic)

	rec, err := b.GetVault(testPassword, data.SerializedEncryptedMessage)
	require.NoError(t, err)

	return rec
}

func receiveAddress(t *testing.T, b *Bitmask, desc string) string {
	t.Helper()

	data, err := b.GetWalletData(context.Background(), desc, fn.None[string]())
	require.NoError(t, err)

	return data.Address
}

// fundVault pays two BTC outputs to the vault's BTC wallet and creates the
// asset carrying outputs from the first one.
func fundVault(t *testing.T, chain *memchain.Chain, b *Bitmask,
	rec *vault.Record) *FundVaultDetails {

	t.Helper()

	for i := 0; i < 2; i++ {
		addr, err := btcutil.DecodeAddress(
			receiveAddress(t, b, rec.BtcDescriptor), b.Params(),
		)
		require.NoError(t, err)
		_, err = chain.Fund(addr, 100_000)
		require.NoError(t, err)
	}

	details, err := b.FundVault(
		context.Background(), rec.BtcDescriptor, rec.BtcChangeDescriptor,
		receiveAddress(t, b, rec.RgbTokensDescriptor),
		receiveAddress(t, b, rec.RgbNftsDescriptor),
	)
	require.NoError(t, err)
	chain.MineBlock()

	return details
}

// TestLoadConfig tests the precedence of defaults, config file and command
// line.
func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	conf := "[Application Options]\nnetwork=signet\ndebuglevel=debug\n"
	err := os.WriteFile(
		filepath.Join(dir, defaultConfigFilename), []byte(conf), 0600,
	)
	require.NoError(t, err)

	cfg, err := LoadConfig([]string{"--bitmaskdir=" + dir})
	require.NoError(t, err)
	require.Equal(t, chaincfg.SigNetParams.Name, cfg.ActiveNetParams.Name)
	require.Equal(t, filepath.Join(dir, defaultDataDirname), cfg.DataDir)
	require.Equal(t, filepath.Join(dir, defaultLogDirname), cfg.LogDir)
	require.Equal(t, esploraURLs["signet"], cfg.Esplora.URL)
	require.Equal(t, "debug", cfg.DebugLevel)

	// The command line wins over the file.
	cfg, err = LoadConfig([]string{
		"--bitmaskdir=" + dir, "--network=regtest",
		"--esplora.url=http://esplora", "--wallet.feerate=7",
	})
	require.NoError(t, err)
	require.Equal(t, chaincfg.RegressionNetParams.Name,
		cfg.ActiveNetParams.Name)
	require.Equal(t, "http://esplora", cfg.Esplora.URL)
	require.EqualValues(t, 7, cfg.Wallet.FeeRate)

	invalid := [][]string{
		{"--bitmaskdir=" + dir, "--network=foonet"},
		{"--bitmaskdir=" + dir, "--debuglevel=loud"},
		{"--bitmaskdir=" + dir, "--wallet.gaplimit=0"},
		{"--bitmaskdir=" + dir, "--indexer.url="},
		{"--bitmaskdir=" + dir, "--logging.compressor=lz4"},
	}
	for _, args := range invalid {
		_, err := LoadConfig(args)
		require.Error(t, err, args)
	}

	// Restore the default levels for the other tests.
	logMgr.SetLogLevels(build.LogLevel)
}

// TestNetworkParams tests the network names.
func TestNetworkParams(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]*chaincfg.Params{
		"mainnet": &chaincfg.MainNetParams,
		"testnet": &chaincfg.TestNet3Params,
		"signet":  &chaincfg.SigNetParams,
		"regtest": &chaincfg.RegressionNetParams,
	} {
		params, err := NetworkParams(name)
		require.NoError(t, err)
		require.Equal(t, want, params)
	}

	_, err := NetworkParams("bitcoin")
	require.Error(t, err)
}

// TestVault tests creating, restoring and storing vaults.
func TestVault(t *testing.T) {
	t.Parallel()

	b := newTestBitmask(t, memchain.New(&chaincfg.RegressionNetParams))
	require.Equal(t, chaincfg.RegressionNetParams.Name, b.Network())

	data, err := b.GetMnemonicSeed(testPassword, "")
	require.NoError(t, err)

	rec, err := b.GetVault(testPassword, data.SerializedEncryptedMessage)
	require.NoError(t, err)

	want, err := seed.Import(data.Mnemonic, "", b.Params())
	require.NoError(t, err)
	require.Equal(t, want, rec)

	// Restoring the mnemonic yields the same vault.
	restored, err := b.SaveMnemonicSeed(data.Mnemonic, "other", "")
	require.NoError(t, err)
	rec2, err := b.GetVault("other", restored.SerializedEncryptedMessage)
	require.NoError(t, err)
	require.Equal(t, rec, rec2)

	_, err = b.GetVault("wrong", data.SerializedEncryptedMessage)
	require.True(t, rgberr.Is(err, rgberr.AuthenticationError))

	_, err = b.SaveMnemonicSeed("not a mnemonic", testPassword, "")
	require.True(t, rgberr.Is(err, rgberr.FormatError))

	require.NoError(t, b.StoreVault("main", data.SerializedEncryptedMessage))
	loaded, err := b.LoadVault("main", testPassword)
	require.NoError(t, err)
	require.Equal(t, rec, loaded)

	_, err = b.LoadVault("main", "wrong")
	require.True(t, rgberr.Is(err, rgberr.AuthenticationError))

	_, err = b.LoadVault("missing", testPassword)
	require.ErrorIs(t, err, vaultdb.ErrVaultNotFound)
}

// TestSendSats tests paying from the BTC wallet.
func TestSendSats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := memchain.New(&chaincfg.RegressionNetParams)
	b := newTestBitmask(t, chain)
	sender := restore(t, b, senderMnemonic)
	receiver := restore(t, b, receiverMnemonic)

	addr, err := btcutil.DecodeAddress(
		receiveAddress(t, b, sender.BtcDescriptor), b.Params(),
	)
	require.NoError(t, err)
	_, err = chain.Fund(addr, 50_000)
	require.NoError(t, err)

	to := receiveAddress(t, b, receiver.BtcDescriptor)
	tx, err := b.SendSats(
		ctx, sender.BtcDescriptor, sender.BtcChangeDescriptor, to,
		20_000,
	)
	require.NoError(t, err)
	chain.MineBlock()

	data, err := b.GetWalletData(ctx, receiver.BtcDescriptor,
		fn.None[string]())
	require.NoError(t, err)
	require.Equal(t, "20000", data.Balance)
	require.Len(t, data.Transactions, 1)
	require.Equal(t, tx.TxHash(), data.Transactions[0].TxID)
	require.True(t, data.Transactions[0].ConfirmationTime.IsSome())
	require.Len(t, data.Unspent, 1)

	_, err = b.SendSats(
		ctx, sender.BtcDescriptor, sender.BtcChangeDescriptor,
		"not an address", 1000,
	)
	require.True(t, rgberr.Is(err, rgberr.FormatError))

	_, err = b.SendSats(
		ctx, sender.BtcDescriptor, sender.BtcChangeDescriptor, to,
		1_000_000,
	)
	require.True(t, rgberr.Is(err, rgberr.LedgerError))
}

// TestAssetTransfer funds two vaults, issues an asset and sends part of it
// from one to the other.
func TestAssetTransfer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := memchain.New(&chaincfg.RegressionNetParams)

	alice := newTestBitmask(t, chain)
	aliceRec := restore(t, alice, senderMnemonic)
	bob := newTestBitmask(t, chain)
	bobRec := restore(t, bob, receiverMnemonic)

	aliceFunds := fundVault(t, chain, alice, aliceRec)
	bobFunds := fundVault(t, chain, bob, bobRec)

	tokens, err := alice.GetWalletData(
		ctx, aliceRec.RgbTokensDescriptor, fn.None[string](),
	)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		aliceFunds.SendAssets, aliceFunds.RecvAssets,
	}, tokens.Unspent)

	issued, err := alice.CreateAsset(ctx, &contract.IssueRequest{
		Ticker:    "BMSK",
		Name:      "Bitmask token",
		Precision: 8,
		Supply:    1000,
		Outpoint:  aliceFunds.SendAssets,
	})
	require.NoError(t, err)
	id := issued.Genesis.ContractID().String()

	assets, err := alice.ImportListAssets(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.Equal(t, id, assets[0].ID)

	// Bob learns the asset from its genesis.
	thin, err := bob.ImportAsset(ctx, bobRec.RgbTokensDescriptor,
		fn.NewLeft[transfer.GenesisSource, transfer.ContractIDSource](
			transfer.GenesisSource{Genesis: issued.Genesis.String()},
		),
	)
	require.NoError(t, err)
	require.Equal(t, id, thin.ID)
	require.Zero(t, thin.Balance)

	blinded, err := bob.SaveBlindedUtxo(ctx, testPassword,
		bobFunds.RecvAssets)
	require.NoError(t, err)

	resp, err := alice.SendTokens(ctx, &SendTokensRequest{
		BtcDescriptor:       aliceRec.BtcDescriptor,
		BtcChangeDescriptor: aliceRec.BtcChangeDescriptor,
		RgbTokensDescriptor: aliceRec.RgbTokensDescriptor,
		BlindedUtxo:         blinded.Conceal.String(),
		Amount:              300,
		ContractID:          id,
	})
	require.NoError(t, err)
	require.True(t, resp.Change.IsSome())

	require.NoError(t, bob.ValidateTransaction(ctx, resp.Consignment))

	// Bob finds the blinding factor in his receipts.
	receipts, err := bob.ListReceipts(testPassword)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, blinded, receipts[0])

	_, err = bob.ListReceipts("wrong")
	require.True(t, rgberr.Is(err, rgberr.AuthenticationError))

	received, err := bob.ImportAccept(
		ctx, bobRec.RgbTokensDescriptor, resp.Consignment,
		receipts[0].Utxo.Hash.String(), receipts[0].Utxo.Index,
		receipts[0].Blinding,
	)
	require.NoError(t, err)
	require.Equal(t, id, received.ID)
	require.EqualValues(t, 300, received.Balance)

	// Accepting twice is refused.
	_, err = bob.AcceptTransaction(
		ctx, bobRec.RgbTokensDescriptor, resp.Consignment,
		receipts[0].Utxo.Hash.String(), receipts[0].Utxo.Index,
		receipts[0].Blinding,
	)
	require.True(t, rgberr.Is(err, rgberr.ValidationError))
	require.ErrorIs(t, err, transfer.ErrAlreadyAccepted)

	remaining, err := alice.RefreshAsset(
		ctx, aliceRec.RgbTokensDescriptor, id,
	)
	require.NoError(t, err)
	require.EqualValues(t, 700, remaining.Balance)

	// The asset balance does not cover a second transfer of 800.
	_, err = alice.SendTokens(ctx, &SendTokensRequest{
		BtcDescriptor:       aliceRec.BtcDescriptor,
		BtcChangeDescriptor: aliceRec.BtcChangeDescriptor,
		RgbTokensDescriptor: aliceRec.RgbTokensDescriptor,
		BlindedUtxo:         blinded.Conceal.String(),
		Amount:              800,
		ContractID:          id,
	})
	require.True(t, rgberr.Is(err, rgberr.InsufficientAssetBalance))

	_, err = bob.AcceptTransaction(
		ctx, bobRec.RgbTokensDescriptor, resp.Consignment, "zz", 0, 1,
	)
	require.True(t, rgberr.Is(err, rgberr.FormatError))
}

// TestNewFromConfig tests that an instance opens its database in the
// network's data directory.
func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	b, err := NewFromConfig(cfg)
	require.NoError(t, err)

	path := filepath.Join(
		cfg.DataDir, cfg.ActiveNetParams.Name, vaultdb.DBFilename,
	)
	require.FileExists(t, path)
	require.NoError(t, b.Close())
}
