package seed

import (
	"encoding/hex"
	"errors"

	"github.com/bitmask/vaultd/rgberr"
	"github.com/bitmask/vaultd/vault"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

// entropyBits yields a 12 word mnemonic.
const entropyBits = 128

// ErrInvalidMnemonic is returned when a mnemonic has an unknown word or a bad
// checksum.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// Generate creates a new mnemonic and the vault record derived from it.
// seedPassword is the optional BIP-39 passphrase, not the vault password.
func Generate(seedPassword string,
	params *chaincfg.Params) (string, *vault.Record, error) {

	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return "", nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, err
	}

	rec, err := Import(mnemonic, seedPassword, params)
	if err != nil {
		return "", nil, err
	}

	return mnemonic, rec, nil
}

// Import derives the vault record of an existing mnemonic.
func Import(mnemonic, seedPassword string,
	params *chaincfg.Params) (*vault.Record, error) {

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, seedPassword)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.FormatError, ErrInvalidMnemonic)
	}

	return RecordFromSeed(seed, params)
}

// RecordFromSeed derives the four descriptors and the pubkey hash from a
// BIP-32 seed.
func RecordFromSeed(seed []byte, params *chaincfg.Params) (*vault.Record,
	error) {

	root, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, err
	}
	rootPub, err := root.ECPubKey()
	if err != nil {
		return nil, err
	}

	coin := params.HDCoinType
	rec := &vault.Record{
		BtcDescriptor: NewDescriptor(
			root, coin, AccountBtc, ChainExternal,
		).String(),
		BtcChangeDescriptor: NewDescriptor(
			root, coin, AccountBtc, ChainInternal,
		).String(),
		RgbTokensDescriptor: NewDescriptor(
			root, coin, AccountRgbTokens, ChainExternal,
		).String(),
		RgbNftsDescriptor: NewDescriptor(
			root, coin, AccountRgbNfts, ChainExternal,
		).String(),
		PubKeyHash: hex.EncodeToString(
			btcutil.Hash160(rootPub.SerializeCompressed()),
		),
	}

	log.Debugf("Derived descriptors for seed %s on %s", rec.PubKeyHash,
		params.Name)

	return rec, nil
}
