package walletview

import (
	"sync"

	"github.com/bitmask/vaultd/seed"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// derivedKey is one expanded key of a descriptor.
type derivedKey struct {
	index    uint32
	priv     *btcec.PrivateKey
	addr     btcutil.Address
	pkScript []byte
}

// keyChain lazily expands a descriptor into keys, caching what it derived.
type keyChain struct {
	desc   *seed.Descriptor
	branch *hdkeychain.ExtendedKey
	params *chaincfg.Params

	mu   sync.Mutex
	keys []*derivedKey
}

// newKeyChain parses a descriptor and derives its branch key.
func newKeyChain(descriptor string, params *chaincfg.Params) (*keyChain,
	error) {

	desc, err := seed.ParseDescriptor(descriptor, params)
	if err != nil {
		return nil, err
	}
	branch, err := desc.Branch()
	if err != nil {
		return nil, err
	}

	return &keyChain{
		desc:   desc,
		branch: branch,
		params: params,
	}, nil
}

// key returns the key at index, deriving every missing key below it.
func (k *keyChain) key(index uint32) (*derivedKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for uint32(len(k.keys)) <= index {
		next := uint32(len(k.keys))

		priv, err := seed.BranchKey(k.branch, next)
		if err != nil {
			return nil, err
		}
		addr, pkScript, err := TaprootAddress(priv.PubKey(), k.params)
		if err != nil {
			return nil, err
		}

		k.keys = append(k.keys, &derivedKey{
			index:    next,
			priv:     priv,
			addr:     addr,
			pkScript: pkScript,
		})
	}

	return k.keys[index], nil
}

// TaprootAddress returns the BIP-86 key spend only address of an internal
// key, together with its output script.
func TaprootAddress(internal *btcec.PublicKey,
	params *chaincfg.Params) (btcutil.Address, []byte, error) {

	outputKey := txscript.ComputeTaprootKeyNoScript(internal)
	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(outputKey), params,
	)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}

	return addr, pkScript, nil
}
