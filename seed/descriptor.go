package seed

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// PurposeTaproot is the BIP-86 purpose used by every descriptor.
	PurposeTaproot = 86

	// AccountBtc is the account of the bitcoin spending and change
	// descriptors.
	AccountBtc = 0

	// AccountRgbTokens is the account holding the outputs fungible assets
	// are allocated to.
	AccountRgbTokens = 20

	// AccountRgbNfts is the account holding the outputs collectibles are
	// allocated to.
	AccountRgbNfts = 21

	// ChainExternal is the receive branch of an account.
	ChainExternal = 0

	// ChainInternal is the change branch of an account.
	ChainInternal = 1
)

// Descriptor is a single-key taproot output descriptor of the form
// tr(<xprv>/86'/<coin>'/<account>'/<chain>/*).
type Descriptor struct {
	// Root is the extended master private key.
	Root *hdkeychain.ExtendedKey

	CoinType uint32
	Account  uint32
	Chain    uint32
}

// NewDescriptor returns the descriptor of the given account and chain under
// root.
func NewDescriptor(root *hdkeychain.ExtendedKey, coinType, account,
	chain uint32) *Descriptor {

	return &Descriptor{
		Root:     root,
		CoinType: coinType,
		Account:  account,
		Chain:    chain,
	}
}

// String renders the descriptor.
func (d *Descriptor) String() string {
	return fmt.Sprintf("tr(%s/%d'/%d'/%d'/%d/*)", d.Root.String(),
		PurposeTaproot, d.CoinType, d.Account, d.Chain)
}

// Branch derives the extended key of the descriptor's chain, the parent of
// every key the descriptor expands to.
func (d *Descriptor) Branch() (*hdkeychain.ExtendedKey, error) {
	path := []uint32{
		hdkeychain.HardenedKeyStart + PurposeTaproot,
		hdkeychain.HardenedKeyStart + d.CoinType,
		hdkeychain.HardenedKeyStart + d.Account,
		d.Chain,
	}

	key := d.Root
	for _, idx := range path {
		var err error
		key, err = key.Derive(idx)
		if err != nil {
			return nil, err
		}
	}

	return key, nil
}

// BranchKey derives the private key at index of an already derived branch.
func BranchKey(branch *hdkeychain.ExtendedKey,
	index uint32) (*btcec.PrivateKey, error) {

	child, err := branch.Derive(index)
	if err != nil {
		return nil, err
	}

	return child.ECPrivKey()
}

// ParseDescriptor parses a descriptor produced by Descriptor.String. A
// trailing "#checksum" is ignored. The key must be a private key of the given
// network.
func ParseDescriptor(s string, params *chaincfg.Params) (*Descriptor, error) {
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}

	if !strings.HasPrefix(s, "tr(") || !strings.HasSuffix(s, ")") {
		return nil, rgberr.Newf(rgberr.FormatError,
			"descriptor is not a tr() descriptor")
	}
	parts := strings.Split(s[len("tr("):len(s)-1], "/")
	if len(parts) != 6 || parts[5] != "*" {
		return nil, rgberr.Newf(rgberr.FormatError,
			"descriptor path must be /86'/<coin>'/<account>'/<chain>/*")
	}

	root, err := hdkeychain.NewKeyFromString(parts[0])
	if err != nil {
		return nil, rgberr.Wrap(rgberr.FormatError, err)
	}
	if !root.IsPrivate() {
		return nil, rgberr.Newf(rgberr.FormatError,
			"descriptor key is not a private key")
	}
	if !root.IsForNet(params) {
		return nil, rgberr.Newf(rgberr.FormatError,
			"descriptor key is not for network %s", params.Name)
	}

	var path [4]uint32
	for i, elem := range parts[1:5] {
		hardened := strings.HasSuffix(elem, "'") ||
			strings.HasSuffix(elem, "h")
		if hardened != (i < 3) {
			return nil, rgberr.Newf(rgberr.FormatError,
				"unexpected hardening of path element %q",
				elem)
		}
		elem = strings.TrimRight(elem, "'h")

		idx, err := strconv.ParseUint(elem, 10, 31)
		if err != nil {
			return nil, rgberr.Newf(rgberr.FormatError,
				"invalid path element %q", elem)
		}
		path[i] = uint32(idx)
	}
	if path[0] != PurposeTaproot {
		return nil, rgberr.Newf(rgberr.FormatError,
			"unsupported purpose %d", path[0])
	}

	return NewDescriptor(root, path[1], path[2], path[3]), nil
}
