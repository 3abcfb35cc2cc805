package rgb

import (
	"strings"
	"testing"

	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testTxid = strings.Repeat("aa", 32)

// TestParseOutpoint exercises valid and malformed textual outpoints.
func TestParseOutpoint(t *testing.T) {
	t.Parallel()

	op, err := ParseOutpoint(testTxid + ":7")
	require.NoError(t, err)
	require.EqualValues(t, 7, op.Index)
	require.Equal(t, testTxid+":7", op.String())

	badInputs := []string{
		"",
		testTxid,
		testTxid + ":",
		testTxid + ":-1",
		testTxid + ": 1",
		testTxid + ":4294967296",
		strings.Repeat("zz", 32) + ":0",
		strings.Repeat("aa", 31) + ":0",
		testTxid + ":0:1",
	}
	for _, in := range badInputs {
		_, err := ParseOutpoint(in)
		require.Error(t, err, in)
		require.True(t, rgberr.Is(err, rgberr.FormatError), in)
	}
}

// TestOutpointStringRoundTrip checks that the textual form round trips for
// arbitrary outpoints.
func TestOutpointStringRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		var hash chainhash.Hash
		copy(hash[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "hash"))
		op := wire.OutPoint{
			Hash:  hash,
			Index: rapid.Uint32().Draw(t, "index"),
		}

		parsed, err := ParseOutpoint(op.String())
		require.NoError(t, err)
		require.Equal(t, op, parsed)
	})
}

// TestContractIDRoundTrip checks the bech32 form of contract ids, including
// an id in the format produced by existing RGB nodes.
func TestContractIDRoundTrip(t *testing.T) {
	t.Parallel()

	var id ContractID
	for i := range id {
		id[i] = byte(i)
	}

	parsed, err := ParseContractID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
	require.True(t, strings.HasPrefix(id.String(), "rgb1"))

	_, err = ParseContractID("utxob1qqqsyqcyq5rqwzqfpg9scrgwpugpzysnzs23v9ccrydpk8qarc0sne7ekz")
	require.True(t, rgberr.Is(err, rgberr.FormatError))

	_, err = ParseContractID("not-bech32")
	require.True(t, rgberr.Is(err, rgberr.FormatError))
}

// TestThinAssetBalance checks that the balance is the sum of allocations on
// unspent outputs, and zero when nothing matches.
func TestThinAssetBalance(t *testing.T) {
	t.Parallel()

	unspent, err := ParseOutpoint(testTxid + ":0")
	require.NoError(t, err)
	spent, err := ParseOutpoint(testTxid + ":1")
	require.NoError(t, err)

	desc := "test asset"
	asset := &Asset{
		ID:          "rgb1test",
		Ticker:      "TST",
		Name:        "Test",
		Description: &desc,
		KnownAllocations: []Allocation{
			{Outpoint: unspent.String(), RevealedAmount: RevealedAmount{Value: 600}},
			{Outpoint: spent.String(), RevealedAmount: RevealedAmount{Value: 400}},
			{Outpoint: "garbage", RevealedAmount: RevealedAmount{Value: 9}},
			{Outpoint: unspent.String(), RevealedAmount: RevealedAmount{Value: 50}},
		},
	}

	thin := NewThinAsset(asset.ID, asset, []wire.OutPoint{unspent})
	require.Equal(t, uint64(650), thin.Balance)
	require.Len(t, thin.Allocations, 2)
	require.Equal(t, desc, thin.Description)

	empty := NewThinAsset(asset.ID, asset, nil)
	require.Zero(t, empty.Balance)
	require.NotNil(t, empty.Allocations)
	require.Empty(t, empty.Allocations)

	noAllocs := NewThinAsset("id", &Asset{}, []wire.OutPoint{unspent})
	require.Zero(t, noAllocs.Balance)
}

// TestThinAssetBalanceInvariant checks the balance invariant on random
// allocation sets.
func TestThinAssetBalanceInvariant(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(t, "n")

		var (
			asset   Asset
			unspent []wire.OutPoint
			want    uint64
		)
		for i := 0; i < n; i++ {
			op := wire.OutPoint{Index: uint32(i)}
			amt := rapid.Uint64Range(0, 1<<40).Draw(t, "amt")
			asset.KnownAllocations = append(
				asset.KnownAllocations, Allocation{
					Outpoint: op.String(),
					RevealedAmount: RevealedAmount{
						Value: amt,
					},
				},
			)

			if rapid.Bool().Draw(t, "unspent") {
				unspent = append(unspent, op)
				want += amt
			}
		}

		thin := NewThinAsset("x", &asset, unspent)
		require.Equal(t, want, thin.Balance)
		require.Len(t, thin.Allocations, len(unspent))
	})
}
