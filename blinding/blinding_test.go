package blinding

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/bitmask/vaultd/rgb"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testOutpoint = strings.Repeat("aa", 32) + ":0"

// failingReader fails every read and counts the attempts.
type failingReader struct {
	reads int
}

func (f *failingReader) Read([]byte) (int, error) {
	f.reads++
	return 0, errors.New("entropy source exhausted")
}

// TestBlindTwice blinds the same outpoint twice and expects two distinct
// seals and factors, each verifying against the outpoint.
func TestBlindTwice(t *testing.T) {
	t.Parallel()

	blinder := NewBlinder(nil)

	b1, err := blinder.Blind(testOutpoint)
	require.NoError(t, err)
	b2, err := blinder.Blind(testOutpoint)
	require.NoError(t, err)

	require.NotEqual(t, b1.Blinding, b2.Blinding)
	require.NotEqual(t, b1.Conceal, b2.Conceal)
	require.Equal(t, b1.Utxo, b2.Utxo)
	require.Equal(t, testOutpoint, b1.Utxo.String())

	require.True(t, b1.Verify())
	require.True(t, b2.Verify())
	require.True(t, Reveals(b1.Conceal, b1.Utxo, b1.Blinding))
	require.False(t, Reveals(b1.Conceal, b1.Utxo, b2.Blinding))
}

// TestBlindMalformedNoRandomness tests that malformed input fails with a
// FormatError before the randomness source is touched.
func TestBlindMalformedNoRandomness(t *testing.T) {
	t.Parallel()

	reader := &failingReader{}
	blinder := NewBlinder(reader)

	for _, in := range []string{"not-an-outpoint", "", "zz:0"} {
		_, err := blinder.Blind(in)
		require.True(t, rgberr.Is(err, rgberr.FormatError), in)
	}
	require.Zero(t, reader.reads)

	// A well formed outpoint does reach the reader.
	_, err := blinder.Blind(testOutpoint)
	require.Error(t, err)
	require.False(t, rgberr.Is(err, rgberr.FormatError))
	require.Equal(t, 1, reader.reads)
}

// TestBlindDeterministicReader tests that the factor comes from the reader.
func TestBlindDeterministicReader(t *testing.T) {
	t.Parallel()

	entropy := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	b, err := NewBlinder(bytes.NewReader(entropy)).Blind(testOutpoint)
	require.NoError(t, err)
	require.EqualValues(t, 1, b.Blinding)

	op, err := rgb.ParseOutpoint(testOutpoint)
	require.NoError(t, err)
	require.Equal(t, Conceal(op, 1), b.Conceal)
}

// TestConcealProperties tests determinism and sensitivity of the
// concealment to every part of its pre-image.
func TestConcealProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		var hash chainhash.Hash
		copy(hash[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "txid"))
		op := wire.OutPoint{
			Hash:  hash,
			Index: rapid.Uint32().Draw(t, "vout"),
		}
		factor := rapid.Uint64().Draw(t, "factor")

		seal := Conceal(op, factor)
		require.Equal(t, seal, Conceal(op, factor))
		require.NotEqual(t, seal, Conceal(op, factor+1))

		other := op
		other.Index++
		require.NotEqual(t, seal, Conceal(other, factor))

		parsed, err := ParseConceal(seal.String())
		require.NoError(t, err)
		require.Equal(t, seal, parsed)
	})
}

// TestBlindedUtxoJSON tests the wire form of a blinded output.
func TestBlindedUtxoJSON(t *testing.T) {
	t.Parallel()

	b, err := NewBlinder(nil).Blind(testOutpoint)
	require.NoError(t, err)

	raw, err := json.Marshal(b)
	require.NoError(t, err)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(raw, &fields))
	require.Equal(t, testOutpoint, fields["utxo"])
	require.True(t, strings.HasPrefix(fields["conceal"], "utxob1"))

	var decoded BlindedUtxo
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, *b, decoded)

	// A record whose seal does not match is refused.
	fields["blinding"] = "1"
	if b.Blinding == 1 {
		fields["blinding"] = "2"
	}
	raw, err = json.Marshal(fields)
	require.NoError(t, err)
	err = json.Unmarshal(raw, &decoded)
	require.True(t, rgberr.Is(err, rgberr.FormatError))
}

// TestParseConcealErrors tests malformed concealed seals.
func TestParseConcealErrors(t *testing.T) {
	t.Parallel()

	var id rgb.ContractID
	wrongHRP := id.String()

	for _, in := range []string{"", "utxob1", "utxob1qqqq", wrongHRP} {
		_, err := ParseConceal(in)
		require.True(t, rgberr.Is(err, rgberr.FormatError), in)
	}
}
