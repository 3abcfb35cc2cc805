package vault

import (
	"encoding/hex"
	"testing"

	"github.com/bitmask/vaultd/rgberr"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testRecord() *Record {
	return &Record{
		BtcDescriptor:       "tr(tprv8Z.../86'/1'/0'/0/*)",
		BtcChangeDescriptor: "tr(tprv8Z.../86'/1'/0'/1/*)",
		RgbTokensDescriptor: "tr(tprv8Z.../86'/1'/20'/0/*)",
		RgbNftsDescriptor:   "tr(tprv8Z.../86'/1'/21'/0/*)",
		PubKeyHash:          "a07ba1b5b3a0e5d4ef4f1ff0f0ac2e5e1a0a47f8",
	}
}

// TestVaultRoundTrip tests that a record encrypted under a password decrypts
// back to itself with the same password.
func TestVaultRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		r := &Record{
			BtcDescriptor:       rapid.String().Draw(t, "btc"),
			BtcChangeDescriptor: rapid.String().Draw(t, "change"),
			RgbTokensDescriptor: rapid.String().Draw(t, "tokens"),
			RgbNftsDescriptor:   rapid.String().Draw(t, "nfts"),
			PubKeyHash:          rapid.String().Draw(t, "pkh"),
		}
		key := DeriveKey(rapid.String().Draw(t, "password"))

		blob, err := Encrypt(r, key)
		require.NoError(t, err)

		got, err := Decrypt(blob, key)
		require.NoError(t, err)
		require.Equal(t, r, got)
	})
}

// TestVaultWrongPassword tests that a wrong password yields an
// AuthenticationError and no record.
func TestVaultWrongPassword(t *testing.T) {
	t.Parallel()

	blob, err := Encrypt(testRecord(), DeriveKey("correct horse"))
	require.NoError(t, err)

	got, err := Decrypt(blob, DeriveKey("battery staple"))
	require.Nil(t, got)
	require.True(t, rgberr.Is(err, rgberr.AuthenticationError))
	require.ErrorIs(t, err, ErrAuthentication)
}

// TestVaultTampered tests that flipping any byte of the sealed vault is
// detected.
func TestVaultTampered(t *testing.T) {
	t.Parallel()

	key := DeriveKey("pw")
	blob, err := Encrypt(testRecord(), key)
	require.NoError(t, err)

	for i := range blob {
		tampered := append(EncryptedVault(nil), blob...)
		tampered[i] ^= 0x01

		_, err := Decrypt(tampered, key)
		require.Truef(
			t, rgberr.Is(err, rgberr.AuthenticationError),
			"byte %d: %v", i, err,
		)
	}
}

// TestVaultTooShort tests that blobs that cannot hold a nonce and a tag are
// rejected as malformed.
func TestVaultTooShort(t *testing.T) {
	t.Parallel()

	key := DeriveKey("pw")
	for _, size := range []int{0, 1, 24, minSealedSize - 1} {
		_, err := Decrypt(make(EncryptedVault, size), key)
		require.True(t, rgberr.Is(err, rgberr.FormatError))
	}
}

// TestVaultMalformedPlaintext tests that an authentic payload that is not a
// complete record is a FormatError.
func TestVaultMalformedPlaintext(t *testing.T) {
	t.Parallel()

	key := DeriveKey("pw")

	// Type 1 claims a length far beyond the payload.
	blob, err := Seal(key, []byte{0x01, 0xfd, 0xff, 0xff})
	require.NoError(t, err)
	_, err = Decrypt(blob, key)
	require.True(t, rgberr.Is(err, rgberr.FormatError))

	// A record of 2^62 bytes is refused before allocating.
	blob, err = Seal(key, []byte{0x01, 0xff, 0x40, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	_, err = Decrypt(blob, key)
	require.True(t, rgberr.Is(err, rgberr.FormatError))

	// A well formed stream that lacks the pubkey hash.
	blob, err = Seal(key, []byte{0x01, 0x01, 'a'})
	require.NoError(t, err)
	_, err = Decrypt(blob, key)
	require.True(t, rgberr.Is(err, rgberr.FormatError))
	require.ErrorIs(t, err, ErrIncompleteRecord)
}

// TestDeriveKeyDeterministic tests that key derivation depends only on the
// password.
func TestDeriveKeyDeterministic(t *testing.T) {
	t.Parallel()

	require.Equal(t, DeriveKey("abc"), DeriveKey("abc"))
	require.NotEqual(t, DeriveKey("abc"), DeriveKey("abd"))

	// sha256("") is the well known constant.
	empty := DeriveKey("")
	require.Equal(
		t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		hex.EncodeToString(empty[:]),
	)
}
