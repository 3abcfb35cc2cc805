package vault

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/bitmask/vaultd/rgberr"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of a vault key.
const KeySize = 32

// Key is the symmetric key protecting a vault.
type Key [KeySize]byte

// DeriveKey turns a password into a vault key. The derivation is the plain
// SHA-256 of the password bytes, without a salt, so a vault can be unlocked
// from the password alone.
func DeriveKey(password string) Key {
	return sha256.Sum256([]byte(password))
}

// minSealedSize is the size of a sealed empty payload: the nonce plus the
// authentication tag.
const minSealedSize = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Seal encrypts payload under key. We use a 24-byte XChaCha20-Poly1305 AEAD
// instance with a random nonce that is prepended to the ciphertext and used as
// associated data.
func Seal(key Key, payload []byte) ([]byte, error) {
	// Note that we use NewX, not New, as the latter version requires a
	// 12-byte nonce, not a 24-byte nonce.
	cipher, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(nonce)+len(payload)+cipher.Overhead())
	sealed = append(sealed, nonce[:]...)

	return cipher.Seal(sealed, nonce[:], payload, nonce[:]), nil
}

// Open reverses Seal. A blob too short to hold a nonce and a tag is a
// FormatError, a blob that fails authentication is an AuthenticationError.
func Open(key Key, sealed []byte) ([]byte, error) {
	if len(sealed) < minSealedSize {
		return nil, rgberr.Newf(rgberr.FormatError, "sealed payload "+
			"size too small, must be at least %v bytes",
			minSealedSize)
	}

	cipher, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ciphertext := sealed[chacha20poly1305.NonceSizeX:]

	plaintext, err := cipher.Open(nil, nonce, ciphertext, nonce)
	if err != nil {
		return nil, rgberr.New(rgberr.AuthenticationError,
			ErrAuthentication)
	}

	return plaintext, nil
}
