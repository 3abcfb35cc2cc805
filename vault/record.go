package vault

import (
	"bytes"
	"errors"

	"github.com/bitmask/vaultd/rgberr"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// ErrAuthentication is the cause of the AuthenticationError returned
	// when a vault is opened with the wrong key or was tampered with.
	ErrAuthentication = errors.New("vault authentication failed: wrong " +
		"password or corrupted data")

	// ErrIncompleteRecord is returned when an authenticated vault lacks one
	// of the record fields.
	ErrIncompleteRecord = errors.New("vault record is incomplete")
)

const (
	typeBtcDescriptor       tlv.Type = 1
	typeBtcChangeDescriptor tlv.Type = 2
	typeRgbTokensDescriptor tlv.Type = 3
	typeRgbNftsDescriptor   tlv.Type = 4
	typePubKeyHash          tlv.Type = 5
)

// Record is the secret content of a vault: the wallet descriptors derived from
// one seed and the identifier of that seed. A Record is a value; it is never
// mutated once decrypted.
type Record struct {
	BtcDescriptor       string `json:"btcDescriptor"`
	BtcChangeDescriptor string `json:"btcChangeDescriptor"`
	RgbTokensDescriptor string `json:"rgbTokensDescriptor"`
	RgbNftsDescriptor   string `json:"rgbNftsDescriptor"`
	PubKeyHash          string `json:"pubkeyHash"`
}

// EncryptedVault is the opaque persisted form of a Record.
type EncryptedVault []byte

// encode serializes the record as a TLV stream.
func (r *Record) encode() ([]byte, error) {
	var (
		btc       = []byte(r.BtcDescriptor)
		btcChange = []byte(r.BtcChangeDescriptor)
		tokens    = []byte(r.RgbTokensDescriptor)
		nfts      = []byte(r.RgbNftsDescriptor)
		pkh       = []byte(r.PubKeyHash)
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeBtcDescriptor, &btc),
		tlv.MakePrimitiveRecord(typeBtcChangeDescriptor, &btcChange),
		tlv.MakePrimitiveRecord(typeRgbTokensDescriptor, &tokens),
		tlv.MakePrimitiveRecord(typeRgbNftsDescriptor, &nfts),
		tlv.MakePrimitiveRecord(typePubKeyHash, &pkh),
	)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeRecord parses a TLV stream into a record. All five fields must be
// present.
func decodeRecord(raw []byte) (*Record, error) {
	var btc, btcChange, tokens, nfts, pkh []byte

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeBtcDescriptor, &btc),
		tlv.MakePrimitiveRecord(typeBtcChangeDescriptor, &btcChange),
		tlv.MakePrimitiveRecord(typeRgbTokensDescriptor, &tokens),
		tlv.MakePrimitiveRecord(typeRgbNftsDescriptor, &nfts),
		tlv.MakePrimitiveRecord(typePubKeyHash, &pkh),
	)
	if err != nil {
		return nil, err
	}

	// Descriptors are short, the P2P variant caps each record at 64 KiB.
	parsed, err := stream.DecodeWithParsedTypesP2P(bytes.NewReader(raw))
	if err != nil {
		return nil, rgberr.Wrap(rgberr.FormatError, err)
	}

	for _, typ := range []tlv.Type{
		typeBtcDescriptor, typeBtcChangeDescriptor,
		typeRgbTokensDescriptor, typeRgbNftsDescriptor,
		typePubKeyHash,
	} {
		if _, ok := parsed[typ]; !ok {
			return nil, rgberr.Wrap(
				rgberr.FormatError, ErrIncompleteRecord,
			)
		}
	}

	return &Record{
		BtcDescriptor:       string(btc),
		BtcChangeDescriptor: string(btcChange),
		RgbTokensDescriptor: string(tokens),
		RgbNftsDescriptor:   string(nfts),
		PubKeyHash:          string(pkh),
	}, nil
}

// Encrypt serializes and encrypts the record under key.
func Encrypt(r *Record, key Key) (EncryptedVault, error) {
	plaintext, err := r.encode()
	if err != nil {
		return nil, err
	}

	sealed, err := Seal(key, plaintext)
	if err != nil {
		return nil, err
	}

	log.Tracef("Encrypted vault record into %d bytes", len(sealed))

	return sealed, nil
}

// Decrypt authenticates and decrypts an encrypted vault. It fails closed:
// either the complete record is returned, or an AuthenticationError /
// FormatError.
func Decrypt(blob EncryptedVault, key Key) (*Record, error) {
	plaintext, err := Open(key, blob)
	if err != nil {
		log.Debugf("Unable to open vault of %d bytes: %v", len(blob),
			err)

		return nil, err
	}

	return decodeRecord(plaintext)
}
