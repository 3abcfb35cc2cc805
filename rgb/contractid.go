package rgb

import (
	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ContractIDHRP is the human readable part of a textual contract id.
const ContractIDHRP = "rgb"

// ContractID identifies an asset contract. It commits to the contract's
// genesis.
type ContractID chainhash.Hash

// String returns the bech32 form of the id, e.g. "rgb1g2an...".
func (c ContractID) String() string {
	s, err := encodeBech32(ContractIDHRP, c[:])
	if err != nil {
		// Encoding 32 bytes under a short, valid HRP cannot fail.
		panic(err)
	}

	return s
}

// ParseContractID parses the bech32 textual form of a contract id.
func ParseContractID(s string) (ContractID, error) {
	var id ContractID

	data, err := decodeBech32(ContractIDHRP, s, len(id))
	if err != nil {
		return id, err
	}
	copy(id[:], data)

	return id, nil
}

// encodeBech32 encodes data as bech32 under the given HRP.
func encodeBech32(hrp string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", err
	}

	return bech32.Encode(hrp, conv)
}

// decodeBech32 decodes a bech32 or bech32m string, checks the HRP and that
// the payload has exactly size bytes.
func decodeBech32(hrp, s string, size int) ([]byte, error) {
	gotHRP, conv, _, err := bech32.DecodeGeneric(s)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.FormatError, err)
	}
	if gotHRP != hrp {
		return nil, rgberr.Newf(rgberr.FormatError,
			"unexpected prefix %q, want %q", gotHRP, hrp)
	}

	data, err := bech32.ConvertBits(conv, 5, 8, false)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.FormatError, err)
	}
	if len(data) != size {
		return nil, rgberr.Newf(rgberr.FormatError,
			"payload is %d bytes, want %d", len(data), size)
	}

	return data, nil
}

// EncodeBech32 exposes the bech32 encoding used for contract ids to sibling
// packages that render other 32-byte commitments.
func EncodeBech32(hrp string, data []byte) (string, error) {
	return encodeBech32(hrp, data)
}

// DecodeBech32 is the inverse of EncodeBech32.
func DecodeBech32(hrp, s string, size int) ([]byte, error) {
	return decodeBech32(hrp, s, size)
}
