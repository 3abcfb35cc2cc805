package blinding

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/bitmask/vaultd/rgb"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// ConcealHRP is the human readable part of a textual concealed seal.
	ConcealHRP = "utxob"

	// concealTag is the BIP-340 style tag of the concealment hash.
	concealTag = "bitmask/utxo-conceal"
)

// ConcealedSeal is the one-way commitment to an outpoint and a blinding
// factor. It can be shared with a sender without revealing the outpoint.
type ConcealedSeal chainhash.Hash

// String returns the bech32 form of the seal, e.g. "utxob1...".
func (c ConcealedSeal) String() string {
	s, err := rgb.EncodeBech32(ConcealHRP, c[:])
	if err != nil {
		panic(err)
	}

	return s
}

// MarshalText encodes the seal in its textual form.
func (c ConcealedSeal) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes the textual form of a seal.
func (c *ConcealedSeal) UnmarshalText(text []byte) error {
	seal, err := ParseConceal(string(text))
	if err != nil {
		return err
	}
	*c = seal

	return nil
}

// ParseConceal parses the textual form of a concealed seal.
func ParseConceal(s string) (ConcealedSeal, error) {
	var seal ConcealedSeal

	data, err := rgb.DecodeBech32(ConcealHRP, s, len(seal))
	if err != nil {
		return seal, err
	}
	copy(seal[:], data)

	return seal, nil
}

// Conceal computes the concealed seal of an outpoint under a blinding factor.
// It is deterministic and one-way.
func Conceal(op wire.OutPoint, factor uint64) ConcealedSeal {
	var buf [chainhash.HashSize + 4 + 8]byte
	copy(buf[:chainhash.HashSize], op.Hash[:])
	binary.LittleEndian.PutUint32(buf[chainhash.HashSize:], op.Index)
	binary.LittleEndian.PutUint64(buf[chainhash.HashSize+4:], factor)

	return ConcealedSeal(*chainhash.TaggedHash([]byte(concealTag), buf[:]))
}

// Reveals reports whether op and factor are the pre-image of seal.
func Reveals(seal ConcealedSeal, op wire.OutPoint, factor uint64) bool {
	return Conceal(op, factor) == seal
}

// BlindedUtxo is the receiver side record of a blinded output: the outpoint,
// the blinding factor and the concealed seal to hand to the sender. The
// factor stays with the receiver until the transfer is accepted.
type BlindedUtxo struct {
	Conceal  ConcealedSeal
	Blinding uint64
	Utxo     wire.OutPoint
}

// Verify reports whether the record is internally consistent.
func (b *BlindedUtxo) Verify() bool {
	return Reveals(b.Conceal, b.Utxo, b.Blinding)
}

// blindedUtxoJSON is the wire form of a BlindedUtxo. The blinding factor is
// a decimal string so that it survives JSON number handling.
type blindedUtxoJSON struct {
	Conceal  string `json:"conceal"`
	Blinding string `json:"blinding"`
	Utxo     string `json:"utxo"`
}

// MarshalJSON encodes the record.
func (b BlindedUtxo) MarshalJSON() ([]byte, error) {
	return json.Marshal(&blindedUtxoJSON{
		Conceal:  b.Conceal.String(),
		Blinding: strconv.FormatUint(b.Blinding, 10),
		Utxo:     b.Utxo.String(),
	})
}

// UnmarshalJSON decodes and checks the record.
func (b *BlindedUtxo) UnmarshalJSON(data []byte) error {
	var raw blindedUtxoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return rgberr.Wrap(rgberr.FormatError, err)
	}

	seal, err := ParseConceal(raw.Conceal)
	if err != nil {
		return err
	}
	factor, err := strconv.ParseUint(raw.Blinding, 10, 64)
	if err != nil {
		return rgberr.Newf(rgberr.FormatError, "invalid blinding "+
			"factor: %v", err)
	}
	op, err := rgb.ParseOutpoint(raw.Utxo)
	if err != nil {
		return err
	}

	decoded := BlindedUtxo{Conceal: seal, Blinding: factor, Utxo: op}
	if !decoded.Verify() {
		return rgberr.Newf(rgberr.FormatError, "blinded utxo %v does "+
			"not match its concealed seal", op)
	}
	*b = decoded

	return nil
}

// Blinder creates blinded outputs. Its zero value draws factors from
// crypto/rand.
type Blinder struct {
	// Rand is the source of blinding factors. Nil means crypto/rand.
	Rand io.Reader
}

// NewBlinder returns a blinder drawing from r, or crypto/rand if r is nil.
func NewBlinder(r io.Reader) *Blinder {
	return &Blinder{Rand: r}
}

// Blind parses the textual outpoint, draws a fresh blinding factor and
// conceals the outpoint. Malformed input is rejected before any randomness is
// drawn.
func (b *Blinder) Blind(outpoint string) (*BlindedUtxo, error) {
	op, err := rgb.ParseOutpoint(outpoint)
	if err != nil {
		return nil, err
	}

	factor, err := b.factor()
	if err != nil {
		return nil, err
	}

	blinded := &BlindedUtxo{
		Conceal:  Conceal(op, factor),
		Blinding: factor,
		Utxo:     op,
	}

	log.Debugf("Blinded %v as %v", op, blinded.Conceal)

	return blinded, nil
}

// factor draws a random 64-bit blinding factor.
func (b *Blinder) factor() (uint64, error) {
	r := b.Rand
	if r == nil {
		r = rand.Reader
	}

	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("unable to draw blinding factor: %w", err)
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}
