package rgb

import (
	"strconv"
	"strings"

	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ParseOutpoint parses the "<64 hex txid>:<decimal vout>" textual form of a
// transaction output reference. Any deviation is reported as a FormatError.
func ParseOutpoint(s string) (wire.OutPoint, error) {
	txidStr, voutStr, ok := strings.Cut(s, ":")
	if !ok {
		return wire.OutPoint{}, rgberr.Newf(rgberr.FormatError,
			"outpoint %q is missing the :vout suffix", s)
	}

	if len(txidStr) != chainhash.MaxHashStringSize {
		return wire.OutPoint{}, rgberr.Newf(rgberr.FormatError,
			"outpoint txid must be %d hex chars, got %d",
			chainhash.MaxHashStringSize, len(txidStr))
	}

	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return wire.OutPoint{}, rgberr.Wrap(rgberr.FormatError, err)
	}

	// ParseUint accepts neither signs nor whitespace, which is what we
	// want for the decimal vout.
	vout, err := strconv.ParseUint(voutStr, 10, 32)
	if err != nil {
		return wire.OutPoint{}, rgberr.Newf(rgberr.FormatError,
			"invalid vout %q: %v", voutStr, err)
	}

	return wire.OutPoint{Hash: *txid, Index: uint32(vout)}, nil
}

// OutpointSet is a lookup set of outpoints, typically the unspent outputs of a
// wallet view.
type OutpointSet map[wire.OutPoint]struct{}

// NewOutpointSet builds a set from a list of outpoints.
func NewOutpointSet(ops ...wire.OutPoint) OutpointSet {
	set := make(OutpointSet, len(ops))
	for _, op := range ops {
		set[op] = struct{}{}
	}

	return set
}

// Contains reports whether op is in the set.
func (s OutpointSet) Contains(op wire.OutPoint) bool {
	_, ok := s[op]
	return ok
}

// ContainsString reports whether the textual outpoint parses and is in the
// set. Unparsable input is simply not contained.
func (s OutpointSet) ContainsString(op string) bool {
	parsed, err := ParseOutpoint(op)
	if err != nil {
		return false
	}

	return s.Contains(parsed)
}
