package contract

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bitmask/vaultd/blinding"
	"github.com/bitmask/vaultd/rgb"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var (
	testTime = time.Unix(1700000000, 0)

	issueOutpoint = strings.Repeat("11", 32) + ":0"
)

func newTestEngine() *Engine {
	return NewEngine(&Config{
		Params: &chaincfg.RegressionNetParams,
		Clock:  clock.NewTestClock(testTime),
	})
}

func issueRequest() *IssueRequest {
	return &IssueRequest{
		Ticker:      "TEST",
		Name:        "Test asset",
		Description: "issued in a test",
		Precision:   8,
		Supply:      1000,
		Outpoint:    issueOutpoint,
	}
}

// anchorFor builds an anchor transaction spending the transition's inputs,
// committing to it and paying a change output at vout 1.
func anchorFor(t *testing.T, tr *Transition) *wire.MsgTx {
	t.Helper()

	commitment, err := tr.CommitmentScript()
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	for _, op := range tr.Inputs {
		op := op
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(0, commitment))
	tx.AddTxOut(wire.NewTxOut(613, []byte{0x51}))

	return tx
}

// TestIssue issues 1000 units on an outpoint and expects exactly one
// allocation of the whole supply on it.
func TestIssue(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	g, values, err := e.Issue(issueRequest())
	require.NoError(t, err)

	require.Len(t, values, 1)
	require.EqualValues(t, 1000, values[0].Amount)
	require.Equal(t, issueOutpoint, values[0].Outpoint.String())

	asset := g.Asset()
	require.Equal(t, g.ContractID().String(), asset.ID)
	require.True(t, strings.HasPrefix(asset.ID, "rgb1"))
	require.Equal(t, "TEST", asset.Ticker)
	require.EqualValues(t, 1000, asset.KnownCirculating)
	require.EqualValues(t, 8, asset.DecimalPrecision)
	require.Equal(t, "2023-11-14T22:13:20Z", asset.Date)
	require.Len(t, asset.KnownAllocations, 1)
	require.Equal(t, issueOutpoint, asset.KnownAllocations[0].Outpoint)
	require.EqualValues(
		t, 1000, asset.KnownAllocations[0].RevealedAmount.Value,
	)

	require.NoError(t, e.Validate(NewConsignment(g)))

	parsed, err := rgb.ParseContractID(asset.ID)
	require.NoError(t, err)
	require.Equal(t, g.ContractID(), parsed)
}

// TestIssueErrors tests the rejection of invalid issuance parameters.
func TestIssueErrors(t *testing.T) {
	t.Parallel()

	e := newTestEngine()

	cases := []struct {
		name   string
		mutate func(*IssueRequest)
		code   rgberr.Code
		cause  error
	}{
		{"bad outpoint", func(r *IssueRequest) {
			r.Outpoint = "nope"
		}, rgberr.IssuanceError, nil},
		{"empty ticker", func(r *IssueRequest) {
			r.Ticker = ""
		}, rgberr.IssuanceError, ErrEmptyTicker},
		{"empty name", func(r *IssueRequest) {
			r.Name = ""
		}, rgberr.IssuanceError, ErrEmptyName},
		{"precision", func(r *IssueRequest) {
			r.Precision = MaxPrecision + 1
		}, rgberr.IssuanceError, ErrPrecision},
		{"zero supply", func(r *IssueRequest) {
			r.Supply = 0
		}, rgberr.IssuanceError, ErrZeroSupply},
	}
	for _, c := range cases {
		req := issueRequest()
		c.mutate(req)

		_, _, err := e.Issue(req)
		require.True(t, rgberr.Is(err, c.code), c.name)
		if c.cause != nil {
			require.ErrorIs(t, err, c.cause, c.name)
		}
	}

	// The parse failure of the outpoint stays visible as the cause.
	req := issueRequest()
	req.Outpoint = "nope"
	_, _, err := e.Issue(req)
	require.True(t, rgberr.Is(errors.Unwrap(err), rgberr.FormatError))
}

// transferFixture issues an asset and transfers part of it to a concealed
// seal.
type transferFixture struct {
	engine      *Engine
	genesis     *Genesis
	transition  *Transition
	anchor      *wire.MsgTx
	consignment *Consignment
	receiver    wire.OutPoint
	factor      uint64
}

func newTransferFixture(t *testing.T, amount uint64) *transferFixture {
	t.Helper()

	e := newTestEngine()
	g, values, err := e.Issue(issueRequest())
	require.NoError(t, err)

	receiver, err := rgb.ParseOutpoint(strings.Repeat("22", 32) + ":3")
	require.NoError(t, err)
	blinded, err := blinding.NewBlinder(nil).Blind(receiver.String())
	require.NoError(t, err)

	tr, change, err := e.PrepareTransition(&TransitionRequest{
		ContractID:  g.ContractID(),
		Inputs:      values,
		Amount:      amount,
		Beneficiary: blinded.Conceal,
		ChangeVout:  1,
	})
	require.NoError(t, err)
	if amount < 1000 {
		require.NotNil(t, change)
		require.EqualValues(t, 1000-amount, change.Amount)
	} else {
		require.Nil(t, change)
	}

	anchor := anchorFor(t, tr)
	c, err := e.Consign(NewConsignment(g), tr, anchor)
	require.NoError(t, err)
	require.Equal(t, []blinding.ConcealedSeal{blinded.Conceal}, c.Endpoints)

	return &transferFixture{
		engine:      e,
		genesis:     g,
		transition:  tr,
		anchor:      anchor,
		consignment: c,
		receiver:    receiver,
		factor:      blinded.Blinding,
	}
}

// TestTransferValidateReveal runs a transfer through validation and reveal.
func TestTransferValidateReveal(t *testing.T) {
	t.Parallel()

	f := newTransferFixture(t, 300)
	e := f.engine

	// The transport form survives a round trip.
	parsed, err := ParseConsignment(f.consignment.String())
	require.NoError(t, err)
	require.Equal(t, f.consignment.ID(), parsed.ID())
	require.NoError(t, e.Validate(parsed))

	// Before the reveal only the sender's change resolves.
	values, err := e.Allocations(parsed)
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.EqualValues(t, 700, values[0].Amount)
	require.Equal(t, wire.OutPoint{
		Hash: f.anchor.TxHash(), Index: 1,
	}, values[0].Outpoint)

	revealed, owned, err := e.Reveal(parsed, f.receiver, f.factor)
	require.NoError(t, err)
	require.EqualValues(t, 300, owned.Amount)
	require.Equal(t, f.receiver, owned.Outpoint)
	require.Equal(t, f.transition.ID(), owned.NodeID)

	// Revealing keeps the ids and the validity, and leaves the input
	// untouched.
	require.Equal(t, parsed.ID(), revealed.ID())
	require.NoError(t, e.Validate(revealed))
	require.Equal(t, SealConcealed,
		parsed.Bundles[0].Transition.Assignments[0].Seal.Kind)

	asset, err := e.Asset(revealed)
	require.NoError(t, err)
	require.Len(t, asset.KnownAllocations, 2)

	var total uint64
	for _, a := range asset.KnownAllocations {
		total += a.RevealedAmount.Value
	}
	require.EqualValues(t, 1000, total)

	// A wrong factor matches no endpoint.
	_, _, err = e.Reveal(parsed, f.receiver, f.factor+1)
	require.True(t, rgberr.Is(err, rgberr.ValidationError))
	require.ErrorIs(t, err, ErrNoMatchingEndpoint)
}

// TestTransferWholeSupply tests a transfer without remainder.
func TestTransferWholeSupply(t *testing.T) {
	t.Parallel()

	f := newTransferFixture(t, 1000)
	require.Len(t, f.transition.Assignments, 1)

	values, err := f.engine.Allocations(f.consignment)
	require.NoError(t, err)
	require.Empty(t, values)
}

// TestValidateRejects tests that tampered consignments fail validation.
func TestValidateRejects(t *testing.T) {
	t.Parallel()

	f := newTransferFixture(t, 300)

	cases := []struct {
		name   string
		mutate func(c *Consignment)
		cause  error
	}{{
		name: "inflated amount",
		mutate: func(c *Consignment) {
			c.Bundles[0].Transition.Assignments[0].Amount++
		},
		cause: ErrMissingCommitment,
	}, {
		name: "commitment removed",
		mutate: func(c *Consignment) {
			c.Bundles[0].Anchor.TxOut[0].PkScript = []byte{0x51}
		},
		cause: ErrMissingCommitment,
	}, {
		name: "anchor spends something else",
		mutate: func(c *Consignment) {
			c.Bundles[0].Anchor.TxIn[0].PreviousOutPoint.Index = 9
		},
		cause: ErrAnchorInputs,
	}, {
		name: "unknown endpoint",
		mutate: func(c *Consignment) {
			c.Endpoints = []blinding.ConcealedSeal{{1}}
		},
		cause: ErrUnknownEndpoint,
	}, {
		name: "input not in history",
		mutate: func(c *Consignment) {
			c.Bundles = append(c.Bundles, c.Bundles[0])
		},
		cause: ErrUnknownInput,
	}}
	for _, tc := range cases {
		c := f.consignment.copy()
		tc.mutate(c)

		err := f.engine.Validate(c)
		require.True(t, rgberr.Is(err, rgberr.ValidationError), tc.name)
		require.ErrorIs(t, err, tc.cause, tc.name)
	}

	// The inflation is also caught when the anchor is recommitted.
	c := f.consignment.copy()
	c.Bundles[0].Transition.Assignments[0].Amount++
	commitment, err := c.Bundles[0].Transition.CommitmentScript()
	require.NoError(t, err)
	c.Bundles[0].Anchor.TxOut[0].PkScript = commitment
	err = f.engine.Validate(c)
	require.ErrorIs(t, err, ErrAmountMismatch)
}

// TestParseConsignmentErrors tests malformed transport forms.
func TestParseConsignmentErrors(t *testing.T) {
	t.Parallel()

	f := newTransferFixture(t, 300)
	raw, err := f.consignment.Encode()
	require.NoError(t, err)

	for _, in := range []string{
		"%%%not base64",
		"",
		"AAAA",
	} {
		_, err := ParseConsignment(in)
		require.True(t, rgberr.Is(err, rgberr.FormatError), in)
	}

	_, err = DecodeConsignment(raw[:len(raw)/2])
	require.True(t, rgberr.Is(err, rgberr.FormatError))
}

// TestParseOversizedRecord tests that records declaring more bytes than the
// input holds are format errors.
func TestParseOversizedRecord(t *testing.T) {
	t.Parallel()

	oversized := [][]byte{
		// Version, then a genesis of 2^62 bytes.
		{0x00, 0x01, 0x01, 0x02, 0xff, 0x40, 0, 0, 0, 0, 0, 0, 0},

		// A first record of 2^62 bytes.
		{0x00, 0xff, 0x40, 0, 0, 0, 0, 0, 0, 0},

		// A first record of 64 KiB with 3 bytes left.
		{0x00, 0xfe, 0x00, 0x01, 0x00, 0x00, 0x01, 0x02, 0x03},

		// A truncated length.
		{0x00, 0xfe, 0x00},
	}
	for _, raw := range oversized {
		s := base64.StdEncoding.EncodeToString(raw)

		_, err := ParseConsignment(s)
		require.True(t, rgberr.Is(err, rgberr.FormatError), raw)

		_, err = ParseGenesis(s)
		require.True(t, rgberr.Is(err, rgberr.FormatError), raw)

		_, err = DecodeTransition(raw)
		require.True(t, rgberr.Is(err, rgberr.FormatError), raw)
	}

	// The framing check passes on well formed input.
	f := newTransferFixture(t, 300)
	raw, err := f.consignment.Encode()
	require.NoError(t, err)
	require.NoError(t, checkFraming(raw))
}

// TestMerge tests that merging a revealed consignment into a history reveals
// the seal and adds unknown bundles once.
func TestMerge(t *testing.T) {
	t.Parallel()

	f := newTransferFixture(t, 300)
	revealed, _, err := f.consignment.Reveal(f.receiver, f.factor)
	require.NoError(t, err)

	// The sender's stash knows the genesis only.
	stash := NewConsignment(f.genesis)
	merged, err := stash.Merge(f.consignment)
	require.NoError(t, err)
	require.Len(t, merged.Bundles, 1)
	require.Empty(t, merged.Endpoints)

	merged, err = merged.Merge(revealed)
	require.NoError(t, err)
	require.Len(t, merged.Bundles, 1)
	require.Equal(t, SealRevealed,
		merged.Bundles[0].Transition.Assignments[0].Seal.Kind)

	values, err := Allocations(merged)
	require.NoError(t, err)
	require.Len(t, values, 2)

	// Histories of other contracts do not merge.
	other := newTransferFixture(t, 1)
	_, err = merged.Merge(other.consignment)
	require.ErrorIs(t, err, ErrContractMismatch)
}

// TestSealEncoding tests that seals keep their kind through the codec and
// commit identically once revealed.
func TestSealEncoding(t *testing.T) {
	t.Parallel()

	op := wire.OutPoint{Hash: chainhash.Hash{3}, Index: 4}
	seals := []Seal{
		NewRevealedSeal(op, 5),
		NewWitnessSeal(2, 6),
		NewConcealedSeal(blinding.Conceal(op, 5)),
	}
	for _, s := range seals {
		raw, err := s.encode()
		require.NoError(t, err)
		decoded, err := decodeSeal(raw)
		require.NoError(t, err)
		require.Equal(t, s, decoded)
	}

	require.Equal(t, seals[0].commitment(), seals[2].commitment())

	_, err := decodeSeal([]byte{0x01, 0x01, 0x07})
	require.True(t, rgberr.Is(err, rgberr.FormatError))
}

// TestGenesisTransport tests the transport form of a genesis.
func TestGenesisTransport(t *testing.T) {
	t.Parallel()

	g, _, err := newTestEngine().Issue(issueRequest())
	require.NoError(t, err)

	parsed, err := ParseGenesis(g.String())
	require.NoError(t, err)
	require.True(t, g.Equal(parsed))
	require.Equal(t, g.ContractID(), parsed.ContractID())

	_, err = ParseGenesis("!!")
	require.True(t, rgberr.Is(err, rgberr.FormatError))
}
