package indexer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bitmask/vaultd/rgb"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// mapIndexer is an AssetIndexer over a fixed set of assets.
type mapIndexer struct {
	assets map[string]rgb.Asset
	err    error
}

func (m *mapIndexer) GetAsset(_ context.Context,
	id string) ([]rgb.Asset, error) {

	if m.err != nil {
		return nil, m.err
	}
	a, ok := m.assets[id]
	if !ok {
		return nil, nil
	}

	return []rgb.Asset{a}, nil
}

func (m *mapIndexer) ListAssets(context.Context) ([]rgb.Asset, error) {
	if m.err != nil {
		return nil, m.err
	}

	var assets []rgb.Asset
	for _, a := range m.assets {
		assets = append(assets, a)
	}

	return assets, nil
}

func outpoint(b byte, vout uint32) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{b}, Index: vout}
}

func testAsset(t *testing.T, ops ...wire.OutPoint) rgb.Asset {
	t.Helper()

	desc := "a test asset"
	a := rgb.Asset{
		ID:               "rgb1test",
		Ticker:           "TST",
		Name:             "Test",
		Description:      &desc,
		KnownCirculating: 1000,
		DecimalPrecision: 2,
	}
	for i, op := range ops {
		a.KnownAllocations = append(a.KnownAllocations, rgb.Allocation{
			Index:    uint16(i),
			Outpoint: op.String(),
			RevealedAmount: rgb.RevealedAmount{
				Value: uint64(100 * (i + 1)),
			},
		})
	}

	return a
}

func newTestClient(t *testing.T, idx AssetIndexer) *Client {
	t.Helper()

	srv := httptest.NewServer(NewHandler(idx))
	t.Cleanup(srv.Close)

	return NewClient(&Config{URL: srv.URL + "/"})
}

// TestGetAssetAndList tests the client against the handler.
func TestGetAssetAndList(t *testing.T) {
	t.Parallel()

	a := testAsset(t, outpoint(1, 0))
	c := newTestClient(t, &mapIndexer{
		assets: map[string]rgb.Asset{a.ID: a},
	})
	ctx := context.Background()

	assets, err := c.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, []rgb.Asset{a}, assets)

	assets, err = c.GetAsset(ctx, "rgb1unknown")
	require.NoError(t, err)
	require.Empty(t, assets)

	assets, err = c.ListAssets(ctx)
	require.NoError(t, err)
	require.Equal(t, []rgb.Asset{a}, assets)
}

// TestThinAsset tests that the wallet view keeps the unspent allocations only
// and defaults to a zero balance.
func TestThinAsset(t *testing.T) {
	t.Parallel()

	var (
		op1 = outpoint(1, 0)
		op2 = outpoint(2, 1)
		op3 = outpoint(3, 2)
	)
	a := testAsset(t, op1, op2, op3)
	c := newTestClient(t, &mapIndexer{
		assets: map[string]rgb.Asset{a.ID: a},
	})
	ctx := context.Background()

	thin, err := ThinAsset(ctx, c, a.ID, []wire.OutPoint{op1, op3})
	require.NoError(t, err)
	require.Equal(t, a.ID, thin.ID)
	require.Equal(t, "a test asset", thin.Description)
	require.Len(t, thin.Allocations, 2)
	require.EqualValues(t, 100+300, thin.Balance)

	thin, err = ThinAsset(ctx, c, a.ID, nil)
	require.NoError(t, err)
	require.Empty(t, thin.Allocations)
	require.Zero(t, thin.Balance)

	_, err = ThinAsset(ctx, c, "rgb1unknown", nil)
	require.True(t, rgberr.Is(err, rgberr.RemoteServiceError))
	require.ErrorIs(t, err, ErrAssetNotFound)
}

// TestRemoteFailures tests that every failure of the service is a
// RemoteServiceError.
func TestRemoteFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// The service fails the query.
	c := newTestClient(t, &mapIndexer{err: errors.New("db down")})
	_, err := c.GetAsset(ctx, "rgb1test")
	require.True(t, rgberr.Is(err, rgberr.RemoteServiceError))
	require.Contains(t, err.Error(), "500")

	_, err = c.ListAssets(ctx)
	require.True(t, rgberr.Is(err, rgberr.RemoteServiceError))

	// The service answers with something that is not a list of assets.
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		},
	))
	defer srv.Close()

	c = NewClient(&Config{URL: srv.URL})
	_, err = c.ListAssets(ctx)
	require.True(t, rgberr.Is(err, rgberr.RemoteServiceError))

	// The service is unreachable.
	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()

	c = NewClient(&Config{URL: url})
	_, err = c.GetAsset(ctx, "rgb1test")
	require.True(t, rgberr.Is(err, rgberr.RemoteServiceError))

	// Unknown routes are not 2xx.
	srv404 := httptest.NewServer(NewHandler(&mapIndexer{}))
	defer srv404.Close()
	c = NewClient(&Config{URL: srv404.URL + "/nope"})
	_, err = c.ListAssets(ctx)
	require.True(t, rgberr.Is(err, rgberr.RemoteServiceError))
	require.Contains(t, err.Error(), "404")
}

// TestHandlerBadRequest tests that the handler rejects malformed bodies.
func TestHandlerBadRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewHandler(&mapIndexer{}))
	defer srv.Close()

	resp, err := http.Post(
		srv.URL+"/getasset", "application/json",
		strings.NewReader("{"),
	)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
