package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bitmask/vaultd/rgb"
	"github.com/bitmask/vaultd/rgberr"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
)

const (
	// DefaultRequestTimeout is the default timeout of a request to the
	// indexing service.
	DefaultRequestTimeout = 30 * time.Second

	// maxResponseSize bounds the body read from the service.
	maxResponseSize = 16 << 20
)

// ErrAssetNotFound is returned when the indexing service does not know the
// requested contract.
var ErrAssetNotFound = errors.New("incorrect rgb id")

// AssetIndexer is the query surface of an indexing service.
type AssetIndexer interface {
	// GetAsset returns the assets matching a contract id.
	GetAsset(ctx context.Context, contractID string) ([]rgb.Asset, error)

	// ListAssets returns every asset known to the service.
	ListAssets(ctx context.Context) ([]rgb.Asset, error)
}

// Config holds the configuration of the indexing service client.
type Config struct {
	// URL is the base URL of the service, e.g. http://localhost:3001.
	URL string

	// RequestTimeout is the timeout of a single request.
	RequestTimeout time.Duration
}

// getAssetRequest is the body of a getasset call.
type getAssetRequest struct {
	Asset string `json:"asset"`
}

// Client talks to a remote indexing service over HTTP. Calls are
// independent; no ordering between concurrent calls is assumed.
type Client struct {
	cfg *Config

	httpClient *http.Client
}

// A compile time check to ensure Client implements AssetIndexer.
var _ AssetIndexer = (*Client)(nil)

// NewClient creates a client for the service at cfg.URL.
func NewClient(cfg *Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// URL returns the base URL of the service.
func (c *Client) URL() string {
	return c.cfg.URL
}

// do sends a single request and decodes the JSON response into v. Transport
// failures, non-2xx statuses and unparsable bodies are RemoteServiceErrors.
func (c *Client) do(ctx context.Context, method, path string, body []byte,
	v interface{}) error {

	url := strings.TrimRight(c.cfg.URL, "/") + "/" + path

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return rgberr.New(rgberr.RemoteServiceError,
			fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return rgberr.New(rgberr.RemoteServiceError,
			fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return rgberr.New(rgberr.RemoteServiceError,
			fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return rgberr.Newf(rgberr.RemoteServiceError,
			"%s %s returned status %d: %s", method, path,
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, v); err != nil {
		return rgberr.New(rgberr.RemoteServiceError,
			fmt.Errorf("failed to decode %s response: %w", path, err))
	}

	return nil
}

// GetAsset queries the service for a contract id.
func (c *Client) GetAsset(ctx context.Context,
	contractID string) ([]rgb.Asset, error) {

	body, err := json.Marshal(&getAssetRequest{Asset: contractID})
	if err != nil {
		return nil, err
	}

	var assets []rgb.Asset
	err = c.do(ctx, http.MethodPost, "getasset", body, &assets)
	if err != nil {
		return nil, err
	}

	log.Tracef("getasset %s: %v", contractID, newLogClosure(func() string {
		return spew.Sdump(assets)
	}))

	return assets, nil
}

// ListAssets returns every asset the service knows.
func (c *Client) ListAssets(ctx context.Context) ([]rgb.Asset, error) {
	var assets []rgb.Asset
	if err := c.do(ctx, http.MethodGet, "list", nil, &assets); err != nil {
		return nil, err
	}

	log.Debugf("Indexer at %s lists %d assets", c.cfg.URL, len(assets))

	return assets, nil
}

// ThinAsset looks a contract up on idx and returns its wallet view given the
// wallet's unspent outputs. An unknown contract is a RemoteServiceError
// wrapping ErrAssetNotFound.
func ThinAsset(ctx context.Context, idx AssetIndexer, contractID string,
	unspent []wire.OutPoint) (*rgb.ThinAsset, error) {

	assets, err := idx.GetAsset(ctx, contractID)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.RemoteServiceError, err)
	}
	if len(assets) == 0 {
		return nil, rgberr.New(rgberr.RemoteServiceError,
			fmt.Errorf("%w: %s", ErrAssetNotFound, contractID))
	}

	thin := rgb.NewThinAsset(contractID, &assets[0], unspent)

	log.Debugf("Asset %s: %d unspent allocations, balance %d",
		contractID, len(thin.Allocations), thin.Balance)

	return &thin, nil
}
