package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jellydator/ttlcache/v3"
	"github.com/lightninglabs/chainsync/chainsource"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// confirmedPageSize is the number of confirmed transactions Esplora
	// returns per history page.
	confirmedPageSize = 25

	// hashCacheDepth is how deep below the tip a block must be before its
	// hash is cached.
	hashCacheDepth = 6
)

var (
	// ErrNotConnected is returned when the API is not reachable.
	ErrNotConnected = errors.New("esplora API not reachable")
)

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API (e.g., http://localhost:3002).
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed requests.
	MaxRetries int

	// RequestsPerSecond limits the request rate. Zero disables the limit.
	RequestsPerSecond float64

	// Concurrency is the number of script histories fetched in parallel.
	Concurrency int

	// BlockHashCacheTTL is how long block hashes stay cached.
	BlockHashCacheTTL time.Duration
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// TxInfo represents the parts of a transaction used from history listings.
type TxInfo struct {
	TxID   string   `json:"txid"`
	Status TxStatus `json:"status"`
}

// OutSpend represents the spend status of an output.
type OutSpend struct {
	Spent  bool     `json:"spent"`
	TxID   string   `json:"txid,omitempty"`
	Vin    uint32   `json:"vin,omitempty"`
	Status TxStatus `json:"status,omitempty"`
}

// Client is an HTTP client for the Esplora REST API.
type Client struct {
	cfg *ClientConfig

	httpClient *http.Client
	limiter    *rate.Limiter

	// hashCache maps heights of buried blocks to their hash.
	hashCache *ttlcache.Cache[uint32, chainhash.Hash]

	// tipHeight is the last tip height seen.
	tipHeight atomic.Uint32
}

// A compile time check to ensure Client implements chainsource.Backend.
var _ chainsource.Backend = (*Client)(nil)

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: rate.NewLimiter(limit, max(cfg.Concurrency, 1)),
		hashCache: ttlcache.New[uint32, chainhash.Hash](
			ttlcache.WithTTL[uint32, chainhash.Hash](
				cfg.BlockHashCacheTTL,
			),
		),
	}
}

// statusError is a non-200 reply.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.code, e.body)
}

// retryable reports whether the request may succeed when sent again.
func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// doRequest performs an HTTP request with retries and returns the body of a
// 200 reply.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	url := c.cfg.URL + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * 100 * time.Millisecond):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		reply, err := c.send(ctx, method, url, body)
		if err == nil {
			return reply, nil
		}

		var statusErr *statusError
		if errors.As(err, &statusErr) && !statusErr.retryable() {
			return nil, err
		}

		log.Debugf("Request %s %s failed (attempt %d): %v", method,
			path, i+1, err)
		lastErr = err
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) send(ctx context.Context, method, url string,
	body []byte) ([]byte, error) {

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{
			code: resp.StatusCode,
			body: strings.TrimSpace(string(reply)),
		}
	}

	return reply, nil
}

// doGet performs a GET request. A 404 reply is returned as notFound if it is
// set.
func (c *Client) doGet(ctx context.Context, path string,
	notFound error) ([]byte, error) {

	body, err := c.doRequest(ctx, http.MethodGet, path, nil)

	var statusErr *statusError
	if notFound != nil && errors.As(err, &statusErr) &&
		statusErr.code == http.StatusNotFound {

		return nil, notFound
	}

	return body, err
}

// getJSON performs a GET request and decodes the JSON reply into v.
func (c *Client) getJSON(ctx context.Context, path string, notFound error,
	v any) error {

	body, err := c.doGet(ctx, path, notFound)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// TipHeight returns the current blockchain tip height.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) TipHeight(ctx context.Context) (uint32, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height", ErrNotConnected)
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}
	c.tipHeight.Store(uint32(height))

	return uint32(height), nil
}

// BlockHash fetches the block hash at a given height. Hashes of blocks
// buried deep enough are cached.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) BlockHash(ctx context.Context,
	height uint32) (chainhash.Hash, error) {

	if item := c.hashCache.Get(height); item != nil {
		return item.Value(), nil
	}

	body, err := c.doGet(
		ctx, fmt.Sprintf("/block-height/%d", height),
		chainsource.ErrBlockNotFound,
	)
	if err != nil {
		return chainhash.Hash{}, err
	}

	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid block hash: %w",
			err)
	}

	if height+hashCacheDepth <= c.tipHeight.Load() {
		c.hashCache.Set(height, *hash, ttlcache.DefaultTTL)
	}

	return *hash, nil
}

// scriptHistory fetches every transaction of script, paging through the
// confirmed history.
func (c *Client) scriptHistory(ctx context.Context,
	script []byte) ([]chainsource.HistoryItem, error) {

	path := "/scripthash/" + chainsource.ScriptHash(script) + "/txs"

	var (
		history []chainsource.HistoryItem
		page    []TxInfo
	)
	if err := c.getJSON(ctx, path, nil, &page); err != nil {
		return nil, err
	}

	for {
		var (
			confirmed int
			last      string
		)
		for _, tx := range page {
			txid, err := chainhash.NewHashFromStr(tx.TxID)
			if err != nil {
				return nil, fmt.Errorf("invalid txid: %w", err)
			}

			item := chainsource.HistoryItem{Txid: *txid}
			if tx.Status.Confirmed {
				item.Height = int32(tx.Status.BlockHeight)
				confirmed++
				last = tx.TxID
			}
			history = append(history, item)
		}

		if confirmed < confirmedPageSize {
			return history, nil
		}

		page = nil
		err := c.getJSON(ctx, path+"/chain/"+last, nil, &page)
		if err != nil {
			return nil, err
		}
	}
}

// ScriptHistory fetches the history of each script, several scripts at a
// time.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) ScriptHistory(ctx context.Context,
	scripts [][]byte) ([][]chainsource.HistoryItem, error) {

	histories := make([][]chainsource.HistoryItem, len(scripts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.cfg.Concurrency, 1))
	for i, script := range scripts {
		g.Go(func() error {
			history, err := c.scriptHistory(gctx, script)
			if err != nil {
				return err
			}
			histories[i] = history

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return histories, nil
}

// Transaction fetches and deserializes a transaction.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) Transaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	body, err := c.doGet(
		ctx, "/tx/"+txid.String()+"/hex", chainsource.ErrTxNotFound,
	)
	if err != nil {
		return nil, err
	}

	txBytes, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("failed to deserialize tx: %w", err)
	}

	return tx, nil
}

func convertStatus(status TxStatus) (chainsource.TxStatus, error) {
	if !status.Confirmed {
		return chainsource.TxStatus{}, nil
	}

	hash, err := chainhash.NewHashFromStr(status.BlockHash)
	if err != nil {
		return chainsource.TxStatus{}, fmt.Errorf("invalid block "+
			"hash: %w", err)
	}

	return chainsource.TxStatus{
		Confirmed:   true,
		BlockHeight: uint32(status.BlockHeight),
		BlockHash:   *hash,
	}, nil
}

// TxStatus fetches the confirmation status of a transaction.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) TxStatus(ctx context.Context,
	txid chainhash.Hash) (chainsource.TxStatus, error) {

	var status TxStatus
	err := c.getJSON(
		ctx, "/tx/"+txid.String()+"/status", chainsource.ErrTxNotFound,
		&status,
	)
	if err != nil {
		return chainsource.TxStatus{}, err
	}

	return convertStatus(status)
}

// OutSpend checks if a specific output is spent.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) OutSpend(ctx context.Context,
	op wire.OutPoint) (chainsource.OutSpend, error) {

	var outSpend OutSpend
	err := c.getJSON(
		ctx, fmt.Sprintf("/tx/%s/outspend/%d", op.Hash, op.Index),
		chainsource.ErrTxNotFound, &outSpend,
	)
	if err != nil {
		return chainsource.OutSpend{}, err
	}

	if !outSpend.Spent {
		return chainsource.OutSpend{}, nil
	}

	txid, err := chainhash.NewHashFromStr(outSpend.TxID)
	if err != nil {
		return chainsource.OutSpend{}, fmt.Errorf("invalid txid: %w",
			err)
	}

	status, err := convertStatus(outSpend.Status)
	if err != nil {
		return chainsource.OutSpend{}, err
	}

	return chainsource.OutSpend{
		Spent:  true,
		Txid:   *txid,
		Status: status,
	}, nil
}

// Broadcast broadcasts a wire.MsgTx to the network.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("failed to serialize tx: %w", err)
	}

	txHex := hex.EncodeToString(buf.Bytes())
	_, err := c.doRequest(ctx, http.MethodPost, "/tx", []byte(txHex))

	var statusErr *statusError
	if errors.As(err, &statusErr) && statusErr.code == http.StatusBadRequest {
		return &chainsource.BroadcastError{
			Txid:   tx.TxHash(),
			Reason: statusErr.body,
		}
	}

	return err
}

// CheckConnection returns an error if the API does not answer.
func (c *Client) CheckConnection(ctx context.Context) error {
	_, err := c.TipHeight(ctx)
	return err
}
