package electrum

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jellydator/ttlcache/v3"
	"github.com/lightninglabs/chainsync/chainsource"
)

const (
	// protocolVersion is the Electrum protocol version negotiated with
	// the server.
	protocolVersion = "1.4"

	// clientName is sent to the server on connect.
	clientName = "chainsync"

	// maxLineSize bounds a single reply line.
	maxLineSize = 32 << 20

	// hashCacheDepth is how deep below the tip a header must be before
	// its hash is cached.
	hashCacheDepth = 6
)

var (
	// ErrClientShutdown is returned when the client has been shut down.
	ErrClientShutdown = errors.New("electrum client has been shut down")

	// ErrNoServer is returned when no server address is configured.
	ErrNoServer = errors.New("no electrum server configured")
)

// ClientConfig holds the configuration for the Electrum client.
type ClientConfig struct {
	// Server is the host:port of the server.
	Server string

	// UseSSL enables TLS for the connection.
	UseSSL bool

	// TLSCertPath is an optional PEM certificate to trust.
	TLSCertPath string

	// TLSSkipVerify disables certificate verification.
	TLSSkipVerify bool

	// RequestTimeout is the timeout for a single request or batch.
	RequestTimeout time.Duration

	// MaxRetries is the number of reconnect attempts for a failed
	// request.
	MaxRetries int

	// ReconnectInterval is the delay between reconnect attempts.
	ReconnectInterval time.Duration

	// BatchSize is the maximum number of calls sent in one batch.
	BatchSize int

	// CacheTTL is how long fetched transactions and header hashes stay
	// cached.
	CacheTTL time.Duration
}

// RPCError is an error reply of the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error returns the server message.
func (e *RPCError) Error() string {
	return fmt.Sprintf("electrum error %d: %s", e.Code, e.Message)
}

// notFound reports whether the server did not know the requested item.
func (e *RPCError) notFound() bool {
	msg := strings.ToLower(e.Message)

	return strings.Contains(msg, "no such") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "missing")
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call is one method invocation of a batch.
type call struct {
	method string
	params []any
}

// HistoryItem is an entry of blockchain.scripthash.get_history.
type HistoryItem struct {
	Hash   string `json:"tx_hash"`
	Height int32  `json:"height"`
}

// HeaderNotification is the reply of blockchain.headers.subscribe.
type HeaderNotification struct {
	Height int32  `json:"height"`
	Hex    string `json:"hex"`
}

// Client speaks the Electrum JSON-RPC protocol over a single TCP or TLS
// connection. Requests are serialized on the connection and a broken
// connection is redialed on the next request.
type Client struct {
	cfg *ClientConfig

	// dial opens a connection to the server.
	dial func(ctx context.Context) (net.Conn, error)

	connMtx sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	nextID  uint64
	closed  bool

	tipMtx    sync.Mutex
	tipHeight uint32

	hashCache *ttlcache.Cache[uint32, chainhash.Hash]
	txCache   *ttlcache.Cache[chainhash.Hash, *wire.MsgTx]
}

// A compile time check to ensure Client implements chainsource.Backend.
var _ chainsource.Backend = (*Client)(nil)

// NewClient creates a client for cfg. No connection is made until the first
// request.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg.Server == "" {
		return nil, ErrNoServer
	}

	c := &Client{
		cfg: cfg,
		hashCache: ttlcache.New[uint32, chainhash.Hash](
			ttlcache.WithTTL[uint32, chainhash.Hash](cfg.CacheTTL),
		),
		txCache: ttlcache.New[chainhash.Hash, *wire.MsgTx](
			ttlcache.WithTTL[chainhash.Hash, *wire.MsgTx](
				cfg.CacheTTL,
			),
		),
	}

	tlsConfig, err := c.tlsConfig()
	if err != nil {
		return nil, err
	}

	c.dial = func(ctx context.Context) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: cfg.RequestTimeout}
		if tlsConfig == nil {
			return dialer.DialContext(ctx, "tcp", cfg.Server)
		}

		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}

		return tlsDialer.DialContext(ctx, "tcp", cfg.Server)
	}

	return c, nil
}

// tlsConfig returns the TLS settings, or nil for plain TCP.
func (c *Client) tlsConfig() (*tls.Config, error) {
	if !c.cfg.UseSSL {
		return nil, nil
	}

	host, _, err := net.SplitHostPort(c.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid server address: %w", err)
	}

	//nolint:gosec
	config := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: c.cfg.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.cfg.TLSCertPath != "" {
		pem, err := os.ReadFile(c.cfg.TLSCertPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read server cert: %w",
				err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate in %s",
				c.cfg.TLSCertPath)
		}
		config.RootCAs = pool
	}

	return config, nil
}

// Close closes the connection. Later requests fail.
func (c *Client) Close() error {
	c.connMtx.Lock()
	defer c.connMtx.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil

	return err
}

// connect dials the server and negotiates the protocol version. The caller
// must hold connMtx.
func (c *Client) connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("unable to connect to %s: %w", c.cfg.Server,
			err)
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 64<<10)

	_, err = c.roundTrip(ctx, []call{{
		method: "server.version",
		params: []any{clientName, protocolVersion},
	}})
	if err != nil {
		c.dropConn()
		return fmt.Errorf("version negotiation failed: %w", err)
	}

	log.Infof("Connected to Electrum server %s", c.cfg.Server)

	return nil
}

// dropConn closes a broken connection. The caller must hold connMtx.
func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

// roundTrip writes calls as one batch and reads the replies. The caller must
// hold connMtx.
func (c *Client) roundTrip(ctx context.Context,
	calls []call) ([]response, error) {

	var deadline time.Time
	if c.cfg.RequestTimeout > 0 {
		deadline = time.Now().Add(c.cfg.RequestTimeout)
	}
	if d, ok := ctx.Deadline(); ok &&
		(deadline.IsZero() || d.Before(deadline)) {

		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	firstID := c.nextID
	reqs := make([]request, len(calls))
	for i, cl := range calls {
		params := cl.params
		if params == nil {
			params = []any{}
		}
		reqs[i] = request{
			JSONRPC: "2.0",
			ID:      firstID + uint64(i),
			Method:  cl.method,
			Params:  params,
		}
	}
	c.nextID += uint64(len(calls))

	var payload []byte
	var err error
	if len(reqs) == 1 {
		payload, err = json.Marshal(reqs[0])
	} else {
		payload, err = json.Marshal(reqs)
	}
	if err != nil {
		return nil, err
	}

	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		return nil, err
	}

	replies := make([]response, len(calls))
	received := 0
	for received < len(calls) {
		line, err := c.reader.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			line, err = c.readLongLine(line)
			if err != nil {
				return nil, err
			}

		case err != nil:
			return nil, err
		}

		var batch []response
		line = bytes.TrimSpace(line)
		if len(line) > 0 && line[0] == '[' {
			err = json.Unmarshal(line, &batch)
		} else {
			var single response
			err = json.Unmarshal(line, &single)
			batch = []response{single}
		}
		if err != nil {
			return nil, fmt.Errorf("malformed reply: %w", err)
		}

		for _, resp := range batch {
			// Subscription notifications carry no id.
			if resp.ID == nil {
				continue
			}

			idx := *resp.ID - firstID
			if *resp.ID < firstID || idx >= uint64(len(calls)) {
				continue
			}
			replies[idx] = resp
			received++
		}
	}

	return replies, nil
}

// readLongLine finishes reading a line longer than the reader buffer.
func (c *Client) readLongLine(prefix []byte) ([]byte, error) {
	line := append([]byte(nil), prefix...)
	for len(line) < maxLineSize {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue

		case err != nil:
			return nil, err
		}

		return line, nil
	}

	return nil, fmt.Errorf("reply exceeds %d bytes", maxLineSize)
}

// batch sends calls in chunks of the configured batch size, reconnecting and
// retrying on transport failures, and returns the raw results in order.
func (c *Client) batch(ctx context.Context,
	calls []call) ([]json.RawMessage, error) {

	size := c.cfg.BatchSize
	if size <= 0 {
		size = len(calls)
	}

	results := make([]json.RawMessage, 0, len(calls))
	for start := 0; start < len(calls); start += size {
		end := min(start+size, len(calls))

		replies, err := c.sendWithRetry(ctx, calls[start:end])
		if err != nil {
			return nil, err
		}

		for _, reply := range replies {
			if reply.Error != nil {
				return nil, reply.Error
			}
			results = append(results, reply.Result)
		}
	}

	return results, nil
}

func (c *Client) sendWithRetry(ctx context.Context,
	calls []call) ([]response, error) {

	c.connMtx.Lock()
	defer c.connMtx.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if c.closed {
			return nil, ErrClientShutdown
		}

		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.ReconnectInterval):
			}
		}

		if c.conn == nil {
			if err := c.connect(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		replies, err := c.roundTrip(ctx, calls)
		if err == nil {
			return replies, nil
		}

		log.Debugf("Electrum request failed (attempt %d): %v",
			attempt+1, err)
		c.dropConn()
		lastErr = err
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		c.cfg.MaxRetries+1, lastErr)
}

// request performs a single call and decodes its result into v.
func (c *Client) request(ctx context.Context, v any, method string,
	params ...any) error {

	results, err := c.batch(ctx, []call{{method: method, params: params}})
	if err != nil {
		return err
	}

	if v == nil {
		return nil
	}

	return json.Unmarshal(results[0], v)
}

// mapNotFound turns a server "not found" reply into target.
func mapNotFound(err, target error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.notFound() {
		return target
	}

	return err
}
