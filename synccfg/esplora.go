package synccfg

import (
	"fmt"
	"net/url"
	"time"
)

const (
	// DefaultEsploraRequestTimeout is the default timeout for HTTP
	// requests to the Esplora API.
	DefaultEsploraRequestTimeout = 30 * time.Second

	// DefaultEsploraMaxRetries is the default number of times to retry
	// a failed request before giving up.
	DefaultEsploraMaxRetries = 3

	// DefaultEsploraRequestsPerSecond is the default rate limit applied
	// to requests.
	DefaultEsploraRequestsPerSecond = 10

	// DefaultEsploraConcurrency is the default number of concurrent
	// script history requests.
	DefaultEsploraConcurrency = 4

	// DefaultEsploraCacheTTL is the default lifetime of cached block
	// hashes.
	DefaultEsploraCacheTTL = time.Hour
)

// Esplora holds the configuration options for the daemon's connection to
// an Esplora HTTP API server (e.g., mempool.space, blockstream.info, or
// a local electrs/mempool instance).
//
//nolint:ll
type Esplora struct {
	// URL is the base URL of the Esplora API to connect to.
	// Examples:
	//   - http://localhost:3002 (local electrs/mempool)
	//   - https://blockstream.info/api (Blockstream mainnet)
	//   - https://mempool.space/api (mempool.space mainnet)
	//   - https://mempool.space/testnet/api (mempool.space testnet)
	URL string `long:"url" description:"The base URL of the Esplora API (e.g., http://localhost:3002)"`

	// RequestTimeout is the timeout for HTTP requests sent to the Esplora
	// API.
	RequestTimeout time.Duration `long:"requesttimeout" description:"Timeout for HTTP requests to the Esplora API."`

	// MaxRetries is the maximum number of times to retry a failed request.
	MaxRetries int `long:"maxretries" description:"Maximum number of times to retry a failed request."`

	// RequestsPerSecond limits the request rate, public servers throttle
	// aggressive clients.
	RequestsPerSecond float64 `long:"requestspersecond" description:"Maximum number of requests per second, 0 disables the limit."`

	// Concurrency is the number of script histories fetched in parallel.
	Concurrency int `long:"concurrency" description:"Number of script histories fetched in parallel."`

	// CacheTTL is the lifetime of cached block hashes.
	CacheTTL time.Duration `long:"cachettl" description:"Lifetime of cached block hashes."`
}

// DefaultEsploraConfig returns a new Esplora config with default values
// populated.
func DefaultEsploraConfig() *Esplora {
	return &Esplora{
		RequestTimeout:    DefaultEsploraRequestTimeout,
		MaxRetries:        DefaultEsploraMaxRetries,
		RequestsPerSecond: DefaultEsploraRequestsPerSecond,
		Concurrency:       DefaultEsploraConcurrency,
		CacheTTL:          DefaultEsploraCacheTTL,
	}
}

// Validate checks that the Esplora config is usable.
func (e *Esplora) Validate() error {
	if e.URL == "" {
		return fmt.Errorf("esplora.url must be set")
	}

	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("invalid esplora.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("esplora.url must use http or https, got %q",
			u.Scheme)
	}

	if e.MaxRetries < 0 || e.Concurrency < 0 || e.RequestsPerSecond < 0 {
		return fmt.Errorf("esplora limits must not be negative")
	}

	return nil
}

// Compile-time constraint to ensure Esplora implements the Validator
// interface.
var _ Validator = (*Esplora)(nil)
