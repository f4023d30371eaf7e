package synccfg

import (
	"fmt"
	"time"
)

const (
	// DefaultStopGap is the number of consecutive unused scripts after
	// which a full scan stops searching a keychain.
	DefaultStopGap = 5

	// DefaultBatchSize is the number of items requested from the chain
	// source at once.
	DefaultBatchSize = 25

	// DefaultLookahead is the number of scripts derived past the last
	// revealed index.
	DefaultLookahead = 25

	// DefaultSyncInterval is the time between two sync rounds.
	DefaultSyncInterval = 10 * time.Minute

	// DefaultMaxRetries is the number of times a round is re-planned
	// after a transient failure.
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the wait before the first re-plan, doubled
	// on every further attempt.
	DefaultRetryBackoff = 2 * time.Second
)

// Scan holds the options that shape the sync rounds.
//
//nolint:ll
type Scan struct {
	StopGap int `long:"stopgap" description:"Number of consecutive unused scripts after which a full scan stops searching a keychain."`

	BatchSize int `long:"batchsize" description:"Number of scripts, outpoints or txids requested from the chain source at once."`

	Lookahead uint32 `long:"lookahead" description:"Number of scripts derived past the last revealed index."`

	Interval time.Duration `long:"interval" description:"Time between two sync rounds."`

	MaxRetries int `long:"maxretries" description:"Number of times a round is re-planned after a network failure."`

	RetryBackoff time.Duration `long:"retrybackoff" description:"Wait before the first re-plan, doubled on every further attempt."`

	Rescan bool `long:"rescan" description:"Start the initial full scan from index 0 of every keychain to rediscover a restored wallet."`

	AllSpks bool `long:"allspks" description:"Sync every revealed script instead of only the unused ones."`

	RoundTimeout time.Duration `long:"roundtimeout" description:"Maximum duration of a single round, 0 means no limit."`
}

// DefaultScan returns the scan config with default values populated.
func DefaultScan() *Scan {
	return &Scan{
		StopGap:      DefaultStopGap,
		BatchSize:    DefaultBatchSize,
		Lookahead:    DefaultLookahead,
		Interval:     DefaultSyncInterval,
		MaxRetries:   DefaultMaxRetries,
		RetryBackoff: DefaultRetryBackoff,
	}
}

// Validate checks the scan options for sanity.
func (s *Scan) Validate() error {
	switch {
	case s.StopGap < 1:
		return fmt.Errorf("scan.stopgap must be at least 1")

	case s.BatchSize < 1:
		return fmt.Errorf("scan.batchsize must be at least 1")

	case s.Interval < time.Second:
		return fmt.Errorf("scan.interval must be at least 1s, got %v",
			s.Interval)

	case s.MaxRetries < 0:
		return fmt.Errorf("scan.maxretries must not be negative")

	case s.RetryBackoff < 0 || s.RoundTimeout < 0:
		return fmt.Errorf("scan durations must not be negative")
	}

	return nil
}

// Compile-time constraint to ensure Scan implements the Validator interface.
var _ Validator = (*Scan)(nil)
