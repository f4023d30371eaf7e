package wallet

import (
	"errors"
	"fmt"

	"github.com/lightninglabs/chainsync/chainsource"
	"github.com/lightninglabs/chainsync/localchain"
)

var (
	// ErrWalletPoisoned is returned for every round started after a
	// commit failed, until RetryCommit succeeds.
	ErrWalletPoisoned = errors.New("wallet state diverged from storage, " +
		"commit must be retried")

	// ErrNetworkMismatch is returned when persisted state belongs to a
	// different network than the configured one.
	ErrNetworkMismatch = errors.New("persisted chain has a different " +
		"genesis block")

	// ErrNoKeychains is returned when a wallet is created without any
	// keychain.
	ErrNoKeychains = errors.New("wallet needs at least one keychain")
)

// CommitError is returned when the durable write of a changeset failed after
// the in-memory stores were already updated. The changeset is retained by the
// persister and the wallet refuses new rounds until RetryCommit succeeds.
type CommitError struct {
	Err error
}

// Error returns a human readable description of the failure.
func (e *CommitError) Error() string {
	return fmt.Sprintf("unable to commit changeset: %v", e.Err)
}

// Unwrap returns the underlying storage error.
func (e *CommitError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed round may be planned again. Only
// failures of the chain source qualify; reorg conflicts and storage failures
// need attention first.
func IsRetryable(err error) bool {
	var (
		netErr   *chainsource.NetworkError
		fetchErr *chainsource.FetchError
		reorgErr *localchain.ReorgError
		commit   *CommitError
	)
	switch {
	case errors.As(err, &reorgErr), errors.As(err, &commit),
		errors.Is(err, ErrWalletPoisoned):

		return false

	case errors.As(err, &netErr), errors.As(err, &fetchErr):
		return true

	default:
		return false
	}
}

// outcome returns the metric label of a round result.
func outcome(err error) string {
	var (
		netErr   *chainsource.NetworkError
		fetchErr *chainsource.FetchError
		reorgErr *localchain.ReorgError
		commit   *CommitError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &commit), errors.Is(err, ErrWalletPoisoned):
		return "commit_error"
	case errors.As(err, &reorgErr):
		return "reorg_error"
	case errors.As(err, &fetchErr):
		return "fetch_error"
	case errors.As(err, &netErr):
		return "network_error"
	default:
		return "error"
	}
}
