package chainsource

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes when a BreakerBackend stops forwarding requests.
type BreakerConfig struct {
	// MinRequests is the number of requests in the current window below
	// which the breaker never trips.
	MinRequests uint32

	// FailureRatio is the share of failed requests that trips the
	// breaker.
	FailureRatio float64

	// OpenTimeout is how long the breaker stays open before letting a
	// probe request through.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the breaker settings used by the daemon.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinRequests:  10,
		FailureRatio: 0.6,
		OpenTimeout:  30 * time.Second,
	}
}

// BreakerBackend guards a Backend with a circuit breaker so that a failing
// server is not hammered by retried rounds. While the breaker is open every
// call fails fast with a NetworkError.
type BreakerBackend struct {
	backend Backend
	cb      *gobreaker.CircuitBreaker
}

// A compile time check to ensure BreakerBackend implements Backend.
var _ Backend = (*BreakerBackend)(nil)

// NewBreakerBackend wraps backend with a circuit breaker named name.
func NewBreakerBackend(name string, backend Backend,
	cfg BreakerConfig) *BreakerBackend {

	return &BreakerBackend{
		backend: backend,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				ratio := float64(counts.TotalFailures) /
					float64(counts.Requests)

				return counts.Requests >= cfg.MinRequests &&
					ratio >= cfg.FailureRatio
			},
			OnStateChange: func(name string, from,
				to gobreaker.State) {

				log.Warnf("Chain source breaker %s: %v -> %v",
					name, from, to)
			},
		}),
	}
}

// State returns the current breaker state.
func (b *BreakerBackend) State() gobreaker.State {
	return b.cb.State()
}

// execute runs call through the breaker. Errors that describe the request
// rather than the server do not count as failures.
func execute[T any](b *BreakerBackend, op string,
	call func() (T, error)) (T, error) {

	var (
		result  T
		userErr error
	)
	_, err := b.cb.Execute(func() (interface{}, error) {
		var err error
		result, err = call()

		var bcastErr *BroadcastError
		switch {
		case errors.Is(err, ErrTxNotFound),
			errors.Is(err, ErrBlockNotFound),
			errors.As(err, &bcastErr):

			userErr = err
			return nil, nil
		}

		return nil, err
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):

		return result, networkError(op, err)

	case err != nil:
		return result, err
	}

	return result, userErr
}

// TipHeight returns the height of the server's best block.
//
// NOTE: This is part of the Backend interface.
func (b *BreakerBackend) TipHeight(ctx context.Context) (uint32, error) {
	return execute(b, "tip height", func() (uint32, error) {
		return b.backend.TipHeight(ctx)
	})
}

// BlockHash returns the hash of the best chain block at height.
//
// NOTE: This is part of the Backend interface.
func (b *BreakerBackend) BlockHash(ctx context.Context,
	height uint32) (chainhash.Hash, error) {

	return execute(b, "block hash", func() (chainhash.Hash, error) {
		return b.backend.BlockHash(ctx, height)
	})
}

// ScriptHistory returns the transaction history of each script.
//
// NOTE: This is part of the Backend interface.
func (b *BreakerBackend) ScriptHistory(ctx context.Context,
	scripts [][]byte) ([][]HistoryItem, error) {

	return execute(b, "script history", func() ([][]HistoryItem, error) {
		return b.backend.ScriptHistory(ctx, scripts)
	})
}

// Transaction returns the full transaction with the given txid.
//
// NOTE: This is part of the Backend interface.
func (b *BreakerBackend) Transaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	return execute(b, "transaction", func() (*wire.MsgTx, error) {
		return b.backend.Transaction(ctx, txid)
	})
}

// TxStatus returns the confirmation status of txid.
//
// NOTE: This is part of the Backend interface.
func (b *BreakerBackend) TxStatus(ctx context.Context,
	txid chainhash.Hash) (TxStatus, error) {

	return execute(b, "tx status", func() (TxStatus, error) {
		return b.backend.TxStatus(ctx, txid)
	})
}

// OutSpend returns the spend status of op.
//
// NOTE: This is part of the Backend interface.
func (b *BreakerBackend) OutSpend(ctx context.Context,
	op wire.OutPoint) (OutSpend, error) {

	return execute(b, "outspend", func() (OutSpend, error) {
		return b.backend.OutSpend(ctx, op)
	})
}

// Broadcast submits tx to the network.
//
// NOTE: This is part of the Backend interface.
func (b *BreakerBackend) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	_, err := execute(b, "broadcast", func() (struct{}, error) {
		return struct{}{}, b.backend.Broadcast(ctx, tx)
	})

	return err
}
