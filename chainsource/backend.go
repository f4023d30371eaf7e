package chainsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/txgraph"
)

// Anchor is the anchor type produced by chain sources.
type Anchor = txgraph.ConfirmationHeightAnchor

var (
	// ErrTxNotFound is returned by backends for transactions the server
	// does not know, for example evicted mempool transactions.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrBlockNotFound is returned by backends for heights above the
	// server tip.
	ErrBlockNotFound = errors.New("block not found")
)

// HistoryItem is one transaction touching a script pubkey.
type HistoryItem struct {
	Txid chainhash.Hash

	// Height is the confirmation height, or zero or less for mempool
	// transactions.
	Height int32
}

// Confirmed returns true if the transaction is in a block.
func (h HistoryItem) Confirmed() bool {
	return h.Height > 0
}

// TxStatus is the confirmation status of a transaction.
type TxStatus struct {
	Confirmed   bool
	BlockHeight uint32
	BlockHash   chainhash.Hash
}

// OutSpend is the spend status of an output.
type OutSpend struct {
	Spent bool

	// Txid is the spending transaction, if Spent is set.
	Txid chainhash.Hash

	// Status is the confirmation status of the spending transaction.
	Status TxStatus
}

// Backend is a chain source server. All methods block on network I/O.
type Backend interface {
	// TipHeight returns the height of the server's best block.
	TipHeight(ctx context.Context) (uint32, error)

	// BlockHash returns the hash of the best chain block at height.
	BlockHash(ctx context.Context, height uint32) (chainhash.Hash, error)

	// ScriptHistory returns the transaction history of each script, in
	// the same order as scripts.
	ScriptHistory(ctx context.Context,
		scripts [][]byte) ([][]HistoryItem, error)

	// Transaction returns the full transaction with the given txid.
	Transaction(ctx context.Context,
		txid chainhash.Hash) (*wire.MsgTx, error)

	// TxStatus returns the confirmation status of txid.
	TxStatus(ctx context.Context, txid chainhash.Hash) (TxStatus, error)

	// OutSpend returns the spend status of op.
	OutSpend(ctx context.Context, op wire.OutPoint) (OutSpend, error)

	// Broadcast submits tx to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}

// NetworkError wraps a failure to talk to the chain source. Rounds failing
// with it may be retried from scratch.
type NetworkError struct {
	// Op names the request that failed.
	Op string

	Err error
}

// Error returns a human readable description of the failure.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("chain source %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the transport error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// FetchError is returned when the body of a referenced transaction cannot be
// retrieved while finalizing an update.
type FetchError struct {
	Txid chainhash.Hash
	Err  error
}

// Error returns a human readable description of the failure.
func (e *FetchError) Error() string {
	return fmt.Sprintf("unable to fetch tx %v: %v", e.Txid, e.Err)
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// BroadcastError is returned when the server rejects a transaction.
type BroadcastError struct {
	Txid   chainhash.Hash
	Reason string
}

// Error returns the rejection reason.
func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast of %v rejected: %s", e.Txid, e.Reason)
}

// networkError wraps err as a NetworkError unless it already is one.
func networkError(op string, err error) error {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return err
	}

	return &NetworkError{Op: op, Err: err}
}

// ScriptHash returns the electrum style script hash of script: the reversed
// sha256 digest, hex encoded. Esplora indexes scripts the same way.
func ScriptHash(script []byte) string {
	digest := sha256.Sum256(script)
	slices.Reverse(digest[:])

	return hex.EncodeToString(digest[:])
}
