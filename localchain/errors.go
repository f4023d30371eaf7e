package localchain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyCheckPoint is returned when a checkpoint is built from no
	// blocks.
	ErrEmptyCheckPoint = errors.New("checkpoint needs at least one block")

	// ErrNonIncreasingHeight is returned when a block is pushed at or
	// below the height of the current checkpoint.
	ErrNonIncreasingHeight = errors.New("block height must increase")

	// ErrMissingGenesis is returned when a chain is built from a changeset
	// that does not contain a block at height 0.
	ErrMissingGenesis = errors.New("changeset is missing the genesis " +
		"block")

	// ErrCannotConnect signals that an update conflicts with the local
	// chain but shares no block with it below the conflict.
	ErrCannotConnect = errors.New("update does not connect to the local " +
		"chain")

	// ErrGenesisMismatch signals that an update or changeset replaces the
	// genesis block.
	ErrGenesisMismatch = errors.New("genesis block mismatch")
)

// ReorgError is returned when a chain update conflicts irreconcilably with the
// local checkpoints. The local chain is left untouched when it is returned.
type ReorgError struct {
	// Err is either ErrCannotConnect or ErrGenesisMismatch.
	Err error

	// Height is the lowest conflicting height. For ErrCannotConnect an
	// update including the local block below this height would connect.
	Height uint32
}

// Error returns a human readable description of the conflict.
func (e *ReorgError) Error() string {
	return fmt.Sprintf("chain reorg at height %d: %v", e.Height, e.Err)
}

// Unwrap returns the underlying reason.
func (e *ReorgError) Unwrap() error {
	return e.Err
}
