package localchain

import (
	"maps"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/changeset"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ChangeSet describes checkpoint insertions and invalidations. A height mapped
// to None has been removed from the chain.
type ChangeSet struct {
	Blocks map[uint32]fn.Option[chainhash.Hash]
}

// A compile time check to ensure ChangeSet implements changeset.Appender.
var _ changeset.Appender[ChangeSet] = (*ChangeSet)(nil)

// NewChangeSet returns an empty changeset.
func NewChangeSet() ChangeSet {
	return ChangeSet{
		Blocks: make(map[uint32]fn.Option[chainhash.Hash]),
	}
}

// Insert records that block is part of the chain.
func (c *ChangeSet) Insert(block BlockID) {
	c.set(block.Height, fn.Some(block.Hash))
}

// Invalidate records that there is no longer a block at height.
func (c *ChangeSet) Invalidate(height uint32) {
	c.set(height, fn.None[chainhash.Hash]())
}

func (c *ChangeSet) set(height uint32, hash fn.Option[chainhash.Hash]) {
	if c.Blocks == nil {
		c.Blocks = make(map[uint32]fn.Option[chainhash.Hash])
	}
	c.Blocks[height] = hash
}

// Append merges other into c. Entries of other take precedence, so appending
// changesets in the order they were produced replays the chain history.
//
// NOTE: This is part of the changeset.Appender interface.
func (c *ChangeSet) Append(other ChangeSet) {
	for height, hash := range other.Blocks {
		c.set(height, hash)
	}
}

// IsEmpty returns true if no heights are touched.
//
// NOTE: This is part of the changeset.Appender interface.
func (c *ChangeSet) IsEmpty() bool {
	return len(c.Blocks) == 0
}

// Heights returns the touched heights in ascending order.
func (c *ChangeSet) Heights() []uint32 {
	return slices.Sorted(maps.Keys(c.Blocks))
}
