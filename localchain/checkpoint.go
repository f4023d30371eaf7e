package localchain

import (
	"fmt"
	"iter"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockID identifies a block by its height and hash.
type BlockID struct {
	// Height is the height of the block.
	Height uint32

	// Hash is the hash of the block header.
	Hash chainhash.Hash
}

// String returns a height:hash representation of the block.
func (b BlockID) String() string {
	return fmt.Sprintf("%d:%v", b.Height, b.Hash)
}

// CheckPoint is a node of an immutable, singly linked list of blocks ordered
// by descending height. A CheckPoint can be shared freely between goroutines
// since extending it never mutates existing nodes.
type CheckPoint struct {
	block BlockID
	prev  *CheckPoint
}

// NewCheckPoint returns a checkpoint without ancestors.
func NewCheckPoint(block BlockID) *CheckPoint {
	return &CheckPoint{block: block}
}

// CheckPointFromBlocks builds a checkpoint list out of blocks. The blocks must
// be sorted by strictly increasing height.
func CheckPointFromBlocks(blocks ...BlockID) (*CheckPoint, error) {
	if len(blocks) == 0 {
		return nil, ErrEmptyCheckPoint
	}

	cp := NewCheckPoint(blocks[0])

	return cp.Extend(blocks[1:]...)
}

// BlockID returns the block the checkpoint refers to.
func (c *CheckPoint) BlockID() BlockID {
	return c.block
}

// Height returns the height of the checkpoint.
func (c *CheckPoint) Height() uint32 {
	return c.block.Height
}

// Hash returns the block hash of the checkpoint.
func (c *CheckPoint) Hash() chainhash.Hash {
	return c.block.Hash
}

// Prev returns the checkpoint below this one, or nil for the base.
func (c *CheckPoint) Prev() *CheckPoint {
	return c.prev
}

// Push returns a new checkpoint for block on top of c. The height of block
// must be above the height of c.
func (c *CheckPoint) Push(block BlockID) (*CheckPoint, error) {
	if block.Height <= c.block.Height {
		return nil, fmt.Errorf("%w: pushing %d on top of %d",
			ErrNonIncreasingHeight, block.Height, c.block.Height)
	}

	return &CheckPoint{block: block, prev: c}, nil
}

// Extend pushes each of the blocks in order.
func (c *CheckPoint) Extend(blocks ...BlockID) (*CheckPoint, error) {
	tip := c
	for _, block := range blocks {
		var err error
		tip, err = tip.Push(block)
		if err != nil {
			return nil, err
		}
	}

	return tip, nil
}

// Get walks back from c and returns the checkpoint at height, or nil if no
// checkpoint exists at that height.
func (c *CheckPoint) Get(height uint32) *CheckPoint {
	for cp := c; cp != nil; cp = cp.prev {
		switch {
		case cp.block.Height == height:
			return cp

		case cp.block.Height < height:
			return nil
		}
	}

	return nil
}

// Blocks returns a sequence of the blocks from c down to the base.
func (c *CheckPoint) Blocks() iter.Seq[BlockID] {
	return func(yield func(BlockID) bool) {
		for cp := c; cp != nil; cp = cp.prev {
			if !yield(cp.block) {
				return
			}
		}
	}
}

// Len returns the number of checkpoints from c down to the base.
func (c *CheckPoint) Len() int {
	n := 0
	for cp := c; cp != nil; cp = cp.prev {
		n++
	}

	return n
}
