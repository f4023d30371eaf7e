package txgraph

import (
	"bytes"
	"fmt"

	"github.com/lightninglabs/chainsync/localchain"
)

// Anchor is evidence that a transaction is part of the block chain that
// contains AnchorBlock. Anchors are compared by value so they can be stored in
// sets.
type Anchor interface {
	comparable

	// AnchorBlock returns the block that must be part of the best chain
	// for the anchor to be valid.
	AnchorBlock() localchain.BlockID

	// ConfirmationHeightUpper returns the height at which the anchored
	// transaction confirmed, or an upper bound of it.
	ConfirmationHeightUpper() uint32
}

// ConfirmationHeightAnchor anchors a transaction to a block that was the chain
// tip when the confirmation height was observed. The transaction confirmed at
// ConfirmationHeight, which is at or below Block.Height.
type ConfirmationHeightAnchor struct {
	// Block is the tip the confirmation was observed against.
	Block localchain.BlockID

	// ConfirmationHeight is the height of the confirming block.
	ConfirmationHeight uint32
}

// AnchorBlock returns the block the anchor depends on.
//
// NOTE: This is part of the Anchor interface.
func (a ConfirmationHeightAnchor) AnchorBlock() localchain.BlockID {
	return a.Block
}

// ConfirmationHeightUpper returns the confirmation height.
//
// NOTE: This is part of the Anchor interface.
func (a ConfirmationHeightAnchor) ConfirmationHeightUpper() uint32 {
	return a.ConfirmationHeight
}

// String returns a human readable form of the anchor.
func (a ConfirmationHeightAnchor) String() string {
	return fmt.Sprintf("height=%d (via %v)", a.ConfirmationHeight, a.Block)
}

// compareAnchors orders anchors by confirmation height, then anchor block.
func compareAnchors[A Anchor](a, b A) int {
	ha, hb := a.ConfirmationHeightUpper(), b.ConfirmationHeightUpper()
	switch {
	case ha < hb:
		return -1
	case ha > hb:
		return 1
	}

	ba, bb := a.AnchorBlock(), b.AnchorBlock()
	switch {
	case ba.Height < bb.Height:
		return -1
	case ba.Height > bb.Height:
		return 1
	}

	return bytes.Compare(ba.Hash[:], bb.Hash[:])
}
