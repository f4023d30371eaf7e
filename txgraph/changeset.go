package txgraph

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// AnchorEntry pairs an anchor with the transaction it anchors.
type AnchorEntry[A Anchor] struct {
	Anchor A
	Txid   chainhash.Hash
}

// ChangeSet describes what was newly added to a TxGraph. Graph changesets only
// ever add information, so merging is a union of the sets with last seen
// timestamps keeping the maximum.
type ChangeSet[A Anchor] struct {
	// Txs holds full transactions keyed by txid.
	Txs map[chainhash.Hash]*wire.MsgTx

	// TxOuts holds floating outputs whose transaction is not known in
	// full.
	TxOuts map[wire.OutPoint]*wire.TxOut

	// Anchors holds new anchors.
	Anchors map[AnchorEntry[A]]struct{}

	// LastSeen holds the latest unconfirmed sighting of transactions, as
	// seconds since the unix epoch.
	LastSeen map[chainhash.Hash]uint64
}

// NewChangeSet returns an empty graph changeset.
func NewChangeSet[A Anchor]() ChangeSet[A] {
	return ChangeSet[A]{
		Txs:      make(map[chainhash.Hash]*wire.MsgTx),
		TxOuts:   make(map[wire.OutPoint]*wire.TxOut),
		Anchors:  make(map[AnchorEntry[A]]struct{}),
		LastSeen: make(map[chainhash.Hash]uint64),
	}
}

// init allocates the maps of a zero value changeset.
func (c *ChangeSet[A]) init() {
	if c.Txs == nil {
		c.Txs = make(map[chainhash.Hash]*wire.MsgTx)
	}
	if c.TxOuts == nil {
		c.TxOuts = make(map[wire.OutPoint]*wire.TxOut)
	}
	if c.Anchors == nil {
		c.Anchors = make(map[AnchorEntry[A]]struct{})
	}
	if c.LastSeen == nil {
		c.LastSeen = make(map[chainhash.Hash]uint64)
	}
}

// Append merges other into c.
//
// NOTE: This is part of the changeset.Appender interface.
func (c *ChangeSet[A]) Append(other ChangeSet[A]) {
	c.init()

	for txid, tx := range other.Txs {
		c.Txs[txid] = tx
	}
	for op, txOut := range other.TxOuts {
		c.TxOuts[op] = txOut
	}
	for entry := range other.Anchors {
		c.Anchors[entry] = struct{}{}
	}
	for txid, seen := range other.LastSeen {
		if seen > c.LastSeen[txid] {
			c.LastSeen[txid] = seen
		}
	}
}

// IsEmpty returns true if the changeset adds nothing.
//
// NOTE: This is part of the changeset.Appender interface.
func (c *ChangeSet[A]) IsEmpty() bool {
	return len(c.Txs) == 0 && len(c.TxOuts) == 0 &&
		len(c.Anchors) == 0 && len(c.LastSeen) == 0
}
