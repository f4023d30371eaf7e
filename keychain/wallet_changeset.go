package keychain

import (
	"cmp"

	"github.com/lightninglabs/chainsync/changeset"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightninglabs/chainsync/txgraph"
)

// WalletChangeSet is the composite changeset persisted by a wallet. Each part
// merges with its own rules.
type WalletChangeSet[K cmp.Ordered, A txgraph.Anchor] struct {
	// Chain holds checkpoint changes.
	Chain localchain.ChangeSet

	// Graph holds new transactions, outputs, anchors and sightings.
	Graph txgraph.ChangeSet[A]

	// Index holds newly revealed derivation indices.
	Index ChangeSet[K]
}

// A compile time check to ensure WalletChangeSet implements
// changeset.Appender.
var _ changeset.Appender[WalletChangeSet[KeychainKind,
	txgraph.ConfirmationHeightAnchor]] = (*WalletChangeSet[KeychainKind,
	txgraph.ConfirmationHeightAnchor])(nil)

// FromChainChangeSet wraps a chain changeset.
func FromChainChangeSet[K cmp.Ordered, A txgraph.Anchor](
	cs localchain.ChangeSet) WalletChangeSet[K, A] {

	return WalletChangeSet[K, A]{Chain: cs}
}

// FromIndexedGraphChangeSet wraps a graph changeset together with the index
// changes caused by indexing it.
func FromIndexedGraphChangeSet[K cmp.Ordered, A txgraph.Anchor](
	graph txgraph.ChangeSet[A], index ChangeSet[K]) WalletChangeSet[K, A] {

	return WalletChangeSet[K, A]{Graph: graph, Index: index}
}

// Append merges each part of other into the matching part of c.
//
// NOTE: This is part of the changeset.Appender interface.
func (c *WalletChangeSet[K, A]) Append(other WalletChangeSet[K, A]) {
	c.Chain.Append(other.Chain)
	c.Graph.Append(other.Graph)
	c.Index.Append(other.Index)
}

// IsEmpty returns true if every part is empty.
//
// NOTE: This is part of the changeset.Appender interface.
func (c *WalletChangeSet[K, A]) IsEmpty() bool {
	return c.Chain.IsEmpty() && c.Graph.IsEmpty() && c.Index.IsEmpty()
}

// WalletUpdate is the finished result of a scan, ready to be applied to a
// wallet.
type WalletUpdate[K cmp.Ordered, A txgraph.Anchor] struct {
	// LastActiveIndices holds the highest index with history per keychain.
	LastActiveIndices map[K]uint32

	// Graph holds the discovered transactions and their anchors.
	Graph *txgraph.TxGraph[A]

	// Chain is the new tip, if the scan reported one.
	Chain *localchain.CheckPoint
}
