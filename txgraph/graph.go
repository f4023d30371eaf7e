package txgraph

import (
	"bytes"
	"maps"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/changeset"
)

// A compile time check to ensure ChangeSet implements changeset.Appender.
var _ changeset.Appender[ChangeSet[ConfirmationHeightAnchor]] = (
	*ChangeSet[ConfirmationHeightAnchor])(nil)

// txNode holds everything the graph knows about one transaction id.
type txNode[A Anchor] struct {
	// tx is nil if only some of the outputs are known.
	tx *wire.MsgTx

	// txOuts holds floating outputs while tx is nil.
	txOuts map[uint32]*wire.TxOut

	anchors  map[A]struct{}
	lastSeen uint64
}

// TxGraph is an append only graph of transactions, floating outputs, anchors
// and unconfirmed sightings. Transactions are never removed: a transaction
// displaced by a reorg or a conflict simply stops being canonical and may
// become canonical again later.
//
// TxGraph is not safe for concurrent use.
type TxGraph[A Anchor] struct {
	nodes map[chainhash.Hash]*txNode[A]

	// spends maps each outpoint to the txids spending it.
	spends map[wire.OutPoint]map[chainhash.Hash]struct{}
}

// New returns an empty graph.
func New[A Anchor]() *TxGraph[A] {
	return &TxGraph[A]{
		nodes:  make(map[chainhash.Hash]*txNode[A]),
		spends: make(map[wire.OutPoint]map[chainhash.Hash]struct{}),
	}
}

// FromChangeSet builds a graph from an aggregated changeset.
func FromChangeSet[A Anchor](cs ChangeSet[A]) *TxGraph[A] {
	g := New[A]()
	g.ApplyChangeSet(cs)

	return g
}

func (g *TxGraph[A]) node(txid chainhash.Hash) *txNode[A] {
	n, ok := g.nodes[txid]
	if !ok {
		n = &txNode[A]{
			txOuts:  make(map[uint32]*wire.TxOut),
			anchors: make(map[A]struct{}),
		}
		g.nodes[txid] = n
	}

	return n
}

// InsertTx returns the changeset for inserting tx, then applies it.
func (g *TxGraph[A]) InsertTx(tx *wire.MsgTx) ChangeSet[A] {
	cs := NewChangeSet[A]()
	txid := tx.TxHash()
	if n, ok := g.nodes[txid]; !ok || n.tx == nil {
		cs.Txs[txid] = tx
	}
	g.ApplyChangeSet(cs)

	return cs
}

// InsertTxOut inserts a floating output. It is ignored if the full
// transaction or the output is already known.
func (g *TxGraph[A]) InsertTxOut(op wire.OutPoint,
	txOut *wire.TxOut) ChangeSet[A] {

	cs := NewChangeSet[A]()
	if g.GetTxOut(op) == nil {
		cs.TxOuts[op] = txOut
	}
	g.ApplyChangeSet(cs)

	return cs
}

// InsertAnchor records that txid is anchored by anchor.
func (g *TxGraph[A]) InsertAnchor(txid chainhash.Hash,
	anchor A) ChangeSet[A] {

	cs := NewChangeSet[A]()
	if n, ok := g.nodes[txid]; ok {
		if _, ok := n.anchors[anchor]; ok {
			return cs
		}
	}
	cs.Anchors[AnchorEntry[A]{Anchor: anchor, Txid: txid}] = struct{}{}
	g.ApplyChangeSet(cs)

	return cs
}

// InsertSeenAt records an unconfirmed sighting of txid. Only a later sighting
// than the known one changes the graph.
func (g *TxGraph[A]) InsertSeenAt(txid chainhash.Hash,
	seenAt uint64) ChangeSet[A] {

	cs := NewChangeSet[A]()
	if seenAt > g.LastSeen(txid) {
		cs.LastSeen[txid] = seenAt
	}
	g.ApplyChangeSet(cs)

	return cs
}

// ApplyChangeSet applies cs to the graph.
func (g *TxGraph[A]) ApplyChangeSet(cs ChangeSet[A]) {
	for txid, tx := range cs.Txs {
		n := g.node(txid)
		if n.tx != nil {
			continue
		}
		n.tx = tx
		n.txOuts = make(map[uint32]*wire.TxOut)

		for _, txIn := range tx.TxIn {
			op := txIn.PreviousOutPoint
			spenders, ok := g.spends[op]
			if !ok {
				spenders = make(map[chainhash.Hash]struct{})
				g.spends[op] = spenders
			}
			spenders[txid] = struct{}{}
		}
	}

	for op, txOut := range cs.TxOuts {
		n := g.node(op.Hash)
		if n.tx != nil {
			continue
		}
		n.txOuts[op.Index] = txOut
	}

	for entry := range cs.Anchors {
		g.node(entry.Txid).anchors[entry.Anchor] = struct{}{}
	}

	for txid, seen := range cs.LastSeen {
		n := g.node(txid)
		if seen > n.lastSeen {
			n.lastSeen = seen
		}
	}
}

// ApplyUpdate merges everything update knows that g does not, returning the
// changeset that was applied.
func (g *TxGraph[A]) ApplyUpdate(update *TxGraph[A]) ChangeSet[A] {
	cs := g.determineChangeSet(update)
	g.ApplyChangeSet(cs)

	return cs
}

// determineChangeSet computes the delta between g and update.
func (g *TxGraph[A]) determineChangeSet(update *TxGraph[A]) ChangeSet[A] {
	cs := NewChangeSet[A]()

	for txid, un := range update.nodes {
		n, known := g.nodes[txid]

		if un.tx != nil && (!known || n.tx == nil) {
			cs.Txs[txid] = un.tx
		}

		if un.tx == nil && (!known || n.tx == nil) {
			for vout, txOut := range un.txOuts {
				if known && n.txOuts[vout] != nil {
					continue
				}
				op := wire.OutPoint{Hash: txid, Index: vout}
				cs.TxOuts[op] = txOut
			}
		}

		for anchor := range un.anchors {
			if known {
				if _, ok := n.anchors[anchor]; ok {
					continue
				}
			}
			entry := AnchorEntry[A]{Anchor: anchor, Txid: txid}
			cs.Anchors[entry] = struct{}{}
		}

		var lastSeen uint64
		if known {
			lastSeen = n.lastSeen
		}
		if un.lastSeen > lastSeen {
			cs.LastSeen[txid] = un.lastSeen
		}
	}

	return cs
}

// InitialChangeSet returns a changeset that recreates the whole graph.
func (g *TxGraph[A]) InitialChangeSet() ChangeSet[A] {
	return New[A]().determineChangeSet(g)
}

// GetTx returns the full transaction for txid, or nil.
func (g *TxGraph[A]) GetTx(txid chainhash.Hash) *wire.MsgTx {
	if n, ok := g.nodes[txid]; ok {
		return n.tx
	}

	return nil
}

// GetTxOut returns the output at op, from a full transaction or a floating
// output, or nil.
func (g *TxGraph[A]) GetTxOut(op wire.OutPoint) *wire.TxOut {
	n, ok := g.nodes[op.Hash]
	if !ok {
		return nil
	}

	if n.tx != nil {
		if int(op.Index) >= len(n.tx.TxOut) {
			return nil
		}

		return n.tx.TxOut[op.Index]
	}

	return n.txOuts[op.Index]
}

// Anchors returns the anchors of txid, ordered by confirmation height.
func (g *TxGraph[A]) Anchors(txid chainhash.Hash) []A {
	n, ok := g.nodes[txid]
	if !ok {
		return nil
	}

	return slices.SortedFunc(maps.Keys(n.anchors), compareAnchors[A])
}

// LastSeen returns the last unconfirmed sighting of txid, or zero.
func (g *TxGraph[A]) LastSeen(txid chainhash.Hash) uint64 {
	if n, ok := g.nodes[txid]; ok {
		return n.lastSeen
	}

	return 0
}

// FullTxids returns the ids of all transactions known in full, sorted.
func (g *TxGraph[A]) FullTxids() []chainhash.Hash {
	txids := make([]chainhash.Hash, 0, len(g.nodes))
	for txid, n := range g.nodes {
		if n.tx != nil {
			txids = append(txids, txid)
		}
	}
	slices.SortFunc(txids, compareHashes)

	return txids
}

// Spenders returns the txids of the transactions spending op.
func (g *TxGraph[A]) Spenders(op wire.OutPoint) []chainhash.Hash {
	spenders := slices.Collect(maps.Keys(g.spends[op]))
	slices.SortFunc(spenders, compareHashes)

	return spenders
}

// MissingFullTxs returns the txids that g references through anchors or
// sightings but holds no full transaction for, and that other does not hold
// in full either.
func (g *TxGraph[A]) MissingFullTxs(other *TxGraph[A]) []chainhash.Hash {
	var missing []chainhash.Hash
	for txid, n := range g.nodes {
		if n.tx != nil {
			continue
		}
		if len(n.anchors) == 0 && n.lastSeen == 0 {
			continue
		}
		if other != nil && other.GetTx(txid) != nil {
			continue
		}
		missing = append(missing, txid)
	}
	slices.SortFunc(missing, compareHashes)

	return missing
}

// compareHashes orders hashes by their byte representation.
func compareHashes(a, b chainhash.Hash) int {
	return bytes.Compare(a[:], b[:])
}
