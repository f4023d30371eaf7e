package txgraph

import (
	"cmp"
	"slices"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ChainOracle answers whether a block is part of the chain ending in a given
// tip. localchain.LocalChain implements it.
type ChainOracle interface {
	// IsBlockInChain returns None if the oracle cannot tell.
	IsBlockInChain(block, chainTip localchain.BlockID) fn.Option[bool]
}

// A compile time check to ensure LocalChain can serve as an oracle.
var _ ChainOracle = (*localchain.LocalChain)(nil)

// ChainPosition is the position of a canonical transaction: either confirmed
// by an anchor in the best chain or unconfirmed with its last sighting.
type ChainPosition[A Anchor] struct {
	anchor   fn.Option[A]
	lastSeen uint64
}

// Confirmed returns a confirmed position.
func Confirmed[A Anchor](anchor A) ChainPosition[A] {
	return ChainPosition[A]{anchor: fn.Some(anchor)}
}

// Unconfirmed returns an unconfirmed position last seen at lastSeen.
func Unconfirmed[A Anchor](lastSeen uint64) ChainPosition[A] {
	return ChainPosition[A]{anchor: fn.None[A](), lastSeen: lastSeen}
}

// IsConfirmed returns true if the position is backed by an anchor.
func (p ChainPosition[A]) IsConfirmed() bool {
	return p.anchor.IsSome()
}

// Anchor returns the anchor of a confirmed position.
func (p ChainPosition[A]) Anchor() fn.Option[A] {
	return p.anchor
}

// LastSeen returns the last sighting of an unconfirmed position.
func (p ChainPosition[A]) LastSeen() uint64 {
	return p.lastSeen
}

// Confirmations returns the number of confirmations against a tip at
// tipHeight. Unconfirmed positions have zero confirmations.
func (p ChainPosition[A]) Confirmations(tipHeight uint32) uint32 {
	return fn.MapOptionZ(p.anchor, func(a A) uint32 {
		height := a.ConfirmationHeightUpper()
		if height > tipHeight {
			return 0
		}

		return tipHeight - height + 1
	})
}

// CanonicalTx is a full transaction together with its canonical position.
type CanonicalTx[A Anchor] struct {
	Txid     chainhash.Hash
	Tx       *wire.MsgTx
	Position ChainPosition[A]
}

// FullTxOut is a canonical output with the status needed to classify it.
type FullTxOut[A Anchor] struct {
	OutPoint   wire.OutPoint
	TxOut      *wire.TxOut
	Position   ChainPosition[A]
	IsCoinbase bool

	// SpentBy is the canonical transaction spending the output, if any.
	SpentBy fn.Option[CanonicalTx[A]]
}

// IsMature reports whether the output may be spent at a tip of tipHeight given
// the coinbase maturity of the network.
func (o FullTxOut[A]) IsMature(tipHeight uint32, maturity uint16) bool {
	if !o.IsCoinbase {
		return true
	}

	return o.Position.Confirmations(tipHeight) >= uint32(maturity)
}

// canonicalizer resolves chain positions for one view of the graph,
// remembering the answers so ancestry walks stay linear.
type canonicalizer[A Anchor] struct {
	g      *TxGraph[A]
	oracle ChainOracle
	tip    localchain.BlockID

	memo     map[chainhash.Hash]fn.Option[ChainPosition[A]]
	visiting map[chainhash.Hash]struct{}
}

func (g *TxGraph[A]) canonicalizer(oracle ChainOracle,
	tip localchain.BlockID) *canonicalizer[A] {

	return &canonicalizer[A]{
		g:        g,
		oracle:   oracle,
		tip:      tip,
		memo:     make(map[chainhash.Hash]fn.Option[ChainPosition[A]]),
		visiting: make(map[chainhash.Hash]struct{}),
	}
}

// confirmedAnchor returns the lowest anchor of txid in the best chain.
func (c *canonicalizer[A]) confirmedAnchor(txid chainhash.Hash) fn.Option[A] {
	for _, anchor := range c.g.Anchors(txid) {
		inChain := c.oracle.IsBlockInChain(anchor.AnchorBlock(), c.tip)
		if inChain.UnwrapOr(false) {
			return fn.Some(anchor)
		}
	}

	return fn.None[A]()
}

// position returns the canonical position of txid, or None if the
// transaction is not part of the canonical history.
//
// A transaction anchored in the best chain is confirmed. Otherwise it is an
// unconfirmed candidate if it was ever seen unconfirmed or anchored, and it
// stays canonical unless a confirmed transaction or a later seen unconfirmed
// one double spends it, or one of its parents is not canonical.
func (c *canonicalizer[A]) position(
	txid chainhash.Hash) fn.Option[ChainPosition[A]] {

	if pos, ok := c.memo[txid]; ok {
		return pos
	}

	// A cycle can only come from a malformed graph; treat it as not
	// canonical.
	if _, ok := c.visiting[txid]; ok {
		return fn.None[ChainPosition[A]]()
	}
	c.visiting[txid] = struct{}{}
	defer delete(c.visiting, txid)

	pos := c.resolve(txid)
	c.memo[txid] = pos

	return pos
}

func (c *canonicalizer[A]) resolve(
	txid chainhash.Hash) fn.Option[ChainPosition[A]] {

	none := fn.None[ChainPosition[A]]()

	n, ok := c.g.nodes[txid]
	if !ok {
		return none
	}

	anchor := c.confirmedAnchor(txid)
	if anchor.IsSome() {
		return fn.Some(Confirmed(anchor.UnsafeFromSome()))
	}

	if n.lastSeen == 0 && len(n.anchors) == 0 {
		return none
	}
	if n.tx == nil {
		return fn.Some(Unconfirmed[A](n.lastSeen))
	}

	for _, txIn := range n.tx.TxIn {
		prevOut := txIn.PreviousOutPoint

		for conflict := range c.g.spends[prevOut] {
			if conflict == txid {
				continue
			}
			if c.confirmedAnchor(conflict).IsSome() {
				return none
			}

			seen := c.g.LastSeen(conflict)
			switch {
			case seen > n.lastSeen:
				return none

			case seen == n.lastSeen &&
				compareHashes(conflict, txid) > 0:

				return none
			}
		}

		parent, ok := c.g.nodes[prevOut.Hash]
		if !ok || parent.tx == nil {
			continue
		}
		if c.position(prevOut.Hash).IsNone() {
			return none
		}
	}

	return fn.Some(Unconfirmed[A](n.lastSeen))
}

// ChainPosition returns the canonical position of txid under the chain
// ending in tip.
func (g *TxGraph[A]) ChainPosition(oracle ChainOracle, tip localchain.BlockID,
	txid chainhash.Hash) fn.Option[ChainPosition[A]] {

	return g.canonicalizer(oracle, tip).position(txid)
}

// ListChainTxs returns every canonical full transaction, confirmed ones first
// by confirmation height, then unconfirmed ones by last sighting.
func (g *TxGraph[A]) ListChainTxs(oracle ChainOracle,
	tip localchain.BlockID) []CanonicalTx[A] {

	c := g.canonicalizer(oracle, tip)

	var txs []CanonicalTx[A]
	for _, txid := range g.FullTxids() {
		c.position(txid).WhenSome(func(pos ChainPosition[A]) {
			txs = append(txs, CanonicalTx[A]{
				Txid:     txid,
				Tx:       g.nodes[txid].tx,
				Position: pos,
			})
		})
	}

	slices.SortStableFunc(txs, func(a, b CanonicalTx[A]) int {
		return compareCanonical(a, b)
	})

	return txs
}

func compareCanonical[A Anchor](a, b CanonicalTx[A]) int {
	ac, bc := a.Position.IsConfirmed(), b.Position.IsConfirmed()
	switch {
	case ac && !bc:
		return -1
	case !ac && bc:
		return 1
	case ac && bc:
		return compareAnchors(
			a.Position.anchor.UnsafeFromSome(),
			b.Position.anchor.UnsafeFromSome(),
		)
	}

	if r := cmp.Compare(a.Position.lastSeen, b.Position.lastSeen); r != 0 {
		return r
	}

	return compareHashes(a.Txid, b.Txid)
}

// FilterChainTxOuts returns the canonical outputs among outpoints, along with
// their canonical spender. Outpoints whose creating transaction is unknown or
// not canonical are skipped.
func (g *TxGraph[A]) FilterChainTxOuts(oracle ChainOracle,
	tip localchain.BlockID, outpoints []wire.OutPoint) []FullTxOut[A] {

	c := g.canonicalizer(oracle, tip)

	var outs []FullTxOut[A]
	for _, op := range outpoints {
		tx := g.GetTx(op.Hash)
		if tx == nil || int(op.Index) >= len(tx.TxOut) {
			continue
		}

		pos := c.position(op.Hash)
		if pos.IsNone() {
			continue
		}

		out := FullTxOut[A]{
			OutPoint:   op,
			TxOut:      tx.TxOut[op.Index],
			Position:   pos.UnsafeFromSome(),
			IsCoinbase: blockchain.IsCoinBaseTx(tx),
			SpentBy:    fn.None[CanonicalTx[A]](),
		}

		for _, spender := range g.Spenders(op) {
			spentPos := c.position(spender)
			if spentPos.IsNone() {
				continue
			}

			out.SpentBy = fn.Some(CanonicalTx[A]{
				Txid:     spender,
				Tx:       g.nodes[spender].tx,
				Position: spentPos.UnsafeFromSome(),
			})

			break
		}

		outs = append(outs, out)
	}

	return outs
}

// FilterChainUnspents is FilterChainTxOuts restricted to unspent outputs.
func (g *TxGraph[A]) FilterChainUnspents(oracle ChainOracle,
	tip localchain.BlockID, outpoints []wire.OutPoint) []FullTxOut[A] {

	outs := g.FilterChainTxOuts(oracle, tip, outpoints)

	return slices.DeleteFunc(outs, func(o FullTxOut[A]) bool {
		return o.SpentBy.IsSome()
	})
}
