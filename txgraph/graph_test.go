package txgraph

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/stretchr/testify/require"
)

type anchor = ConfirmationHeightAnchor

var testScript = []byte{0x00, 0x14, 0x01, 0x02, 0x03}

// newTx returns a transaction spending prevOuts with one output per value.
func newTx(prevOuts []wire.OutPoint, values ...int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for i := range prevOuts {
		tx.AddTxIn(wire.NewTxIn(&prevOuts[i], nil, nil))
	}
	for _, value := range values {
		tx.AddTxOut(wire.NewTxOut(value, testScript))
	}

	return tx
}

// fundingOutPoint returns an outpoint of a transaction unknown to the graph.
func fundingOutPoint(b byte) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{b}, Index: 0}
}

func blockID(height uint32, fork byte) localchain.BlockID {
	return localchain.BlockID{
		Height: height,
		Hash:   chainhash.Hash{byte(height), 0xaa, fork},
	}
}

// newChain returns a chain containing genesis and the given blocks.
func newChain(t *testing.T, blocks ...localchain.BlockID) *localchain.LocalChain {
	t.Helper()

	chain, _ := localchain.FromGenesisHash(blockID(0, 0).Hash)
	for _, b := range blocks {
		_, err := chain.InsertBlock(b)
		require.NoError(t, err)
	}

	return chain
}

// TestApplyUpdateIdempotent checks that applying the same update twice yields
// an empty changeset the second time.
func TestApplyUpdateIdempotent(t *testing.T) {
	t.Parallel()

	tx := newTx([]wire.OutPoint{fundingOutPoint(1)}, 1000)
	txid := tx.TxHash()

	update := New[anchor]()
	update.InsertTx(tx)
	update.InsertAnchor(txid, anchor{
		Block: blockID(10, 0), ConfirmationHeight: 9,
	})
	update.InsertSeenAt(txid, 100)

	g := New[anchor]()
	cs := g.ApplyUpdate(update)
	require.Len(t, cs.Txs, 1)
	require.Len(t, cs.Anchors, 1)
	require.Equal(t, uint64(100), cs.LastSeen[txid])

	cs = g.ApplyUpdate(update)
	require.True(t, cs.IsEmpty())

	// An older sighting does not change anything either.
	cs = g.InsertSeenAt(txid, 50)
	require.True(t, cs.IsEmpty())
}

// TestFloatingTxOuts makes sure floating outputs are superseded by the full
// transaction.
func TestFloatingTxOuts(t *testing.T) {
	t.Parallel()

	tx := newTx([]wire.OutPoint{fundingOutPoint(2)}, 500, 700)
	op := wire.OutPoint{Hash: tx.TxHash(), Index: 1}

	g := New[anchor]()
	cs := g.InsertTxOut(op, tx.TxOut[1])
	require.Len(t, cs.TxOuts, 1)
	require.Equal(t, int64(700), g.GetTxOut(op).Value)
	require.Nil(t, g.GetTx(op.Hash))

	g.InsertTx(tx)
	require.Equal(t, tx, g.GetTx(op.Hash))

	cs = g.InsertTxOut(op, tx.TxOut[1])
	require.True(t, cs.IsEmpty())
}

// TestMissingFullTxs checks which referenced transactions must be fetched.
func TestMissingFullTxs(t *testing.T) {
	t.Parallel()

	known := newTx([]wire.OutPoint{fundingOutPoint(3)}, 1)
	unknown := newTx([]wire.OutPoint{fundingOutPoint(4)}, 2)

	local := New[anchor]()
	local.InsertTx(known)

	update := New[anchor]()
	update.InsertAnchor(known.TxHash(), anchor{Block: blockID(5, 0)})
	update.InsertSeenAt(unknown.TxHash(), 10)

	require.Equal(
		t, []chainhash.Hash{unknown.TxHash()},
		update.MissingFullTxs(local),
	)
}

// TestInitialChangeSetRoundTrip rebuilds a graph from its initial changeset.
func TestInitialChangeSetRoundTrip(t *testing.T) {
	t.Parallel()

	g := New[anchor]()
	tx := newTx([]wire.OutPoint{fundingOutPoint(5)}, 10, 20)
	g.InsertTx(tx)
	g.InsertAnchor(tx.TxHash(), anchor{Block: blockID(3, 0)})
	g.InsertSeenAt(tx.TxHash(), 42)
	g.InsertTxOut(fundingOutPoint(6), wire.NewTxOut(5, testScript))

	rebuilt := FromChangeSet(g.InitialChangeSet())
	require.Equal(t, g.InitialChangeSet(), rebuilt.InitialChangeSet())

	cs := rebuilt.ApplyUpdate(g)
	require.True(t, cs.IsEmpty())
}
