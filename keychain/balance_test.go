package keychain

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightninglabs/chainsync/txgraph"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type anchor = txgraph.ConfirmationHeightAnchor

func testBlock(height uint32) localchain.BlockID {
	return localchain.BlockID{
		Height: height,
		Hash:   chainhash.Hash{byte(height), 0xbb},
	}
}

// balanceFixture holds a graph with one output of every balance category.
type balanceFixture struct {
	chain *localchain.LocalChain
	graph *txgraph.TxGraph[anchor]
	index *TxOutIndex[KeychainKind]
	ops   []wire.OutPoint
}

func newBalanceFixture(t *testing.T) *balanceFixture {
	t.Helper()

	chain, _ := localchain.FromGenesisHash(testBlock(0).Hash)
	for h := uint32(1); h <= 10; h++ {
		_, err := chain.InsertBlock(testBlock(h))
		require.NoError(t, err)
	}

	index := newTestIndex(t, 10)
	graph := txgraph.New[anchor]()

	add := func(tx *wire.MsgTx, height uint32) {
		graph.InsertTx(tx)
		index.IndexTx(tx)
		if height > 0 {
			graph.InsertAnchor(tx.TxHash(), anchor{
				Block:              testBlock(10),
				ConfirmationHeight: height,
			})
		} else {
			graph.InsertSeenAt(tx.TxHash(), 100)
		}
	}

	// Confirmed receive of 1000.
	confirmed := wire.NewMsgTx(2)
	confirmed.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{0xf0}}, nil, nil,
	))
	confirmed.AddTxOut(wire.NewTxOut(1000, mockScript(0, 0)))
	add(confirmed, 5)

	// Unconfirmed receive of 200 from someone else.
	untrusted := wire.NewMsgTx(2)
	untrusted.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{0xf1}}, nil, nil,
	))
	untrusted.AddTxOut(wire.NewTxOut(200, mockScript(0, 1)))
	add(untrusted, 0)

	// Unconfirmed self spend of the confirmed output with 900 change.
	trusted := wire.NewMsgTx(2)
	trusted.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: confirmed.TxHash()}, nil, nil,
	))
	trusted.AddTxOut(wire.NewTxOut(900, mockScript(1, 0)))
	add(trusted, 0)

	// Coinbase paying 5000 confirmed at height 9.
	coinbase := wire.NewMsgTx(2)
	coinbase.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Index: wire.MaxPrevOutIndex}, nil, nil,
	))
	coinbase.AddTxOut(wire.NewTxOut(5000, mockScript(0, 2)))
	add(coinbase, 9)

	var ops []wire.OutPoint
	for _, op := range index.Outpoints() {
		ops = append(ops, op.OutPoint)
	}

	return &balanceFixture{
		chain: chain,
		graph: graph,
		index: index,
		ops:   ops,
	}
}

func (f *balanceFixture) balance(ops []wire.OutPoint) Balance {
	return ComputeBalance(
		f.graph, f.chain, f.chain.Tip().BlockID(), ops,
		f.index.IsFromMe, 100,
	)
}

// TestComputeBalance checks the classification of unspent outputs.
func TestComputeBalance(t *testing.T) {
	t.Parallel()

	f := newBalanceFixture(t)
	balance := f.balance(f.ops)

	require.Equal(t, Balance{
		Immature:         5000,
		TrustedPending:   900,
		UntrustedPending: 200,
		Confirmed:        0,
	}, balance)
	require.Equal(t, btcutil.Amount(6100), balance.Total())
	require.Equal(t, btcutil.Amount(900), balance.TrustedSpendable())
	require.Equal(t, "{ immature: 5000, trusted_pending: 900, "+
		"untrusted_pending: 200, confirmed: 0 }", balance.String())
}

// TestComputeBalanceAdditive checks that the balance of a set of outpoints
// is the sum of the balances of any split of it.
func TestComputeBalanceAdditive(t *testing.T) {
	t.Parallel()

	f := newBalanceFixture(t)
	total := f.balance(f.ops)

	rapid.Check(t, func(t *rapid.T) {
		var left, right []wire.OutPoint
		for i, op := range f.ops {
			if rapid.Bool().Draw(t, "left"+string(rune('0'+i))) {
				left = append(left, op)
			} else {
				right = append(right, op)
			}
		}

		sum := f.balance(left).Add(f.balance(right))
		if sum != total {
			t.Fatalf("split balance %v != %v", sum, total)
		}
	})
}
