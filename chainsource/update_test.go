package chainsource

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightninglabs/chainsync/txgraph"
	"github.com/stretchr/testify/require"
)

// TestFinalize checks that finalizing fetches only the missing bodies and
// marks unconfirmed transactions as seen.
func TestFinalize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := NewMockBackend(testGenesis)

	known := payTo(testScript(0), 1000, 1)
	confirmed := payTo(testScript(1), 2000, 2)
	backend.MineBlock(known, confirmed)

	pending := payTo(testScript(2), 3000, 3)
	backend.AddMempoolTx(pending)

	update, err := ScanWithoutKeychain[string](ctx, backend, &SyncRequest{
		Tip:  localTip(t).Tip(),
		Spks: [][]byte{testScript(0), testScript(1), testScript(2)},
	})
	require.NoError(t, err)

	local := txgraph.New[Anchor]()
	local.InsertTx(known)

	missing := update.MissingFullTxs(local)
	require.ElementsMatch(t, []chainhash.Hash{
		confirmed.TxHash(), pending.TxHash(),
	}, missing)

	final, err := Finalize(ctx, backend, update, missing, 1700)
	require.NoError(t, err)
	require.Equal(t, update.Tip, final.Chain)
	require.Equal(t, confirmed.TxHash(),
		final.Graph.GetTx(confirmed.TxHash()).TxHash())
	require.NotNil(t, final.Graph.GetTx(pending.TxHash()))
	require.Nil(t, final.Graph.GetTx(known.TxHash()))
	require.Equal(t, uint64(1700), final.Graph.LastSeen(pending.TxHash()))
	require.Zero(t, final.Graph.LastSeen(confirmed.TxHash()))

	// Nothing is missing once the update is applied.
	local.ApplyUpdate(final.Graph)
	require.Empty(t, update.MissingFullTxs(local))
}

// TestFinalizeFetchError checks that a body the server cannot return fails
// the whole update.
func TestFinalizeFetchError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := NewMockBackend(testGenesis)

	update, err := ScanWithoutKeychain[string](ctx, backend, &SyncRequest{
		Tip: localTip(t).Tip(),
	})
	require.NoError(t, err)

	unknown := chainhash.Hash{0x99}
	update.Unconfirmed[unknown] = struct{}{}

	_, err = Finalize(
		ctx, backend, update, update.MissingFullTxs(txgraph.New[Anchor]()),
		10,
	)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, unknown, fetchErr.Txid)
	require.ErrorIs(t, err, ErrTxNotFound)
}

// TestAddStatusAboveTip checks that a confirmation above the update tip is
// not anchored and counts as unconfirmed.
func TestAddStatusAboveTip(t *testing.T) {
	t.Parallel()

	tip := localTip(t, localchain.BlockID{Height: 2, Hash: chainhash.Hash{2}})
	update := newUpdate[string](tip.Tip())

	below := chainhash.Hash{0x01}
	above := chainhash.Hash{0x02}
	update.addStatus(below, TxStatus{Confirmed: true, BlockHeight: 2})
	update.addStatus(above, TxStatus{Confirmed: true, BlockHeight: 3})

	require.Equal(t, []Anchor{{
		Block:              tip.Tip().BlockID(),
		ConfirmationHeight: 2,
	}}, update.Graph.Anchors(below))
	require.NotContains(t, update.Unconfirmed, below)

	require.Empty(t, update.Graph.Anchors(above))
	require.Contains(t, update.Unconfirmed, above)
}
