package chainsource

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/stretchr/testify/require"
)

var (
	errOffline = errors.New("backend offline")

	testGenesis = chainhash.Hash{0x0f}
)

func testScript(index uint32) []byte {
	return []byte{0x00, 0x14, 0xee, byte(index >> 8), byte(index)}
}

// countingSpks yields testScript for every index and records the highest
// index derived.
func countingSpks(derived *int) iter.Seq2[uint32, []byte] {
	return func(yield func(uint32, []byte) bool) {
		for i := uint32(0); ; i++ {
			*derived = int(i)
			if !yield(i, testScript(i)) {
				return
			}
		}
	}
}

func payTo(script []byte, value int64, salt byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{salt, 0x77}}, nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(value, script))

	return tx
}

func localTip(t *testing.T, blocks ...localchain.BlockID) *localchain.LocalChain {
	t.Helper()

	chain, _ := localchain.FromGenesisHash(testGenesis)
	for _, b := range blocks {
		_, err := chain.InsertBlock(b)
		require.NoError(t, err)
	}

	return chain
}

// TestScanStopGap checks that discovery stops after stop gap unused scripts
// without deriving past them.
func TestScanStopGap(t *testing.T) {
	t.Parallel()

	backend := NewMockBackend(testGenesis)
	var txs []*wire.MsgTx
	for i := uint32(0); i < 3; i++ {
		txs = append(txs, payTo(testScript(i), 1000, byte(i)))
	}
	backend.MineBlock(txs...)

	// A payment past the gap is never found.
	backend.MineBlock(payTo(testScript(9), 1000, 9))

	derived := -1
	req := &FullScanRequest[string]{
		SyncRequest: SyncRequest{
			Tip:       localTip(t).Tip(),
			BatchSize: 25,
		},
		Keychains: map[string]iter.Seq2[uint32, []byte]{
			"ext": countingSpks(&derived),
		},
		StopGap: 5,
	}

	update, err := Scan(context.Background(), backend, req)
	require.NoError(t, err)

	require.Equal(t, 7, derived)
	require.Len(t, backend.QueriedScripts(), 8)
	require.Equal(t, map[string]uint32{"ext": 2}, update.LastActiveIndices)

	require.Equal(t, backend.Tip(), update.Tip.BlockID())
	require.Len(t, update.Txids(), 3)
	for _, tx := range txs {
		anchors := update.Graph.Anchors(tx.TxHash())
		require.Len(t, anchors, 1)
		require.Equal(t, uint32(1), anchors[0].ConfirmationHeight)
		require.Equal(t, backend.Tip(), anchors[0].Block)
	}
}

// TestScanSmallBatches checks the stop gap across several batches.
func TestScanSmallBatches(t *testing.T) {
	t.Parallel()

	backend := NewMockBackend(testGenesis)
	backend.MineBlock(payTo(testScript(2), 1000, 1))
	backend.AddMempoolTx(payTo(testScript(4), 1000, 2))

	derived := -1
	update, err := Scan(context.Background(), backend,
		&FullScanRequest[string]{
			SyncRequest: SyncRequest{
				Tip:       localTip(t).Tip(),
				BatchSize: 2,
			},
			Keychains: map[string]iter.Seq2[uint32, []byte]{
				"ext": countingSpks(&derived),
				"int": countingSpks(new(int)),
			},
			StopGap: 3,
		},
	)
	require.NoError(t, err)

	// 2 and 4 are used, 5, 6 and 7 end the scan.
	require.Equal(t, 7, derived)
	require.Equal(t, map[string]uint32{"ext": 4, "int": 4},
		update.LastActiveIndices)
	require.Len(t, update.Unconfirmed, 1)
}

// TestScanWithoutKeychain checks syncing of known scripts, txids and
// outpoints.
func TestScanWithoutKeychain(t *testing.T) {
	t.Parallel()

	backend := NewMockBackend(testGenesis)

	funding := payTo(testScript(0), 5000, 1)
	backend.MineBlock(funding)
	fundingOp := wire.OutPoint{Hash: funding.TxHash()}

	spend := wire.NewMsgTx(2)
	spend.AddTxIn(wire.NewTxIn(&fundingOp, nil, nil))
	spend.AddTxOut(wire.NewTxOut(4000, testScript(100)))
	backend.AddMempoolTx(spend)

	pending := payTo(testScript(50), 100, 3)
	backend.AddMempoolTx(pending)
	backend.MineBlock(pending)

	gone := chainhash.Hash{0xde, 0xad}

	update, err := ScanWithoutKeychain[string](
		context.Background(), backend, &SyncRequest{
			Tip:       localTip(t).Tip(),
			Spks:      [][]byte{testScript(1)},
			Txids:     []chainhash.Hash{pending.TxHash(), gone},
			OutPoints: []wire.OutPoint{fundingOp},
		},
	)
	require.NoError(t, err)
	require.Empty(t, update.LastActiveIndices)

	require.Len(t, update.Graph.Anchors(funding.TxHash()), 1)
	require.Len(t, update.Graph.Anchors(pending.TxHash()), 1)
	require.Contains(t, update.Unconfirmed, spend.TxHash())
	require.NotContains(t, update.Unconfirmed, gone)
	require.Len(t, update.Txids(), 3)
}

// TestFetchTipReorg checks that the tip update replaces reorged blocks when
// applied to the local chain.
func TestFetchTipReorg(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := NewMockBackend(testGenesis)
	var blocks []localchain.BlockID
	for i := 0; i < 12; i++ {
		blocks = append(blocks, backend.MineBlock())
	}

	chain := localTip(t, blocks[2], blocks[9], blocks[10], blocks[11])

	backend.Reorg(3)
	backend.MineBlock()
	backend.MineBlock()
	backend.MineBlock()
	backend.MineBlock()

	update, err := fetchTip(ctx, backend, chain.Tip())
	require.NoError(t, err)
	require.Equal(t, backend.Tip(), update.BlockID())

	cs, err := chain.ApplyUpdate(update)
	require.NoError(t, err)
	require.Equal(t, backend.Tip(), chain.Tip().BlockID())

	// Blocks below the fork are kept or filled in.
	require.NotNil(t, chain.Get(9))
	require.Equal(t, blocks[2], chain.Get(3).BlockID())
	require.Equal(t, blocks[8], chain.Get(9).BlockID())
	require.True(t, cs.Blocks[11].IsSome())
	require.NotEqual(t, blocks[10].Hash, chain.Get(11).Hash())
}

// TestFetchTipGenesisMismatch checks that a server on another chain produces
// an update the local chain rejects.
func TestFetchTipGenesisMismatch(t *testing.T) {
	t.Parallel()

	backend := NewMockBackend(chainhash.Hash{0xaa})
	backend.MineBlock()

	chain := localTip(t)
	update, err := fetchTip(context.Background(), backend, chain.Tip())
	require.NoError(t, err)

	_, err = chain.ApplyUpdate(update)
	require.ErrorIs(t, err, localchain.ErrGenesisMismatch)

	var reorgErr *localchain.ReorgError
	require.ErrorAs(t, err, &reorgErr)
}

// TestScanNetworkError checks that transport failures are wrapped.
func TestScanNetworkError(t *testing.T) {
	t.Parallel()

	backend := NewMockBackend(testGenesis)
	backend.Err = errOffline

	_, err := ScanWithoutKeychain[string](
		context.Background(), backend, &SyncRequest{
			Tip: localTip(t).Tip(),
		},
	)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.ErrorIs(t, err, errOffline)

	_, err = ScanWithoutKeychain[string](
		context.Background(), backend, &SyncRequest{},
	)
	require.ErrorIs(t, err, ErrNoTip)
}
