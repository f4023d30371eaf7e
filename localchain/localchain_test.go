package localchain

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// hashOf returns a deterministic hash for a test block.
func hashOf(height uint32, fork byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = byte(height)
	h[1] = byte(height >> 8)
	h[31] = fork

	return h
}

func block(height uint32, fork byte) BlockID {
	return BlockID{Height: height, Hash: hashOf(height, fork)}
}

func checkpoints(t *testing.T, blocks ...BlockID) *CheckPoint {
	t.Helper()

	cp, err := CheckPointFromBlocks(blocks...)
	require.NoError(t, err)

	return cp
}

func newTestChain(t *testing.T, blocks ...BlockID) *LocalChain {
	t.Helper()

	chain, _ := FromGenesisHash(hashOf(0, 0))
	_, err := chain.ApplyUpdate(
		checkpoints(t, append([]BlockID{block(0, 0)}, blocks...)...),
	)
	require.NoError(t, err)

	return chain
}

// TestApplyUpdate covers extension, idempotence, reorgs and the error cases
// of chain updates.
func TestApplyUpdate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		local     []BlockID
		update    []BlockID
		expBlocks map[uint32]fn.Option[chainhash.Hash]
		expErr    error
		expTip    BlockID
	}{
		{
			name:   "extend tip",
			local:  []BlockID{block(1, 0), block(2, 0)},
			update: []BlockID{block(2, 0), block(3, 0), block(4, 0)},
			expBlocks: map[uint32]fn.Option[chainhash.Hash]{
				3: fn.Some(hashOf(3, 0)),
				4: fn.Some(hashOf(4, 0)),
			},
			expTip: block(4, 0),
		},
		{
			name:      "same update twice",
			local:     []BlockID{block(1, 0), block(2, 0)},
			update:    []BlockID{block(1, 0), block(2, 0)},
			expBlocks: map[uint32]fn.Option[chainhash.Hash]{},
			expTip:    block(2, 0),
		},
		{
			name:   "reorg replaces and invalidates",
			local:  []BlockID{block(1, 0), block(2, 0), block(3, 0)},
			update: []BlockID{block(1, 0), block(2, 1)},
			expBlocks: map[uint32]fn.Option[chainhash.Hash]{
				2: fn.Some(hashOf(2, 1)),
				3: fn.None[chainhash.Hash](),
			},
			expTip: block(2, 1),
		},
		{
			name:   "sparse insert below tip",
			local:  []BlockID{block(5, 0)},
			update: []BlockID{block(3, 0), block(5, 0)},
			expBlocks: map[uint32]fn.Option[chainhash.Hash]{
				3: fn.Some(hashOf(3, 0)),
			},
			expTip: block(5, 0),
		},
		{
			name:   "conflict without agreement",
			local:  []BlockID{block(1, 0), block(2, 0)},
			update: []BlockID{block(2, 1), block(3, 1)},
			expErr: ErrCannotConnect,
		},
		{
			name:   "genesis mismatch",
			local:  []BlockID{block(1, 0)},
			update: []BlockID{block(0, 1), block(1, 1)},
			expErr: ErrGenesisMismatch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			chain := newTestChain(t, tc.local...)
			before := chain.InitialChangeSet()

			cs, err := chain.ApplyUpdate(
				checkpoints(t, tc.update...),
			)
			if tc.expErr != nil {
				require.ErrorIs(t, err, tc.expErr)

				var reorgErr *ReorgError
				require.ErrorAs(t, err, &reorgErr)

				// The chain must not be touched.
				require.Equal(
					t, before, chain.InitialChangeSet(),
				)
				return
			}
			require.NoError(t, err)

			require.Equal(t, tc.expBlocks, cs.Blocks)
			require.Equal(t, tc.expTip, chain.Tip().BlockID())
		})
	}
}

// TestFromChangeSetRoundTrip rebuilds a chain from its own changesets.
func TestFromChangeSetRoundTrip(t *testing.T) {
	t.Parallel()

	chain, initial := FromParams(&chaincfg.RegressionNetParams)

	cs1, err := chain.ApplyUpdate(checkpoints(t,
		BlockID{Height: 0, Hash: *chaincfg.RegressionNetParams.GenesisHash},
		block(1, 0), block(2, 0),
	))
	require.NoError(t, err)

	cs2, err := chain.ApplyUpdate(checkpoints(t, block(1, 0), block(2, 1)))
	require.NoError(t, err)

	agg := NewChangeSet()
	agg.Append(initial)
	agg.Append(cs1)
	agg.Append(cs2)

	rebuilt, err := FromChangeSet(agg)
	require.NoError(t, err)
	require.Equal(t, chain.Tip().BlockID(), rebuilt.Tip().BlockID())
	require.Equal(t, chain.Tip().Len(), rebuilt.Tip().Len())

	_, err = FromChangeSet(NewChangeSet())
	require.ErrorIs(t, err, ErrMissingGenesis)
}

// TestIsBlockInChain checks the three possible answers.
func TestIsBlockInChain(t *testing.T) {
	t.Parallel()

	chain := newTestChain(t, block(1, 0), block(3, 0))
	tip := chain.Tip().BlockID()

	require.Equal(t, fn.Some(true), chain.IsBlockInChain(block(1, 0), tip))
	require.Equal(t, fn.Some(false), chain.IsBlockInChain(block(1, 1), tip))
	require.Equal(t, fn.Some(false), chain.IsBlockInChain(block(4, 0), tip))
	require.Equal(t, fn.None[bool](), chain.IsBlockInChain(block(2, 0), tip))
	require.Equal(
		t, fn.None[bool](), chain.IsBlockInChain(block(1, 0), block(3, 1)),
	)
}

// TestCheckPointPush ensures heights must increase.
func TestCheckPointPush(t *testing.T) {
	t.Parallel()

	cp := NewCheckPoint(block(5, 0))
	_, err := cp.Push(block(5, 1))
	require.ErrorIs(t, err, ErrNonIncreasingHeight)

	next, err := cp.Push(block(7, 0))
	require.NoError(t, err)
	require.Equal(t, cp, next.Prev())
	require.Equal(t, cp, next.Get(5))
	require.Nil(t, next.Get(6))
}
