package store

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightninglabs/chainsync/txgraph"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type anchor = txgraph.ConfirmationHeightAnchor

func testTx(salt uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: salt}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14, byte(salt)}))

	return tx
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()

	s, err := Open(path, kvdb.DefaultDBTimeout)
	require.NoError(t, err)

	return s
}

// TestCommitLoad checks that committed records fold back into the aggregate
// changeset after a restart.
func TestCommitLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), DefaultFileName)
	s := openTestStore(t, path)

	tx := testTx(1)
	block := localchain.BlockID{Height: 1, Hash: chainhash.Hash{1}}

	first := emptyChangeSet()
	first.Chain.Insert(localchain.BlockID{Hash: chainhash.Hash{0xaa}})
	first.Chain.Insert(block)
	first.Graph.Txs[tx.TxHash()] = tx
	first.Graph.Anchors[txgraph.AnchorEntry[anchor]{
		Anchor: anchor{Block: block, ConfirmationHeight: 1},
		Txid:   tx.TxHash(),
	}] = struct{}{}
	first.Index[keychain.External] = 3

	s.Stage(first)
	require.True(t, s.HasStaged())
	require.NoError(t, s.Commit())
	require.False(t, s.HasStaged())

	second := emptyChangeSet()
	second.Chain.Invalidate(1)
	second.Graph.LastSeen[tx.TxHash()] = 1700000000
	second.Graph.TxOuts[wire.OutPoint{Index: 7}] = wire.NewTxOut(
		5, []byte{0x51},
	)
	second.Index[keychain.External] = 1
	second.Index[keychain.Internal] = 2

	s.Stage(second)
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	s = openTestStore(t, path)
	defer s.Close()

	loaded, err := s.Load()
	require.NoError(t, err)

	require.Equal(t, keychain.ChangeSet[keychain.KeychainKind]{
		keychain.External: 3,
		keychain.Internal: 2,
	}, loaded.Index)
	require.True(t, loaded.Chain.Blocks[1].IsNone())
	require.Equal(
		t, fn.Some(chainhash.Hash{0xaa}), loaded.Chain.Blocks[0],
	)
	require.Equal(t, tx.TxHash(), loaded.Graph.Txs[tx.TxHash()].TxHash())
	require.Len(t, loaded.Graph.Anchors, 1)
	require.EqualValues(t, 1700000000, loaded.Graph.LastSeen[tx.TxHash()])
	require.Len(t, loaded.Graph.TxOuts, 1)
}

// TestCommitEmpty ensures that committing nothing writes no record.
func TestCommitEmpty(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))
	defer s.Close()

	require.NoError(t, s.Commit())

	loaded, err := s.Load()
	require.NoError(t, err)
	require.True(t, loaded.IsEmpty())
}

// TestMagicMismatch ensures a foreign database is rejected.
func TestMagicMismatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), DefaultFileName)
	db, err := kvdb.Create(
		kvdb.BoltBackendName, path, true, kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	defer db.Close()

	err = kvdb.Update(db, func(tx kvdb.RwTx) error {
		top, err := tx.CreateTopLevelBucket(topBucket)
		if err != nil {
			return err
		}
		meta, err := top.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if _, err := top.CreateBucketIfNotExists(logBucket); err != nil {
			return err
		}

		return meta.Put(magicKey, []byte("not-ours"))
	}, func() {})
	require.NoError(t, err)

	_, err = New(db)
	require.ErrorIs(t, err, ErrMagicMismatch)
}

// TestCommitFailureKeepsStage checks that a failed write leaves the staged
// changeset in place for a retry.
func TestCommitFailureKeepsStage(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))
	require.NoError(t, s.Close())

	cs := emptyChangeSet()
	cs.Index[keychain.Internal] = 4
	s.Stage(cs)

	require.Error(t, s.Commit())
	require.True(t, s.HasStaged())
}

// TestCodecRoundTrip checks that arbitrary changesets survive encoding.
func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		cs := emptyChangeSet()

		heights := rapid.SliceOfN(rapid.Uint32(), 0, 8).Draw(t, "heights")
		for _, h := range heights {
			if rapid.Bool().Draw(t, "invalidate") {
				cs.Chain.Invalidate(h)
				continue
			}
			cs.Chain.Insert(localchain.BlockID{
				Height: h, Hash: chainhash.Hash{byte(h)},
			})
		}

		salts := rapid.SliceOfN(rapid.Uint32(), 0, 4).Draw(t, "txs")
		for _, salt := range salts {
			tx := testTx(salt)
			txid := tx.TxHash()
			cs.Graph.Txs[txid] = tx
			cs.Graph.LastSeen[txid] = rapid.Uint64().Draw(t, "seen")
			cs.Graph.Anchors[txgraph.AnchorEntry[anchor]{
				Anchor: anchor{
					Block: localchain.BlockID{
						Height: salt,
					},
					ConfirmationHeight: salt / 2,
				},
				Txid: txid,
			}] = struct{}{}
		}

		indices := rapid.MapOf(
			rapid.Uint8Range(0, 1), rapid.Uint32(),
		).Draw(t, "index")
		for k, idx := range indices {
			cs.Index[keychain.KeychainKind(k)] = idx
		}

		var b bytes.Buffer
		require.NoError(t, EncodeChangeSet(&b, &cs))

		decoded, err := DecodeChangeSet(&b)
		require.NoError(t, err)
		require.Equal(t, cs.Chain, decoded.Chain)
		require.Equal(t, cs.Index, decoded.Index)
		require.Equal(t, cs.Graph.Anchors, decoded.Graph.Anchors)
		require.Equal(t, cs.Graph.LastSeen, decoded.Graph.LastSeen)
		require.Len(t, decoded.Graph.Txs, len(cs.Graph.Txs))
	})
}
