package keychain

import (
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// mockDescriptor derives distinct fake scripts and fails for the indices in
// invalid.
type mockDescriptor struct {
	tag     byte
	invalid map[uint32]bool
}

func (m *mockDescriptor) ScriptPubKey(index uint32) ([]byte, error) {
	if m.invalid[index] {
		return nil, hdkeychain.ErrInvalidChild
	}

	script := []byte{0x00, 0x14, m.tag}
	script = binary.BigEndian.AppendUint32(script, index)

	return script, nil
}

func (m *mockDescriptor) String() string {
	return "mock(" + string(rune('a'+m.tag)) + ")"
}

func mockScript(tag byte, index uint32) []byte {
	s, _ := (&mockDescriptor{tag: tag}).ScriptPubKey(index)
	return s
}

func newTestIndex(t *testing.T, lookahead uint32) *TxOutIndex[KeychainKind] {
	t.Helper()

	index := NewTxOutIndex[KeychainKind](lookahead)
	require.NoError(t, index.AddKeychain(External, &mockDescriptor{tag: 0}))
	require.NoError(t, index.AddKeychain(Internal, &mockDescriptor{tag: 1}))

	return index
}

// TestRevealToTarget checks that revealing is monotonic and keeps the
// lookahead window derived.
func TestRevealToTarget(t *testing.T) {
	t.Parallel()

	index := newTestIndex(t, 5)
	require.True(t, index.LastRevealed(External).IsNone())
	require.Len(t, index.AllSpks(), 10)
	require.True(t, index.IsMine(mockScript(0, 4)))
	require.False(t, index.IsMine(mockScript(0, 5)))

	spks, cs, err := index.RevealToTarget(External, 3)
	require.NoError(t, err)
	require.Len(t, spks, 4)
	require.Equal(t, ChangeSet[KeychainKind]{External: 3}, cs)
	require.Equal(t, uint32(4), index.NextIndex(External))

	// The window moved along.
	require.True(t, index.IsMine(mockScript(0, 8)))

	// Revealing backwards does nothing.
	spks, cs, err = index.RevealToTarget(External, 1)
	require.NoError(t, err)
	require.Empty(t, spks)
	require.True(t, cs.IsEmpty())
	require.Equal(t, uint32(3), index.LastRevealed(External).UnwrapOr(0))

	_, _, err = index.RevealToTarget(KeychainKind(7), 1)
	require.ErrorIs(t, err, ErrUnknownKeychain)
}

// TestIndexTxRevealsLookahead checks that an output paying to the lookahead
// window reveals up to its index and marks it used.
func TestIndexTxRevealsLookahead(t *testing.T) {
	t.Parallel()

	index := newTestIndex(t, 10)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{1}}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, mockScript(1, 6)))
	tx.AddTxOut(wire.NewTxOut(2000, []byte{0x6a}))

	cs := index.IndexTx(tx)
	require.Equal(t, ChangeSet[KeychainKind]{Internal: 6}, cs)
	require.True(t, index.IsUsed(Internal, 6))

	ops := index.Outpoints()
	require.Len(t, ops, 1)
	require.Equal(t, Internal, ops[0].Keychain)
	require.Equal(t, uint32(6), ops[0].Index)
	require.Equal(t, wire.OutPoint{Hash: tx.TxHash()}, ops[0].OutPoint)

	// Every revealed internal index except 6 is unused.
	var unused []uint32
	for _, spk := range index.UnusedSpks() {
		require.Equal(t, Internal, spk.Keychain)
		unused = append(unused, spk.Index)
	}
	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, unused)

	// A transaction spending our output is from us.
	spend := wire.NewMsgTx(2)
	spend.AddTxIn(wire.NewTxIn(&ops[0].OutPoint, nil, nil))
	require.True(t, index.IsFromMe(spend))
	require.False(t, index.IsFromMe(tx))
	require.False(t, index.IsFromMe(wire.NewMsgTx(2)))
}

// TestNextUnusedSpk checks that unused scripts are handed out before new ones
// are revealed.
func TestNextUnusedSpk(t *testing.T) {
	t.Parallel()

	index := newTestIndex(t, 3)

	spk, cs, err := index.NextUnusedSpk(External)
	require.NoError(t, err)
	require.Equal(t, uint32(0), spk.Index)
	require.Equal(t, ChangeSet[KeychainKind]{External: 0}, cs)

	spk, cs, err = index.NextUnusedSpk(External)
	require.NoError(t, err)
	require.Equal(t, uint32(0), spk.Index)
	require.True(t, cs.IsEmpty())

	index.IndexTxOut(
		wire.OutPoint{Hash: chainhash.Hash{2}}, wire.NewTxOut(1, spk.Script),
	)

	spk, _, err = index.NextUnusedSpk(External)
	require.NoError(t, err)
	require.Equal(t, uint32(1), spk.Index)
}

// TestSpksSkipInvalidChild checks that indices without a valid key are
// skipped by derivation.
func TestSpksSkipInvalidChild(t *testing.T) {
	t.Parallel()

	desc := &mockDescriptor{tag: 0, invalid: map[uint32]bool{2: true}}

	var indices []uint32
	for i := range SpksOfKeychain(desc, 0) {
		indices = append(indices, i)
		if len(indices) == 4 {
			break
		}
	}
	require.Equal(t, []uint32{0, 1, 3, 4}, indices)

	index := NewTxOutIndex[KeychainKind](0)
	require.NoError(t, index.AddKeychain(External, desc))

	spk, _, err := index.RevealNext(External)
	require.NoError(t, err)
	require.Equal(t, uint32(0), spk.Index)
	_, _, err = index.RevealNext(External)
	require.NoError(t, err)

	spk, _, err = index.RevealNext(External)
	require.NoError(t, err)
	require.Equal(t, uint32(3), spk.Index)
}

// TestSpksOfAllKeychains checks where lazy derivation starts.
func TestSpksOfAllKeychains(t *testing.T) {
	t.Parallel()

	index := newTestIndex(t, 0)
	_, _, err := index.RevealToTarget(External, 4)
	require.NoError(t, err)

	first := func(fromStart bool, keychain KeychainKind) uint32 {
		for i := range index.SpksOfAllKeychains(fromStart)[keychain] {
			return i
		}
		return 0
	}

	require.Equal(t, uint32(5), first(false, External))
	require.Equal(t, uint32(0), first(true, External))
	require.Equal(t, uint32(0), first(false, Internal))
}

// TestApplyChangeSetBeforeKeychain checks that revealed indices restored
// before their keychain is added take effect once it is.
func TestApplyChangeSetBeforeKeychain(t *testing.T) {
	t.Parallel()

	index := NewTxOutIndex[KeychainKind](2)
	require.NoError(t, index.ApplyChangeSet(
		ChangeSet[KeychainKind]{External: 4},
	))
	require.NoError(t, index.AddKeychain(External, &mockDescriptor{tag: 0}))

	require.Equal(t, uint32(5), index.NextIndex(External))
	require.True(t, index.IsMine(mockScript(0, 6)))
	require.Len(t, index.RevealedSpks(), 5)

	// Re-adding the same descriptor is fine, a different one is not.
	require.NoError(t, index.AddKeychain(External, &mockDescriptor{tag: 0}))
	require.ErrorIs(t, index.AddKeychain(
		External, &mockDescriptor{tag: 3},
	), ErrKeychainExists)
}
