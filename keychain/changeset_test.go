package keychain

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightninglabs/chainsync/txgraph"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestChangeSetAppendMax checks that merging keeps the larger index for
// keychains present in both changesets.
func TestChangeSetAppendMax(t *testing.T) {
	t.Parallel()

	cs := ChangeSet[string]{"One": 7, "Two": 0, "Three": 3}
	cs.Append(ChangeSet[string]{"One": 3, "Two": 5, "Four": 4})

	require.Equal(t, ChangeSet[string]{
		"One": 7, "Two": 5, "Three": 3, "Four": 4,
	}, cs)
	require.Equal(t, []string{"Four", "One", "Three", "Two"}, cs.Keychains())
}

// TestChangeSetAppendNil checks that a nil changeset allocates on append.
func TestChangeSetAppendNil(t *testing.T) {
	t.Parallel()

	var cs ChangeSet[KeychainKind]
	require.True(t, cs.IsEmpty())

	cs.Append(nil)
	require.Nil(t, cs)

	cs.Append(ChangeSet[KeychainKind]{External: 2})
	require.Equal(t, ChangeSet[KeychainKind]{External: 2}, cs)
	require.False(t, cs.IsEmpty())
}

func drawChangeSet(t *rapid.T, label string) ChangeSet[uint8] {
	return rapid.MapOf(
		rapid.Uint8Range(0, 4), rapid.Uint32(),
	).Draw(t, label)
}

func clone(cs ChangeSet[uint8]) ChangeSet[uint8] {
	out := ChangeSet[uint8]{}
	out.Append(cs)

	return out
}

// TestChangeSetMergeProperties checks that index changesets merge
// monotonically, idempotently and commutatively.
func TestChangeSetMergeProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		a := drawChangeSet(t, "a")
		b := drawChangeSet(t, "b")

		ab := clone(a)
		ab.Append(b)

		ba := clone(b)
		ba.Append(a)

		if len(ab) != len(ba) {
			t.Fatalf("append is not commutative: %v vs %v", ab, ba)
		}
		for k, v := range ab {
			if ba[k] != v {
				t.Fatalf("append is not commutative: %v vs %v",
					ab, ba)
			}
		}

		// No index moves backwards.
		for k, v := range a {
			if ab[k] < v {
				t.Fatalf("index of %d decreased: %d < %d", k,
					ab[k], v)
			}
		}

		again := clone(ab)
		again.Append(b)
		for k, v := range ab {
			if again[k] != v {
				t.Fatalf("append is not idempotent")
			}
		}
	})
}

// TestWalletChangeSetEmpty checks that a composite changeset is empty exactly
// when all of its parts are.
func TestWalletChangeSetEmpty(t *testing.T) {
	t.Parallel()

	type anchor = txgraph.ConfirmationHeightAnchor

	rapid.Check(t, func(t *rapid.T) {
		var cs WalletChangeSet[KeychainKind, anchor]

		withChain := rapid.Bool().Draw(t, "chain")
		withGraph := rapid.Bool().Draw(t, "graph")
		withIndex := rapid.Bool().Draw(t, "index")

		if withChain {
			chain := localchain.NewChangeSet()
			chain.Insert(localchain.BlockID{Height: 1})
			cs.Append(FromChainChangeSet[KeychainKind, anchor](chain))
		}
		if withGraph {
			graph := txgraph.NewChangeSet[anchor]()
			graph.LastSeen[chainhash.Hash{1}] = 10
			cs.Append(FromIndexedGraphChangeSet[KeychainKind](
				graph, nil,
			))
		}
		if withIndex {
			cs.Append(WalletChangeSet[KeychainKind, anchor]{
				Index: ChangeSet[KeychainKind]{Internal: 1},
			})
		}

		empty := !withChain && !withGraph && !withIndex
		if cs.IsEmpty() != empty {
			t.Fatalf("IsEmpty() = %v, want %v", cs.IsEmpty(), empty)
		}
	})
}
