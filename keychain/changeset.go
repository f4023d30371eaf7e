package keychain

import (
	"cmp"
	"iter"
	"maps"
	"slices"

	"github.com/lightninglabs/chainsync/changeset"
)

// ChangeSet maps keychains to the last revealed derivation index. Merging two
// changesets keeps the maximum index per keychain, which makes merging
// commutative, associative and idempotent, and guarantees a revealed index
// never moves backwards.
type ChangeSet[K cmp.Ordered] map[K]uint32

// A compile time check to ensure ChangeSet implements changeset.Appender.
var _ changeset.Appender[ChangeSet[KeychainKind]] = (
	*ChangeSet[KeychainKind])(nil)

// Append merges other into c, keeping the larger index for keychains present
// in both.
//
// NOTE: This is part of the changeset.Appender interface.
func (c *ChangeSet[K]) Append(other ChangeSet[K]) {
	if len(other) == 0 {
		return
	}
	if *c == nil {
		*c = make(ChangeSet[K], len(other))
	}

	for keychain, index := range other {
		if cur, ok := (*c)[keychain]; !ok || index > cur {
			(*c)[keychain] = index
		}
	}
}

// IsEmpty returns true if no keychain is present.
//
// NOTE: This is part of the changeset.Appender interface.
func (c *ChangeSet[K]) IsEmpty() bool {
	return len(*c) == 0
}

// Keychains returns the keychains of the changeset in ascending order.
func (c ChangeSet[K]) Keychains() []K {
	return slices.Sorted(maps.Keys(c))
}

// All iterates over the changeset in keychain order.
func (c ChangeSet[K]) All() iter.Seq2[K, uint32] {
	return func(yield func(K, uint32) bool) {
		for _, keychain := range c.Keychains() {
			if !yield(keychain, c[keychain]) {
				return
			}
		}
	}
}
