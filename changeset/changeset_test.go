package changeset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// maxSet keeps the highest value per key.
type maxSet map[string]uint32

func (m *maxSet) Append(other maxSet) {
	if *m == nil {
		*m = make(maxSet)
	}
	for k, v := range other {
		if cur, ok := (*m)[k]; !ok || v > cur {
			(*m)[k] = v
		}
	}
}

func (m *maxSet) IsEmpty() bool {
	return len(*m) == 0
}

// TestMerge checks that Merge folds every set into a fresh value and leaves
// its inputs untouched.
func TestMerge(t *testing.T) {
	t.Parallel()

	empty := Merge[maxSet]()
	require.True(t, empty.IsEmpty())

	first := maxSet{"a": 1, "b": 5}
	second := maxSet{"a": 3, "c": 2}

	merged := Merge(first, second)
	require.Equal(t, maxSet{"a": 3, "b": 5, "c": 2}, merged)
	require.Equal(t, maxSet{"a": 1, "b": 5}, first)

	require.Equal(t, merged, Merge(second, first))
}
