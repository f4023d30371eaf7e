// Package changeset defines the merge capability shared by every store delta
// in chainsync: the chain checkpoint changeset, the transaction graph
// changeset, the keychain index changeset and their composite.
package changeset

// Appender is implemented by every changeset type. Append folds other into
// the receiver in place and IsEmpty reports whether the changeset would
// leave its owning store untouched when applied.
//
// Append must be associative. For fields whose merge is commutative the
// order of the operands must not matter; ordering sensitive fields defer to
// the merge rule of the store that owns them.
type Appender[T any] interface {
	// Append merges other into the receiver.
	Append(other T)

	// IsEmpty returns true if the changeset carries no changes.
	IsEmpty() bool
}

// Ptr constrains P to be a pointer to T that implements Appender[T]. It lets
// generic code hold changesets by value while still calling the pointer
// receiver methods.
type Ptr[T any] interface {
	*T
	Appender[T]
}

// Merge folds all of the given changesets, in order, into a fresh zero value
// of T and returns the result.
func Merge[T any, P Ptr[T]](sets ...T) T {
	var acc T
	for _, set := range sets {
		P(&acc).Append(set)
	}

	return acc
}
