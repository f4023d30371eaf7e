package keychain

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/btree"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultLookahead is the number of script pubkeys derived past the
	// last revealed index of each keychain, so that payments to them are
	// still recognised.
	DefaultLookahead = 25

	// btreeDegree is the degree of the ordered script pubkey tree.
	btreeDegree = 32
)

var (
	// ErrKeychainExists is returned when a keychain is added twice with
	// different descriptors.
	ErrKeychainExists = errors.New("keychain already has a different " +
		"descriptor")

	// ErrUnknownKeychain is returned for operations on keychains that
	// were never added.
	ErrUnknownKeychain = errors.New("unknown keychain")
)

// IndexedSpk is a derived script pubkey and where it was derived from.
type IndexedSpk[K cmp.Ordered] struct {
	Keychain K
	Index    uint32
	Script   []byte
}

// IndexedOutPoint is an outpoint paying to a derived script pubkey.
type IndexedOutPoint[K cmp.Ordered] struct {
	Keychain K
	Index    uint32
	OutPoint wire.OutPoint
}

// spkKey locates a script pubkey within the keychains.
type spkKey[K cmp.Ordered] struct {
	keychain K
	index    uint32
}

func (k spkKey[K]) compare(o spkKey[K]) int {
	if c := cmp.Compare(k.keychain, o.keychain); c != 0 {
		return c
	}

	return cmp.Compare(k.index, o.index)
}

// spkItem is the btree item holding one derived script pubkey.
type spkItem[K cmp.Ordered] struct {
	key    spkKey[K]
	script []byte
}

// Less orders items by keychain, then index.
//
// NOTE: This is part of the btree.Item interface.
func (s spkItem[K]) Less(than btree.Item) bool {
	return s.key.compare(than.(spkItem[K]).key) < 0
}

// TxOutIndex derives the script pubkeys of a set of keychains and tracks
// which outputs pay to them. It remembers the last revealed index per
// keychain and keeps a lookahead window of derived but unrevealed script
// pubkeys beyond it.
//
// TxOutIndex is not safe for concurrent use.
type TxOutIndex[K cmp.Ordered] struct {
	descriptors  map[K]Descriptor
	lastRevealed map[K]uint32
	lookahead    uint32

	// spks holds every derived script pubkey ordered by keychain and
	// index.
	spks *btree.BTree

	// derivedUpTo is the next index to derive for each keychain.
	derivedUpTo map[K]uint32

	spkIndices map[string]spkKey[K]
	used       map[spkKey[K]]struct{}
	txOuts     map[wire.OutPoint]spkKey[K]
}

// NewTxOutIndex returns an empty index with the given lookahead.
func NewTxOutIndex[K cmp.Ordered](lookahead uint32) *TxOutIndex[K] {
	return &TxOutIndex[K]{
		descriptors:  make(map[K]Descriptor),
		lastRevealed: make(map[K]uint32),
		lookahead:    lookahead,
		spks:         btree.New(btreeDegree),
		derivedUpTo:  make(map[K]uint32),
		spkIndices:   make(map[string]spkKey[K]),
		used:         make(map[spkKey[K]]struct{}),
		txOuts:       make(map[wire.OutPoint]spkKey[K]),
	}
}

// AddKeychain registers the descriptor of keychain and derives its lookahead
// window. Adding the same descriptor again is a no-op.
func (i *TxOutIndex[K]) AddKeychain(keychain K, desc Descriptor) error {
	if existing, ok := i.descriptors[keychain]; ok {
		if existing.String() != desc.String() {
			return fmt.Errorf("%w: %v", ErrKeychainExists, keychain)
		}

		return nil
	}

	i.descriptors[keychain] = desc

	return i.deriveWindow(keychain)
}

// Keychains returns the registered keychains in order.
func (i *TxOutIndex[K]) Keychains() []K {
	return slices.Sorted(maps.Keys(i.descriptors))
}

// Descriptor returns the descriptor of keychain.
func (i *TxOutIndex[K]) Descriptor(keychain K) fn.Option[Descriptor] {
	desc, ok := i.descriptors[keychain]
	if !ok {
		return fn.None[Descriptor]()
	}

	return fn.Some(desc)
}

// LastRevealed returns the last revealed index of keychain.
func (i *TxOutIndex[K]) LastRevealed(keychain K) fn.Option[uint32] {
	index, ok := i.lastRevealed[keychain]
	if !ok {
		return fn.None[uint32]()
	}

	return fn.Some(index)
}

// LastRevealedIndices returns the last revealed index of every keychain.
func (i *TxOutIndex[K]) LastRevealedIndices() ChangeSet[K] {
	return maps.Clone(ChangeSet[K](i.lastRevealed))
}

// NextIndex returns the first unrevealed index of keychain.
func (i *TxOutIndex[K]) NextIndex(keychain K) uint32 {
	index, ok := i.lastRevealed[keychain]
	if !ok {
		return 0
	}

	return index + 1
}

// deriveWindow derives script pubkeys up to the lookahead past the last
// revealed index of keychain.
func (i *TxOutIndex[K]) deriveWindow(keychain K) error {
	desc, ok := i.descriptors[keychain]
	if !ok {
		return nil
	}

	end := uint64(i.NextIndex(keychain)) + uint64(i.lookahead)
	if end > uint64(MaxDerivationIndex)+1 {
		end = uint64(MaxDerivationIndex) + 1
	}

	for index := uint64(i.derivedUpTo[keychain]); index < end; index++ {
		script, err := desc.ScriptPubKey(uint32(index))
		switch {
		case errors.Is(err, hdkeychain.ErrInvalidChild):
			continue

		case err != nil:
			return fmt.Errorf("unable to derive %v/%d: %w",
				keychain, index, err)
		}

		key := spkKey[K]{keychain: keychain, index: uint32(index)}
		i.spks.ReplaceOrInsert(spkItem[K]{key: key, script: script})
		i.spkIndices[string(script)] = key
	}

	if end > uint64(i.derivedUpTo[keychain]) {
		i.derivedUpTo[keychain] = uint32(end)
	}

	return nil
}

// RevealToTarget reveals every index of keychain up to and including target.
// Nothing happens if target is already revealed, so the revealed index never
// decreases.
func (i *TxOutIndex[K]) RevealToTarget(keychain K,
	target uint32) ([]IndexedSpk[K], ChangeSet[K], error) {

	if _, ok := i.descriptors[keychain]; !ok {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnknownKeychain,
			keychain)
	}

	next := i.NextIndex(keychain)
	if _, ok := i.lastRevealed[keychain]; ok && target < next {
		return nil, ChangeSet[K]{}, nil
	}

	i.lastRevealed[keychain] = target
	if err := i.deriveWindow(keychain); err != nil {
		return nil, nil, err
	}

	revealed := i.spksInRange(keychain, next, target)

	log.Debugf("Revealed %v indices %d..%d", keychain, next, target)

	return revealed, ChangeSet[K]{keychain: target}, nil
}

// RevealToTargetMulti reveals up to the target of each keychain. Keychains
// that are not registered are skipped.
func (i *TxOutIndex[K]) RevealToTargetMulti(
	targets map[K]uint32) (map[K][]IndexedSpk[K], ChangeSet[K]) {

	revealed := make(map[K][]IndexedSpk[K])
	cs := ChangeSet[K]{}

	for _, keychain := range slices.Sorted(maps.Keys(targets)) {
		spks, kcs, err := i.RevealToTarget(keychain, targets[keychain])
		if err != nil {
			log.Warnf("Skipping reveal of %v: %v", keychain, err)
			continue
		}

		if len(spks) > 0 {
			revealed[keychain] = spks
		}
		cs.Append(kcs)
	}

	return revealed, cs
}

// RevealNext reveals the next index of keychain.
func (i *TxOutIndex[K]) RevealNext(keychain K) (IndexedSpk[K], ChangeSet[K],
	error) {

	var empty IndexedSpk[K]

	next := i.NextIndex(keychain)
	for {
		spks, cs, err := i.RevealToTarget(keychain, next)
		if err != nil {
			return empty, nil, err
		}

		// Indices without a valid key are revealed but skipped.
		if len(spks) > 0 {
			return spks[len(spks)-1], cs, nil
		}
		if next == MaxDerivationIndex {
			return empty, nil, ErrIndexOutOfRange
		}
		next++
	}
}

// NextUnusedSpk returns the lowest revealed but unused script pubkey of
// keychain, revealing a new one if none is left.
func (i *TxOutIndex[K]) NextUnusedSpk(keychain K) (IndexedSpk[K],
	ChangeSet[K], error) {

	for _, spk := range i.UnusedSpks() {
		if spk.Keychain == keychain {
			return spk, ChangeSet[K]{}, nil
		}
	}

	return i.RevealNext(keychain)
}

// spksInRange returns the derived script pubkeys of keychain in [from, to].
func (i *TxOutIndex[K]) spksInRange(keychain K, from,
	to uint32) []IndexedSpk[K] {

	var spks []IndexedSpk[K]
	i.spks.AscendGreaterOrEqual(
		spkItem[K]{key: spkKey[K]{keychain: keychain, index: from}},
		func(item btree.Item) bool {
			s := item.(spkItem[K])
			if s.key.keychain != keychain || s.key.index > to {
				return false
			}
			spks = append(spks, IndexedSpk[K]{
				Keychain: keychain,
				Index:    s.key.index,
				Script:   s.script,
			})

			return true
		},
	)

	return spks
}

// isRevealed reports whether key is at or below the last revealed index.
func (i *TxOutIndex[K]) isRevealed(key spkKey[K]) bool {
	last, ok := i.lastRevealed[key.keychain]

	return ok && key.index <= last
}

// RevealedSpks returns every revealed script pubkey ordered by keychain and
// index.
func (i *TxOutIndex[K]) RevealedSpks() []IndexedSpk[K] {
	var spks []IndexedSpk[K]
	for _, keychain := range i.Keychains() {
		last, ok := i.lastRevealed[keychain]
		if !ok {
			continue
		}
		spks = append(spks, i.spksInRange(keychain, 0, last)...)
	}

	return spks
}

// UnusedSpks returns the revealed script pubkeys that no known output pays
// to.
func (i *TxOutIndex[K]) UnusedSpks() []IndexedSpk[K] {
	spks := i.RevealedSpks()

	return slices.DeleteFunc(spks, func(s IndexedSpk[K]) bool {
		_, used := i.used[spkKey[K]{keychain: s.Keychain, index: s.Index}]
		return used
	})
}

// AllSpks returns every derived script pubkey, including the lookahead
// window.
func (i *TxOutIndex[K]) AllSpks() []IndexedSpk[K] {
	spks := make([]IndexedSpk[K], 0, i.spks.Len())
	i.spks.Ascend(func(item btree.Item) bool {
		s := item.(spkItem[K])
		spks = append(spks, IndexedSpk[K]{
			Keychain: s.key.keychain,
			Index:    s.key.index,
			Script:   s.script,
		})

		return true
	})

	return spks
}

// SpksOfKeychain returns a lazy sequence of the script pubkeys of keychain
// starting at from. Scripts are derived as the sequence is consumed and the
// index itself is not modified, so the sequence may be used without holding
// the lock that guards the index. Indices without a valid key are skipped and
// the sequence stops at the first other derivation error.
func SpksOfKeychain(desc Descriptor, from uint32) iter.Seq2[uint32, []byte] {
	return func(yield func(uint32, []byte) bool) {
		for index := uint64(from); index <= uint64(MaxDerivationIndex); index++ {
			script, err := desc.ScriptPubKey(uint32(index))
			switch {
			case errors.Is(err, hdkeychain.ErrInvalidChild):
				continue

			case err != nil:
				log.Errorf("Stopping derivation at %d: %v",
					index, err)
				return
			}

			if !yield(uint32(index), script) {
				return
			}
		}
	}
}

// SpksOfAllKeychains returns a lazy script pubkey sequence per keychain. Each
// sequence starts at the first unrevealed index, or at zero if fromStart is
// set.
func (i *TxOutIndex[K]) SpksOfAllKeychains(
	fromStart bool) map[K]iter.Seq2[uint32, []byte] {

	seqs := make(map[K]iter.Seq2[uint32, []byte], len(i.descriptors))
	for keychain, desc := range i.descriptors {
		from := i.NextIndex(keychain)
		if fromStart {
			from = 0
		}
		seqs[keychain] = SpksOfKeychain(desc, from)
	}

	return seqs
}

// IndexOf returns the keychain and index script was derived at.
func (i *TxOutIndex[K]) IndexOf(script []byte) (K, uint32, bool) {
	key, ok := i.spkIndices[string(script)]

	return key.keychain, key.index, ok
}

// IsMine reports whether script was derived by any keychain.
func (i *TxOutIndex[K]) IsMine(script []byte) bool {
	_, ok := i.spkIndices[string(script)]

	return ok
}

// IsUsed reports whether any known output pays to keychain/index.
func (i *TxOutIndex[K]) IsUsed(keychain K, index uint32) bool {
	_, ok := i.used[spkKey[K]{keychain: keychain, index: index}]

	return ok
}

// IndexTxOut records op if txOut pays to a derived script. Paying to a
// script in the lookahead window reveals up to it.
func (i *TxOutIndex[K]) IndexTxOut(op wire.OutPoint,
	txOut *wire.TxOut) ChangeSet[K] {

	cs := ChangeSet[K]{}

	key, ok := i.spkIndices[string(txOut.PkScript)]
	if !ok {
		return cs
	}

	i.txOuts[op] = key
	i.used[key] = struct{}{}

	if !i.isRevealed(key) {
		_, kcs, err := i.RevealToTarget(key.keychain, key.index)
		if err != nil {
			log.Errorf("Unable to reveal %v/%d: %v", key.keychain,
				key.index, err)

			return cs
		}
		cs.Append(kcs)
	}

	return cs
}

// IndexTx indexes every output of tx.
func (i *TxOutIndex[K]) IndexTx(tx *wire.MsgTx) ChangeSet[K] {
	cs := ChangeSet[K]{}
	txid := tx.TxHash()
	for vout, txOut := range tx.TxOut {
		op := wire.OutPoint{Hash: txid, Index: uint32(vout)}
		cs.Append(i.IndexTxOut(op, txOut))
	}

	return cs
}

// Outpoints returns every indexed outpoint ordered by keychain, index and
// outpoint.
func (i *TxOutIndex[K]) Outpoints() []IndexedOutPoint[K] {
	ops := make([]IndexedOutPoint[K], 0, len(i.txOuts))
	for op, key := range i.txOuts {
		ops = append(ops, IndexedOutPoint[K]{
			Keychain: key.keychain,
			Index:    key.index,
			OutPoint: op,
		})
	}

	slices.SortFunc(ops, func(a, b IndexedOutPoint[K]) int {
		ka := spkKey[K]{keychain: a.Keychain, index: a.Index}
		kb := spkKey[K]{keychain: b.Keychain, index: b.Index}
		if c := ka.compare(kb); c != 0 {
			return c
		}
		c := bytes.Compare(a.OutPoint.Hash[:], b.OutPoint.Hash[:])
		if c != 0 {
			return c
		}

		return cmp.Compare(a.OutPoint.Index, b.OutPoint.Index)
	})

	return ops
}

// OutPoint returns where the output at op was derived, if it is indexed.
func (i *TxOutIndex[K]) OutPoint(op wire.OutPoint) fn.Option[IndexedOutPoint[K]] {
	key, ok := i.txOuts[op]
	if !ok {
		return fn.None[IndexedOutPoint[K]]()
	}

	return fn.Some(IndexedOutPoint[K]{
		Keychain: key.keychain,
		Index:    key.index,
		OutPoint: op,
	})
}

// IsFromMe reports whether tx has inputs and every one of them spends an
// output of this index.
func (i *TxOutIndex[K]) IsFromMe(tx *wire.MsgTx) bool {
	if len(tx.TxIn) == 0 {
		return false
	}

	for _, txIn := range tx.TxIn {
		if _, ok := i.txOuts[txIn.PreviousOutPoint]; !ok {
			return false
		}
	}

	return true
}

// ApplyChangeSet reveals the indices of cs. Entries for keychains that are
// not registered yet are remembered and derived once the keychain is added.
func (i *TxOutIndex[K]) ApplyChangeSet(cs ChangeSet[K]) error {
	for keychain, index := range cs.All() {
		if cur, ok := i.lastRevealed[keychain]; ok && cur >= index {
			continue
		}
		i.lastRevealed[keychain] = index

		if err := i.deriveWindow(keychain); err != nil {
			return err
		}
	}

	return nil
}
