package localchain

import (
	"fmt"
	"maps"
	"slices"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// LocalChain is the wallet's sparse view of the best chain. It always contains
// the genesis block and is updated by applying checkpoint lists reported by a
// chain source.
//
// LocalChain is not safe for concurrent use. Callers guard it with their own
// lock, while the CheckPoint returned by Tip may be used without one.
type LocalChain struct {
	tip    *CheckPoint
	hashes map[uint32]chainhash.Hash
}

// FromGenesisHash creates a chain holding only the genesis block and returns
// the changeset describing it.
func FromGenesisHash(hash chainhash.Hash) (*LocalChain, ChangeSet) {
	genesis := BlockID{Height: 0, Hash: hash}
	chain := &LocalChain{
		tip:    NewCheckPoint(genesis),
		hashes: map[uint32]chainhash.Hash{0: hash},
	}

	cs := NewChangeSet()
	cs.Insert(genesis)

	return chain, cs
}

// FromParams creates a chain holding the genesis block of the network.
func FromParams(params *chaincfg.Params) (*LocalChain, ChangeSet) {
	return FromGenesisHash(*params.GenesisHash)
}

// FromChangeSet rebuilds a chain from an aggregated changeset, as loaded from
// persistence.
func FromChangeSet(cs ChangeSet) (*LocalChain, error) {
	hash, ok := cs.Blocks[0]
	if !ok || hash.IsNone() {
		return nil, ErrMissingGenesis
	}

	chain := &LocalChain{
		hashes: make(map[uint32]chainhash.Hash, len(cs.Blocks)),
	}
	if err := chain.ApplyChangeSet(cs); err != nil {
		return nil, err
	}

	return chain, nil
}

// Tip returns the highest checkpoint.
func (c *LocalChain) Tip() *CheckPoint {
	return c.tip
}

// GenesisHash returns the hash of the block at height 0.
func (c *LocalChain) GenesisHash() chainhash.Hash {
	return c.hashes[0]
}

// Get returns the checkpoint at height, or nil.
func (c *LocalChain) Get(height uint32) *CheckPoint {
	if _, ok := c.hashes[height]; !ok {
		return nil
	}

	return c.tip.Get(height)
}

// IsBlockInChain reports whether block is part of the chain ending in
// chainTip. None is returned when the answer is unknown, either because
// chainTip is not in the local chain or no checkpoint exists at the height of
// block.
func (c *LocalChain) IsBlockInChain(block,
	chainTip BlockID) fn.Option[bool] {

	tipHash, ok := c.hashes[chainTip.Height]
	if !ok || tipHash != chainTip.Hash {
		return fn.None[bool]()
	}

	if block.Height > chainTip.Height {
		return fn.Some(false)
	}

	hash, ok := c.hashes[block.Height]
	if !ok {
		return fn.None[bool]()
	}

	return fn.Some(hash == block.Hash)
}

// InitialChangeSet returns a changeset that recreates the whole chain.
func (c *LocalChain) InitialChangeSet() ChangeSet {
	cs := NewChangeSet()
	for height, hash := range c.hashes {
		cs.Insert(BlockID{Height: height, Hash: hash})
	}

	return cs
}

// ApplyUpdate merges the checkpoints of update into the chain and returns the
// resulting changeset.
//
// Blocks of the update that do not conflict with local blocks are simply
// inserted, as the chain is sparse. When some heights conflict, the highest
// block both chains agree on is the point of agreement: every local block
// above it that the update does not confirm is invalidated. An update that
// conflicts without such a point returns a ReorgError and leaves the chain
// untouched.
func (c *LocalChain) ApplyUpdate(update *CheckPoint) (ChangeSet, error) {
	cs, err := c.mergeUpdate(update)
	if err != nil {
		return ChangeSet{}, err
	}

	if err := c.ApplyChangeSet(cs); err != nil {
		return ChangeSet{}, err
	}

	if !cs.IsEmpty() {
		log.Debugf("Applied chain update, new tip=%v, changed "+
			"heights=%v", c.tip.BlockID(), cs.Heights())
	}

	return cs, nil
}

// mergeUpdate computes the changeset for update without touching the chain.
func (c *LocalChain) mergeUpdate(update *CheckPoint) (ChangeSet, error) {
	var (
		agreement   fn.Option[uint32]
		conflictMin fn.Option[uint32]
		updated     = make(map[uint32]chainhash.Hash)
	)

	// Walk the update from its tip downwards. The first matching block is
	// the point of agreement, everything below it is assumed to agree with
	// the local chain.
	for block := range update.Blocks() {
		updated[block.Height] = block.Hash

		local, ok := c.hashes[block.Height]
		switch {
		case !ok:
			continue

		case local == block.Hash:
			if agreement.IsNone() {
				agreement = fn.Some(block.Height)
			}

		case agreement.IsNone():
			conflictMin = fn.Some(block.Height)
		}
	}

	cs := NewChangeSet()

	// Without a conflict above the point of agreement the update is purely
	// additive.
	if conflictMin.IsNone() {
		for height, hash := range updated {
			if _, ok := c.hashes[height]; ok {
				continue
			}
			cs.Insert(BlockID{Height: height, Hash: hash})
		}

		return cs, nil
	}

	lowest := conflictMin.UnwrapOr(0)
	if lowest == 0 {
		return ChangeSet{}, &ReorgError{
			Err:    ErrGenesisMismatch,
			Height: 0,
		}
	}

	base, err := agreement.UnwrapOrErr(&ReorgError{
		Err:    ErrCannotConnect,
		Height: lowest,
	})
	if err != nil {
		return ChangeSet{}, err
	}

	for height, hash := range c.hashes {
		if height <= base {
			continue
		}

		newHash, ok := updated[height]
		switch {
		case !ok:
			cs.Invalidate(height)

		case newHash != hash:
			cs.Insert(BlockID{Height: height, Hash: newHash})
		}
	}

	for height, hash := range updated {
		if _, ok := c.hashes[height]; ok {
			continue
		}
		cs.Insert(BlockID{Height: height, Hash: hash})
	}

	log.Infof("Reorg detected above height %d, %d heights changed",
		base, len(cs.Blocks))

	return cs, nil
}

// ApplyChangeSet applies cs to the chain. The genesis block can never be
// removed or replaced once set.
func (c *LocalChain) ApplyChangeSet(cs ChangeSet) error {
	if hash, ok := cs.Blocks[0]; ok {
		genesis, known := c.hashes[0]
		switch {
		case hash.IsNone():
			return &ReorgError{Err: ErrGenesisMismatch}

		case known && hash.UnsafeFromSome() != genesis:
			return &ReorgError{Err: ErrGenesisMismatch}
		}
	}

	for height, hash := range cs.Blocks {
		if hash.IsNone() {
			delete(c.hashes, height)
			continue
		}
		c.hashes[height] = hash.UnsafeFromSome()
	}

	return c.rebuildTip()
}

// InsertBlock inserts a single block into the chain. Inserting a block that
// conflicts with an existing one is an error.
func (c *LocalChain) InsertBlock(block BlockID) (ChangeSet, error) {
	if hash, ok := c.hashes[block.Height]; ok {
		if hash != block.Hash {
			return ChangeSet{}, &ReorgError{
				Err:    ErrCannotConnect,
				Height: block.Height,
			}
		}

		return ChangeSet{}, nil
	}

	cs := NewChangeSet()
	cs.Insert(block)

	return cs, c.ApplyChangeSet(cs)
}

// rebuildTip recreates the checkpoint list from the height index.
func (c *LocalChain) rebuildTip() error {
	heights := slices.Sorted(maps.Keys(c.hashes))
	if len(heights) == 0 || heights[0] != 0 {
		return ErrMissingGenesis
	}

	blocks := make([]BlockID, 0, len(heights))
	for _, height := range heights {
		blocks = append(blocks, BlockID{
			Height: height,
			Hash:   c.hashes[height],
		})
	}

	tip, err := CheckPointFromBlocks(blocks...)
	if err != nil {
		return fmt.Errorf("unable to rebuild checkpoints: %w", err)
	}
	c.tip = tip

	return nil
}
