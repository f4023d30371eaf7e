package chainsource

import (
	"context"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/localchain"
)

// chainSuffixLength is the number of most recent server blocks fetched to
// connect the local chain to the server's tip.
const chainSuffixLength = 8

// fetchTip builds a checkpoint chain update connecting local to the server's
// current tip. The update starts at the highest local block the server
// agrees with and contains the server's hash for every local height above it,
// so conflicting local blocks are replaced or invalidated when it is applied.
func fetchTip(ctx context.Context, backend Backend,
	local *localchain.CheckPoint) (*localchain.CheckPoint, error) {

	tipHeight, err := backend.TipHeight(ctx)
	if err != nil {
		return nil, networkError("tip height", err)
	}

	serverHashes := make(map[uint32]chainhash.Hash, chainSuffixLength)
	start := uint32(0)
	if tipHeight >= chainSuffixLength {
		start = tipHeight - chainSuffixLength + 1
	}
	for height := start; height <= tipHeight; height++ {
		hash, err := backend.BlockHash(ctx, height)
		if err != nil {
			return nil, networkError("block hash", err)
		}
		serverHashes[height] = hash
	}

	var agreement *localchain.CheckPoint
	for cp := local; cp != nil; cp = cp.Prev() {
		height := cp.Height()
		if height > tipHeight {
			continue
		}

		hash, ok := serverHashes[height]
		if !ok {
			hash, err = backend.BlockHash(ctx, height)
			if err != nil {
				return nil, networkError("block hash", err)
			}
			serverHashes[height] = hash
		}

		if hash == cp.Hash() {
			agreement = cp
			break
		}

		log.Debugf("Server disagrees with local block %v", cp.BlockID())
	}

	// Without any agreement the server's genesis goes into the update so
	// that applying it reports the mismatch.
	base := localchain.BlockID{Height: 0}
	if agreement != nil {
		base = agreement.BlockID()
	} else {
		base.Hash, err = backend.BlockHash(ctx, 0)
		if err != nil {
			return nil, networkError("block hash", err)
		}
	}

	heights := make([]uint32, 0, len(serverHashes))
	for height := range serverHashes {
		if height > base.Height {
			heights = append(heights, height)
		}
	}
	slices.Sort(heights)

	update := localchain.NewCheckPoint(base)
	for _, height := range heights {
		update, err = update.Push(localchain.BlockID{
			Height: height,
			Hash:   serverHashes[height],
		})
		if err != nil {
			return nil, err
		}
	}

	return update, nil
}

// tipMoved reports whether the server's best block is no longer tip.
func tipMoved(ctx context.Context, backend Backend,
	tip localchain.BlockID) (bool, error) {

	height, err := backend.TipHeight(ctx)
	if err != nil {
		return false, networkError("tip height", err)
	}
	if height != tip.Height {
		return true, nil
	}

	hash, err := backend.BlockHash(ctx, tip.Height)
	if err != nil {
		return false, networkError("block hash", err)
	}

	return hash != tip.Hash, nil
}
