package chainsource

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"maps"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultStopGap is the number of consecutive unused script pubkeys
	// that ends discovery for a keychain.
	DefaultStopGap = 5

	// DefaultBatchSize is the number of scripts queried per request.
	DefaultBatchSize = 25

	// maxScanAttempts bounds how often a scan is restarted because the
	// server tip moved while it ran.
	maxScanAttempts = 3
)

// ErrNoTip is returned for requests without a local tip.
var ErrNoTip = errors.New("request has no local chain tip")

// SyncRequest asks for the status of already known wallet elements.
type SyncRequest struct {
	// Tip is the local chain tip snapshot the update must connect to.
	Tip *localchain.CheckPoint

	// Spks are script pubkeys whose history is fetched.
	Spks [][]byte

	// Txids are transactions whose confirmation status is fetched.
	Txids []chainhash.Hash

	// OutPoints are outputs whose creating and spending transactions are
	// fetched.
	OutPoints []wire.OutPoint

	// BatchSize is the number of scripts per history request.
	BatchSize int
}

// FullScanRequest asks for gap limit discovery of the keychains, on top of
// the status of the elements of the embedded SyncRequest.
type FullScanRequest[K cmp.Ordered] struct {
	SyncRequest

	// Keychains holds a lazy script pubkey sequence per keychain. Each
	// sequence must derive anew when iterated again.
	Keychains map[K]iter.Seq2[uint32, []byte]

	// StopGap is the number of consecutive unused scripts after which
	// discovery of a keychain stops.
	StopGap uint32
}

func batchSize(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}

	return n
}

// Scan runs a full scan: the keychains are discovered with the gap limit and
// the extra elements of the request are synced.
func Scan[K cmp.Ordered](ctx context.Context, backend Backend,
	req *FullScanRequest[K]) (*Update[K], error) {

	return scanLoop(ctx, backend, req.Tip, func(u *Update[K]) error {
		for _, k := range slices.Sorted(maps.Keys(req.Keychains)) {
			last, err := scanKeychain(
				ctx, backend, u, req.Keychains[k], req.StopGap,
				batchSize(req.BatchSize),
			)
			if err != nil {
				return err
			}

			last.WhenSome(func(index uint32) {
				u.LastActiveIndices[k] = index
			})
		}

		return syncItems(ctx, backend, u, &req.SyncRequest)
	})
}

// ScanWithoutKeychain syncs the scripts, transactions and outputs of req
// without deriving anything new.
func ScanWithoutKeychain[K cmp.Ordered](ctx context.Context, backend Backend,
	req *SyncRequest) (*Update[K], error) {

	return scanLoop(ctx, backend, req.Tip, func(u *Update[K]) error {
		return syncItems(ctx, backend, u, req)
	})
}

// scanLoop fetches the tip, runs scan against it and starts over if the
// server tip moved meanwhile.
func scanLoop[K cmp.Ordered](ctx context.Context, backend Backend,
	local *localchain.CheckPoint, scan func(*Update[K]) error) (*Update[K],
	error) {

	if local == nil {
		return nil, ErrNoTip
	}

	var update *Update[K]
	for attempt := 1; ; attempt++ {
		tip, err := fetchTip(ctx, backend, local)
		if err != nil {
			return nil, err
		}

		update = newUpdate[K](tip)
		if err := scan(update); err != nil {
			return nil, err
		}

		moved, err := tipMoved(ctx, backend, tip.BlockID())
		if err != nil {
			return nil, err
		}
		if !moved {
			break
		}

		if attempt == maxScanAttempts {
			log.Warnf("Server tip still moving after %d attempts, "+
				"using scan against %v", attempt, tip.BlockID())
			break
		}

		log.Infof("Server tip moved during scan against %v, "+
			"restarting", tip.BlockID())
	}

	log.Debugf("Scan against %v found %d txs, last active indices: %v",
		update.Tip.BlockID(), len(update.Txids()),
		update.LastActiveIndices)

	return update, nil
}

// scanKeychain discovers the history of one keychain. Scripts are pulled
// from spks only as needed: each batch is capped by the number of unused
// scripts still allowed, so no script past the stop gap is derived. It
// returns the highest index with history.
func scanKeychain[K cmp.Ordered](ctx context.Context, backend Backend,
	u *Update[K], spks iter.Seq2[uint32, []byte], stopGap uint32,
	batch int) (fn.Option[uint32], error) {

	stopGap = max(stopGap, 1)

	next, stop := iter.Pull2(spks)
	defer stop()

	var (
		lastActive fn.Option[uint32]
		unused     uint32
	)
	for unused < stopGap {
		n := min(uint32(batch), stopGap-unused)

		indices := make([]uint32, 0, n)
		scripts := make([][]byte, 0, n)
		for uint32(len(scripts)) < n {
			index, script, ok := next()
			if !ok {
				break
			}
			indices = append(indices, index)
			scripts = append(scripts, script)
		}
		if len(scripts) == 0 {
			break
		}

		histories, err := backend.ScriptHistory(ctx, scripts)
		if err != nil {
			return lastActive, networkError("script history", err)
		}

		for i, history := range histories {
			if len(history) == 0 {
				unused++
				continue
			}

			unused = 0
			lastActive = fn.Some(indices[i])
			u.addHistory(history)
		}

		// The sequence ran dry.
		if uint32(len(scripts)) < n {
			break
		}
	}

	return lastActive, nil
}

// syncItems fetches the status of the scripts, transactions and outputs of
// req.
func syncItems[K cmp.Ordered](ctx context.Context, backend Backend,
	u *Update[K], req *SyncRequest) error {

	batch := batchSize(req.BatchSize)
	for chunk := range slices.Chunk(req.Spks, batch) {
		histories, err := backend.ScriptHistory(ctx, chunk)
		if err != nil {
			return networkError("script history", err)
		}
		for _, history := range histories {
			u.addHistory(history)
		}
	}

	addStatus := func(txid chainhash.Hash) error {
		status, err := backend.TxStatus(ctx, txid)
		switch {
		// Dropped from the mempool. The transaction stays in the
		// graph with its last sighting.
		case errors.Is(err, ErrTxNotFound):
			log.Debugf("Tx %v no longer known to the server", txid)
			return nil

		case err != nil:
			return networkError("tx status", err)
		}

		u.addStatus(txid, status)

		return nil
	}

	for _, txid := range req.Txids {
		if err := addStatus(txid); err != nil {
			return err
		}
	}

	for _, op := range req.OutPoints {
		if err := addStatus(op.Hash); err != nil {
			return err
		}

		spend, err := backend.OutSpend(ctx, op)
		if err != nil {
			return networkError("outspend", err)
		}
		if spend.Spent {
			u.addStatus(spend.Txid, spend.Status)
		}
	}

	return nil
}
