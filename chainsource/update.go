package chainsource

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightninglabs/chainsync/txgraph"
	"golang.org/x/sync/errgroup"
)

// DefaultFetchParallelism bounds the concurrent transaction fetches while
// finalizing an update.
const DefaultFetchParallelism = 8

// Update is the preliminary result of a scan. It holds the new tip and the
// relevant txids with their anchors but not the transaction bodies.
type Update[K cmp.Ordered] struct {
	// Tip is the checkpoint chain connecting the local chain to the
	// server's tip.
	Tip *localchain.CheckPoint

	// Graph holds the anchors of confirmed relevant transactions.
	Graph *txgraph.TxGraph[Anchor]

	// Unconfirmed holds relevant transactions seen in the mempool.
	Unconfirmed map[chainhash.Hash]struct{}

	// LastActiveIndices holds the highest index with history per
	// keychain. Only full scans fill it.
	LastActiveIndices map[K]uint32
}

func newUpdate[K cmp.Ordered](tip *localchain.CheckPoint) *Update[K] {
	return &Update[K]{
		Tip:               tip,
		Graph:             txgraph.New[Anchor](),
		Unconfirmed:       make(map[chainhash.Hash]struct{}),
		LastActiveIndices: make(map[K]uint32),
	}
}

// anchor returns the anchor of a confirmation at height observed against
// the update tip.
func (u *Update[K]) anchor(height uint32) Anchor {
	return Anchor{
		Block:              u.Tip.BlockID(),
		ConfirmationHeight: height,
	}
}

// addHistory records the transactions of a script history.
func (u *Update[K]) addHistory(items []HistoryItem) {
	for _, item := range items {
		// Confirmations above the tip are from blocks the server found
		// mid-scan and count as unconfirmed until the next scan.
		if item.Confirmed() && uint32(item.Height) <= u.Tip.Height() {
			u.Graph.InsertAnchor(item.Txid, u.anchor(uint32(item.Height)))
			continue
		}
		u.Unconfirmed[item.Txid] = struct{}{}
	}
}

// addStatus records txid with the given status. Like history items, a
// confirmation above the tip counts as unconfirmed.
func (u *Update[K]) addStatus(txid chainhash.Hash, status TxStatus) {
	if status.Confirmed && status.BlockHeight <= u.Tip.Height() {
		u.Graph.InsertAnchor(txid, u.anchor(status.BlockHeight))
		return
	}
	u.Unconfirmed[txid] = struct{}{}
}

// Txids returns every transaction referenced by the update.
func (u *Update[K]) Txids() []chainhash.Hash {
	txids := make(map[chainhash.Hash]struct{}, len(u.Unconfirmed))
	maps.Copy(txids, u.Unconfirmed)
	for _, txid := range u.Graph.MissingFullTxs(nil) {
		txids[txid] = struct{}{}
	}
	for _, txid := range u.Graph.FullTxids() {
		txids[txid] = struct{}{}
	}

	return slices.SortedFunc(maps.Keys(txids), compareHashes)
}

// MissingFullTxs returns the referenced transactions whose bodies neither the
// update nor local hold.
func (u *Update[K]) MissingFullTxs(
	local *txgraph.TxGraph[Anchor]) []chainhash.Hash {

	return slices.DeleteFunc(u.Txids(), func(txid chainhash.Hash) bool {
		return u.Graph.GetTx(txid) != nil || local.GetTx(txid) != nil
	})
}

// Finalize fetches the missing transaction bodies and produces an update
// ready to be applied. Unconfirmed transactions are marked as seen at seenAt.
// Nothing is returned unless every body could be fetched.
func Finalize[K cmp.Ordered](ctx context.Context, backend Backend,
	update *Update[K], missing []chainhash.Hash,
	seenAt uint64) (keychain.WalletUpdate[K, Anchor], error) {

	var (
		mtx     sync.Mutex
		fetched = make(map[chainhash.Hash]*wire.MsgTx, len(missing))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultFetchParallelism)
	for _, txid := range missing {
		g.Go(func() error {
			tx, err := backend.Transaction(gctx, txid)
			if err != nil {
				return &FetchError{Txid: txid, Err: err}
			}
			if tx.TxHash() != txid {
				return &FetchError{
					Txid: txid,
					Err: fmt.Errorf("server returned tx %v",
						tx.TxHash()),
				}
			}

			mtx.Lock()
			fetched[txid] = tx
			mtx.Unlock()

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return keychain.WalletUpdate[K, Anchor]{}, err
	}

	graph := txgraph.New[Anchor]()
	graph.ApplyUpdate(update.Graph)
	for _, txid := range slices.SortedFunc(maps.Keys(fetched), compareHashes) {
		graph.InsertTx(fetched[txid])
	}
	for txid := range update.Unconfirmed {
		graph.InsertSeenAt(txid, seenAt)
	}

	log.Debugf("Finalized update with %d fetched txs, %d unconfirmed, "+
		"tip=%v", len(fetched), len(update.Unconfirmed),
		update.Tip.BlockID())

	return keychain.WalletUpdate[K, Anchor]{
		LastActiveIndices: maps.Clone(update.LastActiveIndices),
		Graph:             graph,
		Chain:             update.Tip,
	}, nil
}

func compareHashes(a, b chainhash.Hash) int {
	return slices.Compare(a[:], b[:])
}
