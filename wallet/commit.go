package wallet

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/build"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightninglabs/chainsync/txgraph"
)

// ApplyUpdate applies a finalized update to the chain, the index and the
// graph, in that order, and commits the resulting changeset. A ReorgError
// from the chain leaves every store untouched. A CommitError means the stores
// advanced but storage did not, and the wallet refuses new rounds until
// RetryCommit succeeds.
//
// Applying the same update twice yields an empty changeset the second time.
func (w *Wallet[K]) ApplyUpdate(
	update keychain.WalletUpdate[K, Anchor]) (ChangeSet[K], error) {

	w.commitMtx.Lock()
	defer w.commitMtx.Unlock()

	if w.poisoned.Load() {
		return ChangeSet[K]{}, ErrWalletPoisoned
	}

	cs, err := w.applyUpdate(update)
	if err != nil {
		return ChangeSet[K]{}, err
	}

	if err := w.persist(cs); err != nil {
		return cs, err
	}

	return cs, nil
}

// applyUpdate must be called with commitMtx held.
func (w *Wallet[K]) applyUpdate(
	update keychain.WalletUpdate[K, Anchor]) (ChangeSet[K], error) {

	w.chainMtx.Lock()
	defer w.chainMtx.Unlock()

	chainCS := localchain.NewChangeSet()
	if update.Chain != nil {
		var err error
		chainCS, err = w.chain.ApplyUpdate(update.Chain)
		if err != nil {
			return ChangeSet[K]{}, err
		}
	}

	w.graphMtx.Lock()
	defer w.graphMtx.Unlock()

	_, indexCS := w.index.RevealToTargetMulti(update.LastActiveIndices)

	graphCS := txgraph.NewChangeSet[Anchor]()
	if update.Graph != nil {
		graphCS = w.graph.ApplyUpdate(update.Graph)
	}

	// New outputs may pay to scripts of the lookahead window, which
	// reveals them.
	for op, txOut := range graphCS.TxOuts {
		indexCS.Append(w.index.IndexTxOut(op, txOut))
	}
	for _, tx := range graphCS.Txs {
		indexCS.Append(w.index.IndexTx(tx))
	}

	cs := ChangeSet[K]{
		Chain: chainCS,
		Graph: graphCS,
		Index: indexCS,
	}

	if !cs.IsEmpty() {
		log.Debugf("Applied update: tip=%v, blocks=%d, txs=%d, "+
			"anchors=%d, seen=%d, reveals=%v",
			w.chain.Tip().BlockID(), len(chainCS.Blocks),
			len(graphCS.Txs), len(graphCS.Anchors),
			len(graphCS.LastSeen), indexCS)
	}

	return cs, nil
}

// persist stages and commits cs. It must be called with commitMtx held.
func (w *Wallet[K]) persist(cs ChangeSet[K]) error {
	if cs.IsEmpty() {
		return nil
	}

	log.Tracef("Persisting changeset: %v", build.SpewLogClosure(cs))

	w.cfg.Persister.Stage(cs)
	if err := w.cfg.Persister.Commit(); err != nil {
		w.poisoned.Store(true)
		log.Criticalf("Wallet changeset could not be persisted, no "+
			"further rounds will run until the commit is retried: "+
			"%v", err)

		return &CommitError{Err: err}
	}

	return nil
}

// RetryCommit commits the changeset retained by the persister after a failed
// commit. On success the wallet accepts rounds again.
func (w *Wallet[K]) RetryCommit() error {
	w.commitMtx.Lock()
	defer w.commitMtx.Unlock()

	if err := w.cfg.Persister.Commit(); err != nil {
		return &CommitError{Err: err}
	}

	if w.poisoned.Swap(false) {
		log.Infof("Retained changeset committed, wallet is consistent " +
			"with storage again")
	}

	return nil
}

// Broadcast publishes tx through the chain source, then records it as seen
// now and commits the resulting changeset.
func (w *Wallet[K]) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (ChangeSet[K], error) {

	if w.poisoned.Load() {
		return ChangeSet[K]{}, ErrWalletPoisoned
	}

	if err := w.cfg.Backend.Broadcast(ctx, tx); err != nil {
		return ChangeSet[K]{}, err
	}

	txid := tx.TxHash()
	log.Infof("Broadcast transaction %v", txid)

	w.commitMtx.Lock()
	defer w.commitMtx.Unlock()

	if w.poisoned.Load() {
		return ChangeSet[K]{}, ErrWalletPoisoned
	}

	w.graphMtx.Lock()
	graphCS := w.graph.InsertTx(tx)
	graphCS.Append(w.graph.InsertSeenAt(
		txid, uint64(w.cfg.Clock.Now().Unix()),
	))
	indexCS := w.index.IndexTx(tx)
	w.graphMtx.Unlock()

	cs := keychain.FromIndexedGraphChangeSet(graphCS, indexCS)
	if err := w.persist(cs); err != nil {
		return cs, err
	}

	return cs, nil
}
