package wallet

import (
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/build"
	"github.com/lightninglabs/chainsync/chainsource"
)

// SyncOptions selects the known wallet elements a targeted sync checks.
type SyncOptions struct {
	// UnusedSpks checks revealed scripts without any known output.
	UnusedSpks bool

	// AllSpks checks every revealed script.
	AllSpks bool

	// UTXOs checks the status of the canonical unspent outputs.
	UTXOs bool

	// Unconfirmed checks whether unconfirmed transactions confirmed or
	// were displaced.
	Unconfirmed bool
}

// Resolve returns the options actually used: without any selection the cheap
// default of unused scripts, unspent outputs and unconfirmed transactions
// applies, and AllSpks makes UnusedSpks redundant.
func (o SyncOptions) Resolve() SyncOptions {
	if !o.UnusedSpks && !o.AllSpks && !o.UTXOs && !o.Unconfirmed {
		return SyncOptions{
			UnusedSpks:  true,
			UTXOs:       true,
			Unconfirmed: true,
		}
	}

	if o.AllSpks {
		o.UnusedSpks = false
	}

	return o
}

// ScanOptions tunes the queries of a round.
type ScanOptions struct {
	// StopGap ends discovery of a keychain after this many consecutive
	// unused scripts.
	StopGap uint32

	// BatchSize is the number of scripts per history request.
	BatchSize int

	// Rescan starts discovery at index zero instead of the first
	// unrevealed index.
	Rescan bool
}

// DefaultScanOptions returns the default discovery parameters.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		StopGap:   chainsource.DefaultStopGap,
		BatchSize: chainsource.DefaultBatchSize,
	}
}

// PlanFullScan snapshots the chain tip and the keychains for a gap limit
// scan. The returned request derives lazily and holds no wallet lock.
func (w *Wallet[K]) PlanFullScan(
	opts ScanOptions) *chainsource.FullScanRequest[K] {

	w.chainMtx.RLock()
	tip := w.chain.Tip()
	w.chainMtx.RUnlock()

	w.graphMtx.RLock()
	keychains := w.index.SpksOfAllKeychains(opts.Rescan)
	w.graphMtx.RUnlock()

	stopGap := opts.StopGap
	if stopGap == 0 {
		stopGap = chainsource.DefaultStopGap
	}

	return &chainsource.FullScanRequest[K]{
		SyncRequest: chainsource.SyncRequest{
			Tip:       tip,
			BatchSize: opts.BatchSize,
		},
		Keychains: keychains,
		StopGap:   stopGap,
	}
}

// PlanSync snapshots the elements selected by opts for a targeted sync.
func (w *Wallet[K]) PlanSync(opts SyncOptions,
	batchSize int) *chainsource.SyncRequest {

	opts = opts.Resolve()

	w.chainMtx.RLock()
	defer w.chainMtx.RUnlock()
	w.graphMtx.RLock()
	defer w.graphMtx.RUnlock()

	tip := w.chain.Tip()
	req := &chainsource.SyncRequest{
		Tip:       tip,
		BatchSize: batchSize,
	}

	switch {
	case opts.AllSpks:
		for _, spk := range w.index.RevealedSpks() {
			req.Spks = append(req.Spks, spk.Script)
		}

	case opts.UnusedSpks:
		for _, spk := range w.index.UnusedSpks() {
			req.Spks = append(req.Spks, spk.Script)
		}
	}

	if opts.UTXOs {
		utxos := w.graph.FilterChainUnspents(
			w.chain, tip.BlockID(), w.ownedOutPoints(),
		)
		req.OutPoints = make([]wire.OutPoint, 0, len(utxos))
		for _, u := range utxos {
			req.OutPoints = append(req.OutPoints, u.OutPoint)
		}
	}

	if opts.Unconfirmed {
		var txids []chainhash.Hash
		for _, ct := range w.graph.ListChainTxs(w.chain, tip.BlockID()) {
			if !ct.Position.IsConfirmed() {
				txids = append(txids, ct.Txid)
			}
		}
		req.Txids = txids
	}

	log.Debugf("Planned sync %+v: spks=%d, outpoints=%d, txids=%d", opts,
		len(req.Spks), len(req.OutPoints), len(req.Txids))
	log.Tracef("Sync outpoints: %v", build.NewLogClosure(func() string {
		ops := make([]string, 0, len(req.OutPoints))
		for _, op := range req.OutPoints {
			ops = append(ops, op.String())
		}

		return strings.Join(ops, ", ")
	}))

	return req
}
