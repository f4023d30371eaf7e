package wallet

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/chainsource"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightninglabs/chainsync/txgraph"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultMaxRetries is the number of times a round is planned again
	// after a chain source failure.
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the initial wait before a round is planned
	// again. It doubles with every attempt.
	DefaultRetryBackoff = 2 * time.Second
)

// Anchor is the anchor type of wallet transactions.
type Anchor = chainsource.Anchor

// ChangeSet is the composite changeset produced by a wallet.
type ChangeSet[K cmp.Ordered] = keychain.WalletChangeSet[K, Anchor]

// Persister durably records wallet changesets. Stage merges a changeset into
// the pending one and Commit writes it. A failed Commit must keep the staged
// changeset so that it can be committed again.
type Persister[K cmp.Ordered] interface {
	Stage(cs ChangeSet[K])
	Commit() error
}

// Observer receives round results and wallet state, typically to export them
// as metrics.
type Observer interface {
	// ObserveRound records the result of one round.
	ObserveRound(mode RoundMode, outcome string, elapsed time.Duration)

	// ObserveState records the wallet state after a round.
	ObserveState(tipHeight uint32, balance keychain.Balance,
		revealed map[string]uint32)
}

// Config holds the collaborators of a wallet.
type Config[K cmp.Ordered] struct {
	// Params selects the network, its genesis block and coinbase
	// maturity.
	Params *chaincfg.Params

	// Keychains maps every keychain to its descriptor.
	Keychains map[K]keychain.Descriptor

	// Lookahead is the number of scripts derived past the last revealed
	// index of each keychain.
	Lookahead uint32

	// Backend is the chain source queried by rounds and used for
	// broadcasting.
	Backend chainsource.Backend

	// Persister records every changeset.
	Persister Persister[K]

	// Clock supplies the seen-at timestamps of unconfirmed transactions.
	Clock clock.Clock

	// MaxRetries bounds how often a round is planned again after a
	// chain source failure.
	MaxRetries int

	// RetryBackoff is the initial wait between attempts of a round.
	RetryBackoff time.Duration

	// Observer is optional.
	Observer Observer
}

// Wallet owns the local chain, the script pubkey index and the transaction
// graph, and keeps them in sync with a chain source.
//
// Locks are acquired in the order commitMtx, chainMtx, graphMtx.
type Wallet[K cmp.Ordered] struct {
	cfg Config[K]

	// commitMtx makes applying an update and committing the resulting
	// changeset one exclusive section.
	commitMtx sync.Mutex

	// chainMtx guards chain.
	chainMtx sync.RWMutex
	chain    *localchain.LocalChain

	// graphMtx guards index and graph together.
	graphMtx sync.RWMutex
	index    *keychain.TxOutIndex[K]
	graph    *txgraph.TxGraph[Anchor]

	// poisoned is set when a commit failed.
	poisoned atomic.Bool
}

func newWallet[K cmp.Ordered](cfg Config[K]) (*Wallet[K], error) {
	if len(cfg.Keychains) == 0 {
		return nil, ErrNoKeychains
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Lookahead == 0 {
		cfg.Lookahead = keychain.DefaultLookahead
	}

	index := keychain.NewTxOutIndex[K](cfg.Lookahead)
	for _, k := range slices.Sorted(maps.Keys(cfg.Keychains)) {
		if err := index.AddKeychain(k, cfg.Keychains[k]); err != nil {
			return nil, fmt.Errorf("keychain %v: %w", k, err)
		}
	}

	return &Wallet[K]{
		cfg:   cfg,
		index: index,
		graph: txgraph.New[Anchor](),
	}, nil
}

// Create creates a fresh wallet whose chain only holds the genesis block of
// the network, and persists its initial changeset.
func Create[K cmp.Ordered](cfg Config[K]) (*Wallet[K], error) {
	w, err := newWallet(cfg)
	if err != nil {
		return nil, err
	}

	chain, chainCS := localchain.FromParams(cfg.Params)
	w.chain = chain

	cs := ChangeSet[K]{
		Chain: chainCS,
		Index: w.index.LastRevealedIndices(),
	}
	w.commitMtx.Lock()
	defer w.commitMtx.Unlock()

	if err := w.persist(cs); err != nil {
		return nil, err
	}

	log.Infof("Created wallet on %v with %d keychains", cfg.Params.Name,
		len(cfg.Keychains))

	return w, nil
}

// Load rebuilds a wallet from the aggregate of every persisted changeset.
func Load[K cmp.Ordered](cfg Config[K], cs ChangeSet[K]) (*Wallet[K], error) {
	w, err := newWallet(cfg)
	if err != nil {
		return nil, err
	}

	chain, err := localchain.FromChangeSet(cs.Chain)
	if err != nil {
		return nil, fmt.Errorf("unable to rebuild chain: %w", err)
	}
	if chain.GenesisHash() != *cfg.Params.GenesisHash {
		return nil, fmt.Errorf("%w: have %v, want %v",
			ErrNetworkMismatch, chain.GenesisHash(),
			cfg.Params.GenesisHash)
	}
	w.chain = chain

	if err := w.index.ApplyChangeSet(cs.Index); err != nil {
		return nil, err
	}
	w.graph.ApplyChangeSet(cs.Graph)

	// The index only persists revealed indices, so ownership of outputs
	// is derived again from the graph.
	for op, txOut := range cs.Graph.TxOuts {
		w.index.IndexTxOut(op, txOut)
	}
	for _, tx := range cs.Graph.Txs {
		w.index.IndexTx(tx)
	}

	log.Infof("Loaded wallet: tip=%v, txs=%d, outputs=%d",
		chain.Tip().BlockID(), len(cs.Graph.Txs),
		len(w.index.Outpoints()))

	return w, nil
}

// Params returns the network of the wallet.
func (w *Wallet[K]) Params() *chaincfg.Params {
	return w.cfg.Params
}

// Tip returns the local chain tip.
func (w *Wallet[K]) Tip() localchain.BlockID {
	w.chainMtx.RLock()
	defer w.chainMtx.RUnlock()

	return w.chain.Tip().BlockID()
}

// Poisoned reports whether a commit failed and was not retried successfully.
func (w *Wallet[K]) Poisoned() bool {
	return w.poisoned.Load()
}

// Balance computes the balance of the canonical unspent outputs owned by the
// wallet.
func (w *Wallet[K]) Balance() keychain.Balance {
	w.chainMtx.RLock()
	defer w.chainMtx.RUnlock()
	w.graphMtx.RLock()
	defer w.graphMtx.RUnlock()

	return keychain.ComputeBalance(
		w.graph, w.chain, w.chain.Tip().BlockID(), w.ownedOutPoints(),
		w.index.IsFromMe, uint16(w.cfg.Params.CoinbaseMaturity),
	)
}

// ownedOutPoints must be called with graphMtx held.
func (w *Wallet[K]) ownedOutPoints() []wire.OutPoint {
	owned := w.index.Outpoints()
	outpoints := make([]wire.OutPoint, 0, len(owned))
	for _, o := range owned {
		outpoints = append(outpoints, o.OutPoint)
	}

	return outpoints
}

// LocalOutput is an unspent output owned by the wallet.
type LocalOutput[K cmp.Ordered] struct {
	OutPoint   wire.OutPoint
	TxOut      *wire.TxOut
	Keychain   K
	Index      uint32
	Position   txgraph.ChainPosition[Anchor]
	IsCoinbase bool
}

// ListUnspent returns the canonical unspent outputs owned by the wallet.
func (w *Wallet[K]) ListUnspent() []LocalOutput[K] {
	w.chainMtx.RLock()
	defer w.chainMtx.RUnlock()
	w.graphMtx.RLock()
	defer w.graphMtx.RUnlock()

	owned := w.index.Outpoints()
	byOutPoint := make(map[wire.OutPoint]keychain.IndexedOutPoint[K])
	outpoints := make([]wire.OutPoint, 0, len(owned))
	for _, o := range owned {
		byOutPoint[o.OutPoint] = o
		outpoints = append(outpoints, o.OutPoint)
	}

	utxos := w.graph.FilterChainUnspents(
		w.chain, w.chain.Tip().BlockID(), outpoints,
	)

	outputs := make([]LocalOutput[K], 0, len(utxos))
	for _, u := range utxos {
		o := byOutPoint[u.OutPoint]
		outputs = append(outputs, LocalOutput[K]{
			OutPoint:   u.OutPoint,
			TxOut:      u.TxOut,
			Keychain:   o.Keychain,
			Index:      o.Index,
			Position:   u.Position,
			IsCoinbase: u.IsCoinbase,
		})
	}

	return outputs
}

// TxDetails is a canonical transaction with the amounts it moves in and out
// of the wallet.
type TxDetails struct {
	txgraph.CanonicalTx[Anchor]

	// Received is the value of the outputs paying to the wallet.
	Received btcutil.Amount

	// Sent is the value of the wallet outputs spent by the transaction.
	Sent btcutil.Amount
}

// Net returns the change of the wallet balance caused by the transaction.
func (t TxDetails) Net() btcutil.Amount {
	return t.Received - t.Sent
}

// ListTransactions returns the canonical transactions of the wallet,
// confirmed ones first.
func (w *Wallet[K]) ListTransactions() []TxDetails {
	w.chainMtx.RLock()
	defer w.chainMtx.RUnlock()
	w.graphMtx.RLock()
	defer w.graphMtx.RUnlock()

	canonical := w.graph.ListChainTxs(w.chain, w.chain.Tip().BlockID())

	txs := make([]TxDetails, 0, len(canonical))
	for _, ct := range canonical {
		details := TxDetails{CanonicalTx: ct}
		for _, txOut := range ct.Tx.TxOut {
			if w.index.IsMine(txOut.PkScript) {
				details.Received += btcutil.Amount(txOut.Value)
			}
		}
		for _, txIn := range ct.Tx.TxIn {
			prev := txIn.PreviousOutPoint
			if w.index.OutPoint(prev).IsNone() {
				continue
			}
			if prevOut := w.graph.GetTxOut(prev); prevOut != nil {
				details.Sent += btcutil.Amount(prevOut.Value)
			}
		}

		txs = append(txs, details)
	}

	return txs
}

// AddressInfo is a revealed script pubkey of the wallet.
type AddressInfo[K cmp.Ordered] struct {
	Keychain K
	Index    uint32
	Script   []byte

	// Address is nil for scripts without an address encoding.
	Address btcutil.Address
}

func (w *Wallet[K]) addressInfo(spk keychain.IndexedSpk[K]) AddressInfo[K] {
	info := AddressInfo[K]{
		Keychain: spk.Keychain,
		Index:    spk.Index,
		Script:   spk.Script,
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		spk.Script, w.cfg.Params,
	)
	if err == nil && len(addrs) == 1 {
		info.Address = addrs[0]
	}

	return info
}

// RevealNextAddress reveals the next index of keychain and persists the
// reveal before returning it.
func (w *Wallet[K]) RevealNextAddress(k K) (AddressInfo[K], error) {
	w.commitMtx.Lock()
	defer w.commitMtx.Unlock()

	if w.poisoned.Load() {
		return AddressInfo[K]{}, ErrWalletPoisoned
	}

	w.graphMtx.Lock()
	spk, indexCS, err := w.index.RevealNext(k)
	w.graphMtx.Unlock()
	if err != nil {
		return AddressInfo[K]{}, err
	}

	if err := w.persist(ChangeSet[K]{Index: indexCS}); err != nil {
		return AddressInfo[K]{}, err
	}

	return w.addressInfo(spk), nil
}

// NextUnusedAddress returns the lowest revealed unused address of keychain,
// revealing and persisting a new one if none is left.
func (w *Wallet[K]) NextUnusedAddress(k K) (AddressInfo[K], error) {
	w.commitMtx.Lock()
	defer w.commitMtx.Unlock()

	if w.poisoned.Load() {
		return AddressInfo[K]{}, ErrWalletPoisoned
	}

	w.graphMtx.Lock()
	spk, indexCS, err := w.index.NextUnusedSpk(k)
	w.graphMtx.Unlock()
	if err != nil {
		return AddressInfo[K]{}, err
	}

	if err := w.persist(ChangeSet[K]{Index: indexCS}); err != nil {
		return AddressInfo[K]{}, err
	}

	return w.addressInfo(spk), nil
}

// ListUnusedAddresses returns the revealed addresses of keychain that no
// known output pays to.
func (w *Wallet[K]) ListUnusedAddresses(k K) []AddressInfo[K] {
	w.graphMtx.RLock()
	defer w.graphMtx.RUnlock()

	var addrs []AddressInfo[K]
	for _, spk := range w.index.UnusedSpks() {
		if spk.Keychain == k {
			addrs = append(addrs, w.addressInfo(spk))
		}
	}

	return addrs
}

// RevealedIndices returns the last revealed index of every keychain.
func (w *Wallet[K]) RevealedIndices() keychain.ChangeSet[K] {
	w.graphMtx.RLock()
	defer w.graphMtx.RUnlock()

	return w.index.LastRevealedIndices()
}

// NeedsFullScan reports whether the wallet has never discovered anything: no
// keychain has a revealed index and the graph holds no transaction. Such a
// wallet gains nothing from a sync round since it has no scripts to query.
func (w *Wallet[K]) NeedsFullScan() bool {
	w.graphMtx.RLock()
	defer w.graphMtx.RUnlock()

	return len(w.index.LastRevealedIndices()) == 0 &&
		len(w.graph.FullTxids()) == 0
}
