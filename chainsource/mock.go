package chainsource

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/localchain"
)

// MockBackend is an in-memory chain source used by tests. Blocks only carry
// a hash and the transactions they confirm.
type MockBackend struct {
	mu sync.Mutex

	blocks   []chainhash.Hash
	forks    uint32
	txs      map[chainhash.Hash]*wire.MsgTx
	heights  map[chainhash.Hash]uint32
	spenders map[wire.OutPoint]chainhash.Hash
	history  map[string][]chainhash.Hash

	queried   [][]byte
	broadcast []*wire.MsgTx

	// Err, if set, is returned by every call.
	Err error
}

// A compile time check to ensure MockBackend implements Backend.
var _ Backend = (*MockBackend)(nil)

// NewMockBackend returns a chain holding only genesis.
func NewMockBackend(genesis chainhash.Hash) *MockBackend {
	return &MockBackend{
		blocks:   []chainhash.Hash{genesis},
		txs:      make(map[chainhash.Hash]*wire.MsgTx),
		heights:  make(map[chainhash.Hash]uint32),
		spenders: make(map[wire.OutPoint]chainhash.Hash),
		history:  make(map[string][]chainhash.Hash),
	}
}

func (m *MockBackend) addTx(tx *wire.MsgTx) chainhash.Hash {
	txid := tx.TxHash()
	if _, ok := m.txs[txid]; ok {
		return txid
	}
	m.txs[txid] = tx

	scripts := make(map[string]struct{})
	for _, txIn := range tx.TxIn {
		m.spenders[txIn.PreviousOutPoint] = txid

		prev, ok := m.txs[txIn.PreviousOutPoint.Hash]
		if ok && int(txIn.PreviousOutPoint.Index) < len(prev.TxOut) {
			pkScript := prev.TxOut[txIn.PreviousOutPoint.Index].PkScript
			scripts[string(pkScript)] = struct{}{}
		}
	}
	for _, txOut := range tx.TxOut {
		scripts[string(txOut.PkScript)] = struct{}{}
	}
	for script := range scripts {
		m.history[script] = append(m.history[script], txid)
	}

	return txid
}

// AddMempoolTx adds tx to the mempool.
func (m *MockBackend) AddMempoolTx(tx *wire.MsgTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addTx(tx)
}

// MineBlock extends the chain by one block confirming txs and returns it.
func (m *MockBackend) MineBlock(txs ...*wire.MsgTx) localchain.BlockID {
	m.mu.Lock()
	defer m.mu.Unlock()

	height := uint32(len(m.blocks))

	var seed [12]byte
	binary.BigEndian.PutUint32(seed[:4], height)
	binary.BigEndian.PutUint32(seed[4:8], m.forks)
	copy(seed[8:], m.blocks[height-1][:4])
	hash := chainhash.DoubleHashH(seed[:])
	m.blocks = append(m.blocks, hash)

	for _, tx := range txs {
		m.heights[m.addTx(tx)] = height
	}

	return localchain.BlockID{Height: height, Hash: hash}
}

// Reorg removes the top depth blocks. Their transactions go back to the
// mempool and later blocks get different hashes.
func (m *MockBackend) Reorg(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newTip := uint32(len(m.blocks) - depth - 1)
	m.blocks = m.blocks[:newTip+1]
	m.forks++

	for txid, height := range m.heights {
		if height > newTip {
			delete(m.heights, txid)
		}
	}
}

// Tip returns the current best block.
func (m *MockBackend) Tip() localchain.BlockID {
	m.mu.Lock()
	defer m.mu.Unlock()

	height := uint32(len(m.blocks) - 1)

	return localchain.BlockID{Height: height, Hash: m.blocks[height]}
}

// QueriedScripts returns every script whose history was requested.
func (m *MockBackend) QueriedScripts() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([][]byte(nil), m.queried...)
}

// Broadcasted returns the transactions passed to Broadcast.
func (m *MockBackend) Broadcasted() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*wire.MsgTx(nil), m.broadcast...)
}

func (m *MockBackend) status(txid chainhash.Hash) TxStatus {
	height, ok := m.heights[txid]
	if !ok {
		return TxStatus{}
	}

	return TxStatus{
		Confirmed:   true,
		BlockHeight: height,
		BlockHash:   m.blocks[height],
	}
}

// SetErr sets the error returned by every call. Unlike assigning Err it is
// safe while calls are in flight.
func (m *MockBackend) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Err = err
}

// TipHeight returns the height of the best block.
//
// NOTE: This is part of the Backend interface.
func (m *MockBackend) TipHeight(context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return 0, m.Err
	}

	return uint32(len(m.blocks) - 1), nil
}

// BlockHash returns the hash of the block at height.
//
// NOTE: This is part of the Backend interface.
func (m *MockBackend) BlockHash(_ context.Context,
	height uint32) (chainhash.Hash, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.Err != nil:
		return chainhash.Hash{}, m.Err

	case int(height) >= len(m.blocks):
		return chainhash.Hash{}, ErrBlockNotFound
	}

	return m.blocks[height], nil
}

// ScriptHistory returns the transactions touching each script.
//
// NOTE: This is part of the Backend interface.
func (m *MockBackend) ScriptHistory(_ context.Context,
	scripts [][]byte) ([][]HistoryItem, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	histories := make([][]HistoryItem, len(scripts))
	for i, script := range scripts {
		m.queried = append(m.queried, script)

		for _, txid := range m.history[string(script)] {
			histories[i] = append(histories[i], HistoryItem{
				Txid:   txid,
				Height: int32(m.status(txid).BlockHeight),
			})
		}
	}

	return histories, nil
}

// Transaction returns the transaction with the given txid.
//
// NOTE: This is part of the Backend interface.
func (m *MockBackend) Transaction(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	tx, ok := m.txs[txid]
	if !ok {
		return nil, ErrTxNotFound
	}

	return tx.Copy(), nil
}

// TxStatus returns the confirmation status of txid.
//
// NOTE: This is part of the Backend interface.
func (m *MockBackend) TxStatus(_ context.Context,
	txid chainhash.Hash) (TxStatus, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return TxStatus{}, m.Err
	}
	if _, ok := m.txs[txid]; !ok {
		return TxStatus{}, ErrTxNotFound
	}

	return m.status(txid), nil
}

// OutSpend returns the spend status of op.
//
// NOTE: This is part of the Backend interface.
func (m *MockBackend) OutSpend(_ context.Context,
	op wire.OutPoint) (OutSpend, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return OutSpend{}, m.Err
	}

	spender, ok := m.spenders[op]
	if !ok {
		return OutSpend{}, nil
	}

	return OutSpend{
		Spent:  true,
		Txid:   spender,
		Status: m.status(spender),
	}, nil
}

// Broadcast adds tx to the mempool unless one of its inputs is already spent.
//
// NOTE: This is part of the Backend interface.
func (m *MockBackend) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}

	for _, txIn := range tx.TxIn {
		spender, ok := m.spenders[txIn.PreviousOutPoint]
		if ok && spender != tx.TxHash() {
			return &BroadcastError{
				Txid:   tx.TxHash(),
				Reason: "bad-txns-inputs-missingorspent",
			}
		}
	}

	m.broadcast = append(m.broadcast, tx)
	m.addTx(tx)

	return nil
}
