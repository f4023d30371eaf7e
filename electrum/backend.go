package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jellydator/ttlcache/v3"
	"github.com/lightninglabs/chainsync/chainsource"
)

// GetTip subscribes to headers and returns the current tip.
func (c *Client) GetTip(ctx context.Context) (*HeaderNotification, error) {
	var tip HeaderNotification
	if err := c.request(ctx, &tip, "blockchain.headers.subscribe"); err != nil {
		return nil, err
	}

	c.tipMtx.Lock()
	c.tipHeight = uint32(tip.Height)
	c.tipMtx.Unlock()

	return &tip, nil
}

// TipHeight returns the height of the server's best block.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) TipHeight(ctx context.Context) (uint32, error) {
	tip, err := c.GetTip(ctx)
	if err != nil {
		return 0, err
	}

	return uint32(tip.Height), nil
}

// GetBlockHeader fetches the header at height.
func (c *Client) GetBlockHeader(ctx context.Context,
	height uint32) (*wire.BlockHeader, error) {

	var headerHex string
	err := c.request(ctx, &headerHex, "blockchain.block.header", height)
	if err != nil {
		return nil, mapNotFound(err, chainsource.ErrBlockNotFound)
	}

	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode header hex: %w", err)
	}

	header := &wire.BlockHeader{}
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize header: %w", err)
	}

	return header, nil
}

// BlockHash returns the hash of the best chain block at height.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) BlockHash(ctx context.Context,
	height uint32) (chainhash.Hash, error) {

	if item := c.hashCache.Get(height); item != nil {
		return item.Value(), nil
	}

	header, err := c.GetBlockHeader(ctx, height)
	if err != nil {
		return chainhash.Hash{}, err
	}
	hash := header.BlockHash()

	c.tipMtx.Lock()
	buried := height+hashCacheDepth <= c.tipHeight
	c.tipMtx.Unlock()

	if buried {
		c.hashCache.Set(height, hash, ttlcache.DefaultTTL)
	}

	return hash, nil
}

// ScriptHistory returns the history of every script using batched
// blockchain.scripthash.get_history calls.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) ScriptHistory(ctx context.Context,
	scripts [][]byte) ([][]chainsource.HistoryItem, error) {

	calls := make([]call, len(scripts))
	for i, script := range scripts {
		calls[i] = call{
			method: "blockchain.scripthash.get_history",
			params: []any{chainsource.ScriptHash(script)},
		}
	}

	results, err := c.batch(ctx, calls)
	if err != nil {
		return nil, err
	}

	histories := make([][]chainsource.HistoryItem, len(results))
	for i, result := range results {
		var items []HistoryItem
		if err := json.Unmarshal(result, &items); err != nil {
			return nil, fmt.Errorf("malformed history: %w", err)
		}

		for _, item := range items {
			txid, err := chainhash.NewHashFromStr(item.Hash)
			if err != nil {
				return nil, fmt.Errorf("invalid txid: %w", err)
			}
			histories[i] = append(histories[i],
				chainsource.HistoryItem{
					Txid:   *txid,
					Height: item.Height,
				},
			)
		}
	}

	return histories, nil
}

// GetTransactionMsgTx fetches a transaction by hash.
func (c *Client) GetTransactionMsgTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	if item := c.txCache.Get(txid); item != nil {
		return item.Value(), nil
	}

	var txHex string
	err := c.request(
		ctx, &txHex, "blockchain.transaction.get", txid.String(), false,
	)
	if err != nil {
		return nil, mapNotFound(err, chainsource.ErrTxNotFound)
	}

	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize tx: %w", err)
	}
	c.txCache.Set(txid, tx, ttlcache.DefaultTTL)

	return tx, nil
}

// Transaction returns the full transaction with the given txid.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) Transaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	tx, err := c.GetTransactionMsgTx(ctx, txid)
	if err != nil {
		return nil, err
	}

	return tx.Copy(), nil
}

// findInHistory returns the history entry of txid among the history of
// script.
func (c *Client) findInHistory(ctx context.Context, script []byte,
	txid chainhash.Hash) (chainsource.HistoryItem, bool, error) {

	histories, err := c.ScriptHistory(ctx, [][]byte{script})
	if err != nil {
		return chainsource.HistoryItem{}, false, err
	}

	for _, item := range histories[0] {
		if item.Txid == txid {
			return item, true, nil
		}
	}

	return chainsource.HistoryItem{}, false, nil
}

// statusOf derives the status of tx from the history of one of its output
// scripts, as the protocol has no direct status call.
func (c *Client) statusOf(ctx context.Context,
	tx *wire.MsgTx) (chainsource.TxStatus, error) {

	txid := tx.TxHash()
	if len(tx.TxOut) == 0 {
		return chainsource.TxStatus{}, chainsource.ErrTxNotFound
	}

	item, ok, err := c.findInHistory(ctx, tx.TxOut[0].PkScript, txid)
	switch {
	case err != nil:
		return chainsource.TxStatus{}, err

	case !ok:
		return chainsource.TxStatus{}, chainsource.ErrTxNotFound

	case !item.Confirmed():
		return chainsource.TxStatus{}, nil
	}

	hash, err := c.BlockHash(ctx, uint32(item.Height))
	if err != nil {
		return chainsource.TxStatus{}, err
	}

	return chainsource.TxStatus{
		Confirmed:   true,
		BlockHeight: uint32(item.Height),
		BlockHash:   hash,
	}, nil
}

// TxStatus returns the confirmation status of txid.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) TxStatus(ctx context.Context,
	txid chainhash.Hash) (chainsource.TxStatus, error) {

	tx, err := c.GetTransactionMsgTx(ctx, txid)
	if err != nil {
		return chainsource.TxStatus{}, err
	}

	return c.statusOf(ctx, tx)
}

// OutSpend finds the transaction spending op among the history of the
// output's script.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) OutSpend(ctx context.Context,
	op wire.OutPoint) (chainsource.OutSpend, error) {

	funding, err := c.GetTransactionMsgTx(ctx, op.Hash)
	if err != nil {
		return chainsource.OutSpend{}, err
	}
	if int(op.Index) >= len(funding.TxOut) {
		return chainsource.OutSpend{}, fmt.Errorf("outpoint %v out of "+
			"range", op)
	}

	histories, err := c.ScriptHistory(
		ctx, [][]byte{funding.TxOut[op.Index].PkScript},
	)
	if err != nil {
		return chainsource.OutSpend{}, err
	}

	for _, item := range histories[0] {
		if item.Txid == op.Hash {
			continue
		}

		tx, err := c.GetTransactionMsgTx(ctx, item.Txid)
		if err != nil {
			return chainsource.OutSpend{}, err
		}

		for _, txIn := range tx.TxIn {
			if txIn.PreviousOutPoint != op {
				continue
			}

			status := chainsource.TxStatus{}
			if item.Confirmed() {
				hash, err := c.BlockHash(ctx, uint32(item.Height))
				if err != nil {
					return chainsource.OutSpend{}, err
				}
				status = chainsource.TxStatus{
					Confirmed:   true,
					BlockHeight: uint32(item.Height),
					BlockHash:   hash,
				}
			}

			return chainsource.OutSpend{
				Spent:  true,
				Txid:   item.Txid,
				Status: status,
			}, nil
		}
	}

	return chainsource.OutSpend{}, nil
}

// BroadcastTx broadcasts tx and returns the txid reported by the server.
func (c *Client) BroadcastTx(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize tx: %w", err)
	}

	var txid string
	err := c.request(
		ctx, &txid, "blockchain.transaction.broadcast",
		hex.EncodeToString(buf.Bytes()),
	)
	if err != nil {
		return nil, err
	}

	return chainhash.NewHashFromStr(txid)
}

// Broadcast submits tx to the network.
//
// NOTE: This is part of the chainsource.Backend interface.
func (c *Client) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	_, err := c.BroadcastTx(ctx, tx)

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return &chainsource.BroadcastError{
			Txid:   tx.TxHash(),
			Reason: rpcErr.Message,
		}
	}

	return err
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, nil, "server.ping")
}
