package store

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightninglabs/chainsync/txgraph"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// ChangeSet is the changeset type persisted by the store.
type ChangeSet = keychain.WalletChangeSet[
	keychain.KeychainKind, txgraph.ConfirmationHeightAnchor,
]

const (
	chainType    tlv.Type = 0
	txsType      tlv.Type = 1
	txOutsType   tlv.Type = 2
	anchorsType  tlv.Type = 3
	lastSeenType tlv.Type = 4
	indexType    tlv.Type = 5
)

var (
	byteOrder = binary.BigEndian

	// ErrCorruptRecord is returned when a stored changeset cannot be
	// decoded.
	ErrCorruptRecord = errors.New("corrupt changeset record")
)

// EncodeChangeSet serializes cs as a TLV stream.
func EncodeChangeSet(w io.Writer, cs *ChangeSet) error {
	var (
		chain    = encodeChain(cs.Chain)
		txs      []byte
		txOuts   = encodeTxOuts(cs.Graph.TxOuts)
		anchors  = encodeAnchors(cs.Graph.Anchors)
		lastSeen = encodeLastSeen(cs.Graph.LastSeen)
		index    = encodeIndex(cs.Index)
		err      error
	)
	txs, err = encodeTxs(cs.Graph.Txs)
	if err != nil {
		return err
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(chainType, &chain),
		tlv.MakePrimitiveRecord(txsType, &txs),
		tlv.MakePrimitiveRecord(txOutsType, &txOuts),
		tlv.MakePrimitiveRecord(anchorsType, &anchors),
		tlv.MakePrimitiveRecord(lastSeenType, &lastSeen),
		tlv.MakePrimitiveRecord(indexType, &index),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// DecodeChangeSet reads a changeset written by EncodeChangeSet.
func DecodeChangeSet(r io.Reader) (*ChangeSet, error) {
	var chain, txs, txOuts, anchors, lastSeen, index []byte

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(chainType, &chain),
		tlv.MakePrimitiveRecord(txsType, &txs),
		tlv.MakePrimitiveRecord(txOutsType, &txOuts),
		tlv.MakePrimitiveRecord(anchorsType, &anchors),
		tlv.MakePrimitiveRecord(lastSeenType, &lastSeen),
		tlv.MakePrimitiveRecord(indexType, &index),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	cs := &ChangeSet{
		Chain: localchain.NewChangeSet(),
		Graph: txgraph.NewChangeSet[txgraph.ConfirmationHeightAnchor](),
		Index: make(keychain.ChangeSet[keychain.KeychainKind]),
	}

	decoders := []struct {
		name string
		data []byte
		fn   func(*bytes.Reader, *ChangeSet) error
	}{
		{"chain", chain, decodeChain},
		{"txs", txs, decodeTxs},
		{"txouts", txOuts, decodeTxOuts},
		{"anchors", anchors, decodeAnchors},
		{"last seen", lastSeen, decodeLastSeen},
		{"index", index, decodeIndex},
	}
	for _, d := range decoders {
		if len(d.data) == 0 {
			continue
		}
		if err := d.fn(bytes.NewReader(d.data), cs); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord,
				d.name, err)
		}
	}

	return cs, nil
}

func writeCount(b *bytes.Buffer, n int) {
	var scratch [8]byte
	_ = tlv.WriteVarInt(b, uint64(n), &scratch)
}

func readCount(r *bytes.Reader) (int, error) {
	var scratch [8]byte
	n, err := tlv.ReadVarInt(r, &scratch)
	if err != nil {
		return 0, err
	}

	// Every entry takes at least one byte.
	if n > uint64(r.Len()) {
		return 0, fmt.Errorf("count %d exceeds remaining %d bytes", n,
			r.Len())
	}

	return int(n), nil
}

func writeUint32(b *bytes.Buffer, v uint32) {
	var scratch [4]byte
	byteOrder.PutUint32(scratch[:], v)
	b.Write(scratch[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var scratch [4]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return 0, err
	}

	return byteOrder.Uint32(scratch[:]), nil
}

func writeUint64(b *bytes.Buffer, v uint64) {
	var scratch [8]byte
	byteOrder.PutUint64(scratch[:], v)
	b.Write(scratch[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return 0, err
	}

	return byteOrder.Uint64(scratch[:]), nil
}

func readHash(r *bytes.Reader) (chainhash.Hash, error) {
	var h chainhash.Hash
	_, err := io.ReadFull(r, h[:])

	return h, err
}

func readVarBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}

func writeVarBytes(b *bytes.Buffer, data []byte) {
	writeCount(b, len(data))
	b.Write(data)
}

func compareOutPoints(a, b wire.OutPoint) int {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c
	}

	return cmp.Compare(a.Index, b.Index)
}

func compareHashes(a, b chainhash.Hash) int {
	return bytes.Compare(a[:], b[:])
}

// encodeChain writes each height followed by a presence flag and, for
// insertions, the block hash.
func encodeChain(cs localchain.ChangeSet) []byte {
	var b bytes.Buffer
	writeCount(&b, len(cs.Blocks))
	for _, height := range slices.Sorted(maps.Keys(cs.Blocks)) {
		writeUint32(&b, height)

		block := cs.Blocks[height]
		if block.IsNone() {
			b.WriteByte(0)
			continue
		}

		hash := block.UnwrapOr(chainhash.Hash{})
		b.WriteByte(1)
		b.Write(hash[:])
	}

	return b.Bytes()
}

func decodeChain(r *bytes.Reader, cs *ChangeSet) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	for range n {
		height, err := readUint32(r)
		if err != nil {
			return err
		}
		flag, err := r.ReadByte()
		if err != nil {
			return err
		}

		switch flag {
		case 0:
			cs.Chain.Blocks[height] = fn.None[chainhash.Hash]()

		case 1:
			hash, err := readHash(r)
			if err != nil {
				return err
			}
			cs.Chain.Blocks[height] = fn.Some(hash)

		default:
			return fmt.Errorf("unknown block flag %d", flag)
		}
	}

	return nil
}

func encodeTxs(txs map[chainhash.Hash]*wire.MsgTx) ([]byte, error) {
	var b bytes.Buffer
	writeCount(&b, len(txs))
	for _, txid := range slices.SortedFunc(maps.Keys(txs), compareHashes) {
		var txBuf bytes.Buffer
		if err := txs[txid].Serialize(&txBuf); err != nil {
			return nil, fmt.Errorf("unable to serialize %v: %w",
				txid, err)
		}
		writeVarBytes(&b, txBuf.Bytes())
	}

	return b.Bytes(), nil
}

func decodeTxs(r *bytes.Reader, cs *ChangeSet) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	for range n {
		raw, err := readVarBytes(r)
		if err != nil {
			return err
		}

		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return err
		}
		cs.Graph.Txs[tx.TxHash()] = tx
	}

	return nil
}

func encodeTxOuts(txOuts map[wire.OutPoint]*wire.TxOut) []byte {
	var b bytes.Buffer
	writeCount(&b, len(txOuts))
	for _, op := range slices.SortedFunc(
		maps.Keys(txOuts), compareOutPoints,
	) {

		b.Write(op.Hash[:])
		writeUint32(&b, op.Index)
		writeUint64(&b, uint64(txOuts[op].Value))
		writeVarBytes(&b, txOuts[op].PkScript)
	}

	return b.Bytes()
}

func decodeTxOuts(r *bytes.Reader, cs *ChangeSet) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	for range n {
		hash, err := readHash(r)
		if err != nil {
			return err
		}
		index, err := readUint32(r)
		if err != nil {
			return err
		}
		value, err := readUint64(r)
		if err != nil {
			return err
		}
		script, err := readVarBytes(r)
		if err != nil {
			return err
		}

		op := wire.OutPoint{Hash: hash, Index: index}
		cs.Graph.TxOuts[op] = wire.NewTxOut(int64(value), script)
	}

	return nil
}

type anchorEntry = txgraph.AnchorEntry[txgraph.ConfirmationHeightAnchor]

func compareAnchors(a, b anchorEntry) int {
	if c := compareHashes(a.Txid, b.Txid); c != 0 {
		return c
	}
	if c := cmp.Compare(
		a.Anchor.Block.Height, b.Anchor.Block.Height,
	); c != 0 {

		return c
	}
	if c := compareHashes(a.Anchor.Block.Hash, b.Anchor.Block.Hash); c != 0 {
		return c
	}

	return cmp.Compare(
		a.Anchor.ConfirmationHeight, b.Anchor.ConfirmationHeight,
	)
}

func encodeAnchors(anchors map[anchorEntry]struct{}) []byte {
	var b bytes.Buffer
	writeCount(&b, len(anchors))
	for _, e := range slices.SortedFunc(maps.Keys(anchors), compareAnchors) {
		b.Write(e.Txid[:])
		writeUint32(&b, e.Anchor.Block.Height)
		b.Write(e.Anchor.Block.Hash[:])
		writeUint32(&b, e.Anchor.ConfirmationHeight)
	}

	return b.Bytes()
}

func decodeAnchors(r *bytes.Reader, cs *ChangeSet) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	for range n {
		var e anchorEntry
		if e.Txid, err = readHash(r); err != nil {
			return err
		}
		if e.Anchor.Block.Height, err = readUint32(r); err != nil {
			return err
		}
		if e.Anchor.Block.Hash, err = readHash(r); err != nil {
			return err
		}
		e.Anchor.ConfirmationHeight, err = readUint32(r)
		if err != nil {
			return err
		}
		cs.Graph.Anchors[e] = struct{}{}
	}

	return nil
}

func encodeLastSeen(lastSeen map[chainhash.Hash]uint64) []byte {
	var b bytes.Buffer
	writeCount(&b, len(lastSeen))
	for _, txid := range slices.SortedFunc(
		maps.Keys(lastSeen), compareHashes,
	) {

		b.Write(txid[:])
		writeUint64(&b, lastSeen[txid])
	}

	return b.Bytes()
}

func decodeLastSeen(r *bytes.Reader, cs *ChangeSet) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	for range n {
		txid, err := readHash(r)
		if err != nil {
			return err
		}
		seen, err := readUint64(r)
		if err != nil {
			return err
		}
		cs.Graph.LastSeen[txid] = seen
	}

	return nil
}

func encodeIndex(index keychain.ChangeSet[keychain.KeychainKind]) []byte {
	var b bytes.Buffer
	writeCount(&b, len(index))
	for k, idx := range index.All() {
		b.WriteByte(byte(k))
		writeUint32(&b, idx)
	}

	return b.Bytes()
}

func decodeIndex(r *bytes.Reader, cs *ChangeSet) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	for range n {
		k, err := r.ReadByte()
		if err != nil {
			return err
		}
		idx, err := readUint32(r)
		if err != nil {
			return err
		}
		cs.Index[keychain.KeychainKind(k)] = idx
	}

	return nil
}
