package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jarcoal/httpmock"
	"github.com/lightninglabs/chainsync/chainsource"
	"github.com/stretchr/testify/require"
)

const testURL = "http://esplora.test"

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()

	client := NewClient(&ClientConfig{
		URL:         testURL,
		MaxRetries:  2,
		Concurrency: 4,
	})

	transport := httpmock.NewMockTransport()
	client.httpClient.Transport = transport

	return client, transport
}

func testTx(salt byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{salt}},
		nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	return tx
}

func txHex(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	return hex.EncodeToString(buf.Bytes())
}

// TestBlockHash checks tip parsing and that only buried hashes are cached.
func TestBlockHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, transport := newTestClient(t)

	transport.RegisterResponder(http.MethodGet, testURL+"/blocks/tip/height",
		httpmock.NewStringResponder(200, "100\n"))

	buried := chainhash.Hash{0x01}
	recent := chainhash.Hash{0x02}
	transport.RegisterResponder(http.MethodGet, testURL+"/block-height/10",
		httpmock.NewStringResponder(200, buried.String()))
	transport.RegisterResponder(http.MethodGet, testURL+"/block-height/99",
		httpmock.NewStringResponder(200, recent.String()))
	transport.RegisterResponder(http.MethodGet, testURL+"/block-height/101",
		httpmock.NewStringResponder(404, "Block not found"))

	height, err := client.TipHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(100), height)

	for i := 0; i < 3; i++ {
		hash, err := client.BlockHash(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, buried, hash)

		hash, err = client.BlockHash(ctx, 99)
		require.NoError(t, err)
		require.Equal(t, recent, hash)
	}

	info := transport.GetCallCountInfo()
	require.Equal(t, 1, info["GET "+testURL+"/block-height/10"])
	require.Equal(t, 3, info["GET "+testURL+"/block-height/99"])

	_, err = client.BlockHash(ctx, 101)
	require.ErrorIs(t, err, chainsource.ErrBlockNotFound)
}

// TestScriptHistoryPaging checks that confirmed history is paged through.
func TestScriptHistoryPaging(t *testing.T) {
	t.Parallel()

	client, transport := newTestClient(t)
	script := []byte{0x00, 0x14, 0x01}
	path := testURL + "/scripthash/" + chainsource.ScriptHash(script) +
		"/txs"

	page := func(from, n int, mempool bool) []TxInfo {
		var txs []TxInfo
		if mempool {
			txs = append(txs, TxInfo{
				TxID: chainhash.Hash{0xff}.String(),
			})
		}
		for i := from; i < from+n; i++ {
			txs = append(txs, TxInfo{
				TxID: chainhash.Hash{byte(i)}.String(),
				Status: TxStatus{
					Confirmed:   true,
					BlockHeight: int64(1000 - i),
				},
			})
		}

		return txs
	}

	first, err := httpmock.NewJsonResponder(200, page(0, 25, true))
	require.NoError(t, err)
	second, err := httpmock.NewJsonResponder(200, page(25, 3, false))
	require.NoError(t, err)

	transport.RegisterResponder(http.MethodGet, path, first)
	transport.RegisterResponder(http.MethodGet,
		path+"/chain/"+chainhash.Hash{24}.String(), second)

	histories, err := client.ScriptHistory(
		context.Background(), [][]byte{script},
	)
	require.NoError(t, err)
	require.Len(t, histories, 1)
	require.Len(t, histories[0], 29)
	require.False(t, histories[0][0].Confirmed())
	require.Equal(t, int32(1000-27), histories[0][28].Height)
}

// TestTransaction checks fetching and the not found mapping.
func TestTransaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, transport := newTestClient(t)
	tx := testTx(1)

	transport.RegisterResponder(http.MethodGet,
		testURL+"/tx/"+tx.TxHash().String()+"/hex",
		httpmock.NewStringResponder(200, txHex(t, tx)))
	transport.RegisterResponder(http.MethodGet,
		testURL+"/tx/"+chainhash.Hash{9}.String()+"/hex",
		httpmock.NewStringResponder(404, "Transaction not found"))

	got, err := client.Transaction(ctx, tx.TxHash())
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), got.TxHash())

	_, err = client.Transaction(ctx, chainhash.Hash{9})
	require.ErrorIs(t, err, chainsource.ErrTxNotFound)
}

// TestOutSpend checks conversion of spend and status replies.
func TestOutSpend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, transport := newTestClient(t)

	funding := chainhash.Hash{1}
	spender := chainhash.Hash{2}
	block := chainhash.Hash{3}

	spent, err := httpmock.NewJsonResponder(200, OutSpend{
		Spent: true,
		TxID:  spender.String(),
		Status: TxStatus{
			Confirmed:   true,
			BlockHeight: 42,
			BlockHash:   block.String(),
		},
	})
	require.NoError(t, err)
	transport.RegisterResponder(http.MethodGet,
		fmt.Sprintf("%s/tx/%s/outspend/0", testURL, funding), spent)
	transport.RegisterResponder(http.MethodGet,
		fmt.Sprintf("%s/tx/%s/outspend/1", testURL, funding),
		httpmock.NewStringResponder(200, `{"spent":false}`))

	out, err := client.OutSpend(ctx, wire.OutPoint{Hash: funding})
	require.NoError(t, err)
	require.Equal(t, chainsource.OutSpend{
		Spent: true,
		Txid:  spender,
		Status: chainsource.TxStatus{
			Confirmed:   true,
			BlockHeight: 42,
			BlockHash:   block,
		},
	}, out)

	out, err = client.OutSpend(ctx, wire.OutPoint{Hash: funding, Index: 1})
	require.NoError(t, err)
	require.False(t, out.Spent)
}

// TestRetries checks that server errors are retried and client errors are
// not.
func TestRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, transport := newTestClient(t)
	tx := testTx(2)

	transport.RegisterResponder(http.MethodGet, testURL+"/blocks/tip/height",
		httpmock.NewStringResponder(503, "busy").Then(
			httpmock.NewStringResponder(200, "7"),
		))

	height, err := client.TipHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(7), height)

	transport.RegisterResponder(http.MethodPost, testURL+"/tx",
		func(req *http.Request) (*http.Response, error) {
			var body bytes.Buffer
			_, err := body.ReadFrom(req.Body)
			if err != nil {
				return nil, err
			}
			if body.String() != txHex(t, tx) {
				return httpmock.NewStringResponse(500, ""), nil
			}

			return httpmock.NewStringResponse(
				400, "sendrawtransaction RPC error: "+
					"bad-txns-inputs-missingorspent",
			), nil
		})

	err = client.Broadcast(ctx, tx)

	var bcastErr *chainsource.BroadcastError
	require.ErrorAs(t, err, &bcastErr)
	require.Contains(t, bcastErr.Reason, "missingorspent")
	require.Equal(t, 1, transport.GetCallCountInfo()["POST "+testURL+"/tx"])
}

// TestTxStatusDecode checks decoding of an unconfirmed status.
func TestTxStatusDecode(t *testing.T) {
	t.Parallel()

	var status TxStatus
	require.NoError(t, json.Unmarshal([]byte(`{"confirmed":false}`), &status))

	converted, err := convertStatus(status)
	require.NoError(t, err)
	require.False(t, converted.Confirmed)
}
