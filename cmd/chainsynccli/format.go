package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/lightninglabs/chainsync"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/wallet"
)

type balanceResp struct {
	Confirmed        int64 `json:"confirmed_sat"`
	TrustedPending   int64 `json:"trusted_pending_sat"`
	UntrustedPending int64 `json:"untrusted_pending_sat"`
	Immature         int64 `json:"immature_sat"`
	Total            int64 `json:"total_sat"`
}

func newBalanceResp(b keychain.Balance) balanceResp {
	return balanceResp{
		Confirmed:        int64(b.Confirmed),
		TrustedPending:   int64(b.TrustedPending),
		UntrustedPending: int64(b.UntrustedPending),
		Immature:         int64(b.Immature),
		Total:            int64(b.Total()),
	}
}

type addressResp struct {
	Keychain string `json:"keychain"`
	Index    uint32 `json:"index"`
	Address  string `json:"address,omitempty"`
	Script   string `json:"script"`
}

func newAddressResp(
	info wallet.AddressInfo[keychain.KeychainKind]) addressResp {

	resp := addressResp{
		Keychain: info.Keychain.String(),
		Index:    info.Index,
		Script:   hex.EncodeToString(info.Script),
	}
	if info.Address != nil {
		resp.Address = info.Address.EncodeAddress()
	}

	return resp
}

type roundResp struct {
	TipHeight uint32            `json:"tip_height"`
	TipHash   string            `json:"tip_hash"`
	NewTxs    int               `json:"new_txs"`
	Revealed  map[string]uint32 `json:"revealed"`
	Balance   balanceResp       `json:"balance"`
}

func printRoundResult(w *chainsync.Wallet,
	cs wallet.ChangeSet[keychain.KeychainKind]) error {

	tip := w.Tip()
	resp := roundResp{
		TipHeight: tip.Height,
		TipHash:   tip.Hash.String(),
		NewTxs:    len(cs.Graph.Txs),
		Revealed:  make(map[string]uint32),
		Balance:   newBalanceResp(w.Balance()),
	}
	for k, index := range w.RevealedIndices().All() {
		resp.Revealed[k.String()] = index
	}

	return printJSON(resp)
}

func printJSON(resp interface{}) error {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(os.Stdout, string(b))

	return err
}

// renderUnspent writes the unspent outputs as a table.
func renderUnspent(w io.Writer,
	outputs []wallet.LocalOutput[keychain.KeychainKind], tipHeight uint32) {

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{
		"outpoint", "keychain", "index", "amount", "confs",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "amount", Align: text.AlignRight},
		{Name: "confs", Align: text.AlignRight},
	})

	var total btcutil.Amount
	for _, o := range outputs {
		amount := btcutil.Amount(o.TxOut.Value)
		total += amount

		t.AppendRow(table.Row{
			o.OutPoint.String(), o.Keychain.String(), o.Index,
			int64(amount), o.Position.Confirmations(tipHeight),
		})
	}
	t.AppendFooter(table.Row{"", "", "total", int64(total), ""})

	t.Render()
}

// renderTxs writes the transactions with their effect on the balance as a
// table.
func renderTxs(w io.Writer, txs []wallet.TxDetails, tipHeight uint32) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{
		"txid", "received", "sent", "net", "confs", "last seen",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "received", Align: text.AlignRight},
		{Name: "sent", Align: text.AlignRight},
		{Name: "net", Align: text.AlignRight},
	})

	for _, tx := range txs {
		lastSeen := ""
		if !tx.Position.IsConfirmed() && tx.Position.LastSeen() > 0 {
			lastSeen = time.Unix(int64(tx.Position.LastSeen()), 0).
				UTC().Format(time.RFC3339)
		}

		t.AppendRow(table.Row{
			tx.Txid.String(), int64(tx.Received), int64(tx.Sent),
			int64(tx.Net()), tx.Position.Confirmations(tipHeight),
			lastSeen,
		})
	}

	t.Render()
}
