package keychain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightninglabs/chainsync/txgraph"
)

// Balance splits the value of the canonical unspent outputs of a wallet by
// how far they can be relied on.
type Balance struct {
	// Immature is the value of coinbase outputs that cannot be spent
	// yet.
	Immature btcutil.Amount

	// TrustedPending is the value of unconfirmed outputs created by the
	// wallet itself.
	TrustedPending btcutil.Amount

	// UntrustedPending is the value of unconfirmed outputs received from
	// others.
	UntrustedPending btcutil.Amount

	// Confirmed is the value of confirmed spendable outputs.
	Confirmed btcutil.Amount
}

// Total returns the sum of all categories.
func (b Balance) Total() btcutil.Amount {
	return b.Immature + b.TrustedPending + b.UntrustedPending + b.Confirmed
}

// TrustedSpendable returns the value that can be spent without relying on
// unconfirmed outputs from others.
func (b Balance) TrustedSpendable() btcutil.Amount {
	return b.Confirmed + b.TrustedPending
}

// Add returns the category-wise sum of b and other.
func (b Balance) Add(other Balance) Balance {
	return Balance{
		Immature:         b.Immature + other.Immature,
		TrustedPending:   b.TrustedPending + other.TrustedPending,
		UntrustedPending: b.UntrustedPending + other.UntrustedPending,
		Confirmed:        b.Confirmed + other.Confirmed,
	}
}

// String returns the balance with amounts in satoshis.
func (b Balance) String() string {
	return fmt.Sprintf("{ immature: %d, trusted_pending: %d, "+
		"untrusted_pending: %d, confirmed: %d }", int64(b.Immature),
		int64(b.TrustedPending), int64(b.UntrustedPending),
		int64(b.Confirmed))
}

// ComputeBalance classifies the canonical unspent outputs among outpoints as
// seen from tip. Unconfirmed outputs count as trusted pending when trusted
// accepts the transaction that created them.
func ComputeBalance[A txgraph.Anchor](graph *txgraph.TxGraph[A],
	oracle txgraph.ChainOracle, tip localchain.BlockID,
	outpoints []wire.OutPoint, trusted func(*wire.MsgTx) bool,
	maturity uint16) Balance {

	var balance Balance
	for _, out := range graph.FilterChainUnspents(oracle, tip, outpoints) {
		value := btcutil.Amount(out.TxOut.Value)

		switch {
		case !out.IsMature(tip.Height, maturity):
			balance.Immature += value

		case out.Position.IsConfirmed():
			balance.Confirmed += value

		case trusted(graph.GetTx(out.OutPoint.Hash)):
			balance.TrustedPending += value

		default:
			balance.UntrustedPending += value
		}
	}

	return balance
}
