package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/wallet"
	"github.com/urfave/cli"
)

// psbtBase64Magic is the base64 encoding of the PSBT magic bytes.
const psbtBase64Magic = "cHNidP8"

// withWallet opens the wallet for the duration of action.
func withWallet(action func(*cli.Context, *chainsync.Instance) error,
) func(*cli.Context) error {

	return func(ctx *cli.Context) error {
		inst, err := openWallet(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := inst.Close(); err != nil {
				fatal(err)
			}
		}()

		return action(ctx, inst)
	}
}

var scanCommand = cli.Command{
	Name:     "scan",
	Category: "Sync",
	Usage:    "Discover the history of every keychain up to the stop gap.",
	Flags: []cli.Flag{
		cli.UintFlag{
			Name: "stopgap",
			Usage: "the number of consecutive unused scripts after " +
				"which a keychain is done",
			Value: uint(wallet.DefaultScanOptions().StopGap),
		},
		cli.IntFlag{
			Name:  "batchsize",
			Usage: "the number of scripts requested at once",
			Value: wallet.DefaultScanOptions().BatchSize,
		},
		cli.BoolFlag{
			Name:  "rescan",
			Usage: "start from index 0 of every keychain",
		},
	},
	Action: withWallet(scan),
}

func scan(ctx *cli.Context, inst *chainsync.Instance) error {
	opts := wallet.ScanOptions{
		StopGap:   uint32(ctx.Uint("stopgap")),
		BatchSize: ctx.Int("batchsize"),
		Rescan:    ctx.Bool("rescan"),
	}

	cs, err := inst.Wallet.FullScan(context.Background(), opts)
	if err != nil {
		return err
	}

	return printRoundResult(inst.Wallet, cs)
}

var syncCommand = cli.Command{
	Name:     "sync",
	Category: "Sync",
	Usage:    "Check the known scripts, outputs and transactions.",
	Description: `
	Sync queries the chain source for the elements the wallet already
	knows about. Without any flag the unused scripts, the unspent outputs
	and the unconfirmed transactions are checked.`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "unused",
			Usage: "check revealed scripts without history",
		},
		cli.BoolFlag{
			Name:  "all",
			Usage: "check every revealed script",
		},
		cli.BoolFlag{
			Name:  "utxos",
			Usage: "check the unspent outputs",
		},
		cli.BoolFlag{
			Name:  "unconfirmed",
			Usage: "check the unconfirmed transactions",
		},
		cli.IntFlag{
			Name:  "batchsize",
			Usage: "the number of items requested at once",
			Value: wallet.DefaultScanOptions().BatchSize,
		},
	},
	Action: withWallet(syncWallet),
}

func syncWallet(ctx *cli.Context, inst *chainsync.Instance) error {
	syncOpts := wallet.SyncOptions{
		UnusedSpks:  ctx.Bool("unused"),
		AllSpks:     ctx.Bool("all"),
		UTXOs:       ctx.Bool("utxos"),
		Unconfirmed: ctx.Bool("unconfirmed"),
	}
	opts := wallet.DefaultScanOptions()
	opts.BatchSize = ctx.Int("batchsize")

	cs, err := inst.Wallet.Sync(context.Background(), syncOpts, opts)
	if err != nil {
		return err
	}

	return printRoundResult(inst.Wallet, cs)
}

var balanceCommand = cli.Command{
	Name:     "balance",
	Category: "Wallet",
	Usage:    "Show the balance of the wallet.",
	Action:   withWallet(balance),
}

func balance(_ *cli.Context, inst *chainsync.Instance) error {
	return printJSON(newBalanceResp(inst.Wallet.Balance()))
}

var addressCommand = cli.Command{
	Name:      "address",
	Category:  "Wallet",
	Usage:     "Reveal or list addresses of a keychain.",
	ArgsUsage: "[external|internal]",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "unused",
			Usage: "return the first unused address instead of " +
				"revealing a new one",
		},
		cli.BoolFlag{
			Name:  "list",
			Usage: "list all unused revealed addresses",
		},
	},
	Action: withWallet(address),
}

func address(ctx *cli.Context, inst *chainsync.Instance) error {
	kind := keychain.External
	if ctx.NArg() > 0 {
		var err error
		kind, err = keychain.ParseKeychainKind(ctx.Args().First())
		if err != nil {
			return err
		}
	}

	if ctx.Bool("list") {
		infos := inst.Wallet.ListUnusedAddresses(kind)
		resp := make([]addressResp, 0, len(infos))
		for _, info := range infos {
			resp = append(resp, newAddressResp(info))
		}

		return printJSON(resp)
	}

	var (
		info wallet.AddressInfo[keychain.KeychainKind]
		err  error
	)
	if ctx.Bool("unused") {
		info, err = inst.Wallet.NextUnusedAddress(kind)
	} else {
		info, err = inst.Wallet.RevealNextAddress(kind)
	}
	if err != nil {
		return err
	}

	return printJSON(newAddressResp(info))
}

var unspentCommand = cli.Command{
	Name:     "unspent",
	Category: "Wallet",
	Usage:    "List the unspent outputs of the wallet.",
	Action:   withWallet(unspent),
}

func unspent(_ *cli.Context, inst *chainsync.Instance) error {
	renderUnspent(
		os.Stdout, inst.Wallet.ListUnspent(), inst.Wallet.Tip().Height,
	)

	return nil
}

var txsCommand = cli.Command{
	Name:     "txs",
	Category: "Wallet",
	Usage:    "List the transactions of the wallet.",
	Action:   withWallet(txs),
}

func txs(_ *cli.Context, inst *chainsync.Instance) error {
	renderTxs(
		os.Stdout, inst.Wallet.ListTransactions(),
		inst.Wallet.Tip().Height,
	)

	return nil
}

var broadcastCommand = cli.Command{
	Name:      "broadcast",
	Category:  "Wallet",
	Usage:     "Broadcast a raw transaction and record it.",
	ArgsUsage: "rawtx|psbt",
	Description: `
	Broadcast accepts either a hex encoded transaction or a base64 encoded,
	fully signed PSBT.`,
	Action:    withWallet(broadcast),
}

func broadcast(ctx *cli.Context, inst *chainsync.Instance) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "broadcast")
	}

	tx, err := decodeTx(ctx.Args().First())
	if err != nil {
		return err
	}

	_, err = inst.Wallet.Broadcast(context.Background(), tx)
	if err != nil {
		return err
	}

	return printJSON(map[string]string{"txid": tx.TxHash().String()})
}

// decodeTx parses a hex encoded serialized transaction or a base64 encoded
// PSBT whose inputs can all be finalized.
func decodeTx(rawTx string) (*wire.MsgTx, error) {
	rawTx = strings.TrimSpace(rawTx)

	if strings.HasPrefix(rawTx, psbtBase64Magic) {
		packet, err := psbt.NewFromRawBytes(
			strings.NewReader(rawTx), true,
		)
		if err != nil {
			return nil, fmt.Errorf("invalid psbt: %w", err)
		}
		if err := psbt.MaybeFinalizeAll(packet); err != nil {
			return nil, fmt.Errorf("unable to finalize psbt: %w",
				err)
		}

		return psbt.Extract(packet)
	}

	txBytes, err := hex.DecodeString(rawTx)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}

	return tx, nil
}
