package main

import (
	"fmt"
	"os"

	"github.com/lightninglabs/chainsync"
	"github.com/lightninglabs/chainsync/build"
	"github.com/urfave/cli"
)

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "[chainsynccli] %v\n", err)
	os.Exit(1)
}

// openWallet loads the daemon configuration, applies the global flags and
// opens the wallet. The caller must close the returned instance.
func openWallet(ctx *cli.Context) (*chainsync.Instance, error) {
	var chainsyncDir string
	if ctx.GlobalIsSet("chainsyncdir") {
		chainsyncDir = ctx.GlobalString("chainsyncdir")
	}

	cfg, err := chainsync.LoadConfigFile(
		chainsyncDir, ctx.GlobalString("configfile"),
		func(cfg *chainsync.Config) {
			if ctx.GlobalIsSet("network") {
				cfg.Network = ctx.GlobalString("network")
			}
			if ctx.GlobalIsSet("backend") {
				cfg.Backend = ctx.GlobalString("backend")
			}
			if ctx.GlobalIsSet("externaldesc") {
				cfg.ExternalDescriptor = ctx.GlobalString(
					"externaldesc",
				)
			}
			if ctx.GlobalIsSet("internaldesc") {
				cfg.InternalDescriptor = ctx.GlobalString(
					"internaldesc",
				)
			}
		},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load config: %w", err)
	}

	return chainsync.OpenWallet(cfg, nil)
}

func main() {
	app := cli.NewApp()
	app.Name = "chainsynccli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "inspect and sync a chainsync wallet"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "chainsyncdir",
			Value:     chainsync.DefaultChainsyncDir,
			Usage:     "The path to chainsync's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "configfile",
			Usage:     "The path to chainsync's config file.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network the wallet follows, e.g. mainnet, " +
				"testnet3, signet or regtest.",
			Value: "mainnet",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "The chain source, esplora or electrum.",
		},
		cli.StringFlag{
			Name:  "externaldesc",
			Usage: "The descriptor of the receive keychain.",
		},
		cli.StringFlag{
			Name:  "internaldesc",
			Usage: "The descriptor of the change keychain.",
		},
	}
	app.Commands = []cli.Command{
		scanCommand,
		syncCommand,
		balanceCommand,
		addressCommand,
		unspentCommand,
		txsCommand,
		broadcastCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
