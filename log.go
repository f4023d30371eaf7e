package chainsync

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/chainsync/build"
	"github.com/lightninglabs/chainsync/chainsource"
	"github.com/lightninglabs/chainsync/electrum"
	"github.com/lightninglabs/chainsync/esplora"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/localchain"
	"github.com/lightninglabs/chainsync/monitoring"
	"github.com/lightninglabs/chainsync/signal"
	"github.com/lightninglabs/chainsync/store"
	"github.com/lightninglabs/chainsync/txgraph"
	"github.com/lightninglabs/chainsync/wallet"
)

// Subsystem defines the logging code for the daemon itself.
const Subsystem = "CSYN"

// log is the root logger. It is disabled until SetupLoggers is called.
var log btclog.Logger = btclog.Disabled

// genSubLogger creates a logger for a subsystem. Critical log lines of the
// loggers it creates request a shutdown through the interceptor when one is
// given.
func genSubLogger(root *build.SubLoggerManager,
	shutdown func()) func(string) btclog.Logger {

	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager, interceptor signal.Interceptor) {
	// Only the root logger shuts the daemon down on critical errors. A
	// critical commit failure of the wallet is retried by the syncer
	// instead.
	log = build.NewSubLogger(
		Subsystem, genSubLogger(root, interceptor.RequestShutdown),
	)
	root.RegisterSubLogger(Subsystem, log, nil)

	AddSubLogger(root, signal.Subsystem, signal.UseLogger)
	AddSubLogger(root, wallet.Subsystem, wallet.UseLogger)
	AddSubLogger(root, keychain.Subsystem, keychain.UseLogger)
	AddSubLogger(root, localchain.Subsystem, localchain.UseLogger)
	AddSubLogger(root, txgraph.Subsystem, txgraph.UseLogger)
	AddSubLogger(root, chainsource.Subsystem, chainsource.UseLogger)
	AddSubLogger(root, esplora.Subsystem, esplora.UseLogger)
	AddSubLogger(root, electrum.Subsystem, electrum.UseLogger)
	AddSubLogger(root, store.Subsystem, store.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	logger := build.NewSubLogger(subsystem, genSubLogger(root, nil))

	for _, useLogger := range useLoggers {
		root.RegisterSubLogger(subsystem, logger, useLogger)
	}
}
