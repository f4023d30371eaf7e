package chainsync

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/daemon"
	"github.com/lightninglabs/chainsync/build"
	"github.com/lightninglabs/chainsync/chainsource"
	"github.com/lightninglabs/chainsync/electrum"
	"github.com/lightninglabs/chainsync/esplora"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/monitoring"
	"github.com/lightninglabs/chainsync/signal"
	"github.com/lightninglabs/chainsync/store"
	"github.com/lightninglabs/chainsync/wallet"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
)

// Wallet is the wallet type run by the daemon and the CLI.
type Wallet = wallet.Wallet[keychain.KeychainKind]

// Instance is an opened wallet together with its store and chain source.
type Instance struct {
	// Wallet is the loaded or freshly created wallet.
	Wallet *Wallet

	// Backend is the chain source the wallet syncs from.
	Backend chainsource.Backend

	// Created is true if the store was empty and the wallet was created.
	Created bool

	store        *store.Store
	closeBackend func() error
}

// newBackend creates the configured chain source, guarded by a circuit
// breaker.
func newBackend(cfg *Config) (chainsource.Backend, func() error, error) {
	var (
		backend      chainsource.Backend
		closeBackend = func() error { return nil }
	)

	switch cfg.Backend {
	case esploraBackend:
		backend = esplora.NewClient(&esplora.ClientConfig{
			URL:               cfg.Esplora.URL,
			RequestTimeout:    cfg.Esplora.RequestTimeout,
			MaxRetries:        cfg.Esplora.MaxRetries,
			RequestsPerSecond: cfg.Esplora.RequestsPerSecond,
			Concurrency:       cfg.Esplora.Concurrency,
			BlockHashCacheTTL: cfg.Esplora.CacheTTL,
		})

	case electrumBackend:
		client, err := electrum.NewClient(&electrum.ClientConfig{
			Server:            cfg.Electrum.Server,
			UseSSL:            cfg.Electrum.UseSSL,
			TLSCertPath:       cfg.Electrum.TLSCertPath,
			TLSSkipVerify:     cfg.Electrum.TLSSkipVerify,
			RequestTimeout:    cfg.Electrum.RequestTimeout,
			MaxRetries:        cfg.Electrum.MaxRetries,
			ReconnectInterval: cfg.Electrum.ReconnectInterval,
			BatchSize:         cfg.Electrum.BatchSize,
			CacheTTL:          cfg.Electrum.CacheTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		backend = client
		closeBackend = client.Close

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	breaker := chainsource.NewBreakerBackend(
		cfg.Backend, backend, chainsource.DefaultBreakerConfig(),
	)

	return breaker, closeBackend, nil
}

// OpenWallet opens the store of the configured network and loads the wallet
// from it, creating a new wallet if the store is empty. The observer may be
// nil.
func OpenWallet(cfg *Config, observer wallet.Observer) (*Instance, error) {
	keychains, err := cfg.Keychains()
	if err != nil {
		return nil, err
	}

	db, err := cfg.DB.GetBackend(cfg.NetworkDir())
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	st, err := store.New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	backend, closeBackend, err := newBackend(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	walletCfg := wallet.Config[keychain.KeychainKind]{
		Params:       cfg.ChainParams(),
		Keychains:    keychains,
		Lookahead:    cfg.Scan.Lookahead,
		Backend:      backend,
		Persister:    st,
		Clock:        clock.NewDefaultClock(),
		MaxRetries:   cfg.Scan.MaxRetries,
		RetryBackoff: cfg.Scan.RetryBackoff,
		Observer:     observer,
	}

	inst := &Instance{
		Backend:      backend,
		store:        st,
		closeBackend: closeBackend,
	}

	cs, err := st.Load()
	switch {
	case err != nil:
		_ = inst.Close()
		return nil, fmt.Errorf("unable to load wallet: %w", err)

	case cs.IsEmpty():
		inst.Wallet, err = wallet.Create(walletCfg)
		inst.Created = true

	default:
		inst.Wallet, err = wallet.Load(walletCfg, *cs)
	}
	if err != nil {
		_ = inst.Close()
		return nil, err
	}

	return inst, nil
}

// Close releases the chain source and the store.
func (i *Instance) Close() error {
	if err := i.closeBackend(); err != nil {
		log.Errorf("Unable to close chain source: %v", err)
	}

	return i.store.Close()
}

// Main is the true entry point for chainsyncd. It opens the wallet, keeps it
// in sync with the chain source until a shutdown is requested and exports
// metrics if enabled.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		log.Info("Shutdown complete")
		if err := cfg.LogRotator.Close(); err != nil {
			log.Errorf("Could not close log rotator: %v", err)
		}
	}()

	log.Infof("Version: %s commit=%s, build=%s, logging=%s",
		build.Version(), build.Commit, build.Deployment,
		build.LoggingType)
	log.Infof("Active network: %v, chain source: %v", cfg.Network,
		cfg.Backend)

	var (
		metrics  *monitoring.Metrics
		observer wallet.Observer
	)
	if cfg.Prometheus.Enable {
		metrics = monitoring.NewMetrics()
		observer = metrics
	}

	inst, err := OpenWallet(cfg, observer)
	if err != nil {
		log.Errorf("Unable to open wallet: %v", err)
		return err
	}
	defer func() {
		if err := inst.Close(); err != nil {
			log.Errorf("Unable to close wallet: %v", err)
		}
	}()

	tip := inst.Wallet.Tip()
	log.Infof("Wallet opened at tip %v (height=%d)", tip.Hash, tip.Height)

	if metrics != nil {
		exporter := monitoring.NewExporter(cfg.Prometheus.Listen, metrics)
		if err := exporter.Start(); err != nil {
			return fmt.Errorf("unable to start metrics exporter: %w",
				err)
		}
		defer func() {
			if err := exporter.Stop(); err != nil {
				log.Errorf("Unable to stop exporter: %v", err)
			}
		}()
	}

	monitor := healthcheck.NewMonitor(&healthcheck.Config{
		Checks: chainBackendChecks(cfg, inst.Backend),
		Shutdown: func(format string, params ...interface{}) {
			log.Criticalf("Health check: "+format, params...)
		},
	})
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("unable to start health monitor: %w", err)
	}
	defer func() {
		if err := monitor.Stop(); err != nil {
			log.Errorf("Unable to stop health monitor: %v", err)
		}
	}()

	syncer := wallet.NewSyncer(inst.Wallet, wallet.SyncerConfig{
		Ticker:          ticker.New(cfg.Scan.Interval),
		FullScanOnStart: cfg.Scan.Rescan || inst.Wallet.NeedsFullScan(),
		ScanOptions:     cfg.ScanOptions(),
		SyncOptions:     cfg.SyncOptions(),
		RoundTimeout:    cfg.Scan.RoundTimeout,
	})
	if err := syncer.Start(); err != nil {
		return fmt.Errorf("unable to start syncer: %w", err)
	}
	defer func() {
		if err := syncer.Stop(); err != nil {
			log.Errorf("Unable to stop syncer: %v", err)
		}
	}()

	log.Infof("Syncing every %v", cfg.Scan.Interval)

	// Tell systemd we are ready, this is a no-op outside of a notify
	// unit.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf("Unable to notify systemd: %v", err)
	}

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()

	return nil
}

// chainBackendChecks returns the liveness check of the chain source. A check
// with zero attempts is disabled.
func chainBackendChecks(cfg *Config,
	backend chainsource.Backend) []*healthcheck.Observation {

	checkCfg := cfg.HealthChecks.ChainCheck
	if checkCfg.Attempts == 0 {
		return nil
	}

	return []*healthcheck.Observation{{
		Name: "chain backend",
		Check: healthcheck.CreateCheck(func() error {
			ctx, cancel := context.WithTimeout(
				context.Background(), checkCfg.Timeout,
			)
			defer cancel()

			_, err := backend.TipHeight(ctx)

			return err
		}),
		Interval: ticker.New(checkCfg.Interval),
		Attempts: checkCfg.Attempts,
		Timeout:  checkCfg.Timeout,
		Backoff:  checkCfg.Backoff,
	}}
}
