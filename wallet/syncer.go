package wallet

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultSyncInterval is the default time between two sync rounds.
const DefaultSyncInterval = 10 * time.Minute

// ErrSyncerStopped is returned when a round is requested from a stopped
// syncer.
var ErrSyncerStopped = errors.New("syncer stopped")

// SyncerConfig configures the periodic rounds of a Syncer.
type SyncerConfig struct {
	// Ticker paces the sync rounds.
	Ticker ticker.Ticker

	// FullScanOnStart runs a full scan before the first sync round. Until a
	// full scan succeeds every round is a full scan.
	FullScanOnStart bool

	// ScanOptions tunes every round.
	ScanOptions ScanOptions

	// SyncOptions selects the elements of periodic sync rounds.
	SyncOptions SyncOptions

	// RoundTimeout bounds a single round. Zero means no bound.
	RoundTimeout time.Duration
}

// Syncer runs synchronization rounds of a wallet in the background.
type Syncer[K cmp.Ordered] struct {
	started sync.Once
	stopped sync.Once

	wallet *Wallet[K]
	cfg    SyncerConfig

	trigger chan chan error

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewSyncer creates a syncer for w.
func NewSyncer[K cmp.Ordered](w *Wallet[K], cfg SyncerConfig) *Syncer[K] {
	return &Syncer[K]{
		wallet:  w,
		cfg:     cfg,
		trigger: make(chan chan error),
		quit:    make(chan struct{}),
	}
}

// Start launches the round loop.
func (s *Syncer[K]) Start() error {
	s.started.Do(func() {
		log.Infof("Syncer starting")

		s.wg.Add(1)
		go s.loop()
	})

	return nil
}

// Stop stops the round loop and waits for a running round to end.
func (s *Syncer[K]) Stop() error {
	s.stopped.Do(func() {
		log.Infof("Syncer shutting down...")

		close(s.quit)
		s.cfg.Ticker.Stop()
		s.wg.Wait()
	})

	return nil
}

// SyncNow runs a round on the loop and returns its error. The round is a
// full scan while the start-up scan is still pending.
func (s *Syncer[K]) SyncNow(ctx context.Context) error {
	errChan := make(chan error, 1)

	select {
	case s.trigger <- errChan:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrSyncerStopped
	}

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrSyncerStopped
	}
}

func (s *Syncer[K]) loop() {
	defer s.wg.Done()

	scanPending := s.cfg.FullScanOnStart || s.wallet.NeedsFullScan()

	nextRound := func() error {
		if !scanPending {
			return s.runRound(ModeSync)
		}

		err := s.runRound(ModeFullScan)
		if err == nil {
			scanPending = false
		}

		return err
	}

	if scanPending {
		_ = nextRound()
	}

	s.cfg.Ticker.Resume()

	for {
		select {
		case <-s.cfg.Ticker.Ticks():
			_ = nextRound()

		case errChan := <-s.trigger:
			errChan <- nextRound()

		case <-s.quit:
			return
		}
	}
}

// runRound runs one round, cancelled when the syncer stops.
func (s *Syncer[K]) runRound(mode RoundMode) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if s.cfg.RoundTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RoundTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-done:
		}
	}()

	// A failed commit must be resolved before any new round.
	if s.wallet.Poisoned() {
		if err := s.wallet.RetryCommit(); err != nil {
			log.Errorf("Retrying wallet commit failed: %v", err)
			return err
		}
	}

	var err error
	switch mode {
	case ModeFullScan:
		_, err = s.wallet.FullScan(ctx, s.cfg.ScanOptions)
	case ModeSync:
		_, err = s.wallet.Sync(ctx, s.cfg.SyncOptions, s.cfg.ScanOptions)
	default:
		err = fmt.Errorf("unknown round mode %q", mode)
	}
	if err != nil {
		log.Errorf("Round %v failed: %v", mode, err)
		return err
	}

	s.observeState()

	return nil
}

func (s *Syncer[K]) observeState() {
	observer := s.wallet.cfg.Observer
	if observer == nil {
		return
	}

	revealed := make(map[string]uint32)
	for k, index := range s.wallet.RevealedIndices().All() {
		revealed[fmt.Sprint(k)] = index
	}

	observer.ObserveState(
		s.wallet.Tip().Height, s.wallet.Balance(), revealed,
	)
}
