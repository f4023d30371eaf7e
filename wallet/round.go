package wallet

import (
	"cmp"
	"context"
	"time"

	"github.com/lightninglabs/chainsync/chainsource"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/looplab/fsm"
)

// RoundMode is the kind of a synchronization round.
type RoundMode string

const (
	// ModeFullScan discovers keychain scripts with the gap limit.
	ModeFullScan RoundMode = "full_scan"

	// ModeSync checks already known wallet elements.
	ModeSync RoundMode = "sync"
)

// The states of a round.
const (
	StateIdle       = "idle"
	StatePlanning   = "planning"
	StateQuerying   = "querying"
	StateFinalizing = "finalizing"
	StateCommitting = "committing"
)

const (
	eventPlan     = "plan"
	eventQuery    = "query"
	eventFinalize = "finalize"
	eventCommit   = "commit"
	eventDone     = "done"
	eventRetry    = "retry"
	eventAbort    = "abort"
)

// newRoundFSM returns the state machine of one round. Only querying and
// finalizing may go back to planning, committing is never retried.
func newRoundFSM(mode RoundMode) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{
				Name: eventPlan,
				Src:  []string{StateIdle},
				Dst:  StatePlanning,
			},
			{
				Name: eventQuery,
				Src:  []string{StatePlanning},
				Dst:  StateQuerying,
			},
			{
				Name: eventFinalize,
				Src:  []string{StateQuerying},
				Dst:  StateFinalizing,
			},
			{
				Name: eventCommit,
				Src:  []string{StateFinalizing},
				Dst:  StateCommitting,
			},
			{
				Name: eventRetry,
				Src:  []string{StateQuerying, StateFinalizing},
				Dst:  StatePlanning,
			},
			{
				Name: eventDone,
				Src:  []string{StateCommitting},
				Dst:  StateIdle,
			},
			{
				Name: eventAbort,
				Src: []string{
					StatePlanning, StateQuerying,
					StateFinalizing, StateCommitting,
				},
				Dst: StateIdle,
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Tracef("Round %v: %v -> %v", mode, e.Src,
					e.Dst)
			},
		},
	)
}

// round drives one synchronization round through its states.
type round struct {
	mode  RoundMode
	fsm   *fsm.FSM
	start time.Time
}

// transition fires event. The transitions are fixed by runRound, so a failure
// is only logged.
func (r *round) transition(event string) {
	if err := r.fsm.Event(context.Background(), event); err != nil {
		log.Errorf("Round %v: invalid transition %v from %v: %v",
			r.mode, event, r.fsm.Current(), err)
	}
}

// planFunc plans a round and returns the query to run against the chain
// source.
type planFunc[K cmp.Ordered] func() func(context.Context) (
	*chainsource.Update[K], error)

// FullScan runs a gap limit discovery round and applies its result.
func (w *Wallet[K]) FullScan(ctx context.Context,
	opts ScanOptions) (ChangeSet[K], error) {

	return w.runRound(ctx, ModeFullScan, func() func(context.Context) (
		*chainsource.Update[K], error) {

		req := w.PlanFullScan(opts)

		return func(ctx context.Context) (*chainsource.Update[K],
			error) {

			return chainsource.Scan(ctx, w.cfg.Backend, req)
		}
	})
}

// Sync runs a targeted sync round and applies its result.
func (w *Wallet[K]) Sync(ctx context.Context, syncOpts SyncOptions,
	opts ScanOptions) (ChangeSet[K], error) {

	return w.runRound(ctx, ModeSync, func() func(context.Context) (
		*chainsource.Update[K], error) {

		req := w.PlanSync(syncOpts, opts.BatchSize)

		return func(ctx context.Context) (*chainsource.Update[K],
			error) {

			return chainsource.ScanWithoutKeychain[K](
				ctx, w.cfg.Backend, req,
			)
		}
	})
}

// runRound plans, queries, finalizes and commits. Chain source failures
// while querying or finalizing plan the round again, up to MaxRetries times.
func (w *Wallet[K]) runRound(ctx context.Context, mode RoundMode,
	plan planFunc[K]) (cs ChangeSet[K], err error) {

	r := &round{
		mode:  mode,
		fsm:   newRoundFSM(mode),
		start: w.cfg.Clock.Now(),
	}
	defer func() {
		if r.fsm.Current() != StateIdle {
			r.transition(eventAbort)
		}

		elapsed := w.cfg.Clock.Now().Sub(r.start)
		if w.cfg.Observer != nil {
			w.cfg.Observer.ObserveRound(mode, outcome(err), elapsed)
		}
		if err == nil {
			log.Infof("Round %v done in %v: tip=%v, %d new txs",
				mode, elapsed, w.Tip(), len(cs.Graph.Txs))
		}
	}()

	if w.poisoned.Load() {
		return ChangeSet[K]{}, ErrWalletPoisoned
	}

	r.transition(eventPlan)

	backoff := w.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		query := plan()

		r.transition(eventQuery)
		var update keychain.WalletUpdate[K, Anchor]
		prelim, err := query(ctx)
		if err == nil {
			r.transition(eventFinalize)
			update, err = w.finalize(ctx, prelim)
		}

		if err != nil {
			if !IsRetryable(err) || attempt >= w.cfg.MaxRetries ||
				ctx.Err() != nil {

				log.Errorf("Round %v failed in state %v: %v",
					mode, r.fsm.Current(), err)

				return ChangeSet[K]{}, err
			}

			log.Warnf("Round %v attempt %d failed, planning "+
				"again in %v: %v", mode, attempt+1, backoff,
				err)

			r.transition(eventRetry)
			if err := w.wait(ctx, backoff); err != nil {
				return ChangeSet[K]{}, err
			}
			backoff *= 2

			continue
		}

		r.transition(eventCommit)
		cs, err := w.ApplyUpdate(update)
		if err != nil {
			return ChangeSet[K]{}, err
		}
		r.transition(eventDone)

		return cs, nil
	}
}

// finalize fetches the bodies the update references that the graph lacks.
func (w *Wallet[K]) finalize(ctx context.Context,
	prelim *chainsource.Update[K]) (keychain.WalletUpdate[K, Anchor],
	error) {

	w.graphMtx.RLock()
	missing := prelim.MissingFullTxs(w.graph)
	w.graphMtx.RUnlock()

	seenAt := uint64(w.cfg.Clock.Now().Unix())

	return chainsource.Finalize(ctx, w.cfg.Backend, prelim, missing, seenAt)
}

func (w *Wallet[K]) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	select {
	case <-w.cfg.Clock.TickAfter(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
