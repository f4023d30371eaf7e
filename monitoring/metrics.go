package monitoring

import (
	"time"

	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/wallet"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chainsync"

// Metrics holds the prometheus collectors of the daemon. It implements
// wallet.Observer.
type Metrics struct {
	registry *prometheus.Registry

	rounds        *prometheus.CounterVec
	roundDuration *prometheus.HistogramVec
	balance       *prometheus.GaugeVec
	revealed      *prometheus.GaugeVec
	tipHeight     prometheus.Gauge
}

// A compile time check to ensure Metrics implements wallet.Observer.
var _ wallet.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them, together with the
// process and go runtime collectors, on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Synchronization rounds by mode and outcome.",
		}, []string{"mode", "outcome"}),
		roundDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "round_duration_seconds",
				Help:      "Duration of synchronization rounds.",
				Buckets: prometheus.ExponentialBuckets(
					0.05, 2, 12,
				),
			}, []string{"mode"},
		),
		balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_sats",
			Help:      "Wallet balance by category.",
		}, []string{"kind"}),
		revealed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "revealed_index",
			Help:      "Last revealed derivation index per keychain.",
		}, []string{"keychain"}),
		tipHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_tip_height",
			Help:      "Height of the local chain tip.",
		}),
	}

	m.registry.MustRegister(
		prometheus.NewProcessCollector(
			prometheus.ProcessCollectorOpts{},
		),
		prometheus.NewGoCollector(),
		m.rounds, m.roundDuration, m.balance, m.revealed, m.tipHeight,
	)

	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRound records the outcome and duration of a round.
//
// NOTE: This is part of the wallet.Observer interface.
func (m *Metrics) ObserveRound(mode wallet.RoundMode, outcome string,
	elapsed time.Duration) {

	m.rounds.WithLabelValues(string(mode), outcome).Inc()
	m.roundDuration.WithLabelValues(string(mode)).Observe(
		elapsed.Seconds(),
	)
}

// ObserveState records the tip, balance and revealed indices.
//
// NOTE: This is part of the wallet.Observer interface.
func (m *Metrics) ObserveState(tipHeight uint32, balance keychain.Balance,
	revealed map[string]uint32) {

	m.tipHeight.Set(float64(tipHeight))

	m.balance.WithLabelValues("immature").Set(float64(balance.Immature))
	m.balance.WithLabelValues("trusted_pending").Set(
		float64(balance.TrustedPending),
	)
	m.balance.WithLabelValues("untrusted_pending").Set(
		float64(balance.UntrustedPending),
	)
	m.balance.WithLabelValues("confirmed").Set(float64(balance.Confirmed))

	for k, index := range revealed {
		m.revealed.WithLabelValues(k).Set(float64(index))
	}
}
