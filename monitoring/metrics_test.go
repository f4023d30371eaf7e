package monitoring

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/lightninglabs/chainsync/keychain"
	"github.com/lightninglabs/chainsync/wallet"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestObserve checks that observations end up in the collectors.
func TestObserve(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ObserveRound(wallet.ModeSync, "success", time.Second)
	m.ObserveRound(wallet.ModeSync, "success", time.Second)
	m.ObserveRound(wallet.ModeFullScan, "network_error", time.Second)

	require.EqualValues(t, 2, testutil.ToFloat64(
		m.rounds.WithLabelValues("sync", "success"),
	))
	require.EqualValues(t, 1, testutil.ToFloat64(
		m.rounds.WithLabelValues("full_scan", "network_error"),
	))

	m.ObserveState(120, keychain.Balance{
		Confirmed:      1000,
		TrustedPending: 20,
	}, map[string]uint32{"external": 4})

	require.EqualValues(t, 120, testutil.ToFloat64(m.tipHeight))
	require.EqualValues(t, 1000, testutil.ToFloat64(
		m.balance.WithLabelValues("confirmed"),
	))
	require.EqualValues(t, 20, testutil.ToFloat64(
		m.balance.WithLabelValues("trusted_pending"),
	))
	require.EqualValues(t, 4, testutil.ToFloat64(
		m.revealed.WithLabelValues("external"),
	))
}

// TestExporter checks that the metrics are served over http.
func TestExporter(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ObserveState(7, keychain.Balance{}, nil)

	e := NewExporter("127.0.0.1:0", m)
	require.NoError(t, e.Start())
	defer func() {
		require.NoError(t, e.Stop())
	}()

	resp, err := http.Get("http://" + e.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "chainsync_chain_tip_height 7")
}
