package synccfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDefaultsValid asserts that every default sub config passes validation
// once the mandatory endpoints are filled in.
func TestDefaultsValid(t *testing.T) {
	t.Parallel()

	esplora := DefaultEsploraConfig()
	esplora.URL = "https://mempool.space/api"

	electrum := DefaultElectrumConfig()
	electrum.Server = "electrum.example.com:50002"

	require.NoError(t, Validate(
		esplora, electrum, DefaultDB(), DefaultScan(),
		DefaultPrometheus(), DefaultHealthCheck(),
	))
}

func TestEsploraValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultEsploraConfig()
	require.Error(t, cfg.Validate())

	cfg.URL = "ftp://mempool.space/api"
	require.ErrorContains(t, cfg.Validate(), "http or https")

	cfg.URL = "http://localhost:3002"
	require.NoError(t, cfg.Validate())

	cfg.Concurrency = -1
	require.Error(t, cfg.Validate())
}

// TestElectrumDefaultPort asserts that a missing port is filled in according
// to the transport.
func TestElectrumDefaultPort(t *testing.T) {
	t.Parallel()

	cfg := DefaultElectrumConfig()
	require.Error(t, cfg.Validate())

	cfg.Server = "electrum.example.com"
	require.NoError(t, cfg.Validate())
	require.Equal(t, "electrum.example.com:50002", cfg.Server)

	cfg = DefaultElectrumConfig()
	cfg.UseSSL = false
	cfg.Server = "127.0.0.1"
	require.NoError(t, cfg.Validate())
	require.Equal(t, "127.0.0.1:50001", cfg.Server)
}

func TestScanValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Scan)
		valid  bool
	}{
		{
			name:   "defaults",
			mutate: func(*Scan) {},
			valid:  true,
		},
		{
			name:   "zero stop gap",
			mutate: func(s *Scan) { s.StopGap = 0 },
		},
		{
			name:   "zero batch",
			mutate: func(s *Scan) { s.BatchSize = 0 },
		},
		{
			name:   "short interval",
			mutate: func(s *Scan) { s.Interval = time.Millisecond },
		},
		{
			name:   "negative retries",
			mutate: func(s *Scan) { s.MaxRetries = -1 },
		},
		{
			name:   "zero retries",
			mutate: func(s *Scan) { s.MaxRetries = 0 },
			valid:  true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultScan()
			test.mutate(cfg)

			err := cfg.Validate()
			if test.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestHealthCheckValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultHealthCheck()
	require.NoError(t, cfg.Validate())

	cfg.ChainCheck.Interval = time.Second
	require.ErrorContains(t, cfg.Validate(), "interval")

	// A disabled check is not validated.
	cfg.ChainCheck.Attempts = 0
	require.NoError(t, cfg.Validate())
}

func TestPrometheusValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultPrometheus()
	cfg.Listen = "nonsense"
	require.NoError(t, cfg.Validate())

	cfg.Enable = true
	require.Error(t, cfg.Validate())
}

func TestDBBackend(t *testing.T) {
	t.Parallel()

	cfg := DefaultDB()
	cfg.Backend = "etcd"
	require.Error(t, cfg.Validate())

	cfg = DefaultDB()
	cfg.Bolt.DBTimeout = time.Second
	require.NoError(t, cfg.Validate())

	db, err := cfg.GetBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestNormalizeNetwork(t *testing.T) {
	t.Parallel()

	require.Equal(t, "testnet", NormalizeNetwork("testnet3"))
	require.Equal(t, "testnet", NormalizeNetwork("testnet4"))
	require.Equal(t, "mainnet", NormalizeNetwork("mainnet"))
}
