package chainsync

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/chainsync/keychain"
	"github.com/stretchr/testify/require"
)

// testDescriptor returns a receive descriptor of a fixed regtest master key.
func testDescriptor(t *testing.T, branch int) string {
	t.Helper()

	seed := bytes.Repeat([]byte{0x42}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	return fmt.Sprintf("wpkh(%s/%d/*)", master.String(), branch)
}

// writeConfig writes a config file into a fresh chainsync directory.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	err := os.WriteFile(
		filepath.Join(dir, defaultConfigFilename), []byte(content),
		0600,
	)
	require.NoError(t, err)

	return dir
}

func TestLoadConfigFile(t *testing.T) {
	dir := writeConfig(t, fmt.Sprintf(`
network=regtest
externaldesc=%s

[esplora]
esplora.url=http://127.0.0.1:3002

[scan]
scan.stopgap=20
`, testDescriptor(t, 0)))

	cfg, err := LoadConfigFile(dir, "", nil)
	require.NoError(t, err)

	require.Equal(t, &chaincfg.RegressionNetParams, cfg.ChainParams())
	require.Equal(t, filepath.Join(dir, defaultDataDirname, "regtest"),
		cfg.NetworkDir())
	require.Equal(t, "http://127.0.0.1:3002", cfg.Esplora.URL)
	require.EqualValues(t, 20, cfg.ScanOptions().StopGap)
	require.Equal(t, 25, cfg.ScanOptions().BatchSize)

	keychains, err := cfg.Keychains()
	require.NoError(t, err)
	require.Len(t, keychains, 1)
	require.Contains(t, keychains, keychain.External)
}

func TestValidateConfig(t *testing.T) {
	t.Run("missing descriptor", func(t *testing.T) {
		cfg := DefaultConfig()
		_, err := ValidateConfig(cfg)
		require.ErrorIs(t, err, ErrNoDescriptor)
	})

	t.Run("default esplora url", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ExternalDescriptor = "wpkh(xpub/0/*)"
		cfg.Network = "signet"

		clean, err := ValidateConfig(cfg)
		require.NoError(t, err)
		require.Equal(t, sigNetParams.esploraURL, clean.Esplora.URL)
	})

	t.Run("regtest needs esplora url", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ExternalDescriptor = "wpkh(xpub/0/*)"
		cfg.Network = "regtest"

		_, err := ValidateConfig(cfg)
		require.ErrorContains(t, err, "esplora.url")
	})

	t.Run("electrum", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ExternalDescriptor = "wpkh(xpub/0/*)"
		cfg.Backend = electrumBackend
		cfg.Electrum.Server = "localhost"

		clean, err := ValidateConfig(cfg)
		require.NoError(t, err)
		require.Equal(t, "localhost:50002", clean.Electrum.Server)
	})

	t.Run("unknown network", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ExternalDescriptor = "wpkh(xpub/0/*)"
		cfg.Network = "litecoin"

		_, err := ValidateConfig(cfg)
		require.Error(t, err)
	})
}

// TestOpenWallet asserts that the first open creates the wallet and a later
// open loads it from the store.
func TestOpenWallet(t *testing.T) {
	dir := writeConfig(t, fmt.Sprintf(`
network=regtest
externaldesc=%s
internaldesc=%s

[esplora]
esplora.url=http://127.0.0.1:3002
`, testDescriptor(t, 0), testDescriptor(t, 1)))

	cfg, err := LoadConfigFile(dir, "", nil)
	require.NoError(t, err)

	inst, err := OpenWallet(cfg, nil)
	require.NoError(t, err)
	require.True(t, inst.Created)
	require.Equal(t, *chaincfg.RegressionNetParams.GenesisHash,
		inst.Wallet.Tip().Hash)

	info, err := inst.Wallet.RevealNextAddress(keychain.Internal)
	require.NoError(t, err)
	require.NoError(t, inst.Close())

	inst, err = OpenWallet(cfg, nil)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, inst.Close())
	}()

	require.False(t, inst.Created)
	require.Equal(t, info.Index,
		inst.Wallet.RevealedIndices()[keychain.Internal])
}
