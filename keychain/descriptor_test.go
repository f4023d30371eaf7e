package keychain

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

func testMasterKey(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()

	seed := bytes.Repeat([]byte{0x42}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	return master
}

// TestParseDescriptor checks that scripts derived from a descriptor match
// direct derivation of the extended key.
func TestParseDescriptor(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	master := testMasterKey(t)
	pub, err := master.Neuter()
	require.NoError(t, err)

	branch, err := pub.Derive(1)
	require.NoError(t, err)
	child, err := branch.Derive(5)
	require.NoError(t, err)
	pubKey, err := child.ECPubKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), params,
	)
	require.NoError(t, err)
	want, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	// Private keys are accepted and neutered.
	for _, key := range []string{master.String(), pub.String()} {
		desc, err := ParseDescriptor("wpkh("+key+"/1/*)", params)
		require.NoError(t, err)

		script, err := desc.ScriptPubKey(5)
		require.NoError(t, err)
		require.Equal(t, want, script)

		got, err := desc.Address(5)
		require.NoError(t, err)
		require.Equal(t, addr.EncodeAddress(), got.EncodeAddress())
	}

	desc, err := ParseDescriptor("wpkh("+pub.String()+"/*)", params)
	require.NoError(t, err)
	_, err = desc.ScriptPubKey(hdkeychain.HardenedKeyStart)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

// TestParseDescriptorErrors checks the rejected descriptor forms.
func TestParseDescriptorErrors(t *testing.T) {
	t.Parallel()

	pub, err := testMasterKey(t).Neuter()
	require.NoError(t, err)
	key := pub.String()

	tests := []struct {
		name   string
		desc   string
		params *chaincfg.Params
		err    error
	}{{
		name:   "not wpkh",
		desc:   "pkh(" + key + "/*)",
		params: &chaincfg.RegressionNetParams,
		err:    ErrUnsupportedDescriptor,
	}, {
		name:   "no wildcard",
		desc:   "wpkh(" + key + "/0)",
		params: &chaincfg.RegressionNetParams,
		err:    ErrUnsupportedDescriptor,
	}, {
		name:   "hardened branch",
		desc:   "wpkh(" + key + "/0h/*)",
		params: &chaincfg.RegressionNetParams,
		err:    ErrUnsupportedDescriptor,
	}, {
		name:   "wrong network",
		desc:   "wpkh(" + key + "/*)",
		params: &chaincfg.MainNetParams,
		err:    ErrWrongNetwork,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseDescriptor(tc.desc, tc.params)
			require.ErrorIs(t, err, tc.err)
		})
	}
}
