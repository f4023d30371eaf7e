package chainsync

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// netParams couples the consensus parameters of a network with the public
// Esplora API used when none is configured.
type netParams struct {
	*chaincfg.Params

	// esploraURL is empty for networks without a public server.
	esploraURL string
}

// mainNetParams contains parameters specific to the current Bitcoin mainnet.
var mainNetParams = netParams{
	Params:     &chaincfg.MainNetParams,
	esploraURL: "https://mempool.space/api",
}

// testNetParams contains parameters specific to the 3rd version of the test
// network.
var testNetParams = netParams{
	Params:     &chaincfg.TestNet3Params,
	esploraURL: "https://mempool.space/testnet/api",
}

// sigNetParams contains parameters specific to the default signet.
var sigNetParams = netParams{
	Params:     &chaincfg.SigNetParams,
	esploraURL: "https://mempool.space/signet/api",
}

// regTestNetParams contains parameters specific to a local regtest network.
var regTestNetParams = netParams{
	Params: &chaincfg.RegressionNetParams,
}

// simNetParams contains parameters specific to the simulation test network.
var simNetParams = netParams{
	Params: &chaincfg.SimNetParams,
}

// paramsForNetwork returns the parameters of the named network.
func paramsForNetwork(network string) (netParams, error) {
	switch network {
	case "mainnet":
		return mainNetParams, nil
	case "testnet", "testnet3":
		return testNetParams, nil
	case "signet":
		return sigNetParams, nil
	case "regtest":
		return regTestNetParams, nil
	case "simnet":
		return simNetParams, nil
	default:
		return netParams{}, fmt.Errorf("unknown network %q", network)
	}
}
