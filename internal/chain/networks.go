package chain

import (
	"fmt"
	"strings"

	"github.com/meridianpool/treasury/pkg/config"
)

// NetworkConfig describes one EVM network the treasury accepts USDT on.
type NetworkConfig struct {
	Name          string
	DisplayName   string
	ChainID       int64
	USDTContract  string // lowercase hex
	USDTDecimals  int
	Confirmations int64
	// RPCEnvVar names the environment variable holding the RPC endpoint.
	RPCEnvVar string
	// Currencies are the provider currency codes accepted on this network.
	Currencies []string
}

// Networks is the registry of supported networks. Contract addresses are
// the canonical USDT deployments; note BSC-pegged USDT uses 18 decimals
// while the others use 6.
var Networks = map[string]NetworkConfig{
	"ethereum": {
		Name:          "ethereum",
		DisplayName:   "Ethereum Mainnet",
		ChainID:       1,
		USDTContract:  "0xdac17f958d2ee523a2206206994597c13d831ec7",
		USDTDecimals:  6,
		Confirmations: 3,
		RPCEnvVar:     "ETHEREUM_RPC_ENDPOINT",
		Currencies:    []string{"usdterc20", "usdt"},
	},
	"bsc": {
		Name:          "bsc",
		DisplayName:   "BNB Smart Chain",
		ChainID:       56,
		USDTContract:  "0x55d398326f99059ff775485246999027b3197955",
		USDTDecimals:  18,
		Confirmations: 3,
		RPCEnvVar:     "BSC_RPC_ENDPOINT",
		Currencies:    []string{"usdtbsc", "usdtbep20", "usdt"},
	},
	"polygon": {
		Name:          "polygon",
		DisplayName:   "Polygon PoS",
		ChainID:       137,
		USDTContract:  "0xc2132d05d31c914a87c6611c10748aeb04b58e8f",
		USDTDecimals:  6,
		Confirmations: 3,
		RPCEnvVar:     "POLYGON_RPC_ENDPOINT",
		Currencies:    []string{"usdtmatic", "usdtpolygon", "usdt"},
	},
}

// GetNetwork resolves a network by name.
func GetNetwork(name string) (NetworkConfig, error) {
	network, ok := Networks[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("unsupported network: %s", name)
	}
	return network, nil
}

// RPCEndpoint returns the configured RPC endpoint for the network, empty
// when the operator has not enabled it.
func (n NetworkConfig) RPCEndpoint() string {
	return config.GetEnv(n.RPCEnvVar, "")
}

// AcceptedCurrencies builds the gate's network -> currency map for every
// network, enabled or not; currency validation is policy, not transport.
func AcceptedCurrencies() map[string][]string {
	accepted := make(map[string][]string, len(Networks))
	for name, network := range Networks {
		accepted[name] = network.Currencies
	}
	return accepted
}

// EnabledNetworks returns the networks with an RPC endpoint configured.
func EnabledNetworks() []NetworkConfig {
	var enabled []NetworkConfig
	for _, network := range Networks {
		if network.RPCEndpoint() != "" {
			enabled = append(enabled, network)
		}
	}
	return enabled
}
