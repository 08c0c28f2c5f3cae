package types

import "math/big"

// Network represents supported blockchain networks
type Network string

const (
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkLocal       Network = "local"        // anvil / hardhat
)

var chainIDs = map[Network]int64{
	NetworkBase:        8453,
	NetworkBaseSepolia: 84532,
	NetworkLocal:       31337,
}

// Native USDC deployments.
var defaultUSDC = map[Network]string{
	NetworkBase:        "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	NetworkBaseSepolia: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
}

// ChainID returns the EIP-155 chain id, or nil for an unknown network.
func (n Network) ChainID() *big.Int {
	id, ok := chainIDs[n]
	if !ok {
		return nil
	}
	return big.NewInt(id)
}

// DefaultUSDC returns the canonical USDC contract for the network, if any.
func (n Network) DefaultUSDC() string {
	return defaultUSDC[n]
}

func (n Network) IsSupported() bool {
	_, ok := chainIDs[n]
	return ok
}

func (n Network) IsTestnet() bool {
	return n == NetworkBaseSepolia || n == NetworkLocal
}

func (n Network) String() string {
	return string(n)
}
