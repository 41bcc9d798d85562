package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM    ChainFamily = "evm"
	ChainSolana ChainFamily = "solana"
)

// Network represents a supported blockchain network name.
type Network string

const (
	// EVM Networks
	NetworkBase          Network = "base"
	NetworkBaseSepolia   Network = "base-sepolia" // testnet
	NetworkPolygon       Network = "polygon"
	NetworkPolygonAmoy   Network = "polygon-amoy" // testnet
	NetworkAvalanche     Network = "avalanche"
	NetworkAvalancheFuji Network = "avalanche-fuji" // testnet
	NetworkEthereum      Network = "ethereum"
	NetworkSepolia       Network = "sepolia" // testnet

	// Solana Networks
	NetworkSolana        Network = "solana"
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet" // testnet
)

func (n Network) String() string {
	return string(n)
}

// NetworkInfo describes the default settlement asset of a network.
type NetworkInfo struct {
	Name     Network
	Family   ChainFamily
	ChainID  int64 // EVM only
	Asset    string
	Decimals int32

	// EIP-712 domain of the asset (EVM only).
	EIP712Name    string
	EIP712Version string
}

var registry = map[Network]NetworkInfo{
	NetworkBase: {
		Name: NetworkBase, Family: ChainEVM, ChainID: 8453,
		Asset: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6,
		EIP712Name: "USD Coin", EIP712Version: "2",
	},
	NetworkBaseSepolia: {
		Name: NetworkBaseSepolia, Family: ChainEVM, ChainID: 84532,
		Asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Decimals: 6,
		EIP712Name: "USDC", EIP712Version: "2",
	},
	NetworkPolygon: {
		Name: NetworkPolygon, Family: ChainEVM, ChainID: 137,
		Asset: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Decimals: 6,
		EIP712Name: "USD Coin", EIP712Version: "2",
	},
	NetworkPolygonAmoy: {
		Name: NetworkPolygonAmoy, Family: ChainEVM, ChainID: 80002,
		Asset: "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", Decimals: 6,
		EIP712Name: "USDC", EIP712Version: "2",
	},
	NetworkAvalanche: {
		Name: NetworkAvalanche, Family: ChainEVM, ChainID: 43114,
		Asset: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Decimals: 6,
		EIP712Name: "USD Coin", EIP712Version: "2",
	},
	NetworkAvalancheFuji: {
		Name: NetworkAvalancheFuji, Family: ChainEVM, ChainID: 43113,
		Asset: "0x5425890298aed601595a70AB815c96711a31Bc65", Decimals: 6,
		EIP712Name: "USD Coin", EIP712Version: "2",
	},
	NetworkEthereum: {
		Name: NetworkEthereum, Family: ChainEVM, ChainID: 1,
		Asset: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6,
		EIP712Name: "USD Coin", EIP712Version: "2",
	},
	NetworkSepolia: {
		Name: NetworkSepolia, Family: ChainEVM, ChainID: 11155111,
		Asset: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Decimals: 6,
		EIP712Name: "USDC", EIP712Version: "2",
	},
	NetworkSolana: {
		Name: NetworkSolana, Family: ChainSolana,
		Asset: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6,
	},
	NetworkSolanaMainnet: {
		Name: NetworkSolanaMainnet, Family: ChainSolana,
		Asset: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6,
	},
	NetworkSolanaDevnet: {
		Name: NetworkSolanaDevnet, Family: ChainSolana,
		Asset: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", Decimals: 6,
	},
}

// CAIP-2 identifiers for Solana clusters.
var solanaGenesis = map[string]Network{
	"5eykt4usfv8p8njdtrepy1vzqkqzkvdp": NetworkSolanaMainnet,
	"etwtrabzayq6imfeykouru166vu2xqa1": NetworkSolanaDevnet,
}

var evmPrefixes = []string{
	"ethereum", "base", "polygon", "avalanche", "sepolia",
	"arbitrum", "optimism", "iotex", "sei", "eip155",
}

// LookupNetwork returns the registry entry for a network name or CAIP-2 id.
func LookupNetwork(network string) (NetworkInfo, bool) {
	n := strings.ToLower(strings.TrimSpace(network))

	if info, ok := registry[Network(n)]; ok {
		return info, true
	}

	if id, ok := strings.CutPrefix(n, "eip155:"); ok {
		chainID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return NetworkInfo{}, false
		}
		for _, info := range registry {
			if info.Family == ChainEVM && info.ChainID == chainID {
				return info, true
			}
		}
		return NetworkInfo{}, false
	}

	if genesis, ok := strings.CutPrefix(n, "solana:"); ok {
		if name, ok := solanaGenesis[genesis]; ok {
			return registry[name], true
		}
	}

	return NetworkInfo{}, false
}

// DetectChainFamily classifies a network identifier. Unknown identifiers are
// an error; guessing a family would parse addresses in the wrong format.
func DetectChainFamily(network string) (ChainFamily, error) {
	if info, ok := LookupNetwork(network); ok {
		return info.Family, nil
	}

	n := strings.ToLower(strings.TrimSpace(network))
	switch {
	case n == "":
		return "", &X402Error{
			Code:    ErrUnsupportedNetwork,
			Message: "unknown network: empty network name",
		}
	case strings.HasPrefix(n, "solana"):
		return ChainSolana, nil
	}

	for _, prefix := range evmPrefixes {
		if strings.HasPrefix(n, prefix) {
			return ChainEVM, nil
		}
	}

	return "", &X402Error{
		Code:    ErrUnsupportedNetwork,
		Message: fmt.Sprintf("unknown network: %s", network),
	}
}

// IsEVM reports whether the network belongs to the EVM family.
func (n Network) IsEVM() bool {
	f, err := DetectChainFamily(string(n))
	return err == nil && f == ChainEVM
}
