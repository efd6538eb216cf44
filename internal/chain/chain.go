// Package chain defines the networks and assets the deposit monitor watches,
// and the normalized Transfer type produced by chain adapters.
package chain

import (
	"fmt"
	"strings"
	"time"
)

// Chain identifies a supported blockchain network.
type Chain int

const (
	ChainUnknown Chain = iota
	ChainEthereum
	ChainBSC
	ChainPolygon
	ChainBase
	ChainAvalanche
	ChainSolana
	ChainTron
)

// String returns the canonical lowercase chain name.
func (c Chain) String() string {
	switch c {
	case ChainEthereum:
		return "ethereum"
	case ChainBSC:
		return "bsc"
	case ChainPolygon:
		return "polygon"
	case ChainBase:
		return "base"
	case ChainAvalanche:
		return "avalanche"
	case ChainSolana:
		return "solana"
	case ChainTron:
		return "tron"
	default:
		return "unknown"
	}
}

// EVM reports whether the chain speaks the Ethereum JSON-RPC protocol.
func (c Chain) EVM() bool {
	switch c {
	case ChainEthereum, ChainBSC, ChainPolygon, ChainBase, ChainAvalanche:
		return true
	case ChainSolana, ChainTron, ChainUnknown:
		return false
	}
	return false
}

// ID returns the numeric chain ID for EVM chains, 0 otherwise.
func (c Chain) ID() uint64 {
	switch c {
	case ChainEthereum:
		return 1
	case ChainBSC:
		return 56
	case ChainPolygon:
		return 137
	case ChainBase:
		return 8453
	case ChainAvalanche:
		return 43114
	default:
		return 0
	}
}

// ParseChain resolves a chain name or common alias (sol, bnb, matic, trx...)
// to a Chain. Matching is case-insensitive.
func ParseChain(s string) (Chain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eth", "ethereum":
		return ChainEthereum, nil
	case "bsc", "bnb", "binance":
		return ChainBSC, nil
	case "matic", "polygon":
		return ChainPolygon, nil
	case "base":
		return ChainBase, nil
	case "avax", "avalanche":
		return ChainAvalanche, nil
	case "sol", "solana":
		return ChainSolana, nil
	case "trx", "tron":
		return ChainTron, nil
	default:
		return ChainUnknown, fmt.Errorf("unknown chain: %q", s)
	}
}

// Asset identifies what the payer is expected to send.
type Asset int

const (
	AssetUnknown Asset = iota
	AssetNative        // the chain's own coin (ETH, BNB, SOL, ...)
	AssetUSDT
	AssetUSDC
)

// String returns the canonical lowercase asset name.
func (a Asset) String() string {
	switch a {
	case AssetNative:
		return "native"
	case AssetUSDT:
		return "usdt"
	case AssetUSDC:
		return "usdc"
	default:
		return "unknown"
	}
}

// ParseAsset resolves an asset name to an Asset.
func ParseAsset(s string) (Asset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "native", "coin":
		return AssetNative, nil
	case "usdt":
		return AssetUSDT, nil
	case "usdc":
		return AssetUSDC, nil
	default:
		return AssetUnknown, fmt.Errorf("unknown asset: %q", s)
	}
}

// Stable reports whether the asset is a stablecoin.
func (a Asset) Stable() bool {
	switch a {
	case AssetUSDT, AssetUSDC:
		return true
	case AssetNative, AssetUnknown:
		return false
	}
	return false
}

// Tolerance is the maximum absolute difference between an observed and an
// expected amount for the two to be considered the same payment. Stablecoins
// carry six decimals on every supported chain, so the window is much tighter
// than for native coins.
func (a Asset) Tolerance() float64 {
	if a.Stable() {
		return 1e-6
	}
	return 1e-4
}

// Transfer is a normalized inbound payment observed on a chain. It is
// ephemeral: adapters produce it, the reconciliation pipeline consumes it,
// nothing persists it.
type Transfer struct {
	TxID      string
	Chain     Chain
	Asset     Asset
	Amount    float64 // human units, already divided by the asset's decimals
	Sender    string
	Receiver  string
	BlockTime time.Time
}

// SameWallet compares two addresses case-insensitively. EVM addresses are
// checksummed with mixed case; Solana and Tron addresses are case-sensitive
// base58 in principle but never collide under folding in practice.
func SameWallet(a, b string) bool {
	return strings.EqualFold(a, b)
}
