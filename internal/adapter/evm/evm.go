// Package evm implements deposit adapters for Ethereum and EVM-compatible
// chains (BSC, Polygon, Base, Avalanche): a native-coin adapter scanning
// block transactions and an ERC-20 adapter decoding Transfer logs.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ecerlabs/chainpay/internal/chain"
)

// transferTopic is the fixed ERC-20 Transfer(address,address,uint256) event
// signature every fungible-token adapter filters on.
var transferTopic = common.BytesToHash(crypto.Keccak256([]byte("Transfer(address,address,uint256)")))

// weiPerEther converts raw native values to human units.
const weiPerEther = 1e18

// Config holds connection settings shared by the EVM adapters.
type Config struct {
	Chain chain.Chain

	// RPCURL is the HTTP endpoint, required. WSURL enables the new-head
	// subscription for the native adapter; without it the adapter polls.
	RPCURL string
	WSURL  string

	// Wallet is the collection wallet deposits are expected at.
	Wallet string

	// TokenAddress is the ERC-20 contract, required for token adapters.
	TokenAddress string

	// PollInterval is the head/log scan cadence in pull mode.
	PollInterval time.Duration
}

func (c *Config) validate(token bool) error {
	if c.RPCURL == "" {
		return fmt.Errorf("%s: RPC URL is required", c.Chain)
	}
	if c.Wallet == "" {
		return fmt.Errorf("%s: collection wallet is required", c.Chain)
	}
	if token && c.TokenAddress == "" {
		return fmt.Errorf("%s: token contract address is required", c.Chain)
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	return nil
}

// dial connects the HTTP client and verifies the chain ID against the
// configured chain, refusing to start against the wrong network.
func dial(ctx context.Context, cfg *Config, logger *slog.Logger) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial HTTP RPC: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("get chain ID: %w", err)
	}
	if want := cfg.Chain.ID(); want != 0 && chainID.Uint64() != want {
		client.Close()
		return nil, fmt.Errorf("chain ID mismatch: expected %d, got %d", want, chainID.Uint64())
	}

	logger.Info("connected to RPC", "url", cfg.RPCURL, "chain_id", chainID)
	return client, nil
}
