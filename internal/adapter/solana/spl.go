package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ecerlabs/chainpay/internal/adapter"
	"github.com/ecerlabs/chainpay/internal/chain"
)

// SPLAdapter watches stablecoin deposits to the collection wallet's
// associated token account. The feed is an accountSubscribe subscription on
// the token account; each change notification is resolved to the most recent
// signature for the account, and extraction computes the token balance delta
// from the transaction's pre/post token balance snapshots. Decimals arrive
// with the snapshot, so no separate mint lookup is needed.
type SPLAdapter struct {
	cfg    Config
	asset  chain.Asset
	logger *slog.Logger
	client *rpc.Client
}

// NewSPL creates an SPL token adapter for the given stablecoin.
func NewSPL(cfg Config, asset chain.Asset, logger *slog.Logger) (*SPLAdapter, error) {
	if err := cfg.validate(true); err != nil {
		return nil, err
	}
	if !asset.Stable() {
		return nil, fmt.Errorf("spl adapter requires a token asset, got %s", asset)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SPLAdapter{
		cfg:    cfg,
		asset:  asset,
		logger: logger.With("adapter", "solana-spl", "asset", asset.String()),
		client: rpc.New(cfg.RPCURL),
	}, nil
}

func (a *SPLAdapter) Name() string       { return "solana-" + a.asset.String() }
func (a *SPLAdapter) Chain() chain.Chain { return chain.ChainSolana }
func (a *SPLAdapter) Asset() chain.Asset { return a.asset }
func (a *SPLAdapter) Mode() adapter.Mode { return adapter.ModePush }

// Open implements adapter.Feed.
func (a *SPLAdapter) Open(ctx context.Context) (adapter.Stream, error) {
	subscribe := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "accountSubscribe",
		"params": []any{
			a.cfg.TokenAccount,
			map[string]any{"encoding": "jsonParsed", "commitment": a.cfg.Commitment},
		},
	}

	conn, err := dialWS(ctx, a.cfg.WSURL, subscribe, a.logger)
	if err != nil {
		return nil, err
	}
	a.logger.Info("subscribed to token account", "account", a.cfg.TokenAccount, "mint", a.cfg.TokenMint)

	return &wsStream{conn: conn, logger: a.logger, parse: a.parseNotification}, nil
}

// parseNotification resolves an account-change notification to the latest
// signature touching the token account. Account notifications carry no
// signature themselves, so one RPC round trip is unavoidable here; the
// dedupe store downstream absorbs the repeats this produces.
func (a *SPLAdapter) parseNotification(ctx context.Context, method string, params json.RawMessage) (*adapter.RawEvent, error) {
	if method != "accountNotification" {
		return nil, nil
	}

	account, err := solana.PublicKeyFromBase58(a.cfg.TokenAccount)
	if err != nil {
		return nil, fmt.Errorf("bad token account: %w", err)
	}

	limit := 1
	sigs, err := a.client.GetSignaturesForAddressWithOpts(ctx, account, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentType(a.cfg.Commitment),
	})
	if err != nil {
		return nil, fmt.Errorf("get signatures: %w", err)
	}
	if len(sigs) == 0 {
		return nil, nil
	}

	return &adapter.RawEvent{
		Chain: chain.ChainSolana,
		TxID:  sigs[0].Signature.String(),
	}, nil
}

// Extract implements adapter.Extractor.
func (a *SPLAdapter) Extract(ctx context.Context, ev adapter.RawEvent) (*chain.Transfer, error) {
	sig, err := solana.SignatureFromBase58(ev.TxID)
	if err != nil {
		return nil, fmt.Errorf("bad signature %q: %w", ev.TxID, err)
	}

	maxVersion := uint64(0)
	result, err := a.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentType(a.cfg.Commitment),
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", ev.TxID, err)
	}
	if result == nil || result.Meta == nil {
		return nil, fmt.Errorf("transaction %s has no metadata", ev.TxID)
	}

	amount, sender, ok := tokenDelta(result.Meta.PreTokenBalances, result.Meta.PostTokenBalances, a.cfg.Wallet, a.cfg.TokenMint)
	if !ok {
		return nil, nil
	}

	var blockTime *int64
	if result.BlockTime != nil {
		t := result.BlockTime.Time().Unix()
		blockTime = &t
	}

	return transferOf(a.asset, ev.TxID, sender, a.cfg.Wallet, amount, blockTimeOrNow(blockTime)), nil
}

// tokenDelta computes the collection wallet's balance change for the watched
// mint and identifies the counterparty whose balance decreased. When several
// non-owner balances decrease, the sender is the account with the largest
// decrease; ties fall to the lowest account index so the recorded sender is
// stable. ok is false when the wallet's token balance did not increase.
func tokenDelta(pre, post []rpc.TokenBalance, owner, mint string) (amount float64, sender string, ok bool) {
	raw := func(b *rpc.UiTokenAmount) (int64, uint8) {
		if b == nil {
			return 0, 0
		}
		v, err := strconv.ParseInt(b.Amount, 10, 64)
		if err != nil {
			return 0, b.Decimals
		}
		return v, b.Decimals
	}

	type snapshot struct {
		pre, post int64
		decimals  uint8
		owner     string
	}

	// Key balance entries by account index; owner and mint filters applied
	// while folding.
	byIndex := make(map[uint16]*snapshot)
	fold := func(balances []rpc.TokenBalance, isPost bool) {
		for i := range balances {
			b := &balances[i]
			if b.Mint.String() != mint {
				continue
			}
			s := byIndex[b.AccountIndex]
			if s == nil {
				s = &snapshot{}
				byIndex[b.AccountIndex] = s
			}
			v, d := raw(b.UiTokenAmount)
			if d != 0 {
				s.decimals = d
			}
			if b.Owner != nil {
				s.owner = b.Owner.String()
			}
			if isPost {
				s.post = v
			} else {
				s.pre = v
			}
		}
	}
	fold(pre, false)
	fold(post, true)

	indexes := make([]uint16, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })

	var deposit *snapshot
	var largestDrop int64
	for _, i := range indexes {
		s := byIndex[i]
		diff := s.post - s.pre
		if s.owner == owner {
			if diff > 0 && deposit == nil {
				deposit = s
			}
			continue
		}
		if drop := -diff; drop > largestDrop {
			largestDrop = drop
			sender = s.owner
		}
	}

	if deposit == nil {
		return 0, "", false
	}

	amount = float64(deposit.post-deposit.pre) / math.Pow10(int(deposit.decimals))
	return amount, sender, true
}

var _ adapter.Adapter = (*SPLAdapter)(nil)
