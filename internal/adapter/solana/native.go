package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ecerlabs/chainpay/internal/adapter"
	"github.com/ecerlabs/chainpay/internal/chain"
)

// NativeAdapter watches SOL deposits to the collection wallet. The feed is a
// logsSubscribe subscription mentioning the wallet; extraction fetches the
// transaction and computes the wallet's lamport balance delta between the
// pre- and post-transaction snapshots. A positive delta is a deposit.
type NativeAdapter struct {
	cfg    Config
	logger *slog.Logger
	client *rpc.Client
}

// NewNative creates a native SOL adapter.
func NewNative(cfg Config, logger *slog.Logger) (*NativeAdapter, error) {
	if err := cfg.validate(false); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NativeAdapter{
		cfg:    cfg,
		logger: logger.With("adapter", "solana-native"),
		client: rpc.New(cfg.RPCURL),
	}, nil
}

func (a *NativeAdapter) Name() string       { return "solana-native" }
func (a *NativeAdapter) Chain() chain.Chain { return chain.ChainSolana }
func (a *NativeAdapter) Asset() chain.Asset { return chain.AssetNative }
func (a *NativeAdapter) Mode() adapter.Mode { return adapter.ModePush }

// Open implements adapter.Feed.
func (a *NativeAdapter) Open(ctx context.Context) (adapter.Stream, error) {
	subscribe := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "logsSubscribe",
		"params": []any{
			map[string]any{"mentions": []string{a.cfg.Wallet}},
			map[string]any{"commitment": a.cfg.Commitment},
		},
	}

	conn, err := dialWS(ctx, a.cfg.WSURL, subscribe, a.logger)
	if err != nil {
		return nil, err
	}
	a.logger.Info("subscribed to wallet logs", "wallet", a.cfg.Wallet)

	return &wsStream{conn: conn, logger: a.logger, parse: a.parseNotification}, nil
}

func (a *NativeAdapter) parseNotification(ctx context.Context, method string, params json.RawMessage) (*adapter.RawEvent, error) {
	if method != "logsNotification" {
		return nil, nil
	}

	var p struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string `json:"signature"`
				Err       any    `json:"err"`
			} `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode logs notification: %w", err)
	}

	if p.Result.Value.Signature == "" || p.Result.Value.Err != nil {
		return nil, nil
	}

	return &adapter.RawEvent{
		Chain:       chain.ChainSolana,
		TxID:        p.Result.Value.Signature,
		BlockNumber: p.Result.Context.Slot,
	}, nil
}

// Extract implements adapter.Extractor by fetching the transaction and
// reading the balance snapshots.
func (a *NativeAdapter) Extract(ctx context.Context, ev adapter.RawEvent) (*chain.Transfer, error) {
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

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", ev.TxID, err)
	}

	amount, sender, ok := lamportDelta(tx.Message.AccountKeys, result.Meta.PreBalances, result.Meta.PostBalances, a.cfg.Wallet)
	if !ok {
		return nil, nil
	}

	var blockTime *int64
	if result.BlockTime != nil {
		t := result.BlockTime.Time().Unix()
		blockTime = &t
	}

	return transferOf(chain.AssetNative, ev.TxID, sender, a.cfg.Wallet, amount, blockTimeOrNow(blockTime)), nil
}

// lamportDelta finds the collection wallet among the account keys and
// returns the positive balance delta in SOL plus the fee payer as sender.
// ok is false when the wallet is absent or its balance did not increase.
func lamportDelta(keys []solana.PublicKey, pre, post []uint64, wallet string) (amount float64, sender string, ok bool) {
	if len(keys) == 0 || len(pre) != len(keys) || len(post) != len(keys) {
		return 0, "", false
	}

	for i, key := range keys {
		if key.String() != wallet {
			continue
		}
		if post[i] <= pre[i] {
			return 0, "", false
		}
		diff := post[i] - pre[i]

		// Account index 0 is the fee payer, which for a plain system
		// transfer is the sending wallet.
		return float64(diff) / lamportsPerSol, keys[0].String(), true
	}

	return 0, "", false
}

var _ adapter.Adapter = (*NativeAdapter)(nil)
