package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ecerlabs/chainpay/internal/adapter"
	"github.com/ecerlabs/chainpay/internal/chain"
)

// NativeAdapter watches confirmed blocks for plain value transfers to the
// collection wallet. It subscribes to new heads over WebSocket when a WS
// endpoint is configured and falls back to polling for new blocks.
type NativeAdapter struct {
	cfg    Config
	logger *slog.Logger
}

// NewNative creates a native-coin adapter.
func NewNative(cfg Config, logger *slog.Logger) (*NativeAdapter, error) {
	if err := cfg.validate(false); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NativeAdapter{
		cfg:    cfg,
		logger: logger.With("adapter", "evm-native", "chain", cfg.Chain.String()),
	}, nil
}

func (a *NativeAdapter) Name() string       { return a.cfg.Chain.String() + "-native" }
func (a *NativeAdapter) Chain() chain.Chain { return a.cfg.Chain }
func (a *NativeAdapter) Asset() chain.Asset { return chain.AssetNative }

// Mode is push when a WS endpoint is configured, pull otherwise.
func (a *NativeAdapter) Mode() adapter.Mode {
	if a.cfg.WSURL != "" {
		return adapter.ModePush
	}
	return adapter.ModePull
}

// nativePayload is the decoded-later body of a native candidate event.
type nativePayload struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"` // wei, decimal string
}

// Open implements adapter.Feed.
func (a *NativeAdapter) Open(ctx context.Context) (adapter.Stream, error) {
	client, err := dial(ctx, &a.cfg, a.logger)
	if err != nil {
		return nil, err
	}

	s := &nativeStream{
		adapter: a,
		client:  client,
		events:  make(chan adapter.RawEvent, 64),
		errs:    make(chan error, 1),
	}

	s.emit = s.emitBlock

	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if a.cfg.WSURL != "" {
		wsClient, err := ethclient.DialContext(ctx, a.cfg.WSURL)
		if err != nil {
			a.logger.Warn("websocket dial failed, falling back to polling", "error", err)
		} else {
			s.wsClient = wsClient
		}
	}

	go s.run(streamCtx)
	return s, nil
}

// Extract implements adapter.Extractor: nil when the destination is not the
// collection wallet or the value is not positive.
func (a *NativeAdapter) Extract(ctx context.Context, ev adapter.RawEvent) (*chain.Transfer, error) {
	var p nativePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode native payload: %w", err)
	}

	if !chain.SameWallet(p.To, a.cfg.Wallet) {
		return nil, nil
	}

	wei, ok := new(big.Int).SetString(p.Value, 10)
	if !ok {
		return nil, fmt.Errorf("malformed value %q in tx %s", p.Value, ev.TxID)
	}
	if wei.Sign() <= 0 {
		return nil, nil
	}

	amount, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(weiPerEther)).Float64()

	return &chain.Transfer{
		TxID:      ev.TxID,
		Chain:     a.cfg.Chain,
		Asset:     chain.AssetNative,
		Amount:    amount,
		Sender:    p.From,
		Receiver:  p.To,
		BlockTime: ev.BlockTime,
	}, nil
}

type nativeStream struct {
	adapter  *NativeAdapter
	client   *ethclient.Client
	wsClient *ethclient.Client
	cancel   context.CancelFunc

	events chan adapter.RawEvent
	errs   chan error

	// emit is emitBlock in production; swapped out in tests.
	emit    func(context.Context, *big.Int) error
	last    uint64
	started bool
}

func (s *nativeStream) Next(ctx context.Context) (adapter.RawEvent, error) {
	select {
	case <-ctx.Done():
		return adapter.RawEvent{}, ctx.Err()
	case err := <-s.errs:
		return adapter.RawEvent{}, err
	case ev := <-s.events:
		return ev, nil
	}
}

func (s *nativeStream) Close() error {
	s.cancel()
	if s.wsClient != nil {
		s.wsClient.Close()
	}
	s.client.Close()
	return nil
}

func (s *nativeStream) run(ctx context.Context) {
	var err error
	if s.wsClient != nil {
		err = s.subscribeHeads(ctx)
	} else {
		err = s.pollHeads(ctx)
	}
	if err != nil && ctx.Err() == nil {
		select {
		case s.errs <- err:
		default:
		}
	}
}

func (s *nativeStream) subscribeHeads(ctx context.Context) error {
	headers := make(chan *types.Header, 16)
	sub, err := s.wsClient.SubscribeNewHead(ctx, headers)
	if err != nil {
		s.adapter.logger.Warn("head subscription failed, falling back to polling", "error", err)
		return s.pollHeads(ctx)
	}
	defer sub.Unsubscribe()
	s.adapter.logger.Info("subscribed to new heads via websocket")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("head subscription: %w", err)
		case header := <-headers:
			if err := s.catchUp(ctx, header.Number.Uint64()); err != nil {
				return err
			}
		}
	}
}

func (s *nativeStream) pollHeads(ctx context.Context) error {
	s.adapter.logger.Info("polling for new blocks", "interval", s.adapter.cfg.PollInterval)

	ticker := time.NewTicker(s.adapter.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			head, err := s.client.BlockNumber(ctx)
			if err != nil {
				return fmt.Errorf("get head: %w", err)
			}
			if err := s.catchUp(ctx, head); err != nil {
				return err
			}
		}
	}
}

// catchUp scans every block in (last, head]. Fast chains routinely produce
// several blocks per poll interval, and head subscriptions can drop headers
// under load; scanning the full range keeps a deposit in a skipped block from
// going unobserved. The first observation anchors at the current head, so a
// fresh stream never replays history.
func (s *nativeStream) catchUp(ctx context.Context, head uint64) error {
	from := s.last + 1
	if !s.started {
		s.started = true
		from = head
	} else if head <= s.last {
		return nil
	}

	for n := from; n <= head; n++ {
		if err := s.emit(ctx, new(big.Int).SetUint64(n)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.adapter.logger.Error("failed to scan block", "block", n, "error", err)
		}
	}

	s.last = head
	return nil
}

// emitBlock fetches a full block and emits one raw event per transaction
// addressed to the collection wallet.
func (s *nativeStream) emitBlock(ctx context.Context, number *big.Int) error {
	block, err := s.client.BlockByNumber(ctx, number)
	if err != nil {
		return fmt.Errorf("get block %v: %w", number, err)
	}

	blockTime := time.Unix(int64(block.Time()), 0).UTC()
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(s.adapter.cfg.Chain.ID()))

	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || !strings.EqualFold(to.Hex(), s.adapter.cfg.Wallet) {
			continue
		}

		from, err := types.Sender(signer, tx)
		if err != nil {
			s.adapter.logger.Warn("failed to recover sender", "tx", tx.Hash().Hex(), "error", err)
			continue
		}

		payload, err := json.Marshal(nativePayload{
			From:  from.Hex(),
			To:    to.Hex(),
			Value: tx.Value().String(),
		})
		if err != nil {
			continue
		}

		ev := adapter.RawEvent{
			Chain:       s.adapter.cfg.Chain,
			TxID:        tx.Hash().Hex(),
			BlockNumber: block.NumberU64(),
			BlockTime:   blockTime,
			Payload:     payload,
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.events <- ev:
		}
	}

	return nil
}

var _ adapter.Adapter = (*NativeAdapter)(nil)
