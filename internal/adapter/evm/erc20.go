package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ecerlabs/chainpay/internal/adapter"
	"github.com/ecerlabs/chainpay/internal/chain"
)

// ERC20Adapter watches a token contract's Transfer logs for deposits to the
// collection wallet. It scans log ranges from a monotonically advancing block
// cursor; the cursor survives stream reopens within the adapter's lifetime.
type ERC20Adapter struct {
	cfg    Config
	asset  chain.Asset
	logger *slog.Logger

	token common.Address

	mu       sync.Mutex
	decimals int32
	cursor   uint64
}

// NewERC20 creates a fungible-token adapter for the given stablecoin.
func NewERC20(cfg Config, asset chain.Asset, logger *slog.Logger) (*ERC20Adapter, error) {
	if err := cfg.validate(true); err != nil {
		return nil, err
	}
	if !asset.Stable() {
		return nil, fmt.Errorf("erc20 adapter requires a token asset, got %s", asset)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ERC20Adapter{
		cfg:      cfg,
		asset:    asset,
		logger:   logger.With("adapter", "evm-erc20", "chain", cfg.Chain.String(), "asset", asset.String()),
		token:    common.HexToAddress(cfg.TokenAddress),
		decimals: -1,
	}, nil
}

func (a *ERC20Adapter) Name() string       { return a.cfg.Chain.String() + "-" + a.asset.String() }
func (a *ERC20Adapter) Chain() chain.Chain { return a.cfg.Chain }
func (a *ERC20Adapter) Asset() chain.Asset { return a.asset }
func (a *ERC20Adapter) Mode() adapter.Mode { return adapter.ModePull }

// Open implements adapter.Feed. The token's decimal count is fetched on the
// first successful open and reused afterwards.
func (a *ERC20Adapter) Open(ctx context.Context) (adapter.Stream, error) {
	client, err := dial(ctx, &a.cfg, a.logger)
	if err != nil {
		return nil, err
	}

	if err := a.loadDecimals(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	a.mu.Lock()
	if a.cursor == 0 {
		head, err := client.BlockNumber(ctx)
		if err != nil {
			a.mu.Unlock()
			client.Close()
			return nil, fmt.Errorf("get head: %w", err)
		}
		a.cursor = head
		a.logger.Info("starting log scan at chain head", "block", head)
	} else {
		a.logger.Info("resuming log scan", "block", a.cursor)
	}
	a.mu.Unlock()

	s := &erc20Stream{
		adapter:   a,
		client:    client,
		events:    make(chan adapter.RawEvent, 64),
		errs:      make(chan error, 1),
		blockTime: make(map[uint64]time.Time),
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(streamCtx)

	return s, nil
}

// loadDecimals calls decimals() on the token contract once.
func (a *ERC20Adapter) loadDecimals(ctx context.Context, client *ethclient.Client) error {
	a.mu.Lock()
	done := a.decimals >= 0
	a.mu.Unlock()
	if done {
		return nil
	}

	// decimals() selector
	data := common.Hex2Bytes("313ce567")
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &a.token, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("call decimals(): %w", err)
	}
	if len(out) == 0 {
		return fmt.Errorf("decimals() returned empty result")
	}

	dec := new(big.Int).SetBytes(out).Int64()
	if dec < 0 || dec > 36 {
		return fmt.Errorf("implausible token decimals: %d", dec)
	}

	a.mu.Lock()
	a.decimals = int32(dec)
	a.mu.Unlock()

	a.logger.Info("loaded token decimals", "token", a.token.Hex(), "decimals", dec)
	return nil
}

// SetDecimals fixes the decimal count without a contract call, for tests.
func (a *ERC20Adapter) SetDecimals(d int32) {
	a.mu.Lock()
	a.decimals = d
	a.mu.Unlock()
}

// Extract implements adapter.Extractor: decodes a Transfer log and returns
// nil when the receiver is not the collection wallet. Malformed logs yield
// an error; the caller skips the event.
func (a *ERC20Adapter) Extract(ctx context.Context, ev adapter.RawEvent) (*chain.Transfer, error) {
	var log types.Log
	if err := json.Unmarshal(ev.Payload, &log); err != nil {
		return nil, fmt.Errorf("decode log payload: %w", err)
	}

	if len(log.Topics) != 3 || log.Topics[0] != transferTopic {
		return nil, fmt.Errorf("not a Transfer log: tx %s", ev.TxID)
	}

	sender := common.BytesToAddress(log.Topics[1].Bytes()).Hex()
	receiver := common.BytesToAddress(log.Topics[2].Bytes()).Hex()

	if !chain.SameWallet(receiver, a.cfg.Wallet) {
		return nil, nil
	}

	a.mu.Lock()
	decimals := a.decimals
	a.mu.Unlock()
	if decimals < 0 {
		return nil, fmt.Errorf("token decimals not loaded")
	}

	raw := new(big.Int).SetBytes(log.Data)
	if raw.Sign() <= 0 {
		return nil, nil
	}

	amount, _ := new(big.Float).Quo(
		new(big.Float).SetInt(raw),
		big.NewFloat(math.Pow10(int(decimals))),
	).Float64()

	return &chain.Transfer{
		TxID:      ev.TxID,
		Chain:     a.cfg.Chain,
		Asset:     a.asset,
		Amount:    amount,
		Sender:    sender,
		Receiver:  receiver,
		BlockTime: ev.BlockTime,
	}, nil
}

type erc20Stream struct {
	adapter *ERC20Adapter
	client  *ethclient.Client
	cancel  context.CancelFunc

	events chan adapter.RawEvent
	errs   chan error

	blockTime map[uint64]time.Time
}

func (s *erc20Stream) Next(ctx context.Context) (adapter.RawEvent, error) {
	select {
	case <-ctx.Done():
		return adapter.RawEvent{}, ctx.Err()
	case err := <-s.errs:
		return adapter.RawEvent{}, err
	case ev := <-s.events:
		return ev, nil
	}
}

func (s *erc20Stream) Close() error {
	s.cancel()
	s.client.Close()
	return nil
}

func (s *erc20Stream) run(ctx context.Context) {
	ticker := time.NewTicker(s.adapter.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.scan(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case s.errs <- err:
				default:
				}
				return
			}
		}
	}
}

// scan fetches Transfer logs from the cursor to the current head and
// advances the cursor past the scanned range.
func (s *erc20Stream) scan(ctx context.Context) error {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get head: %w", err)
	}

	s.adapter.mu.Lock()
	from := s.adapter.cursor
	s.adapter.mu.Unlock()

	if from > head {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{s.adapter.token},
		Topics:    [][]common.Hash{{transferTopic}},
	}

	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("filter logs %d-%d: %w", from, head, err)
	}

	for i := range logs {
		log := &logs[i]

		blockTime, err := s.timeOf(ctx, log.BlockNumber)
		if err != nil {
			s.adapter.logger.Warn("failed to resolve block time", "block", log.BlockNumber, "error", err)
			continue
		}

		payload, err := json.Marshal(log)
		if err != nil {
			continue
		}

		ev := adapter.RawEvent{
			Chain:       s.adapter.cfg.Chain,
			TxID:        log.TxHash.Hex(),
			BlockNumber: log.BlockNumber,
			BlockTime:   blockTime,
			Payload:     payload,
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.events <- ev:
		}
	}

	s.adapter.mu.Lock()
	s.adapter.cursor = head + 1
	s.adapter.mu.Unlock()

	return nil
}

func (s *erc20Stream) timeOf(ctx context.Context, block uint64) (time.Time, error) {
	if t, ok := s.blockTime[block]; ok {
		return t, nil
	}

	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, err
	}

	t := time.Unix(int64(header.Time), 0).UTC()

	// Bounded cache; ranges are small and blocks arrive in order.
	if len(s.blockTime) > 1024 {
		s.blockTime = make(map[uint64]time.Time)
	}
	s.blockTime[block] = t
	return t, nil
}

var _ adapter.Adapter = (*ERC20Adapter)(nil)
