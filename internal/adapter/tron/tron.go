// Package tron implements the TRC-20 deposit adapter. Tron nodes expose an
// HTTP API rather than Ethereum JSON-RPC, so the feed polls block ranges and
// resolves event logs per transaction; the extractor decodes Transfer-style
// logs with base58check address recovery.
package tron

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"github.com/ecerlabs/chainpay/internal/adapter"
	"github.com/ecerlabs/chainpay/internal/chain"
)

// transferTopicPrefix is the leading bytes of the TRC-20 Transfer event
// signature, the same keccak hash ERC-20 uses.
const transferTopicPrefix = "ddf252ad"

// Config holds connection settings for the TRC-20 adapter.
type Config struct {
	// NodeURL is the Tron full-node HTTP API base URL.
	NodeURL string

	// Wallet is the collection wallet in base58check form.
	Wallet string

	// TokenContract is the TRC-20 contract in base58check form.
	TokenContract string

	// Decimals of the watched token. TRC-20 USDT and USDC both carry six.
	Decimals int

	// PollInterval is the block scan cadence.
	PollInterval time.Duration

	// HTTPTimeout bounds individual node calls.
	HTTPTimeout time.Duration
}

func (c *Config) validate() error {
	if c.NodeURL == "" {
		return fmt.Errorf("tron: node URL is required")
	}
	if c.Wallet == "" {
		return fmt.Errorf("tron: collection wallet is required")
	}
	if c.TokenContract == "" {
		return fmt.Errorf("tron: token contract is required")
	}
	if c.Decimals == 0 {
		c.Decimals = 6
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return nil
}

// Adapter watches TRC-20 Transfer logs for deposits to the collection
// wallet. The block cursor survives stream reopens within the adapter's
// lifetime.
type Adapter struct {
	cfg    Config
	asset  chain.Asset
	logger *slog.Logger
	http   *http.Client

	mu     sync.Mutex
	cursor uint64
}

// New creates a TRC-20 adapter for the given stablecoin.
func New(cfg Config, asset chain.Asset, logger *slog.Logger) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !asset.Stable() {
		return nil, fmt.Errorf("tron adapter requires a token asset, got %s", asset)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		asset:  asset,
		logger: logger.With("adapter", "tron-trc20", "asset", asset.String()),
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
	}, nil
}

func (a *Adapter) Name() string       { return "tron-" + a.asset.String() }
func (a *Adapter) Chain() chain.Chain { return chain.ChainTron }
func (a *Adapter) Asset() chain.Asset { return a.asset }
func (a *Adapter) Mode() adapter.Mode { return adapter.ModePull }

// trcLog is the decoded-later body of one TRC-20 event log candidate.
type trcLog struct {
	Topics []string `json:"topics"`
	Data   string   `json:"data"`
}

// Open implements adapter.Feed.
func (a *Adapter) Open(ctx context.Context) (adapter.Stream, error) {
	a.mu.Lock()
	if a.cursor == 0 {
		head, err := a.latestBlock(ctx)
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		a.cursor = head
		a.logger.Info("starting block scan at chain head", "block", head)
	} else {
		a.logger.Info("resuming block scan", "block", a.cursor)
	}
	a.mu.Unlock()

	s := &stream{
		adapter: a,
		events:  make(chan adapter.RawEvent, 64),
		errs:    make(chan error, 1),
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(streamCtx)

	return s, nil
}

// Extract implements adapter.Extractor: decodes a Transfer log, recovers the
// base58check addresses and returns nil when the receiver is not the
// collection wallet.
func (a *Adapter) Extract(ctx context.Context, ev adapter.RawEvent) (*chain.Transfer, error) {
	var log trcLog
	if err := json.Unmarshal(ev.Payload, &log); err != nil {
		return nil, fmt.Errorf("decode log payload: %w", err)
	}

	if len(log.Topics) != 3 || !strings.HasPrefix(log.Topics[0], transferTopicPrefix) {
		return nil, fmt.Errorf("not a Transfer log: tx %s", ev.TxID)
	}

	sender, err := addressFromTopic(log.Topics[1])
	if err != nil {
		return nil, fmt.Errorf("decode sender topic: %w", err)
	}
	receiver, err := addressFromTopic(log.Topics[2])
	if err != nil {
		return nil, fmt.Errorf("decode receiver topic: %w", err)
	}

	if !chain.SameWallet(receiver, a.cfg.Wallet) {
		return nil, nil
	}

	raw, ok := new(big.Int).SetString(strings.TrimPrefix(log.Data, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("malformed amount data %q in tx %s", log.Data, ev.TxID)
	}
	if raw.Sign() <= 0 {
		return nil, nil
	}

	amount, _ := new(big.Float).Quo(
		new(big.Float).SetInt(raw),
		big.NewFloat(math.Pow10(a.cfg.Decimals)),
	).Float64()

	return &chain.Transfer{
		TxID:      ev.TxID,
		Chain:     chain.ChainTron,
		Asset:     a.asset,
		Amount:    amount,
		Sender:    sender,
		Receiver:  receiver,
		BlockTime: ev.BlockTime,
	}, nil
}

// addressFromTopic recovers a base58check Tron address from a 32-byte event
// topic: the last 20 bytes prefixed with 0x41 plus a double-sha256 checksum.
func addressFromTopic(topic string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(topic, "0x"))
	if err != nil {
		return "", fmt.Errorf("topic is not hex: %w", err)
	}
	if len(raw) < 20 {
		return "", fmt.Errorf("topic too short: %d bytes", len(raw))
	}
	return encodeBase58Check(raw[len(raw)-20:]), nil
}

func encodeBase58Check(addr20 []byte) string {
	payload := append([]byte{0x41}, addr20...)
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	return base58.Encode(append(payload, h2[:4]...))
}

// --- node HTTP calls ---

func (a *Adapter) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.NodeURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

func (a *Adapter) latestBlock(ctx context.Context) (uint64, error) {
	var res struct {
		BlockHeader struct {
			RawData struct {
				Number uint64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := a.post(ctx, "/wallet/getnowblock", map[string]any{}, &res); err != nil {
		return 0, err
	}
	return res.BlockHeader.RawData.Number, nil
}

type blockTx struct {
	TxID    string `json:"txID"`
	RawData struct {
		Contract []struct {
			Type      string `json:"type"`
			Parameter struct {
				Value struct {
					ContractAddress string `json:"contract_address"`
				} `json:"value"`
			} `json:"parameter"`
		} `json:"contract"`
	} `json:"raw_data"`
}

func (a *Adapter) blockByNum(ctx context.Context, num uint64) ([]blockTx, error) {
	var res struct {
		Transactions []blockTx `json:"transactions"`
	}
	if err := a.post(ctx, "/wallet/getblockbynum", map[string]any{"num": num}, &res); err != nil {
		return nil, err
	}
	return res.Transactions, nil
}

type txInfo struct {
	BlockTimeStamp int64 `json:"blockTimeStamp"`
	Log            []struct {
		Topics []string `json:"topics"`
		Data   string   `json:"data"`
	} `json:"log"`
}

func (a *Adapter) transactionInfo(ctx context.Context, txID string) (*txInfo, error) {
	var res txInfo
	if err := a.post(ctx, "/wallet/gettransactioninfobyid", map[string]any{"value": txID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// touchesToken reports whether the transaction triggers the watched
// contract. The contract address in raw_data is hex with the 0x41 prefix.
func (a *Adapter) touchesToken(tx *blockTx) bool {
	for _, c := range tx.RawData.Contract {
		if c.Type != "TriggerSmartContract" {
			continue
		}
		raw, err := hex.DecodeString(c.Parameter.Value.ContractAddress)
		if err != nil || len(raw) != 21 {
			continue
		}
		if encodeBase58Check(raw[1:]) == a.cfg.TokenContract {
			return true
		}
	}
	return false
}

var _ adapter.Adapter = (*Adapter)(nil)
