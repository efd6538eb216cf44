// Package price quotes fiat prices for supported assets via CoinGecko.
// Quotes only ever feed log lines; matching decisions never touch them, so a
// stale or missing price is harmless.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ecerlabs/chainpay/internal/chain"
)

// Config holds CoinGecko client settings.
type Config struct {
	// BaseURL exists for tests; empty means the public API.
	BaseURL string

	// Currency is the fiat quote currency, default "usd".
	Currency string

	// TTL bounds how long a quote is served from cache. Default one minute.
	TTL time.Duration

	HTTPTimeout time.Duration
}

// Oracle is a CoinGecko client with a small per-asset TTL cache so a burst
// of deposits does not turn into a burst of API calls.
type Oracle struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]quote
}

type quote struct {
	price float64
	at    time.Time
}

// New creates a price oracle.
func New(cfg Config, logger *slog.Logger) *Oracle {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.coingecko.com"
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Minute
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger.With("component", "price-oracle"),
		cache:  make(map[string]quote),
	}
}

// coinID maps a (chain, asset) pair to CoinGecko's coin id.
func coinID(c chain.Chain, a chain.Asset) (string, error) {
	if a == chain.AssetUSDT {
		return "tether", nil
	}
	if a == chain.AssetUSDC {
		return "usd-coin", nil
	}

	switch c {
	case chain.ChainEthereum, chain.ChainBase:
		return "ethereum", nil
	case chain.ChainBSC:
		return "binancecoin", nil
	case chain.ChainPolygon:
		return "matic-network", nil
	case chain.ChainAvalanche:
		return "avalanche-2", nil
	case chain.ChainSolana:
		return "solana", nil
	case chain.ChainTron:
		return "tron", nil
	default:
		return "", fmt.Errorf("no coin id for %s/%s", c, a)
	}
}

// CurrentPrice returns the fiat price for the asset as paid on the given
// chain, served from cache within the TTL.
func (o *Oracle) CurrentPrice(ctx context.Context, c chain.Chain, a chain.Asset) (float64, error) {
	id, err := coinID(c, a)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	if q, ok := o.cache[id]; ok && time.Since(q.at) < o.cfg.TTL {
		o.mu.Unlock()
		return q.price, nil
	}
	o.mu.Unlock()

	price, err := o.fetch(ctx, id)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	o.cache[id] = quote{price: price, at: time.Now()}
	o.mu.Unlock()

	return price, nil
}

func (o *Oracle) fetch(ctx context.Context, id string) (float64, error) {
	endpoint := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=%s",
		o.cfg.BaseURL, url.QueryEscape(id), url.QueryEscape(o.cfg.Currency))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coingecko: status %d", resp.StatusCode)
	}

	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode price response: %w", err)
	}

	price, ok := body[id][o.cfg.Currency]
	if !ok {
		return 0, fmt.Errorf("coingecko: no %s quote for %s", o.cfg.Currency, id)
	}
	return price, nil
}
