package price

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ecerlabs/chainpay/internal/chain"
)

func TestCurrentPriceCaches(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.URL.Query().Get("ids"); got != "solana" {
			t.Errorf("ids = %s", got)
		}
		w.Write([]byte(`{"solana":{"usd":142.53}}`))
	}))
	defer srv.Close()

	o := New(Config{BaseURL: srv.URL}, nil)

	for i := 0; i < 3; i++ {
		price, err := o.CurrentPrice(context.Background(), chain.ChainSolana, chain.AssetNative)
		if err != nil {
			t.Fatalf("CurrentPrice: %v", err)
		}
		if price != 142.53 {
			t.Errorf("price = %v", price)
		}
	}

	if hits.Load() != 1 {
		t.Errorf("api hits = %d, want 1 (cached)", hits.Load())
	}
}

func TestCoinIDStablecoinIgnoresChain(t *testing.T) {
	for _, c := range []chain.Chain{chain.ChainEthereum, chain.ChainBSC, chain.ChainTron, chain.ChainSolana} {
		id, err := coinID(c, chain.AssetUSDT)
		if err != nil || id != "tether" {
			t.Errorf("coinID(%s, usdt) = %s, %v", c, id, err)
		}
	}
	if id, err := coinID(chain.ChainBSC, chain.AssetNative); err != nil || id != "binancecoin" {
		t.Errorf("coinID(bsc, native) = %s, %v", id, err)
	}
	if _, err := coinID(chain.ChainUnknown, chain.AssetNative); err == nil {
		t.Error("unknown chain must not have a coin id")
	}
}

func TestCurrentPriceMissingQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	o := New(Config{BaseURL: srv.URL}, nil)
	if _, err := o.CurrentPrice(context.Background(), chain.ChainEthereum, chain.AssetNative); err == nil {
		t.Error("empty response must fail")
	}
}
