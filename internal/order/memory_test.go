package order

import (
	"context"
	"testing"
	"time"

	"github.com/ecerlabs/chainpay/internal/chain"
)

func TestMemoryStore_ListOpenOrdering(t *testing.T) {
	s := NewMemoryStore()
	t0 := time.Now()

	s.Put(Order{ID: "b", Status: StatusWaitingPayment, Chain: chain.ChainEthereum, Asset: chain.AssetNative, CreatedAt: t0.Add(2 * time.Second)})
	s.Put(Order{ID: "a", Status: StatusWaitingPayment, Chain: chain.ChainEthereum, Asset: chain.AssetNative, CreatedAt: t0})
	s.Put(Order{ID: "paid", Status: StatusPaid, Chain: chain.ChainEthereum, Asset: chain.AssetNative, CreatedAt: t0})
	s.Put(Order{ID: "other-chain", Status: StatusWaitingPayment, Chain: chain.ChainSolana, Asset: chain.AssetNative, CreatedAt: t0})

	got, err := s.ListOpen(context.Background(), chain.ChainEthereum, chain.AssetNative)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 open orders, got %d", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("expected ascending created_at order [a b], got [%s %s]", got[0].ID, got[1].ID)
	}
}

func TestMemoryStore_ConditionalUpdate(t *testing.T) {
	s := NewMemoryStore()
	s.Put(Order{ID: "o1", Status: StatusWaitingPayment})

	upd := Update{Status: StatusPaid, Signature: "0xsig", SenderWallet: "0xsender"}

	ok, err := s.ConditionalUpdate(context.Background(), "o1", StatusWaitingPayment, upd)
	if err != nil {
		t.Fatalf("ConditionalUpdate: %v", err)
	}
	if !ok {
		t.Fatal("expected first update to succeed")
	}

	// Second attempt must fail the status guard without side effects.
	ok, err = s.ConditionalUpdate(context.Background(), "o1", StatusWaitingPayment, Update{Status: StatusPaid, Signature: "0xother"})
	if err != nil {
		t.Fatalf("ConditionalUpdate: %v", err)
	}
	if ok {
		t.Fatal("expected second update to fail the guard")
	}

	o, _ := s.Get("o1")
	if o.Signature != "0xsig" {
		t.Errorf("signature overwritten by losing update: %s", o.Signature)
	}
	if o.Status != StatusPaid {
		t.Errorf("status = %s, want paid", o.Status)
	}
}

func TestMemoryStore_ConditionalUpdateMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.ConditionalUpdate(context.Background(), "nope", StatusWaitingPayment, Update{}); err == nil {
		t.Fatal("expected error for unknown order")
	}
}
