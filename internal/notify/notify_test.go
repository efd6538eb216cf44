package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ecerlabs/chainpay/internal/chain"
	"github.com/ecerlabs/chainpay/internal/order"
)

func testOrder() order.Order {
	return order.Order{
		ID:              "ord-1",
		Status:          order.StatusPaid,
		Chain:           chain.ChainEthereum,
		Asset:           chain.AssetUSDT,
		RecipientWallet: "0xWallet",
		AmountCrypto:    10,
		SenderWallet:    "0xSender",
		Signature:       "0xtx",
		CreatedAt:       time.Now().UTC(),
	}
}

func TestTelegramSendAdmin(t *testing.T) {
	var gotPath, gotChat, gotText string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotChat = r.FormValue("chat_id")
		gotText = r.FormValue("text")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{
		BaseURL:     srv.URL,
		BotToken:    "token123",
		AdminChatID: "42",
	}, nil)
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}

	o := testOrder()
	if err := tg.SendAdmin(context.Background(), paidMessage(o, o.Signature)); err != nil {
		t.Fatalf("SendAdmin: %v", err)
	}

	if gotPath != "/bottoken123/sendMessage" {
		t.Errorf("path = %s", gotPath)
	}
	if gotChat != "42" {
		t.Errorf("chat_id = %s", gotChat)
	}
	for _, want := range []string{"ord-1", "ethereum", "usdt", "0xtx", "0xSender"} {
		if !strings.Contains(gotText, want) {
			t.Errorf("message missing %q:\n%s", want, gotText)
		}
	}
}

func TestTelegramAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{BaseURL: srv.URL, BotToken: "t", AdminChatID: "1"}, nil)
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}

	err = tg.SendAdmin(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("err = %v, want api error", err)
	}
}

func TestTelegramConfigValidation(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{AdminChatID: "1"}, nil); err == nil {
		t.Error("missing bot token should refuse to start")
	}
	if _, err := NewTelegram(TelegramConfig{BotToken: "t"}, nil); err == nil {
		t.Error("missing admin chat should refuse to start")
	}
}

func TestSettlementEventShape(t *testing.T) {
	o := testOrder()
	o.UniqueAmountCrypto = 10.000050

	ev := settlementEventOf(o, o.Signature)
	if ev.OrderID != "ord-1" || ev.TxID != "0xtx" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Amount != 10.000050 {
		t.Errorf("amount = %v, want the nonce-adjusted expected amount", ev.Amount)
	}
	if ev.Chain != "ethereum" || ev.Asset != "usdt" {
		t.Errorf("chain/asset = %s/%s", ev.Chain, ev.Asset)
	}
}
