package evm

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ecerlabs/chainpay/internal/adapter"
	"github.com/ecerlabs/chainpay/internal/chain"
)

const (
	testWallet = "0x1111111111111111111111111111111111111111"
	testSender = "0x2222222222222222222222222222222222222222"
	testToken  = "0x3333333333333333333333333333333333333333"
)

func nativeTestAdapter(t *testing.T) *NativeAdapter {
	t.Helper()
	a, err := NewNative(Config{
		Chain:  chain.ChainEthereum,
		RPCURL: "http://localhost:8545",
		Wallet: testWallet,
	}, nil)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	return a
}

func nativeEvent(t *testing.T, to, valueWei string) adapter.RawEvent {
	t.Helper()
	payload, err := json.Marshal(nativePayload{From: testSender, To: to, Value: valueWei})
	if err != nil {
		t.Fatal(err)
	}
	return adapter.RawEvent{
		Chain:     chain.ChainEthereum,
		TxID:      "0xdeadbeef",
		BlockTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload:   payload,
	}
}

func TestNativeExtract_DepositToWallet(t *testing.T) {
	a := nativeTestAdapter(t)

	// 1.5 ETH in wei.
	tr, err := a.Extract(context.Background(), nativeEvent(t, testWallet, "1500000000000000000"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if tr == nil {
		t.Fatal("expected a transfer")
	}
	if tr.Amount != 1.5 {
		t.Errorf("amount = %v, want 1.5", tr.Amount)
	}
	if tr.Sender != testSender {
		t.Errorf("sender = %s", tr.Sender)
	}
	if tr.Asset != chain.AssetNative {
		t.Errorf("asset = %v", tr.Asset)
	}
}

func TestNativeExtract_OtherDestinationSkipped(t *testing.T) {
	a := nativeTestAdapter(t)

	tr, err := a.Extract(context.Background(), nativeEvent(t, testSender, "1000000000000000000"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if tr != nil {
		t.Fatal("transfer to another wallet must be skipped")
	}
}

func TestNativeExtract_ZeroValueSkipped(t *testing.T) {
	a := nativeTestAdapter(t)

	tr, err := a.Extract(context.Background(), nativeEvent(t, testWallet, "0"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if tr != nil {
		t.Fatal("zero-value transfer must be skipped")
	}
}

func TestNativeExtract_MalformedPayload(t *testing.T) {
	a := nativeTestAdapter(t)

	ev := adapter.RawEvent{TxID: "0xbad", Payload: []byte("{not json")}
	if _, err := a.Extract(context.Background(), ev); err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}

func TestNativeCatchUpScansEveryBlock(t *testing.T) {
	a := nativeTestAdapter(t)

	var scanned []uint64
	s := &nativeStream{adapter: a}
	s.emit = func(ctx context.Context, n *big.Int) error {
		scanned = append(scanned, n.Uint64())
		return nil
	}

	ctx := context.Background()

	// First observation anchors at the head; no history replay.
	if err := s.catchUp(ctx, 100); err != nil {
		t.Fatalf("catchUp: %v", err)
	}
	// Unchanged head is a no-op.
	if err := s.catchUp(ctx, 100); err != nil {
		t.Fatalf("catchUp repeat: %v", err)
	}
	// Head jumped by three: every intermediate block must be scanned.
	if err := s.catchUp(ctx, 103); err != nil {
		t.Fatalf("catchUp advance: %v", err)
	}
	// A momentarily stale head must not rescan.
	if err := s.catchUp(ctx, 102); err != nil {
		t.Fatalf("catchUp stale: %v", err)
	}

	want := []uint64{100, 101, 102, 103}
	if len(scanned) != len(want) {
		t.Fatalf("scanned %v, want %v", scanned, want)
	}
	for i := range want {
		if scanned[i] != want[i] {
			t.Fatalf("scanned %v, want %v", scanned, want)
		}
	}
}

func erc20TestAdapter(t *testing.T) *ERC20Adapter {
	t.Helper()
	a, err := NewERC20(Config{
		Chain:        chain.ChainBSC,
		RPCURL:       "http://localhost:8545",
		Wallet:       testWallet,
		TokenAddress: testToken,
	}, chain.AssetUSDT, nil)
	if err != nil {
		t.Fatalf("NewERC20: %v", err)
	}
	a.SetDecimals(6)
	return a
}

func transferLog(t *testing.T, to common.Address, raw *big.Int) adapter.RawEvent {
	t.Helper()

	log := types.Log{
		Address: common.HexToAddress(testToken),
		Topics: []common.Hash{
			transferTopic,
			common.HexToHash(testSender),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(raw.Bytes(), 32),
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xabc"),
	}

	payload, err := json.Marshal(&log)
	if err != nil {
		t.Fatal(err)
	}
	return adapter.RawEvent{
		Chain:     chain.ChainBSC,
		TxID:      log.TxHash.Hex(),
		BlockTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload:   payload,
	}
}

func TestERC20Extract_DepositToWallet(t *testing.T) {
	a := erc20TestAdapter(t)

	// 12.5 USDT at 6 decimals.
	ev := transferLog(t, common.HexToAddress(testWallet), big.NewInt(12_500_000))
	tr, err := a.Extract(context.Background(), ev)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if tr == nil {
		t.Fatal("expected a transfer")
	}
	if tr.Amount != 12.5 {
		t.Errorf("amount = %v, want 12.5", tr.Amount)
	}
	if tr.Asset != chain.AssetUSDT {
		t.Errorf("asset = %v", tr.Asset)
	}
	if !chain.SameWallet(tr.Receiver, testWallet) {
		t.Errorf("receiver = %s", tr.Receiver)
	}
}

func TestERC20Extract_OtherReceiverSkipped(t *testing.T) {
	a := erc20TestAdapter(t)

	ev := transferLog(t, common.HexToAddress(testSender), big.NewInt(1_000_000))
	tr, err := a.Extract(context.Background(), ev)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if tr != nil {
		t.Fatal("transfer to another wallet must be skipped")
	}
}

func TestERC20Extract_WrongTopicCount(t *testing.T) {
	a := erc20TestAdapter(t)

	log := types.Log{Topics: []common.Hash{transferTopic}}
	payload, _ := json.Marshal(&log)
	ev := adapter.RawEvent{TxID: "0xbad", Payload: payload}

	if _, err := a.Extract(context.Background(), ev); err == nil {
		t.Fatal("expected error for log without indexed addresses")
	}
}

func TestERC20Extract_MalformedPayload(t *testing.T) {
	a := erc20TestAdapter(t)

	ev := adapter.RawEvent{TxID: "0xbad", Payload: []byte("garbage")}
	if _, err := a.Extract(context.Background(), ev); err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}

func TestNewERC20_RequiresTokenAddress(t *testing.T) {
	_, err := NewERC20(Config{
		Chain:  chain.ChainBSC,
		RPCURL: "http://localhost:8545",
		Wallet: testWallet,
	}, chain.AssetUSDT, nil)
	if err == nil {
		t.Fatal("expected config error without token address")
	}
}

func TestNewNative_RequiresWallet(t *testing.T) {
	_, err := NewNative(Config{
		Chain:  chain.ChainEthereum,
		RPCURL: "http://localhost:8545",
	}, nil)
	if err == nil {
		t.Fatal("expected config error without collection wallet")
	}
}
