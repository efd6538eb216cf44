package chain

import "testing"

func TestParseChain_Aliases(t *testing.T) {
	cases := []struct {
		in   string
		want Chain
	}{
		{"sol", ChainSolana},
		{"Solana", ChainSolana},
		{"eth", ChainEthereum},
		{"ethereum", ChainEthereum},
		{"bnb", ChainBSC},
		{"binance", ChainBSC},
		{"BSC", ChainBSC},
		{"matic", ChainPolygon},
		{"trx", ChainTron},
		{"tron", ChainTron},
		{"base", ChainBase},
		{"avax", ChainAvalanche},
	}

	for _, tc := range cases {
		got, err := ParseChain(tc.in)
		if err != nil {
			t.Fatalf("ParseChain(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseChain(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseChain_Unknown(t *testing.T) {
	if _, err := ParseChain("dogecoin"); err == nil {
		t.Fatal("expected error for unsupported chain")
	}
}

func TestTolerance(t *testing.T) {
	if got := AssetNative.Tolerance(); got != 1e-4 {
		t.Errorf("native tolerance = %v, want 1e-4", got)
	}
	if got := AssetUSDT.Tolerance(); got != 1e-6 {
		t.Errorf("usdt tolerance = %v, want 1e-6", got)
	}
	if got := AssetUSDC.Tolerance(); got != 1e-6 {
		t.Errorf("usdc tolerance = %v, want 1e-6", got)
	}
}

func TestSameWallet(t *testing.T) {
	if !SameWallet("0xAbC123", "0xabc123") {
		t.Error("expected case-insensitive match")
	}
	if SameWallet("0xabc123", "0xabc124") {
		t.Error("expected mismatch for different addresses")
	}
}
