package marketid

import "testing"

func TestParseTicker_Valid(t *testing.T) {
	tk, err := ParseTicker("ETH-USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.Base != "ETH" || tk.Quote != "USD" {
		t.Errorf("expected ETH/USD, got %s/%s", tk.Base, tk.Quote)
	}
	if tk.String() != "ETH-USD" {
		t.Errorf("expected round-trip ETH-USD, got %s", tk.String())
	}
}

func TestParseTicker_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"ETHUSD",
		"eth-usd",
		"ETH-USD-X",
		"ETH-",
		"-USD",
	}
	for _, ticker := range tests {
		if _, err := ParseTicker(ticker); err == nil {
			t.Errorf("expected error for ticker %q", ticker)
		}
	}
}

func TestEncodeMarket_TooLong(t *testing.T) {
	if _, err := EncodeMarket("ABCDEFGHIJ-K"); err == nil {
		t.Error("expected ErrTickerTooLong for a 12-byte encoded ticker")
	}
}

func TestEncodeMarket_RoundTrip(t *testing.T) {
	id, err := EncodeMarket("ETH-USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "ETH-USD" {
		t.Errorf("expected ETH-USD, got %s", id.String())
	}
}

func TestEncodeAsset_Valid(t *testing.T) {
	id, err := EncodeAsset("USDC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "USDC" {
		t.Errorf("expected USDC, got %s", id.String())
	}
}

func TestEncodeAsset_Invalid(t *testing.T) {
	if _, err := EncodeAsset("usdc"); err == nil {
		t.Error("expected error for lowercase asset symbol")
	}
}
