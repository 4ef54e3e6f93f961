package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundMoney(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"NoRounding", "95000.00", "95000.00"},
		{"RoundsHalfUp", "1.005", "1.01"},
		{"RoundsDown", "1.004", "1.00"},
		{"ExtendsScale", "100", "100.00"},
		{"TruncatesExcess", "0.99999", "1.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MoneyString(RoundMoney(decimal.RequireFromString(tt.input)))
			if got != tt.want {
				t.Errorf("RoundMoney(%s) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestRoundQuantity(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"ExtendsScale", "1", "1.00000000"},
		{"RoundsHalfUp", "0.000000015", "0.00000002"},
		{"RoundsDown", "0.000000014", "0.00000001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := QuantityString(RoundQuantity(decimal.RequireFromString(tt.input)))
			if got != tt.want {
				t.Errorf("RoundQuantity(%s) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestNotionalAndFee(t *testing.T) {
	amount := decimal.RequireFromString("1")
	price := decimal.RequireFromString("95000")

	total := Notional(amount, price)
	if MoneyString(total) != "95000.00" {
		t.Errorf("Notional = %s, want 95000.00", MoneyString(total))
	}

	fee := Fee(total)
	if MoneyString(fee) != "1425.00" {
		t.Errorf("Fee = %s, want 1425.00", MoneyString(fee))
	}
}

func TestFeeRoundsHalfUp(t *testing.T) {
	// 0.015 × 0.33 = 0.00495, below the half-cent threshold.
	fee := Fee(decimal.RequireFromString("0.33"))
	if MoneyString(fee) != "0.00" {
		t.Errorf("Fee(0.33) = %s, want 0.00", MoneyString(fee))
	}

	fee = Fee(decimal.RequireFromString("0.34"))
	if MoneyString(fee) != "0.01" {
		t.Errorf("Fee(0.34) = %s, want 0.01", MoneyString(fee))
	}
}

func TestSameQuantity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"DifferentTextSameValue", "1", "1.00000000", true},
		{"TrailingZeros", "0.50000000", "0.5", true},
		{"Different", "1", "0.99999999", false},
		{"BelowPrecision", "1.000000001", "1.000000004", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SameQuantity(decimal.RequireFromString(tt.a), decimal.RequireFromString(tt.b))
			if got != tt.want {
				t.Errorf("SameQuantity(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
