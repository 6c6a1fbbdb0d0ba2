package firestore

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amounts are stored as decimal strings so Firestore never rounds them through float64.

func parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return amount, nil
}

func formatAmount(amount decimal.Decimal) string {
	return amount.String()
}
