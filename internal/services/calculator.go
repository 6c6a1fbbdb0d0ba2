package services

import (
	"github.com/shopspring/decimal"

	domain "github.com/bazaar-market/api/internal/domain"
)

// OrderCalculation is the priced outcome of redeeming points against a cart.
type OrderCalculation struct {
	CartTotal    decimal.Decimal
	PointsUsed   int64
	Discount     decimal.Decimal
	FinalAmount  decimal.Decimal
	PointsEarned int64
}

// ComputeTotal applies the points discount to cartTotal. The final amount never
// drops below zero and only PointsEarned is rounded (down). Negative point
// amounts are treated as zero; callers validate with ValidateSpend first.
func ComputeTotal(cartTotal decimal.Decimal, pointsToUse int64) OrderCalculation {
	if pointsToUse < 0 {
		pointsToUse = 0
	}
	discount, _ := PointsToDiscount(pointsToUse)
	final := cartTotal.Sub(discount)
	if final.IsNegative() {
		final = decimal.Zero
	}
	return OrderCalculation{
		CartTotal:    cartTotal,
		PointsUsed:   pointsToUse,
		Discount:     discount,
		FinalAmount:  final,
		PointsEarned: PointsEarned(final),
	}
}

// CartSubtotal sums price times quantity for every line whose product is known.
func CartSubtotal(items []domain.CartItem, products map[string]domain.Product) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok {
			continue
		}
		total = total.Add(product.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}
