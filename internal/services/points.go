package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PointsPerCurrencyUnit is the number of loyalty points redeemed for one unit of currency.
const PointsPerCurrencyUnit = 100

var (
	// ErrPointsInvalidInput indicates a malformed points amount.
	ErrPointsInvalidInput = errors.New("points: invalid input")
	// ErrPointsNegative indicates a negative spend request.
	ErrPointsNegative = errors.New("points: cannot be negative")
	// ErrPointsInsufficientBalance indicates the user holds fewer points than requested.
	ErrPointsInsufficientBalance = errors.New("points: insufficient balance")
	// ErrPointsExceedCartValue indicates the spend would discount more than the cart is worth.
	ErrPointsExceedCartValue = errors.New("points: exceeds cart value")
)

var pointsPerUnit = decimal.NewFromInt(PointsPerCurrencyUnit)

// PointsToDiscount converts redeemed points into a currency discount.
func PointsToDiscount(points int64) (decimal.Decimal, error) {
	if points < 0 {
		return decimal.Zero, fmt.Errorf("%w: points %d", ErrPointsInvalidInput, points)
	}
	return decimal.NewFromInt(points).Div(pointsPerUnit), nil
}

// PointsEarned returns the points awarded for paying finalAmount.
func PointsEarned(finalAmount decimal.Decimal) int64 {
	if !finalAmount.IsPositive() {
		return 0
	}
	return finalAmount.Floor().IntPart()
}

// MaxRedeemablePoints is the largest spend allowed against cartTotal.
func MaxRedeemablePoints(cartTotal decimal.Decimal) decimal.Decimal {
	if !cartTotal.IsPositive() {
		return decimal.Zero
	}
	return cartTotal.Mul(pointsPerUnit)
}

// ValidateSpend checks a points spend request. Checks run in order and the
// first failure is returned.
func ValidateSpend(pointsToUse int64, balance int64, cartTotal decimal.Decimal) error {
	if pointsToUse < 0 {
		return ErrPointsNegative
	}
	if pointsToUse > balance {
		return fmt.Errorf("%w: requested %d, available %d", ErrPointsInsufficientBalance, pointsToUse, balance)
	}
	if max := MaxRedeemablePoints(cartTotal); decimal.NewFromInt(pointsToUse).GreaterThan(max) {
		return fmt.Errorf("%w: cannot use more than %s points for this purchase", ErrPointsExceedCartValue, max.String())
	}
	return nil
}
