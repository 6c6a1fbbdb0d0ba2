package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/repositories"
)

// StockIssueKind classifies why a cart line cannot be fulfilled.
type StockIssueKind string

const (
	// StockIssueProductGone means the product no longer exists.
	StockIssueProductGone StockIssueKind = "product_gone"
	// StockIssueNotApproved means the product is not purchasable.
	StockIssueNotApproved StockIssueKind = "not_approved"
	// StockIssueInsufficientStock means on-hand quantity is below the requested quantity.
	StockIssueInsufficientStock StockIssueKind = "insufficient_stock"
)

// StockIssue describes one unavailable line.
type StockIssue struct {
	Kind        StockIssueKind
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

// Message renders the issue for API consumers.
func (i StockIssue) Message() string {
	name := i.ProductName
	if name == "" {
		name = i.ProductID
	}
	switch i.Kind {
	case StockIssueProductGone:
		return fmt.Sprintf("Product %s is no longer available", i.ProductID)
	case StockIssueNotApproved:
		return fmt.Sprintf("Product %s is not available for purchase", name)
	case StockIssueInsufficientStock:
		return fmt.Sprintf("Insufficient stock for %s. Available: %d", name, i.Available)
	default:
		return fmt.Sprintf("Product %s is unavailable", name)
	}
}

// CartUnavailableError aggregates every unavailable line found during reservation.
type CartUnavailableError struct {
	Issues []StockIssue
}

func (e *CartUnavailableError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ErrCheckoutCartUnavailable.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCheckoutCartUnavailable.Error(), strings.Join(e.Messages(), "; "))
}

// Unwrap lets callers match ErrCheckoutCartUnavailable.
func (e *CartUnavailableError) Unwrap() error {
	return ErrCheckoutCartUnavailable
}

// Messages lists the issue messages in order.
func (e *CartUnavailableError) Messages() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		out = append(out, issue.Message())
	}
	return out
}

// StockSnapshot is the validated product state returned by ReserveAll.
type StockSnapshot struct {
	Products map[string]domain.Product
}

// StockReservation validates and mutates on-hand quantities for a set of lines.
type StockReservation struct {
	products repositories.ProductRepository
	clock    func() time.Time
}

// NewStockReservation constructs a StockReservation.
func NewStockReservation(products repositories.ProductRepository, clock func() time.Time) (*StockReservation, error) {
	if products == nil {
		return nil, errors.New("stock reservation: product repository is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &StockReservation{
		products: products,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// ReserveAll loads every referenced product and validates all lines before
// returning. Nothing is mutated.
func (s *StockReservation) ReserveAll(ctx context.Context, lines []domain.StockLine) (StockSnapshot, error) {
	aggregated := aggregateStockLines(lines)
	ids := make([]string, 0, len(aggregated))
	for id := range aggregated {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return StockSnapshot{}, err
	}

	var issues []StockIssue
	for _, line := range lines {
		if line.Quantity <= 0 {
			return StockSnapshot{}, fmt.Errorf("%w: quantity for %s must be positive", ErrCheckoutInvalidInput, line.ProductID)
		}
		product, ok := products[line.ProductID]
		if !ok {
			issues = append(issues, StockIssue{Kind: StockIssueProductGone, ProductID: line.ProductID, Requested: line.Quantity})
			continue
		}
		if product.Status != domain.ProductStatusApproved {
			issues = append(issues, StockIssue{Kind: StockIssueNotApproved, ProductID: product.ID, ProductName: product.Name, Requested: line.Quantity})
			continue
		}
		if product.Quantity < aggregated[line.ProductID] {
			issues = append(issues, StockIssue{
				Kind:        StockIssueInsufficientStock,
				ProductID:   product.ID,
				ProductName: product.Name,
				Requested:   line.Quantity,
				Available:   product.Quantity,
			})
		}
	}
	if len(issues) > 0 {
		return StockSnapshot{}, &CartUnavailableError{Issues: issues}
	}
	return StockSnapshot{Products: products}, nil
}

// Commit decrements on-hand quantity for every line. Either every product is
// decremented or none is.
func (s *StockReservation) Commit(ctx context.Context, lines []domain.StockLine) error {
	adjustments := make([]repositories.StockAdjustment, 0, len(lines))
	for _, line := range sortedStockLines(lines) {
		adjustments = append(adjustments, repositories.StockAdjustment{ProductID: line.ProductID, Delta: -line.Quantity})
	}
	return s.products.AdjustStock(ctx, adjustments, s.clock())
}

// Restore increments on-hand quantity for every line. Products deleted since
// the order was placed are skipped.
func (s *StockReservation) Restore(ctx context.Context, lines []domain.StockLine) error {
	adjustments := make([]repositories.StockAdjustment, 0, len(lines))
	for _, line := range sortedStockLines(lines) {
		adjustments = append(adjustments, repositories.StockAdjustment{ProductID: line.ProductID, Delta: line.Quantity, SkipMissing: true})
	}
	return s.products.AdjustStock(ctx, adjustments, s.clock())
}

func aggregateStockLines(lines []domain.StockLine) map[string]int {
	out := make(map[string]int, len(lines))
	for _, line := range lines {
		out[line.ProductID] += line.Quantity
	}
	return out
}

func sortedStockLines(lines []domain.StockLine) []domain.StockLine {
	aggregated := aggregateStockLines(lines)
	out := make([]domain.StockLine, 0, len(aggregated))
	for id, qty := range aggregated {
		if qty == 0 {
			continue
		}
		out = append(out, domain.StockLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
