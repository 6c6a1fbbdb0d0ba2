package repositories

import (
	"context"
	"time"

	domain "github.com/bazaar-market/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Carts() CartRepository
	Users() UserRepository
	Orders() OrderRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// Repositories called with the ctx passed to fn participate in the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// StockAdjustment changes on-hand quantity for a product by Delta.
type StockAdjustment struct {
	ProductID string
	Delta     int
	// SkipMissing ignores products that no longer exist instead of failing.
	SkipMissing bool
}

// ProductRepository reads catalog products and mutates their on-hand quantity.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// FindByIDs returns the products that exist, keyed by id. Missing ids are absent from the map.
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	// AdjustStock applies every adjustment or none of them. A resulting negative
	// quantity fails with a StockError coded StockErrorInsufficient.
	AdjustStock(ctx context.Context, adjustments []StockAdjustment, now time.Time) error
}

// CartRepository persists one cart per user.
type CartRepository interface {
	// GetCart returns the user's cart. A missing cart yields an empty cart, not an error.
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	SaveCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	ClearCart(ctx context.Context, userID string, now time.Time) error
}

// PointsUpdate sets a user's balance when the stored version still matches.
type PointsUpdate struct {
	UserID          string
	Balance         int64
	ExpectedVersion int64
	UpdatedAt       time.Time
}

// UserRepository reads users and owns their points balance.
//
// Inside a unit of work the version check of SetPoints relies on the user
// having been read earlier in the same unit of work.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.User, error)
	SetPoints(ctx context.Context, update PointsUpdate) error
	AddPoints(ctx context.Context, userID string, delta int64, now time.Time) error
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID   string
	VendorID string
	Status   *domain.OrderStatus
	Page     domain.OffsetPagination
}

// OrderScanFilter selects orders for aggregation.
type OrderScanFilter struct {
	VendorID         string
	ExcludeCancelled bool
	PlacedAt         domain.RangeQuery[time.Time]
}

// OrderStatusUpdate transitions an order when the stored version still matches.
type OrderStatusUpdate struct {
	OrderID         string
	Status          domain.OrderStatus
	ExpectedVersion int64
	UpdatedAt       time.Time
	CancelledAt     *time.Time
}

// OrderRepository persists orders. UpdateStatus follows the same version rule
// as UserRepository.SetPoints.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	UpdateStatus(ctx context.Context, update OrderStatusUpdate) error
	SetPaymentIntent(ctx context.Context, orderID string, intentID string) error
	List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error)
	// Scan returns every order matching the filter ordered by placed_at ascending.
	Scan(ctx context.Context, filter OrderScanFilter) ([]domain.Order, error)
	// Recent returns the newest orders, newest first.
	Recent(ctx context.Context, limit int) ([]domain.Order, error)
}

// HealthRepository reports dependency status for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
