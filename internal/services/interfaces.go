package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/bazaar-market/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Actor         = domain.Actor
	Cart          = domain.Cart
	CartItem      = domain.CartItem
	Order         = domain.Order
	OrderItem     = domain.OrderItem
	OrderStatus   = domain.OrderStatus
	PaymentMethod = domain.PaymentMethod
	Product       = domain.Product
	User          = domain.User
	HealthReport  = domain.HealthReport
)

// CheckoutService converts a user's cart into an order.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutReceipt, error)
}

// OrderService covers order reads and lifecycle transitions.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string, actor Actor) (Order, error)
	ListOrders(ctx context.Context, actor Actor, filter OrderListFilter) (domain.Page[Order], error)
	UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelCommand) (CancelReceipt, error)
}

// ReportService aggregates orders into statistics and sales reports.
type ReportService interface {
	Statistics(ctx context.Context, actor Actor) (OrderStatistics, error)
	SalesReport(ctx context.Context, query SalesReportQuery) (SalesReport, error)
}

// CartService manages the caller's cart.
type CartService interface {
	GetCart(ctx context.Context, userID string) (CartView, error)
	AddItem(ctx context.Context, cmd CartItemCommand) (CartView, error)
	UpdateItem(ctx context.Context, cmd CartItemCommand) (CartView, error)
	RemoveItem(ctx context.Context, userID string, productID string) (CartView, error)
	Clear(ctx context.Context, userID string) error
}

// SystemService exposes health reports and build metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (HealthReport, error)
}

// OrderEventType names a published order event.
type OrderEventType string

const (
	OrderEventPlaced        OrderEventType = "order.placed"
	OrderEventStatusChanged OrderEventType = "order.status_changed"
	OrderEventCancelled     OrderEventType = "order.cancelled"
)

// OrderEvent is published after an order change commits.
type OrderEvent struct {
	Type           OrderEventType
	OrderID        string
	UserID         string
	VendorIDs      []string
	Status         OrderStatus
	PreviousStatus OrderStatus
	TotalAmount    decimal.Decimal
	PointsUsed     int64
	PointsEarned   int64
	OccurredAt     time.Time
}

// OrderEventPublisher delivers order events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// PaymentIntentRequest asks the payment provider to authorise an amount.
type PaymentIntentRequest struct {
	OrderID        string
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// PaymentIntent is the provider's handle for an authorised payment.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       string
}

// PaymentGateway creates and cancels card payment intents.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
	CancelIntent(ctx context.Context, intentID string) error
}

// ReportArchiver persists a rendered report and returns its location.
type ReportArchiver interface {
	ArchiveReport(ctx context.Context, name string, contentType string, payload []byte) (string, error)
}

// OrderMetrics records business counters.
type OrderMetrics interface {
	CheckoutCompleted(method PaymentMethod)
	CheckoutFailed(reason string)
	OrderCancelled(reason string)
}

// CheckoutCommand requests conversion of the user's cart into an order.
type CheckoutCommand struct {
	UserID        string
	PaymentMethod string
	PointsToUse   int64
}

// CheckoutReceipt summarises a completed checkout.
type CheckoutReceipt struct {
	OrderID             string
	TotalAmount         decimal.Decimal
	CartTotal           decimal.Decimal
	PointsUsed          int64
	Discount            decimal.Decimal
	PointsEarned        int64
	NewPointsBalance    int64
	Status              OrderStatus
	PaymentMethod       PaymentMethod
	PlacedAt            time.Time
	PaymentIntentID     string
	PaymentClientSecret string
}

// OrderListFilter narrows ListOrders. Zero values select role defaults.
type OrderListFilter struct {
	Status string
	UserID string
	Page   int
	Limit  int
}

// UpdateStatusCommand transitions an order.
type UpdateStatusCommand struct {
	OrderID string
	Status  string
	Actor   Actor
}

// CancelCommand cancels a pending order on behalf of its owner.
type CancelCommand struct {
	OrderID string
	UserID  string
}

// CancelReceipt reports the compensation applied by a cancellation.
type CancelReceipt struct {
	OrderID        string
	Status         OrderStatus
	RefundedAmount decimal.Decimal
	RefundedPoints int64
}

// StatusCount is the number of orders in a status.
type StatusCount struct {
	Status OrderStatus
	Count  int
}

// OrderStatistics is the dashboard summary for admins and vendors.
type OrderStatistics struct {
	TotalOrders       int
	PendingOrders     int
	CompletedOrders   int
	TotalRevenue      decimal.Decimal
	TotalProductsSold *int
	OrdersByStatus    []StatusCount
	RecentOrders      []Order
}

// SalesReportQuery selects the report window. Dates use YYYY-MM-DD.
type SalesReportQuery struct {
	Actor     Actor
	StartDate string
	EndDate   string
	Archive   bool
}

// SalesSummary totals the report window.
type SalesSummary struct {
	TotalOrders       int
	TotalSales        decimal.Decimal
	AverageOrderValue decimal.Decimal
	TotalProductsSold *int
}

// PaymentMethodSales groups sales by payment method.
type PaymentMethodSales struct {
	PaymentMethod PaymentMethod
	Count         int
	Total         decimal.Decimal
}

// DailySales groups sales by calendar day.
type DailySales struct {
	Date  string
	Count int
	Total decimal.Decimal
}

// SalesReport is the rendered sales report.
type SalesReport struct {
	PeriodStart          string
	PeriodEnd            string
	Summary              SalesSummary
	SalesByPaymentMethod []PaymentMethodSales
	DailySales           []DailySales
	IncludeDailySales    bool
	ArchiveURI           string
}

// CartItemCommand adds or updates a cart line.
type CartItemCommand struct {
	UserID    string
	ProductID string
	Quantity  int
}

// CartLineView is a cart line priced against the current catalog.
type CartLineView struct {
	ProductID   string
	ProductName string
	UnitPrice   decimal.Decimal
	Quantity    int
	Subtotal    decimal.Decimal
	Available   bool
}

// CartView is the caller's cart with current prices.
type CartView struct {
	Cart      Cart
	Lines     []CartLineView
	Total     decimal.Decimal
	ItemCount int
}
