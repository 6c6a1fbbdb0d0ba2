package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// OffsetPagination describes page/limit paging used by list endpoints.
type OffsetPagination struct {
	Page  int
	Limit int
}

// Offset returns the zero-based index of the first item on the page.
func (p OffsetPagination) Offset() int {
	if p.Page <= 1 || p.Limit <= 0 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// Page holds a single page of results along with the total match count.
type Page[T any] struct {
	Items []T
	Total int
	Page  int
	Limit int
}

// Pages returns the number of pages for the total at the current limit.
func (p Page[T]) Pages() int {
	if p.Limit <= 0 || p.Total <= 0 {
		return 0
	}
	return (p.Total + p.Limit - 1) / p.Limit
}

// Role identifies the caller class used for per-endpoint authorisation.
type Role string

const (
	// RoleUser is a buyer.
	RoleUser Role = "user"
	// RoleVendor owns products in the catalog.
	RoleVendor Role = "vendor"
	// RoleAdmin operates the platform.
	RoleAdmin Role = "admin"
)

// ParseRole normalises the raw claim value into a known role.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleUser:
		return RoleUser, true
	case RoleVendor:
		return RoleVendor, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// Actor is the authenticated principal performing an operation.
type Actor struct {
	ID   string
	Role Role
}

// ProductStatus captures the catalog approval workflow state.
type ProductStatus string

const (
	// ProductStatusPending awaits admin review.
	ProductStatusPending ProductStatus = "pending"
	// ProductStatusApproved is purchasable.
	ProductStatusApproved ProductStatus = "approved"
	// ProductStatusRejected was refused by an admin.
	ProductStatusRejected ProductStatus = "rejected"
)

// Product is the subset of catalog data consumed by checkout.
type Product struct {
	ID        string
	VendorID  string
	Name      string
	Price     decimal.Decimal
	Quantity  int
	Status    ProductStatus
	Version   int64
	UpdatedAt time.Time
}

// Cart groups the line items a user intends to purchase.
type Cart struct {
	ID        string
	UserID    string
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartItem is a product reference with the requested quantity.
type CartItem struct {
	ProductID string
	Quantity  int
	AddedAt   time.Time
}

// IsEmpty reports whether the cart has no lines.
func (c Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// User holds the loyalty state owned by the orders subsystem.
type User struct {
	ID        string
	Name      string
	Email     string
	Role      Role
	Points    int64
	Version   int64
	UpdatedAt time.Time
}

// PaymentMethod enumerates accepted payment options.
type PaymentMethod string

const (
	// PaymentMethodCash is paid on delivery.
	PaymentMethodCash PaymentMethod = "cash"
	// PaymentMethodCredit is paid by card.
	PaymentMethodCredit PaymentMethod = "credit"
)

// ParsePaymentMethod validates the raw value.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	switch PaymentMethod(strings.ToLower(strings.TrimSpace(raw))) {
	case PaymentMethodCash:
		return PaymentMethodCash, true
	case PaymentMethodCredit:
		return PaymentMethodCredit, true
	default:
		return "", false
	}
}

// OrderStatus enumerates lifecycle states for an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// OrderStatuses lists every status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// ParseOrderStatus validates the raw value against the known statuses.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	candidate := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	for _, status := range OrderStatuses {
		if status == candidate {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether the status accepts no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Order is the immutable record created by checkout. Only Status, Version and
// UpdatedAt change after creation.
type Order struct {
	ID              string
	UserID          string
	CartID          string
	Items           []OrderItem
	VendorIDs       []string
	CartTotal       decimal.Decimal
	Discount        decimal.Decimal
	TotalAmount     decimal.Decimal
	PointsUsed      int64
	PointsEarned    int64
	PaymentMethod   PaymentMethod
	PaymentIntentID string
	Status          OrderStatus
	Version         int64
	PlacedAt        time.Time
	UpdatedAt       time.Time
	CancelledAt     *time.Time
}

// OrderItem snapshots product data at checkout time.
type OrderItem struct {
	ProductID   string
	VendorID    string
	ProductName string
	UnitPrice   decimal.Decimal
	Quantity    int
}

// Subtotal returns unit price multiplied by quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// HasVendor reports whether any line belongs to the vendor.
func (o Order) HasVendor(vendorID string) bool {
	for _, item := range o.Items {
		if item.VendorID == vendorID {
			return true
		}
	}
	return false
}

// StockLine is a product/quantity pair passed to stock reservation.
type StockLine struct {
	ProductID string
	Quantity  int
}

// StockLinesFromCart converts cart items to stock lines.
func StockLinesFromCart(items []CartItem) []StockLine {
	lines := make([]StockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// StockLinesFromOrder converts order items to stock lines.
func StockLinesFromOrder(items []OrderItem) []StockLine {
	lines := make([]StockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}
