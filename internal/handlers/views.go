package handlers

import (
	"encoding/json"
	"time"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/services"
)

type orderItemView struct {
	ProductID   string      `json:"product_id"`
	VendorID    string      `json:"vendor_id"`
	ProductName string      `json:"product_name"`
	UnitPrice   json.Number `json:"unit_price"`
	Quantity    int         `json:"quantity"`
	Subtotal    json.Number `json:"subtotal"`
}

type orderView struct {
	ID              string          `json:"order_id"`
	UserID          string          `json:"user_id"`
	CartID          string          `json:"cart_id,omitempty"`
	Items           []orderItemView `json:"items"`
	CartTotal       json.Number     `json:"cart_total"`
	Discount        json.Number     `json:"discount"`
	TotalAmount     json.Number     `json:"total_amount"`
	PointsUsed      int64           `json:"points_used"`
	PointsEarned    int64           `json:"points_earned"`
	PaymentMethod   string          `json:"payment_method"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	Status          string          `json:"status"`
	PlacedAt        string          `json:"placed_at"`
	UpdatedAt       string          `json:"updated_at,omitempty"`
	CancelledAt     string          `json:"cancelled_at,omitempty"`
}

func newOrderView(order domain.Order) orderView {
	items := make([]orderItemView, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemView{
			ProductID:   item.ProductID,
			VendorID:    item.VendorID,
			ProductName: item.ProductName,
			UnitPrice:   services.DecimalNumber(item.UnitPrice),
			Quantity:    item.Quantity,
			Subtotal:    services.DecimalNumber(item.Subtotal()),
		})
	}
	view := orderView{
		ID:              order.ID,
		UserID:          order.UserID,
		CartID:          order.CartID,
		Items:           items,
		CartTotal:       services.DecimalNumber(order.CartTotal),
		Discount:        services.DecimalNumber(order.Discount),
		TotalAmount:     services.DecimalNumber(order.TotalAmount),
		PointsUsed:      order.PointsUsed,
		PointsEarned:    order.PointsEarned,
		PaymentMethod:   string(order.PaymentMethod),
		PaymentIntentID: order.PaymentIntentID,
		Status:          string(order.Status),
		PlacedAt:        formatTime(order.PlacedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
	if order.CancelledAt != nil {
		view.CancelledAt = formatTime(*order.CancelledAt)
	}
	return view
}

type paginationView struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type orderListView struct {
	Orders     []orderView    `json:"orders"`
	Pagination paginationView `json:"pagination"`
}

func newOrderListView(page domain.Page[domain.Order]) orderListView {
	orders := make([]orderView, 0, len(page.Items))
	for _, order := range page.Items {
		orders = append(orders, newOrderView(order))
	}
	return orderListView{
		Orders: orders,
		Pagination: paginationView{
			Page:  page.Page,
			Limit: page.Limit,
			Total: page.Total,
			Pages: page.Pages(),
		},
	}
}

type receiptView struct {
	OrderID             string      `json:"order_id"`
	TotalAmount         json.Number `json:"total_amount"`
	CartTotal           json.Number `json:"cart_total"`
	PointsUsed          int64       `json:"points_used"`
	Discount            json.Number `json:"discount"`
	PointsEarned        int64       `json:"points_earned"`
	NewPointsBalance    int64       `json:"new_points_balance"`
	Status              string      `json:"status"`
	PaymentMethod       string      `json:"payment_method"`
	PlacedAt            string      `json:"placed_at"`
	PaymentIntentID     string      `json:"payment_intent_id,omitempty"`
	PaymentClientSecret string      `json:"payment_client_secret,omitempty"`
}

func newReceiptView(receipt services.CheckoutReceipt) receiptView {
	return receiptView{
		OrderID:             receipt.OrderID,
		TotalAmount:         services.DecimalNumber(receipt.TotalAmount),
		CartTotal:           services.DecimalNumber(receipt.CartTotal),
		PointsUsed:          receipt.PointsUsed,
		Discount:            services.DecimalNumber(receipt.Discount),
		PointsEarned:        receipt.PointsEarned,
		NewPointsBalance:    receipt.NewPointsBalance,
		Status:              string(receipt.Status),
		PaymentMethod:       string(receipt.PaymentMethod),
		PlacedAt:            formatTime(receipt.PlacedAt),
		PaymentIntentID:     receipt.PaymentIntentID,
		PaymentClientSecret: receipt.PaymentClientSecret,
	}
}

type cancelView struct {
	OrderID        string      `json:"order_id"`
	Status         string      `json:"status"`
	RefundedAmount json.Number `json:"refunded_amount"`
	RefundedPoints int64       `json:"refunded_points"`
}

type statusCountView struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type statisticsView struct {
	TotalOrders       int               `json:"total_orders"`
	PendingOrders     int               `json:"pending_orders"`
	CompletedOrders   int               `json:"completed_orders"`
	TotalRevenue      json.Number       `json:"total_revenue"`
	TotalProductsSold *int              `json:"total_products_sold,omitempty"`
	OrdersByStatus    []statusCountView `json:"orders_by_status"`
	RecentOrders      []orderView       `json:"recent_orders"`
}

func newStatisticsView(stats services.OrderStatistics) statisticsView {
	byStatus := make([]statusCountView, 0, len(stats.OrdersByStatus))
	for _, entry := range stats.OrdersByStatus {
		byStatus = append(byStatus, statusCountView{Status: string(entry.Status), Count: entry.Count})
	}
	recent := make([]orderView, 0, len(stats.RecentOrders))
	for _, order := range stats.RecentOrders {
		recent = append(recent, newOrderView(order))
	}
	return statisticsView{
		TotalOrders:       stats.TotalOrders,
		PendingOrders:     stats.PendingOrders,
		CompletedOrders:   stats.CompletedOrders,
		TotalRevenue:      services.DecimalNumber(stats.TotalRevenue),
		TotalProductsSold: stats.TotalProductsSold,
		OrdersByStatus:    byStatus,
		RecentOrders:      recent,
	}
}

type cartLineView struct {
	ProductID   string      `json:"product_id"`
	ProductName string      `json:"product_name"`
	UnitPrice   json.Number `json:"unit_price"`
	Quantity    int         `json:"quantity"`
	Subtotal    json.Number `json:"subtotal"`
	Available   bool        `json:"available"`
}

type cartView struct {
	CartID    string         `json:"cart_id,omitempty"`
	Items     []cartLineView `json:"items"`
	Total     json.Number    `json:"total"`
	ItemCount int            `json:"item_count"`
	UpdatedAt string         `json:"updated_at,omitempty"`
}

func newCartView(view services.CartView) cartView {
	lines := make([]cartLineView, 0, len(view.Lines))
	for _, line := range view.Lines {
		lines = append(lines, cartLineView{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			UnitPrice:   services.DecimalNumber(line.UnitPrice),
			Quantity:    line.Quantity,
			Subtotal:    services.DecimalNumber(line.Subtotal),
			Available:   line.Available,
		})
	}
	return cartView{
		CartID:    view.Cart.ID,
		Items:     lines,
		Total:     services.DecimalNumber(view.Total),
		ItemCount: view.ItemCount,
		UpdatedAt: formatTime(view.Cart.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
