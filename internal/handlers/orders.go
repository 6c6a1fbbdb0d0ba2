package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/platform/auth"
	"github.com/bazaar-market/api/internal/platform/httpx"
	"github.com/bazaar-market/api/internal/services"
)

const maxOrderBodySize = 4 * 1024

// OrderHandlers serves checkout, order lifecycle and reporting under /orders.
type OrderHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	orders   services.OrderService
	reports  services.ReportService

	limiter            rateLimiter
	limitWindow        time.Duration
	checkoutMiddleware []func(http.Handler) http.Handler
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithCheckoutRateLimit caps checkouts per user within the window.
func WithCheckoutRateLimit(limit int, window time.Duration, clock func() time.Time) OrderOption {
	return func(h *OrderHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, clock)
		h.limitWindow = window
	}
}

// WithCheckoutMiddleware wraps POST /orders, after authentication and rate
// limiting. Used for idempotency.
func WithCheckoutMiddleware(mw ...func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.checkoutMiddleware = append(h.checkoutMiddleware, mw...)
	}
}

// NewOrderHandlers constructs order handlers. A nil authenticator leaves the
// routes open, which only tests rely on.
func NewOrderHandlers(authn *auth.Authenticator, checkout services.CheckoutService, orders services.OrderService, reports services.ReportService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:    authn,
		checkout: checkout,
		orders:   orders,
		reports:  reports,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the order endpoints on the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	buyers := h.require(domain.RoleUser)
	staff := h.require(domain.RoleVendor, domain.RoleAdmin)
	anyone := h.require()

	place := append([]func(http.Handler) http.Handler{}, buyers...)
	if h.limiter != nil {
		place = append(place, rateLimitMiddleware(h.limiter, h.limitWindow, "Too many checkout attempts, try again later"))
	}
	place = append(place, h.checkoutMiddleware...)

	r.With(place...).Post("/", h.placeOrder)
	r.With(anyone...).Get("/", h.listOrders)
	r.With(staff...).Get("/statistics", h.statistics)
	r.With(staff...).Get("/sales-report", h.salesReport)
	r.With(anyone...).Get("/{orderID}", h.getOrder)
	r.With(staff...).Put("/{orderID}/status", h.updateStatus)
	r.With(buyers...).Delete("/{orderID}/cancel", h.cancelOrder)
}

func (h *OrderHandlers) require(roles ...domain.Role) []func(http.Handler) http.Handler {
	if h.authn == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{h.authn.RequireAuth(roles...)}
}

type placeOrderRequest struct {
	PaymentMethod string `json:"payment_method"`
	PointsToUse   *int64 `json:"points_to_use,omitempty"`
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := currentActor(ctx, w)
	if !ok {
		return
	}

	var req placeOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		httpx.WriteError(ctx, w, httpx.NewError(http.StatusBadRequest, "Validation failed").
			WithField("payment_method", "payment_method is required"))
		return
	}
	var points int64
	if req.PointsToUse != nil {
		points = *req.PointsToUse
	}

	receipt, err := h.checkout.Checkout(ctx, services.CheckoutCommand{
		UserID:        actor.ID,
		PaymentMethod: req.PaymentMethod,
		PointsToUse:   points,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusCreated, "Order placed successfully", newReceiptView(receipt))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := currentActor(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	page, err := positiveIntParam(query.Get("page"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(http.StatusBadRequest, "Validation failed").WithField("page", "page must be a positive integer"))
		return
	}
	limit, err := positiveIntParam(query.Get("limit"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(http.StatusBadRequest, "Validation failed").WithField("limit", "limit must be a positive integer"))
		return
	}

	result, err := h.orders.ListOrders(ctx, actor, services.OrderListFilter{
		Status: strings.TrimSpace(query.Get("status")),
		UserID: strings.TrimSpace(query.Get("user_id")),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Orders retrieved successfully", newOrderListView(result))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := currentActor(ctx, w)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"), actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Order retrieved successfully", newOrderView(order))
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := currentActor(ctx, w)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if _, valid := domain.ParseOrderStatus(req.Status); !valid {
		httpx.WriteError(ctx, w, httpx.NewError(http.StatusBadRequest, "Validation failed").
			WithField("status", "Status must be one of: pending, processing, shipped, delivered, cancelled"))
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Status:  req.Status,
		Actor:   actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Order status updated successfully", newOrderView(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := currentActor(ctx, w)
	if !ok {
		return
	}
	receipt, err := h.orders.Cancel(ctx, services.CancelCommand{
		OrderID: chi.URLParam(r, "orderID"),
		UserID:  actor.ID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Order cancelled successfully. Products and points have been refunded.", cancelView{
		OrderID:        receipt.OrderID,
		Status:         string(receipt.Status),
		RefundedAmount: services.DecimalNumber(receipt.RefundedAmount),
		RefundedPoints: receipt.RefundedPoints,
	})
}

func (h *OrderHandlers) statistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := currentActor(ctx, w)
	if !ok {
		return
	}
	stats, err := h.reports.Statistics(ctx, actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Statistics retrieved successfully", newStatisticsView(stats))
}

func (h *OrderHandlers) salesReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := currentActor(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	archive := false
	if raw := strings.TrimSpace(query.Get("archive")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError(http.StatusBadRequest, "Validation failed").WithField("archive", "archive must be true or false"))
			return
		}
		archive = parsed
	}

	report, err := h.reports.SalesReport(ctx, services.SalesReportQuery{
		Actor:     actor,
		StartDate: strings.TrimSpace(query.Get("start_date")),
		EndDate:   strings.TrimSpace(query.Get("end_date")),
		Archive:   archive,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Sales report generated successfully", report.Document())
}

// positiveIntParam returns 0 for an absent value so services apply role defaults.
func positiveIntParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, strconv.ErrSyntax
	}
	return value, nil
}
