package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/platform/idempotency"
	"github.com/bazaar-market/api/internal/services"
)

var orderTestNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newOrderRouter(checkout services.CheckoutService, orders services.OrderService, reports services.ReportService, opts ...OrderOption) http.Handler {
	router := chi.NewRouter()
	router.Route("/api/orders", NewOrderHandlers(testAuthenticator(), checkout, orders, reports, opts...).Routes)
	return router
}

func TestOrderHandlersPlaceOrderSuccess(t *testing.T) {
	var captured services.CheckoutCommand
	checkout := &stubCheckoutService{checkoutFn: func(_ context.Context, cmd services.CheckoutCommand) (services.CheckoutReceipt, error) {
		captured = cmd
		return services.CheckoutReceipt{
			OrderID:          "01HZX",
			TotalAmount:      decimal.RequireFromString("199.5"),
			CartTotal:        decimal.NewFromInt(200),
			PointsUsed:       50,
			Discount:         decimal.RequireFromString("0.5"),
			PointsEarned:     19,
			NewPointsBalance: 69,
			Status:           domain.OrderStatusPending,
			PaymentMethod:    domain.PaymentMethodCash,
			PlacedAt:         orderTestNow,
		}, nil
	}}
	router := newOrderRouter(checkout, &stubOrderService{}, &stubReportService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodPost, "/api/orders", `{"payment_method":"cash","points_to_use":50}`, "user-1:user"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.PaymentMethod != "cash" || captured.PointsToUse != 50 {
		t.Fatalf("unexpected command %+v", captured)
	}
	env := decodeEnvelope(t, rr)
	if !env.Success || env.Message != "Order placed successfully" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	var receipt receiptView
	decodeData(t, env, &receipt)
	if receipt.OrderID != "01HZX" || receipt.TotalAmount.String() != "199.5" || receipt.NewPointsBalance != 69 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if receipt.PlacedAt != "2024-06-01T12:00:00Z" {
		t.Fatalf("unexpected placed_at %s", receipt.PlacedAt)
	}
}

func TestOrderHandlersPlaceOrderAuthorization(t *testing.T) {
	router := newOrderRouter(&stubCheckoutService{}, &stubOrderService{}, &stubReportService{})

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{name: "missing token", token: "", status: http.StatusUnauthorized},
		{name: "invalid token", token: "garbage", status: http.StatusUnauthorized},
		{name: "vendor", token: "vendor-1:vendor", status: http.StatusForbidden},
		{name: "admin", token: "admin-1:admin", status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, newRequest(http.MethodPost, "/api/orders", `{"payment_method":"cash"}`, tc.token))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if env := decodeEnvelope(t, rr); env.Success {
				t.Fatalf("expected failure envelope")
			}
		})
	}
}

func TestOrderHandlersPlaceOrderValidation(t *testing.T) {
	router := newOrderRouter(&stubCheckoutService{}, &stubOrderService{}, &stubReportService{})

	cases := []struct {
		name string
		body string
		code int
	}{
		{name: "missing payment method", body: `{"points_to_use":1}`, code: http.StatusBadRequest},
		{name: "malformed json", body: `{"payment_method":`, code: http.StatusBadRequest},
		{name: "unknown field", body: `{"payment_method":"cash","coupon":"x"}`, code: http.StatusBadRequest},
		{name: "empty body", body: "", code: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, newRequest(http.MethodPost, "/api/orders", tc.body, "user-1:user"))
			if rr.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, rr.Code, rr.Body.String())
			}
		})
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodPost, "/api/orders", `{"points_to_use":1}`, "user-1:user"))
	env := decodeEnvelope(t, rr)
	if len(env.Errors) != 1 || env.Errors[0].Field != "payment_method" {
		t.Fatalf("expected payment_method field error, got %+v", env.Errors)
	}
}

func TestOrderHandlersPlaceOrderMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{name: "empty cart", err: services.ErrCheckoutEmptyCart, status: http.StatusBadRequest, message: "Cart is empty"},
		{name: "bad method", err: fmt.Errorf("%w: payment method must be cash or credit", services.ErrCheckoutInvalidInput), status: http.StatusBadRequest, message: "Payment method must be cash or credit"},
		{name: "insufficient points", err: fmt.Errorf("%w: requested 500, available 10", services.ErrPointsInsufficientBalance), status: http.StatusConflict, message: "Requested 500, available 10"},
		{name: "payment", err: fmt.Errorf("%w: card_declined", services.ErrCheckoutPaymentFailed), status: http.StatusPaymentRequired, message: "Payment could not be authorised"},
		{name: "user missing", err: services.ErrCheckoutUserNotFound, status: http.StatusNotFound, message: "User not found"},
		{name: "unavailable", err: fmt.Errorf("%w: firestore down", services.ErrCheckoutUnavailable), status: http.StatusServiceUnavailable, message: "Checkout is temporarily unavailable"},
		{name: "unexpected", err: fmt.Errorf("boom: secret detail"), status: http.StatusInternalServerError, message: "Internal server error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checkout := &stubCheckoutService{checkoutFn: func(context.Context, services.CheckoutCommand) (services.CheckoutReceipt, error) {
				return services.CheckoutReceipt{}, tc.err
			}}
			router := newOrderRouter(checkout, &stubOrderService{}, &stubReportService{})
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, newRequest(http.MethodPost, "/api/orders", `{"payment_method":"cash"}`, "user-1:user"))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if env := decodeEnvelope(t, rr); env.Message != tc.message {
				t.Fatalf("expected message %q, got %q", tc.message, env.Message)
			}
		})
	}
}

func TestOrderHandlersPlaceOrderListsUnavailableLines(t *testing.T) {
	checkout := &stubCheckoutService{checkoutFn: func(context.Context, services.CheckoutCommand) (services.CheckoutReceipt, error) {
		return services.CheckoutReceipt{}, &services.CartUnavailableError{Issues: []services.StockIssue{
			{Kind: services.StockIssueInsufficientStock, ProductID: "prod-1", ProductName: "Lamp", Requested: 5, Available: 2},
			{Kind: services.StockIssueProductGone, ProductID: "prod-2"},
		}}
	}}
	router := newOrderRouter(checkout, &stubOrderService{}, &stubReportService{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodPost, "/api/orders", `{"payment_method":"cash"}`, "user-1:user"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	env := decodeEnvelope(t, rr)
	if env.Message != "Some items in your cart are unavailable" || len(env.Errors) != 2 {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.Errors[0].Field != "prod-1" || env.Errors[0].Message != "Insufficient stock for Lamp. Available: 2" {
		t.Fatalf("unexpected first issue %+v", env.Errors[0])
	}
}

func TestOrderHandlersPlaceOrderRateLimited(t *testing.T) {
	calls := 0
	checkout := &stubCheckoutService{checkoutFn: func(context.Context, services.CheckoutCommand) (services.CheckoutReceipt, error) {
		calls++
		return services.CheckoutReceipt{OrderID: "o"}, nil
	}}
	router := newOrderRouter(checkout, &stubOrderService{}, &stubReportService{},
		WithCheckoutRateLimit(1, time.Minute, func() time.Time { return orderTestNow }))

	first := httptest.NewRecorder()
	router.ServeHTTP(first, newRequest(http.MethodPost, "/api/orders", `{"payment_method":"cash"}`, "user-1:user"))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, newRequest(http.MethodPost, "/api/orders", `{"payment_method":"cash"}`, "user-1:user"))
	other := httptest.NewRecorder()
	router.ServeHTTP(other, newRequest(http.MethodPost, "/api/orders", `{"payment_method":"cash"}`, "user-2:user"))

	if first.Code != http.StatusCreated || other.Code != http.StatusCreated {
		t.Fatalf("expected first and other user to pass, got %d and %d", first.Code, other.Code)
	}
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", second.Header().Get("Retry-After"))
	}
	if calls != 2 {
		t.Fatalf("expected two checkouts, got %d", calls)
	}
}

func TestOrderHandlersPlaceOrderReplaysIdempotentRequest(t *testing.T) {
	calls := 0
	checkout := &stubCheckoutService{checkoutFn: func(context.Context, services.CheckoutCommand) (services.CheckoutReceipt, error) {
		calls++
		return services.CheckoutReceipt{OrderID: fmt.Sprintf("order-%d", calls), TotalAmount: decimal.NewFromInt(10)}, nil
	}}
	store := idempotency.NewMemoryStore()
	router := newOrderRouter(checkout, &stubOrderService{}, &stubReportService{},
		WithCheckoutMiddleware(idempotency.Middleware(store, idempotency.WithClock(func() time.Time { return orderTestNow }))))

	var bodies []string
	for i := 0; i < 2; i++ {
		req := newRequest(http.MethodPost, "/api/orders", `{"payment_method":"cash"}`, "user-1:user")
		req.Header.Set("Idempotency-Key", "checkout-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("attempt %d: expected 201, got %d", i, rr.Code)
		}
		bodies = append(bodies, rr.Body.String())
	}
	if calls != 1 {
		t.Fatalf("expected a single checkout, got %d", calls)
	}
	if bodies[0] != bodies[1] {
		t.Fatalf("expected identical replay, got %s vs %s", bodies[0], bodies[1])
	}
}

func TestOrderHandlersListOrders(t *testing.T) {
	var gotActor domain.Actor
	var gotFilter services.OrderListFilter
	orders := &stubOrderService{listFn: func(_ context.Context, actor domain.Actor, filter services.OrderListFilter) (domain.Page[services.Order], error) {
		gotActor, gotFilter = actor, filter
		return domain.Page[services.Order]{
			Items: []services.Order{{ID: "o1", UserID: "u1", Status: domain.OrderStatusPending, TotalAmount: decimal.NewFromInt(5), PlacedAt: orderTestNow}},
			Total: 21,
			Page:  2,
			Limit: 10,
		}, nil
	}}
	router := newOrderRouter(&stubCheckoutService{}, orders, &stubReportService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodGet, "/api/orders?status=pending&page=2&limit=10&user_id=u1", "", "admin-1:admin"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotActor.Role != domain.RoleAdmin || gotFilter.Status != "pending" || gotFilter.Page != 2 || gotFilter.Limit != 10 || gotFilter.UserID != "u1" {
		t.Fatalf("unexpected forwarding actor=%+v filter=%+v", gotActor, gotFilter)
	}
	var list orderListView
	decodeData(t, decodeEnvelope(t, rr), &list)
	if len(list.Orders) != 1 || list.Pagination.Pages != 3 || list.Pagination.Total != 21 {
		t.Fatalf("unexpected list %+v", list)
	}

	bad := httptest.NewRecorder()
	router.ServeHTTP(bad, newRequest(http.MethodGet, "/api/orders?page=0", "", "user-1:user"))
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for page=0, got %d", bad.Code)
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	orders := &stubOrderService{getFn: func(_ context.Context, id string, actor domain.Actor) (services.Order, error) {
		if actor.ID != "user-1" {
			return services.Order{}, services.ErrOrderForbidden
		}
		if id != "order-1" {
			return services.Order{}, services.ErrOrderNotFound
		}
		return services.Order{
			ID:     id,
			UserID: "user-1",
			Items: []services.OrderItem{
				{ProductID: "p1", VendorID: "v1", ProductName: "Lamp", UnitPrice: decimal.RequireFromString("12.5"), Quantity: 2},
			},
			Status:   domain.OrderStatusPending,
			PlacedAt: orderTestNow,
		}, nil
	}}
	router := newOrderRouter(&stubCheckoutService{}, orders, &stubReportService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodGet, "/api/orders/order-1", "", "user-1:user"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var view orderView
	decodeData(t, decodeEnvelope(t, rr), &view)
	if len(view.Items) != 1 || view.Items[0].Subtotal.String() != "25" {
		t.Fatalf("unexpected order view %+v", view)
	}

	forbidden := httptest.NewRecorder()
	router.ServeHTTP(forbidden, newRequest(http.MethodGet, "/api/orders/order-1", "", "user-2:user"))
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", forbidden.Code)
	}

	missing := httptest.NewRecorder()
	router.ServeHTTP(missing, newRequest(http.MethodGet, "/api/orders/order-9", "", "user-1:user"))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestOrderHandlersUpdateStatus(t *testing.T) {
	var captured services.UpdateStatusCommand
	orders := &stubOrderService{updateFn: func(_ context.Context, cmd services.UpdateStatusCommand) (services.Order, error) {
		captured = cmd
		if cmd.Status == "pending" {
			return services.Order{}, fmt.Errorf("%w: cannot change status from shipped to pending", services.ErrOrderInvalidState)
		}
		return services.Order{ID: cmd.OrderID, Status: domain.OrderStatus(cmd.Status)}, nil
	}}
	router := newOrderRouter(&stubCheckoutService{}, orders, &stubReportService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodPut, "/api/orders/order-1/status", `{"status":"shipped"}`, "vendor-1:vendor"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "order-1" || captured.Actor.ID != "vendor-1" || captured.Actor.Role != domain.RoleVendor {
		t.Fatalf("unexpected command %+v", captured)
	}

	cases := []struct {
		name   string
		token  string
		body   string
		status  int
		message string
	}{
		{name: "user role", token: "user-1:user", body: `{"status":"shipped"}`, status: http.StatusForbidden},
		{name: "unknown status", token: "admin-1:admin", body: `{"status":"lost"}`, status: http.StatusBadRequest},
		{name: "invalid transition", token: "admin-1:admin", body: `{"status":"pending"}`, status: http.StatusConflict, message: "Cannot change status from shipped to pending"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, newRequest(http.MethodPut, "/api/orders/order-1/status", tc.body, tc.token))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if tc.message != "" {
				if env := decodeEnvelope(t, rr); env.Message != tc.message {
					t.Fatalf("expected message %q, got %q", tc.message, env.Message)
				}
			}
		})
	}
}

func TestOrderHandlersCancel(t *testing.T) {
	orders := &stubOrderService{cancelFn: func(_ context.Context, cmd services.CancelCommand) (services.CancelReceipt, error) {
		if cmd.OrderID == "done" {
			return services.CancelReceipt{}, fmt.Errorf("%w: only pending orders can be cancelled", services.ErrOrderInvalidState)
		}
		return services.CancelReceipt{
			OrderID:        cmd.OrderID,
			Status:         domain.OrderStatusCancelled,
			RefundedAmount: decimal.NewFromInt(200),
			RefundedPoints: 40,
		}, nil
	}}
	router := newOrderRouter(&stubCheckoutService{}, orders, &stubReportService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodDelete, "/api/orders/order-1/cancel", "", "user-1:user"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var view cancelView
	decodeData(t, decodeEnvelope(t, rr), &view)
	if view.Status != "cancelled" || view.RefundedPoints != 40 || view.RefundedAmount.String() != "200" {
		t.Fatalf("unexpected cancel view %+v", view)
	}

	conflict := httptest.NewRecorder()
	router.ServeHTTP(conflict, newRequest(http.MethodDelete, "/api/orders/done/cancel", "", "user-1:user"))
	if conflict.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", conflict.Code)
	}
	if env := decodeEnvelope(t, conflict); env.Message != "Only pending orders can be cancelled" {
		t.Fatalf("unexpected message %q", env.Message)
	}

	vendor := httptest.NewRecorder()
	router.ServeHTTP(vendor, newRequest(http.MethodDelete, "/api/orders/order-1/cancel", "", "vendor-1:vendor"))
	if vendor.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for vendor, got %d", vendor.Code)
	}
}

func TestOrderHandlersStatisticsAndSalesReport(t *testing.T) {
	sold := 7
	var gotQuery services.SalesReportQuery
	reports := &stubReportService{
		statsFn: func(_ context.Context, actor domain.Actor) (services.OrderStatistics, error) {
			return services.OrderStatistics{
				TotalOrders:       3,
				TotalRevenue:      decimal.RequireFromString("150.25"),
				TotalProductsSold: &sold,
				OrdersByStatus:    []services.StatusCount{{Status: domain.OrderStatusPending, Count: 3}},
			}, nil
		},
		reportFn: func(_ context.Context, query services.SalesReportQuery) (services.SalesReport, error) {
			gotQuery = query
			return services.SalesReport{
				PeriodStart:       query.StartDate,
				PeriodEnd:         query.EndDate,
				Summary:           services.SalesSummary{TotalOrders: 2, TotalSales: decimal.NewFromInt(40), AverageOrderValue: decimal.NewFromInt(20)},
				DailySales:        []services.DailySales{{Date: "2024-06-01", Count: 2, Total: decimal.NewFromInt(40)}},
				IncludeDailySales: true,
				ArchiveURI:        "gs://reports/sales.json",
			}, nil
		},
	}
	router := newOrderRouter(&stubCheckoutService{}, &stubOrderService{}, reports)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodGet, "/api/orders/statistics", "", "vendor-1:vendor"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var stats statisticsView
	decodeData(t, decodeEnvelope(t, rr), &stats)
	if stats.TotalOrders != 3 || stats.TotalRevenue.String() != "150.25" || stats.TotalProductsSold == nil || *stats.TotalProductsSold != 7 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	userStats := httptest.NewRecorder()
	router.ServeHTTP(userStats, newRequest(http.MethodGet, "/api/orders/statistics", "", "user-1:user"))
	if userStats.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user statistics, got %d", userStats.Code)
	}

	report := httptest.NewRecorder()
	router.ServeHTTP(report, newRequest(http.MethodGet, "/api/orders/sales-report?start_date=2024-06-01&end_date=2024-06-01&archive=true", "", "admin-1:admin"))
	if report.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", report.Code, report.Body.String())
	}
	if !gotQuery.Archive || gotQuery.StartDate != "2024-06-01" || gotQuery.Actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected query %+v", gotQuery)
	}
	var doc services.SalesReportDocument
	decodeData(t, decodeEnvelope(t, report), &doc)
	if doc.ArchiveURI != "gs://reports/sales.json" || doc.DailySales == nil || len(*doc.DailySales) != 1 {
		t.Fatalf("unexpected document %+v", doc)
	}

	badArchive := httptest.NewRecorder()
	router.ServeHTTP(badArchive, newRequest(http.MethodGet, "/api/orders/sales-report?archive=maybe", "", "admin-1:admin"))
	if badArchive.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for archive=maybe, got %d", badArchive.Code)
	}
}
