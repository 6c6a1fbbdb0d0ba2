package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/repositories"
	"github.com/bazaar-market/api/internal/repositories/memory"
)

var checkoutNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type stubPaymentGateway struct {
	createFn  func(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
	cancelErr error
	created   []PaymentIntentRequest
	cancelled []string
}

func (s *stubPaymentGateway) CreateIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
	s.created = append(s.created, req)
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return PaymentIntent{ID: "pi_" + req.OrderID, ClientSecret: "secret_" + req.OrderID, Status: "requires_payment_method"}, nil
}

func (s *stubPaymentGateway) CancelIntent(_ context.Context, intentID string) error {
	s.cancelled = append(s.cancelled, intentID)
	return s.cancelErr
}

type captureOrderEvents struct {
	events []OrderEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return c.err
}

type stubOrderMetrics struct {
	completed []PaymentMethod
	failed    []string
	cancelled []string
}

func (m *stubOrderMetrics) CheckoutCompleted(method PaymentMethod) {
	m.completed = append(m.completed, method)
}

func (m *stubOrderMetrics) CheckoutFailed(reason string) { m.failed = append(m.failed, reason) }

func (m *stubOrderMetrics) OrderCancelled(reason string) { m.cancelled = append(m.cancelled, reason) }

type failingOrderRepository struct {
	repositories.OrderRepository
	insertErr error
}

func (r failingOrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	return r.OrderRepository.Insert(ctx, order)
}

type recordedLog struct {
	event  string
	fields map[string]any
}

type checkoutFixture struct {
	store    *memory.Store
	events   *captureOrderEvents
	metrics  *stubOrderMetrics
	payments *stubPaymentGateway
	logs     []recordedLog
}

// newCheckoutFixture seeds one approved product (price 100, stock 10), a user
// with the given balance and a cart holding two units of the product.
func newCheckoutFixture(t *testing.T, balance int64) *checkoutFixture {
	t.Helper()
	store := memory.NewStore()
	store.PutProduct(domain.Product{
		ID:       "prod-1",
		VendorID: "vendor-1",
		Name:     "<b>Desk</b> Lamp",
		Price:    decimal.NewFromInt(100),
		Quantity: 10,
		Status:   domain.ProductStatusApproved,
	})
	store.PutUser(domain.User{ID: "user-1", Role: domain.RoleUser, Points: balance, Version: 1})
	store.PutCart(domain.Cart{ID: "cart-1", UserID: "user-1", Items: []domain.CartItem{{ProductID: "prod-1", Quantity: 2}}})
	return &checkoutFixture{
		store:    store,
		events:   &captureOrderEvents{},
		metrics:  &stubOrderMetrics{},
		payments: &stubPaymentGateway{},
	}
}

func (f *checkoutFixture) service(t *testing.T, mutate func(*CheckoutServiceDeps)) CheckoutService {
	t.Helper()
	deps := CheckoutServiceDeps{
		Carts:                     f.store.Carts(),
		Products:                  f.store.Products(),
		Users:                     f.store.Users(),
		Orders:                    f.store.Orders(),
		UnitOfWork:                f.store,
		AllowCreditWithoutGateway: true,
		Events:                    f.events,
		Metrics:                   f.metrics,
		Clock:                     func() time.Time { return checkoutNow },
		IDGenerator:               func() string { return "order-1" },
		Logger: func(_ context.Context, event string, fields map[string]any) {
			f.logs = append(f.logs, recordedLog{event: event, fields: fields})
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return svc
}

func (f *checkoutFixture) assertUntouched(t *testing.T, wantPoints int64) {
	t.Helper()
	product, _ := f.store.Product("prod-1")
	if product.Quantity != 10 {
		t.Errorf("expected stock 10, got %d", product.Quantity)
	}
	user, _ := f.store.User("user-1")
	if user.Points != wantPoints {
		t.Errorf("expected points %d, got %d", wantPoints, user.Points)
	}
	cart, _ := f.store.Cart("user-1")
	if len(cart.Items) != 1 || cart.Items[0].Quantity != 2 {
		t.Errorf("expected cart untouched, got %+v", cart.Items)
	}
	if f.store.OrderCount() != 0 {
		t.Errorf("expected no orders, got %d", f.store.OrderCount())
	}
}

func TestCheckoutCashEndToEnd(t *testing.T) {
	f := newCheckoutFixture(t, 0)
	svc := f.service(t, nil)

	receipt, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "cash"})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if receipt.OrderID != "order-1" || !receipt.TotalAmount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if receipt.Status != domain.OrderStatusPending || receipt.PaymentMethod != domain.PaymentMethodCash {
		t.Fatalf("unexpected status/method %s/%s", receipt.Status, receipt.PaymentMethod)
	}
	if receipt.PointsEarned != 200 || receipt.NewPointsBalance != 200 || receipt.PointsUsed != 0 || !receipt.Discount.IsZero() {
		t.Fatalf("unexpected points in receipt %+v", receipt)
	}
	if !receipt.PlacedAt.Equal(checkoutNow) {
		t.Fatalf("unexpected placed_at %s", receipt.PlacedAt)
	}

	product, _ := f.store.Product("prod-1")
	if product.Quantity != 8 {
		t.Fatalf("expected stock 8, got %d", product.Quantity)
	}
	user, _ := f.store.User("user-1")
	if user.Points != 200 || user.Version != 2 {
		t.Fatalf("expected 200 points at version 2, got %+v", user)
	}
	cart, _ := f.store.Cart("user-1")
	if !cart.IsEmpty() {
		t.Fatalf("expected cart cleared, got %+v", cart.Items)
	}

	order, ok := f.store.Order("order-1")
	if !ok {
		t.Fatal("expected order persisted")
	}
	if !order.TotalAmount.Equal(decimal.NewFromInt(200)) || order.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected order %+v", order)
	}
	if len(order.Items) != 1 || order.Items[0].ProductName != "Desk Lamp" || order.Items[0].VendorID != "vendor-1" {
		t.Fatalf("unexpected items snapshot %+v", order.Items)
	}
	if len(order.VendorIDs) != 1 || order.VendorIDs[0] != "vendor-1" {
		t.Fatalf("unexpected vendor ids %v", order.VendorIDs)
	}

	if len(f.events.events) != 1 || f.events.events[0].Type != OrderEventPlaced {
		t.Fatalf("expected order.placed event, got %+v", f.events.events)
	}
	if len(f.metrics.completed) != 1 || f.metrics.completed[0] != domain.PaymentMethodCash {
		t.Fatalf("expected completed metric, got %+v", f.metrics.completed)
	}
}

func TestCheckoutAppliesPointsDiscount(t *testing.T) {
	f := newCheckoutFixture(t, 1000)
	svc := f.service(t, nil)

	receipt, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "cash", PointsToUse: 500})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if !receipt.Discount.Equal(decimal.NewFromInt(5)) || !receipt.TotalAmount.Equal(decimal.NewFromInt(195)) {
		t.Fatalf("unexpected totals %+v", receipt)
	}
	if receipt.PointsEarned != 195 || receipt.NewPointsBalance != 695 {
		t.Fatalf("unexpected points %+v", receipt)
	}
	user, _ := f.store.User("user-1")
	if user.Points != 695 {
		t.Fatalf("expected stored balance 695, got %d", user.Points)
	}
}

func TestCheckoutUnavailableItemLeavesStateUntouched(t *testing.T) {
	f := newCheckoutFixture(t, 50)
	f.store.PutProduct(domain.Product{ID: "prod-2", Name: "Sofa", Price: decimal.NewFromInt(10), Quantity: 5, Status: domain.ProductStatusPending})
	f.store.PutCart(domain.Cart{ID: "cart-1", UserID: "user-1", Items: []domain.CartItem{
		{ProductID: "prod-1", Quantity: 2},
		{ProductID: "prod-2", Quantity: 1},
	}})
	svc := f.service(t, nil)

	_, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "cash"})
	if !errors.Is(err, ErrCheckoutCartUnavailable) {
		t.Fatalf("expected cart unavailable, got %v", err)
	}
	var unavailable *CartUnavailableError
	if !errors.As(err, &unavailable) || len(unavailable.Issues) != 1 || unavailable.Issues[0].Kind != StockIssueNotApproved {
		t.Fatalf("unexpected issues %+v", err)
	}

	product, _ := f.store.Product("prod-1")
	if product.Quantity != 10 {
		t.Fatalf("expected stock untouched, got %d", product.Quantity)
	}
	user, _ := f.store.User("user-1")
	if user.Points != 50 {
		t.Fatalf("expected points untouched, got %d", user.Points)
	}
	cart, _ := f.store.Cart("user-1")
	if len(cart.Items) != 2 {
		t.Fatalf("expected cart untouched, got %+v", cart.Items)
	}
	if f.store.OrderCount() != 0 {
		t.Fatal("expected no order")
	}
	if len(f.metrics.failed) != 1 || f.metrics.failed[0] != "cart_unavailable" {
		t.Fatalf("expected failure metric, got %+v", f.metrics.failed)
	}
	last := f.logs[len(f.logs)-1]
	if last.event != "checkout.failed" || last.fields["stage"] != checkoutStageReserving {
		t.Fatalf("expected failure logged at reserving stage, got %+v", last)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	f := newCheckoutFixture(t, 0)
	f.store.PutCart(domain.Cart{ID: "cart-1", UserID: "user-1"})
	svc := f.service(t, nil)

	_, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "cash"})
	if !errors.Is(err, ErrCheckoutEmptyCart) {
		t.Fatalf("expected empty cart, got %v", err)
	}
	if f.store.OrderCount() != 0 {
		t.Fatal("expected no order")
	}

	_, err = svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-without-cart", PaymentMethod: "cash"})
	if !errors.Is(err, ErrCheckoutEmptyCart) {
		t.Fatalf("expected empty cart for missing cart, got %v", err)
	}
}

func TestCheckoutValidation(t *testing.T) {
	cases := []struct {
		name string
		cmd  CheckoutCommand
		want error
	}{
		{name: "missing user", cmd: CheckoutCommand{PaymentMethod: "cash"}, want: ErrCheckoutInvalidInput},
		{name: "bad payment method", cmd: CheckoutCommand{UserID: "user-1", PaymentMethod: "bitcoin"}, want: ErrCheckoutInvalidInput},
		{name: "negative points", cmd: CheckoutCommand{UserID: "user-1", PaymentMethod: "cash", PointsToUse: -1}, want: ErrPointsNegative},
		{name: "insufficient points", cmd: CheckoutCommand{UserID: "user-1", PaymentMethod: "cash", PointsToUse: 101}, want: ErrPointsInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newCheckoutFixture(t, 100)
			svc := f.service(t, nil)
			_, err := svc.Checkout(context.Background(), tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			f.assertUntouched(t, 100)
		})
	}
}

func TestCheckoutPointsExceedCartValue(t *testing.T) {
	f := newCheckoutFixture(t, 50000)
	svc := f.service(t, nil)

	_, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "cash", PointsToUse: 20001})
	if !errors.Is(err, ErrPointsExceedCartValue) {
		t.Fatalf("expected exceeds cart value, got %v", err)
	}
	f.assertUntouched(t, 50000)
}

func TestCheckoutRollsBackWhenPersistFails(t *testing.T) {
	f := newCheckoutFixture(t, 300)
	svc := f.service(t, func(deps *CheckoutServiceDeps) {
		deps.Orders = failingOrderRepository{OrderRepository: f.store.Orders(), insertErr: errors.New("disk full")}
	})

	_, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "cash", PointsToUse: 100})
	if err == nil {
		t.Fatal("expected error")
	}
	f.assertUntouched(t, 300)
}

func TestCheckoutUnknownUser(t *testing.T) {
	f := newCheckoutFixture(t, 0)
	f.store.PutCart(domain.Cart{ID: "cart-2", UserID: "ghost", Items: []domain.CartItem{{ProductID: "prod-1", Quantity: 1}}})
	svc := f.service(t, nil)

	_, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "ghost", PaymentMethod: "cash"})
	if !errors.Is(err, ErrCheckoutUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestCheckoutCreditCreatesPaymentIntent(t *testing.T) {
	f := newCheckoutFixture(t, 0)
	svc := f.service(t, func(deps *CheckoutServiceDeps) {
		deps.Payments = f.payments
		deps.Currency = "usd"
	})

	receipt, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "credit"})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if receipt.PaymentIntentID != "pi_order-1" || receipt.PaymentClientSecret != "secret_order-1" {
		t.Fatalf("unexpected payment fields %+v", receipt)
	}
	if len(f.payments.created) != 1 {
		t.Fatalf("expected one intent, got %d", len(f.payments.created))
	}
	req := f.payments.created[0]
	if req.IdempotencyKey != "order:order-1" || req.Currency != "USD" || !req.Amount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("unexpected intent request %+v", req)
	}
	order, _ := f.store.Order("order-1")
	if order.PaymentIntentID != "pi_order-1" {
		t.Fatalf("expected intent recorded on order, got %q", order.PaymentIntentID)
	}
}

func TestCheckoutCreditPaymentFailureCompensates(t *testing.T) {
	f := newCheckoutFixture(t, 1000)
	f.payments.createFn = func(context.Context, PaymentIntentRequest) (PaymentIntent, error) {
		return PaymentIntent{}, errors.New("card network down")
	}
	svc := f.service(t, func(deps *CheckoutServiceDeps) {
		deps.Payments = f.payments
	})

	_, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "credit", PointsToUse: 300})
	if !errors.Is(err, ErrCheckoutPaymentFailed) {
		t.Fatalf("expected payment failed, got %v", err)
	}

	product, _ := f.store.Product("prod-1")
	if product.Quantity != 10 {
		t.Fatalf("expected stock restored to 10, got %d", product.Quantity)
	}
	user, _ := f.store.User("user-1")
	if user.Points != 1000 {
		t.Fatalf("expected points restored to 1000, got %d", user.Points)
	}
	order, ok := f.store.Order("order-1")
	if !ok || order.Status != domain.OrderStatusCancelled || order.CancelledAt == nil {
		t.Fatalf("expected cancelled order, got %+v", order)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("expected no placed event, got %+v", f.events.events)
	}
	if len(f.metrics.cancelled) != 1 || f.metrics.cancelled[0] != "payment_failed" {
		t.Fatalf("expected payment_failed cancellation metric, got %+v", f.metrics.cancelled)
	}
}

func TestCheckoutCompensationFloorsPointsAtZero(t *testing.T) {
	f := newCheckoutFixture(t, 0)
	f.payments.createFn = func(context.Context, PaymentIntentRequest) (PaymentIntent, error) {
		// The buyer spends the freshly earned points before the card is declined.
		user, _ := f.store.User("user-1")
		user.Points = 0
		f.store.PutUser(user)
		return PaymentIntent{}, errors.New("card declined")
	}
	svc := f.service(t, func(deps *CheckoutServiceDeps) {
		deps.Payments = f.payments
	})

	_, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "credit"})
	if !errors.Is(err, ErrCheckoutPaymentFailed) {
		t.Fatalf("expected payment failed, got %v", err)
	}

	user, _ := f.store.User("user-1")
	if user.Points != 0 {
		t.Fatalf("expected balance floored at 0, got %d", user.Points)
	}
	order, ok := f.store.Order("order-1")
	if !ok || order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled order, got %+v", order)
	}
	if product, _ := f.store.Product("prod-1"); product.Quantity != 10 {
		t.Fatalf("expected stock restored to 10, got %d", product.Quantity)
	}

	earned := ComputeTotal(decimal.NewFromInt(200), 0).PointsEarned
	if earned == 0 {
		t.Fatal("expected the order to earn points")
	}
	var shortfall any
	for _, entry := range f.logs {
		if entry.event == "checkout.compensation_points_shortfall" {
			shortfall = entry.fields["shortfall"]
		}
	}
	if shortfall != earned {
		t.Fatalf("expected shortfall %d logged, got %v", earned, shortfall)
	}
}

type racingProductRepository struct {
	repositories.ProductRepository
}

func (r racingProductRepository) AdjustStock(_ context.Context, adjustments []repositories.StockAdjustment, _ time.Time) error {
	for _, adj := range adjustments {
		if adj.Delta < 0 {
			return repositories.NewStockError(repositories.StockErrorInsufficient, adj.ProductID, "insufficient stock", nil)
		}
	}
	return nil
}

func TestCheckoutStockTakenBeforeCommitIsConflict(t *testing.T) {
	f := newCheckoutFixture(t, 500)
	svc := f.service(t, func(deps *CheckoutServiceDeps) {
		deps.Products = racingProductRepository{ProductRepository: f.store.Products()}
	})

	_, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "cash", PointsToUse: 100})
	if !errors.Is(err, ErrCheckoutConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	f.assertUntouched(t, 500)
	if len(f.metrics.failed) != 1 || f.metrics.failed[0] != "conflict" {
		t.Fatalf("expected conflict failure metric, got %+v", f.metrics.failed)
	}
}

func TestCheckoutConcurrentBuyersNeverOversell(t *testing.T) {
	const buyers = 20
	store := memory.NewStore()
	store.PutProduct(domain.Product{
		ID:       "prod-1",
		VendorID: "vendor-1",
		Name:     "Lamp",
		Price:    decimal.NewFromInt(10),
		Quantity: 5,
		Status:   domain.ProductStatusApproved,
	})
	for i := 0; i < buyers; i++ {
		userID := fmt.Sprintf("user-%d", i)
		store.PutUser(domain.User{ID: userID, Role: domain.RoleUser, Version: 1})
		store.PutCart(domain.Cart{ID: "cart-" + userID, UserID: userID, Items: []domain.CartItem{{ProductID: "prod-1", Quantity: 1}}})
	}

	var seq atomic.Int64
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Carts:       store.Carts(),
		Products:    store.Products(),
		Users:       store.Users(),
		Orders:      store.Orders(),
		UnitOfWork:  store,
		Clock:       func() time.Time { return checkoutNow },
		IDGenerator: func() string { return fmt.Sprintf("order-%d", seq.Add(1)) },
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		rejected  atomic.Int64
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: userID, PaymentMethod: "cash"})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrCheckoutCartUnavailable), errors.Is(err, ErrCheckoutConflict):
				rejected.Add(1)
			default:
				t.Errorf("unexpected checkout error for %s: %v", userID, err)
			}
		}(fmt.Sprintf("user-%d", i))
	}
	wg.Wait()

	if succeeded.Load() != 5 || rejected.Load() != buyers-5 {
		t.Fatalf("expected 5 successes and %d rejections, got %d and %d", buyers-5, succeeded.Load(), rejected.Load())
	}
	if product, _ := store.Product("prod-1"); product.Quantity != 0 {
		t.Fatalf("expected stock 0, got %d", product.Quantity)
	}
	if store.OrderCount() != 5 {
		t.Fatalf("expected 5 orders, got %d", store.OrderCount())
	}
}

func TestCheckoutCreditWithoutGateway(t *testing.T) {
	f := newCheckoutFixture(t, 0)
	svc := f.service(t, func(deps *CheckoutServiceDeps) {
		deps.AllowCreditWithoutGateway = false
	})
	_, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "credit"})
	if !errors.Is(err, ErrCheckoutUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	allowed := f.service(t, nil)
	receipt, err := allowed.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "credit"})
	if err != nil {
		t.Fatalf("expected credit accepted without gateway, got %v", err)
	}
	if receipt.PaymentIntentID != "" {
		t.Fatalf("expected no intent, got %q", receipt.PaymentIntentID)
	}
}

func TestCheckoutEventFailureDoesNotFailCheckout(t *testing.T) {
	f := newCheckoutFixture(t, 0)
	f.events.err = errors.New("broker down")
	svc := f.service(t, nil)

	if _, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", PaymentMethod: "cash"}); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	found := false
	for _, entry := range f.logs {
		if entry.event == "checkout.event_publish_failed" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected publish failure to be logged")
	}
}

func TestNewCheckoutServiceRequiresDependencies(t *testing.T) {
	store := memory.NewStore()
	if _, err := NewCheckoutService(CheckoutServiceDeps{}); err == nil {
		t.Fatal("expected error for missing carts")
	}
	if _, err := NewCheckoutService(CheckoutServiceDeps{
		Carts:    store.Carts(),
		Products: store.Products(),
		Users:    store.Users(),
		Orders:   store.Orders(),
	}); err == nil {
		t.Fatal("expected error for missing unit of work")
	}
}
