package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/repositories"
)

const (
	checkoutStageValidating = "validating"
	checkoutStageReserving  = "reserving"
	checkoutStagePersisting = "persisting"
	checkoutStagePayment    = "payment"

	maxOrderItemNameLength  = 200
	defaultCheckoutCurrency = "EGP"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutEmptyCart indicates the user has no cart or the cart has no items.
	ErrCheckoutEmptyCart = errors.New("checkout: cart is empty")
	// ErrCheckoutCartUnavailable indicates one or more cart lines cannot be fulfilled.
	ErrCheckoutCartUnavailable = errors.New("checkout: some items in your cart are unavailable")
	// ErrCheckoutUserNotFound indicates the purchasing user does not exist.
	ErrCheckoutUserNotFound = errors.New("checkout: user not found")
	// ErrCheckoutConflict indicates a concurrent modification prevented completing checkout.
	ErrCheckoutConflict = errors.New("checkout: conflict")
	// ErrCheckoutPaymentFailed indicates the payment intent could not be created.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts      repositories.CartRepository
	Products   repositories.ProductRepository
	Users      repositories.UserRepository
	Orders     repositories.OrderRepository
	UnitOfWork repositories.UnitOfWork
	// Payments is optional. Without it credit orders are accepted only when
	// AllowCreditWithoutGateway is set.
	Payments                  PaymentGateway
	AllowCreditWithoutGateway bool
	Currency                  string
	Events                    OrderEventPublisher
	Metrics                   OrderMetrics
	Sanitizer                 *bluemonday.Policy
	Clock                     func() time.Time
	IDGenerator               func() string
	Logger                    func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	carts       repositories.CartRepository
	users       repositories.UserRepository
	orders      repositories.OrderRepository
	uow         repositories.UnitOfWork
	stock       *StockReservation
	payments    PaymentGateway
	allowCredit bool
	currency    string
	events      OrderEventPublisher
	metrics     OrderMetrics
	sanitizer   *bluemonday.Policy
	now         func() time.Time
	newID       func() string
	logger      func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("checkout service: product repository is required")
	}
	if deps.Users == nil {
		return nil, errors.New("checkout service: user repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("checkout service: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	now := func() time.Time {
		return clock().UTC()
	}
	stock, err := NewStockReservation(deps.Products, now)
	if err != nil {
		return nil, err
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = bluemonday.StrictPolicy()
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCheckoutCurrency
	}

	return &checkoutService{
		carts:       deps.Carts,
		users:       deps.Users,
		orders:      deps.Orders,
		uow:         deps.UnitOfWork,
		stock:       stock,
		payments:    deps.Payments,
		allowCredit: deps.AllowCreditWithoutGateway,
		currency:    currency,
		events:      deps.Events,
		metrics:     deps.Metrics,
		sanitizer:   sanitizer,
		now:         now,
		newID:       idGen,
		logger:      logger,
	}, nil
}

// Checkout validates the cart, reserves stock, applies the points discount and
// persists the order in a single unit of work. Credit orders then authorise a
// payment intent; a failed authorisation reverses the order.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutReceipt, error) {
	stage := checkoutStageValidating

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutReceipt{}, s.fail(ctx, stage, cmd, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput))
	}
	method, ok := domain.ParsePaymentMethod(cmd.PaymentMethod)
	if !ok {
		return CheckoutReceipt{}, s.fail(ctx, stage, cmd, fmt.Errorf("%w: payment method must be cash or credit", ErrCheckoutInvalidInput))
	}
	if cmd.PointsToUse < 0 {
		return CheckoutReceipt{}, s.fail(ctx, stage, cmd, ErrPointsNegative)
	}
	if method == domain.PaymentMethodCredit && s.payments == nil && !s.allowCredit {
		return CheckoutReceipt{}, s.fail(ctx, stage, cmd, fmt.Errorf("%w: credit payments are not configured", ErrCheckoutUnavailable))
	}

	var (
		order   domain.Order
		balance int64
	)
	err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		stage = checkoutStageValidating
		cart, err := s.carts.GetCart(txCtx, userID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if cart.IsEmpty() {
			return ErrCheckoutEmptyCart
		}

		stage = checkoutStageReserving
		lines := domain.StockLinesFromCart(cart.Items)
		snapshot, err := s.stock.ReserveAll(txCtx, lines)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		total := CartSubtotal(cart.Items, snapshot.Products)

		user, err := s.users.FindByID(txCtx, userID)
		if err != nil {
			if isRepoNotFound(err) {
				return ErrCheckoutUserNotFound
			}
			return s.mapRepositoryError(err)
		}
		if err := ValidateSpend(cmd.PointsToUse, user.Points, total); err != nil {
			return err
		}
		calc := ComputeTotal(total, cmd.PointsToUse)

		stage = checkoutStagePersisting
		if err := s.stock.Commit(txCtx, lines); err != nil {
			return s.mapRepositoryError(err)
		}

		now := s.now()
		newBalance := user.Points - calc.PointsUsed + calc.PointsEarned
		if err := s.users.SetPoints(txCtx, repositories.PointsUpdate{
			UserID:          user.ID,
			Balance:         newBalance,
			ExpectedVersion: user.Version,
			UpdatedAt:       now,
		}); err != nil {
			return s.mapRepositoryError(err)
		}

		order = s.buildOrder(userID, cart, snapshot.Products, calc, method, now)
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.carts.ClearCart(txCtx, userID, now); err != nil {
			return s.mapRepositoryError(err)
		}
		balance = newBalance
		return nil
	})
	if err != nil {
		return CheckoutReceipt{}, s.fail(ctx, stage, cmd, err)
	}

	receipt := CheckoutReceipt{
		OrderID:          order.ID,
		TotalAmount:      order.TotalAmount,
		CartTotal:        order.CartTotal,
		PointsUsed:       order.PointsUsed,
		Discount:         order.Discount,
		PointsEarned:     order.PointsEarned,
		NewPointsBalance: balance,
		Status:           order.Status,
		PaymentMethod:    order.PaymentMethod,
		PlacedAt:         order.PlacedAt,
	}

	if method == domain.PaymentMethodCredit && s.payments != nil && order.TotalAmount.IsPositive() {
		intent, err := s.payments.CreateIntent(ctx, PaymentIntentRequest{
			OrderID:        order.ID,
			UserID:         order.UserID,
			Amount:         order.TotalAmount,
			Currency:       s.currency,
			IdempotencyKey: "order:" + order.ID,
		})
		if err != nil {
			s.compensate(ctx, order)
			return CheckoutReceipt{}, s.fail(ctx, checkoutStagePayment, cmd, fmt.Errorf("%w: %v", ErrCheckoutPaymentFailed, err))
		}
		if err := s.orders.SetPaymentIntent(ctx, order.ID, intent.ID); err != nil {
			s.logger(ctx, "checkout.payment_intent_record_failed", map[string]any{
				"orderId":  order.ID,
				"intentId": intent.ID,
				"error":    err.Error(),
			})
		}
		receipt.PaymentIntentID = intent.ID
		receipt.PaymentClientSecret = intent.ClientSecret
	}

	if s.metrics != nil {
		s.metrics.CheckoutCompleted(method)
	}
	s.publish(ctx, OrderEvent{
		Type:         OrderEventPlaced,
		OrderID:      order.ID,
		UserID:       order.UserID,
		VendorIDs:    order.VendorIDs,
		Status:       order.Status,
		TotalAmount:  order.TotalAmount,
		PointsUsed:   order.PointsUsed,
		PointsEarned: order.PointsEarned,
		OccurredAt:   order.PlacedAt,
	})
	s.logger(ctx, "checkout.completed", map[string]any{
		"orderId":       order.ID,
		"userId":        order.UserID,
		"totalAmount":   order.TotalAmount.String(),
		"pointsUsed":    order.PointsUsed,
		"pointsEarned":  order.PointsEarned,
		"paymentMethod": string(order.PaymentMethod),
	})
	return receipt, nil
}

// compensate reverses a committed checkout whose payment could not be
// authorised: stock is restored, the points delta undone and the order cancelled.
// Earned points spent while the intent was pending cannot be clawed back, so
// the balance is floored at zero and the shortfall logged.
func (s *checkoutService) compensate(ctx context.Context, order domain.Order) {
	var shortfall int64
	err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		shortfall = 0
		current, err := s.orders.FindByID(txCtx, order.ID)
		if err != nil {
			return err
		}
		if current.Status == domain.OrderStatusCancelled {
			return nil
		}
		// Reads precede writes; Firestore transactions reject the reverse.
		user, err := s.users.FindByID(txCtx, current.UserID)
		if err != nil {
			return err
		}
		if err := s.stock.Restore(txCtx, domain.StockLinesFromOrder(current.Items)); err != nil {
			return err
		}
		now := s.now()
		if delta := current.PointsUsed - current.PointsEarned; delta != 0 {
			balance := user.Points + delta
			if balance < 0 {
				shortfall = -balance
				balance = 0
			}
			if err := s.users.SetPoints(txCtx, repositories.PointsUpdate{
				UserID:          user.ID,
				Balance:         balance,
				ExpectedVersion: user.Version,
				UpdatedAt:       now,
			}); err != nil {
				return err
			}
		}
		return s.orders.UpdateStatus(txCtx, repositories.OrderStatusUpdate{
			OrderID:         current.ID,
			Status:          domain.OrderStatusCancelled,
			ExpectedVersion: current.Version,
			UpdatedAt:       now,
			CancelledAt:     &now,
		})
	})
	if err != nil {
		s.logger(ctx, "checkout.compensation_failed", map[string]any{
			"orderId": order.ID,
			"userId":  order.UserID,
			"error":   err.Error(),
		})
		return
	}
	if shortfall > 0 {
		s.logger(ctx, "checkout.compensation_points_shortfall", map[string]any{
			"orderId":   order.ID,
			"userId":    order.UserID,
			"shortfall": shortfall,
		})
	}
	if s.metrics != nil {
		s.metrics.OrderCancelled("payment_failed")
	}
}

func (s *checkoutService) buildOrder(userID string, cart domain.Cart, products map[string]domain.Product, calc OrderCalculation, method domain.PaymentMethod, now time.Time) domain.Order {
	items := make([]domain.OrderItem, 0, len(cart.Items))
	vendors := make(map[string]struct{})
	for _, line := range cart.Items {
		product := products[line.ProductID]
		items = append(items, domain.OrderItem{
			ProductID:   product.ID,
			VendorID:    product.VendorID,
			ProductName: s.sanitizeName(product.Name),
			UnitPrice:   product.Price,
			Quantity:    line.Quantity,
		})
		if product.VendorID != "" {
			vendors[product.VendorID] = struct{}{}
		}
	}
	vendorIDs := make([]string, 0, len(vendors))
	for id := range vendors {
		vendorIDs = append(vendorIDs, id)
	}
	sort.Strings(vendorIDs)

	return domain.Order{
		ID:            s.newID(),
		UserID:        userID,
		CartID:        cart.ID,
		Items:         items,
		VendorIDs:     vendorIDs,
		CartTotal:     calc.CartTotal,
		Discount:      calc.Discount,
		TotalAmount:   calc.FinalAmount,
		PointsUsed:    calc.PointsUsed,
		PointsEarned:  calc.PointsEarned,
		PaymentMethod: method,
		Status:        domain.OrderStatusPending,
		Version:       1,
		PlacedAt:      now,
		UpdatedAt:     now,
	}
}

func (s *checkoutService) sanitizeName(name string) string {
	clean := strings.TrimSpace(s.sanitizer.Sanitize(name))
	if runes := []rune(clean); len(runes) > maxOrderItemNameLength {
		clean = string(runes[:maxOrderItemNameLength])
	}
	return clean
}

func (s *checkoutService) publish(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "checkout.event_publish_failed", map[string]any{
			"orderId": event.OrderID,
			"event":   string(event.Type),
			"error":   err.Error(),
		})
	}
}

func (s *checkoutService) fail(ctx context.Context, stage string, cmd CheckoutCommand, err error) error {
	reason := checkoutFailureReason(err)
	if s.metrics != nil {
		s.metrics.CheckoutFailed(reason)
	}
	s.logger(ctx, "checkout.failed", map[string]any{
		"stage":         stage,
		"reason":        reason,
		"userId":        cmd.UserID,
		"paymentMethod": cmd.PaymentMethod,
		"pointsToUse":   cmd.PointsToUse,
		"error":         err.Error(),
	})
	return err
}

func (s *checkoutService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var unavailable *CartUnavailableError
	if errors.As(err, &unavailable) {
		return err
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficient:
			return fmt.Errorf("%w: stock changed during checkout for %s", ErrCheckoutConflict, stockErr.ProductID)
		case repositories.StockErrorProductNotFound:
			return &CartUnavailableError{Issues: []StockIssue{{Kind: StockIssueProductGone, ProductID: stockErr.ProductID}}}
		}
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCheckoutConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
	}
	return err
}

func checkoutFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrCheckoutInvalidInput), errors.Is(err, ErrPointsNegative):
		return "invalid_input"
	case errors.Is(err, ErrCheckoutEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrCheckoutCartUnavailable):
		return "cart_unavailable"
	case errors.Is(err, ErrPointsInsufficientBalance), errors.Is(err, ErrPointsExceedCartValue):
		return "points_rejected"
	case errors.Is(err, ErrCheckoutConflict):
		return "conflict"
	case errors.Is(err, ErrCheckoutPaymentFailed):
		return "payment_failed"
	case errors.Is(err, ErrCheckoutUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrCheckoutUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

