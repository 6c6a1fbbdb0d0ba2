package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/repositories"
)

const (
	defaultUserOrderLimit  = 10
	defaultStaffOrderLimit = 20
	maxOrderListLimit      = 100
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the actor may not access the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store is unreachable.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
}

// orderListPolicy scopes order listings for one role.
type orderListPolicy struct {
	defaultLimit int
	scope        func(actor Actor, filter OrderListFilter) repositories.OrderListFilter
}

var orderListPolicies = map[domain.Role]orderListPolicy{
	domain.RoleUser: {
		defaultLimit: defaultUserOrderLimit,
		scope: func(actor Actor, _ OrderListFilter) repositories.OrderListFilter {
			return repositories.OrderListFilter{UserID: actor.ID}
		},
	},
	domain.RoleVendor: {
		defaultLimit: defaultStaffOrderLimit,
		scope: func(actor Actor, _ OrderListFilter) repositories.OrderListFilter {
			return repositories.OrderListFilter{VendorID: actor.ID}
		},
	},
	domain.RoleAdmin: {
		defaultLimit: defaultStaffOrderLimit,
		scope: func(_ Actor, filter OrderListFilter) repositories.OrderListFilter {
			return repositories.OrderListFilter{UserID: strings.TrimSpace(filter.UserID)}
		},
	},
}

// orderReadPolicies decide whether an actor may see an order.
var orderReadPolicies = map[domain.Role]func(actor Actor, order Order) bool{
	domain.RoleUser:   func(actor Actor, order Order) bool { return order.UserID == actor.ID },
	domain.RoleVendor: func(actor Actor, order Order) bool { return order.HasVendor(actor.ID) },
	domain.RoleAdmin:  func(Actor, Order) bool { return true },
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders     repositories.OrderRepository
	Products   repositories.ProductRepository
	Users      repositories.UserRepository
	UnitOfWork repositories.UnitOfWork
	Payments   PaymentGateway
	Events     OrderEventPublisher
	Metrics    OrderMetrics
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	users      repositories.UserRepository
	stock      *StockReservation
	unitOfWork repositories.UnitOfWork
	payments   PaymentGateway
	events     OrderEventPublisher
	metrics    OrderMetrics
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Users == nil {
		return nil, errors.New("order service: user repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time {
		return clock().UTC()
	}
	stock, err := NewStockReservation(deps.Products, utc)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		users:      deps.Users,
		stock:      stock,
		unitOfWork: unit,
		payments:   deps.Payments,
		events:     deps.Events,
		metrics:    deps.Metrics,
		clock:      utc,
		logger:     logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, actor Actor) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	allowed, ok := orderReadPolicies[actor.Role]
	if !ok || strings.TrimSpace(actor.ID) == "" {
		return Order{}, ErrOrderForbidden
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !allowed(actor, order) {
		return Order{}, ErrOrderForbidden
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, actor Actor, filter OrderListFilter) (domain.Page[Order], error) {
	policy, ok := orderListPolicies[actor.Role]
	if !ok {
		return domain.Page[Order]{}, ErrOrderForbidden
	}
	if strings.TrimSpace(actor.ID) == "" {
		return domain.Page[Order]{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}

	var status *domain.OrderStatus
	if raw := strings.TrimSpace(filter.Status); raw != "" {
		parsed, ok := domain.ParseOrderStatus(raw)
		if !ok {
			return domain.Page[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, raw)
		}
		status = &parsed
	}
	if filter.Page < 0 || filter.Limit < 0 {
		return domain.Page[Order]{}, fmt.Errorf("%w: page and limit must be positive", ErrOrderInvalidInput)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit == 0 {
		limit = policy.defaultLimit
	}
	if limit > maxOrderListLimit {
		limit = maxOrderListLimit
	}

	query := policy.scope(actor, filter)
	query.Status = status
	query.Page = domain.OffsetPagination{Page: page, Limit: limit}

	result, err := s.orders.List(ctx, query)
	if err != nil {
		return domain.Page[Order]{}, s.mapRepositoryError(err)
	}
	result.Page = page
	result.Limit = limit
	if result.Items == nil {
		result.Items = []Order{}
	}
	return result, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target, ok := domain.ParseOrderStatus(cmd.Status)
	if !ok {
		return Order{}, fmt.Errorf("%w: invalid status", ErrOrderInvalidInput)
	}
	if cmd.Actor.Role != domain.RoleAdmin && cmd.Actor.Role != domain.RoleVendor {
		return Order{}, ErrOrderForbidden
	}

	var (
		updated  Order
		previous domain.OrderStatus
		refunded int64
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if cmd.Actor.Role == domain.RoleVendor && !order.HasVendor(cmd.Actor.ID) {
			return ErrOrderForbidden
		}
		if !canTransition(order.Status, target) {
			return fmt.Errorf("%w: cannot change status from %s to %s", ErrOrderInvalidState, order.Status, target)
		}
		previous = order.Status

		if target == domain.OrderStatusCancelled {
			updated, refunded, err = s.cancelInTx(txCtx, order)
			return err
		}

		now := s.clock()
		if err := s.orders.UpdateStatus(txCtx, repositories.OrderStatusUpdate{
			OrderID:         order.ID,
			Status:          target,
			ExpectedVersion: order.Version,
			UpdatedAt:       now,
		}); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = applyOrderStatus(order, target, now)
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           OrderEventStatusChanged,
		OrderID:        updated.ID,
		UserID:         updated.UserID,
		VendorIDs:      updated.VendorIDs,
		Status:         updated.Status,
		PreviousStatus: previous,
		TotalAmount:    updated.TotalAmount,
		OccurredAt:     updated.UpdatedAt,
	})
	if target == domain.OrderStatusCancelled {
		s.afterCancel(ctx, updated, previous, refunded, "status_update")
	}
	s.logger(ctx, "order.status_updated", map[string]any{
		"orderId":  updated.ID,
		"from":     string(previous),
		"to":       string(updated.Status),
		"actorId":  cmd.Actor.ID,
		"role":     string(cmd.Actor.Role),
		"refunded": refunded,
	})
	return updated, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelCommand) (CancelReceipt, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	userID := strings.TrimSpace(cmd.UserID)
	if orderID == "" || userID == "" {
		return CancelReceipt{}, fmt.Errorf("%w: order id and user id are required", ErrOrderInvalidInput)
	}

	var (
		cancelled Order
		refunded  int64
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.UserID != userID {
			return ErrOrderForbidden
		}
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: only pending orders can be cancelled", ErrOrderInvalidState)
		}
		cancelled, refunded, err = s.cancelInTx(txCtx, order)
		return err
	})
	if err != nil {
		s.logger(ctx, "order.cancel_failed", map[string]any{
			"orderId": orderID,
			"userId":  userID,
			"error":   err.Error(),
		})
		return CancelReceipt{}, err
	}

	s.afterCancel(ctx, cancelled, domain.OrderStatusPending, refunded, "user_request")
	return CancelReceipt{
		OrderID:        cancelled.ID,
		Status:         cancelled.Status,
		RefundedAmount: cancelled.TotalAmount,
		RefundedPoints: refunded,
	}, nil
}

// cancelInTx restores stock, refunds points and marks the order cancelled. The
// refund is the points a fresh purchase of the order total would earn.
func (s *orderService) cancelInTx(ctx context.Context, order Order) (Order, int64, error) {
	if err := s.stock.Restore(ctx, domain.StockLinesFromOrder(order.Items)); err != nil {
		return Order{}, 0, s.mapRepositoryError(err)
	}

	now := s.clock()
	refund := ComputeTotal(order.TotalAmount, 0).PointsEarned
	if refund > 0 {
		if err := s.users.AddPoints(ctx, order.UserID, refund, now); err != nil {
			return Order{}, 0, s.mapRepositoryError(err)
		}
	}

	if err := s.orders.UpdateStatus(ctx, repositories.OrderStatusUpdate{
		OrderID:         order.ID,
		Status:          domain.OrderStatusCancelled,
		ExpectedVersion: order.Version,
		UpdatedAt:       now,
		CancelledAt:     &now,
	}); err != nil {
		return Order{}, 0, s.mapRepositoryError(err)
	}
	return applyOrderStatus(order, domain.OrderStatusCancelled, now), refund, nil
}

func (s *orderService) afterCancel(ctx context.Context, order Order, previous domain.OrderStatus, refunded int64, reason string) {
	if s.metrics != nil {
		s.metrics.OrderCancelled(reason)
	}
	if order.PaymentIntentID != "" && s.payments != nil {
		if err := s.payments.CancelIntent(ctx, order.PaymentIntentID); err != nil {
			s.logger(ctx, "order.payment_cancel_failed", map[string]any{
				"orderId":  order.ID,
				"intentId": order.PaymentIntentID,
				"error":    err.Error(),
			})
		}
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           OrderEventCancelled,
		OrderID:        order.ID,
		UserID:         order.UserID,
		VendorIDs:      order.VendorIDs,
		Status:         order.Status,
		PreviousStatus: previous,
		TotalAmount:    order.TotalAmount,
		PointsEarned:   refunded,
		OccurredAt:     order.UpdatedAt,
	})
	s.logger(ctx, "order.cancelled", map[string]any{
		"orderId":        order.ID,
		"userId":         order.UserID,
		"refundedPoints": refunded,
		"refundedAmount": order.TotalAmount.String(),
		"reason":         reason,
	})
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrOrderForbidden) || errors.Is(err, ErrOrderInvalidState) || errors.Is(err, ErrOrderInvalidInput) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"orderId": event.OrderID,
			"event":   string(event.Type),
			"error":   err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func applyOrderStatus(order Order, status domain.OrderStatus, now time.Time) Order {
	order.Status = status
	order.Version++
	order.UpdatedAt = now
	if status == domain.OrderStatusCancelled {
		cancelledAt := now
		order.CancelledAt = &cancelledAt
	}
	return order
}

func canTransition(current, target domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

// vendorLineTotal sums the lines of order that belong to vendorID.
func vendorLineTotal(order Order, vendorID string) (decimal.Decimal, int) {
	total := decimal.Zero
	units := 0
	for _, item := range order.Items {
		if item.VendorID != vendorID {
			continue
		}
		total = total.Add(item.Subtotal())
		units += item.Quantity
	}
	return total, units
}
