package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/bazaar-market/api/internal/domain"
	pfirestore "github.com/bazaar-market/api/internal/platform/firestore"
	"github.com/bazaar-market/api/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository persists orders in Firestore. Listings rely on composite
// indexes over (userId|vendorIds, status, placedAt).
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base:     pfirestore.NewBaseRepository[orderDocument](provider, orderCollection),
		provider: provider,
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: order id is required")
	}
	return r.base.Create(ctx, order.ID, newOrderDocument(order))
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID)
}

// UpdateStatus follows the same version rule as UserRepository.SetPoints.
func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(update.OrderID)
	updates := []firestore.Update{
		{Path: "status", Value: string(update.Status)},
		{Path: "version", Value: update.ExpectedVersion + 1},
		{Path: "updatedAt", Value: update.UpdatedAt.UTC()},
	}
	if update.CancelledAt != nil {
		updates = append(updates, firestore.Update{Path: "cancelledAt", Value: update.CancelledAt.UTC()})
	}
	if _, ok := pfirestore.TxFromContext(ctx); ok {
		return r.base.Update(ctx, orderID, updates)
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		current, err := r.base.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if current.Data.Version != update.ExpectedVersion {
			return pfirestore.NewConflictError("orders.update_status", fmt.Sprintf("order %s version %d, expected %d", orderID, current.Data.Version, update.ExpectedVersion))
		}
		return r.base.Update(ctx, orderID, updates)
	})
}

func (r *OrderRepository) SetPaymentIntent(ctx context.Context, orderID string, intentID string) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	return r.base.Update(ctx, strings.TrimSpace(orderID), []firestore.Update{
		{Path: "paymentIntentId", Value: strings.TrimSpace(intentID)},
	})
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.Page[domain.Order]{}, errors.New("order repository not initialised")
	}
	scope := func(q firestore.Query) firestore.Query {
		if id := strings.TrimSpace(filter.UserID); id != "" {
			q = q.Where("userId", "==", id)
		}
		if id := strings.TrimSpace(filter.VendorID); id != "" {
			q = q.Where("vendorIds", "array-contains", id)
		}
		if filter.Status != nil {
			q = q.Where("status", "==", string(*filter.Status))
		}
		return q
	}

	total, err := r.base.Count(ctx, scope)
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = scope(q).OrderBy("placedAt", firestore.Desc)
		if offset := filter.Page.Offset(); offset > 0 {
			q = q.Offset(offset)
		}
		if filter.Page.Limit > 0 {
			q = q.Limit(filter.Page.Limit)
		}
		return q
	})
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}
	items, err := decodeOrders(docs)
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}
	return domain.Page[domain.Order]{
		Items: items,
		Total: total,
		Page:  filter.Page.Page,
		Limit: filter.Page.Limit,
	}, nil
}

// Scan filters cancelled orders client side; Firestore cannot combine an
// inequality on status with the placedAt range.
func (r *OrderRepository) Scan(ctx context.Context, filter repositories.OrderScanFilter) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if id := strings.TrimSpace(filter.VendorID); id != "" {
			q = q.Where("vendorIds", "array-contains", id)
		}
		if filter.PlacedAt.From != nil {
			q = q.Where("placedAt", ">=", filter.PlacedAt.From.UTC())
		}
		if filter.PlacedAt.To != nil {
			q = q.Where("placedAt", "<=", filter.PlacedAt.To.UTC())
		}
		return q.OrderBy("placedAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	orders, err := decodeOrders(docs)
	if err != nil {
		return nil, err
	}
	if !filter.ExcludeCancelled {
		return orders, nil
	}
	kept := orders[:0]
	for _, order := range orders {
		if order.Status != domain.OrderStatusCancelled {
			kept = append(kept, order)
		}
	}
	return kept, nil
}

func (r *OrderRepository) Recent(ctx context.Context, limit int) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	if limit <= 0 {
		return []domain.Order{}, nil
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("placedAt", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	return decodeOrders(docs)
}

func decodeOrders(docs []pfirestore.Document[orderDocument]) ([]domain.Order, error) {
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

type orderDocument struct {
	UserID          string              `firestore:"userId"`
	CartID          string              `firestore:"cartId"`
	Items           []orderItemDocument `firestore:"items"`
	VendorIDs       []string            `firestore:"vendorIds"`
	CartTotal       string              `firestore:"cartTotal"`
	Discount        string              `firestore:"discount"`
	TotalAmount     string              `firestore:"totalAmount"`
	PointsUsed      int64               `firestore:"pointsUsed"`
	PointsEarned    int64               `firestore:"pointsEarned"`
	PaymentMethod   string              `firestore:"paymentMethod"`
	PaymentIntentID string              `firestore:"paymentIntentId,omitempty"`
	Status          string              `firestore:"status"`
	Version         int64               `firestore:"version"`
	PlacedAt        time.Time           `firestore:"placedAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderItemDocument struct {
	ProductID   string `firestore:"productId"`
	VendorID    string `firestore:"vendorId"`
	ProductName string `firestore:"productName"`
	UnitPrice   string `firestore:"unitPrice"`
	Quantity    int64  `firestore:"quantity"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ProductID:   item.ProductID,
			VendorID:    item.VendorID,
			ProductName: item.ProductName,
			UnitPrice:   formatAmount(item.UnitPrice),
			Quantity:    int64(item.Quantity),
		})
	}
	vendorIDs := append([]string{}, order.VendorIDs...)
	doc := orderDocument{
		UserID:          order.UserID,
		CartID:          order.CartID,
		Items:           items,
		VendorIDs:       vendorIDs,
		CartTotal:       formatAmount(order.CartTotal),
		Discount:        formatAmount(order.Discount),
		TotalAmount:     formatAmount(order.TotalAmount),
		PointsUsed:      order.PointsUsed,
		PointsEarned:    order.PointsEarned,
		PaymentMethod:   string(order.PaymentMethod),
		PaymentIntentID: order.PaymentIntentID,
		Status:          string(order.Status),
		Version:         order.Version,
		PlacedAt:        order.PlacedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
	if order.CancelledAt != nil {
		cancelledAt := order.CancelledAt.UTC()
		doc.CancelledAt = &cancelledAt
	}
	return doc
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	items := make([]domain.OrderItem, 0, len(d.Items))
	for _, item := range d.Items {
		price, err := parseAmount(item.UnitPrice)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s item %s: %w", id, item.ProductID, err)
		}
		items = append(items, domain.OrderItem{
			ProductID:   item.ProductID,
			VendorID:    item.VendorID,
			ProductName: item.ProductName,
			UnitPrice:   price,
			Quantity:    int(item.Quantity),
		})
	}
	cartTotal, err := parseAmount(d.CartTotal)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, err)
	}
	discount, err := parseAmount(d.Discount)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, err)
	}
	total, err := parseAmount(d.TotalAmount)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, err)
	}
	return domain.Order{
		ID:              id,
		UserID:          d.UserID,
		CartID:          d.CartID,
		Items:           items,
		VendorIDs:       append([]string(nil), d.VendorIDs...),
		CartTotal:       cartTotal,
		Discount:        discount,
		TotalAmount:     total,
		PointsUsed:      d.PointsUsed,
		PointsEarned:    d.PointsEarned,
		PaymentMethod:   domain.PaymentMethod(d.PaymentMethod),
		PaymentIntentID: d.PaymentIntentID,
		Status:          domain.OrderStatus(d.Status),
		Version:         d.Version,
		PlacedAt:        d.PlacedAt,
		UpdatedAt:       d.UpdatedAt,
		CancelledAt:     d.CancelledAt,
	}, nil
}
