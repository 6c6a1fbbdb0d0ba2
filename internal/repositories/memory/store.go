// Package memory provides an in-process implementation of the repository
// registry. It backs local development and service tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/repositories"
)

type txKey struct{}

// Store keeps every collection in maps guarded by one mutex. RunInTx holds the
// mutex for the whole callback and restores a snapshot when the callback fails,
// so units of work are serialised and all-or-nothing.
type Store struct {
	mu       sync.Mutex
	products map[string]domain.Product
	carts    map[string]domain.Cart
	users    map[string]domain.User
	orders   map[string]domain.Order
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	store := &Store{
		products: make(map[string]domain.Product),
		carts:    make(map[string]domain.Cart),
		users:    make(map[string]domain.User),
		orders:   make(map[string]domain.Order),
	}
	health, _ := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}})
	store.health = health
	return store
}

// Close implements repositories.Registry.
func (s *Store) Close(context.Context) error { return nil }

// Products implements repositories.Registry.
func (s *Store) Products() repositories.ProductRepository { return productRepository{s} }

// Carts implements repositories.Registry.
func (s *Store) Carts() repositories.CartRepository { return cartRepository{s} }

// Users implements repositories.Registry.
func (s *Store) Users() repositories.UserRepository { return userRepository{s} }

// Orders implements repositories.Registry.
func (s *Store) Orders() repositories.OrderRepository { return orderRepository{s} }

// Health implements repositories.Registry.
func (s *Store) Health() repositories.HealthRepository { return s.health }

// RunInTx runs fn with exclusive access to the store. Nested calls join the
// outer unit of work.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// PutProduct seeds or replaces a product.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

// PutUser seeds or replaces a user.
func (s *Store) PutUser(user domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

// PutCart seeds or replaces the cart of cart.UserID.
func (s *Store) PutCart(cart domain.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[cart.UserID] = cloneCart(cart)
}

// DeleteProduct removes a product.
func (s *Store) DeleteProduct(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.products, id)
}

// Product returns a copy of the stored product.
func (s *Store) Product(id string) (domain.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	return p, ok
}

// User returns a copy of the stored user.
func (s *Store) User(id string) (domain.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// Cart returns a copy of the user's stored cart.
func (s *Store) Cart(userID string) (domain.Cart, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[userID]
	return cloneCart(c), ok
}

// Order returns a copy of the stored order.
func (s *Store) Order(id string) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	return cloneOrder(o), ok
}

// OrderCount returns the number of stored orders.
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock acquires the store mutex unless ctx already carries this store's unit of work.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type storeSnapshot struct {
	products map[string]domain.Product
	carts    map[string]domain.Cart
	users    map[string]domain.User
	orders   map[string]domain.Order
}

func (s *Store) snapshot() storeSnapshot {
	snap := storeSnapshot{
		products: make(map[string]domain.Product, len(s.products)),
		carts:    make(map[string]domain.Cart, len(s.carts)),
		users:    make(map[string]domain.User, len(s.users)),
		orders:   make(map[string]domain.Order, len(s.orders)),
	}
	for k, v := range s.products {
		snap.products[k] = v
	}
	for k, v := range s.carts {
		snap.carts[k] = cloneCart(v)
	}
	for k, v := range s.users {
		snap.users[k] = v
	}
	for k, v := range s.orders {
		snap.orders[k] = cloneOrder(v)
	}
	return snap
}

func (s *Store) restore(snap storeSnapshot) {
	s.products = snap.products
	s.carts = snap.carts
	s.users = snap.users
	s.orders = snap.orders
}

type productRepository struct{ s *Store }

func (r productRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	defer r.s.lock(ctx)()
	product, ok := r.s.products[productID]
	if !ok {
		return domain.Product{}, notFound("products.get", fmt.Sprintf("product %s not found", productID))
	}
	return product, nil
}

func (r productRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	defer r.s.lock(ctx)()
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, ok := r.s.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

func (r productRepository) AdjustStock(ctx context.Context, adjustments []repositories.StockAdjustment, now time.Time) error {
	defer r.s.lock(ctx)()

	next := make(map[string]domain.Product, len(adjustments))
	for _, adj := range adjustments {
		product, ok := next[adj.ProductID]
		if !ok {
			product, ok = r.s.products[adj.ProductID]
		}
		if !ok {
			if adj.SkipMissing {
				continue
			}
			return stockError(repositories.StockErrorProductNotFound, adj.ProductID, "product not found")
		}
		product.Quantity += adj.Delta
		if product.Quantity < 0 {
			return stockError(repositories.StockErrorInsufficient, adj.ProductID, fmt.Sprintf("insufficient stock for %s", adj.ProductID))
		}
		next[adj.ProductID] = product
	}
	for id, product := range next {
		product.Version++
		product.UpdatedAt = now
		r.s.products[id] = product
	}
	return nil
}

type cartRepository struct{ s *Store }

func (r cartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	defer r.s.lock(ctx)()
	cart, ok := r.s.carts[userID]
	if !ok {
		return domain.Cart{UserID: userID}, nil
	}
	return cloneCart(cart), nil
}

func (r cartRepository) SaveCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	defer r.s.lock(ctx)()
	if cart.UserID == "" {
		return domain.Cart{}, invalid("carts.save", "user id is required")
	}
	r.s.carts[cart.UserID] = cloneCart(cart)
	return cloneCart(cart), nil
}

func (r cartRepository) ClearCart(ctx context.Context, userID string, now time.Time) error {
	defer r.s.lock(ctx)()
	cart, ok := r.s.carts[userID]
	if !ok {
		return nil
	}
	cart.Items = nil
	cart.UpdatedAt = now
	r.s.carts[userID] = cart
	return nil
}

type userRepository struct{ s *Store }

func (r userRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	defer r.s.lock(ctx)()
	user, ok := r.s.users[userID]
	if !ok {
		return domain.User{}, notFound("users.get", fmt.Sprintf("user %s not found", userID))
	}
	return user, nil
}

func (r userRepository) SetPoints(ctx context.Context, update repositories.PointsUpdate) error {
	defer r.s.lock(ctx)()
	user, ok := r.s.users[update.UserID]
	if !ok {
		return notFound("users.set_points", fmt.Sprintf("user %s not found", update.UserID))
	}
	if user.Version != update.ExpectedVersion {
		return conflict("users.set_points", fmt.Sprintf("user %s version %d, expected %d", user.ID, user.Version, update.ExpectedVersion))
	}
	user.Points = update.Balance
	user.Version++
	user.UpdatedAt = update.UpdatedAt
	r.s.users[user.ID] = user
	return nil
}

func (r userRepository) AddPoints(ctx context.Context, userID string, delta int64, now time.Time) error {
	defer r.s.lock(ctx)()
	user, ok := r.s.users[userID]
	if !ok {
		return notFound("users.add_points", fmt.Sprintf("user %s not found", userID))
	}
	user.Points += delta
	user.Version++
	user.UpdatedAt = now
	r.s.users[userID] = user
	return nil
}

type orderRepository struct{ s *Store }

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	defer r.s.lock(ctx)()
	if order.ID == "" {
		return invalid("orders.insert", "order id is required")
	}
	if _, exists := r.s.orders[order.ID]; exists {
		return conflict("orders.insert", fmt.Sprintf("order %s already exists", order.ID))
	}
	r.s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	defer r.s.lock(ctx)()
	order, ok := r.s.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.get", fmt.Sprintf("order %s not found", orderID))
	}
	return cloneOrder(order), nil
}

func (r orderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) error {
	defer r.s.lock(ctx)()
	order, ok := r.s.orders[update.OrderID]
	if !ok {
		return notFound("orders.update_status", fmt.Sprintf("order %s not found", update.OrderID))
	}
	if order.Version != update.ExpectedVersion {
		return conflict("orders.update_status", fmt.Sprintf("order %s version %d, expected %d", order.ID, order.Version, update.ExpectedVersion))
	}
	order.Status = update.Status
	order.Version++
	order.UpdatedAt = update.UpdatedAt
	if update.CancelledAt != nil {
		cancelledAt := *update.CancelledAt
		order.CancelledAt = &cancelledAt
	}
	r.s.orders[order.ID] = order
	return nil
}

func (r orderRepository) SetPaymentIntent(ctx context.Context, orderID string, intentID string) error {
	defer r.s.lock(ctx)()
	order, ok := r.s.orders[orderID]
	if !ok {
		return notFound("orders.set_payment_intent", fmt.Sprintf("order %s not found", orderID))
	}
	order.PaymentIntentID = intentID
	r.s.orders[orderID] = order
	return nil
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	defer r.s.lock(ctx)()
	matches := make([]domain.Order, 0)
	for _, order := range r.s.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.VendorID != "" && !slices.Contains(order.VendorIDs, filter.VendorID) {
			continue
		}
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		matches = append(matches, order)
	}
	sortNewestFirst(matches)

	page := domain.Page[domain.Order]{Total: len(matches), Page: filter.Page.Page, Limit: filter.Page.Limit}
	start := filter.Page.Offset()
	if start > len(matches) {
		start = len(matches)
	}
	end := len(matches)
	if filter.Page.Limit > 0 && start+filter.Page.Limit < end {
		end = start + filter.Page.Limit
	}
	page.Items = make([]domain.Order, 0, end-start)
	for _, order := range matches[start:end] {
		page.Items = append(page.Items, cloneOrder(order))
	}
	return page, nil
}

func (r orderRepository) Scan(ctx context.Context, filter repositories.OrderScanFilter) ([]domain.Order, error) {
	defer r.s.lock(ctx)()
	out := make([]domain.Order, 0)
	for _, order := range r.s.orders {
		if filter.VendorID != "" && !slices.Contains(order.VendorIDs, filter.VendorID) {
			continue
		}
		if filter.ExcludeCancelled && order.Status == domain.OrderStatusCancelled {
			continue
		}
		if from := filter.PlacedAt.From; from != nil && order.PlacedAt.Before(*from) {
			continue
		}
		if to := filter.PlacedAt.To; to != nil && order.PlacedAt.After(*to) {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PlacedAt.Before(out[j].PlacedAt)
	})
	return out, nil
}

func (r orderRepository) Recent(ctx context.Context, limit int) ([]domain.Order, error) {
	defer r.s.lock(ctx)()
	all := make([]domain.Order, 0, len(r.s.orders))
	for _, order := range r.s.orders {
		all = append(all, order)
	}
	sortNewestFirst(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]domain.Order, 0, len(all))
	for _, order := range all {
		out = append(out, cloneOrder(order))
	}
	return out, nil
}

func sortNewestFirst(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].PlacedAt.Equal(orders[j].PlacedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].PlacedAt.After(orders[j].PlacedAt)
	})
}

func cloneCart(cart domain.Cart) domain.Cart {
	cart.Items = slices.Clone(cart.Items)
	return cart
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	order.VendorIDs = slices.Clone(order.VendorIDs)
	if order.CancelledAt != nil {
		cancelledAt := *order.CancelledAt
		order.CancelledAt = &cancelledAt
	}
	return order
}
