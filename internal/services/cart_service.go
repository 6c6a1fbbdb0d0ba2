package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/repositories"
)

var (
	errCartRepositoryRequired = errors.New("cart service: repository is required")
	errCartProductsRequired   = errors.New("cart service: product repository is required")
)

const maxCartLineQuantity = 1000

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the cart store cannot be reached.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartItemNotFound indicates the product is not in the cart.
var ErrCartItemNotFound = errors.New("cart service: item not found")

// ErrCartProductNotFound indicates the product does not exist.
var ErrCartProductNotFound = errors.New("cart service: product not found")

// ErrCartProductUnavailable indicates the product cannot be bought in the requested quantity.
var ErrCartProductUnavailable = errors.New("cart service: product unavailable")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart service: conflict")

// CartServiceDeps wires the repositories used for cart operations.
type CartServiceDeps struct {
	Repository  repositories.CartRepository
	Products    repositories.ProductRepository
	Clock       func() time.Time
	Logger      func(context.Context, string, map[string]any)
	IDGenerator func() string
}

type cartService struct {
	repo     repositories.CartRepository
	products repositories.ProductRepository
	newID    func() string
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Products == nil {
		return nil, errCartProductsRequired
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
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
	return &cartService{
		repo:     deps.Repository,
		products: deps.Products,
		newID:    idGen,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *cartService) GetCart(ctx context.Context, userID string) (CartView, error) {
	cart, err := s.loadCart(ctx, userID)
	if err != nil {
		return CartView{}, err
	}
	return s.view(ctx, cart)
}

func (s *cartService) AddItem(ctx context.Context, cmd CartItemCommand) (CartView, error) {
	if err := validateCartItemCommand(cmd); err != nil {
		return CartView{}, err
	}
	cart, err := s.loadCart(ctx, cmd.UserID)
	if err != nil {
		return CartView{}, err
	}

	productID := strings.TrimSpace(cmd.ProductID)
	requested := cmd.Quantity
	idx := indexOfCartItem(cart.Items, productID)
	if idx >= 0 {
		requested += cart.Items[idx].Quantity
	}
	if err := s.checkProduct(ctx, productID, requested); err != nil {
		return CartView{}, err
	}

	now := s.now()
	if idx >= 0 {
		cart.Items[idx].Quantity = requested
	} else {
		cart.Items = append(cart.Items, domain.CartItem{ProductID: productID, Quantity: cmd.Quantity, AddedAt: now})
	}
	s.logger(ctx, "cart.item_added", map[string]any{
		"userId":    cart.UserID,
		"productId": productID,
		"quantity":  requested,
	})
	return s.save(ctx, cart, now)
}

func (s *cartService) UpdateItem(ctx context.Context, cmd CartItemCommand) (CartView, error) {
	if err := validateCartItemCommand(cmd); err != nil {
		return CartView{}, err
	}
	cart, err := s.loadCart(ctx, cmd.UserID)
	if err != nil {
		return CartView{}, err
	}
	productID := strings.TrimSpace(cmd.ProductID)
	idx := indexOfCartItem(cart.Items, productID)
	if idx < 0 {
		return CartView{}, ErrCartItemNotFound
	}
	if err := s.checkProduct(ctx, productID, cmd.Quantity); err != nil {
		return CartView{}, err
	}
	cart.Items[idx].Quantity = cmd.Quantity
	return s.save(ctx, cart, s.now())
}

func (s *cartService) RemoveItem(ctx context.Context, userID string, productID string) (CartView, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return CartView{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	cart, err := s.loadCart(ctx, userID)
	if err != nil {
		return CartView{}, err
	}
	idx := indexOfCartItem(cart.Items, productID)
	if idx < 0 {
		return CartView{}, ErrCartItemNotFound
	}
	cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
	return s.save(ctx, cart, s.now())
}

func (s *cartService) Clear(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if err := s.repo.ClearCart(ctx, userID, s.now()); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

func (s *cartService) loadCart(ctx context.Context, userID string) (domain.Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	cart, err := s.repo.GetCart(ctx, userID)
	if err != nil {
		return domain.Cart{}, s.translateRepoError(err)
	}
	if cart.UserID == "" {
		cart.UserID = userID
	}
	if cart.ID == "" {
		cart.ID = s.newID()
		cart.CreatedAt = s.now()
	}
	return cart, nil
}

func (s *cartService) save(ctx context.Context, cart domain.Cart, now time.Time) (CartView, error) {
	cart.UpdatedAt = now
	saved, err := s.repo.SaveCart(ctx, cart)
	if err != nil {
		return CartView{}, s.translateRepoError(err)
	}
	return s.view(ctx, saved)
}

func (s *cartService) checkProduct(ctx context.Context, productID string, quantity int) error {
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return ErrCartProductNotFound
		}
		return s.translateRepoError(err)
	}
	if product.Status != domain.ProductStatusApproved {
		return fmt.Errorf("%w: product is not available for purchase", ErrCartProductUnavailable)
	}
	if product.Quantity < quantity {
		return fmt.Errorf("%w: only %d items available in stock", ErrCartProductUnavailable, product.Quantity)
	}
	return nil
}

// view prices the cart against the current catalog. Lines whose product was
// deleted are omitted.
func (s *cartService) view(ctx context.Context, cart domain.Cart) (CartView, error) {
	ids := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		ids = append(ids, item.ProductID)
	}
	products := map[string]domain.Product{}
	if len(ids) > 0 {
		found, err := s.products.FindByIDs(ctx, ids)
		if err != nil {
			return CartView{}, s.translateRepoError(err)
		}
		products = found
	}

	view := CartView{Cart: cart, Lines: make([]CartLineView, 0, len(cart.Items)), Total: decimal.Zero}
	for _, item := range cart.Items {
		product, ok := products[item.ProductID]
		if !ok {
			continue
		}
		subtotal := product.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		view.Lines = append(view.Lines, CartLineView{
			ProductID:   product.ID,
			ProductName: product.Name,
			UnitPrice:   product.Price,
			Quantity:    item.Quantity,
			Subtotal:    subtotal,
			Available:   product.Status == domain.ProductStatusApproved && product.Quantity >= item.Quantity,
		})
		view.Total = view.Total.Add(subtotal)
	}
	view.ItemCount = len(view.Lines)
	return view, nil
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		}
	}
	return err
}

func validateCartItemCommand(cmd CartItemCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if strings.TrimSpace(cmd.ProductID) == "" {
		return fmt.Errorf("%w: product_id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrCartInvalidInput)
	}
	if cmd.Quantity > maxCartLineQuantity {
		return fmt.Errorf("%w: quantity must be at most %d", ErrCartInvalidInput, maxCartLineQuantity)
	}
	return nil
}

func indexOfCartItem(items []domain.CartItem, productID string) int {
	for i, item := range items {
		if item.ProductID == productID {
			return i
		}
	}
	return -1
}
