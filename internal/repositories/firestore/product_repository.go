package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/bazaar-market/api/internal/domain"
	pfirestore "github.com/bazaar-market/api/internal/platform/firestore"
	"github.com/bazaar-market/api/internal/repositories"
)

const productCollection = "products"

// ProductRepository reads catalog products and owns their on-hand quantity.
type ProductRepository struct {
	base     *pfirestore.BaseRepository[productDocument]
	provider *pfirestore.Provider
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		base:     pfirestore.NewBaseRepository[productDocument](provider, productCollection),
		provider: provider,
	}, nil
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID)
}

func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("product repository not initialised")
	}
	docs, err := r.base.GetAll(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	products := make(map[string]domain.Product, len(docs))
	for id, doc := range docs {
		product, err := doc.Data.toDomain(id)
		if err != nil {
			return nil, err
		}
		products[id] = product
	}
	return products, nil
}

// AdjustStock reads every affected product, validates the resulting
// quantities, then writes them. It joins the transaction carried by ctx and
// must run before any write in that transaction.
func (r *ProductRepository) AdjustStock(ctx context.Context, adjustments []repositories.StockAdjustment, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}
	if len(adjustments) == 0 {
		return nil
	}

	deltas := make(map[string]int, len(adjustments))
	skip := make(map[string]bool, len(adjustments))
	for _, adj := range adjustments {
		id := strings.TrimSpace(adj.ProductID)
		if id == "" {
			return repositories.NewStockError(repositories.StockErrorInvalidAdjustment, "", "product id is required", nil)
		}
		deltas[id] += adj.Delta
		if adj.SkipMissing {
			skip[id] = true
		}
	}
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	now = now.UTC()

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refs := make([]*firestore.DocumentRef, 0, len(ids))
		for _, id := range ids {
			ref, err := r.base.DocumentRef(ctx, id)
			if err != nil {
				return err
			}
			refs = append(refs, ref)
		}
		snapshots, err := tx.GetAll(refs)
		if err != nil {
			return err
		}

		type pendingWrite struct {
			ref      *firestore.DocumentRef
			quantity int64
			version  int64
		}
		writes := make([]pendingWrite, 0, len(ids))
		for i, snap := range snapshots {
			id := ids[i]
			if snap == nil || !snap.Exists() {
				if skip[id] {
					continue
				}
				return repositories.NewStockError(repositories.StockErrorProductNotFound, id, fmt.Sprintf("product %s not found", id), nil)
			}
			var doc productDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product %s: %w", id, err)
			}
			next := doc.Quantity + int64(deltas[id])
			if next < 0 {
				return repositories.NewStockError(repositories.StockErrorInsufficient, id, fmt.Sprintf("insufficient stock for %s: have %d, need %d", id, doc.Quantity, -deltas[id]), nil)
			}
			writes = append(writes, pendingWrite{ref: refs[i], quantity: next, version: doc.Version + 1})
		}

		for _, w := range writes {
			if err := tx.Update(w.ref, []firestore.Update{
				{Path: "quantity", Value: w.quantity},
				{Path: "version", Value: w.version},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapStockError("products.adjust_stock", err)
}

type productDocument struct {
	VendorID  string    `firestore:"vendorId"`
	Name      string    `firestore:"name"`
	Price     string    `firestore:"price"`
	Quantity  int64     `firestore:"quantity"`
	Status    string    `firestore:"status"`
	Version   int64     `firestore:"version"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) (domain.Product, error) {
	price, err := parseAmount(d.Price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("product %s: %w", id, err)
	}
	return domain.Product{
		ID:        id,
		VendorID:  d.VendorID,
		Name:      d.Name,
		Price:     price,
		Quantity:  int(d.Quantity),
		Status:    domain.ProductStatus(strings.ToLower(strings.TrimSpace(d.Status))),
		Version:   d.Version,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

func wrapStockError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}
