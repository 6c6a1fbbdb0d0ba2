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

const userCollection = "users"

// UserRepository owns the loyalty points of users stored in Firestore.
type UserRepository struct {
	base     *pfirestore.BaseRepository[userDocument]
	provider *pfirestore.Provider
}

var _ repositories.UserRepository = (*UserRepository)(nil)

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	return &UserRepository{
		base:     pfirestore.NewBaseRepository[userDocument](provider, userCollection),
		provider: provider,
	}, nil
}

func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	if r == nil || r.base == nil {
		return domain.User{}, errors.New("user repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(userID))
	if err != nil {
		return domain.User{}, err
	}
	user := doc.Data.toDomain(doc.ID)
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = doc.UpdateTime
	}
	return user, nil
}

// SetPoints writes the new balance. Inside a transaction the caller has already
// read the user, so the write relies on Firestore rejecting the commit if the
// document changed since. Outside a transaction the version is checked in a
// transaction of its own.
func (r *UserRepository) SetPoints(ctx context.Context, update repositories.PointsUpdate) error {
	if r == nil || r.provider == nil {
		return errors.New("user repository not initialised")
	}
	userID := strings.TrimSpace(update.UserID)
	updates := []firestore.Update{
		{Path: "points", Value: update.Balance},
		{Path: "version", Value: update.ExpectedVersion + 1},
		{Path: "updatedAt", Value: update.UpdatedAt.UTC()},
	}
	if _, ok := pfirestore.TxFromContext(ctx); ok {
		return r.base.Update(ctx, userID, updates)
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		current, err := r.base.Get(ctx, userID)
		if err != nil {
			return err
		}
		if current.Data.Version != update.ExpectedVersion {
			return pfirestore.NewConflictError("users.set_points", fmt.Sprintf("user %s version %d, expected %d", userID, current.Data.Version, update.ExpectedVersion))
		}
		return r.base.Update(ctx, userID, updates)
	})
}

// AddPoints increments the balance atomically without a prior read.
func (r *UserRepository) AddPoints(ctx context.Context, userID string, delta int64, now time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("user repository not initialised")
	}
	return r.base.Update(ctx, strings.TrimSpace(userID), []firestore.Update{
		{Path: "points", Value: firestore.Increment(delta)},
		{Path: "version", Value: firestore.Increment(1)},
		{Path: "updatedAt", Value: now.UTC()},
	})
}

type userDocument struct {
	Name      string    `firestore:"name"`
	Email     string    `firestore:"email"`
	Role      string    `firestore:"role"`
	Points    int64     `firestore:"points"`
	Version   int64     `firestore:"version"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d userDocument) toDomain(id string) domain.User {
	role, ok := domain.ParseRole(d.Role)
	if !ok {
		role = domain.RoleUser
	}
	return domain.User{
		ID:        id,
		Name:      d.Name,
		Email:     d.Email,
		Role:      role,
		Points:    d.Points,
		Version:   d.Version,
		UpdatedAt: d.UpdatedAt,
	}
}
