package memory

import (
	"github.com/bazaar-market/api/internal/repositories"
)

type errorKind int

const (
	kindNotFound errorKind = iota + 1
	kindConflict
	kindInvalid
)

// Error is the repositories.RepositoryError returned by the memory store.
type Error struct {
	Op      string
	Message string
	kind    errorKind
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Op + ": " + e.Message
}

// IsNotFound implements repositories.RepositoryError.
func (e *Error) IsNotFound() bool { return e != nil && e.kind == kindNotFound }

// IsConflict implements repositories.RepositoryError.
func (e *Error) IsConflict() bool { return e != nil && e.kind == kindConflict }

// IsUnavailable implements repositories.RepositoryError.
func (e *Error) IsUnavailable() bool { return false }

var _ repositories.RepositoryError = (*Error)(nil)

func notFound(op, message string) error {
	return &Error{Op: op, Message: message, kind: kindNotFound}
}

func conflict(op, message string) error {
	return &Error{Op: op, Message: message, kind: kindConflict}
}

func invalid(op, message string) error {
	return &Error{Op: op, Message: message, kind: kindInvalid}
}

func stockError(code repositories.StockErrorCode, productID, message string) error {
	err := repositories.NewStockError(code, productID, message, nil)
	err.Op = "products.adjust_stock"
	return err
}
