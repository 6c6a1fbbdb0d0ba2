package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/platform/auth"
	"github.com/bazaar-market/api/internal/platform/httpx"
	"github.com/bazaar-market/api/internal/services"
)

const defaultMaxBodySize = 16 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

// decodeJSONBody reads at most limit bytes and decodes them into dst. Unknown
// fields are rejected so typos in field names surface as 400s.
func decodeJSONBody(r *http.Request, limit int64, dst any) error {
	if r == nil || r.Body == nil {
		return errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > limit {
		return errBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errEmptyBody
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("request body must be valid JSON: %w", err)
	}
	return nil
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError(http.StatusRequestEntityTooLarge, "Request body exceeds allowed size"))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError(http.StatusBadRequest, "Request body is required"))
	default:
		httpx.WriteError(ctx, w, httpx.NewError(http.StatusBadRequest, "Request body must be valid JSON"))
	}
}

// currentActor returns the authenticated caller. Routes are mounted behind
// RequireAuth, so a missing identity only happens when auth is disabled.
func currentActor(ctx context.Context, w http.ResponseWriter) (domain.Actor, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError(http.StatusUnauthorized, "Authentication required"))
		return domain.Actor{}, false
	}
	return identity.Actor(), true
}

// writeServiceError maps service sentinels onto the response envelope. Unknown
// errors become a generic 500 without internal detail.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var unavailable *services.CartUnavailableError
	if errors.As(err, &unavailable) {
		herr := httpx.NewError(http.StatusConflict, "Some items in your cart are unavailable")
		for _, issue := range unavailable.Issues {
			herr = herr.WithField(issue.ProductID, issue.Message())
		}
		httpx.WriteError(ctx, w, herr)
		return
	}

	type mapping struct {
		sentinel error
		status   int
		fallback string
	}
	table := []mapping{
		{services.ErrCheckoutEmptyCart, http.StatusBadRequest, "Cart is empty"},
		{services.ErrCheckoutInvalidInput, http.StatusBadRequest, "Invalid checkout request"},
		{services.ErrPointsNegative, http.StatusBadRequest, "Points cannot be negative"},
		{services.ErrPointsInvalidInput, http.StatusBadRequest, "Invalid points value"},
		{services.ErrOrderInvalidInput, http.StatusBadRequest, "Invalid order request"},
		{services.ErrReportInvalidInput, http.StatusBadRequest, "Invalid report request"},
		{services.ErrCartInvalidInput, http.StatusBadRequest, "Invalid cart request"},
		{services.ErrPointsInsufficientBalance, http.StatusConflict, "Insufficient points balance"},
		{services.ErrPointsExceedCartValue, http.StatusConflict, "Points exceed cart value"},
		{services.ErrOrderInvalidState, http.StatusConflict, "Order cannot change to the requested status"},
		{services.ErrCartProductUnavailable, http.StatusConflict, "Product is not available for purchase"},
		{services.ErrCheckoutConflict, http.StatusConflict, "Resource changed during the request; retry"},
		{services.ErrOrderConflict, http.StatusConflict, "Order changed during the request; retry"},
		{services.ErrCartConflict, http.StatusConflict, "Cart changed during the request; retry"},
		{services.ErrCheckoutUserNotFound, http.StatusNotFound, "User not found"},
		{services.ErrOrderNotFound, http.StatusNotFound, "Order not found"},
		{services.ErrCartItemNotFound, http.StatusNotFound, "Item not found in cart"},
		{services.ErrCartProductNotFound, http.StatusNotFound, "Product not found"},
		{services.ErrOrderForbidden, http.StatusForbidden, "Not authorized to access this order"},
		{services.ErrReportForbidden, http.StatusForbidden, "Not authorized to view reports"},
		{services.ErrCheckoutPaymentFailed, http.StatusPaymentRequired, "Payment could not be authorised"},
		{services.ErrCheckoutUnavailable, http.StatusServiceUnavailable, "Checkout is temporarily unavailable"},
		{services.ErrOrderUnavailable, http.StatusServiceUnavailable, "Orders are temporarily unavailable"},
		{services.ErrReportUnavailable, http.StatusServiceUnavailable, "Reports are temporarily unavailable"},
		{services.ErrCartUnavailable, http.StatusServiceUnavailable, "Cart is temporarily unavailable"},
	}
	for _, m := range table {
		if !errors.Is(err, m.sentinel) {
			continue
		}
		message := m.fallback
		// Client errors carry their detail; server-side ones never leak it.
		if m.status < http.StatusInternalServerError && m.status != http.StatusPaymentRequired && !isWrappedRepositoryError(err) {
			if detail := errorDetail(err, m.sentinel); detail != "" {
				message = detail
			}
		}
		httpx.WriteError(ctx, w, httpx.NewError(m.status, message))
		return
	}

	httpx.WriteError(ctx, w, httpx.NewError(http.StatusInternalServerError, "Internal server error"))
}

// errorDetail extracts the text wrapped after the sentinel ("%w: detail").
func errorDetail(err, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	idx := strings.Index(msg, prefix)
	if idx < 0 {
		return ""
	}
	return capitalize(strings.TrimSpace(msg[idx+len(prefix):]))
}

func isWrappedRepositoryError(err error) bool {
	var repoErr interface{ IsConflict() bool }
	return errors.As(err, &repoErr)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
