package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/platform/auth"
	"github.com/bazaar-market/api/internal/services"
)

// testAuthenticator accepts tokens of the form "<uid>:<role>".
func testAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(auth.TokenVerifierFunc(func(_ context.Context, token string) (auth.Claims, error) {
		uid, role, ok := strings.Cut(token, ":")
		if !ok || uid == "" {
			return auth.Claims{}, auth.ErrTokenInvalid
		}
		return auth.Claims{Subject: uid, Values: map[string]any{"role": role}}, nil
	}))
}

func newRequest(method, target, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errors  []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"errors"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode envelope %q: %v", rr.Body.String(), err)
	}
	return env
}

func decodeData(t *testing.T, env envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("failed to decode data %s: %v", env.Data, err)
	}
}

type stubCheckoutService struct {
	checkoutFn func(context.Context, services.CheckoutCommand) (services.CheckoutReceipt, error)
}

func (s *stubCheckoutService) Checkout(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutReceipt, error) {
	if s.checkoutFn != nil {
		return s.checkoutFn(ctx, cmd)
	}
	return services.CheckoutReceipt{}, errors.New("not implemented")
}

type stubOrderService struct {
	getFn    func(context.Context, string, domain.Actor) (services.Order, error)
	listFn   func(context.Context, domain.Actor, services.OrderListFilter) (domain.Page[services.Order], error)
	updateFn func(context.Context, services.UpdateStatusCommand) (services.Order, error)
	cancelFn func(context.Context, services.CancelCommand) (services.CancelReceipt, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string, actor domain.Actor) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, actor)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, actor domain.Actor, filter services.OrderListFilter) (domain.Page[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, actor, filter)
	}
	return domain.Page[services.Order]{}, nil
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateStatusCommand) (services.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelCommand) (services.CancelReceipt, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.CancelReceipt{}, errors.New("not implemented")
}

type stubReportService struct {
	statsFn  func(context.Context, domain.Actor) (services.OrderStatistics, error)
	reportFn func(context.Context, services.SalesReportQuery) (services.SalesReport, error)
}

func (s *stubReportService) Statistics(ctx context.Context, actor domain.Actor) (services.OrderStatistics, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx, actor)
	}
	return services.OrderStatistics{}, nil
}

func (s *stubReportService) SalesReport(ctx context.Context, query services.SalesReportQuery) (services.SalesReport, error) {
	if s.reportFn != nil {
		return s.reportFn(ctx, query)
	}
	return services.SalesReport{}, nil
}

type stubSystemService struct {
	report domain.HealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (domain.HealthReport, error) {
	return s.report, s.err
}
