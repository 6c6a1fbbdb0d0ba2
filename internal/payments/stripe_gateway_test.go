package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"

	"github.com/bazaar-market/api/internal/services"
)

type fakeIntentAPI struct {
	created   []*stripe.PaymentIntentParams
	cancelled []string
	newErr    error
	cancelErr error
}

func (f *fakeIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.created = append(f.created, params)
	if f.newErr != nil {
		return nil, f.newErr
	}
	return &stripe.PaymentIntent{ID: "pi_123", ClientSecret: "pi_123_secret", Status: stripe.PaymentIntentStatusRequiresPaymentMethod}, nil
}

func (f *fakeIntentAPI) Cancel(id string, _ *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	f.cancelled = append(f.cancelled, id)
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusCanceled}, nil
}

func newTestGateway(t *testing.T, api *fakeIntentAPI, failures uint32) *StripeGateway {
	t.Helper()
	gateway, err := NewStripeGateway(StripeGatewayConfig{intents: api, ConsecutiveFailures: failures, OpenTimeout: time.Hour})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gateway
}

func TestCreateIntentBuildsManualCaptureIntent(t *testing.T) {
	api := &fakeIntentAPI{}
	gateway := newTestGateway(t, api, 0)

	intent, err := gateway.CreateIntent(context.Background(), services.PaymentIntentRequest{
		OrderID:        "order-1",
		UserID:         "user-1",
		Amount:         decimal.RequireFromString("195.5"),
		Currency:       "EGP",
		IdempotencyKey: "order:order-1",
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if intent.ID != "pi_123" || intent.ClientSecret != "pi_123_secret" {
		t.Fatalf("unexpected intent %+v", intent)
	}

	params := api.created[0]
	if *params.Amount != 19550 || *params.Currency != "egp" || *params.CaptureMethod != "manual" {
		t.Fatalf("unexpected params amount=%d currency=%s capture=%s", *params.Amount, *params.Currency, *params.CaptureMethod)
	}
	if params.IdempotencyKey == nil || *params.IdempotencyKey != "order:order-1" {
		t.Fatalf("expected idempotency key to be forwarded")
	}
	if params.Metadata["order_id"] != "order-1" {
		t.Fatalf("expected order metadata, got %v", params.Metadata)
	}
}

func TestCreateIntentRejectsBadInput(t *testing.T) {
	gateway := newTestGateway(t, &fakeIntentAPI{}, 0)
	if _, err := gateway.CreateIntent(context.Background(), services.PaymentIntentRequest{Amount: decimal.NewFromInt(1), Currency: "XX"}); err == nil {
		t.Fatalf("expected currency error")
	}
	if _, err := gateway.CreateIntent(context.Background(), services.PaymentIntentRequest{Amount: decimal.Zero, Currency: "USD"}); err == nil {
		t.Fatalf("expected amount error")
	}
}

func TestBreakerIgnoresCardDeclines(t *testing.T) {
	api := &fakeIntentAPI{newErr: &stripe.Error{HTTPStatusCode: 402, Code: stripe.ErrorCodeCardDeclined}}
	gateway := newTestGateway(t, api, 1)

	for i := 0; i < 3; i++ {
		_, err := gateway.CreateIntent(context.Background(), services.PaymentIntentRequest{Amount: decimal.NewFromInt(10), Currency: "USD"})
		if err == nil || errors.Is(err, ErrProviderUnavailable) {
			t.Fatalf("attempt %d: expected decline error, got %v", i, err)
		}
	}
	if len(api.created) != 3 {
		t.Fatalf("declines must reach stripe every time, got %d calls", len(api.created))
	}
}

func TestBreakerOpensOnOutage(t *testing.T) {
	api := &fakeIntentAPI{newErr: &stripe.Error{HTTPStatusCode: 503}}
	gateway := newTestGateway(t, api, 2)
	req := services.PaymentIntentRequest{Amount: decimal.NewFromInt(10), Currency: "USD"}

	_, _ = gateway.CreateIntent(context.Background(), req)
	_, _ = gateway.CreateIntent(context.Background(), req)
	if _, err := gateway.CreateIntent(context.Background(), req); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if len(api.created) != 2 {
		t.Fatalf("expected breaker to short-circuit, got %d calls", len(api.created))
	}
}

func TestCancelIntent(t *testing.T) {
	api := &fakeIntentAPI{}
	gateway := newTestGateway(t, api, 0)
	if err := gateway.CancelIntent(context.Background(), " pi_123 "); err != nil {
		t.Fatalf("CancelIntent: %v", err)
	}
	if len(api.cancelled) != 1 || api.cancelled[0] != "pi_123" {
		t.Fatalf("unexpected cancellations %v", api.cancelled)
	}
	if err := gateway.CancelIntent(context.Background(), ""); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		amount string
		code   string
		want   int64
	}{
		{"12.345", "USD", 1235},
		{"1500", "JPY", 1500},
		{"0.1", "EGP", 10},
	}
	for _, tc := range cases {
		got, err := MinorUnits(decimal.RequireFromString(tc.amount), tc.code)
		if err != nil || got != tc.want {
			t.Fatalf("%s %s: expected %d, got %d err=%v", tc.amount, tc.code, tc.want, got, err)
		}
	}
}

func TestNewStripeGatewayRequiresKey(t *testing.T) {
	if _, err := NewStripeGateway(StripeGatewayConfig{}); err == nil {
		t.Fatalf("expected api key error")
	}
}
