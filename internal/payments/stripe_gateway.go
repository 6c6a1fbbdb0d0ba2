// Package payments adapts card payment providers to the checkout flow.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"golang.org/x/text/currency"

	"github.com/bazaar-market/api/internal/services"
)

// ErrProviderUnavailable is returned while the breaker short-circuits calls.
var ErrProviderUnavailable = errors.New("payments: provider unavailable")

// Logger matches the event logger used across services.
type Logger func(ctx context.Context, event string, fields map[string]any)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey              string
	AccountID           string
	Backends            *stripe.Backends
	Logger              Logger
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration

	intents stripeIntentAPI
}

// StripeGateway authorises card payments as manual-capture PaymentIntents.
type StripeGateway struct {
	intents stripeIntentAPI
	account string
	logger  Logger
	breaker *gobreaker.CircuitBreaker[*stripe.PaymentIntent]
}

var _ services.PaymentGateway = (*StripeGateway)(nil)

// NewStripeGateway constructs a gateway using the Stripe API client.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	intents := cfg.intents
	if intents == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}

	g := &StripeGateway{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}
	g.breaker = gobreaker.NewCircuitBreaker[*stripe.PaymentIntent](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: isHealthyOutcome,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger(context.Background(), "payments.breaker_state_changed", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return g, nil
}

// CreateIntent implements services.PaymentGateway.
func (g *StripeGateway) CreateIntent(ctx context.Context, req services.PaymentIntentRequest) (services.PaymentIntent, error) {
	amount, err := MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return services.PaymentIntent{}, err
	}
	if amount <= 0 {
		return services.PaymentIntent{}, errors.New("stripe: amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("user_id", req.UserID)
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}

	intent, err := g.execute(func() (*stripe.PaymentIntent, error) {
		return g.intents.New(params)
	})
	if err != nil {
		return services.PaymentIntent{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	g.logger(ctx, "payments.stripe.intent_created", map[string]any{
		"orderID":       req.OrderID,
		"paymentIntent": intent.ID,
		"amount":        amount,
	})
	return services.PaymentIntent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       string(intent.Status),
	}, nil
}

// CancelIntent implements services.PaymentGateway.
func (g *StripeGateway) CancelIntent(ctx context.Context, intentID string) error {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return errors.New("stripe: intent id is required")
	}
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}

	if _, err := g.execute(func() (*stripe.PaymentIntent, error) {
		return g.intents.Cancel(intentID, params)
	}); err != nil {
		return fmt.Errorf("stripe: cancel payment intent: %w", err)
	}
	g.logger(ctx, "payments.stripe.intent_cancelled", map[string]any{"paymentIntent": intentID})
	return nil
}

func (g *StripeGateway) execute(fn func() (*stripe.PaymentIntent, error)) (*stripe.PaymentIntent, error) {
	intent, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return intent, err
}

// isHealthyOutcome keeps card declines and validation errors from tripping the
// breaker; only transport failures, throttling and 5xx count.
func isHealthyOutcome(err error) bool {
	if err == nil {
		return true
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status := stripeErr.HTTPStatusCode
		return status > 0 && status < 500 && status != 429
	}
	return false
}

// MinorUnits converts an amount to the currency's smallest unit, e.g. cents.
func MinorUnits(amount decimal.Decimal, code string) (int64, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return 0, fmt.Errorf("payments: invalid currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return amount.Shift(int32(scale)).Round(0).IntPart(), nil
}
