package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/bazaar-market/api/internal/services"
)

// ErrPublisherOpen is returned while the breaker rejects calls.
var ErrPublisherOpen = errors.New("events: publisher circuit open")

// BreakerSettings tunes the circuit breaker.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	OnStateChange       func(name string, from, to gobreaker.State)
}

// BreakerPublisher stops calling a failing broker until it has had time to
// recover, so checkouts do not each wait out a broker timeout.
type BreakerPublisher struct {
	next    services.OrderEventPublisher
	breaker *gobreaker.CircuitBreaker[struct{}]
}

var _ services.OrderEventPublisher = (*BreakerPublisher)(nil)

// NewBreakerPublisher wraps next with a consecutive-failure breaker.
func NewBreakerPublisher(next services.OrderEventPublisher, settings BreakerSettings) (*BreakerPublisher, error) {
	if next == nil {
		return nil, errors.New("breaker publisher: next publisher is required")
	}
	threshold := settings.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	name := settings.Name
	if name == "" {
		name = "order-events"
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: settings.OnStateChange,
	})
	return &BreakerPublisher{next: next, breaker: cb}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *BreakerPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.next.PublishOrderEvent(ctx, event)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrPublisherOpen, err)
	}
	return err
}

// State reports the breaker state for health output.
func (p *BreakerPublisher) State() gobreaker.State {
	return p.breaker.State()
}
