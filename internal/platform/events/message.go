// Package events publishes order events to Pub/Sub or Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bazaar-market/api/internal/services"
)

// message is the wire form shared by every transport.
type message struct {
	Type           string    `json:"type"`
	OrderID        string    `json:"order_id"`
	UserID         string    `json:"user_id"`
	VendorIDs      []string  `json:"vendor_ids"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	TotalAmount    string    `json:"total_amount"`
	PointsUsed     int64     `json:"points_used"`
	PointsEarned   int64     `json:"points_earned"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func encode(event services.OrderEvent) ([]byte, error) {
	vendors := event.VendorIDs
	if vendors == nil {
		vendors = []string{}
	}
	data, err := json.Marshal(message{
		Type:           string(event.Type),
		OrderID:        event.OrderID,
		UserID:         event.UserID,
		VendorIDs:      vendors,
		Status:         string(event.Status),
		PreviousStatus: string(event.PreviousStatus),
		TotalAmount:    event.TotalAmount.StringFixed(2),
		PointsUsed:     event.PointsUsed,
		PointsEarned:   event.PointsEarned,
		OccurredAt:     event.OccurredAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order event: %w", err)
	}
	return data, nil
}

// Noop drops events. Used when no broker is configured.
type Noop struct{}

// PublishOrderEvent implements services.OrderEventPublisher.
func (Noop) PublishOrderEvent(context.Context, services.OrderEvent) error { return nil }
