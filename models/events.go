package models

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventOrderCreated         EventType = "order_created"
	EventOrderDiscountApplied EventType = "order_discount_applied"
	EventOrderDiscountRemoved EventType = "order_discount_removed"
	EventOrderPaid            EventType = "order_paid"
	EventOrderStatusChanged   EventType = "order_status_changed"
	EventOrderCancelled       EventType = "order_cancelled"
	EventOrderRefundRequested EventType = "order_refund_requested"

	EventStockReserved  EventType = "stock_reserved"
	EventStockReleased  EventType = "stock_released"
	EventStockCommitted EventType = "stock_committed"
	EventStockAdjusted  EventType = "stock_adjusted"

	EventPaymentInitiated           EventType = "payment_initiated"
	EventPaymentVerificationStarted EventType = "payment_verification_started"
	EventPaymentSucceeded           EventType = "payment_succeeded"
	EventPaymentFailed              EventType = "payment_failed"
	EventPaymentExpired             EventType = "payment_expired"
	EventPaymentCancelled           EventType = "payment_cancelled"
	EventPaymentRefunded            EventType = "payment_refunded"
	EventPaymentRefundRequired      EventType = "payment_refund_required"
)

const (
	AggregateOrder              = "order"
	AggregateProductVariant     = "product_variant"
	AggregatePaymentTransaction = "payment_transaction"
)

// DomainEvent is a fact produced by an aggregate operation. Operations return
// events to the caller; nothing is buffered on the aggregate itself.
type DomainEvent struct {
	ID            uuid.UUID      `json:"id" bson:"_id"`
	Type          EventType      `json:"type" bson:"type"`
	AggregateType string         `json:"aggregate_type" bson:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id" bson:"aggregate_id"`
	OccurredAt    time.Time      `json:"occurred_at" bson:"occurred_at"`
	Data          map[string]any `json:"data,omitempty" bson:"data,omitempty"`
}

func newEvent(aggregateType string, aggregateID uuid.UUID, t EventType, at time.Time, data map[string]any) DomainEvent {
	return DomainEvent{
		ID:            uuid.New(),
		Type:          t,
		AggregateType: aggregateType,
		AggregateID:   aggregateID.String(),
		OccurredAt:    at.UTC(),
		Data:          data,
	}
}
