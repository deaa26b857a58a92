package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type StockEventType string

const (
	StockEventStockIn            StockEventType = "stock_in"
	StockEventSale               StockEventType = "sale"
	StockEventReservation        StockEventType = "reservation"
	StockEventReservationRelease StockEventType = "reservation_release"
	StockEventReservationCommit  StockEventType = "reservation_commit"
	StockEventAdjustment         StockEventType = "adjustment"
	StockEventReturn             StockEventType = "return"
	StockEventDamage             StockEventType = "damage"
	StockEventTransfer           StockEventType = "transfer"
)

// IsAdjustmentType reports whether t may be used with AdjustStock.
func (t StockEventType) IsAdjustmentType() bool {
	switch t {
	case StockEventStockIn, StockEventAdjustment, StockEventReturn, StockEventDamage, StockEventTransfer:
		return true
	}
	return false
}

// StockLedgerEntry is an append-only stock movement. Rows are never updated or
// deleted. BalanceAfter is the on-hand quantity after the movement and
// AvailableAfter is on-hand minus reserved.
type StockLedgerEntry struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	VariantID       uuid.UUID      `gorm:"type:uuid;index;not null" json:"variant_id"`
	EventType       StockEventType `gorm:"type:varchar(32);not null" json:"event_type"`
	QuantityDelta   int            `gorm:"not null" json:"quantity_delta"`
	BalanceAfter    int            `gorm:"not null;check:balance_after >= 0" json:"balance_after"`
	AvailableAfter  int            `gorm:"not null" json:"available_after"`
	ReferenceNumber string         `gorm:"type:varchar(64);index;not null" json:"reference_number"`
	IdempotencyKey  string         `gorm:"type:varchar(200);uniqueIndex;not null" json:"idempotency_key"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// LedgerIdempotencyKey derives the replay key of a movement.
func LedgerIdempotencyKey(variantID uuid.UUID, eventType StockEventType, reference string) string {
	return fmt.Sprintf("%s:%s:%s", variantID, eventType, reference)
}
