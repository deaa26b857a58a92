package models

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvalidAdjustment = errors.New("adjustment would leave stock below zero or below the reserved quantity")

// ProductVariant holds the stock counters of one sellable variant. The counters
// change only through Reserve, Release, ConfirmReservation and AdjustStock.
type ProductVariant struct {
	ID               uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ProductID        uuid.UUID       `gorm:"type:uuid;index;not null" json:"product_id"`
	CategoryID       uuid.UUID       `gorm:"type:uuid;index" json:"category_id"`
	SKU              string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"sku"`
	Name             string          `gorm:"type:varchar(255);not null" json:"name"`
	SellingPrice     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"selling_price"`
	PurchasePrice    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"purchase_price"`
	OriginalPrice    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"original_price"`
	StockQuantity    int             `gorm:"not null;default:0" json:"stock_quantity"`
	ReservedQuantity int             `gorm:"not null;default:0" json:"reserved_quantity"`
	IsUnlimited      bool            `gorm:"not null" json:"is_unlimited"`
	IsActive         bool            `gorm:"not null" json:"is_active"`
	MinOrderQuantity int             `gorm:"not null;default:0" json:"min_order_quantity"` // 0 = no minimum
	MaxOrderQuantity int             `gorm:"not null;default:0" json:"max_order_quantity"` // 0 = no maximum
	Version          int64           `gorm:"not null;default:1" json:"version"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// AvailableStock is on-hand minus reserved, or math.MaxInt for unlimited variants.
func (v *ProductVariant) AvailableStock() int {
	if v.IsUnlimited {
		return math.MaxInt
	}
	return v.StockQuantity - v.ReservedQuantity
}

func (v *ProductVariant) CanFulfil(qty int) bool {
	return v.IsUnlimited || v.AvailableStock() >= qty
}

// Reserve puts a soft hold on qty units.
func (v *ProductVariant) Reserve(qty int, ref string, now time.Time) (StockLedgerEntry, []DomainEvent, error) {
	if qty <= 0 {
		return StockLedgerEntry{}, nil, ErrInvalidQuantity
	}
	if !v.CanFulfil(qty) {
		return StockLedgerEntry{}, nil, fmt.Errorf("%w: variant %s has %d available, %d requested",
			ErrInsufficientStock, v.ID, v.AvailableStock(), qty)
	}
	if !v.IsUnlimited {
		v.ReservedQuantity += qty
	}
	return v.record(StockEventReservation, -qty, ref, EventStockReserved, qty, now)
}

// Release drops up to qty units of reservation. Releasing more than is
// reserved is clamped rather than rejected.
func (v *ProductVariant) Release(qty int, ref string, now time.Time) (StockLedgerEntry, []DomainEvent, error) {
	if qty <= 0 {
		return StockLedgerEntry{}, nil, ErrInvalidQuantity
	}
	released := qty
	if !v.IsUnlimited {
		released = min(qty, v.ReservedQuantity)
		v.ReservedQuantity -= released
	}
	return v.record(StockEventReservationRelease, released, ref, EventStockReleased, released, now)
}

// ConfirmReservation turns a reservation into a sale: the units leave both the
// reserved and the on-hand counters.
func (v *ProductVariant) ConfirmReservation(qty int, ref string, now time.Time) (StockLedgerEntry, []DomainEvent, error) {
	if qty <= 0 {
		return StockLedgerEntry{}, nil, ErrInvalidQuantity
	}
	if !v.IsUnlimited {
		if qty > v.ReservedQuantity {
			return StockLedgerEntry{}, nil, fmt.Errorf("%w: variant %s has %d reserved, %d to confirm",
				ErrInvalidReservationState, v.ID, v.ReservedQuantity, qty)
		}
		v.ReservedQuantity -= qty
		v.StockQuantity -= qty
	}
	return v.record(StockEventReservationCommit, -qty, ref, EventStockCommitted, qty, now)
}

// AdjustStock applies an administrative correction to the on-hand quantity.
func (v *ProductVariant) AdjustStock(delta int, eventType StockEventType, ref string, now time.Time) (StockLedgerEntry, []DomainEvent, error) {
	if !eventType.IsAdjustmentType() {
		return StockLedgerEntry{}, nil, fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}
	if delta == 0 {
		return StockLedgerEntry{}, nil, ErrInvalidQuantity
	}
	next := v.StockQuantity + delta
	if next < 0 || (!v.IsUnlimited && next < v.ReservedQuantity) {
		return StockLedgerEntry{}, nil, fmt.Errorf("%w: variant %s on hand %d, reserved %d, delta %d",
			ErrInvalidAdjustment, v.ID, v.StockQuantity, v.ReservedQuantity, delta)
	}
	v.StockQuantity = next
	return v.record(eventType, delta, ref, EventStockAdjusted, delta, now)
}

// CheckInvariant verifies 0 <= reserved <= on hand.
func (v *ProductVariant) CheckInvariant() error {
	if v.StockQuantity < 0 {
		return fmt.Errorf("%w: variant %s on hand %d", ErrNegativeStock, v.ID, v.StockQuantity)
	}
	if !v.IsUnlimited && (v.ReservedQuantity < 0 || v.ReservedQuantity > v.StockQuantity) {
		return fmt.Errorf("%w: variant %s reserved %d of %d", ErrNegativeStock, v.ID, v.ReservedQuantity, v.StockQuantity)
	}
	return nil
}

func (v *ProductVariant) record(eventType StockEventType, delta int, ref string, evt EventType, qty int, now time.Time) (StockLedgerEntry, []DomainEvent, error) {
	if err := v.CheckInvariant(); err != nil {
		return StockLedgerEntry{}, nil, err
	}
	entry := StockLedgerEntry{
		ID:              uuid.New(),
		VariantID:       v.ID,
		EventType:       eventType,
		QuantityDelta:   delta,
		BalanceAfter:    v.StockQuantity,
		AvailableAfter:  v.StockQuantity - v.ReservedQuantity,
		ReferenceNumber: ref,
		IdempotencyKey:  LedgerIdempotencyKey(v.ID, eventType, ref),
		CreatedAt:       now,
	}
	event := newEvent(AggregateProductVariant, v.ID, evt, now, map[string]any{
		"sku":               v.SKU,
		"quantity":          qty,
		"reference":         ref,
		"stock_quantity":    v.StockQuantity,
		"reserved_quantity": v.ReservedQuantity,
	})
	return entry, []DomainEvent{event}, nil
}

// OrderQuantityViolation returns a user-facing reason when qty breaks the
// variant's min/max order quantity, or "" when it is acceptable.
func (v *ProductVariant) OrderQuantityViolation(qty int) string {
	switch {
	case qty <= 0:
		return "quantity must be positive"
	case v.MinOrderQuantity > 0 && qty < v.MinOrderQuantity:
		return fmt.Sprintf("minimum order quantity is %d", v.MinOrderQuantity)
	case v.MaxOrderQuantity > 0 && qty > v.MaxOrderQuantity:
		return fmt.Sprintf("maximum order quantity is %d", v.MaxOrderQuantity)
	}
	return ""
}
