package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusDelivered:  {OrderStatusRefunded},
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

var ErrEmptyOrder = errors.New("order must contain at least one item")

// Order is a placed purchase. Item prices are frozen at creation and never
// re-derived from the live variant.
type Order struct {
	ID                 uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OrderNumber        string          `gorm:"type:varchar(40);uniqueIndex;not null" json:"order_number"`
	UserID             uuid.UUID       `gorm:"type:uuid;index;not null;uniqueIndex:idx_orders_user_idempotency,where:deleted_at IS NULL" json:"user_id"`
	IdempotencyKey     string          `gorm:"type:varchar(128);not null;uniqueIndex:idx_orders_user_idempotency" json:"-"`
	Status             OrderStatus     `gorm:"type:varchar(20);index;not null" json:"status"`
	Currency           string          `gorm:"type:varchar(3);not null" json:"currency"`
	TotalAmount        decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total_amount"`
	DiscountAmount     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"discount_amount"`
	ShippingCost       decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"shipping_cost"`
	FinalAmount        decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"final_amount"`
	DiscountID         *uuid.UUID      `gorm:"type:uuid" json:"discount_id,omitempty"`
	DiscountCode       *string         `gorm:"type:varchar(64)" json:"discount_code,omitempty"`
	ShippingMethodID   uuid.UUID       `gorm:"type:uuid;not null" json:"shipping_method_id"`
	ShippingMethodName string          `gorm:"type:varchar(128)" json:"shipping_method_name"`
	AddressID          *uuid.UUID      `gorm:"type:uuid" json:"address_id,omitempty"`
	ShippingAddress    AddressSnapshot `gorm:"embedded;embeddedPrefix:ship_" json:"shipping_address"`
	IsPaid             bool            `gorm:"not null" json:"is_paid"`
	PaymentDate        *time.Time      `json:"payment_date,omitempty"`
	PaymentRefID       *string         `gorm:"type:varchar(128)" json:"payment_ref_id,omitempty"`
	CardMask           *string         `gorm:"type:varchar(32)" json:"card_mask,omitempty"`
	TrackingCode       *string         `gorm:"type:varchar(64)" json:"tracking_code,omitempty"`
	ShippedAt          *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt        *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CancellationReason *string         `gorm:"type:varchar(255)" json:"cancellation_reason,omitempty"`
	RefundRequestedAt  *time.Time      `json:"refund_requested_at,omitempty"`
	RefundReason       *string         `gorm:"type:varchar(255)" json:"refund_reason,omitempty"`
	Version            int64           `gorm:"not null;default:1" json:"version"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt          gorm.DeletedAt  `gorm:"index" json:"-"`
	Items              []OrderItem     `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items"`
}

// OrderItem freezes the variant's prices and quantity at order time.
type OrderItem struct {
	ID            uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OrderID       uuid.UUID       `gorm:"type:uuid;index;not null" json:"order_id"`
	VariantID     uuid.UUID       `gorm:"type:uuid;index;not null" json:"variant_id"`
	ProductID     uuid.UUID       `gorm:"type:uuid;not null" json:"product_id"`
	CategoryID    uuid.UUID       `gorm:"type:uuid" json:"category_id"`
	SKU           string          `gorm:"type:varchar(64);not null" json:"sku"`
	Name          string          `gorm:"type:varchar(255);not null" json:"name"`
	Quantity      int             `gorm:"not null" json:"quantity"`
	PurchasePrice decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"purchase_price"`
	SellingPrice  decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"selling_price"`
	OriginalPrice decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"original_price"`
	LineTotal     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"line_total"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// NewOrderItem snapshots v for qty units.
func NewOrderItem(v *ProductVariant, qty int) OrderItem {
	return OrderItem{
		ID:            uuid.New(),
		VariantID:     v.ID,
		ProductID:     v.ProductID,
		CategoryID:    v.CategoryID,
		SKU:           v.SKU,
		Name:          v.Name,
		Quantity:      qty,
		PurchasePrice: v.PurchasePrice,
		SellingPrice:  v.SellingPrice,
		OriginalPrice: v.OriginalPrice,
		LineTotal:     v.SellingPrice.Mul(decimal.NewFromInt(int64(qty))),
	}
}

type NewOrderParams struct {
	UserID         uuid.UUID
	IdempotencyKey string
	Currency       string
	Items          []OrderItem
	ShippingMethod *ShippingMethod
	AddressID      *uuid.UUID
	Address        AddressSnapshot
	Now            time.Time
}

// NewOrder builds a pending order from item snapshots.
func NewOrder(p NewOrderParams) (*Order, []DomainEvent, error) {
	if len(p.Items) == 0 {
		return nil, nil, ErrEmptyOrder
	}
	o := &Order{
		ID:                 uuid.New(),
		OrderNumber:        GenerateOrderNumber(p.Now),
		UserID:             p.UserID,
		IdempotencyKey:     p.IdempotencyKey,
		Status:             OrderStatusPending,
		Currency:           strings.ToUpper(p.Currency),
		DiscountAmount:     decimal.Zero,
		ShippingMethodID:   p.ShippingMethod.ID,
		ShippingMethodName: p.ShippingMethod.Name,
		ShippingCost:       p.ShippingMethod.Cost,
		AddressID:          p.AddressID,
		ShippingAddress:    p.Address,
		Version:            1,
		CreatedAt:          p.Now,
		UpdatedAt:          p.Now,
	}
	total := decimal.Zero
	for _, item := range p.Items {
		item.OrderID = o.ID
		item.CreatedAt = p.Now
		total = total.Add(item.LineTotal)
		o.Items = append(o.Items, item)
	}
	o.TotalAmount = total
	o.recalculate()

	return o, []DomainEvent{o.event(EventOrderCreated, p.Now, map[string]any{
		"order_number": o.OrderNumber,
		"user_id":      o.UserID.String(),
		"final_amount": o.FinalAmount.StringFixed(2),
		"items":        len(o.Items),
	})}, nil
}

// GenerateOrderNumber returns a human-facing order number.
func GenerateOrderNumber(now time.Time) string {
	return "ORD-" + now.UTC().Format("20060102-150405") + "-" + strings.ToUpper(uuid.New().String()[:8])
}

func (o *Order) recalculate() {
	o.FinalAmount = o.TotalAmount.Sub(o.DiscountAmount).Add(o.ShippingCost)
}

// ApplyDiscount records a discount and recomputes the final amount. The
// discount never exceeds the item total.
func (o *Order) ApplyDiscount(discountID uuid.UUID, code string, amount decimal.Decimal, now time.Time) ([]DomainEvent, error) {
	if o.Status != OrderStatusPending || o.IsPaid {
		return nil, &InvalidTransitionError{Entity: "order", From: string(o.Status), Action: "apply discount"}
	}
	if amount.IsNegative() {
		return nil, errors.New("discount amount cannot be negative")
	}
	if amount.GreaterThan(o.TotalAmount) {
		amount = o.TotalAmount
	}
	o.DiscountID = &discountID
	o.DiscountCode = &code
	o.DiscountAmount = amount
	o.recalculate()
	o.UpdatedAt = now
	return []DomainEvent{o.event(EventOrderDiscountApplied, now, map[string]any{
		"code":         code,
		"amount":       amount.StringFixed(2),
		"final_amount": o.FinalAmount.StringFixed(2),
	})}, nil
}

func (o *Order) RemoveDiscount(now time.Time) ([]DomainEvent, error) {
	if o.Status != OrderStatusPending || o.IsPaid {
		return nil, &InvalidTransitionError{Entity: "order", From: string(o.Status), Action: "remove discount"}
	}
	if o.DiscountCode == nil {
		return nil, nil
	}
	code := *o.DiscountCode
	o.DiscountID = nil
	o.DiscountCode = nil
	o.DiscountAmount = decimal.Zero
	o.recalculate()
	o.UpdatedAt = now
	return []DomainEvent{o.event(EventOrderDiscountRemoved, now, map[string]any{
		"code":         code,
		"final_amount": o.FinalAmount.StringFixed(2),
	})}, nil
}

// MarkAsPaid is idempotent: a second call on a paid order is a no-op.
func (o *Order) MarkAsPaid(refID, cardMask string, now time.Time) ([]DomainEvent, error) {
	if o.IsPaid {
		return nil, nil
	}
	if o.Status != OrderStatusPending {
		return nil, &InvalidTransitionError{Entity: "order", From: string(o.Status), Action: "mark as paid"}
	}
	o.IsPaid = true
	o.PaymentDate = &now
	o.PaymentRefID = &refID
	if cardMask != "" {
		o.CardMask = &cardMask
	}
	o.UpdatedAt = now
	return []DomainEvent{o.event(EventOrderPaid, now, map[string]any{
		"order_number": o.OrderNumber,
		"ref_id":       refID,
		"amount":       o.FinalAmount.StringFixed(2),
	})}, nil
}

func (o *Order) StartProcessing(now time.Time) ([]DomainEvent, error) {
	if !o.IsPaid {
		return nil, ErrOrderNotPaid
	}
	return o.transition(OrderStatusProcessing, "start processing", now, nil)
}

func (o *Order) Ship(trackingCode string, now time.Time) ([]DomainEvent, error) {
	events, err := o.transition(OrderStatusShipped, "ship", now, map[string]any{"tracking_code": trackingCode})
	if err != nil {
		return nil, err
	}
	o.TrackingCode = &trackingCode
	o.ShippedAt = &now
	return events, nil
}

func (o *Order) Deliver(now time.Time) ([]DomainEvent, error) {
	events, err := o.transition(OrderStatusDelivered, "deliver", now, nil)
	if err != nil {
		return nil, err
	}
	o.DeliveredAt = &now
	return events, nil
}

func (o *Order) Cancel(reason string, now time.Time) ([]DomainEvent, error) {
	if !o.Status.CanTransitionTo(OrderStatusCancelled) {
		return nil, &InvalidTransitionError{Entity: "order", From: string(o.Status), Action: "cancel"}
	}
	o.Status = OrderStatusCancelled
	o.CancelledAt = &now
	o.CancellationReason = &reason
	o.UpdatedAt = now
	return []DomainEvent{o.event(EventOrderCancelled, now, map[string]any{
		"order_number": o.OrderNumber,
		"reason":       reason,
	})}, nil
}

// RequestRefund is legal only once the order is paid or delivered.
func (o *Order) RequestRefund(reason string, now time.Time) ([]DomainEvent, error) {
	if !o.IsPaid && o.Status != OrderStatusDelivered {
		return nil, ErrRefundNotAllowed
	}
	if !o.Status.CanTransitionTo(OrderStatusRefunded) {
		return nil, &InvalidTransitionError{Entity: "order", From: string(o.Status), Action: "request refund"}
	}
	o.Status = OrderStatusRefunded
	o.RefundRequestedAt = &now
	o.RefundReason = &reason
	o.UpdatedAt = now
	return []DomainEvent{o.event(EventOrderRefundRequested, now, map[string]any{
		"order_number": o.OrderNumber,
		"reason":       reason,
		"amount":       o.FinalAmount.StringFixed(2),
	})}, nil
}

func (o *Order) transition(to OrderStatus, action string, now time.Time, data map[string]any) ([]DomainEvent, error) {
	if !o.Status.CanTransitionTo(to) {
		return nil, &InvalidTransitionError{Entity: "order", From: string(o.Status), Action: action}
	}
	from := o.Status
	o.Status = to
	o.UpdatedAt = now
	if data == nil {
		data = map[string]any{}
	}
	data["from"] = string(from)
	data["to"] = string(to)
	return []DomainEvent{o.event(EventOrderStatusChanged, now, data)}, nil
}

func (o *Order) event(t EventType, now time.Time, data map[string]any) DomainEvent {
	return newEvent(AggregateOrder, o.ID, t, now, data)
}
