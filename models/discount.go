package models

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// Discount is a promotional code. Zero limits mean "no limit".
type Discount struct {
	ID                   uuid.UUID        `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Code                 string           `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	Type                 DiscountType     `gorm:"type:varchar(20);not null" json:"type"`
	Value                decimal.Decimal  `gorm:"type:numeric(12,2);not null" json:"value"`
	MaxDiscountAmount    *decimal.Decimal `gorm:"type:numeric(12,2)" json:"max_discount_amount,omitempty"`
	MinOrderAmount       decimal.Decimal  `gorm:"type:numeric(12,2);not null;default:0" json:"min_order_amount"`
	StartsAt             *time.Time       `json:"starts_at,omitempty"`
	ExpiresAt            *time.Time       `json:"expires_at,omitempty"`
	UsageLimit           int              `gorm:"not null;default:0" json:"usage_limit"`
	UsedCount            int              `gorm:"not null;default:0" json:"used_count"`
	PerUserLimit         int              `gorm:"not null;default:0" json:"per_user_limit"`
	ApplicableProductIDs []uuid.UUID      `gorm:"serializer:json" json:"applicable_product_ids,omitempty"`
	ApplicableCategories []uuid.UUID      `gorm:"serializer:json" json:"applicable_category_ids,omitempty"`
	IsActive             bool             `gorm:"not null" json:"is_active"`
	CreatedAt            time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// DiscountUsage is an append-only record of one user consuming a code on one order.
type DiscountUsage struct {
	ID         uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	DiscountID uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_discount_usage_order" json:"discount_id"`
	UserID     uuid.UUID       `gorm:"type:uuid;index;not null" json:"user_id"`
	OrderID    uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_discount_usage_order" json:"order_id"`
	Amount     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// DiscountLine is the part of an order line a discount restriction looks at.
type DiscountLine struct {
	ProductID  uuid.UUID
	CategoryID uuid.UUID
	LineTotal  decimal.Decimal
}

type DiscountInput struct {
	OrderTotal      decimal.Decimal
	Lines           []DiscountLine
	PriorUsageCount int
	Now             time.Time
}

// DiscountResult is a value, not an error: a failed evaluation carries a
// user-facing Reason.
type DiscountResult struct {
	Success        bool            `json:"success"`
	Reason         string          `json:"reason,omitempty"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	WasCapped      bool            `json:"was_capped"`
	Discount       *Discount       `json:"-"`
}

func rejected(reason string) DiscountResult {
	return DiscountResult{Reason: reason, DiscountAmount: decimal.Zero}
}

func (d *Discount) restricted() bool {
	return len(d.ApplicableProductIDs) > 0 || len(d.ApplicableCategories) > 0
}

func (d *Discount) appliesTo(l DiscountLine) bool {
	if !d.restricted() {
		return true
	}
	return slices.Contains(d.ApplicableProductIDs, l.ProductID) || slices.Contains(d.ApplicableCategories, l.CategoryID)
}

// Evaluate checks every rule of the code against in and prices it.
// Restricted codes are priced against the eligible lines only.
func (d *Discount) Evaluate(in DiscountInput) DiscountResult {
	switch {
	case !d.IsActive:
		return rejected("discount code is not active")
	case d.StartsAt != nil && in.Now.Before(*d.StartsAt):
		return rejected("discount code is not valid yet")
	case d.ExpiresAt != nil && in.Now.After(*d.ExpiresAt):
		return rejected("discount code has expired")
	case d.UsageLimit > 0 && d.UsedCount >= d.UsageLimit:
		return rejected("discount code usage limit reached")
	case d.PerUserLimit > 0 && in.PriorUsageCount >= d.PerUserLimit:
		return rejected("you have already used this discount code the maximum number of times")
	case in.OrderTotal.LessThan(d.MinOrderAmount):
		return rejected(fmt.Sprintf("minimum order amount of %s required", d.MinOrderAmount.StringFixed(2)))
	}

	base := in.OrderTotal
	if d.restricted() {
		base = decimal.Zero
		for _, l := range in.Lines {
			if d.appliesTo(l) {
				base = base.Add(l.LineTotal)
			}
		}
		if !base.IsPositive() {
			return rejected("discount code does not apply to any item in the cart")
		}
	}

	var amount decimal.Decimal
	capped := false
	switch d.Type {
	case DiscountTypePercentage:
		amount = base.Mul(d.Value).Div(decimal.NewFromInt(100)).Round(2)
		if d.MaxDiscountAmount != nil && amount.GreaterThan(*d.MaxDiscountAmount) {
			amount = *d.MaxDiscountAmount
			capped = true
		}
	case DiscountTypeFixed:
		amount = d.Value
	default:
		return rejected("unknown discount type")
	}
	if amount.GreaterThan(base) {
		amount = base
		capped = true
	}

	return DiscountResult{
		Success:        true,
		DiscountAmount: amount,
		WasCapped:      capped,
		Discount:       d,
	}
}
