package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CartItem struct {
	VariantID      uuid.UUID       `json:"variant_id"`
	Quantity       int             `json:"quantity"`
	PriceAtAddTime decimal.Decimal `json:"price_at_add_time"`
}

// Cart is the mutable pre-order basket of one user. It lives in redis, not postgres.
type Cart struct {
	UserID    string     `json:"user_id"`
	Items     []CartItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Items) == 0
}

// Quantities merges duplicate variant lines, keeping first-seen order.
func (c *Cart) Quantities() ([]uuid.UUID, map[uuid.UUID]int) {
	order := make([]uuid.UUID, 0, len(c.Items))
	qty := make(map[uuid.UUID]int, len(c.Items))
	for _, item := range c.Items {
		if _, seen := qty[item.VariantID]; !seen {
			order = append(order, item.VariantID)
		}
		qty[item.VariantID] += item.Quantity
	}
	return order, qty
}
