package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Address is a saved shipping address owned by a user.
type Address struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID     uuid.UUID      `gorm:"type:uuid;index;not null" json:"user_id"`
	FullName   string         `gorm:"type:varchar(255);not null" json:"full_name"`
	Phone      string         `gorm:"type:varchar(32);not null" json:"phone"`
	Line1      string         `gorm:"type:varchar(255);not null" json:"line1"`
	Line2      string         `gorm:"type:varchar(255)" json:"line2,omitempty"`
	City       string         `gorm:"type:varchar(128);not null" json:"city"`
	State      string         `gorm:"type:varchar(128)" json:"state,omitempty"`
	PostalCode string         `gorm:"type:varchar(32);not null" json:"postal_code"`
	Country    string         `gorm:"type:varchar(2);not null" json:"country"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// AddressSnapshot is the copy of an address frozen on an order.
type AddressSnapshot struct {
	FullName   string `gorm:"type:varchar(255)" json:"full_name"`
	Phone      string `gorm:"type:varchar(32)" json:"phone"`
	Line1      string `gorm:"type:varchar(255)" json:"line1"`
	Line2      string `gorm:"type:varchar(255)" json:"line2,omitempty"`
	City       string `gorm:"type:varchar(128)" json:"city"`
	State      string `gorm:"type:varchar(128)" json:"state,omitempty"`
	PostalCode string `gorm:"type:varchar(32)" json:"postal_code"`
	Country    string `gorm:"type:varchar(2)" json:"country"`
}

func (a *Address) Snapshot() AddressSnapshot {
	return AddressSnapshot{
		FullName:   a.FullName,
		Phone:      a.Phone,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

// ShippingMethod is a delivery option with a flat cost.
type ShippingMethod struct {
	ID            uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Name          string          `gorm:"type:varchar(128);not null" json:"name"`
	Carrier       string          `gorm:"type:varchar(64)" json:"carrier"`
	Cost          decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"cost"`
	EstimatedDays int             `gorm:"not null;default:0" json:"estimated_days"`
	IsActive      bool            `gorm:"not null" json:"is_active"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
