package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusSuccess    PaymentStatus = "success"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusExpired    PaymentStatus = "expired"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

const (
	DefaultPaymentExpiryMinutes = 20
	MaxPaymentExpiryMinutes     = 60
)

func (s PaymentStatus) IsOpen() bool {
	return s == PaymentStatusPending || s == PaymentStatusProcessing
}

// PaymentTransaction is one attempt to pay one order through one gateway.
type PaymentTransaction struct {
	ID                       uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OrderID                  uuid.UUID       `gorm:"type:uuid;index;not null" json:"order_id"`
	Authority                string          `gorm:"type:varchar(255);uniqueIndex;not null" json:"authority"`
	PaymentURL               string          `gorm:"type:varchar(1024)" json:"payment_url,omitempty"`
	Amount                   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Currency                 string          `gorm:"type:varchar(3);not null" json:"currency"`
	Gateway                  string          `gorm:"type:varchar(32);not null" json:"gateway"`
	Status                   PaymentStatus   `gorm:"type:varchar(20);index;not null" json:"status"`
	RefID                    *string         `gorm:"type:varchar(128)" json:"ref_id,omitempty"`
	CardMask                 *string         `gorm:"type:varchar(32)" json:"card_mask,omitempty"`
	FailureReason            *string         `gorm:"type:varchar(512)" json:"failure_reason,omitempty"`
	ExpiresAt                time.Time       `gorm:"index;not null" json:"expires_at"`
	IsVerificationInProgress bool            `gorm:"not null" json:"is_verification_in_progress"`
	VerifiedAt               *time.Time      `json:"verified_at,omitempty"`
	Version                  int64           `gorm:"not null;default:1" json:"version"`
	CreatedAt                time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// InitiatePayment creates a pending attempt. expiryMinutes of 0 selects the
// default of 20; values above 60 are rejected. Until the gateway answers, the
// authority is a provisional value derived from the transaction id.
func InitiatePayment(orderID uuid.UUID, amount decimal.Decimal, currency, gateway string, expiryMinutes int, now time.Time) (*PaymentTransaction, []DomainEvent, error) {
	if expiryMinutes == 0 {
		expiryMinutes = DefaultPaymentExpiryMinutes
	}
	if expiryMinutes < 0 || expiryMinutes > MaxPaymentExpiryMinutes {
		return nil, nil, ErrInvalidExpiry
	}
	id := uuid.New()
	p := &PaymentTransaction{
		ID:        id,
		OrderID:   orderID,
		Authority: "pending-" + id.String(),
		Amount:    amount,
		Currency:  currency,
		Gateway:   gateway,
		Status:    PaymentStatusPending,
		ExpiresAt: now.Add(time.Duration(expiryMinutes) * time.Minute),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return p, []DomainEvent{p.event(EventPaymentInitiated, now, map[string]any{
		"order_id":   orderID.String(),
		"amount":     amount.StringFixed(2),
		"gateway":    gateway,
		"expires_at": p.ExpiresAt.UTC(),
	})}, nil
}

// IsExpired is a pure function of now and ExpiresAt.
func (p *PaymentTransaction) IsExpired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// AttachGatewayReference stores the gateway correlation id and redirect URL.
func (p *PaymentTransaction) AttachGatewayReference(authority, paymentURL string, now time.Time) error {
	if p.Status != PaymentStatusPending {
		return p.refuse("attach gateway reference")
	}
	p.Authority = authority
	p.PaymentURL = paymentURL
	p.UpdatedAt = now
	return nil
}

func (p *PaymentTransaction) MarkAsVerificationInProgress(now time.Time) ([]DomainEvent, error) {
	if p.Status != PaymentStatusPending {
		return nil, p.refuse("start verification")
	}
	if p.IsExpired(now) {
		return nil, ErrPaymentExpired
	}
	p.Status = PaymentStatusProcessing
	p.IsVerificationInProgress = true
	p.UpdatedAt = now
	return []DomainEvent{p.event(EventPaymentVerificationStarted, now, nil)}, nil
}

// IsVerifying reports whether a gateway verification started less than window
// ago and has not finished. Older flags belong to a verification that died.
func (p *PaymentTransaction) IsVerifying(now time.Time, window time.Duration) bool {
	return p.Status == PaymentStatusProcessing && p.IsVerificationInProgress && now.Sub(p.UpdatedAt) < window
}

// MarkAsSuccess returns *AlreadyVerifiedError when the attempt already
// succeeded so duplicate gateway callbacks can be answered idempotently.
func (p *PaymentTransaction) MarkAsSuccess(refID, cardMask string, now time.Time) ([]DomainEvent, error) {
	if p.Status == PaymentStatusSuccess {
		ref := ""
		if p.RefID != nil {
			ref = *p.RefID
		}
		return nil, &AlreadyVerifiedError{RefID: ref}
	}
	if !p.Status.IsOpen() {
		return nil, p.refuse("mark as success")
	}
	p.Status = PaymentStatusSuccess
	p.RefID = &refID
	if cardMask != "" {
		p.CardMask = &cardMask
	}
	p.IsVerificationInProgress = false
	p.VerifiedAt = &now
	p.UpdatedAt = now
	return []DomainEvent{p.event(EventPaymentSucceeded, now, map[string]any{
		"order_id": p.OrderID.String(),
		"ref_id":   refID,
		"amount":   p.Amount.StringFixed(2),
	})}, nil
}

// MarkAsFailed closes a Pending or Processing attempt. Terminal states are
// immutable, so Expired, Cancelled and Refunded attempts cannot become Failed.
func (p *PaymentTransaction) MarkAsFailed(reason string, now time.Time) ([]DomainEvent, error) {
	if !p.Status.IsOpen() {
		return nil, p.refuse("mark as failed")
	}
	p.Status = PaymentStatusFailed
	p.FailureReason = &reason
	p.IsVerificationInProgress = false
	p.UpdatedAt = now
	return []DomainEvent{p.event(EventPaymentFailed, now, map[string]any{
		"order_id": p.OrderID.String(),
		"reason":   reason,
	})}, nil
}

func (p *PaymentTransaction) Expire(now time.Time) ([]DomainEvent, error) {
	if !p.Status.IsOpen() {
		return nil, p.refuse("expire")
	}
	if !p.IsExpired(now) {
		return nil, ErrNotYetExpired
	}
	p.Status = PaymentStatusExpired
	p.IsVerificationInProgress = false
	p.UpdatedAt = now
	return []DomainEvent{p.event(EventPaymentExpired, now, map[string]any{
		"order_id": p.OrderID.String(),
	})}, nil
}

func (p *PaymentTransaction) Cancel(now time.Time) ([]DomainEvent, error) {
	if !p.Status.IsOpen() {
		return nil, p.refuse("cancel")
	}
	p.Status = PaymentStatusCancelled
	p.IsVerificationInProgress = false
	p.UpdatedAt = now
	return []DomainEvent{p.event(EventPaymentCancelled, now, map[string]any{
		"order_id": p.OrderID.String(),
	})}, nil
}

func (p *PaymentTransaction) Refund(now time.Time) ([]DomainEvent, error) {
	if p.Status != PaymentStatusSuccess {
		return nil, p.refuse("refund")
	}
	p.Status = PaymentStatusRefunded
	p.UpdatedAt = now
	return []DomainEvent{p.event(EventPaymentRefunded, now, map[string]any{
		"order_id": p.OrderID.String(),
		"amount":   p.Amount.StringFixed(2),
	})}, nil
}

// RefundRequired reports a gateway charge that no order accounts for. The
// attempt itself is left unchanged.
func (p *PaymentTransaction) RefundRequired(refID, reason string, now time.Time) DomainEvent {
	return p.event(EventPaymentRefundRequired, now, map[string]any{
		"order_id": p.OrderID.String(),
		"ref_id":   refID,
		"amount":   p.Amount.StringFixed(2),
		"reason":   reason,
	})
}

func (p *PaymentTransaction) refuse(action string) error {
	return &InvalidTransitionError{Entity: "payment transaction", From: string(p.Status), Action: action}
}

func (p *PaymentTransaction) event(t EventType, now time.Time, data map[string]any) DomainEvent {
	if data == nil {
		data = map[string]any{}
	}
	data["authority"] = p.Authority
	return newEvent(AggregatePaymentTransaction, p.ID, t, now, data)
}
