package gateways

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrGatewayUnavailable wraps network and 5xx failures of a gateway.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrInvalidSignature   = errors.New("invalid callback signature")
)

type Contact struct {
	Name  string
	Email string
	Phone string
}

// PaymentRequest is what the checkout hands to a gateway for one attempt.
type PaymentRequest struct {
	OrderID        uuid.UUID
	OrderNumber    string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	CallbackURL    string
	Contact        Contact
	IdempotencyKey string
}

type PaymentInitiation struct {
	PaymentURL string
	Authority  string
}

// PaymentVerification is the gateway's answer about one authority. Paid is
// false for declined, abandoned and amount-mismatched payments.
type PaymentVerification struct {
	Paid     bool
	RefID    string
	CardMask string
	Status   string
}

// PaymentGatewayAdapter is the contract the checkout needs from a payment
// provider. Calls are remote and never part of a database transaction.
type PaymentGatewayAdapter interface {
	Name() string
	InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentInitiation, error)
	VerifyPayment(ctx context.Context, authority string, amount decimal.Decimal) (*PaymentVerification, error)
}

// CallbackEvent is a gateway notification reduced to what the payment
// service acts on.
type CallbackEvent struct {
	Authority string
	Status    string
}
