package models

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInvalidReservationState = errors.New("invalid reservation state")
	ErrInvalidQuantity         = errors.New("quantity must be positive")
	ErrNegativeStock           = errors.New("invariant violation: stock would become negative")
	ErrPaymentExpired          = errors.New("payment transaction has expired")
	ErrNotYetExpired           = errors.New("payment transaction has not expired yet")
	ErrRefundNotAllowed        = errors.New("refund requires a paid or delivered order")
	ErrOrderNotPaid            = errors.New("order has not been paid")
	ErrInvalidExpiry           = errors.New("expiry must be between 1 and 60 minutes")
	ErrInvalidEventType        = errors.New("event type is not an adjustment type")
)

// InvalidTransitionError names the state-machine transition that was refused.
type InvalidTransitionError struct {
	Entity string
	From   string
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from state %s", e.Entity, e.Action, e.From)
}

// AlreadyVerifiedError is returned when a successful payment is verified again.
// RefID carries the reference recorded by the first verification.
type AlreadyVerifiedError struct {
	RefID string
}

func (e *AlreadyVerifiedError) Error() string {
	return fmt.Sprintf("payment already verified with ref %s", e.RefID)
}

// IsInvalidTransition reports whether err is an *InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}
