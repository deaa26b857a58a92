package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"checkout-service/models"
	"checkout-service/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ErrorKind string

const (
	KindValidation     ErrorKind = "validation_error"
	KindStockShortfall ErrorKind = "stock_shortfall"
	KindPriceDrift     ErrorKind = "price_drift"
	KindConcurrency    ErrorKind = "concurrency_conflict"
	KindGateway        ErrorKind = "gateway_error"
	KindInvariant      ErrorKind = "invariant_violation"
	KindNotFound       ErrorKind = "not_found"
	KindForbidden      ErrorKind = "forbidden"
	KindCancelled      ErrorKind = "cancelled"
	KindUnavailable    ErrorKind = "service_unavailable"
	KindInternal       ErrorKind = "internal_error"
)

// ServiceError represents a typed error with an HTTP status code.
type ServiceError struct {
	StatusCode int
	Kind       ErrorKind
	Message    string
	Details    any
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *ServiceError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Kind == kind
}

// StockShortfall describes one line that cannot be satisfied.
type StockShortfall struct {
	VariantID uuid.UUID `json:"variant_id"`
	SKU       string    `json:"sku,omitempty"`
	Requested int       `json:"requested"`
	Available int       `json:"available"`
}

type PriceDrift struct {
	VariantID uuid.UUID       `json:"variant_id"`
	SKU       string          `json:"sku"`
	Expected  decimal.Decimal `json:"expected_price"`
	Current   decimal.Decimal `json:"current_price"`
}

// LineViolation is a per-line business rule failure.
type LineViolation struct {
	VariantID uuid.UUID `json:"variant_id"`
	SKU       string    `json:"sku,omitempty"`
	Reason    string    `json:"reason"`
}

func validationError(message string, details any) *ServiceError {
	return &ServiceError{StatusCode: http.StatusBadRequest, Kind: KindValidation, Message: message, Details: details}
}

func notFoundError(message string) *ServiceError {
	return &ServiceError{StatusCode: http.StatusNotFound, Kind: KindNotFound, Message: message}
}

func forbiddenError(message string) *ServiceError {
	return &ServiceError{StatusCode: http.StatusForbidden, Kind: KindForbidden, Message: message}
}

func stockShortfallError(lines []StockShortfall) *ServiceError {
	return &ServiceError{
		StatusCode: http.StatusConflict,
		Kind:       KindStockShortfall,
		Message:    fmt.Sprintf("Insufficient stock for %d item(s)", len(lines)),
		Details:    lines,
		Err:        models.ErrInsufficientStock,
	}
}

func priceDriftError(lines []PriceDrift) *ServiceError {
	return &ServiceError{
		StatusCode: http.StatusConflict,
		Kind:       KindPriceDrift,
		Message:    "Prices changed since the cart was loaded, please review your cart",
		Details:    lines,
	}
}

func gatewayError(err error) *ServiceError {
	return &ServiceError{
		StatusCode: http.StatusBadGateway,
		Kind:       KindGateway,
		Message:    "Payment initiation failed, please retry",
		Err:        err,
	}
}

// storageError classifies an error coming out of a repository or a domain
// operation run inside a transaction.
func storageError(message string, err error) *ServiceError {
	var se *ServiceError
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &ServiceError{StatusCode: http.StatusRequestTimeout, Kind: KindCancelled, Message: "Request cancelled", Err: err}
	case errors.Is(err, repository.ErrConcurrencyConflict), errors.Is(err, repository.ErrDuplicateKey):
		return &ServiceError{StatusCode: http.StatusConflict, Kind: KindConcurrency, Message: "The resource was modified concurrently, please retry", Err: err}
	case errors.Is(err, models.ErrNegativeStock):
		return &ServiceError{StatusCode: http.StatusInternalServerError, Kind: KindInvariant, Message: "Stock invariant violated", Err: err}
	case errors.Is(err, repository.ErrNotFound):
		return &ServiceError{StatusCode: http.StatusNotFound, Kind: KindNotFound, Message: message, Err: err}
	case models.IsInvalidTransition(err), errors.Is(err, models.ErrRefundNotAllowed), errors.Is(err, models.ErrOrderNotPaid),
		errors.Is(err, models.ErrInvalidReservationState):
		return &ServiceError{StatusCode: http.StatusConflict, Kind: KindValidation, Message: err.Error(), Err: err}
	case repository.IsTransient(err):
		return &ServiceError{StatusCode: http.StatusServiceUnavailable, Kind: KindUnavailable, Message: "Storage temporarily unavailable, please retry", Err: err}
	}
	return &ServiceError{StatusCode: http.StatusInternalServerError, Kind: KindInternal, Message: message, Err: err}
}
