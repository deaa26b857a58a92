package services

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"checkout-service/gateways"
	"checkout-service/models"
	"checkout-service/repository"

	aws_pkg "checkout-service/pkg/aws"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CartProvider reads and clears the user's cart. GetCart returns (nil, nil)
// when the user has no cart.
type CartProvider interface {
	GetCart(ctx context.Context, userID string) (*models.Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

type AddressInput struct {
	FullName   string `json:"full_name" binding:"required,max=255"`
	Phone      string `json:"phone" binding:"required,max=32"`
	Line1      string `json:"line1" binding:"required,max=255"`
	Line2      string `json:"line2" binding:"max=255"`
	City       string `json:"city" binding:"required,max=128"`
	State      string `json:"state" binding:"max=128"`
	PostalCode string `json:"postal_code" binding:"required,max=32"`
	Country    string `json:"country" binding:"required,len=2"`
}

// ExpectedPrice is the unit price the client showed the user for a variant.
type ExpectedPrice struct {
	VariantID uuid.UUID       `json:"variant_id" binding:"required"`
	Price     decimal.Decimal `json:"price"`
}

type CheckoutRequest struct {
	UserID           uuid.UUID        `json:"-"`
	IdempotencyKey   string           `json:"idempotency_key" binding:"omitempty,idempotency_key"`
	AddressID        *uuid.UUID       `json:"address_id"`
	Address          *AddressInput    `json:"address"`
	SaveAddress      bool             `json:"save_address"`
	ShippingMethodID uuid.UUID        `json:"shipping_method_id" binding:"required"`
	DiscountCode     string           `json:"discount_code" binding:"max=64"`
	ExpectedPrices   []ExpectedPrice  `json:"expected_prices" binding:"dive"`
	CallbackURL      string           `json:"callback_url" binding:"omitempty,url"`
	Contact          gateways.Contact `json:"-"`
}

type CheckoutResult struct {
	OrderID          uuid.UUID       `json:"order_id"`
	OrderNumber      string          `json:"order_number"`
	Status           string          `json:"status"`
	PaymentURL       string          `json:"payment_url"`
	Authority        string          `json:"authority"`
	FinalAmount      decimal.Decimal `json:"final_amount"`
	Currency         string          `json:"currency"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	AlreadyProcessed bool            `json:"already_processed"`
}

type CheckoutOptions struct {
	Currency             string
	PaymentExpiryMinutes int
	GatewayTimeout       time.Duration
	DefaultCallbackURL   string
}

type CheckoutDeps struct {
	Store       repository.Store
	Inventory   *InventoryService
	Discounts   *DiscountEvaluator
	Compensator *OrderCompensator
	Cart        CartProvider
	Gateway     gateways.PaymentGatewayAdapter
	Events      *EventBus
	Metrics     Metrics
	Logger      *zap.Logger
}

// CheckoutService turns a cart into a pending order with reserved stock and
// an initiated payment. Each numbered step lives in its own method.
type CheckoutService struct {
	store       repository.Store
	inventory   *InventoryService
	discounts   *DiscountEvaluator
	compensator *OrderCompensator
	cart        CartProvider
	gateway     gateways.PaymentGatewayAdapter
	events      *EventBus
	metrics     Metrics
	logger      *zap.Logger
	opts        CheckoutOptions
	now         func() time.Time
}

func NewCheckoutService(deps CheckoutDeps, opts CheckoutOptions) *CheckoutService {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 10 * time.Second
	}
	return &CheckoutService{
		store:       deps.Store,
		inventory:   deps.Inventory,
		discounts:   deps.Discounts,
		compensator: deps.Compensator,
		cart:        deps.Cart,
		gateway:     deps.Gateway,
		events:      deps.Events,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		opts:        opts,
		now:         time.Now,
	}
}

// checkoutPlan accumulates the validated inputs of one checkout.
type checkoutPlan struct {
	lines      []cartLine
	address    models.AddressSnapshot
	addressID  *uuid.UUID
	newAddress *models.Address
	shipping   *models.ShippingMethod
	items      []models.OrderItem
	discount   *models.DiscountResult
}

// Checkout runs the saga. Replays of an idempotency key return the first
// result with AlreadyProcessed set and re-run nothing.
func (s *CheckoutService) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, *ServiceError) {
	start := s.now()
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return nil, validationError("Idempotency key is required", nil)
	}
	if req.UserID == uuid.Nil {
		return nil, validationError("User is required", nil)
	}
	log := s.logger.With(
		zap.String("user_id", req.UserID.String()),
		zap.String("idempotency_key", req.IdempotencyKey),
	)

	// a key seen before answers with the first result
	if prior, err := s.findExisting(ctx, req.UserID, req.IdempotencyKey); err != nil || prior != nil {
		if prior != nil {
			log.Info("Checkout replayed", zap.String("order_number", prior.OrderNumber))
		}
		return prior, err
	}

	s.record(ctx, aws_pkg.MetricCheckoutStarted, nil)
	result, err := s.run(ctx, req, log)
	if err != nil {
		s.record(ctx, aws_pkg.MetricCheckoutFailed, map[string]string{"Kind": string(err.Kind)})
		log.Warn("Checkout failed", zap.String("kind", string(err.Kind)), zap.String("error", err.Error()))
		return nil, err
	}
	if !result.AlreadyProcessed {
		s.record(ctx, aws_pkg.MetricCheckoutSucceeded, nil)
		if merr := s.metrics.RecordLatency(ctx, aws_pkg.MetricCheckoutLatency, s.now().Sub(start), nil); merr != nil {
			log.Debug("Failed to record metric", zap.Error(merr))
		}
	}
	return result, nil
}

func (s *CheckoutService) run(ctx context.Context, req CheckoutRequest, log *zap.Logger) (*CheckoutResult, *ServiceError) {
	plan := &checkoutPlan{}
	steps := []struct {
		name string
		fn   func(context.Context, CheckoutRequest, *checkoutPlan) *ServiceError
	}{
		{"validate_cart", s.validateCart},
		{"resolve_address", s.resolveAddress},
		{"resolve_shipping", s.resolveShipping},
		{"snapshot_items", s.snapshotItems},
		{"validate_stock", s.validateStock},
		{"validate_line_rules", s.validateLineRules},
		{"price_discount", s.priceDiscount},
	}
	for _, step := range steps {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}
		if err := step.fn(ctx, req, plan); err != nil {
			log.Debug("Checkout step rejected", zap.String("step", step.name), zap.String("kind", string(err.Kind)))
			return nil, err
		}
	}

	order, events, serr := s.buildOrder(req, plan)
	if serr != nil {
		return nil, serr
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	payment, evs, serr := s.persistOrder(ctx, req, plan, order)
	if serr != nil {
		if IsKind(serr, KindConcurrency) {
			if prior, err := s.findExisting(ctx, req.UserID, req.IdempotencyKey); err == nil && prior != nil {
				log.Info("Concurrent checkout with the same key lost the race", zap.String("order_number", prior.OrderNumber))
				return prior, nil
			}
		}
		return nil, serr
	}
	s.events.Dispatch(ctx, append(events, evs...))
	log = log.With(zap.String("order_id", order.ID.String()), zap.String("order_number", order.OrderNumber))
	log.Info("Order created with reserved stock", zap.String("step", "persist_order"))

	initiation, serr := s.initiatePayment(ctx, req, order, payment, log)
	if serr != nil {
		return nil, serr
	}

	s.clearCart(ctx, req.UserID, log)

	expires := payment.ExpiresAt
	return &CheckoutResult{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		PaymentURL:  initiation.PaymentURL,
		Authority:   initiation.Authority,
		FinalAmount: order.FinalAmount,
		Currency:    order.Currency,
		ExpiresAt:   &expires,
	}, nil
}

// findExisting returns the stored result for (user, key), or nil.
func (s *CheckoutService) findExisting(ctx context.Context, userID uuid.UUID, key string) (*CheckoutResult, *ServiceError) {
	order, err := s.store.Orders.FindByIdempotencyKey(ctx, userID, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("Failed to look up prior checkout", err)
	}

	result := &CheckoutResult{
		OrderID:          order.ID,
		OrderNumber:      order.OrderNumber,
		Status:           string(order.Status),
		FinalAmount:      order.FinalAmount,
		Currency:         order.Currency,
		AlreadyProcessed: true,
	}
	attempts, err := s.store.Payments.FindByOrderID(ctx, order.ID)
	if err != nil {
		return nil, storageError("Failed to look up prior checkout", err)
	}
	if len(attempts) > 0 {
		sort.Slice(attempts, func(i, j int) bool { return attempts[i].CreatedAt.After(attempts[j].CreatedAt) })
		latest := attempts[0]
		result.PaymentURL = latest.PaymentURL
		result.Authority = latest.Authority
		result.ExpiresAt = &latest.ExpiresAt
	}
	return result, nil
}

func checkpoint(ctx context.Context) *ServiceError {
	if err := ctx.Err(); err != nil {
		return storageError("Checkout cancelled", err)
	}
	return nil
}

func (s *CheckoutService) record(ctx context.Context, metric string, dims map[string]string) {
	if err := s.metrics.RecordCount(ctx, metric, dims); err != nil {
		s.logger.Debug("Failed to record metric", zap.String("metric", metric), zap.Error(err))
	}
}

func unavailableError(message string, err error) *ServiceError {
	return &ServiceError{StatusCode: http.StatusServiceUnavailable, Kind: KindUnavailable, Message: message, Err: err}
}
