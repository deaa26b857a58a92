package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"checkout-service/gateways"
	"checkout-service/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// buildOrder assembles the order in memory. Nothing is written yet.
func (s *CheckoutService) buildOrder(req CheckoutRequest, plan *checkoutPlan) (*models.Order, []models.DomainEvent, *ServiceError) {
	now := s.now()
	order, events, err := models.NewOrder(models.NewOrderParams{
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Currency:       s.opts.Currency,
		Items:          plan.items,
		ShippingMethod: plan.shipping,
		AddressID:      plan.addressID,
		Address:        plan.address,
		Now:            now,
	})
	if err != nil {
		return nil, nil, validationError(err.Error(), nil)
	}
	if d := plan.discount; d != nil {
		evs, err := order.ApplyDiscount(d.Discount.ID, d.Discount.Code, d.DiscountAmount, now)
		if err != nil {
			return nil, nil, validationError(err.Error(), nil)
		}
		events = append(events, evs...)
	}
	if !order.FinalAmount.IsPositive() {
		return nil, nil, validationError("Order total must be greater than zero", nil)
	}
	return order, events, nil
}

// persistOrder writes the address, the order, the reservations and the pending
// payment attempt in one transaction. Any failure rolls back all of them, so an
// order never exists without its reservation.
func (s *CheckoutService) persistOrder(ctx context.Context, req CheckoutRequest, plan *checkoutPlan, order *models.Order) (*models.PaymentTransaction, []models.DomainEvent, *ServiceError) {
	var payment *models.PaymentTransaction
	var events []models.DomainEvent
	err := s.store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		events = nil
		if plan.newAddress != nil {
			if err := s.store.Addresses.Create(ctx, plan.newAddress); err != nil {
				return err
			}
		}
		if err := s.store.Orders.Create(ctx, order); err != nil {
			return err
		}
		evs, err := s.inventory.ReserveBatch(ctx, stockLines(plan.lines), order.OrderNumber)
		if err != nil {
			return err
		}
		events = append(events, evs...)

		p, evs, err := models.InitiatePayment(order.ID, order.FinalAmount, order.Currency, s.gateway.Name(), s.opts.PaymentExpiryMinutes, s.now())
		if err != nil {
			return err
		}
		if err := s.store.Payments.Create(ctx, p); err != nil {
			return err
		}
		payment = p
		events = append(events, evs...)
		return nil
	})
	if errors.Is(err, models.ErrInvalidExpiry) {
		return nil, nil, &ServiceError{StatusCode: 500, Kind: KindInternal, Message: "Payment expiry is misconfigured", Err: err}
	}
	if err != nil {
		return nil, nil, storageError("Failed to create order", err)
	}
	return payment, events, nil
}

// initiatePayment calls the gateway after the order transaction committed and
// without any lock held. A failure compensates the order before returning.
func (s *CheckoutService) initiatePayment(ctx context.Context, req CheckoutRequest, order *models.Order, payment *models.PaymentTransaction, log *zap.Logger) (*gateways.PaymentInitiation, *ServiceError) {
	compensate := func(reason string) bool {
		return s.compensator.CompensateDetached(ctx, CompensationRequest{
			OrderID:    order.ID,
			Reason:     reason,
			Outcome:    OutcomeFailed,
			SoftDelete: true,
		}, order.OrderNumber)
	}

	if err := checkpoint(ctx); err != nil {
		compensate("checkout cancelled before payment initiation")
		return nil, err
	}

	callback := req.CallbackURL
	if callback == "" {
		callback = s.opts.DefaultCallbackURL
	}
	gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	initiation, err := s.gateway.InitiatePayment(gctx, gateways.PaymentRequest{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Amount:         order.FinalAmount,
		Currency:       order.Currency,
		Description:    fmt.Sprintf("Order %s", order.OrderNumber),
		CallbackURL:    callback,
		Contact:        req.Contact,
		IdempotencyKey: payment.ID.String(),
	})
	cancel()
	if err == nil && strings.TrimSpace(initiation.Authority) == "" {
		err = errors.New("gateway returned an empty authority")
	}
	if err != nil {
		log.Error("Payment initiation failed, compensating", zap.String("step", "initiate_payment"), zap.Error(err))
		compensate("payment initiation failed: " + err.Error())
		return nil, gatewayError(err)
	}

	// The gateway already knows the authority, so it is stored even if the
	// client went away meanwhile.
	if err := s.attachReference(context.WithoutCancel(ctx), payment.ID, initiation); err != nil {
		log.Error("Failed to store gateway reference, compensating",
			zap.String("step", "attach_reference"),
			zap.String("authority", initiation.Authority),
			zap.Error(err),
		)
		compensate("failed to store gateway reference")
		return nil, storageError("Failed to record payment reference", err)
	}

	log.Info("Payment initiated",
		zap.String("step", "initiate_payment"),
		zap.String("gateway", s.gateway.Name()),
		zap.String("authority", initiation.Authority),
	)
	return initiation, nil
}

func (s *CheckoutService) attachReference(ctx context.Context, paymentID uuid.UUID, initiation *gateways.PaymentInitiation) error {
	return s.store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		p, err := s.store.Payments.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := p.AttachGatewayReference(initiation.Authority, initiation.PaymentURL, s.now()); err != nil {
			return err
		}
		return s.store.Payments.Update(ctx, p)
	})
}

// clearCart is best effort; the order already stands.
func (s *CheckoutService) clearCart(ctx context.Context, userID uuid.UUID, log *zap.Logger) {
	if err := s.cart.ClearCart(context.WithoutCancel(ctx), userID.String()); err != nil {
		log.Warn("Failed to clear cart after checkout", zap.String("step", "clear_cart"), zap.Error(err))
	}
}
