package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"checkout-service/gateways"
	"checkout-service/models"
	"checkout-service/repository"

	aws_pkg "checkout-service/pkg/aws"

	"go.uber.org/zap"
)

// CallbackRequest is a gateway redirect or webhook after the user paid or
// abandoned the payment page.
type CallbackRequest struct {
	Authority string `form:"authority" json:"authority" binding:"required"`
	Status    string `form:"status" json:"status"`
}

type CallbackResult struct {
	OrderID         string               `json:"order_id"`
	OrderNumber     string               `json:"order_number,omitempty"`
	Authority       string               `json:"authority"`
	Status          models.PaymentStatus `json:"status"`
	Paid            bool                 `json:"paid"`
	RefID           string               `json:"ref_id,omitempty"`
	AlreadyVerified bool                 `json:"already_verified"`
}

// callback statuses that mean the user did not complete the payment
var abandonedStatuses = map[string]bool{
	"cancel": true, "cancelled": true, "canceled": true, "nok": true, "failed": true,
}

type PaymentService struct {
	store       repository.Store
	inventory   *InventoryService
	discounts   *DiscountEvaluator
	compensator *OrderCompensator
	gateway     gateways.PaymentGatewayAdapter
	events      *EventBus
	metrics     Metrics
	logger      *zap.Logger
	timeout     time.Duration
	now         func() time.Time
}

func NewPaymentService(store repository.Store, inventory *InventoryService, discounts *DiscountEvaluator, compensator *OrderCompensator,
	gateway gateways.PaymentGatewayAdapter, events *EventBus, metrics Metrics, gatewayTimeout time.Duration, logger *zap.Logger) *PaymentService {
	if gatewayTimeout <= 0 {
		gatewayTimeout = 10 * time.Second
	}
	return &PaymentService{
		store:       store,
		inventory:   inventory,
		discounts:   discounts,
		compensator: compensator,
		gateway:     gateway,
		events:      events,
		metrics:     metrics,
		logger:      logger,
		timeout:     gatewayTimeout,
		now:         time.Now,
	}
}

type callbackDecision int

const (
	decideVerify callbackDecision = iota
	decideAlreadyVerified
	decideExpire
	decideAbandon
)

// HandleCallback verifies a payment with the gateway and, when paid, marks
// the order paid and turns its reservations into sales. A repeated callback
// for a successful attempt returns AlreadyVerified and changes nothing.
func (s *PaymentService) HandleCallback(ctx context.Context, req CallbackRequest) (*CallbackResult, *ServiceError) {
	authority := strings.TrimSpace(req.Authority)
	if authority == "" {
		return nil, validationError("Authority is required", nil)
	}
	log := s.logger.With(zap.String("authority", authority))

	// Phase 1: decide under the row lock and flag the attempt as being verified.
	var payment *models.PaymentTransaction
	var decision callbackDecision
	var events []models.DomainEvent
	err := s.store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		events = nil
		p, err := s.store.Payments.GetByAuthorityForUpdate(ctx, authority)
		if err != nil {
			return err
		}
		payment = p
		now := s.now()
		switch {
		case p.Status == models.PaymentStatusSuccess:
			decision = decideAlreadyVerified
			return nil
		case !p.Status.IsOpen():
			return &models.InvalidTransitionError{Entity: "payment transaction", From: string(p.Status), Action: "verify"}
		case p.IsExpired(now):
			decision = decideExpire
			return nil
		case abandonedStatuses[strings.ToLower(req.Status)]:
			decision = decideAbandon
			return nil
		}
		decision = decideVerify
		if p.Status == models.PaymentStatusProcessing {
			// an earlier verification did not finish; try again and restart
			// the verification window
			p.IsVerificationInProgress = true
			p.UpdatedAt = now
			return s.store.Payments.Update(ctx, p)
		}
		evs, err := p.MarkAsVerificationInProgress(now)
		if err != nil {
			return err
		}
		events = evs
		return s.store.Payments.Update(ctx, p)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFoundError("Payment not found")
	}
	if err != nil {
		return nil, storageError("Failed to process payment callback", err)
	}
	s.events.Dispatch(ctx, events)

	result := &CallbackResult{OrderID: payment.OrderID.String(), Authority: authority, Status: payment.Status}
	switch decision {
	case decideAlreadyVerified:
		result.Paid = true
		result.AlreadyVerified = true
		if payment.RefID != nil {
			result.RefID = *payment.RefID
		}
		log.Info("Duplicate payment callback ignored", zap.String("ref_id", result.RefID))
		return result, nil
	case decideExpire:
		log.Info("Payment expired before verification")
		return s.closeUnpaid(ctx, payment, result, CompensationRequest{Outcome: OutcomeExpired, Reason: "payment expired"}, models.PaymentStatusExpired, log)
	case decideAbandon:
		log.Info("Payment abandoned by user", zap.String("callback_status", req.Status))
		return s.closeUnpaid(ctx, payment, result, CompensationRequest{Outcome: OutcomeFailed, Reason: "payment cancelled at gateway"}, models.PaymentStatusFailed, log)
	}

	// Phase 2: ask the gateway, holding no lock.
	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	verification, err := s.gateway.VerifyPayment(gctx, authority, payment.Amount)
	cancel()
	if err != nil {
		log.Error("Payment verification failed", zap.Error(err))
		return nil, &ServiceError{StatusCode: http.StatusBadGateway, Kind: KindGateway, Message: "Payment verification failed, please retry", Err: err}
	}
	if !verification.Paid {
		log.Info("Gateway reports payment not completed", zap.String("gateway_status", verification.Status))
		return s.closeUnpaid(ctx, payment, result, CompensationRequest{
			Outcome:           OutcomeFailed,
			Reason:            "payment not completed: " + verification.Status,
			AfterVerification: true,
		}, models.PaymentStatusFailed, log)
	}

	// Phase 3: record the success. Detached so a disconnect cannot leave a
	// paid gateway session unrecorded.
	return s.confirm(context.WithoutCancel(ctx), payment, verification, result, log)
}

func (s *PaymentService) confirm(ctx context.Context, payment *models.PaymentTransaction, v *gateways.PaymentVerification, result *CallbackResult, log *zap.Logger) (*CallbackResult, *ServiceError) {
	var events []models.DomainEvent
	var order *models.Order
	already := false
	err := s.store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		events = nil
		already = false
		now := s.now()
		p, err := s.store.Payments.GetByAuthorityForUpdate(ctx, payment.Authority)
		if err != nil {
			return err
		}
		evs, err := p.MarkAsSuccess(v.RefID, v.CardMask, now)
		var av *models.AlreadyVerifiedError
		if errors.As(err, &av) {
			already = true
			result.RefID = av.RefID
			return nil
		}
		if err != nil {
			return err
		}
		events = append(events, evs...)

		order, err = s.store.Orders.GetForUpdate(ctx, p.OrderID)
		if err != nil {
			return err
		}
		if evs, err = order.MarkAsPaid(v.RefID, v.CardMask, now); err != nil {
			return err
		}
		events = append(events, evs...)
		if evs, err = order.StartProcessing(now); err != nil {
			return err
		}
		events = append(events, evs...)

		if evs, err = s.inventory.ConfirmBatch(ctx, orderLines(order), order.OrderNumber); err != nil {
			return err
		}
		events = append(events, evs...)
		if err := s.discounts.RecordUsage(ctx, order); err != nil {
			return err
		}
		if err := s.store.Orders.Update(ctx, order); err != nil {
			return err
		}
		return s.store.Payments.Update(ctx, p)
	})
	if err != nil {
		// The customer was charged but the order could not be marked paid.
		log.Error("Verified payment could not be recorded, queueing reconciliation",
			zap.String("ref_id", v.RefID),
			zap.Error(err),
		)
		s.compensator.ReportUnrecordedPayment(ctx, payment, v.RefID, err)
		return nil, storageError("Failed to record payment", err)
	}

	result.Paid = true
	result.Status = models.PaymentStatusSuccess
	if already {
		result.AlreadyVerified = true
		return result, nil
	}
	result.RefID = v.RefID
	result.OrderNumber = order.OrderNumber
	s.events.Dispatch(ctx, events)
	if err := s.metrics.RecordCount(ctx, aws_pkg.MetricPaymentSucceeded, map[string]string{"Gateway": s.gateway.Name()}); err != nil {
		log.Debug("Failed to record metric", zap.Error(err))
	}
	log.Info("Payment verified",
		zap.String("order_number", order.OrderNumber),
		zap.String("ref_id", v.RefID),
	)
	return result, nil
}

func (s *PaymentService) closeUnpaid(ctx context.Context, p *models.PaymentTransaction, result *CallbackResult, req CompensationRequest, status models.PaymentStatus, log *zap.Logger) (*CallbackResult, *ServiceError) {
	order, err := s.store.Orders.GetByID(ctx, p.OrderID)
	orderNumber := ""
	if err == nil {
		orderNumber = order.OrderNumber
	}
	req.OrderID = p.OrderID
	if !s.compensator.CompensateDetached(ctx, req, orderNumber) {
		log.Warn("Compensation deferred to reconciliation", zap.String("order_id", p.OrderID.String()))
	}
	if err := s.metrics.RecordCount(ctx, aws_pkg.MetricPaymentFailed, map[string]string{"Outcome": string(req.Outcome)}); err != nil {
		log.Debug("Failed to record metric", zap.Error(err))
	}
	result.OrderNumber = orderNumber
	result.Status = status
	return result, nil
}

// ExpireStalePayments forces open attempts whose expiry passed into Expired
// and compensates their orders. Attempts still being verified are left for a
// later sweep. It returns how many orders were compensated.
func (s *PaymentService) ExpireStalePayments(ctx context.Context, now time.Time, limit int) (int, error) {
	stale, err := s.store.Payments.FindExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, p := range stale {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		err := s.compensator.Compensate(ctx, CompensationRequest{
			OrderID: p.OrderID,
			Reason:  "payment expired",
			Outcome: OutcomeExpired,
		})
		if errors.Is(err, ErrVerificationInProgress) {
			s.logger.Debug("Expiry deferred, payment is being verified", zap.String("authority", p.Authority))
			continue
		}
		if err != nil {
			s.logger.Error("Failed to expire payment",
				zap.String("authority", p.Authority),
				zap.String("order_id", p.OrderID.String()),
				zap.Error(err),
			)
			continue
		}
		done++
	}
	if done > 0 {
		s.logger.Info("Expired stale payments", zap.Int("count", done))
	}
	return done, nil
}

// RunExpirySweeper calls ExpireStalePayments every interval until ctx ends.
func (s *PaymentService) RunExpirySweeper(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("Payment expiry sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Payment expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.ExpireStalePayments(ctx, s.now(), batch); err != nil && ctx.Err() == nil {
				s.logger.Error("Payment expiry sweep failed", zap.Error(err))
			}
		}
	}
}
