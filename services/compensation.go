package services

import (
	"context"
	"errors"
	"time"

	"checkout-service/models"
	"checkout-service/repository"

	aws_pkg "checkout-service/pkg/aws"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentOutcome is the terminal state compensation moves open payment
// attempts of an order into.
type PaymentOutcome string

const (
	OutcomeFailed    PaymentOutcome = "failed"
	OutcomeExpired   PaymentOutcome = "expired"
	OutcomeCancelled PaymentOutcome = "cancelled"
)

// DefaultVerificationWindow bounds how long an in-flight gateway verification
// holds off cancellation and expiry of its attempt.
const DefaultVerificationWindow = 2 * time.Minute

// ErrVerificationInProgress is returned when an open attempt of the order is
// being verified with the gateway.
var ErrVerificationInProgress = errors.New("payment verification in progress")

// CompensationRequest undoes the local effects of an unpaid order.
type CompensationRequest struct {
	OrderID uuid.UUID      `json:"order_id"`
	Reason  string         `json:"reason"`
	Outcome PaymentOutcome `json:"outcome"`
	// SoftDelete frees the order's idempotency key so the client can retry
	// the checkout with the same key.
	SoftDelete bool `json:"soft_delete"`
	// AfterVerification is set by the verifying callback itself once the
	// gateway reported the payment as not completed.
	AfterVerification bool `json:"after_verification,omitempty"`
}

// OrderCompensator releases an order's reservations, closes its open payment
// attempts and cancels it, all in one transaction. Every step is a no-op when
// already applied, so a request can be replayed any number of times.
type OrderCompensator struct {
	store     repository.Store
	inventory *InventoryService
	events    *EventBus
	queue     ReconciliationQueue
	metrics   Metrics
	logger    *zap.Logger
	timeout   time.Duration
	window    time.Duration
	now       func() time.Time
}

func NewOrderCompensator(store repository.Store, inventory *InventoryService, events *EventBus, queue ReconciliationQueue, metrics Metrics, timeout time.Duration, logger *zap.Logger) *OrderCompensator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OrderCompensator{
		store:     store,
		inventory: inventory,
		events:    events,
		queue:     queue,
		metrics:   metrics,
		logger:    logger,
		timeout:   timeout,
		window:    DefaultVerificationWindow,
		now:       time.Now,
	}
}

// WithVerificationWindow replaces DefaultVerificationWindow.
func (c *OrderCompensator) WithVerificationWindow(d time.Duration) *OrderCompensator {
	if d > 0 {
		c.window = d
	}
	return c
}

// Compensate applies req and publishes the resulting events.
func (c *OrderCompensator) Compensate(ctx context.Context, req CompensationRequest) error {
	var events []models.DomainEvent
	err := c.store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		events = nil
		order, err := c.store.Orders.GetForUpdate(ctx, req.OrderID)
		if errors.Is(err, repository.ErrNotFound) {
			// already compensated and soft-deleted
			return nil
		}
		if err != nil {
			return err
		}
		if order.IsPaid {
			c.logger.Warn("Skipping compensation of a paid order",
				zap.String("order_id", order.ID.String()),
				zap.String("order_number", order.OrderNumber),
				zap.String("reason", req.Reason),
			)
			return nil
		}
		now := c.now()

		evs, err := c.closePayments(ctx, order.ID, req, now)
		if err != nil {
			return err
		}
		events = append(events, evs...)

		evs, err = c.inventory.ReleaseBatch(ctx, orderLines(order), order.OrderNumber)
		if err != nil {
			return err
		}
		events = append(events, evs...)

		if order.Status.CanTransitionTo(models.OrderStatusCancelled) {
			evs, err := order.Cancel(req.Reason, now)
			if err != nil {
				return err
			}
			if err := c.store.Orders.Update(ctx, order); err != nil {
				return err
			}
			events = append(events, evs...)
		}
		if req.SoftDelete {
			return c.store.Orders.SoftDelete(ctx, order.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.events.Dispatch(ctx, events)
	if err := c.metrics.RecordCount(ctx, aws_pkg.MetricCheckoutCompensated, map[string]string{"Outcome": string(req.Outcome)}); err != nil {
		c.logger.Debug("Failed to record metric", zap.Error(err))
	}
	return nil
}

func (c *OrderCompensator) closePayments(ctx context.Context, orderID uuid.UUID, req CompensationRequest, now time.Time) ([]models.DomainEvent, error) {
	attempts, err := c.store.Payments.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var events []models.DomainEvent
	for _, attempt := range attempts {
		if !attempt.Status.IsOpen() {
			continue
		}
		p, err := c.store.Payments.GetForUpdate(ctx, attempt.ID)
		if err != nil {
			return nil, err
		}
		if !req.AfterVerification && p.IsVerifying(now, c.window) {
			return nil, ErrVerificationInProgress
		}
		var evs []models.DomainEvent
		switch {
		case req.Outcome == OutcomeExpired && p.IsExpired(now):
			evs, err = p.Expire(now)
		case req.Outcome == OutcomeCancelled:
			evs, err = p.Cancel(now)
		default:
			evs, err = p.MarkAsFailed(req.Reason, now)
		}
		if err != nil {
			return nil, err
		}
		if err := c.store.Payments.Update(ctx, p); err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

// CompensateDetached runs Compensate on a context that ignores the caller's
// cancellation, so a client disconnect cannot stop it halfway. A failure is
// handed to the reconciliation queue and reported back as false.
func (c *OrderCompensator) CompensateDetached(ctx context.Context, req CompensationRequest, orderNumber string) bool {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	err := c.Compensate(cctx, req)
	if err == nil {
		c.logger.Info("Order compensated",
			zap.String("order_id", req.OrderID.String()),
			zap.String("order_number", orderNumber),
			zap.String("reason", req.Reason),
		)
		return true
	}
	if errors.Is(err, ErrVerificationInProgress) {
		// the verifying callback or the expiry sweeper settles the order
		c.logger.Info("Compensation skipped, payment is being verified",
			zap.String("order_id", req.OrderID.String()),
			zap.String("order_number", orderNumber),
		)
		return false
	}

	c.logger.Error("Compensation failed, queueing reconciliation",
		zap.String("order_id", req.OrderID.String()),
		zap.String("order_number", orderNumber),
		zap.Error(err),
	)
	task := ReconciliationTask{
		CompensationRequest: req,
		Kind:                ReconcileCompensation,
		OrderNumber:         orderNumber,
		Attempt:             1,
		CreatedAt:           c.now().UTC(),
	}
	if qerr := c.queue.Enqueue(cctx, task); qerr != nil {
		c.logger.Error("Failed to enqueue reconciliation task",
			zap.String("order_id", req.OrderID.String()),
			zap.String("order_number", orderNumber),
			zap.Error(qerr),
		)
	}
	return false
}

// ReportUnrecordedPayment queues a payment the gateway confirmed but the order
// could not record, so the charge is reviewed and refunded.
func (c *OrderCompensator) ReportUnrecordedPayment(ctx context.Context, p *models.PaymentTransaction, refID string, cause error) {
	task := ReconciliationTask{
		CompensationRequest: CompensationRequest{
			OrderID: p.OrderID,
			Reason:  "verified payment not recorded: " + cause.Error(),
		},
		Kind:      ReconcileUnrecordedPayment,
		Authority: p.Authority,
		RefID:     refID,
		Attempt:   1,
		CreatedAt: c.now().UTC(),
	}
	if err := c.queue.Enqueue(ctx, task); err != nil {
		c.logger.Error("Failed to enqueue unrecorded payment",
			zap.String("authority", p.Authority),
			zap.String("ref_id", refID),
			zap.Error(err),
		)
	}
}

// resolveUnrecordedPayment publishes a refund request unless the attempt
// succeeded in the meantime.
func (c *OrderCompensator) resolveUnrecordedPayment(ctx context.Context, task ReconciliationTask) error {
	var events []models.DomainEvent
	err := c.store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		events = nil
		p, err := c.store.Payments.GetByAuthorityForUpdate(ctx, task.Authority)
		if err != nil {
			return err
		}
		if p.Status == models.PaymentStatusSuccess {
			return nil
		}
		events = []models.DomainEvent{p.RefundRequired(task.RefID, task.Reason, c.now())}
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		c.logger.Error("Unrecorded payment has no attempt",
			zap.String("authority", task.Authority),
			zap.String("ref_id", task.RefID),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if len(events) > 0 {
		c.logger.Error("Payment captured without a paid order, refund required",
			zap.String("order_id", task.OrderID.String()),
			zap.String("authority", task.Authority),
			zap.String("ref_id", task.RefID),
		)
		c.events.Dispatch(ctx, events)
	}
	return nil
}

func orderLines(order *models.Order) []StockLine {
	lines := make([]StockLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, StockLine{VariantID: item.VariantID, Quantity: item.Quantity})
	}
	return lines
}
