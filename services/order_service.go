package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"checkout-service/models"
	"checkout-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OrderResponse struct {
	Orders []models.Order `json:"orders"`
	Meta   MetaData       `json:"meta"`
}

type MetaData struct {
	Page        int   `json:"page"`
	Limit       int   `json:"limit"`
	TotalOrders int64 `json:"total_orders"`
	TotalPages  int64 `json:"total_pages"`
	HasMore     bool  `json:"has_more"`
}

// OrderDetails is an order with its payment attempts.
type OrderDetails struct {
	*models.Order
	Payments []models.PaymentTransaction `json:"payments"`
}

type OrderService struct {
	store       repository.Store
	compensator *OrderCompensator
	events      *EventBus
	logger      *zap.Logger
	now         func() time.Time
}

func NewOrderService(store repository.Store, compensator *OrderCompensator, events *EventBus, logger *zap.Logger) *OrderService {
	return &OrderService{store: store, compensator: compensator, events: events, logger: logger, now: time.Now}
}

// GetOrder returns the user's order. Orders of other users are reported as
// not found.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*OrderDetails, *ServiceError) {
	order, err := s.store.Orders.FindByIDAndUserID(ctx, orderID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFoundError("Order not found")
	}
	if err != nil {
		s.logger.Error("Failed to fetch order", zap.String("order_id", orderID.String()), zap.Error(err))
		return nil, storageError("Failed to fetch order", err)
	}
	payments, err := s.store.Payments.FindByOrderID(ctx, order.ID)
	if err != nil {
		return nil, storageError("Failed to fetch order", err)
	}
	return &OrderDetails{Order: order, Payments: payments}, nil
}

func (s *OrderService) ListOrders(ctx context.Context, userID uuid.UUID, page, limit int) (*OrderResponse, *ServiceError) {
	page, limit = pageParams(page, limit)
	orders, total, err := s.store.Orders.FindByUserID(ctx, userID, page, limit)
	if err != nil {
		s.logger.Error("Failed to fetch orders", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, storageError("Failed to fetch orders", err)
	}
	return &OrderResponse{Orders: orders, Meta: metaData(page, limit, total)}, nil
}

// ListAllOrders is the admin listing across users.
func (s *OrderService) ListAllOrders(ctx context.Context, page, limit int) (*OrderResponse, *ServiceError) {
	page, limit = pageParams(page, limit)
	orders, total, err := s.store.Orders.FindAll(ctx, page, limit)
	if err != nil {
		s.logger.Error("Failed to fetch all orders", zap.Error(err))
		return nil, storageError("Failed to fetch orders", err)
	}
	return &OrderResponse{Orders: orders, Meta: metaData(page, limit, total)}, nil
}

// CancelOrder cancels an unpaid order of the user, releasing its stock and
// closing its open payment attempts. It is refused while a payment attempt is
// being verified with the gateway.
func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID uuid.UUID, reason string) (*models.Order, *ServiceError) {
	order, err := s.store.Orders.FindByIDAndUserID(ctx, orderID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFoundError("Order not found")
	}
	if err != nil {
		return nil, storageError("Failed to fetch order", err)
	}
	if order.IsPaid {
		return nil, &ServiceError{StatusCode: 409, Kind: KindValidation, Message: "Paid orders cannot be cancelled, request a refund instead"}
	}
	if !order.Status.CanTransitionTo(models.OrderStatusCancelled) {
		return nil, &ServiceError{StatusCode: 409, Kind: KindValidation, Message: "Order can no longer be cancelled"}
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by customer"
	}
	err = s.compensator.Compensate(ctx, CompensationRequest{OrderID: order.ID, Reason: reason, Outcome: OutcomeCancelled})
	if errors.Is(err, ErrVerificationInProgress) {
		return nil, &ServiceError{StatusCode: 409, Kind: KindConcurrency, Message: "Payment is being verified, try again shortly", Err: err}
	}
	if err != nil {
		s.logger.Error("Failed to cancel order", zap.String("order_number", order.OrderNumber), zap.Error(err))
		return nil, storageError("Failed to cancel order", err)
	}

	updated, err := s.store.Orders.GetByID(ctx, order.ID)
	if err != nil {
		return nil, storageError("Failed to fetch order", err)
	}
	if updated.IsPaid {
		// a payment callback won the race
		return nil, &ServiceError{StatusCode: 409, Kind: KindValidation, Message: "Paid orders cannot be cancelled, request a refund instead"}
	}
	s.logger.Info("Order cancelled", zap.String("order_number", order.OrderNumber), zap.String("reason", reason))
	return updated, nil
}

// RequestRefund moves a paid or delivered order to Refunded and refunds its
// successful payment attempt. Returned goods are booked back separately
// through a Return stock adjustment.
func (s *OrderService) RequestRefund(ctx context.Context, userID, orderID uuid.UUID, reason string) (*models.Order, *ServiceError) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, validationError("Refund reason is required", nil)
	}
	return s.mutate(ctx, orderID, &userID, func(ctx context.Context, o *models.Order, now time.Time) ([]models.DomainEvent, error) {
		events, err := o.RequestRefund(reason, now)
		if err != nil {
			return nil, err
		}
		attempts, err := s.store.Payments.FindByOrderID(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		for _, a := range attempts {
			if a.Status != models.PaymentStatusSuccess {
				continue
			}
			p, err := s.store.Payments.GetForUpdate(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			evs, err := p.Refund(now)
			if err != nil {
				return nil, err
			}
			if err := s.store.Payments.Update(ctx, p); err != nil {
				return nil, err
			}
			events = append(events, evs...)
		}
		return events, nil
	})
}

func (s *OrderService) Ship(ctx context.Context, orderID uuid.UUID, trackingCode string) (*models.Order, *ServiceError) {
	trackingCode = strings.TrimSpace(trackingCode)
	if trackingCode == "" {
		return nil, validationError("Tracking code is required", nil)
	}
	return s.mutate(ctx, orderID, nil, func(_ context.Context, o *models.Order, now time.Time) ([]models.DomainEvent, error) {
		return o.Ship(trackingCode, now)
	})
}

func (s *OrderService) Deliver(ctx context.Context, orderID uuid.UUID) (*models.Order, *ServiceError) {
	return s.mutate(ctx, orderID, nil, func(_ context.Context, o *models.Order, now time.Time) ([]models.DomainEvent, error) {
		return o.Deliver(now)
	})
}

type orderMutation func(ctx context.Context, o *models.Order, now time.Time) ([]models.DomainEvent, error)

// mutate locks the order, applies fn and saves it. A non-nil userID restricts
// the change to the order's owner.
func (s *OrderService) mutate(ctx context.Context, orderID uuid.UUID, userID *uuid.UUID, fn orderMutation) (*models.Order, *ServiceError) {
	var order *models.Order
	var events []models.DomainEvent
	err := s.store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		o, err := s.store.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if userID != nil && o.UserID != *userID {
			return repository.ErrNotFound
		}
		evs, err := fn(ctx, o, s.now())
		if err != nil {
			return err
		}
		if err := s.store.Orders.Update(ctx, o); err != nil {
			return err
		}
		order, events = o, evs
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFoundError("Order not found")
	}
	if err != nil {
		return nil, storageError("Failed to update order", err)
	}
	s.events.Dispatch(ctx, events)
	s.logger.Info("Order updated",
		zap.String("order_number", order.OrderNumber),
		zap.String("status", string(order.Status)),
	)
	return order, nil
}

func pageParams(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

func metaData(page, limit int, total int64) MetaData {
	return MetaData{
		Page:        page,
		Limit:       limit,
		TotalOrders: total,
		TotalPages:  calculateTotalPages(total, limit),
		HasMore:     total > int64(page*limit),
	}
}

func calculateTotalPages(total int64, limit int) int64 {
	if limit == 0 {
		return 0
	}
	return (total + int64(limit) - 1) / int64(limit)
}
