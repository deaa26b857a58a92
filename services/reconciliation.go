package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	aws_pkg "checkout-service/pkg/aws"

	"go.uber.org/zap"
)

type ReconciliationKind string

const (
	// ReconcileCompensation replays a compensation that could not finish inline.
	ReconcileCompensation ReconciliationKind = "compensate"
	// ReconcileUnrecordedPayment is a gateway charge the order could not record.
	ReconcileUnrecordedPayment ReconciliationKind = "unrecorded_payment"
)

// ReconciliationTask is follow-up work that could not finish inline. An empty
// Kind is a compensation.
type ReconciliationTask struct {
	CompensationRequest
	Kind        ReconciliationKind `json:"kind,omitempty"`
	Authority   string             `json:"authority,omitempty"`
	RefID       string             `json:"ref_id,omitempty"`
	OrderNumber string             `json:"order_number"`
	Attempt     int                `json:"attempt"`
	CreatedAt   time.Time          `json:"created_at"`
}

type ReconciliationQueue interface {
	Enqueue(ctx context.Context, task ReconciliationTask) error
}

// SQSReconciliationQueue sends tasks as JSON messages.
type SQSReconciliationQueue struct {
	sender aws_pkg.MessageSender
}

func NewSQSReconciliationQueue(sender aws_pkg.MessageSender) *SQSReconciliationQueue {
	return &SQSReconciliationQueue{sender: sender}
}

func (q *SQSReconciliationQueue) Enqueue(ctx context.Context, task ReconciliationTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal reconciliation task: %w", err)
	}
	return q.sender.SendMessage(ctx, string(body))
}

// LogReconciliationQueue is used when no queue is configured. Tasks are only
// logged and must be replayed by hand.
type LogReconciliationQueue struct {
	logger *zap.Logger
}

func NewLogReconciliationQueue(logger *zap.Logger) *LogReconciliationQueue {
	return &LogReconciliationQueue{logger: logger}
}

func (q *LogReconciliationQueue) Enqueue(_ context.Context, task ReconciliationTask) error {
	q.logger.Error("Reconciliation required",
		zap.String("order_id", task.OrderID.String()),
		zap.String("order_number", task.OrderNumber),
		zap.String("reason", task.Reason),
		zap.String("outcome", string(task.Outcome)),
		zap.String("kind", string(task.Kind)),
		zap.String("ref_id", task.RefID),
	)
	return nil
}

// ReconciliationWorker replays queued compensations. A handler error leaves
// the message on the queue for redelivery.
type ReconciliationWorker struct {
	compensator *OrderCompensator
	logger      *zap.Logger
}

func NewReconciliationWorker(compensator *OrderCompensator, logger *zap.Logger) *ReconciliationWorker {
	return &ReconciliationWorker{compensator: compensator, logger: logger}
}

// HandleMessage matches aws_pkg.MessageHandler.
func (w *ReconciliationWorker) HandleMessage(ctx context.Context, body string) error {
	var task ReconciliationTask
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		// a malformed message will never succeed; drop it
		w.logger.Error("Discarding malformed reconciliation task", zap.Error(err))
		return nil
	}

	if task.Kind == ReconcileUnrecordedPayment {
		if err := w.compensator.resolveUnrecordedPayment(ctx, task); err != nil {
			return fmt.Errorf("resolve payment %s: %w", task.Authority, err)
		}
		return nil
	}

	w.logger.Info("Replaying compensation",
		zap.String("order_id", task.OrderID.String()),
		zap.String("order_number", task.OrderNumber),
		zap.Int("attempt", task.Attempt),
	)
	if err := w.compensator.Compensate(ctx, task.CompensationRequest); err != nil {
		return fmt.Errorf("reconcile order %s: %w", task.OrderNumber, err)
	}
	return nil
}
