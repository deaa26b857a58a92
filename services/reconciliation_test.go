package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"checkout-service/models"
	"checkout-service/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	bodies []string
}

func (f *fakeSender) SendMessage(_ context.Context, body string) error {
	f.bodies = append(f.bodies, body)
	return nil
}

func TestSQSReconciliationQueue_SendsJSON(t *testing.T) {
	sender := &fakeSender{}
	queue := services.NewSQSReconciliationQueue(sender)
	orderID := uuid.New()

	err := queue.Enqueue(context.Background(), services.ReconciliationTask{
		CompensationRequest: services.CompensationRequest{
			OrderID:    orderID,
			Reason:     "payment initiation failed",
			Outcome:    services.OutcomeFailed,
			SoftDelete: true,
		},
		OrderNumber: "ORD-1",
		Attempt:     1,
	})
	require.NoError(t, err)
	require.Len(t, sender.bodies, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(sender.bodies[0]), &decoded))
	assert.Equal(t, orderID.String(), decoded["order_id"])
	assert.Equal(t, "failed", decoded["outcome"])
	assert.Equal(t, true, decoded["soft_delete"])
	assert.Equal(t, "ORD-1", decoded["order_number"])
}

func TestReconciliationWorker_DropsMalformedMessages(t *testing.T) {
	h := newHarness(t)
	worker := services.NewReconciliationWorker(h.compensator, zap.NewNop())

	assert.NoError(t, worker.HandleMessage(context.Background(), "{not json"))
}

func TestReconciliationWorker_SkipsPaidOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.addVariant(t, "MUG", "12.00", 5)
	res := h.placeOrder(t, v, 1)
	h.payOrder(t, res)

	body, err := json.Marshal(services.ReconciliationTask{
		CompensationRequest: services.CompensationRequest{OrderID: res.OrderID, Reason: "late", Outcome: services.OutcomeFailed},
		OrderNumber:         res.OrderNumber,
	})
	require.NoError(t, err)

	worker := services.NewReconciliationWorker(h.compensator, zap.NewNop())
	require.NoError(t, worker.HandleMessage(ctx, string(body)))

	order, gerr := h.store.Orders.GetByID(ctx, res.OrderID)
	require.NoError(t, gerr)
	assert.True(t, order.IsPaid)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	assert.Equal(t, 4, h.variant(t, v.ID).StockQuantity)
}

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }

func (f *failingSink) Publish(context.Context, []models.DomainEvent) error {
	f.calls++
	return errors.New("broker down")
}

type fakePublisher struct {
	topics []string
}

func (f *fakePublisher) Publish(_ context.Context, topicArn string, _ []byte) error {
	f.topics = append(f.topics, topicArn)
	return nil
}

func TestEventBus_SinkFailureDoesNotStopOthers(t *testing.T) {
	failing := &failingSink{}
	recorder := &recordingSink{}
	publisher := &fakePublisher{}
	bus := services.NewEventBus(zap.NewNop(), failing, services.NewSNSEventSink(publisher, "arn:aws:sns:eu-west-1:1:orders"), recorder)

	events := []models.DomainEvent{
		{ID: uuid.New(), Type: models.EventOrderCreated},
		{ID: uuid.New(), Type: models.EventStockReserved},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Dispatch(ctx, events)

	assert.Equal(t, 1, failing.calls)
	assert.Len(t, publisher.topics, 2)
	assert.Equal(t, 1, recorder.count(models.EventOrderCreated))
	assert.Equal(t, 1, recorder.count(models.EventStockReserved))
}
