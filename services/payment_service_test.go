package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"checkout-service/models"
	"checkout-service/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHandleCallback_SuccessConfirmsReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.addVariant(t, "TSHIRT-M", "25.00", 10)
	res := h.placeOrder(t, v, 2)

	cb := h.payOrder(t, res)
	assert.False(t, cb.AlreadyVerified)
	assert.Equal(t, models.PaymentStatusSuccess, cb.Status)
	assert.NotEmpty(t, cb.RefID)
	assert.Equal(t, res.OrderNumber, cb.OrderNumber)

	order, err := h.store.Orders.GetByID(ctx, res.OrderID)
	require.NoError(t, err)
	assert.True(t, order.IsPaid)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	require.NotNil(t, order.PaymentRefID)
	assert.Equal(t, cb.RefID, *order.PaymentRefID)

	stock := h.variant(t, v.ID)
	assert.Equal(t, 8, stock.StockQuantity)
	assert.Zero(t, stock.ReservedQuantity)

	p := h.payment(t, res.OrderID)
	assert.Equal(t, models.PaymentStatusSuccess, p.Status)
	assert.False(t, p.IsVerificationInProgress)

	entries, err := h.store.Ledger.FindByReference(ctx, res.OrderNumber)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, 1, h.sink.count(models.EventOrderPaid))
	assert.Equal(t, 1, h.sink.count(models.EventStockCommitted))
}

func TestHandleCallback_DuplicateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	v := h.addVariant(t, "TSHIRT-M", "25.00", 10)
	res := h.placeOrder(t, v, 2)
	first := h.payOrder(t, res)

	again, err := h.payments.HandleCallback(context.Background(), services.CallbackRequest{Authority: res.Authority, Status: "OK"})
	require.Nil(t, err)
	assert.True(t, again.Paid)
	assert.True(t, again.AlreadyVerified)
	assert.Equal(t, first.RefID, again.RefID)

	stock := h.variant(t, v.ID)
	assert.Equal(t, 8, stock.StockQuantity)
	assert.Equal(t, 1, h.sink.count(models.EventPaymentSucceeded))
}

func TestHandleCallback_ExpiredPaymentReleasesStock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.addVariant(t, "TSHIRT-M", "25.00", 10)
	res := h.placeOrder(t, v, 2)
	h.expirePayment(t, h.payment(t, res.OrderID).ID)

	cb, err := h.payments.HandleCallback(ctx, services.CallbackRequest{Authority: res.Authority, Status: "OK"})
	require.Nil(t, err)
	assert.False(t, cb.Paid)
	assert.Equal(t, models.PaymentStatusExpired, cb.Status)

	order, gerr := h.store.Orders.GetByID(ctx, res.OrderID)
	require.NoError(t, gerr)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.False(t, order.IsPaid)
	assert.Equal(t, models.PaymentStatusExpired, h.payment(t, res.OrderID).Status)

	stock := h.variant(t, v.ID)
	assert.Equal(t, 10, stock.StockQuantity)
	assert.Zero(t, stock.ReservedQuantity)
}

func TestHandleCallback_UnpaidOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		decline bool
	}{
		{name: "declined at gateway", status: "OK", decline: true},
		{name: "cancelled by user", status: "NOK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			v := h.addVariant(t, "MUG", "12.00", 5)
			res := h.placeOrder(t, v, 1)
			if tt.decline {
				h.gateway.Decline(res.Authority)
			}

			cb, err := h.payments.HandleCallback(ctx, services.CallbackRequest{Authority: res.Authority, Status: tt.status})
			require.Nil(t, err)
			assert.False(t, cb.Paid)
			assert.Equal(t, models.PaymentStatusFailed, cb.Status)

			order, gerr := h.store.Orders.GetByID(ctx, res.OrderID)
			require.NoError(t, gerr)
			assert.Equal(t, models.OrderStatusCancelled, order.Status)
			assert.Equal(t, models.PaymentStatusFailed, h.payment(t, res.OrderID).Status)
			assert.Zero(t, h.variant(t, v.ID).ReservedQuantity)
		})
	}
}

func TestHandleCallback_GatewayErrorCanBeRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.addVariant(t, "MUG", "12.00", 5)
	res := h.placeOrder(t, v, 1)

	h.gateway.setVerifyErr(errors.New("gateway timeout"))
	_, err := h.payments.HandleCallback(ctx, services.CallbackRequest{Authority: res.Authority})
	require.NotNil(t, err)
	assert.Equal(t, services.KindGateway, err.Kind)

	p := h.payment(t, res.OrderID)
	assert.Equal(t, models.PaymentStatusProcessing, p.Status)
	assert.True(t, p.IsVerificationInProgress)
	assert.Equal(t, 1, h.variant(t, v.ID).ReservedQuantity)

	h.gateway.setVerifyErr(nil)
	h.payOrder(t, res)
	assert.Equal(t, 4, h.variant(t, v.ID).StockQuantity)
}

func TestHandleCallback_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.payments.HandleCallback(ctx, services.CallbackRequest{Authority: " "})
	require.NotNil(t, err)
	assert.Equal(t, services.KindValidation, err.Kind)

	_, err = h.payments.HandleCallback(ctx, services.CallbackRequest{Authority: "sbx_unknown"})
	require.NotNil(t, err)
	assert.Equal(t, services.KindNotFound, err.Kind)

	v := h.addVariant(t, "MUG", "12.00", 5)
	res := h.placeOrder(t, v, 1)
	_, serr := h.orders.CancelOrder(ctx, h.userID, res.OrderID, "")
	require.Nil(t, serr)

	_, err = h.payments.HandleCallback(ctx, services.CallbackRequest{Authority: res.Authority, Status: "OK"})
	require.NotNil(t, err)
	assert.Equal(t, 409, err.StatusCode)

	order, gerr := h.store.Orders.GetByID(ctx, res.OrderID)
	require.NoError(t, gerr)
	assert.False(t, order.IsPaid)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
}

func TestExpireStalePayments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.addVariant(t, "MUG", "12.00", 10)
	stale := h.placeOrder(t, v, 2)
	fresh := h.placeOrder(t, v, 3)
	h.expirePayment(t, h.payment(t, stale.OrderID).ID)

	n, err := h.payments.ExpireStalePayments(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.PaymentStatusExpired, h.payment(t, stale.OrderID).Status)
	assert.Equal(t, models.PaymentStatusPending, h.payment(t, fresh.OrderID).Status)
	assert.Equal(t, 3, h.variant(t, v.ID).ReservedQuantity)

	n, err = h.payments.ExpireStalePayments(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunExpirySweeper(t *testing.T) {
	h := newHarness(t)
	v := h.addVariant(t, "MUG", "12.00", 10)
	res := h.placeOrder(t, v, 2)
	h.expirePayment(t, h.payment(t, res.OrderID).ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.payments.RunExpirySweeper(ctx, 10*time.Millisecond, 10)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		current, err := h.store.Variants.GetByID(context.Background(), v.ID)
		return err == nil && current.ReservedQuantity == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

type callbackOutcome struct {
	result *services.CallbackResult
	err    *services.ServiceError
}

// startHeldCallback runs a callback whose gateway verification is parked
// until release is called.
func startHeldCallback(h *harness, authority string) (<-chan callbackOutcome, func()) {
	entered, release := h.gateway.holdVerification()
	done := make(chan callbackOutcome, 1)
	go func() {
		cb, err := h.payments.HandleCallback(context.Background(), services.CallbackRequest{Authority: authority, Status: "OK"})
		done <- callbackOutcome{result: cb, err: err}
	}()
	<-entered
	return done, release
}

func TestHandleCallback_InFlightVerificationHoldsOffCancelAndExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.addVariant(t, "TSHIRT-M", "25.00", 5)
	res := h.placeOrder(t, v, 2)

	done, release := startHeldCallback(h, res.Authority)

	_, serr := h.orders.CancelOrder(ctx, h.userID, res.OrderID, "")
	require.NotNil(t, serr)
	assert.Equal(t, http.StatusConflict, serr.StatusCode)
	assert.Equal(t, services.KindConcurrency, serr.Kind)
	assert.ErrorIs(t, serr, services.ErrVerificationInProgress)

	h.expirePayment(t, h.payment(t, res.OrderID).ID)
	expired, err := h.payments.ExpireStalePayments(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, expired)
	assert.Equal(t, 2, h.variant(t, v.ID).ReservedQuantity)

	release()
	out := <-done
	require.Nil(t, out.err)
	assert.True(t, out.result.Paid)
	assert.Equal(t, "held-ref", out.result.RefID)

	order, gerr := h.store.Orders.GetByID(ctx, res.OrderID)
	require.NoError(t, gerr)
	assert.True(t, order.IsPaid)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	assert.Equal(t, models.PaymentStatusSuccess, h.payment(t, res.OrderID).Status)

	stock := h.variant(t, v.ID)
	assert.Equal(t, 3, stock.StockQuantity)
	assert.Zero(t, stock.ReservedQuantity)
	assert.Empty(t, h.queue.tasks)
}

func TestCancelOrder_StaleVerificationNoLongerBlocks(t *testing.T) {
	h := newHarness(t)
	h.compensator.WithVerificationWindow(time.Millisecond)
	ctx := context.Background()
	v := h.addVariant(t, "MUG", "12.00", 5)
	res := h.placeOrder(t, v, 1)

	h.gateway.setVerifyErr(errors.New("gateway timeout"))
	_, cerr := h.payments.HandleCallback(ctx, services.CallbackRequest{Authority: res.Authority})
	require.NotNil(t, cerr)
	require.True(t, h.payment(t, res.OrderID).IsVerificationInProgress)
	time.Sleep(5 * time.Millisecond)

	order, serr := h.orders.CancelOrder(ctx, h.userID, res.OrderID, "")
	require.Nil(t, serr)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Equal(t, models.PaymentStatusCancelled, h.payment(t, res.OrderID).Status)
	assert.Zero(t, h.variant(t, v.ID).ReservedQuantity)
}

func TestHandleCallback_UnrecordedPaymentIsQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.addVariant(t, "MUG", "12.00", 5)
	res := h.placeOrder(t, v, 1)

	done, release := startHeldCallback(h, res.Authority)

	// the attempt is closed behind the verification's back
	require.NoError(t, h.store.UoW.WithinTransaction(ctx, func(ctx context.Context) error {
		p, err := h.store.Payments.GetByAuthorityForUpdate(ctx, res.Authority)
		if err != nil {
			return err
		}
		if _, err := p.Cancel(time.Now()); err != nil {
			return err
		}
		return h.store.Payments.Update(ctx, p)
	}))

	release()
	out := <-done
	require.NotNil(t, out.err)
	assert.Equal(t, http.StatusConflict, out.err.StatusCode)

	require.Len(t, h.queue.tasks, 1)
	task := h.queue.tasks[0]
	assert.Equal(t, services.ReconcileUnrecordedPayment, task.Kind)
	assert.Equal(t, res.Authority, task.Authority)
	assert.Equal(t, "held-ref", task.RefID)
	assert.Equal(t, res.OrderID, task.OrderID)

	body, err := json.Marshal(task)
	require.NoError(t, err)
	worker := services.NewReconciliationWorker(h.compensator, zap.NewNop())
	require.NoError(t, worker.HandleMessage(ctx, string(body)))
	assert.Equal(t, 1, h.sink.count(models.EventPaymentRefundRequired))
}
