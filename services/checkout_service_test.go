package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"checkout-service/models"
	"checkout-service/repository"
	"checkout-service/services"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCheckout_ReservesStockAndInitiatesPayment(t *testing.T) {
	h := newHarness(t)
	v := h.addVariant(t, "TSHIRT-M", "25.00", 10)
	h.fillCart(line(v, 2))

	res, err := h.checkout.Checkout(context.Background(), h.request("key-happy-0001"))
	require.Nil(t, err)

	assert.Equal(t, "pending", res.Status)
	assert.False(t, res.AlreadyProcessed)
	assert.True(t, decimal.NewFromInt(55).Equal(res.FinalAmount), res.FinalAmount.String())
	assert.True(t, strings.HasPrefix(res.Authority, "sbx_"))
	assert.Contains(t, res.PaymentURL, "/sandbox/pay/"+res.Authority)
	require.NotNil(t, res.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(20*time.Minute), *res.ExpiresAt, 5*time.Second)

	stock := h.variant(t, v.ID)
	assert.Equal(t, 10, stock.StockQuantity)
	assert.Equal(t, 2, stock.ReservedQuantity)

	order, gerr := h.store.Orders.GetByID(context.Background(), res.OrderID)
	require.NoError(t, gerr)
	assert.Equal(t, "GB", order.ShippingAddress.Country)
	require.Len(t, order.Items, 1)
	assert.True(t, decimal.RequireFromString("25.00").Equal(order.Items[0].SellingPrice))

	p := h.payment(t, res.OrderID)
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.Equal(t, res.Authority, p.Authority)

	assert.Equal(t, 1, h.cart.cleared)
	assert.Equal(t, 1, h.sink.count(models.EventOrderCreated))
	assert.Equal(t, 1, h.sink.count(models.EventStockReserved))
	assert.Equal(t, 1, h.sink.count(models.EventPaymentInitiated))
}

func TestCheckout_ReplayReturnsFirstResult(t *testing.T) {
	h := newHarness(t)
	v := h.addVariant(t, "MUG", "12.00", 10)
	h.fillCart(line(v, 2))
	ctx := context.Background()

	first, err := h.checkout.Checkout(ctx, h.request("key-replay-0001"))
	require.Nil(t, err)
	second, err := h.checkout.Checkout(ctx, h.request("key-replay-0001"))
	require.Nil(t, err)

	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.OrderNumber, second.OrderNumber)
	assert.Equal(t, first.Authority, second.Authority)
	assert.Equal(t, 1, h.gateway.initiations())
	assert.Equal(t, 2, h.variant(t, v.ID).ReservedQuantity)
}

func TestCheckout_ConcurrentSameKeyCreatesOneOrder(t *testing.T) {
	h := newHarness(t)
	h.cart.keep = true
	v := h.addVariant(t, "MUG", "12.00", 10)
	h.fillCart(line(v, 2))

	results := make([]*services.CheckoutResult, 5)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.checkout.Checkout(context.Background(), h.request("key-race-0001"))
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, results[0].OrderID, res.OrderID)
	}
	_, total, err := h.store.Orders.FindByUserID(context.Background(), h.userID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, 2, h.variant(t, v.ID).ReservedQuantity)
}

func TestCheckout_StockShortfallListsEveryLine(t *testing.T) {
	h := newHarness(t)
	scarce := h.addVariant(t, "SCARCE", "10.00", 1)
	gone := h.addVariant(t, "GONE", "10.00", 0)
	plenty := h.addVariant(t, "PLENTY", "10.00", 10)
	h.fillCart(line(scarce, 2), line(gone, 1), line(plenty, 1))

	res, err := h.checkout.Checkout(context.Background(), h.request("key-short-0001"))
	require.Nil(t, res)
	require.NotNil(t, err)
	assert.Equal(t, services.KindStockShortfall, err.Kind)
	assert.Equal(t, 409, err.StatusCode)
	assert.ErrorIs(t, err, models.ErrInsufficientStock)

	shortfalls, ok := err.Details.([]services.StockShortfall)
	require.True(t, ok)
	require.Len(t, shortfalls, 2)
	assert.Equal(t, scarce.ID, shortfalls[0].VariantID)
	assert.Equal(t, 1, shortfalls[0].Available)
	assert.Equal(t, gone.ID, shortfalls[1].VariantID)

	assert.Zero(t, h.variant(t, plenty.ID).ReservedQuantity)
	_, total, _ := h.store.Orders.FindByUserID(context.Background(), h.userID, 1, 10)
	assert.Zero(t, total)
	assert.Zero(t, h.gateway.initiations())
}

func TestCheckout_PriceDriftRejected(t *testing.T) {
	h := newHarness(t)
	v := h.addVariant(t, "LAMP", "40.00", 5)
	h.fillCart(models.CartItem{VariantID: v.ID, Quantity: 1, PriceAtAddTime: decimal.RequireFromString("35.00")})

	_, err := h.checkout.Checkout(context.Background(), h.request("key-drift-0001"))
	require.NotNil(t, err)
	assert.Equal(t, services.KindPriceDrift, err.Kind)

	drifts, ok := err.Details.([]services.PriceDrift)
	require.True(t, ok)
	require.Len(t, drifts, 1)
	assert.True(t, decimal.RequireFromString("40.00").Equal(drifts[0].Current))
	assert.Zero(t, h.variant(t, v.ID).ReservedQuantity)
}

func TestCheckout_ExpectedPricesOverrideCart(t *testing.T) {
	h := newHarness(t)
	v := h.addVariant(t, "LAMP", "40.00", 5)
	h.fillCart(models.CartItem{VariantID: v.ID, Quantity: 1, PriceAtAddTime: decimal.RequireFromString("35.00")})

	req := h.request("key-drift-0002")
	req.ExpectedPrices = []services.ExpectedPrice{{VariantID: v.ID, Price: decimal.RequireFromString("40.00")}}
	_, err := h.checkout.Checkout(context.Background(), req)
	assert.Nil(t, err)
}

func TestCheckout_RejectsBadInput(t *testing.T) {
	h := newHarness(t)
	v := h.addVariant(t, "CAP", "15.00", 10)
	ctx := context.Background()
	locked, err := h.store.Variants.GetForUpdate(ctx, v.ID)
	require.NoError(t, err)
	locked.MaxOrderQuantity = 3
	require.NoError(t, h.store.Variants.Update(ctx, locked))

	other := &models.Address{ID: uuid.New(), UserID: uuid.New(), FullName: "X", Line1: "1", City: "Y", PostalCode: "1", Country: "DE"}
	require.NoError(t, h.store.Addresses.Create(ctx, other))

	tests := []struct {
		name   string
		cart   []models.CartItem
		mutate func(r *services.CheckoutRequest)
		kind   services.ErrorKind
	}{
		{
			name:   "missing idempotency key",
			cart:   []models.CartItem{line(v, 1)},
			mutate: func(r *services.CheckoutRequest) { r.IdempotencyKey = "  " },
			kind:   services.KindValidation,
		},
		{
			name: "empty cart",
			kind: services.KindValidation,
		},
		{
			name: "above max order quantity",
			cart: []models.CartItem{line(v, 4)},
			kind: services.KindValidation,
		},
		{
			name:   "unknown shipping method",
			cart:   []models.CartItem{line(v, 1)},
			mutate: func(r *services.CheckoutRequest) { r.ShippingMethodID = uuid.New() },
			kind:   services.KindValidation,
		},
		{
			name: "address of another user",
			cart: []models.CartItem{line(v, 1)},
			mutate: func(r *services.CheckoutRequest) {
				r.Address = nil
				r.AddressID = &other.ID
			},
			kind: services.KindForbidden,
		},
		{
			name:   "no address",
			cart:   []models.CartItem{line(v, 1)},
			mutate: func(r *services.CheckoutRequest) { r.Address = nil },
			kind:   services.KindValidation,
		},
		{
			name:   "unknown discount code",
			cart:   []models.CartItem{line(v, 1)},
			mutate: func(r *services.CheckoutRequest) { r.DiscountCode = "NOPE" },
			kind:   services.KindValidation,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.fillCart(tt.cart...)
			req := h.request("key-bad-input-" + string(rune('a'+i)))
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			res, err := h.checkout.Checkout(ctx, req)
			assert.Nil(t, res)
			require.NotNil(t, err)
			assert.Equal(t, tt.kind, err.Kind)
		})
	}
	assert.Zero(t, h.variant(t, v.ID).ReservedQuantity)
	assert.Zero(t, h.gateway.initiations())
}

func TestCheckout_DiscountUsageRecordedOnPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.addVariant(t, "BOOK", "25.00", 10)
	d, serr := h.discounts.CreateDiscount(ctx, &services.CreateDiscountRequest{
		Code:         "save10",
		Type:         models.DiscountTypePercentage,
		Value:        decimal.NewFromInt(10),
		PerUserLimit: 1,
	})
	require.Nil(t, serr)

	h.fillCart(line(v, 2))
	req := h.request("key-discount-0001")
	req.DiscountCode = "SAVE10"
	res, err := h.checkout.Checkout(ctx, req)
	require.Nil(t, err)
	// 50 - 5 + 5 shipping
	assert.True(t, decimal.NewFromInt(50).Equal(res.FinalAmount), res.FinalAmount.String())

	used, uerr := h.store.Discounts.CountUsagesByUser(ctx, d.ID, h.userID)
	require.NoError(t, uerr)
	assert.Zero(t, used)

	h.payOrder(t, res)
	used, uerr = h.store.Discounts.CountUsagesByUser(ctx, d.ID, h.userID)
	require.NoError(t, uerr)
	assert.Equal(t, 1, used)

	h.fillCart(line(v, 1))
	again := h.request("key-discount-0002")
	again.DiscountCode = "save10"
	_, err = h.checkout.Checkout(ctx, again)
	require.NotNil(t, err)
	assert.Equal(t, services.KindValidation, err.Kind)
}

func TestCheckout_GatewayFailureCompensates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.addVariant(t, "SHOE", "80.00", 3)
	h.fillCart(line(v, 2))
	h.gateway.setInitiateErr(errors.New("connection reset by peer"))

	res, err := h.checkout.Checkout(ctx, h.request("key-gateway-0001"))
	assert.Nil(t, res)
	require.NotNil(t, err)
	assert.Equal(t, services.KindGateway, err.Kind)
	assert.Equal(t, 502, err.StatusCode)

	assert.Zero(t, h.variant(t, v.ID).ReservedQuantity)
	_, ferr := h.store.Orders.FindByIdempotencyKey(ctx, h.userID, "key-gateway-0001")
	assert.ErrorIs(t, ferr, repository.ErrNotFound)
	assert.Empty(t, h.queue.tasks)
	assert.Equal(t, 1, h.sink.count(models.EventOrderCancelled))
	assert.Equal(t, 1, h.sink.count(models.EventPaymentFailed))
	assert.Equal(t, 1, h.sink.count(models.EventStockReleased))
	assert.Zero(t, h.cart.cleared)

	// the key is free again
	h.gateway.setInitiateErr(nil)
	retry, err := h.checkout.Checkout(ctx, h.request("key-gateway-0001"))
	require.Nil(t, err)
	assert.False(t, retry.AlreadyProcessed)
	assert.Equal(t, 2, h.variant(t, v.ID).ReservedQuantity)
}

type failingSoftDelete struct {
	repository.OrderRepository
}

func (failingSoftDelete) SoftDelete(context.Context, uuid.UUID) error {
	return errors.New("storage unavailable")
}

func TestCheckout_FailedCompensationIsQueuedAndReplayed(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(nil).Store()
	broken := store
	broken.Orders = failingSoftDelete{store.Orders}
	h := newHarnessWithStore(t, broken)

	v := h.addVariant(t, "SHOE", "80.00", 3)
	h.fillCart(line(v, 2))
	h.gateway.setInitiateErr(errors.New("timeout"))

	_, err := h.checkout.Checkout(ctx, h.request("key-recon-0001"))
	require.NotNil(t, err)
	assert.Equal(t, services.KindGateway, err.Kind)

	require.Len(t, h.queue.tasks, 1)
	task := h.queue.tasks[0]
	assert.True(t, task.SoftDelete)
	assert.Equal(t, services.OutcomeFailed, task.Outcome)
	assert.NotEmpty(t, task.OrderNumber)
	assert.Equal(t, 2, h.variant(t, v.ID).ReservedQuantity)

	logger := zap.NewNop()
	events := services.NewEventBus(logger)
	inventory := services.NewInventoryService(store, events, services.NopMetrics{}, logger)
	compensator := services.NewOrderCompensator(store, inventory, events, h.queue, services.NopMetrics{}, time.Second, logger)
	worker := services.NewReconciliationWorker(compensator, logger)

	body, merr := json.Marshal(task)
	require.NoError(t, merr)
	require.NoError(t, worker.HandleMessage(ctx, string(body)))
	require.NoError(t, worker.HandleMessage(ctx, string(body)))

	assert.Zero(t, h.variant(t, v.ID).ReservedQuantity)
	_, ferr := store.Orders.FindByIdempotencyKey(ctx, h.userID, "key-recon-0001")
	assert.ErrorIs(t, ferr, repository.ErrNotFound)
	entries, lerr := store.Ledger.FindByReference(ctx, task.OrderNumber)
	require.NoError(t, lerr)
	assert.Len(t, entries, 2)
}

func TestCheckout_CancelledContextCreatesNothing(t *testing.T) {
	h := newHarness(t)
	v := h.addVariant(t, "MUG", "12.00", 10)
	h.fillCart(line(v, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.checkout.Checkout(ctx, h.request("key-cancel-0001"))
	require.NotNil(t, err)
	assert.Equal(t, services.KindCancelled, err.Kind)
	assert.Zero(t, h.variant(t, v.ID).ReservedQuantity)
}
