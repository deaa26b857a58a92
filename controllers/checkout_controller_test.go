package controllers_test

import (
	"context"
	"net/http"
	"testing"

	"checkout-service/controllers"
	"checkout-service/services"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Checkout_CreatedThenReplayed(t *testing.T) {
	app := newTestApp(t, nil)
	v := app.addVariant(t, "25.00", 10)
	app.fillCart(v, 2)
	headers := map[string]string{controllers.IdempotencyKeyHeader: "order-key-0001"}

	w := app.do(http.MethodPost, "/api/v1/checkout", app.checkoutBody(), "", headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode(t, w)
	amount, err := decimal.NewFromString(first["final_amount"].(string))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(55).Equal(amount), amount.String())
	assert.Equal(t, false, first["already_processed"])
	assert.NotEmpty(t, first["payment_url"])

	w = app.do(http.MethodPost, "/api/v1/checkout", app.checkoutBody(), "", headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	replay := decode(t, w)
	assert.Equal(t, first["order_id"], replay["order_id"])
	assert.Equal(t, true, replay["already_processed"])

	stock, gerr := app.store.Variants.GetByID(context.Background(), v.ID)
	require.NoError(t, gerr)
	assert.Equal(t, 2, stock.ReservedQuantity)
}

func TestController_Checkout_BadRequests(t *testing.T) {
	app := newTestApp(t, nil)
	v := app.addVariant(t, "25.00", 10)
	app.fillCart(v, 1)

	withBodyKey := app.checkoutBody()
	withBodyKey["idempotency_key"] = "body-key-0001"

	tests := []struct {
		name    string
		body    interface{}
		headers map[string]string
	}{
		{"missing idempotency key", app.checkoutBody(), nil},
		{"malformed idempotency key", app.checkoutBody(), map[string]string{controllers.IdempotencyKeyHeader: "bad key!"}},
		{"header and body keys differ", withBodyKey, map[string]string{controllers.IdempotencyKeyHeader: "header-key-0001"}},
		{"missing shipping method", map[string]interface{}{"address_id": uuid.New()}, map[string]string{controllers.IdempotencyKeyHeader: "order-key-0002"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := app.do(http.MethodPost, "/api/v1/checkout", tt.body, "", tt.headers)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, string(services.KindValidation), decode(t, w)["kind"])
		})
	}
}

func TestController_Checkout_StockShortfall(t *testing.T) {
	app := newTestApp(t, nil)
	v := app.addVariant(t, "25.00", 1)
	app.fillCart(v, 3)

	w := app.do(http.MethodPost, "/api/v1/checkout", app.checkoutBody(), "", map[string]string{
		controllers.IdempotencyKeyHeader: "order-key-0003",
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, string(services.KindStockShortfall), resp["kind"])
	details, ok := resp["details"].([]interface{})
	require.True(t, ok)
	assert.Len(t, details, 1)
}

func TestController_Checkout_RequiresIdentity(t *testing.T) {
	app := newTestApp(t, nil)
	w := app.do(http.MethodPost, "/api/v1/checkout", app.checkoutBody(), "", map[string]string{
		"X-User-ID": "not-a-uuid",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
