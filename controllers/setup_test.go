package controllers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"checkout-service/controllers"
	"checkout-service/gateways"
	"checkout-service/models"
	"checkout-service/repository"
	"checkout-service/routes"
	"checkout-service/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// --- Fakes ---

type memoryCart struct {
	mu    sync.Mutex
	carts map[string]*models.Cart
}

func (c *memoryCart) GetCart(_ context.Context, userID string) (*models.Cart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cart, ok := c.carts[userID]
	if !ok {
		return nil, nil
	}
	cp := *cart
	return &cp, nil
}

func (c *memoryCart) ClearCart(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.carts, userID)
	return nil
}

type stubWebhooks struct {
	event *gateways.CallbackEvent
	err   error
}

func (s *stubWebhooks) ParseWebhook([]byte, string) (*gateways.CallbackEvent, error) {
	return s.event, s.err
}

// --- Helpers ---

type testApp struct {
	router     *gin.Engine
	store      repository.Store
	cart       *memoryCart
	gateway    *gateways.SandboxGateway
	webhooks   *stubWebhooks
	userID     uuid.UUID
	shippingID uuid.UUID
}

func newTestApp(t *testing.T, checks map[string]controllers.HealthCheck) *testApp {
	t.Helper()
	logger := zap.NewNop()
	store := repository.NewMemoryStore(nil).Store()
	app := &testApp{
		router:   gin.New(),
		store:    store,
		cart:     &memoryCart{carts: make(map[string]*models.Cart)},
		gateway:  gateways.NewSandboxGateway("http://localhost:8090"),
		webhooks: &stubWebhooks{},
		userID:   uuid.New(),
	}

	metrics := services.NopMetrics{}
	events := services.NewEventBus(logger)
	queue := services.NewLogReconciliationQueue(logger)
	inventory := services.NewInventoryService(store, events, metrics, logger)
	discounts := services.NewDiscountEvaluator(store.Discounts, logger)
	compensator := services.NewOrderCompensator(store, inventory, events, queue, metrics, time.Second, logger)
	checkout := services.NewCheckoutService(services.CheckoutDeps{
		Store:       store,
		Inventory:   inventory,
		Discounts:   discounts,
		Compensator: compensator,
		Cart:        app.cart,
		Gateway:     app.gateway,
		Events:      events,
		Metrics:     metrics,
		Logger:      logger,
	}, services.CheckoutOptions{
		Currency:             "USD",
		PaymentExpiryMinutes: 20,
		GatewayTimeout:       time.Second,
		DefaultCallbackURL:   "http://localhost:8090/api/v1/payments/callback",
	})
	payments := services.NewPaymentService(store, inventory, discounts, compensator, app.gateway, events, metrics, time.Second, logger)
	orders := services.NewOrderService(store, compensator, events, logger)

	routes.RegisterRoutes(app.router, routes.Handlers{
		Checkout:  controllers.NewCheckoutController(checkout),
		Payments:  controllers.NewPaymentController(payments, app.webhooks),
		Orders:    controllers.NewOrderController(orders),
		Inventory: controllers.NewInventoryController(inventory),
		Discounts: controllers.NewDiscountController(discounts),
		Health:    controllers.NewHealthController(checks),
		Sandbox:   controllers.NewSandboxController(app.gateway, payments),
	}, []byte("test-secret"))

	shipping := &models.ShippingMethod{ID: uuid.New(), Name: "Standard", Cost: decimal.NewFromInt(5), IsActive: true}
	require.NoError(t, store.Shipping.Create(context.Background(), shipping))
	app.shippingID = shipping.ID
	return app
}

func (a *testApp) addVariant(t *testing.T, price string, stock int) *models.ProductVariant {
	t.Helper()
	v := &models.ProductVariant{
		ID:            uuid.New(),
		ProductID:     uuid.New(),
		CategoryID:    uuid.New(),
		SKU:           "SKU-" + uuid.NewString()[:8],
		Name:          "Test variant",
		SellingPrice:  decimal.RequireFromString(price),
		PurchasePrice: decimal.RequireFromString(price),
		OriginalPrice: decimal.RequireFromString(price),
		StockQuantity: stock,
		IsActive:      true,
		Version:       1,
	}
	require.NoError(t, a.store.Variants.Create(context.Background(), v))
	return v
}

func (a *testApp) fillCart(v *models.ProductVariant, qty int) {
	a.cart.mu.Lock()
	defer a.cart.mu.Unlock()
	a.cart.carts[a.userID.String()] = &models.Cart{
		UserID: a.userID.String(),
		Items:  []models.CartItem{{VariantID: v.ID, Quantity: qty, PriceAtAddTime: v.SellingPrice}},
	}
}

func (a *testApp) checkoutBody() map[string]interface{} {
	return map[string]interface{}{
		"shipping_method_id": a.shippingID,
		"address": map[string]string{
			"full_name":   "Ada Lovelace",
			"phone":       "+441234567",
			"line1":       "12 St James's Square",
			"city":        "London",
			"postal_code": "SW1Y 4JH",
			"country":     "GB",
		},
	}
}

// do sends a request as the app's user. role may be empty.
func (a *testApp) do(method, path string, body interface{}, role string, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", a.userID.String())
	req.Header.Set("X-User-Email", "ada@example.com")
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// checkout places an order for v through the API and returns the decoded result.
func (a *testApp) checkout(t *testing.T, v *models.ProductVariant, qty int) services.CheckoutResult {
	t.Helper()
	a.fillCart(v, qty)
	w := a.do(http.MethodPost, "/api/v1/checkout", a.checkoutBody(), "", map[string]string{
		controllers.IdempotencyKeyHeader: "checkout-" + uuid.NewString(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res services.CheckoutResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

var errDown = errors.New("connection refused")
