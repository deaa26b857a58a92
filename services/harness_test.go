package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"checkout-service/gateways"
	"checkout-service/models"
	"checkout-service/repository"
	"checkout-service/services"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGateway struct {
	*gateways.SandboxGateway

	mu          sync.Mutex
	initiated   int
	initiateErr error
	verifyErr   error
	entered     chan struct{}
	release     chan struct{}
}

func (g *fakeGateway) InitiatePayment(ctx context.Context, req gateways.PaymentRequest) (*gateways.PaymentInitiation, error) {
	g.mu.Lock()
	g.initiated++
	err := g.initiateErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g.SandboxGateway.InitiatePayment(ctx, req)
}

func (g *fakeGateway) VerifyPayment(ctx context.Context, authority string, amount decimal.Decimal) (*gateways.PaymentVerification, error) {
	g.mu.Lock()
	err := g.verifyErr
	entered, release := g.entered, g.release
	g.entered, g.release = nil, nil
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if release != nil {
		close(entered)
		<-release
		return &gateways.PaymentVerification{Paid: true, RefID: "held-ref", CardMask: "**** 4242", Status: "paid"}, nil
	}
	return g.SandboxGateway.VerifyPayment(ctx, authority, amount)
}

// holdVerification parks the next VerifyPayment call until release is
// called, then reports the payment as paid.
func (g *fakeGateway) holdVerification() (entered <-chan struct{}, release func()) {
	in, out := make(chan struct{}), make(chan struct{})
	g.mu.Lock()
	g.entered, g.release = in, out
	g.mu.Unlock()
	return in, func() { close(out) }
}

func (g *fakeGateway) setInitiateErr(err error) {
	g.mu.Lock()
	g.initiateErr = err
	g.mu.Unlock()
}

func (g *fakeGateway) setVerifyErr(err error) {
	g.mu.Lock()
	g.verifyErr = err
	g.mu.Unlock()
}

func (g *fakeGateway) initiations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initiated
}

type fakeCart struct {
	mu      sync.Mutex
	carts   map[string]*models.Cart
	cleared int
	keep    bool
}

func (c *fakeCart) GetCart(_ context.Context, userID string) (*models.Cart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cart, ok := c.carts[userID]
	if !ok {
		return nil, nil
	}
	cp := *cart
	return &cp, nil
}

func (c *fakeCart) ClearCart(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.keep {
		delete(c.carts, userID)
	}
	c.cleared++
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.DomainEvent
}

func (s *recordingSink) Name() string { return "recorder" }

func (s *recordingSink) Publish(_ context.Context, events []models.DomainEvent) error {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count(t models.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []services.ReconciliationTask
}

func (q *recordingQueue) Enqueue(_ context.Context, task services.ReconciliationTask) error {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	return nil
}

type harness struct {
	store       repository.Store
	gateway     *fakeGateway
	cart        *fakeCart
	sink        *recordingSink
	queue       *recordingQueue
	inventory   *services.InventoryService
	discounts   *services.DiscountEvaluator
	compensator *services.OrderCompensator
	checkout    *services.CheckoutService
	payments    *services.PaymentService
	orders      *services.OrderService
	userID      uuid.UUID
	shippingID  uuid.UUID
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, repository.NewMemoryStore(nil).Store())
}

func newHarnessWithStore(t *testing.T, store repository.Store) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		store:   store,
		gateway: &fakeGateway{SandboxGateway: gateways.NewSandboxGateway("http://localhost:8090")},
		cart:    &fakeCart{carts: make(map[string]*models.Cart)},
		sink:    &recordingSink{},
		queue:   &recordingQueue{},
		userID:  uuid.New(),
	}
	metrics := services.NopMetrics{}
	events := services.NewEventBus(logger, h.sink)
	h.inventory = services.NewInventoryService(store, events, metrics, logger)
	h.discounts = services.NewDiscountEvaluator(store.Discounts, logger)
	h.compensator = services.NewOrderCompensator(store, h.inventory, events, h.queue, metrics, time.Second, logger)
	h.checkout = services.NewCheckoutService(services.CheckoutDeps{
		Store:       store,
		Inventory:   h.inventory,
		Discounts:   h.discounts,
		Compensator: h.compensator,
		Cart:        h.cart,
		Gateway:     h.gateway,
		Events:      events,
		Metrics:     metrics,
		Logger:      logger,
	}, services.CheckoutOptions{
		Currency:             "USD",
		PaymentExpiryMinutes: 20,
		GatewayTimeout:       time.Second,
		DefaultCallbackURL:   "http://localhost:8090/api/v1/payments/callback",
	})
	h.payments = services.NewPaymentService(store, h.inventory, h.discounts, h.compensator, h.gateway, events, metrics, time.Second, logger)
	h.orders = services.NewOrderService(store, h.compensator, events, logger)

	shipping := &models.ShippingMethod{ID: uuid.New(), Name: "Standard", Cost: decimal.NewFromInt(5), IsActive: true}
	require.NoError(t, store.Shipping.Create(context.Background(), shipping))
	h.shippingID = shipping.ID
	return h
}

func (h *harness) addVariant(t *testing.T, sku, price string, stock int) *models.ProductVariant {
	t.Helper()
	v := &models.ProductVariant{
		ID:            uuid.New(),
		ProductID:     uuid.New(),
		CategoryID:    uuid.New(),
		SKU:           sku,
		Name:          sku,
		SellingPrice:  decimal.RequireFromString(price),
		PurchasePrice: decimal.RequireFromString(price),
		OriginalPrice: decimal.RequireFromString(price),
		StockQuantity: stock,
		IsActive:      true,
		Version:       1,
	}
	require.NoError(t, h.store.Variants.Create(context.Background(), v))
	return v
}

func (h *harness) fillCart(lines ...models.CartItem) {
	h.cart.mu.Lock()
	h.cart.carts[h.userID.String()] = &models.Cart{UserID: h.userID.String(), Items: lines}
	h.cart.mu.Unlock()
}

func line(v *models.ProductVariant, qty int) models.CartItem {
	return models.CartItem{VariantID: v.ID, Quantity: qty, PriceAtAddTime: v.SellingPrice}
}

func (h *harness) request(key string) services.CheckoutRequest {
	return services.CheckoutRequest{
		UserID:         h.userID,
		IdempotencyKey: key,
		Address: &services.AddressInput{
			FullName:   "Ada Lovelace",
			Phone:      "+441234567",
			Line1:      "12 St James's Square",
			City:       "London",
			PostalCode: "SW1Y 4JH",
			Country:    "gb",
		},
		ShippingMethodID: h.shippingID,
	}
}

func (h *harness) variant(t *testing.T, id uuid.UUID) *models.ProductVariant {
	t.Helper()
	v, err := h.store.Variants.GetByID(context.Background(), id)
	require.NoError(t, err)
	return v
}

func (h *harness) payment(t *testing.T, orderID uuid.UUID) *models.PaymentTransaction {
	t.Helper()
	attempts, err := h.store.Payments.FindByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	return &attempts[0]
}

// expirePayment moves the attempt's expiry into the past.
func (h *harness) expirePayment(t *testing.T, paymentID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	p, err := h.store.Payments.GetForUpdate(ctx, paymentID)
	require.NoError(t, err)
	p.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, h.store.Payments.Update(ctx, p))
}

// placeOrder checks out one line and returns the result.
func (h *harness) placeOrder(t *testing.T, v *models.ProductVariant, qty int) *services.CheckoutResult {
	t.Helper()
	h.fillCart(line(v, qty))
	res, err := h.checkout.Checkout(context.Background(), h.request("key-"+uuid.NewString()))
	require.Nil(t, err)
	return res
}

// payOrder runs a successful gateway callback for the order.
func (h *harness) payOrder(t *testing.T, res *services.CheckoutResult) *services.CallbackResult {
	t.Helper()
	cb, err := h.payments.HandleCallback(context.Background(), services.CallbackRequest{Authority: res.Authority, Status: "OK"})
	require.Nil(t, err)
	require.True(t, cb.Paid)
	return cb
}
