package routes

import (
	"checkout-service/controllers"
	"checkout-service/middleware"

	"github.com/gin-gonic/gin"
)

// Handlers bundles every controller the router mounts. Sandbox is nil unless
// the sandbox gateway is in use.
type Handlers struct {
	Checkout  *controllers.CheckoutController
	Payments  *controllers.PaymentController
	Orders    *controllers.OrderController
	Inventory *controllers.InventoryController
	Discounts *controllers.DiscountController
	Health    *controllers.HealthController
	Sandbox   *controllers.SandboxController
}

func RegisterRoutes(r *gin.Engine, h Handlers, jwtSecret []byte) {
	auth := middleware.AuthMiddleware(jwtSecret)

	r.GET("/health", h.Health.Health)

	api := r.Group("/api/v1")
	{
		api.POST("/checkout", auth, h.Checkout.Checkout)

		// Gateway redirects and webhooks carry no user identity.
		payments := api.Group("/payments")
		payments.GET("/callback", h.Payments.Callback)
		payments.POST("/callback", h.Payments.Callback)
		payments.POST("/webhook/stripe", h.Payments.StripeWebhook)

		orders := api.Group("/orders", auth)
		orders.GET("", h.Orders.GetOrders)
		orders.GET("/:id", h.Orders.GetOrderByID)
		orders.POST("/:id/cancel", h.Orders.CancelOrder)
		orders.POST("/:id/refund", h.Orders.RequestRefund)
	}

	admin := r.Group("/admin", auth, middleware.AdminOnly())
	{
		admin.GET("/orders", h.Orders.GetAllOrders)
		admin.POST("/orders/:id/ship", h.Orders.ShipOrder)
		admin.POST("/orders/:id/deliver", h.Orders.DeliverOrder)

		admin.GET("/inventory/:variantId", h.Inventory.GetStock)
		admin.POST("/inventory/:variantId/adjust", h.Inventory.AdjustStock)
		admin.GET("/inventory/:variantId/ledger", h.Inventory.GetLedger)

		admin.POST("/discounts", h.Discounts.CreateDiscount)
	}

	if h.Sandbox != nil {
		r.GET("/sandbox/pay/:authority", h.Sandbox.Pay)
	}
}
