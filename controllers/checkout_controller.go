package controllers

import (
	"net/http"
	"strings"

	"checkout-service/logger"
	"checkout-service/middleware"
	"checkout-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type CheckoutController struct {
	checkout *services.CheckoutService
}

func NewCheckoutController(checkout *services.CheckoutService) *CheckoutController {
	RegisterValidators()
	return &CheckoutController{checkout: checkout}
}

// Checkout handles POST /api/v1/checkout. A new order answers 201; a replayed
// idempotency key answers 200 with the original result.
func (cc *CheckoutController) Checkout(c *gin.Context) {
	var req services.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	header := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
	switch {
	case header != "" && req.IdempotencyKey != "" && header != req.IdempotencyKey:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key header and body field differ", "kind": services.KindValidation})
		return
	case header != "":
		req.IdempotencyKey = header
	}
	if !ValidIdempotencyKey(req.IdempotencyKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A valid Idempotency-Key is required", "kind": services.KindValidation})
		return
	}

	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	req.UserID = userID
	req.Contact.Email = c.GetString(middleware.EmailContextKey)
	if req.Address != nil {
		req.Contact.Name = req.Address.FullName
		req.Contact.Phone = req.Address.Phone
	}

	result, svcErr := cc.checkout.Checkout(c.Request.Context(), req)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}

	status := http.StatusCreated
	if result.AlreadyProcessed {
		status = http.StatusOK
	}
	logger.Info(c, "Checkout completed",
		zap.String("order_number", result.OrderNumber),
		zap.Bool("already_processed", result.AlreadyProcessed),
	)
	c.JSON(status, result)
}
