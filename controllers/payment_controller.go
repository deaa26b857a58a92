package controllers

import (
	"errors"
	"io"
	"net/http"

	"checkout-service/gateways"
	"checkout-service/logger"
	"checkout-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 65536

// WebhookParser turns a signed gateway webhook into a callback event. A nil
// event means the webhook type is not relevant.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*gateways.CallbackEvent, error)
}

type PaymentController struct {
	payments *services.PaymentService
	webhooks WebhookParser
}

// NewPaymentController creates a PaymentController. webhooks may be nil when
// the gateway has no signed webhooks.
func NewPaymentController(payments *services.PaymentService, webhooks WebhookParser) *PaymentController {
	return &PaymentController{payments: payments, webhooks: webhooks}
}

// Callback handles GET and POST /api/v1/payments/callback, the redirect the
// gateway sends the user back with.
func (pc *PaymentController) Callback(c *gin.Context) {
	var req services.CallbackRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, svcErr := pc.payments.HandleCallback(c.Request.Context(), req)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, result)
}

// StripeWebhook handles POST /api/v1/payments/webhook/stripe. Client errors
// are acknowledged so the gateway stops retrying; server errors are not.
func (pc *PaymentController) StripeWebhook(c *gin.Context) {
	if pc.webhooks == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Webhooks are not enabled"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to read body"})
		return
	}

	event, err := pc.webhooks.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if errors.Is(err, gateways.ErrInvalidSignature) {
		logger.Warn(c, "Webhook signature verification failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}
	if event == nil {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	result, svcErr := pc.payments.HandleCallback(c.Request.Context(), services.CallbackRequest{
		Authority: event.Authority,
		Status:    event.Status,
	})
	if svcErr != nil {
		if svcErr.StatusCode >= http.StatusInternalServerError {
			respondError(c, svcErr)
			return
		}
		logger.Warn(c, "Webhook ignored",
			zap.String("authority", event.Authority),
			zap.String("reason", svcErr.Message),
		)
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": svcErr.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}
