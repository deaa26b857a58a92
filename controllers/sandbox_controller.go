package controllers

import (
	"net/http"

	"checkout-service/gateways"
	"checkout-service/services"

	"github.com/gin-gonic/gin"
)

// SandboxController stands in for the hosted payment page of the sandbox
// gateway. It is only routed when PAYMENT_GATEWAY=sandbox.
type SandboxController struct {
	gateway  *gateways.SandboxGateway
	payments *services.PaymentService
}

func NewSandboxController(gateway *gateways.SandboxGateway, payments *services.PaymentService) *SandboxController {
	return &SandboxController{gateway: gateway, payments: payments}
}

// Pay handles GET /sandbox/pay/:authority?result=decline|cancel. Any other
// result pays the order.
func (sc *SandboxController) Pay(c *gin.Context) {
	authority := c.Param("authority")
	status := "OK"
	switch c.Query("result") {
	case "decline":
		sc.gateway.Decline(authority)
	case "cancel":
		status = "NOK"
	}

	result, svcErr := sc.payments.HandleCallback(c.Request.Context(), services.CallbackRequest{Authority: authority, Status: status})
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, result)
}
