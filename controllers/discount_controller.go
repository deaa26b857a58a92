package controllers

import (
	"net/http"

	"checkout-service/services"

	"github.com/gin-gonic/gin"
)

type DiscountController struct {
	discounts *services.DiscountEvaluator
}

func NewDiscountController(discounts *services.DiscountEvaluator) *DiscountController {
	return &DiscountController{discounts: discounts}
}

// CreateDiscount handles POST /admin/discounts.
func (dc *DiscountController) CreateDiscount(c *gin.Context) {
	var req services.CreateDiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	discount, svcErr := dc.discounts.CreateDiscount(c.Request.Context(), &req)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"discount": discount})
}
