package controllers

import (
	"net/http"

	"checkout-service/models"
	"checkout-service/services"

	"github.com/gin-gonic/gin"
)

// InventoryController exposes stock levels and corrections to admins.
type InventoryController struct {
	inventory *services.InventoryService
}

func NewInventoryController(inventory *services.InventoryService) *InventoryController {
	return &InventoryController{inventory: inventory}
}

type AdjustStockRequest struct {
	Delta     int                   `json:"delta" binding:"required"`
	EventType models.StockEventType `json:"event_type" binding:"required,oneof=stock_in adjustment return damage transfer"`
	Reference string                `json:"reference" binding:"max=64"`
}

// GetStock handles GET /admin/inventory/:variantId
func (ic *InventoryController) GetStock(c *gin.Context) {
	variantID, ok := uuidParam(c, "variantId")
	if !ok {
		return
	}
	level, svcErr := ic.inventory.GetStock(c.Request.Context(), variantID)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, level)
}

// AdjustStock handles POST /admin/inventory/:variantId/adjust
func (ic *InventoryController) AdjustStock(c *gin.Context) {
	variantID, ok := uuidParam(c, "variantId")
	if !ok {
		return
	}
	var req AdjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	level, svcErr := ic.inventory.AdjustStock(c.Request.Context(), variantID, req.Delta, req.EventType, req.Reference)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, level)
}

// GetLedger handles GET /admin/inventory/:variantId/ledger
func (ic *InventoryController) GetLedger(c *gin.Context) {
	variantID, ok := uuidParam(c, "variantId")
	if !ok {
		return
	}
	page, limit := parsePaginationParams(c)
	entries, total, svcErr := ic.inventory.Ledger(c.Request.Context(), variantID, page, limit)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	totalPages := (total + int64(limit) - 1) / int64(limit)
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"meta": gin.H{
			"page":        page,
			"limit":       limit,
			"total":       total,
			"total_pages": totalPages,
			"has_more":    total > int64(page*limit),
		},
	})
}
