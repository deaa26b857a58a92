package controllers

import (
	"net/http"

	"checkout-service/middleware"
	"checkout-service/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type OrderController struct {
	orders *services.OrderService
}

func NewOrderController(orders *services.OrderService) *OrderController {
	return &OrderController{orders: orders}
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}

type shipRequest struct {
	TrackingCode string `json:"tracking_code" binding:"required,max=64"`
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	id, err := middleware.GetUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return uuid.Nil, false
	}
	return id, true
}

// GetOrders handles GET /api/v1/orders for the current user.
func (oc *OrderController) GetOrders(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	page, limit := parsePaginationParams(c)
	resp, svcErr := oc.orders.ListOrders(c.Request.Context(), userID, page, limit)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetOrderByID handles GET /api/v1/orders/:id.
func (oc *OrderController) GetOrderByID(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	orderID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	order, svcErr := oc.orders.GetOrder(c.Request.Context(), userID, orderID)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, order)
}

// CancelOrder handles POST /api/v1/orders/:id/cancel.
func (oc *OrderController) CancelOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	orderID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	order, svcErr := oc.orders.CancelOrder(c.Request.Context(), userID, orderID, req.Reason)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, order)
}

// RequestRefund handles POST /api/v1/orders/:id/refund.
func (oc *OrderController) RequestRefund(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	orderID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	order, svcErr := oc.orders.RequestRefund(c.Request.Context(), userID, orderID, req.Reason)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, order)
}

// GetAllOrders handles GET /admin/orders.
func (oc *OrderController) GetAllOrders(c *gin.Context) {
	page, limit := parsePaginationParams(c)
	resp, svcErr := oc.orders.ListAllOrders(c.Request.Context(), page, limit)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ShipOrder handles POST /admin/orders/:id/ship.
func (oc *OrderController) ShipOrder(c *gin.Context) {
	orderID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req shipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	order, svcErr := oc.orders.Ship(c.Request.Context(), orderID, req.TrackingCode)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, order)
}

// DeliverOrder handles POST /admin/orders/:id/deliver.
func (oc *OrderController) DeliverOrder(c *gin.Context) {
	orderID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	order, svcErr := oc.orders.Deliver(c.Request.Context(), orderID)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	c.JSON(http.StatusOK, order)
}
