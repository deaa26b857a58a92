package controllers

import (
	"net/http"
	"strconv"

	"checkout-service/logger"
	"checkout-service/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// respondError renders a ServiceError as {"error", "kind", "details"}.
func respondError(c *gin.Context, err *services.ServiceError) {
	if err.StatusCode >= http.StatusInternalServerError {
		logger.Error(c, "Request failed", err.Err,
			zap.String("kind", string(err.Kind)),
			zap.String("path", c.FullPath()),
		)
	}
	body := gin.H{"error": err.Message, "kind": err.Kind}
	if err.Details != nil {
		body["details"] = err.Details
	}
	c.JSON(err.StatusCode, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "kind": services.KindValidation, "details": err.Error()})
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name, "kind": services.KindValidation})
		return uuid.Nil, false
	}
	return id, true
}

// parsePaginationParams extracts page and limit, falling back to 1 and 20.
func parsePaginationParams(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
