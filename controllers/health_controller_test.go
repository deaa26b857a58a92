package controllers_test

import (
	"context"
	"net/http"
	"testing"

	"checkout-service/controllers"

	"github.com/stretchr/testify/assert"
)

func TestController_Health(t *testing.T) {
	healthy := newTestApp(t, map[string]controllers.HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	w := healthy.do(http.MethodGet, "/health", nil, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", decode(t, w)["status"])

	degraded := newTestApp(t, map[string]controllers.HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errDown },
	})
	w = degraded.do(http.MethodGet, "/health", nil, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "DEGRADED", resp["status"])
	deps := resp["dependencies"].(map[string]interface{})
	assert.Equal(t, "ok", deps["postgres"])
	assert.Equal(t, errDown.Error(), deps["redis"])
}
