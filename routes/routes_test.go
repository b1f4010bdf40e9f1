package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	controller "mailvet/controllers"
	"mailvet/middleware"
	"mailvet/store"
	"mailvet/validator"
	"mailvet/worker"
)

type okValidator struct{}

func (okValidator) Validate(_ context.Context, email string, _ uint, _ bool) *validator.Result {
	return &validator.Result{Email: email, Status: validator.StatusValid, Details: []string{}}
}

func newApp(t *testing.T, opts Options) *fiber.App {
	t.Helper()
	bulk := worker.NewBulkCoordinator(okValidator{}, store.NewMemoryJobStore(), worker.BulkConfig{MaxBatchSize: 10}, nil)
	t.Cleanup(bulk.Stop)

	app := fiber.New()
	SetupRoutes(app, controller.NewValidationController(okValidator{}, bulk, nil), opts)
	return app
}

func get(t *testing.T, app *fiber.App, target string, user string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if user != "" {
		req.Header.Set(middleware.UserHeader, user)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestSetupRoutes_Public(t *testing.T) {
	app := newApp(t, Options{RateLimitPerMin: 10})

	assert.Equal(t, http.StatusOK, get(t, app, "/", ""))
	assert.Equal(t, http.StatusOK, get(t, app, "/health", ""))
	assert.Equal(t, http.StatusNotFound, get(t, app, "/nope", ""))
	assert.Equal(t, http.StatusUpgradeRequired, get(t, app, "/ws/bulk/1", ""))
}

func TestSetupRoutes_APIRequiresUser(t *testing.T) {
	app := newApp(t, Options{RateLimitPerMin: 10})

	assert.Equal(t, http.StatusUnauthorized, get(t, app, "/api/v1/validate?email=a@b.com", ""))
	assert.Equal(t, http.StatusOK, get(t, app, "/api/v1/validate?email=a@b.com", "3"))
	assert.Equal(t, http.StatusNotFound, get(t, app, "/api/v1/bulk/12", "3"))
}

func TestSetupRoutes_RateLimitPerUser(t *testing.T) {
	app := newApp(t, Options{RateLimitPerMin: 2})

	assert.Equal(t, http.StatusOK, get(t, app, "/api/v1/validate?email=a@b.com", "1"))
	assert.Equal(t, http.StatusOK, get(t, app, "/api/v1/validate?email=a@b.com", "1"))
	assert.Equal(t, http.StatusTooManyRequests, get(t, app, "/api/v1/validate?email=a@b.com", "1"))
	assert.Equal(t, http.StatusOK, get(t, app, "/api/v1/validate?email=a@b.com", "2"), "limits are per user")
}
