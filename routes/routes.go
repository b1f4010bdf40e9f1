package routes

import (
	controller "mailvet/controllers"
	"mailvet/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

type Options struct {
	RateLimitPerMin int
	// LimiterStorage backs the rate limiter; nil keeps it in memory.
	LimiterStorage fiber.Storage
	// AccessLog enables the fiber request logger.
	AccessLog bool
}

func SetupAPIRoutes(app *fiber.App, vc *controller.ValidationController, opts Options) {
	handlers := []fiber.Handler{middleware.RequestUser()}
	if opts.AccessLog {
		handlers = append(handlers, logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}

	// API group with versioning and the caller's identity
	api := app.Group("/api/v1", handlers...)

	api.Get("/validate", middleware.RateLimiter(opts.RateLimitPerMin, opts.LimiterStorage), vc.ValidateEmail)

	bulk := api.Group("/bulk")
	bulk.Post("/", middleware.RateLimiter(opts.RateLimitPerMin, opts.LimiterStorage), vc.BulkValidate)
	bulk.Get("/:id", vc.GetBulkProgress)
	bulk.Get("/:id/items", vc.GetBulkItems)
	bulk.Post("/:id/cancel", vc.CancelBulk)

	// WebSocket route for bulk progress
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/bulk/:id", websocket.New(vc.BulkProgressWS))

	logrus.WithField("component", "routes").Info("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, vc *controller.ValidationController, opts Options) {
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAPIRoutes(app, vc, opts)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
