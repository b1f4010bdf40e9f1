package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"mailvet/config"
	controller "mailvet/controllers"
	"mailvet/middleware"
	"mailvet/routes"
	"mailvet/store"
	"mailvet/utils"
	"mailvet/validator"
	"mailvet/worker"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig
	utils.SetupLogger(cfg.LogLevel, cfg.LogJSON)
	logger := utils.Component("main")

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.WithError(err).Warn("Sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	validations := store.NewValidationStore(config.DB)
	jobs := store.NewJobStore(config.DB)

	// Jobs left unfinished by a previous process cannot resume: their
	// address lists lived only in memory.
	if n, err := jobs.FailUnfinished(ctx, "interrupted by restart", time.Now().UTC()); err != nil {
		logger.WithError(err).Warn("Failed to close unfinished bulk jobs")
	} else if n > 0 {
		logger.WithField("jobs", n).Info("Closed unfinished bulk jobs")
	}

	var rows validator.ResultStore = validations
	var limiterStorage fiber.Storage
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable, continuing with database cache only")
		}
		defer client.Close()
		rows = store.NewRedisValidationCache(client, validations, utils.Component("redis_cache"))
		limiterStorage = middleware.NewRedisStorage(client)
	}

	engine, err := buildValidator(cfg.Validator, rows)
	if err != nil {
		logger.Fatalf("Failed to build validator: %v", err)
	}

	bulk := worker.NewBulkCoordinator(engine, jobs, worker.BulkConfig{
		MaxBatchSize: cfg.Validator.MaxBatchSize,
		PacingDelay:  cfg.Validator.PacingDelay,
		Workers:      cfg.Validator.Workers,
		UseCache:     true,
	}, utils.Component("bulk"))

	go worker.NewPurgeWorker(validations, cfg.Validator.PurgeInterval, utils.Component("purge")).Start(ctx)

	vc := controller.NewValidationController(engine, bulk, utils.Component("http"))
	vc.WhoisEnabled = cfg.Validator.WhoisEnabled
	vc.ProgressInterval = cfg.Validator.ProgressInterval

	// Create Fiber app
	app := fiber.New(fiber.Config{DisableStartupMessage: cfg.Environment == "production"})
	app.Use(recover.New())

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.AllowedOrigins
	app.Use(middleware.CORS(corsCfg))

	routes.SetupRoutes(app, vc, routes.Options{
		RateLimitPerMin: cfg.Validator.RateLimitPerMin,
		LimiterStorage:  limiterStorage,
		AccessLog:       true,
	})

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Warn("HTTP shutdown")
		}
	}()

	// Start server
	logger.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}

	// Running jobs end as failed with last_error "cancelled".
	bulk.Stop()
}

func buildValidator(cfg config.ValidatorConfig, rows validator.ResultStore) (*validator.Validator, error) {
	disposable, err := validator.LoadDisposableDomains(cfg.DisposableFile)
	if err != nil {
		return nil, err
	}
	utils.Component("main").WithField("domains", disposable.Len()).Info("Disposable domain list loaded")

	pacer := validator.NewDomainPacer(cfg.MaxPerDomain, cfg.DomainSpacing)
	prober := validator.NewProber(validator.ProbeConfig{
		ProbeDomain:    cfg.ProbeDomain,
		Ports:          cfg.ProbePorts,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		Trusted:        validator.NewDomainSet(cfg.TrustedDomains),
	}, pacer, utils.Component("smtp"))
	if cfg.ProxyURL != "" {
		dial, err := validator.ProxyDialer(cfg.ProxyURL, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		prober.WithDialer(dial)
	}

	return validator.New(validator.Options{
		Cache:      validator.NewCache(rows, cfg.RetentionMonths),
		DNS:        validator.NewDNSResolver(nil, cfg.DNSTimeout, cfg.DNSCacheTTL),
		Prober:     prober,
		Classifier: validator.NewClassifier(disposable, validator.NewDomainSet(cfg.RolePrefixes)),
		Log:        utils.Component("validator"),
	}), nil
}
