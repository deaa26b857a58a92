package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/audit"
	"checkout-service/controllers"
	"checkout-service/database"
	"checkout-service/gateways"
	"checkout-service/kafka"
	"checkout-service/logger"
	"checkout-service/middleware"
	"checkout-service/repository"
	"checkout-service/routes"
	"checkout-service/services"

	aws_pkg "checkout-service/pkg/aws"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const serviceName = "checkout-service"

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal("[CheckoutService] Failed to load config: ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, awsErr := aws_pkg.LoadAWSConfig(ctx)
	initLogger(ctx, cfg, awsCfg, awsErr)
	zlog := logger.Log
	defer zlog.Sync()
	if awsErr != nil {
		zlog.Warn("AWS config unavailable, AWS integrations disabled", zap.Error(awsErr))
	}

	var metricsClient *aws_pkg.MetricsClient
	var metrics services.Metrics = services.NopMetrics{}
	var httpMetrics middleware.HTTPMetrics
	if cfg.CloudWatchEnabled && awsErr == nil {
		metricsClient = aws_pkg.NewMetricsClient(awsCfg, cfg.CloudWatchNamespace, serviceName, true)
		metrics = metricsClient
		httpMetrics = metricsClient
	}

	health := map[string]controllers.HealthCheck{}
	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	// Storage
	store, err := openStore(ctx, cfg, zlog, health, &cleanups)
	if err != nil {
		zlog.Fatal("Failed to open storage", zap.Error(err))
	}

	// Cart
	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, zlog)
	if err != nil {
		zlog.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	cleanups = append(cleanups, func() { _ = redisClient.Close() })
	health["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	cart := database.NewRedisCartStore(redisClient, cfg.CartTTL)

	// Event sinks
	var sinks []services.EventSink
	if cfg.OrderEventsTopicArn != "" && awsErr == nil {
		sinks = append(sinks, services.NewSNSEventSink(aws_pkg.NewSNSClient(awsCfg), cfg.OrderEventsTopicArn))
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, zlog)
		cleanups = append(cleanups, func() { _ = producer.Close() })
		sinks = append(sinks, producer)
	}
	if cfg.MongoURI != "" {
		client, db, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDB, zlog)
		if err != nil {
			zlog.Error("Audit sink disabled, MongoDB unavailable", zap.Error(err))
		} else {
			coll := db.Collection(audit.CollectionName)
			if err := audit.EnsureIndexes(ctx, coll); err != nil {
				zlog.Warn("Failed to create audit indexes", zap.Error(err))
			}
			sinks = append(sinks, audit.NewMongoSink(coll))
			cleanups = append(cleanups, func() { _ = database.DisconnectMongo(context.Background(), client) })
			health["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		}
	}
	events := services.NewEventBus(zlog, sinks...)

	// Reconciliation
	var queue services.ReconciliationQueue = services.NewLogReconciliationQueue(zlog)
	var sqsQueue *aws_pkg.SQSQueue
	if cfg.ReconciliationQueueURL != "" && awsErr == nil {
		sqsQueue = aws_pkg.NewSQSQueue(awsCfg, cfg.ReconciliationQueueURL, zlog)
		queue = services.NewSQSReconciliationQueue(sqsQueue)
	}

	// Gateway
	var gateway gateways.PaymentGatewayAdapter
	var webhooks controllers.WebhookParser
	var sandbox *gateways.SandboxGateway
	switch cfg.PaymentGateway {
	case "stripe":
		stripeGateway := gateways.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, time.Duration(cfg.PaymentExpiryMinutes)*time.Minute, zlog)
		gateway = stripeGateway
		if cfg.StripeWebhookSecret != "" {
			webhooks = stripeGateway
		}
	case "sandbox":
		sandbox = gateways.NewSandboxGateway(cfg.PublicBaseURL)
		gateway = sandbox
	}

	// Services
	inventory := services.NewInventoryService(store, events, metrics, zlog)
	discounts := services.NewDiscountEvaluator(store.Discounts, zlog)
	compensator := services.NewOrderCompensator(store, inventory, events, queue, metrics, cfg.CompensationTimeout, zlog).
		WithVerificationWindow(cfg.VerificationWindow)
	checkout := services.NewCheckoutService(services.CheckoutDeps{
		Store:       store,
		Inventory:   inventory,
		Discounts:   discounts,
		Compensator: compensator,
		Cart:        cart,
		Gateway:     gateway,
		Events:      events,
		Metrics:     metrics,
		Logger:      zlog,
	}, services.CheckoutOptions{
		Currency:             cfg.PaymentCurrency,
		PaymentExpiryMinutes: cfg.PaymentExpiryMinutes,
		GatewayTimeout:       cfg.GatewayTimeout,
		DefaultCallbackURL:   cfg.PaymentCallbackURL,
	})
	payments := services.NewPaymentService(store, inventory, discounts, compensator, gateway, events, metrics, cfg.GatewayTimeout, zlog)
	orders := services.NewOrderService(store, compensator, events, zlog)

	// Background workers
	go payments.RunExpirySweeper(ctx, cfg.ExpirySweepInterval, cfg.ExpirySweepBatch)
	if sqsQueue != nil {
		worker := services.NewReconciliationWorker(compensator, zlog)
		go func() {
			if err := sqsQueue.StartPolling(ctx, worker.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
				zlog.Error("Reconciliation worker stopped", zap.Error(err))
			}
		}()
	}
	limiter := middleware.PerMinute(cfg.RateLimitPerMinute)
	go limiter.Cleanup(ctx)

	// HTTP
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		gin.Recovery(),
		logger.RequestLogger(),
		middleware.SecurityHeaders(),
		middleware.CORS(cfg.AllowedOrigins),
		limiter.Middleware(),
		middleware.MetricsMiddleware(httpMetrics),
	)

	handlers := routes.Handlers{
		Checkout:  controllers.NewCheckoutController(checkout),
		Payments:  controllers.NewPaymentController(payments, webhooks),
		Orders:    controllers.NewOrderController(orders),
		Inventory: controllers.NewInventoryController(inventory),
		Discounts: controllers.NewDiscountController(discounts),
		Health:    controllers.NewHealthController(health),
	}
	if sandbox != nil {
		handlers.Sandbox = controllers.NewSandboxController(sandbox, payments)
	}
	routes.RegisterRoutes(r, handlers, []byte(cfg.JWTSecret))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zlog.Info("Checkout service running", zap.String("port", cfg.Port), zap.String("gateway", gateway.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func initLogger(ctx context.Context, cfg *Config, awsCfg sdkaws.Config, awsErr error) {
	if !cfg.CloudWatchLogsEnabled || awsErr != nil {
		logger.Initialize(cfg.AppEnv)
		return
	}
	cw, err := aws_pkg.NewCloudWatchLogsClient(ctx, awsCfg, cfg.CloudWatchLogGroup, serviceName)
	if err != nil {
		logger.Initialize(cfg.AppEnv)
		logger.Log.Warn("CloudWatch Logs unavailable, logging to stdout only", zap.Error(err))
		return
	}
	logger.InitializeWithWriter(cfg.AppEnv, cw)
}

func openStore(ctx context.Context, cfg *Config, zlog *zap.Logger, health map[string]controllers.HealthCheck, cleanups *[]func()) (repository.Store, error) {
	if cfg.StorageDriver == "memory" {
		zlog.Warn("Using in-memory storage, data is lost on restart")
		mem := repository.NewMemoryStore(zlog)
		store := mem.Store()
		if cfg.SeedDemoData {
			if err := seedDemoData(ctx, store, zlog); err != nil {
				return repository.Store{}, err
			}
		}
		return store, nil
	}

	if cfg.RunMigrations {
		if err := database.RunMigrations(cfg.Postgres, zlog); err != nil {
			return repository.Store{}, err
		}
	}
	db, err := database.ConnectPostgres(cfg.Postgres, zlog)
	if err != nil {
		return repository.Store{}, err
	}
	*cleanups = append(*cleanups, func() { _ = database.Close(db) })
	health["postgres"] = func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}

	policy := repository.RetryPolicy{MaxRetries: cfg.UoWMaxRetries, Backoff: cfg.UoWRetryBackoff}
	store := repository.NewGormStore(db, policy, zlog)
	if cfg.SeedDemoData {
		if err := seedDemoData(ctx, store, zlog); err != nil {
			zlog.Warn("Demo data not seeded", zap.Error(err))
		}
	}
	return store, nil
}
