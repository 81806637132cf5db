package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"paygate/internal/auth"
	"paygate/internal/callback"
	"paygate/internal/gateway"
	"paygate/internal/handler"
	"paygate/internal/ledger"
	"paygate/internal/middleware"
	"paygate/internal/notification"
	"paygate/internal/payment"
	"paygate/internal/queue"
	"paygate/internal/ratelimit"
	"paygate/internal/repository/postgres"
	"paygate/internal/tenant"
	"paygate/internal/worker"
	"paygate/pkg/cache"
	"paygate/pkg/config"
	"paygate/pkg/logger"
	"paygate/pkg/validator"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New("gateway-service")

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting Gateway Service", map[string]interface{}{
		"port":  cfg.Server.Port,
		"queue": cfg.Queue.Backend,
	})

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	log.Info("Database connected", nil)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
	}
	defer redisClient.Close()
	log.Info("Redis connected", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks, err := queue.Open(ctx, cfg.Queue, redisClient)
	if err != nil {
		log.Fatal("Failed to open task queue", map[string]interface{}{"error": err.Error()})
	}

	// Repositories
	tenantRepo := postgres.NewTenantRepository(db)
	apiKeyRepo := postgres.NewAPIKeyRepository(db)
	collectionRepo := postgres.NewCollectionRepository(db)
	disbursementRepo := postgres.NewDisbursementRepository(db)
	linkRepo := postgres.NewPaymentLinkRepository(db)
	txRepo := postgres.NewTransactionRepository(db)

	// Services
	ledgerService := ledger.NewService(postgres.NewLedgerStore(db), ledger.JoinReader(tenantRepo, txRepo), log)
	hub := notification.NewRedisHub(redisClient, cfg.Live.IdleTimeout, log)
	paymentService := payment.NewService(payment.Deps{
		Collections:   collectionRepo,
		Disbursements: disbursementRepo,
		Tenants:       tenantRepo,
		Links:         linkRepo,
		Ledger:        ledgerService,
		Queue:         tasks,
		Live:          hub,
		Limiter:       ratelimit.NewRedisLimiter(redisClient, cfg.Status.PollWindow),
		Logger:        log,
	})
	configs := tenant.NewConfigLookup(tenantRepo, cache.NewFromClient(redisClient), cfg.Tenant.CacheTTL, log)
	keys := auth.NewAPIKeyService(apiKeyRepo, log)
	tokens := auth.NewTokens(cfg.JWT.Secret, cfg.JWT.Expiry)

	// A memory queue is private to this process, so its tasks are worked here.
	if mem, ok := tasks.(*queue.MemoryQueue); ok {
		if err := cfg.ValidateMpesa(); err != nil {
			log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
		}
		gwCfg, err := gateway.ConfigFrom(cfg.Mpesa)
		if err != nil {
			log.Fatal("Failed to load provider credentials", map[string]interface{}{"error": err.Error()})
		}
		pool := worker.Setup(mem, cfg.Worker, paymentService, gateway.NewClient(gwCfg, log), configs,
			notification.NewDispatcher(configs, cfg.Webhook.Timeout, log), ledgerService, log)
		go pool.Run(ctx)
		log.Warn("Memory queue in use, running workers in-process", nil)
	}

	// Handlers
	h := handler.Handlers{
		Payments:  handler.NewPaymentHandler(paymentService, log),
		Callbacks: handler.NewCallbackHandler(callback.NewReconciler(paymentService, log), log),
		Live:      handler.NewLiveHandler(hub, paymentService, cfg.Live.IdleTimeout, log),
		Tenants:   handler.NewTenantHandler(ledgerService, tenantRepo, configs, keys, validator.New(), log),
		System: handler.NewSystemHandler(log,
			handler.Check{Name: "database", Probe: db.PingContext, Degraded: 500 * time.Millisecond},
			handler.Check{Name: "redis", Probe: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }, Degraded: 100 * time.Millisecond},
		),
	}
	router := handler.NewRouter(h, handler.Middleware{
		APIKey:         middleware.NewAPIKeyMiddleware(keys, log),
		JWT:            middleware.NewAuthMiddleware(tokens),
		RateLimit:      middleware.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateWindow, log),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...", nil)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Server exited", nil)
}
