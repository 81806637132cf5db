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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"paygate/internal/gateway"
	"paygate/internal/ledger"
	"paygate/internal/notification"
	"paygate/internal/payment"
	"paygate/internal/queue"
	"paygate/internal/repository/postgres"
	"paygate/internal/scheduler"
	"paygate/internal/tenant"
	"paygate/internal/worker"
	"paygate/pkg/cache"
	"paygate/pkg/config"
	"paygate/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New("worker-service")

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}
	if err := cfg.ValidateMpesa(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}
	if cfg.Queue.Backend == "memory" {
		log.Fatal("Memory queue is private to the gateway process", map[string]interface{}{"queue": cfg.Queue.Backend})
	}

	log.Info("Starting Worker Service", map[string]interface{}{
		"queue":        cfg.Queue.Backend,
		"concurrency":  cfg.Worker.Concurrency,
		"max_attempts": cfg.Worker.MaxAttempts,
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

	gwCfg, err := gateway.ConfigFrom(cfg.Mpesa)
	if err != nil {
		log.Fatal("Failed to load provider credentials", map[string]interface{}{"error": err.Error()})
	}

	tenantRepo := postgres.NewTenantRepository(db)
	ledgerService := ledger.NewService(postgres.NewLedgerStore(db),
		ledger.JoinReader(tenantRepo, postgres.NewTransactionRepository(db)), log)
	paymentService := payment.NewService(payment.Deps{
		Collections:   postgres.NewCollectionRepository(db),
		Disbursements: postgres.NewDisbursementRepository(db),
		Tenants:       tenantRepo,
		Links:         postgres.NewPaymentLinkRepository(db),
		Ledger:        ledgerService,
		Queue:         tasks,
		Live:          notification.NewRedisHub(redisClient, cfg.Live.IdleTimeout, log),
		Logger:        log,
	})
	configs := tenant.NewConfigLookup(tenantRepo, cache.NewFromClient(redisClient), cfg.Tenant.CacheTTL, log)

	pool := worker.Setup(tasks, cfg.Worker, paymentService, gateway.NewClient(gwCfg, log), configs,
		notification.NewDispatcher(configs, cfg.Webhook.Timeout, log), ledgerService, log)

	var sched *scheduler.Scheduler
	if cfg.Payout.Enabled {
		sched = scheduler.NewScheduler(tenantRepo, tasks, cfg.Payout, log)
		sched.Start(ctx)
	}

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down worker...", nil)
	if sched != nil {
		sched.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("Worker pool did not drain before timeout", nil)
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	log.Info("Worker exited", nil)
}
