/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible
 * for initializing all components of the service: configuration, database
 * connection, the payment provider client, the RabbitMQ producer, Redis,
 * repositories, the settlement services, the cron scheduler and the HTTP
 * server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages.
 * - pkg/providerclient: Client for the payment provider API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tradora/settlement-service/internal/api"
	"github.com/tradora/settlement-service/internal/app"
	"github.com/tradora/settlement-service/internal/config"
	"github.com/tradora/settlement-service/internal/store"
	"github.com/tradora/settlement-service/pkg/providerclient"
	rmrabbit "github.com/tradora/settlement-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.ValidateSettlement(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"settlement config invalid\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Pool sizing aligned with the other platform services.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish settlement events.
	// This service only publishes; it never consumes.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the payment provider API.
	providerClient := providerclient.NewClient(cfg.ProviderAPIBaseURL, cfg.ProviderAPIKey)

	// Redis backs the refund submission rate limiter. A missing or broken
	// Redis disables throttling but never blocks the service.
	var redisClient *redis.Client
	if cfg.RefundRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; refund rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; refund rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; refund rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the settlement services.
	commissionService := app.NewCommissionService(repository, cfg.DefaultCommissionPercent)
	escrowService := app.NewEscrowService(
		repository,
		commissionService,
		producer,
		cfg.SettlementEventExchange,
		time.Duration(cfg.ClearanceWindowHours)*time.Hour,
	)

	var rateLimiter app.RefundRateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisRefundRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}
	refundService := app.NewRefundService(
		repository,
		providerClient,
		commissionService,
		producer,
		cfg.SettlementEventExchange,
		cfg.RefundToleranceCents,
		cfg.RefundConflictRetries,
		rateLimiter,
		cfg.RefundRateLimitPerMinute,
	)
	payoutService := app.NewPayoutService(
		repository,
		providerClient,
		producer,
		cfg.SettlementEventExchange,
		cfg.MinPayoutThresholdCents,
		cfg.PayoutMaxRetryAttempts,
		time.Duration(cfg.PayoutRetryDelayHours)*time.Hour,
	)

	// Start the cron scheduler for the settlement sweeps.
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	jobs := app.NewJobs(escrowService, payoutService, slogger)
	scheduler := app.NewScheduler(jobs, slogger, cfg)
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// Initialize the API handlers.
	handlers := api.NewSettlementHandlers(escrowService, refundService, commissionService, payoutService)

	// Set up the HTTP router: health at the root, the API under /settlement.
	router := api.NewRouter(handlers, cfg.InternalAPIKey, cfg.AdminJWKSURL)

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
