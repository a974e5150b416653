/**
 * @description
 * This is the main entry point for the custody service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the wallet engine client, the chat delivery client,
 * the message broker, the repository, the core application service, the
 * background schedules, and the HTTP server. It wires everything together
 * and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/robfig/cron/v3: Background schedules (deposit polling, activity pruning).
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/walletrpc: Client for the wallet engine's JSON-RPC API.
 * - pkg/chatclient: Client for the chat platform's bot API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/xmrtipbot/custody-service/internal/api"
	"github.com/xmrtipbot/custody-service/internal/app"
	"github.com/xmrtipbot/custody-service/internal/config"
	"github.com/xmrtipbot/custody-service/internal/store"
	"github.com/xmrtipbot/custody-service/pkg/chatclient"
	"github.com/xmrtipbot/custody-service/pkg/rabbitmq"
	"github.com/xmrtipbot/custody-service/pkg/walletrpc"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting custody-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
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

	// Initialize the data access layer and ensure the schema exists.
	repository := store.NewPostgresRepository(dbpool)
	if err := repository.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
	}

	// Initialize the RabbitMQ producer to publish events. Broker downtime
	// degrades to a no-op publisher rather than blocking startup.
	var publisher rabbitmq.Publisher
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rabbitmq.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the wallet engine and chat delivery clients.
	walletClient := walletrpc.NewClient(cfg.WalletRPCURL, cfg.WalletRPCUsername, cfg.WalletRPCPassword)
	chatClient := chatclient.NewClient(cfg.ChatAPIBaseURL, cfg.ChatBotToken)

	// Optional Redis-backed rate limiting for disbursement commands.
	var limiter app.RateLimiter
	rateLimitingEnabled := cfg.TipRateLimitPerMinute > 0 || cfg.RainRateLimitPerMinute > 0
	if rateLimitingEnabled {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the core application service with its dependencies.
	custodyService := app.NewService(
		repository,
		walletClient,
		chatClient,
		publisher,
		limiter,
		app.Options{
			EventExchange:          cfg.TransferEventStream,
			TransferPriority:       cfg.TransferPriority,
			ActivityRetention:      cfg.ActivityRetention(),
			WithdrawalConfirmTTL:   cfg.WithdrawalConfirmTTL(),
			TipRateLimitPerMinute:  cfg.TipRateLimitPerMinute,
			RainRateLimitPerMinute: cfg.RainRateLimitPerMinute,
		},
	)

	// Background schedules: deposit reconciliation on a tight interval,
	// activity pruning on the configured cron spec.
	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	pollSpec := fmt.Sprintf("@every %ds", cfg.DepositPollSeconds)
	if _, err := scheduler.AddFunc(pollSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.DepositPollInterval())
		defer cancel()
		result, err := custodyService.RunReconcileCycle(ctx)
		if err != nil {
			log.Printf("level=error component=reconciler msg=\"cycle failed\" err=%v", err)
			return
		}
		if result.Credited > 0 || result.UnknownIndex > 0 {
			log.Printf("level=info component=reconciler msg=\"cycle complete\" scanned=%d credited=%d known=%d unowned=%d",
				result.Scanned, result.Credited, result.AlreadyKnown, result.UnknownIndex)
		}
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"reconcile schedule setup failed\" spec=%s err=%v", pollSpec, err)
	}
	if _, err := scheduler.AddFunc(cfg.ActivityPruneSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := custodyService.PruneActivity(ctx); err != nil {
			log.Printf("level=error component=scheduler msg=\"activity prune failed\" err=%v", err)
		}
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"prune schedule setup failed\" spec=%s err=%v", cfg.ActivityPruneSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Initialize the API handlers and set up the HTTP router.
	custodyHandlers := api.NewCustodyHandlers(custodyService)
	router := chi.NewRouter()
	router.Mount("/", api.CustodyRoutes(custodyHandlers, cfg.InternalAPIKey))

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
