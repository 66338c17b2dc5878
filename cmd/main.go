/**
 * @description
 * This is the main entry point for the ledger-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external API clients, message brokers, repositories, the core
 * application services, the background scheduler, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for redemption rate limiting.
 * - internal/api, internal/app, internal/bot, internal/config, internal/store: Internal packages.
 * - pkg/executorclient: Client for the automation executor API.
 * - pkg/mailboxclient: Client for the mail relay API.
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

	"github.com/grouptoken/ledger-service/internal/api"
	"github.com/grouptoken/ledger-service/internal/app"
	"github.com/grouptoken/ledger-service/internal/bot"
	"github.com/grouptoken/ledger-service/internal/config"
	"github.com/grouptoken/ledger-service/internal/store"
	"github.com/grouptoken/ledger-service/pkg/executorclient"
	"github.com/grouptoken/ledger-service/pkg/mailboxclient"
	ltrabbit "github.com/grouptoken/ledger-service/pkg/rabbitmq"
)

// disabledMailbox is installed when no mail relay is configured; the email
// poll becomes a no-op instead of an error loop.
type disabledMailbox struct{}

func (disabledMailbox) ListUnread(_ context.Context) ([]app.MailboxMessage, error) { return nil, nil }
func (disabledMailbox) MarkConsumed(_ context.Context, _ string) error             { return nil }

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// The pool is shared by the HTTP handlers, the email poll, and the
	// redemption workers; size it for all three.
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

	// Initialize the RabbitMQ producer to publish result events. This service
	// only publishes; result delivery to chats is the gateway's job.
	var eventProducer ltrabbit.Publisher
	rabbitProducer, err := ltrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventProducer = &ltrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		eventProducer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the automation executor API.
	executorClient := executorclient.NewClient(
		cfg.ExecutorBaseURL,
		cfg.ExecutorAPIKey,
		time.Duration(cfg.ExecutorTimeoutSeconds)*time.Second,
	)

	// Initialize the mail relay client. A missing relay should not prevent the
	// service from booting; deposit reconciliation will degrade.
	var mailbox app.MailboxReader
	if strings.TrimSpace(cfg.MailRelayBaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"mail relay not configured; email reconciliation disabled\" env=MAIL_RELAY_BASE_URL")
		mailbox = disabledMailbox{}
	} else {
		mailbox = mailboxclient.NewClient(cfg.MailRelayBaseURL, cfg.MailRelayAPIKey)
	}

	// Redis backs the redemption rate limiter. Missing Redis degrades to
	// unlimited requests rather than refusing to boot.
	var rateLimiter app.RedemptionRateLimiter
	if cfg.RedemptionRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; redemption rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; redemption rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; redemption rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					rateLimiter = app.NewRedisRedemptionRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application services with their dependencies.
	ledgerService := app.NewService(repository, eventProducer, cfg.ResultEventExchange)
	emailPipeline := app.NewEmailPipeline(repository, mailbox, eventProducer, cfg.ResultEventExchange)
	orchestrator := app.NewRedemptionOrchestrator(
		repository,
		executorClient,
		eventProducer,
		cfg.ResultEventExchange,
		rateLimiter,
		app.RedemptionOrchestratorConfig{
			Workers:            cfg.RedemptionWorkers,
			QueueSize:          cfg.RedemptionQueueSize,
			RateLimitPerMinute: cfg.RedemptionRateLimitPerMinute,
			ExecutorTimeout:    time.Duration(cfg.ExecutorTimeoutSeconds) * time.Second,
		},
	)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	orchestrator.Start(workerCtx)

	// Start the cron scheduler for the email poll and the stuck-redemption alert.
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(emailPipeline, orchestrator, slogger, cfg)
	scheduler.Start()

	// Initialize the bot command dispatcher and the API handlers.
	botHandler := bot.NewHandler(ledgerService, orchestrator, cfg.LedgerHistoryDefaultLimit)
	handlers := api.NewHandlers(ledgerService, botHandler, time.Duration(cfg.RedemptionStaleAfterMinutes)*time.Minute)
	router := api.NewRouter(handlers, cfg.InternalAPIKey)

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

	// Stop the cron entries, then drain the redemption workers. Anything still
	// in flight when the timeout fires stays in_progress for the stale alert.
	<-scheduler.Stop().Done()
	cancelWorkers()
	orchestrator.Wait()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
