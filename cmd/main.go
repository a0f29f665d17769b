/**
 * @description
 * This is the main entry point for the credit-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, message brokers, repositories, the core application service, the
 * invite reward engine, the reconciliation scheduler, and the HTTP server. It
 * wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/advisoryhq/credit-service/internal/api"
	"github.com/advisoryhq/credit-service/internal/app"
	"github.com/advisoryhq/credit-service/internal/config"
	"github.com/advisoryhq/credit-service/internal/store"
	creditrabbit "github.com/advisoryhq/credit-service/pkg/rabbitmq"
)

func main() {
	// Load the optional .env file before reading configuration.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting credit-service\" port=%s", cfg.ServerPort)

	// All daily quota windows are computed in the ledger timezone, never in
	// the deployment host's locale.
	ledgerLocation, err := time.LoadLocation(cfg.LedgerTimezone)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid ledger timezone\" timezone=%s err=%v", cfg.LedgerTimezone, err)
	}

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high-traffic scenarios
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

	// Initialize the RabbitMQ producer to publish events. A broker outage at
	// startup degrades to the no-op fallback rather than blocking boot.
	var eventPublisher creditrabbit.Publisher
	rabbitProducer, err := creditrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventPublisher = &creditrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		eventPublisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs the per-minute decrease throttle; it is optional.
	var redisClient *redis.Client
	if cfg.DecreaseThrottlePerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; decrease throttling disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; decrease throttling disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; decrease throttling disabled\" err=%v", pingErr)
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

	// The settings registry falls back to these values when no row exists.
	settings := app.NewSettingsRegistry(repository, app.SettingDefaults{
		DailyDecreaseLimit:     cfg.DailyDecreaseLimit,
		InviterBonus:           cfg.InviterBonusCredits,
		InviteeBonus:           cfg.InviteeBonusCredits,
		RegistrationBonus:      cfg.RegistrationBonusCredits,
		InviteEnabled:          cfg.InviteEnabled,
		InviteCodeMinLength:    cfg.InviteCodeMinLength,
		InviteCodeMaxLength:    cfg.InviteCodeMaxLength,
		BatchAdjustMaxAccounts: cfg.BatchAdjustMaxAccounts,
	})

	// Initialize the core application service with its dependencies.
	creditService := app.NewService(repository, settings, eventPublisher, ledgerLocation)
	creditService.ConfigureDecreaseThrottle(cfg.DecreaseThrottlePerMinute)
	if redisClient != nil {
		creditService.SetRequestThrottle(app.NewRedisRequestThrottle(redisClient, cfg.RedisRateLimitPrefix))
	}

	inviteEngine := app.NewInviteEngine(creditService)

	// The reconciliation scheduler cross-checks balances against the ledger.
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	reconciler := app.NewReconciler(repository, slogger)
	scheduler := app.NewScheduler(reconciler, slogger, cfg.ReconcileSchedule)
	scheduler.Start()

	// Initialize the API handlers.
	creditHandlers := api.NewCreditHandlers(creditService, inviteEngine)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.CreditRoutes(creditHandlers, cfg.InternalAPIKey))

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

	// Let any in-flight reconciliation run finish.
	<-scheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
