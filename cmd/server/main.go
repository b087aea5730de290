package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eaglebank/user-accounts/internal/command"
	"github.com/eaglebank/user-accounts/internal/config"
	"github.com/eaglebank/user-accounts/internal/handler"
	"github.com/eaglebank/user-accounts/internal/ledger"
	"github.com/eaglebank/user-accounts/internal/logging"
	"github.com/eaglebank/user-accounts/internal/query"
	"github.com/eaglebank/user-accounts/internal/repository"
	"github.com/eaglebank/user-accounts/internal/service"
	"github.com/eaglebank/user-accounts/shared/events"
	"github.com/eaglebank/user-accounts/shared/middleware"
	sharedredis "github.com/eaglebank/user-accounts/shared/redis"
	"github.com/eaglebank/user-accounts/shared/utils"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("user-accounts stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// MongoDB (user documents)
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return err
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(disconnectCtx)
	}()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = mongoClient.Ping(pingCtx, nil)
	cancel()
	if err != nil {
		return err
	}

	userStore := repository.NewMongoUserStore(mongoClient.Database(cfg.MongoDatabase))
	if err := userStore.EnsureIndexes(ctx); err != nil {
		return err
	}

	// PostgreSQL (transaction history)
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	// Redis (read model + event streams)
	redis, err := sharedredis.NewClient(ctx, sharedredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}
	defer redis.Close()

	// --- CQRS wiring ---
	publisher := events.NewPublisher(redis.Client)
	ledgerClient := ledger.NewClient(ledger.Config{
		BaseURL:  cfg.LedgerBaseURL,
		APIToken: cfg.LedgerAPIToken,
		Timeout:  cfg.LedgerTimeout,
	})

	writeRepo := repository.NewUserWriteRepository(userStore)
	readRepo := repository.NewUserReadRepository(writeRepo, redis.Client, cfg.UserViewTTL, logger)
	txRepo := repository.NewTransactionReadRepository(db)

	commandSvc := command.NewUserCommandService(
		writeRepo, readRepo, ledgerClient,
		utils.NewBcryptHasher(cfg.BcryptCost), publisher, logger,
	)
	querySvc := query.NewUserQueryService(readRepo, writeRepo, ledgerClient, txRepo)
	accounts := service.NewAccountService(commandSvc, querySvc)

	// Setup router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.LoggingMiddleware(logger))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler.NewKYCWebhookHandler(accounts).RegisterRoutes(router.Group("/v1"), cfg.KYCWebhookSecret)
	handler.NewUserHandler(accounts, accounts).RegisterRoutes(
		router.Group("/v1", middleware.AuthMiddleware([]byte(cfg.JWTSecret))),
	)

	// KYC notifications relayed onto the stream are applied by the command service
	go func() {
		subscriber := events.NewSubscriber(redis.Client, events.SubscriberConfig{
			Group:    "user-accounts-group",
			Consumer: cfg.ConsumerName,
			Stream:   cfg.KYCEventsStream,
			Handler:  accounts.HandleKYCEvent,
			Logger:   logger,
		})
		if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("kyc subscriber stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("user-accounts starting", "addr", cfg.HTTPAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
