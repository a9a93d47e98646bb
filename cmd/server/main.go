package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"services/session-engine/internal/client"
	"services/session-engine/internal/config"
	"services/session-engine/internal/handler"
	"services/session-engine/internal/kafka"
	"services/session-engine/internal/middleware"
	"services/session-engine/internal/model"
	"services/session-engine/internal/repository"
	"services/session-engine/internal/service"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set up logger
	logger, err := createLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Connect to database
	db, err := connectToDB(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize repositories and clients
	marketDataRepo := repository.NewMarketDataRepository(db, logger)
	storageClient := client.NewStorageClient(
		cfg.Storage.URL,
		cfg.Storage.ServiceKey,
		cfg.Storage.Timeout,
		cfg.Storage.MaxElapsedTime,
		logger,
	)

	// Optional Kafka event publisher
	var events service.EventPublisher
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, logger)
		events = kafka.NewSessionEvents(producer, cfg.Kafka.Topics["sessionEvents"])
		defer producer.Close()
	}

	// Market hours metadata
	hours, err := service.NewMarketHoursProvider(cfg.Market, logger)
	if err != nil {
		logger.Fatal("Failed to load market hours", zap.Error(err))
	}

	// The store is an explicit instance injected into every component; there
	// is no process-wide singleton.
	store := service.NewSessionStore(cfg.Session.MaxBarsPerSeries, logger)

	startDate, err := hours.ParseDate(cfg.Session.ExchangeGroup, cfg.Session.AssetClass, cfg.Session.StartDate)
	if err != nil {
		logger.Fatal("Invalid session start date", zap.Error(err))
	}
	clock := service.NewSessionClock(startDate)

	// Historical sources, tried in order: partition storage, the repository,
	// and the raw handle as last resort.
	sources := []service.HistoricalSource{
		service.QuerySource("storage", storageClient.FetchBars),
		service.RepositorySource("repository", marketDataRepo),
		service.DirectSource("direct", db),
	}

	subscriptionMode := service.ModeDataDriven
	if cfg.Session.Mode == "live" {
		subscriptionMode = service.ModeLive
	} else if cfg.Session.PacingMultiplier > 0 {
		subscriptionMode = service.ModeClockDriven
	}
	downstream := service.NewStreamSubscription(
		"coordinator-processor",
		subscriptionMode,
		cfg.Session.SubscriptionTimeout,
		logger,
	)

	coordinator, err := service.NewSessionCoordinator(
		store,
		clock,
		hours,
		sources,
		downstream,
		events,
		cfg.Session,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to create session coordinator", zap.Error(err))
	}

	upkeep, err := service.NewUpkeepService(store, clock, sources, events, cfg.Session, logger)
	if err != nil {
		logger.Fatal("Failed to create upkeep service", zap.Error(err))
	}

	prefetch := service.NewPrefetchService(store, hours, coordinator.LoadHistorical, cfg.Session, logger)
	coordinator.SetPrefetch(prefetch)

	boundary := service.NewBoundaryService(store, clock, hours, events, coordinator.RollToNext, cfg.Session, logger)

	native, err := model.ParseInterval(cfg.Session.NativeInterval)
	if err != nil {
		logger.Fatal("Invalid native interval", zap.Error(err))
	}
	sessionHandler := handler.NewSessionHandler(store, clock, boundary, coordinator, native, logger)

	// Set up HTTP server with Gin
	router := setupRouter(sessionHandler, logger, cfg)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Start the background loops and the coordinator
	upkeep.Start()
	boundary.Start()
	prefetch.Start()

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- coordinator.Run(runCtx)
	}()

	// Wait for interrupt signal or coordinator exit
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Shutting down...")
		coordinator.Stop()
		cancelRun()
		if err := <-runDone; err != nil {
			logger.Error("Coordinator exited with error", zap.Error(err))
		}
	case err := <-runDone:
		cancelRun()
		if err != nil {
			logger.Error("Coordinator aborted", zap.Error(err))
		} else {
			logger.Info("Run complete")
		}
	}

	// Teardown joins every loop before the store is released
	upkeep.Stop()
	boundary.Stop()
	prefetch.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited properly")
}

func createLogger(level string) (*zap.Logger, error) {
	// Parse log level
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	// Create logger config
	config := zap.Config{
		Level:            zapLevel,
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}

func connectToDB(dbConfig config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		dbConfig.Host,
		dbConfig.Port,
		dbConfig.User,
		dbConfig.Password,
		dbConfig.DBName,
		dbConfig.SSLMode,
	)

	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(dbConfig.MaxOpenConns)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)

	return db, nil
}

func setupRouter(
	sessionHandler *handler.SessionHandler,
	logger *zap.Logger,
	cfg *config.Config,
) *gin.Engine {
	router := gin.New()

	// Use middlewares
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// API routes
	v1 := router.Group("/api/v1")
	{
		session := v1.Group("/session")
		{
			session.GET("/status", sessionHandler.GetStatus)
			session.GET("/quality", sessionHandler.GetQuality)
			session.GET("/subscription", sessionHandler.GetSubscription)
		}

		// Service-to-service routes (requires service key)
		svc := v1.Group("/service")
		svc.Use(middleware.ServiceAuthMiddleware(cfg.ServiceKey, logger))
		{
			svc.POST("/session/ready", sessionHandler.SignalReady)
			svc.POST("/session/error/clear", sessionHandler.ClearError)
			svc.DELETE("/session/symbols/:symbol", sessionHandler.RemoveSymbol)
		}
	}
	return router
}
