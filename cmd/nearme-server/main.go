package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nearme/nearme/internal/broadcast"
	"github.com/nearme/nearme/internal/config"
	"github.com/nearme/nearme/internal/health"
	"github.com/nearme/nearme/internal/metrics"
	"github.com/nearme/nearme/internal/presence"
	"github.com/nearme/nearme/internal/ratelimit"
)

// AppState holds all application services
type AppState struct {
	DB              *bun.DB
	Logger          *zap.Logger
	Config          *config.Config
	Hub             *broadcast.Hub
	PresenceService presence.PresenceManager
	Health          *health.Manager
}

func main() {
	// Load configuration
	config.Load()

	// Initialize logger with config
	logger := initLogger()
	defer func() { _ = logger.Sync() }()

	// Initialize application state
	as, err := newAppState(logger)
	if err != nil {
		logger.Fatal("Failed to initialize application state", zap.Error(err))
	}

	// Fail fast when a critical dependency is down
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := as.Health.StartupHealthCheck(ctx); err != nil {
		cancel()
		logger.Fatal("Startup health check failed", zap.Error(err))
	}
	cancel()

	// Setup router
	router, err := setupRouter(as)
	if err != nil {
		logger.Fatal("Failed to set up router", zap.Error(err))
	}

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", config.Http().Host, config.Http().Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Setup graceful shutdown
	done := setupSignalHandler(as, server, logger)

	// Start server
	logger.Info("Starting presence server", zap.String("address", addr))

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	<-done
	logger.Info("Server shutdown complete")
}

// newAppState opens the database, runs migrations, and wires the services
func newAppState(logger *zap.Logger) (*AppState, error) {
	pgConfig := config.Postgres()

	logger.Info("Database configuration",
		zap.String("host", pgConfig.Host),
		zap.Int("port", pgConfig.Port),
		zap.String("database", pgConfig.Database),
		zap.Bool("dsn_from_url", pgConfig.URL != ""))

	// Initialize database
	db, err := initializeDatabase(pgConfig.DSN(), pgConfig.MaxOpenConnections,
		time.Duration(pgConfig.ReadTimeout)*time.Second,
		time.Duration(pgConfig.WriteTimeout)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Run migrations
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := presence.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	// Initialize broadcast hub
	hub := broadcast.NewHub(config.Broadcast().SendBuffer, logger.Named("broadcast"))

	// Initialize services
	store := presence.NewPostgresStore(db)
	presenceService := presence.NewPresenceService(store, hub, logger.Named("presence"))

	// Initialize health manager
	healthManager := health.NewManager(logger.Named("health"))
	healthManager.AddChecker(health.NewDatabaseHealthChecker(db))
	healthManager.AddChecker(health.NewObserverHealthChecker(hub))

	return &AppState{
		DB:              db,
		Logger:          logger,
		Config:          config.Get(),
		Hub:             hub,
		PresenceService: presenceService,
		Health:          healthManager,
	}, nil
}

func initializeDatabase(databaseURL string, maxConnections int, readTimeout, writeTimeout time.Duration) (*bun.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	if maxConnections <= 0 {
		maxConnections = 10
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(databaseURL),
		pgdriver.WithReadTimeout(readTimeout),
		pgdriver.WithWriteTimeout(writeTimeout),
	))
	sqldb.SetMaxOpenConns(maxConnections)
	sqldb.SetMaxIdleConns(maxConnections / 2)
	sqldb.SetConnMaxLifetime(time.Hour)

	db := bun.NewDB(sqldb, pgdialect.New())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

func initLogger() *zap.Logger {
	logConfig := config.Logger()

	var config zap.Config
	if logConfig.Format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	switch logConfig.Level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	return logger
}

func setupRouter(as *AppState) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)

	httpConfig := config.Http()

	router := gin.New()

	// Only listed proxies may supply X-Forwarded-For. With none listed,
	// ClientIP is the socket peer.
	if err := router.SetTrustedProxies(httpConfig.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	// Middleware
	router.Use(corsMiddleware(httpConfig.AllowedOrigins))
	router.Use(requestLogger(as.Logger))
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware())
	router.Use(maxBodySize(httpConfig.MaxRequestSize))

	// Health and metrics
	router.GET("/health", as.Health.Handler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Presence API, writes rate limited per client IP
	writeLimiter := ratelimit.New(httpConfig.WriteRate, httpConfig.WriteBurst)
	api := router.Group("/api")
	presence.NewPresenceHandlers(as.PresenceService, as.Logger.Named("http")).
		RegisterRoutes(api, writeLimiter.Middleware(as.Logger.Named("ratelimit")))

	// Observer websocket
	bcfg := config.Broadcast()
	wsServer := broadcast.NewServer(as.Hub, as.PresenceService, broadcast.ServerConfig{
		WriteWait:      time.Duration(bcfg.WriteWaitMs) * time.Millisecond,
		PongWait:       time.Duration(bcfg.PongWaitMs) * time.Millisecond,
		AllowedOrigins: httpConfig.AllowedOrigins,
	}, as.Logger.Named("ws"))
	router.GET("/ws", wsServer.Handle)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return cors.Default()
	}
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = origins
	return cors.New(cfg)
}

// requestLogger logs each request through zap instead of gin's stdout logger
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func maxBodySize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

func setupSignalHandler(as *AppState, server *http.Server, logger *zap.Logger) chan struct{} {
	done := make(chan struct{}, 1)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-signalCh

		logger.Info("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Error during server shutdown", zap.Error(err))
		}

		// hijacked websocket connections are not covered by Shutdown
		as.Hub.Close()

		if err := as.DB.Close(); err != nil {
			logger.Error("Error closing database", zap.Error(err))
		}

		done <- struct{}{}
	}()

	return done
}
