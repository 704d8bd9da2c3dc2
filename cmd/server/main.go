package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/HaoWen46/OrderBook/internal/accounts"
	"github.com/HaoWen46/OrderBook/internal/api"
	"github.com/HaoWen46/OrderBook/internal/db"
	"github.com/HaoWen46/OrderBook/internal/engine"
	"github.com/HaoWen46/OrderBook/internal/logging"
	"github.com/HaoWen46/OrderBook/internal/metrics"
)

const defaultStartingBalance = "10000.00"

func main() {
	// Load environment variables if present (non-fatal).
	godotenv.Load()

	logger, err := logging.New(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting exchange server")

	database, err := db.Connect()
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := db.ApplySchema(database); err != nil {
		logger.Fatal("failed to apply schema", zap.Error(err))
	}
	logger.Info("database ready")

	collector := metrics.GetCollector()

	matchingEngine, err := engine.NewEngine(database, logger, collector)
	if err != nil {
		logger.Fatal("failed to create matching engine", zap.Error(err))
	}
	defer matchingEngine.Close()

	// Restore in-memory book state from persisted open orders.
	if err := matchingEngine.LoadOpenOrders(); err != nil {
		logger.Fatal("failed to load open orders", zap.Error(err))
	}

	startingBalance, err := decimal.NewFromString(envOr("STARTING_BALANCE", defaultStartingBalance))
	if err != nil {
		logger.Fatal("invalid STARTING_BALANCE", zap.Error(err))
	}

	accountService := accounts.NewService(database, matchingEngine, logger, startingBalance)
	if err := accountService.EnsureManager(envOr("ADMIN_USERNAME", "admin"), envOr("ADMIN_PASSWORD", "admin")); err != nil {
		logger.Fatal("failed to bootstrap manager", zap.Error(err))
	}

	origins := strings.Split(envOr("CORS_ALLOWED_ORIGINS", "*"), ",")
	server := api.NewServer(matchingEngine, accountService, logger, collector, origins)

	addr := envOr("HTTP_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Handler(),
	}

	// Graceful shutdown setup.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	} else {
		logger.Info("server stopped")
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
