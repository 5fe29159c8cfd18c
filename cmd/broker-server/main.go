// Package main provides the broker server executable with HTTP API.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	broker "github.com/Basilakis/kai-sub001"
	brokerrelica "github.com/Basilakis/kai-sub001/adapters/relica"
	"github.com/Basilakis/kai-sub001/cmd/broker-server/internal/api"
	"github.com/Basilakis/kai-sub001/cmd/broker-server/internal/config"
)

// SimpleLogger implements broker.Logger for standard logging.
type SimpleLogger struct{}

func (l *SimpleLogger) Debugf(format string, args ...interface{}) {
	log.Printf("[DEBUG] "+format, args...)
}
func (l *SimpleLogger) Infof(format string, args ...interface{}) {
	log.Printf("[INFO] "+format, args...)
}
func (l *SimpleLogger) Warnf(format string, args ...interface{}) {
	log.Printf("[WARN] "+format, args...)
}
func (l *SimpleLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[ERROR] "+format, args...)
}
func (l *SimpleLogger) Info(message string) {
	log.Printf("[INFO] %s", message)
}

func main() {
	log.Println("🚀 Starting Broker Server...")

	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("📝 Configuration loaded:")
	log.Printf("   Server: %s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("   Database: %s (%s:%d)", cfg.Database.Driver, cfg.Database.Host, cfg.Database.Port)
	log.Printf("   Probe interval: %v", cfg.Broker.ProbeInterval)
	log.Printf("   Batch size: %d", cfg.Broker.BatchSize)

	// Connect to database
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.GetDSN())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("Failed to close database: %v", closeErr)
		}
	}()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Println("✅ Database connection established")

	logger := &SimpleLogger{}

	store := brokerrelica.NewStoreWithPrefix(db, cfg.Database.Driver, cfg.Database.Prefix)
	store.SetLogger(logger)
	defer store.Close()

	b, err := broker.New(
		broker.WithStore(store),
		broker.WithLogger(logger),
		broker.WithNotifications(broker.NewLoggingNotificationService(logger)),
		broker.WithProbeInterval(cfg.Broker.ProbeInterval),
		broker.WithCleanupInterval(cfg.Broker.CleanupInterval),
		broker.WithRetentionWindow(cfg.Broker.Retention),
		broker.WithBatchSize(cfg.Broker.BatchSize),
		broker.WithMaxRetries(cfg.Broker.MaxRetries),
		broker.WithPersistence(cfg.Broker.Persistence),
	)
	if err != nil {
		log.Fatalf("Failed to create broker: %v", err)
	}
	defer b.Close()

	// HTTP API
	handler := api.NewHandler(b, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/publish", handler.HandlePublish)
	mux.HandleFunc("/api/v1/replay", handler.HandleReplay)
	mux.HandleFunc("/api/v1/stats", handler.HandleStats)
	mux.HandleFunc("/api/v1/health", handler.HandleHealth)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("🌐 HTTP API listening on %s", server.Addr)
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", serveErr)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	log.Println("👋 Broker server stopped")
}
