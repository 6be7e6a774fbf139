package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"gym-reserve-backend/config"
	"gym-reserve-backend/internal/api"
	"gym-reserve-backend/internal/db"
	"gym-reserve-backend/internal/engine"
	"gym-reserve-backend/internal/estimator"
	"gym-reserve-backend/internal/hardware"
	"gym-reserve-backend/internal/notification"
	"gym-reserve-backend/internal/notifier"
	"gym-reserve-backend/internal/store"
)

func main() {
	// Setup logger
	logger := log.New(os.Stdout, "gym-reserve ", log.LstdFlags)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	// Check for VAPID keys
	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		logger.Fatalf("VAPID keys must be configured. Please generate them and add them to your config file.")
	}

	webpushOptions := webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}

	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	logger.Println("data store initialized")

	// Push notification worker pool
	pool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, &webpushOptions)
	pool.Start(ctx)

	// Change notifier bus and hardware lock bridge
	bus := notifier.NewBus(0)
	hw := hardware.NewController(cfg.Hardware)

	// Session lifecycle engine with the built-in duration estimator
	eng := engine.NewEngine(appStore, cfg.Session, bus, pool, hw, estimator.Heuristic{})

	// Background sweeps: stale sessions/overruns and lapsed claim windows
	reaper := engine.NewReaper(eng, time.Duration(cfg.Session.ReaperIntervalSeconds)*time.Second)
	go reaper.Run(ctx)
	expiry := engine.NewExpirySweeper(eng, time.Duration(cfg.Session.ExpiryIntervalSeconds)*time.Second)
	go expiry.Run(ctx)

	// Initialize router
	router := api.NewRouter(cfg, appStore, eng, bus, &webpushOptions)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start the server in a goroutine
	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}
