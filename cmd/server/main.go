package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"b2chat-sync-service/internal/api"
	"b2chat-sync-service/internal/b2chat"
	"b2chat-sync-service/internal/config"
	"b2chat-sync-service/internal/logger"
	"b2chat-sync-service/internal/store"
	"b2chat-sync-service/internal/sync"
)

func main() {
	// Load .env if present, for local runs
	_ = godotenv.Load()

	configPath := os.Getenv("B2SYNC_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Load Config
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting B2Chat Sync Service")

	// Init Store
	st, err := store.Open(cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to init store", zap.Error(err))
	}
	defer st.Close()

	// Init Platform Client
	client := b2chat.NewClient(cfg.B2Chat)

	// Init Sync Manager
	syncManager, err := sync.NewManager(cfg, st, client)
	if err != nil {
		logger.Log.Fatal("Failed to init sync manager", zap.Error(err))
	}

	// Init Scheduler
	scheduler := sync.NewScheduler(cfg.Sync.Scheduler, syncManager)
	scheduler.Start()
	defer scheduler.Stop()

	// Init API
	handler := api.NewHandler(syncManager, cfg.Server)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	syncManager.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}
