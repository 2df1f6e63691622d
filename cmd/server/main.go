package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"cirx-backend/internal/clients"
	"cirx-backend/internal/config"
	"cirx-backend/internal/db"
	"cirx-backend/internal/events"
	"cirx-backend/internal/handlers"
	"cirx-backend/internal/repository"
	"cirx-backend/internal/router"
	"cirx-backend/internal/services"
	"cirx-backend/internal/validation"
	"cirx-backend/internal/workers"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// .env is optional, environment wins either way
	if err := godotenv.Load(); err == nil {
		log.Println("📋 Loaded environment from .env")
	}

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	cfg := config.AppConfig

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	db.InitDB()

	// NATS is optional: with no URL configured events are dropped and
	// everything else keeps working.
	var publisher *events.Publisher
	var natsClient *clients.NATSClient
	if cfg.NATS.URL != "" {
		nc, err := clients.NewNATSClient(cfg.NATS.URL, cfg.NATS.StreamName)
		if err != nil {
			log.Printf("⚠️ NATS unavailable, continuing without events: %v", err)
		} else {
			natsClient = nc
			publisher = events.NewPublisher(nc)
			defer natsClient.Close()
		}
	}

	txRepo := repository.NewTransactionRepository(db.DB)
	walletRepo := repository.NewWalletRepository(db.DB)

	signer, err := services.NewWalletSigner(cfg.Cirx.WalletEncryptionKey)
	if err != nil {
		log.Fatalf("❌ Invalid wallet encryption key: %v", err)
	}

	validator := validation.NewValidator(cfg.Chains)
	verifier := services.NewPaymentVerificationService(cfg.Chains)
	cirxClient := clients.NewCirxClient(cfg.Cirx.NAGURL)
	transfer := services.NewCirxTransferService(cirxClient, signer, walletRepo, cfg.Cirx, cfg.Prices)
	swapService := services.NewSwapService(txRepo, validator, transfer, publisher)
	push := services.NewStatusPushService()

	worker := workers.NewSettlementWorker(txRepo, verifier, transfer, publisher, push, cfg.Worker)
	worker.Start()
	defer worker.Stop()

	monitoring := services.NewMonitoringService(txRepo, walletRepo, cfg.Monitoring, worker.Healthy)
	monitoring.Start()
	defer monitoring.Stop()

	engine := router.SetupRouter(logger, &router.Handlers{
		Swap:       handlers.NewSwapHandler(swapService),
		Monitoring: handlers.NewMonitoringHandler(monitoring),
		AdminAuth:  handlers.NewAdminAuthHandler(&cfg.Admin),
		AdminSwap:  handlers.NewAdminSwapHandler(txRepo, walletRepo, signer),
		WebSocket:  handlers.NewWebSocketHandler(push),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	go func() {
		log.Printf("🚀 CIRX swap backend listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP shutdown error: %v", err)
	}
	// Deferred worker/monitoring stops and NATS close run after this.
	log.Println("✅ Server stopped")
}
