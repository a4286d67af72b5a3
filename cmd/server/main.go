package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/campaign-dispatch/internal/api"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
	"github.com/ignite/campaign-dispatch/internal/service/bounce"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
	"github.com/ignite/campaign-dispatch/internal/tracking"
	"github.com/ignite/campaign-dispatch/internal/transport"
	"github.com/ignite/campaign-dispatch/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %v", addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting campaign-dispatch server...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.RedactPII)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	var tr transport.Transport
	switch cfg.Transport.Vendor {
	case "ses":
		initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
		tr, err = transport.NewSESTransport(initCtx,
			cfg.Transport.SES.AccessKey, cfg.Transport.SES.SecretKey, cfg.Transport.SES.Region)
		cancelInit()
		if err != nil {
			log.Fatalf("Failed to initialize SES transport: %v", err)
		}
	default:
		log.Println("Using dev transport (no real delivery)")
		tr = transport.NewDevTransport()
	}

	trackingRepo := postgres.NewTrackingRepo(db)
	injector := tracking.NewInjector(trackingRepo, cfg.Tracking.BaseURL)
	tokens := tracking.NewTokenIssuer(cfg.Tracking.SigningKey)

	orchestrator := campaign.NewService(postgres.NewCampaignRepo(db), injector, tokens, tr)
	bounceSvc := bounce.NewService(postgres.NewBounceRepo(db))

	// The server process carries a delivery worker and scheduler view for the
	// status endpoints; the loops themselves run in cmd/worker. The rate
	// window must come from the same config so status reads the window the
	// worker spends from.
	rate := worker.NewSharedWindow(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, time.Hour)
	delivery := worker.NewDeliveryWorker(postgres.NewQueueStore(db), tr, bounceSvc, rate)
	delivery.SetHourlyLimit(cfg.Worker.EmailsPerHour)
	scheduler := worker.NewScheduler(postgres.NewSchedulerRepo(db), orchestrator)

	handlers := api.NewHandlers(orchestrator, scheduler, delivery, bounceSvc)
	trackingHandler := tracking.NewHandler(trackingRepo, tokens)
	server := api.NewServer(handlers, trackingHandler.Routes(), cfg.Server.AllowedOrigins)

	addr := cfg.Server.Addr()
	if err := checkPortAvailable(addr); err != nil {
		log.Fatalf("%v", err)
	}

	go func() {
		log.Printf("Listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
