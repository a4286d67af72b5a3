package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

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

func main() {
	log.Println("Starting campaign-dispatch worker...")

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

	tr, err := buildTransport(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize transport: %v", err)
	}

	bounceSvc := bounce.NewService(postgres.NewBounceRepo(db))
	trackingRepo := postgres.NewTrackingRepo(db)
	injector := tracking.NewInjector(trackingRepo, cfg.Tracking.BaseURL)
	tokens := tracking.NewTokenIssuer(cfg.Tracking.SigningKey)
	orchestrator := campaign.NewService(postgres.NewCampaignRepo(db), injector, tokens, tr)

	rate := worker.NewSharedWindow(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, time.Hour)
	if cfg.Redis.Addr != "" {
		log.Printf("Using shared Redis rate window at %s", cfg.Redis.Addr)
	}
	delivery := worker.NewDeliveryWorker(postgres.NewQueueStore(db), tr, bounceSvc, rate)
	delivery.SetPollInterval(cfg.Worker.PollInterval())
	delivery.SetBatchSize(cfg.Worker.BatchSize)
	delivery.SetHourlyLimit(cfg.Worker.EmailsPerHour)

	scheduler := worker.NewScheduler(postgres.NewSchedulerRepo(db), orchestrator)
	scheduler.SetPollInterval(cfg.Scheduler.PollInterval())

	if err := delivery.Start(); err != nil {
		log.Fatalf("Failed to start delivery worker: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	scheduler.Stop()
	delivery.Stop()
	log.Println("Worker stopped")
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Vendor {
	case "ses":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return transport.NewSESTransport(ctx,
			cfg.Transport.SES.AccessKey, cfg.Transport.SES.SecretKey, cfg.Transport.SES.Region)
	default:
		log.Println("Using dev transport (no real delivery)")
		return transport.NewDevTransport(), nil
	}
}
