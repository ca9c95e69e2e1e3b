package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/analytics"
	"github.com/ignite/campaign-engine/internal/channel"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/orchestrator"
	"github.com/ignite/campaign-engine/internal/personalize"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/sendtime"
	"github.com/ignite/campaign-engine/internal/store"
)

// The worker is a headless dispatcher: it claims and sends due messages
// for running campaigns without serving the HTTP API. Multiple workers
// can run against the same database; the per-campaign dispatcher lock
// keeps exactly one of them driving each campaign.
func main() {
	log.Println("Starting Campaign Engine worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required: workers share state through PostgreSQL")
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}
	logger.Info("worker starting", "tick_seconds", cfg.Orchestrator.TickIntervalSeconds,
		"batch_size", cfg.Orchestrator.BatchSize)

	ctx := context.Background()

	db, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	st := store.NewPostgres(db)
	log.Println("Connected to PostgreSQL")

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Redis unavailable (%v), falling back to in-process limits", err)
			redisClient = nil
		} else {
			log.Println("Connected to Redis")
		}
		cancel()
	}

	adapters := make(channel.Registry)
	if cfg.Email.Enabled {
		ses, err := channel.NewSESAdapter(ctx, cfg.Email)
		if err != nil {
			log.Fatalf("Failed to initialize SES adapter: %v", err)
		}
		adapters[domain.ChannelEmail] = ses
	} else {
		adapters[domain.ChannelEmail] = channel.NewMockAdapter(domain.ChannelEmail)
		log.Println("Email channel using mock adapter (SES not configured)")
	}
	if cfg.SMS.Enabled {
		adapters[domain.ChannelSMS] = channel.NewHTTPSMSAdapter(cfg.SMS)
	} else {
		adapters[domain.ChannelSMS] = channel.NewMockAdapter(domain.ChannelSMS)
		log.Println("SMS channel using mock adapter (gateway not configured)")
	}

	var generator personalize.Generator
	if cfg.Bedrock.Enabled {
		gen, err := personalize.NewBedrockGenerator(ctx, cfg.Bedrock)
		if err != nil {
			log.Printf("Bedrock unavailable (%v), ai personalization degrades to advanced", err)
		} else {
			generator = gen
		}
	}
	engine := personalize.NewEngine(generator,
		time.Duration(cfg.Bedrock.TimeoutSeconds)*time.Second)

	var limiter orchestrator.Limiter
	if redisClient != nil {
		limiter = orchestrator.NewRedisLimiter(redisClient)
	} else {
		limiter = orchestrator.NewBucketLimiter()
		log.Println("Warning: in-process rate limiting; run Redis to share budgets across workers")
	}

	agg := analytics.New(st)
	orch := orchestrator.New(st, adapters, engine, sendtime.New(cfg.SendTime),
		limiter, agg, cfg.Orchestrator)
	orch.NewLock = func(campaignID string) distlock.DistLock {
		return distlock.NewLock(redisClient, db,
			"campaign:"+campaignID+":dispatch", cfg.Orchestrator.LockTTL())
	}

	if err := orch.Start(ctx); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}

	// Heartbeat with dispatch counters
	stopHeartbeat := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopHeartbeat:
				return
			case <-ticker.C:
				s := orch.Snapshot()
				log.Printf("[Worker] Heartbeat: sent=%d failed=%d requeued=%d dispatchers=%d",
					s.Sent, s.Failed, s.Requeued, orch.ActiveDispatchers())
			}
		}
	}()

	log.Println("Worker running...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	close(stopHeartbeat)
	orch.Stop()
	log.Println("Shutdown complete")
}
