package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/analytics"
	"github.com/ignite/campaign-engine/internal/api"
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

func main() {
	log.Println("Starting Campaign Engine server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}
	logger.Info("engine starting", "host", cfg.Server.Host, "port", cfg.Server.Port)

	ctx := context.Background()

	// Store: Postgres when configured, in-memory otherwise (dev mode)
	var st store.Store
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := store.Migrate(db); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		st = store.NewPostgres(db)
		log.Println("Connected to PostgreSQL")
	} else {
		st = store.NewMemory()
		log.Println("DATABASE_URL not set, using in-memory store")
	}

	// Redis: optional, shares rate limit budgets and dispatcher locks
	// across processes
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

	adapters := buildAdapters(ctx, cfg)

	var generator personalize.Generator
	if cfg.Bedrock.Enabled {
		gen, err := personalize.NewBedrockGenerator(ctx, cfg.Bedrock)
		if err != nil {
			log.Printf("Bedrock unavailable (%v), ai personalization degrades to advanced", err)
		} else {
			generator = gen
			log.Printf("Bedrock generator ready (model %s)", cfg.Bedrock.ModelID)
		}
	}
	engine := personalize.NewEngine(generator,
		time.Duration(cfg.Bedrock.TimeoutSeconds)*time.Second)

	var limiter orchestrator.Limiter
	if redisClient != nil {
		limiter = orchestrator.NewRedisLimiter(redisClient)
	} else {
		limiter = orchestrator.NewBucketLimiter()
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

	server := api.NewServer(cfg.Server, st, orch, agg)
	go func() {
		log.Printf("HTTP server listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil {
			log.Printf("HTTP server stopped: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	orch.Stop()
	log.Println("Shutdown complete")
}

// buildAdapters wires the configured channels. Unconfigured channels get
// the mock adapter so dev environments can exercise the full pipeline.
func buildAdapters(ctx context.Context, cfg *config.Config) channel.Registry {
	adapters := make(channel.Registry)

	if cfg.Email.Enabled {
		ses, err := channel.NewSESAdapter(ctx, cfg.Email)
		if err != nil {
			log.Fatalf("Failed to initialize SES adapter: %v", err)
		}
		adapters[domain.ChannelEmail] = ses
		log.Printf("SES email adapter ready (region %s)", cfg.Email.Region)
	} else {
		adapters[domain.ChannelEmail] = channel.NewMockAdapter(domain.ChannelEmail)
		log.Println("Email channel using mock adapter (SES not configured)")
	}

	if cfg.SMS.Enabled {
		adapters[domain.ChannelSMS] = channel.NewHTTPSMSAdapter(cfg.SMS)
		log.Printf("SMS adapter ready (%s)", cfg.SMS.BaseURL)
	} else {
		adapters[domain.ChannelSMS] = channel.NewMockAdapter(domain.ChannelSMS)
		log.Println("SMS channel using mock adapter (gateway not configured)")
	}

	return adapters
}
