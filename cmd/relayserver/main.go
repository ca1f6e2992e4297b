package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duolink/relay-app/internal/audit"
	"github.com/duolink/relay-app/internal/config"
	"github.com/duolink/relay-app/internal/events"
	"github.com/duolink/relay-app/internal/ratelimit"
	"github.com/duolink/relay-app/internal/relay"
	"github.com/duolink/relay-app/internal/session"
	"github.com/duolink/relay-app/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Getenv("RELAY_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = fmt.Sprintf(":%d", cfg.Server.Port)
	serverConfig.PublicBaseURL = cfg.Server.PublicBaseURL
	serverConfig.MaxConnections = int64(cfg.Server.MaxConnections)
	serverConfig.MaxFrameBytes = int64(cfg.Server.MaxFrameBytes)
	serverConfig.ProbeInterval = time.Duration(cfg.Server.ProbeInterval) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeout) * time.Second

	relayConfig := relay.Config{
		EmptyGrace:    time.Duration(cfg.Session.EmptyGrace) * time.Second,
		IdleTimeout:   time.Duration(cfg.Session.IdleTimeout) * time.Second,
		SweepInterval: time.Duration(cfg.Session.SweepInterval) * time.Second,
	}

	// --- Rate limiting (Redis) ---
	var rdb *redis.Client
	limiter := ratelimit.AllowAll()
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(rdb)
	}

	// --- Events (NATS) ---
	var publisher events.Publisher = events.Nop()
	if cfg.NATS.URL != "" {
		natsConfig := events.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		publisher, err = events.NewNATSPublisher(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	// --- Audit (Postgres) ---
	var recorder audit.Recorder = audit.Nop()
	if cfg.Audit.DatabaseURL != "" {
		store, err := audit.Open(cfg.Audit.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open audit store: %v", err)
		}
		recorder = store
	}

	core := relay.NewService(session.NewRegistry(), publisher, recorder, relayConfig)
	server := ws.NewServer(serverConfig, core, limiter)

	log.Printf("Duolink relay server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  public_base_url: %s", serverConfig.PublicBaseURL)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  max_frame_bytes: %d", serverConfig.MaxFrameBytes)
	log.Printf("  probe_interval:  %s", serverConfig.ProbeInterval)
	log.Printf("  empty_grace:     %s", relayConfig.EmptyGrace)
	log.Printf("  idle_timeout:    %s", relayConfig.IdleTimeout)
	log.Printf("  sweep_interval:  %s", relayConfig.SweepInterval)
	log.Printf("  redis_addr:      %s", orDisabled(cfg.Redis.Address))
	log.Printf("  nats_url:        %s", orDisabled(cfg.NATS.URL))
	log.Printf("  audit_db:        %s", enabledFlag(cfg.Audit.DatabaseURL))

	core.Start()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		core.Shutdown()
		publisher.Close()
		if err := recorder.Close(); err != nil {
			log.Printf("audit store close error: %v", err)
		}
		if rdb != nil {
			rdb.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}

// enabledFlag hides the DSN, which may carry credentials.
func enabledFlag(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return "(enabled)"
}
