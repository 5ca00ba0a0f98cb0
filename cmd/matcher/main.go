package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pairup/collab/internal/api"
	"github.com/pairup/collab/internal/config"
	"github.com/pairup/collab/internal/matching"
	"github.com/pairup/collab/internal/messaging"
	"github.com/pairup/collab/internal/ratelimit"
	"github.com/pairup/collab/internal/store"
)

func main() {
	log.Println("Starting pairup matching service...")

	cfg := config.Load()

	// Redis setup.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	rdb, err := store.Connect(ctx, cfg.Redis)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// NATS setup. Events are optional: the HTTP API works without them.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "pairup-matcher"

	var pub matching.Publisher
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Printf("NATS unavailable, match events disabled: %v", err)
	} else {
		pub = natsClient
	}

	queue := matching.NewRedisStore(rdb)
	engine := matching.NewEngine(queue, pub, cfg.Matching)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	go matching.StartCleanup(bgCtx, queue, cfg.Matching.QueueSweepInterval)

	limiter := ratelimit.NewLimiter(rdb)
	handler := api.NewHandler(engine, limiter, ratelimit.MatchRule(cfg.Matching.RateLimit, cfg.Matching.RateWindow))

	httpServer := &http.Server{
		Addr:              cfg.MatcherAddr,
		Handler:           api.NewRouter(handler, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("pairup matching service running")
	log.Printf("  listen_addr:   %s", cfg.MatcherAddr)
	log.Printf("  redis_addr:    %s", cfg.Redis.Addr)
	log.Printf("  nats_url:      %s", cfg.NATSURL)
	log.Printf("  match_timeout: %s", cfg.Matching.MatchTimeout)
	log.Printf("  session_ttl:   %s", cfg.Matching.SessionTTL)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	shutdownCancel()

	stopBackground()
	engine.Close()
	if natsClient != nil {
		natsClient.Close()
	}
	rdb.Close()
}
