package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pairup/collab/internal/collab"
	"github.com/pairup/collab/internal/config"
	"github.com/pairup/collab/internal/messaging"
	"github.com/pairup/collab/internal/metrics"
	"github.com/pairup/collab/internal/room"
	"github.com/pairup/collab/internal/session"
	"github.com/pairup/collab/internal/store"
)

func main() {
	cfg := config.Load()
	cc := cfg.Collab

	rooms := room.NewRegistry(nil)
	gateway := collab.NewGateway(cc, rooms)
	server := gateway.Server()
	server.Router().Handle("/metrics", metrics.Handler())

	// --- Redis (only needed to verify sessions on upgrade) ---
	if cc.VerifySessions {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		rdb, err := store.Connect(ctx, cfg.Redis)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		server.SetVerifier(collab.NewSessionVerifier(session.NewStore(rdb)))
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "pairup-collab"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Printf("NATS unavailable, session-ended events disabled: %v", err)
	} else {
		if err := natsClient.SubscribeSessionEnded(gateway.EndSession); err != nil {
			log.Printf("subscribe session.ended failed: %v", err)
		}
		defer natsClient.Close()
	}

	log.Printf("pairup collab server starting")
	log.Printf("  listen_addr:        %s", cc.ListenAddr)
	log.Printf("  worker_pool:        %d", cc.WorkerPoolSize)
	log.Printf("  max_connections:    %d", cc.MaxConnections)
	log.Printf("  send_buffer:        %d", cc.SendBuffer)
	log.Printf("  heartbeat_interval: %s", cc.HeartbeatInterval)
	log.Printf("  reap:               every %s, cooldown %s", cc.ReapInterval, cc.ReapCooldown)
	log.Printf("  verify_sessions:    %v", cc.VerifySessions)

	reapCtx, stopReaper := context.WithCancel(context.Background())
	go room.StartReaper(reapCtx, rooms, cc.ReapInterval, cc.ReapCooldown)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stopReaper()
	if err := server.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
