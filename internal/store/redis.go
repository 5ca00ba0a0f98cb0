// Package store builds the Redis client shared by the matching queue, the
// session records and the rate limiter.
package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairup/collab/internal/config"
)

// Options maps the Redis section of the config onto go-redis options. Command
// retries use the same 3s backoff cap as the startup connect loop.
func Options(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     20,
		MinIdleConns: 5,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: cfg.MaxBackoff,
	}
}

// Connect opens a client and pings it until it answers, waiting
// min(attempt*100ms, MaxBackoff) between attempts. It fails after
// ConnectAttempts tries; the caller treats that as fatal at startup.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(Options(cfg))

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			log.Printf("[redis] connected to %s (db=%d)", cfg.Addr, cfg.DB)
			return client, nil
		}
		if i == attempts {
			break
		}

		delay := Backoff(i, cfg.MaxBackoff)
		log.Printf("[redis] connect attempt %d/%d failed: %v (retrying in %s)", i, attempts, err, delay)
		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	client.Close()
	return nil, fmt.Errorf("store: redis %s unreachable after %d attempts: %w", cfg.Addr, attempts, err)
}

// Backoff returns the delay before the next connect attempt.
func Backoff(attempt int, max time.Duration) time.Duration {
	d := time.Duration(attempt) * 100 * time.Millisecond
	if max > 0 && d > max {
		return max
	}
	return d
}
