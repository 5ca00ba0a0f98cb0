// Package config loads runtime configuration for the matcher and collab
// binaries from the environment. A .env file in the working directory is
// read first when present; real environment variables always win.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RedisConfig holds connection settings for the shared key-value store.
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	ConnectAttempts int           // startup attempts before giving up
	MaxBackoff      time.Duration // cap on the delay between attempts
}

// MatchingConfig holds the matching engine timings.
type MatchingConfig struct {
	MatchTimeout       time.Duration // how long a search stays queued
	SessionTTL         time.Duration // backstop expiry for session records
	QueueSweepInterval time.Duration // how often ghost queue entries are swept
	RateLimit          int           // POST /matching/match per window per user
	RateWindow         time.Duration
}

// CollabConfig holds the collaboration gateway settings.
type CollabConfig struct {
	ListenAddr        string
	WorkerPoolSize    int
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	ReapCooldown      time.Duration
	VerifySessions    bool
}

// Config is the full set of settings shared by both binaries.
type Config struct {
	MatcherAddr string
	CORSOrigins []string
	NATSURL     string
	Redis       RedisConfig
	Matching    MatchingConfig
	Collab      CollabConfig
}

// Default returns the configuration used when no environment overrides are set.
func Default() Config {
	return Config{
		MatcherAddr: ":3002",
		CORSOrigins: []string{"*"},
		NATSURL:     "nats://localhost:4222",
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			ConnectAttempts: 10,
			MaxBackoff:      3 * time.Second,
		},
		Matching: MatchingConfig{
			MatchTimeout:       5 * time.Minute,
			SessionTTL:         1 * time.Hour,
			QueueSweepInterval: 30 * time.Second,
			RateLimit:          10,
			RateWindow:         1 * time.Minute,
		},
		Collab: CollabConfig{
			ListenAddr:        ":3003",
			WorkerPoolSize:    256,
			MaxConnections:    100000,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			SendBuffer:        256,
			HeartbeatInterval: 30 * time.Second,
			ReapInterval:      60 * time.Second,
			ReapCooldown:      120 * time.Second,
		},
	}
}

// Load reads .env (if any) and applies environment overrides on top of Default.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env not loaded: %v", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv applies overrides using the given lookup function. Malformed values
// are logged and ignored so a typo never silently zeroes a timeout.
func FromEnv(getenv func(string) string) Config {
	c := Default()
	e := env{get: getenv}

	c.MatcherAddr = e.str("MATCHER_ADDR", c.MatcherAddr)
	c.NATSURL = e.str("NATS_URL", c.NATSURL)
	if v := getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}

	c.Redis.Addr = e.str("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = e.str("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = e.int("REDIS_DB", c.Redis.DB)
	c.Redis.ConnectAttempts = e.positive("REDIS_CONNECT_ATTEMPTS", c.Redis.ConnectAttempts)

	c.Matching.MatchTimeout = e.duration("MATCH_TIMEOUT", c.Matching.MatchTimeout)
	c.Matching.SessionTTL = e.duration("SESSION_TTL", c.Matching.SessionTTL)
	c.Matching.QueueSweepInterval = e.duration("QUEUE_SWEEP_INTERVAL", c.Matching.QueueSweepInterval)
	c.Matching.RateLimit = e.positive("MATCH_RATE_LIMIT", c.Matching.RateLimit)
	c.Matching.RateWindow = e.duration("MATCH_RATE_WINDOW", c.Matching.RateWindow)

	c.Collab.ListenAddr = e.str("COLLAB_ADDR", c.Collab.ListenAddr)
	c.Collab.WorkerPoolSize = e.positive("WORKER_POOL_SIZE", c.Collab.WorkerPoolSize)
	c.Collab.MaxConnections = e.positive("MAX_CONNECTIONS", c.Collab.MaxConnections)
	c.Collab.ReadTimeout = e.duration("READ_TIMEOUT", c.Collab.ReadTimeout)
	c.Collab.WriteTimeout = e.duration("WRITE_TIMEOUT", c.Collab.WriteTimeout)
	c.Collab.SendBuffer = e.positive("SEND_BUFFER", c.Collab.SendBuffer)
	c.Collab.HeartbeatInterval = e.duration("HEARTBEAT_INTERVAL", c.Collab.HeartbeatInterval)
	c.Collab.ReapInterval = e.duration("REAP_INTERVAL", c.Collab.ReapInterval)
	c.Collab.ReapCooldown = e.duration("REAP_COOLDOWN", c.Collab.ReapCooldown)
	c.Collab.VerifySessions = e.bool("VERIFY_SESSIONS", c.Collab.VerifySessions)

	return c
}

type env struct {
	get func(string) string
}

func (e env) str(key, def string) string {
	if v := e.get(key); v != "" {
		return v
	}
	return def
}

func (e env) int(key string, def int) int {
	v := e.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q: %v", key, v, err)
		return def
	}
	return n
}

func (e env) positive(key string, def int) int {
	if n := e.int(key, def); n > 0 {
		return n
	}
	return def
}

func (e env) duration(key string, def time.Duration) time.Duration {
	v := e.get(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid %s=%q", key, v)
		return def
	}
	return d
}

func (e env) bool(key string, def bool) bool {
	v := e.get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q: %v", key, v, err)
		return def
	}
	return b
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
